// Package pipeline drives one image batch run from planning to its report.
//
// A [Runner] is built from a [RunContext], which carries every collaborator
// a run touches: the artifact filesystem, the remote service, the planner,
// the reference cache, the ledger, the event bus and the logger. Nothing is
// package level.
//
// # Steps
//
// A run moves through a fixed chain of steps, each owning a slice of the
// phase lattice:
//
//	plan      planning                 write plan.json
//	stage     staging                  upload references
//	submit    staging → submitted      write request files, create jobs
//	poll      polling                  wait for jobs, dead-letter failed ones
//	download  downloading              fetch and validate result files
//	apply     applying → complete      write outputs, dead-letter failures
//
// The report is written after every invocation, finished or not.
//
// # Recovery
//
// [Runner.Resume] reads the phase a run stopped in and looks up the first
// step to run again:
//
//	planning     plan      reload plan.json, or replan from the stored scope
//	staging      stage     restage references, rebuild request files
//	staged       submit    resubmit chunks that have no job
//	submitted    poll      submit first if a chunk has no job
//	polling      poll
//	downloading  poll      terminal jobs are not polled again
//	applying     apply     re-apply every result file
//
// complete and failed runs are not resumed.
package pipeline
