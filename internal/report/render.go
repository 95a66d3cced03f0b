package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/tui/styles"
)

const ruleWidth = 50

type printer struct {
	w      io.Writer
	styled bool
	err    error
}

func (p *printer) paint(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) line(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) section(title string) {
	p.line("")
	if p.styled {
		p.line("%s", styles.Header.Render(title))
		return
	}
	p.line("%s", title)
	p.line("%s", strings.Repeat("─", ruleWidth))
}

func (p *printer) field(label, value string) {
	if p.styled {
		p.line("%s%s", styles.Label.Render(label), value)
		return
	}
	p.line("%-14s%s", label, value)
}

// Render writes a human readable summary of r to w. Styling is applied only
// when styled is set; callers pass whether w is a terminal.
func Render(w io.Writer, r *Report, styled bool) error {
	p := &printer{w: w, styled: styled}

	phase := string(r.Phase)
	if styled {
		phase = styles.Phase(r.Phase)
	}
	p.line("%s  %s", p.paint(styles.Title.UnsetMarginBottom(), "Run "+r.RunID), phase)
	if r.Error != "" {
		p.line("%s", p.paint(styles.ErrorMsg, "Error: "+r.Error))
	}

	p.section("TASKS")
	planned := count(r.Planned)
	if r.SkippedAtPlan > 0 {
		planned += p.paint(styles.Muted, fmt.Sprintf(" (%s already generated)", count(r.SkippedAtPlan)))
	}
	p.field("Planned", planned)
	p.field("Submitted", count(r.Submitted))
	if r.NotSubmitted > 0 {
		p.field("Not submitted", p.paint(styles.Warning, count(r.NotSubmitted)))
	}
	p.field("Succeeded", p.paint(styles.Secondary, count(r.Succeeded)))
	p.field("Skipped", count(r.Skipped))
	failed := count(r.Failed)
	if r.Failed > 0 {
		failed = p.paint(styles.Error, failed)
	}
	p.field("Failed", failed)
	if r.Unknown > 0 {
		p.field("Unknown keys", p.paint(styles.Warning, count(r.Unknown)))
	}
	if r.Malformed > 0 {
		p.field("Malformed", p.paint(styles.Warning, count(r.Malformed)))
	}
	p.field("Est. cost", fmt.Sprintf("%s (%s input tokens)", FormatCost(r.EstimatedCostUSD), count(r.EstimatedTokens)))
	if d := r.TotalDuration(); d > 0 {
		p.field("Duration", d.Round(time.Second).String())
	}

	if len(r.Jobs) > 0 {
		p.section("JOBS")
		for _, j := range r.Jobs {
			state := styles.JobStateIcon(j.State) + " " + string(j.State)
			if styled {
				state = styles.JobState(j.State)
			}
			p.line("  chunk %-4d %-28s %6s tasks  %s", j.ChunkIndex, j.JobID, count(j.TaskCount), state)
			if j.Error != "" {
				p.line("    %s", p.paint(styles.Error, j.Error))
			}
		}
	}

	if len(r.Timing) > 0 {
		p.section("TIMING")
		for _, t := range r.Timing {
			var d string
			switch {
			case t.Phase.IsTerminal():
				d = t.Started.Format(time.RFC3339)
			case t.Duration > 0:
				d = t.Duration.Round(time.Second).String()
			default:
				d = "in progress"
			}
			p.field(string(t.Phase), d)
		}
	}

	if r.DLQ.Total > 0 {
		p.section("DEAD LETTERS")
		p.field("Total", count(r.DLQ.Total))
		p.field("Retryable", count(r.DLQ.Retryable))
		p.field("Exhausted", count(r.DLQ.Exhausted))
		p.field("Permanent", count(r.DLQ.Permanent))
		for _, c := range r.DLQ.ByCode {
			p.line("  %s: %s", c.Code, count(c.Count))
		}
		if r.DLQ.Hint != "" {
			p.line("%s", p.paint(styles.WarningMsg, "Hint: "+r.DLQ.Hint))
		}
	}

	if len(r.Failures) > 0 {
		p.section("FAILURES")
		for _, f := range r.Failures {
			p.line("  • %s", batch.DisplayKey(f.Key))
			p.line("    %s", p.paint(styles.Muted, f.Code+": "+f.Message))
		}
		if r.DLQ.Total > len(r.Failures) {
			p.line("  ... and %s more", count(r.DLQ.Total-len(r.Failures)))
		}
	}

	if len(r.Integrity) > 0 {
		p.section("INTEGRITY")
		for _, msg := range r.Integrity {
			p.line("  %s", p.paint(styles.ErrorMsg, msg))
		}
	}
	return p.err
}

// QuickSummary is a one line outcome for logs and notifications.
func QuickSummary(r *Report) string {
	s := fmt.Sprintf("run %s %s: %s succeeded, %s skipped, %s failed",
		r.RunID, r.Phase, count(r.Succeeded), count(r.Skipped), count(r.Failed))
	if r.DLQ.Total > 0 {
		s += fmt.Sprintf(", %s dead letters", count(r.DLQ.Total))
	}
	return s + fmt.Sprintf(" (est. %s)", FormatCost(r.EstimatedCostUSD))
}

// FormatCost formats a dollar amount, keeping sub-cent precision for
// small runs.
func FormatCost(usd float64) string {
	if usd > 0 && usd < 0.01 {
		return fmt.Sprintf("$%.4f", usd)
	}
	return fmt.Sprintf("$%.2f", usd)
}

func count(n int) string {
	return humanize.Comma(int64(n))
}
