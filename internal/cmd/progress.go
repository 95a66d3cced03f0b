package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/event"
	"github.com/Iron-Ham/imagebatch/internal/tui/styles"
)

// progressPrinter returns a bus handler printing one line per notable
// event. Unchanged job polls are not printed.
func progressPrinter(w io.Writer, styled bool) event.Handler {
	var mu sync.Mutex
	paint := func(render func(...string) string, s string) string {
		if !styled {
			return s
		}
		return render(s)
	}
	return func(e event.Event) {
		var line string
		switch ev := e.(type) {
		case event.PhaseChangedEvent:
			phase := ev.Current
			if styled {
				phase = styles.Phase(batch.Phase(ev.Current))
			}
			line = "→ " + phase
		case event.ReferenceUploadedEvent:
			if ev.Done != ev.Total {
				return
			}
			line = fmt.Sprintf("  %d reference images ready", ev.Total)
		case event.ChunkSubmittedEvent:
			line = fmt.Sprintf("  chunk %d submitted as %s (%d tasks)", ev.ChunkIndex, ev.JobID, ev.TaskCount)
		case event.ChunkFailedEvent:
			line = paint(styles.Error.Render, fmt.Sprintf("  chunk %d failed: %v", ev.ChunkIndex, ev.Err))
		case event.JobPolledEvent:
			if !ev.Changed() {
				return
			}
			state := batch.JobState(ev.State)
			label := styles.JobStateIcon(state) + " " + ev.State
			if styled {
				label = styles.JobState(state)
			}
			line = fmt.Sprintf("  %s %s after %s", ev.JobID, label, ev.Elapsed.Round(time.Second))
		case event.JobTimedOutEvent:
			line = paint(styles.Warning.Render, fmt.Sprintf("  %s abandoned after %s", ev.JobID, ev.Waited.Round(time.Second)))
		case event.DownloadProgressEvent:
			if !ev.Done {
				return
			}
			line = fmt.Sprintf("  %s downloaded (%s)", ev.JobID, humanize.Bytes(uint64(ev.Bytes)))
		case event.IntegrityEvent:
			line = paint(styles.Warning.Render, fmt.Sprintf("  %s: %d missing, %d extra, %d malformed",
				ev.File, ev.Missing, ev.Extra, ev.Malformed))
		default:
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, line)
	}
}
