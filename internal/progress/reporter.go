// Package progress renders run progress as styled terminal lines driven by
// the event bus. It is line-oriented on purpose: output interleaves safely
// with logging and survives non-TTY environments.
package progress

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/prompter/internal/config"
	"github.com/aristath/prompter/internal/events"
)

var (
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	skippedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle       = lipgloss.NewStyle().Faint(true)
)

// Reporter consumes run events and prints one line per state change.
type Reporter struct {
	out  io.Writer
	mode config.ProgressMode
}

// New creates a Reporter for the given mode. ProgressAuto resolves to rich
// when out is a terminal, simple otherwise.
func New(out io.Writer, mode config.ProgressMode) *Reporter {
	if mode == config.ProgressAuto {
		mode = config.ProgressSimple
		if f, ok := out.(*os.File); ok && isTerminal(f) {
			mode = config.ProgressRich
		}
	}
	return &Reporter{out: out, mode: mode}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Watch consumes events until the channel closes. Run it in its own
// goroutine; it returns when the bus is closed.
func (r *Reporter) Watch(ch <-chan events.Event) {
	if r.mode == config.ProgressNone {
		for range ch { // drain so the bus never backs up
		}
		return
	}
	for ev := range ch {
		if line := r.render(ev); line != "" {
			fmt.Fprintln(r.out, line)
		}
	}
}

func (r *Reporter) render(ev events.Event) string {
	rich := r.mode == config.ProgressRich
	switch e := ev.(type) {
	case events.TaskStartedEvent:
		return r.line(rich, runningStyle, "●", "*", e.Name, "running")
	case events.TaskAttemptEvent:
		if e.Attempt == 1 {
			return ""
		}
		return r.line(rich, runningStyle, "●", "*", e.Name,
			fmt.Sprintf("attempt %d/%d", e.Attempt, e.MaxAttempts))
	case events.TaskCompletedEvent:
		detail := fmt.Sprintf("completed (attempts: %d)", e.Attempts)
		return r.line(rich, completedStyle, "✓", "ok", e.Name, detail)
	case events.TaskFailedEvent:
		detail := fmt.Sprintf("failed (attempts: %d): %s", e.Attempts, e.Reason)
		return r.line(rich, failedStyle, "✗", "FAIL", e.Name, detail)
	case events.TaskSkippedEvent:
		return r.line(rich, skippedStyle, "−", "skip", e.Name, "skipped: "+e.Reason)
	case events.RunProgressEvent:
		summary := fmt.Sprintf("%d/%d done, %d running, %d failed, %d skipped",
			e.Completed, e.Total, e.Running, e.Failed, e.Skipped)
		if rich {
			return dimStyle.Render("  " + summary)
		}
		return "  " + summary
	}
	return ""
}

func (r *Reporter) line(rich bool, style lipgloss.Style, glyph, plain, name, detail string) string {
	if rich {
		return fmt.Sprintf("%s %s %s", style.Render(glyph), name, dimStyle.Render(detail))
	}
	return fmt.Sprintf("[%s] %s %s", plain, name, detail)
}
