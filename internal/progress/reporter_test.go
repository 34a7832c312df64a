package progress

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aristath/prompter/internal/config"
	"github.com/aristath/prompter/internal/events"
)

func watch(mode config.ProgressMode, evs ...events.Event) string {
	var buf strings.Builder
	r := New(&buf, mode)

	ch := make(chan events.Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	r.Watch(ch)
	return buf.String()
}

func TestSimpleModeLines(t *testing.T) {
	out := watch(config.ProgressSimple,
		events.TaskStartedEvent{Name: "build", Timestamp: time.Now()},
		events.TaskCompletedEvent{Name: "build", Attempts: 2, Timestamp: time.Now()},
		events.TaskFailedEvent{Name: "lint", Attempts: 1, Reason: "exit 1", Timestamp: time.Now()},
		events.TaskSkippedEvent{Name: "deploy", Reason: "dependency failed", Timestamp: time.Now()},
	)

	assert.Contains(t, out, "[*] build running")
	assert.Contains(t, out, "[ok] build completed (attempts: 2)")
	assert.Contains(t, out, "[FAIL] lint failed (attempts: 1): exit 1")
	assert.Contains(t, out, "[skip] deploy skipped: dependency failed")
}

func TestFirstAttemptIsQuiet(t *testing.T) {
	out := watch(config.ProgressSimple,
		events.TaskAttemptEvent{Name: "a", Attempt: 1, MaxAttempts: 3},
	)
	assert.Empty(t, out)

	out = watch(config.ProgressSimple,
		events.TaskAttemptEvent{Name: "a", Attempt: 2, MaxAttempts: 3},
	)
	assert.Contains(t, out, "attempt 2/3")
}

func TestNoneModeSilent(t *testing.T) {
	out := watch(config.ProgressNone,
		events.TaskStartedEvent{Name: "build"},
		events.TaskFailedEvent{Name: "build", Reason: "boom"},
	)
	assert.Empty(t, out)
}

func TestRunProgressSummary(t *testing.T) {
	out := watch(config.ProgressSimple,
		events.RunProgressEvent{Total: 4, Completed: 1, Running: 2, Failed: 1},
	)
	assert.Contains(t, out, "1/4 done, 2 running, 1 failed, 0 skipped")
}

func TestAutoResolvesToSimpleForNonTerminal(t *testing.T) {
	var buf strings.Builder
	r := New(&buf, config.ProgressAuto)
	assert.Equal(t, config.ProgressSimple, r.mode)
}
