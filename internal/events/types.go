package events

import (
	"time"

	"github.com/aristath/prompter/internal/scheduler"
)

// Event is the base interface for all run events.
type Event interface {
	EventType() string
	Task() string
}

// Event type constants
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskAttempt   = "task.attempt"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskSkipped   = "task.skipped"
	EventTypeRunProgress   = "run.progress"
)

// TaskStartedEvent is published when a task is dispatched.
type TaskStartedEvent struct {
	Name      string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Task() string      { return e.Name }

// TaskAttemptEvent is published at the start of each AI+verify attempt.
type TaskAttemptEvent struct {
	Name        string
	Attempt     int
	MaxAttempts int
	Timestamp   time.Time
}

func (e TaskAttemptEvent) EventType() string { return EventTypeTaskAttempt }
func (e TaskAttemptEvent) Task() string      { return e.Name }

// TaskCompletedEvent is published when verification succeeds.
type TaskCompletedEvent struct {
	Name      string
	Attempts  int
	SessionID string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Task() string      { return e.Name }

// TaskFailedEvent is published when a task reaches FAILED.
type TaskFailedEvent struct {
	Name      string
	Attempts  int
	Reason    string
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Task() string      { return e.Name }

// TaskSkippedEvent is published when a task is skipped: a dependency
// failed, or loop protection refused re-dispatch.
type TaskSkippedEvent struct {
	Name      string
	Reason    string
	Timestamp time.Time
}

func (e TaskSkippedEvent) EventType() string { return EventTypeTaskSkipped }
func (e TaskSkippedEvent) Task() string      { return e.Name }

// RunProgressEvent summarizes run counts after every status change.
type RunProgressEvent struct {
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Running   int
	Pending   int
	Statuses  map[string]scheduler.Status
	Timestamp time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) Task() string      { return "" }
