package state

import (
	"time"

	"github.com/aristath/prompter/internal/scheduler"
)

// TaskState is the persisted dynamic state of one task within a run.
type TaskState struct {
	Status         scheduler.Status `json:"status"`
	Attempts       int              `json:"attempts"`
	LastError      string           `json:"last_error,omitempty"`
	SessionID      string           `json:"session_id,omitempty"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	EndedAt        *time.Time       `json:"ended_at,omitempty"`
	ExecutionCount int              `json:"execution_count"`

	// UpdatedAt orders tasks for session resumption. Readers of older state
	// files tolerate its absence.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

func (s TaskState) clone() TaskState {
	c := s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return c
}

// RunRecord is the full persisted document for one run.
type RunRecord struct {
	SessionID     string                `json:"session_id"`
	StartedAt     time.Time             `json:"started_at"`
	LastUpdatedAt time.Time             `json:"last_updated_at"`
	Tasks         map[string]*TaskState `json:"tasks"`
}

// Summary is an aggregate view of a run, for status reporting.
type Summary struct {
	SessionID string
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Running   int
	Pending   int
}

// Summarize counts tasks by status.
func (r RunRecord) Summarize() Summary {
	s := Summary{SessionID: r.SessionID, Total: len(r.Tasks)}
	for _, ts := range r.Tasks {
		switch ts.Status {
		case scheduler.StatusCompleted:
			s.Completed++
		case scheduler.StatusFailed:
			s.Failed++
		case scheduler.StatusSkipped:
			s.Skipped++
		case scheduler.StatusRunning:
			s.Running++
		default:
			s.Pending++
		}
	}
	return s
}
