// Package state persists per-run task state with crash-safe atomic writes.
//
// The on-disk form is a single JSON document. Every write lands in a
// sibling temp file first and is renamed over the target, so a crash leaves
// either the previous valid file or a stray temp file, never a truncated
// record. All access goes through one exclusive in-process lock; the lock
// is never held across AI queries or verification subprocesses.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/prompter/internal/scheduler"
)

// DefaultFileName is the conventional state file name inside the working
// directory.
const DefaultFileName = ".prompter_state.json"

// StateError wraps a malformed or unreadable state file. Recovery is an
// explicit state clear by the operator.
type StateError struct {
	Path string
	Err  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state file %s is unusable: %v (use --clear-state to start fresh)", e.Path, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// Store is the durable, concurrency-safe record of a run.
type Store struct {
	mu     sync.Mutex
	path   string
	record RunRecord
	now    func() time.Time
}

// Open loads the record at path if one exists, or initializes a fresh run
// record. A malformed file returns a *StateError.
func Open(path string) (*Store, error) {
	s := &Store{path: path, now: time.Now}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.record = RunRecord{
			SessionID: uuid.NewString(),
			StartedAt: s.now().UTC(),
			Tasks:     make(map[string]*TaskState),
		}
		return s, nil
	case err != nil:
		return nil, &StateError{Path: path, Err: err}
	}

	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &StateError{Path: path, Err: err}
	}
	if rec.Tasks == nil {
		rec.Tasks = make(map[string]*TaskState)
	}
	if rec.SessionID == "" {
		rec.SessionID = uuid.NewString()
	}
	s.record = rec
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// SessionID returns the run identifier.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.SessionID
}

// Update mutates one task's state under the store lock, then persists the
// whole record atomically. The mutator receives a state initialized to
// PENDING if the task has no record yet.
func (s *Store) Update(taskName string, mutate func(*TaskState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.record.Tasks[taskName]
	if !ok {
		ts = &TaskState{Status: scheduler.StatusPending}
		s.record.Tasks[taskName] = ts
	}
	mutate(ts)
	ts.UpdatedAt = s.now().UTC()

	return s.persistLocked()
}

// MarkAttempt records the outcome of one attempt: increments the attempt
// counter, sets the status, and captures the error text and session id.
func (s *Store) MarkAttempt(taskName string, success bool, errText, sessionID string) error {
	return s.Update(taskName, func(ts *TaskState) {
		ts.Attempts++
		if sessionID != "" {
			ts.SessionID = sessionID
		}
		if success {
			ts.Status = scheduler.StatusCompleted
			ts.LastError = ""
		} else {
			ts.Status = scheduler.StatusFailed
			ts.LastError = errText
		}
	})
}

// Snapshot returns an immutable deep copy of the record for reporters.
func (s *Store) Snapshot() RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	copyRec := s.record
	copyRec.Tasks = make(map[string]*TaskState, len(s.record.Tasks))
	for name, ts := range s.record.Tasks {
		c := ts.clone()
		copyRec.Tasks[name] = &c
	}
	return copyRec
}

// TaskState returns a copy of one task's state and whether it exists.
func (s *Store) TaskState(taskName string) (TaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.record.Tasks[taskName]
	if !ok {
		return TaskState{}, false
	}
	return ts.clone(), true
}

// MostRecentSessionID returns the session id of the most recently updated
// task matching the predicate. Used for resume_previous_session.
func (s *Store) MostRecentSessionID(match func(name string, ts TaskState) bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *TaskState
	for name, ts := range s.record.Tasks {
		if ts.SessionID == "" || !match(name, ts.clone()) {
			continue
		}
		if best == nil || ts.UpdatedAt.After(best.UpdatedAt) {
			best = ts
		}
	}
	if best == nil {
		return "", false
	}
	return best.SessionID, true
}

// Reconcile prepares a loaded record for a run against the given task
// names. The configuration must be a superset of the record; recorded names
// absent from the configuration are dropped with a warning. Tasks left in
// RUNNING or READY by an interrupted run are reset to PENDING so they are
// re-dispatched.
func (s *Store) Reconcile(taskNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]bool, len(taskNames))
	for _, n := range taskNames {
		known[n] = true
	}

	for name, ts := range s.record.Tasks {
		if !known[name] {
			slog.Warn("state file names a task missing from the configuration; ignoring it",
				"task", name)
			delete(s.record.Tasks, name)
			continue
		}
		if ts.Status == scheduler.StatusRunning || ts.Status == scheduler.StatusReady {
			ts.Status = scheduler.StatusPending
		}
	}

	return s.persistLocked()
}

// Clear deletes the persistent file and resets the in-memory record to a
// fresh run.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing state file: %w", err)
	}
	s.record = RunRecord{
		SessionID: uuid.NewString(),
		StartedAt: s.now().UTC(),
		Tasks:     make(map[string]*TaskState),
	}
	return nil
}

// Flush persists the current record. Used before exit on cancellation.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// persistLocked serializes the record and writes it atomically:
// write <path>.tmp in the same directory, fsync, rename over <path>.
// Callers hold s.mu.
func (s *Store) persistLocked() error {
	s.record.LastUpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(s.record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
