package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/prompter/internal/backend"
	"github.com/aristath/prompter/internal/config"
	"github.com/aristath/prompter/internal/events"
	"github.com/aristath/prompter/internal/history"
	"github.com/aristath/prompter/internal/scheduler"
	"github.com/aristath/prompter/internal/state"
	"github.com/aristath/prompter/internal/verify"
)

// Verifier runs a task's verification command.
type Verifier interface {
	Run(ctx context.Context, command string, wantCode int) verify.Result
}

// Result is the outcome of one task execution (all attempts included).
type Result struct {
	TaskName  string
	Completed bool
	Attempts  int
	SessionID string
	LastError string
	Flow      FlowAction // what the driver should do next
}

// Executor runs exactly one task's retry loop and records the outcome.
type Executor struct {
	session  backend.Session
	verifier Verifier
	store    *state.Store
	archive  *history.Store // optional
	bus      *events.Bus    // optional
	settings config.Settings
	breaker  *gobreaker.CircuitBreaker
	retry    RetryConfig
	dryRun   bool

	// sleep is replaceable so tests do not wait out check intervals.
	sleep func(ctx context.Context, d time.Duration) error
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Session  backend.Session
	Verifier Verifier
	Store    *state.Store
	Archive  *history.Store
	Bus      *events.Bus
	Settings config.Settings
	Retry    *RetryConfig
	DryRun   bool
}

// NewExecutor creates an Executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	retry := DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	return &Executor{
		session:  opts.Session,
		verifier: opts.Verifier,
		store:    opts.Store,
		archive:  opts.Archive,
		bus:      opts.Bus,
		settings: opts.Settings,
		breaker:  newBreaker(),
		retry:    retry,
		dryRun:   opts.DryRun,
		sleep:    sleepCtx,
	}
}

// Execute runs the task's per-attempt procedure until verification
// succeeds, the attempt budget is exhausted, or the context is cancelled.
// A non-nil error is returned for cancellation and for failures to persist
// the task's state; every other failure is expressed through the Result's
// flow action.
func (e *Executor) Execute(ctx context.Context, task *config.Task) (Result, error) {
	if e.dryRun {
		return e.dryRunResult(task)
	}

	// Only on_failure = "retry" re-attempts; every other value acts after
	// the first failed attempt.
	budget := 1
	if task.OnFailure == config.ActionRetry {
		budget = task.MaxAttempts
	}

	res := Result{TaskName: task.Name}
	bo := e.retry.newBackoff()
	started := time.Now()

	if err := e.store.Update(task.Name, func(ts *state.TaskState) {
		ts.Status = scheduler.StatusRunning
		if ts.StartedAt == nil {
			now := time.Now().UTC()
			ts.StartedAt = &now
		}
	}); err != nil {
		return res, err
	}

	for attempt := 1; attempt <= budget; attempt++ {
		e.bus.Publish(events.TaskAttemptEvent{
			Name: task.Name, Attempt: attempt, MaxAttempts: budget, Timestamp: time.Now(),
		})

		success, sessionID, output, attemptErr := e.attempt(ctx, task)
		if sessionID != "" {
			res.SessionID = sessionID
		}

		e.recordArchive(ctx, task.Name, attempt, success, sessionID, attemptErr, output)

		if cancelErr := ctxCause(ctx, attemptErr); cancelErr != nil {
			e.finishAttempt(task.Name, false, "cancelled before completion", res.SessionID)
			res.Attempts = attempt
			res.LastError = "cancelled before completion"
			res.Flow = FlowAction{Kind: FlowStop}
			e.publishFailed(task.Name, attempt, res.LastError)
			return res, cancelErr
		}

		if success {
			e.finishAttempt(task.Name, true, "", res.SessionID)
			res.Completed = true
			res.Attempts = attempt
			res.Flow = resolveFlow(task.OnSuccess)
			e.bus.Publish(events.TaskCompletedEvent{
				Name: task.Name, Attempts: attempt, SessionID: res.SessionID,
				Duration: time.Since(started), Timestamp: time.Now(),
			})
			return res, nil
		}

		errText := "verification failed"
		if attemptErr != nil {
			errText = attemptErr.Error()
		}
		res.LastError = errText
		res.Attempts = attempt

		if task.OnFailure == config.ActionRetry && attempt < budget {
			// Record the failed attempt but keep the task RUNNING while
			// retries remain.
			if err := e.store.Update(task.Name, func(ts *state.TaskState) {
				ts.Attempts++
				ts.LastError = errText
				if res.SessionID != "" {
					ts.SessionID = res.SessionID
				}
			}); err != nil {
				return res, err
			}
			slog.Debug("attempt failed, retrying",
				"task", task.Name, "attempt", attempt, "max_attempts", budget, "error", errText)
			if err := e.sleep(ctx, bo.NextBackOff()); err != nil {
				res.Flow = FlowAction{Kind: FlowStop}
				return res, err
			}
			continue
		}

		e.finishAttempt(task.Name, false, errText, res.SessionID)
		res.Flow = resolveFlow(task.OnFailure)
		e.publishFailed(task.Name, attempt, errText)
		return res, nil
	}

	// Unreachable: the loop always returns.
	return res, nil
}

// attempt performs one AI + delay + verify cycle.
func (e *Executor) attempt(ctx context.Context, task *config.Task) (success bool, sessionID, output string, err error) {
	req := backend.QueryRequest{
		Prompt:       task.Prompt,
		SystemPrompt: task.SystemPrompt,
		Timeout:      task.Timeout,
	}
	if task.ResumePreviousSession {
		if id, ok := e.store.MostRecentSessionID(func(name string, ts state.TaskState) bool {
			return name != task.Name && ts.Status.Terminal()
		}); ok {
			req.ResumeSessionID = id
			slog.Debug("resuming previous session", "task", task.Name, "session_id", id)
		}
	}

	queryRes, queryErr := queryThroughBreaker(ctx, e.breaker, e.session, req)
	if queryErr != nil {
		return false, "", "", queryErr
	}

	// Let the assistant's side effects settle before judging them.
	if e.settings.CheckInterval > 0 {
		if err := e.sleep(ctx, e.settings.CheckInterval); err != nil {
			return false, queryRes.SessionID, queryRes.Text, err
		}
	}

	vres := e.verifier.Run(ctx, task.VerifyCommand, task.VerifySuccessCode)
	if !vres.Success {
		return false, queryRes.SessionID, queryRes.Text,
			fmt.Errorf("%s", vres.Detail)
	}
	return true, queryRes.SessionID, queryRes.Text, nil
}

// finishAttempt records the terminal attempt through the store's
// mark-attempt mutation (increments the counter, sets status and fields).
func (e *Executor) finishAttempt(taskName string, success bool, errText, sessionID string) {
	if err := e.store.MarkAttempt(taskName, success, errText, sessionID); err != nil {
		slog.Error("failed to persist task outcome", "task", taskName, "error", err)
	}
	if err := e.store.Update(taskName, func(ts *state.TaskState) {
		now := time.Now().UTC()
		ts.EndedAt = &now
	}); err != nil {
		slog.Error("failed to persist task end time", "task", taskName, "error", err)
	}
}

func (e *Executor) recordArchive(ctx context.Context, taskName string, attempt int, success bool, sessionID string, attemptErr error, output string) {
	if e.archive == nil {
		return
	}
	errText := ""
	if attemptErr != nil {
		errText = attemptErr.Error()
	}
	rec := history.AttemptRecord{
		RunID:     e.store.SessionID(),
		TaskName:  taskName,
		Attempt:   attempt,
		Success:   success,
		SessionID: sessionID,
		Error:     errText,
		Output:    output,
	}
	if err := e.archive.RecordAttempt(context.WithoutCancel(ctx), rec); err != nil {
		slog.Warn("failed to archive attempt", "task", taskName, "error", err)
	}
}

func (e *Executor) publishFailed(taskName string, attempts int, reason string) {
	e.bus.Publish(events.TaskFailedEvent{
		Name: taskName, Attempts: attempts, Reason: reason, Timestamp: time.Now(),
	})
}

func (e *Executor) dryRunResult(task *config.Task) (Result, error) {
	slog.Info("[dry run] would execute task",
		"task", task.Name, "verify_command", task.VerifyCommand)
	if err := e.store.MarkAttempt(task.Name, true, "", ""); err != nil {
		return Result{}, err
	}
	return Result{
		TaskName:  task.Name,
		Completed: true,
		Attempts:  1,
		Flow:      resolveFlow(task.OnSuccess),
	}, nil
}

// ctxCause translates an attempt error into the context error that caused
// it, or nil when the attempt failed on its own.
func ctxCause(ctx context.Context, attemptErr error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(attemptErr, backend.ErrCancelled) {
		return context.Canceled
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
