package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/prompter/internal/backend"
	"github.com/aristath/prompter/internal/config"
	"github.com/aristath/prompter/internal/scheduler"
)

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	e := newEnv(t)
	task := newTask("a")

	res, err := e.executor().Execute(context.Background(), &task)
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "sess-a", res.SessionID)
	assert.Equal(t, FlowNext, res.Flow.Kind)

	ts := e.taskStatus("a")
	assert.Equal(t, scheduler.StatusCompleted, ts.Status)
	assert.Equal(t, 1, ts.Attempts)
	assert.Equal(t, "sess-a", ts.SessionID)
	assert.NotNil(t, ts.StartedAt)
	assert.NotNil(t, ts.EndedAt)
	assert.Empty(t, ts.LastError)
}

func TestExecuteRetryUntilSuccess(t *testing.T) {
	e := newEnv(t)
	task := newTask("a")
	e.verifier.script("verify-a", failOnce())

	res, err := e.executor().Execute(context.Background(), &task)
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, e.session.callCount())
	assert.Equal(t, 2, e.taskStatus("a").Attempts)
}

func TestExecuteRetryExhausts(t *testing.T) {
	e := newEnv(t)
	task := newTask("a") // on_failure = retry, max_attempts = 3
	e.verifier.script("verify-a", failOnce(), failOnce(), failOnce())

	res, err := e.executor().Execute(context.Background(), &task)
	require.NoError(t, err)

	assert.False(t, res.Completed)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, FlowNext, res.Flow.Kind, "exhausted retry moves the run along")

	ts := e.taskStatus("a")
	assert.Equal(t, scheduler.StatusFailed, ts.Status)
	assert.Equal(t, 3, ts.Attempts, "attempts equals the budget exactly")
	assert.Contains(t, ts.LastError, "exited 1")
}

func TestExecuteSingleAttemptWhenNotRetry(t *testing.T) {
	tests := []struct {
		name      string
		onFailure string
		wantKind  FlowKind
		wantTgt   string
	}{
		{"stop", config.ActionStop, FlowStop, ""},
		{"next", config.ActionNext, FlowNext, ""},
		{"jump", "fix_build", FlowJump, "fix_build"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			task := newTask("a")
			task.OnFailure = tt.onFailure
			task.MaxAttempts = 5 // ignored: only retry re-attempts
			e.verifier.script("verify-a", failOnce())

			res, err := e.executor().Execute(context.Background(), &task)
			require.NoError(t, err)

			assert.False(t, res.Completed)
			assert.Equal(t, 1, res.Attempts, "exactly one attempt for on_failure=%s", tt.onFailure)
			assert.Equal(t, tt.wantKind, res.Flow.Kind)
			assert.Equal(t, tt.wantTgt, res.Flow.Target)
			assert.Equal(t, scheduler.StatusFailed, e.taskStatus("a").Status)
		})
	}
}

func TestExecuteOnSuccessFlows(t *testing.T) {
	tests := []struct {
		onSuccess string
		wantKind  FlowKind
		wantTgt   string
	}{
		{config.ActionNext, FlowNext, ""},
		{config.ActionStop, FlowStop, ""},
		{config.ActionRepeat, FlowRepeat, ""},
		{"deploy", FlowJump, "deploy"},
	}

	for _, tt := range tests {
		t.Run(tt.onSuccess, func(t *testing.T) {
			e := newEnv(t)
			task := newTask("a")
			task.OnSuccess = tt.onSuccess

			res, err := e.executor().Execute(context.Background(), &task)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, res.Flow.Kind)
			assert.Equal(t, tt.wantTgt, res.Flow.Target)
		})
	}
}

func TestExecuteAIErrorConsumesAttempt(t *testing.T) {
	e := newEnv(t)
	e.session.handler = func(req backend.QueryRequest) (backend.QueryResult, error) {
		return backend.QueryResult{}, backend.ErrTimeout
	}
	task := newTask("a")
	task.OnFailure = config.ActionNext

	res, err := e.executor().Execute(context.Background(), &task)
	require.NoError(t, err)

	assert.False(t, res.Completed)
	assert.Equal(t, FlowNext, res.Flow.Kind)
	assert.Contains(t, e.taskStatus("a").LastError, "timed out")
}

func TestExecuteAIErrorRetries(t *testing.T) {
	e := newEnv(t)
	var calls int
	e.session.handler = func(req backend.QueryRequest) (backend.QueryResult, error) {
		calls++
		if calls == 1 {
			return backend.QueryResult{}, backend.ErrTransport
		}
		return backend.QueryResult{SessionID: "sess-later"}, nil
	}
	task := newTask("a")

	res, err := e.executor().Execute(context.Background(), &task)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 2, res.Attempts)
}

func TestExecuteCancellation(t *testing.T) {
	e := newEnv(t)
	e.session.delay = time.Minute
	task := newTask("a")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := e.executor().Execute(ctx, &task)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Completed)
	assert.Equal(t, scheduler.StatusFailed, e.taskStatus("a").Status)
	assert.Contains(t, e.taskStatus("a").LastError, "cancelled")
}

func TestExecuteSessionIDRecordedOnFailure(t *testing.T) {
	e := newEnv(t)
	task := newTask("a")
	task.OnFailure = config.ActionNext
	e.verifier.script("verify-a", failOnce())

	res, err := e.executor().Execute(context.Background(), &task)
	require.NoError(t, err)

	// The session id from a failed attempt survives for later resumption.
	assert.False(t, res.Completed)
	assert.Equal(t, "sess-a", e.taskStatus("a").SessionID)
}

func TestExecuteResumePreviousSession(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.MarkAttempt("earlier", true, "", "sess-earlier"))

	task := newTask("a")
	task.ResumePreviousSession = true

	_, err := e.executor().Execute(context.Background(), &task)
	require.NoError(t, err)

	require.Len(t, e.session.requests, 1)
	assert.Equal(t, "sess-earlier", e.session.requests[0].ResumeSessionID)
}

func TestExecuteResumeIgnoresOwnSession(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.MarkAttempt("a", false, "failed before", "sess-own"))

	task := newTask("a")
	task.ResumePreviousSession = true

	_, err := e.executor().Execute(context.Background(), &task)
	require.NoError(t, err)
	assert.Empty(t, e.session.requests[0].ResumeSessionID,
		"a task does not resume its own previous session")
}

func TestExecuteResumeUsesFailedTaskSession(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.MarkAttempt("earlier", false, "it failed", "sess-failed"))

	task := newTask("a")
	task.ResumePreviousSession = true

	_, err := e.executor().Execute(context.Background(), &task)
	require.NoError(t, err)
	assert.Equal(t, "sess-failed", e.session.requests[0].ResumeSessionID,
		"failed terminal tasks still provide their session id")
}

func TestExecutePassesTaskFieldsToSession(t *testing.T) {
	e := newEnv(t)
	task := newTask("a")
	task.SystemPrompt = "be careful"
	task.Timeout = 90 * time.Second

	_, err := e.executor().Execute(context.Background(), &task)
	require.NoError(t, err)

	req := e.session.requests[0]
	assert.Equal(t, "a", req.Prompt)
	assert.Equal(t, "be careful", req.SystemPrompt)
	assert.Equal(t, 90*time.Second, req.Timeout)
}

func TestExecuteDryRun(t *testing.T) {
	e := newEnv(t)
	exec := NewExecutor(ExecutorOptions{
		Session:  e.session,
		Verifier: e.verifier,
		Store:    e.store,
		Settings: e.settings,
		DryRun:   true,
	})

	task := newTask("a")
	res, err := exec.Execute(context.Background(), &task)
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Zero(t, e.session.callCount(), "dry run never reaches the AI")
	assert.Equal(t, scheduler.StatusCompleted, e.taskStatus("a").Status)
}

func TestExecuteBreakerOpensAfterTransportFailures(t *testing.T) {
	e := newEnv(t)
	e.session.handler = func(req backend.QueryRequest) (backend.QueryResult, error) {
		return backend.QueryResult{}, backend.ErrTransport
	}
	exec := e.executor()

	// Five consecutive transport failures trip the breaker; subsequent
	// queries fail fast without reaching the session.
	task := newTask("a")
	task.MaxAttempts = 5
	_, err := exec.Execute(context.Background(), &task)
	require.NoError(t, err)
	callsBefore := e.session.callCount()
	require.Equal(t, 5, callsBefore)

	next := newTask("b")
	next.OnFailure = config.ActionNext
	res, err := exec.Execute(context.Background(), &next)
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, callsBefore, e.session.callCount(), "open circuit short-circuits the query")
	assert.Contains(t, e.taskStatus("b").LastError, "circuit breaker is open")
}
