package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/prompter/internal/backend"
	"github.com/aristath/prompter/internal/config"
	"github.com/aristath/prompter/internal/events"
	"github.com/aristath/prompter/internal/state"
	"github.com/aristath/prompter/internal/verify"
)

// fakeSession scripts AI replies per prompt and records call order and
// concurrency for scheduling assertions.
type fakeSession struct {
	mu            sync.Mutex
	calls         []string // prompts, in call order
	requests      []backend.QueryRequest
	concurrent    int
	maxConcurrent int

	delay   time.Duration
	handler func(req backend.QueryRequest) (backend.QueryResult, error)
}

func (f *fakeSession) Query(ctx context.Context, req backend.QueryRequest) (backend.QueryResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Prompt)
	f.requests = append(f.requests, req)
	f.concurrent++
	if f.concurrent > f.maxConcurrent {
		f.maxConcurrent = f.concurrent
	}
	delay := f.delay
	handler := f.handler
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.concurrent--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return backend.QueryResult{}, backend.ErrCancelled
		case <-time.After(delay):
		}
	}

	if handler != nil {
		return handler(req)
	}
	return backend.QueryResult{Text: "done", SessionID: "sess-" + req.Prompt}, nil
}

func (f *fakeSession) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// scriptedVerifier pops a scripted result per verify command; commands
// with no script succeed.
type scriptedVerifier struct {
	mu      sync.Mutex
	scripts map[string][]verify.Result
}

func newScriptedVerifier() *scriptedVerifier {
	return &scriptedVerifier{scripts: make(map[string][]verify.Result)}
}

func (v *scriptedVerifier) script(command string, results ...verify.Result) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scripts[command] = append(v.scripts[command], results...)
}

func (v *scriptedVerifier) Run(ctx context.Context, command string, wantCode int) verify.Result {
	v.mu.Lock()
	defer v.mu.Unlock()

	queue := v.scripts[command]
	if len(queue) == 0 {
		return verify.Result{Success: true}
	}
	res := queue[0]
	v.scripts[command] = queue[1:]
	return res
}

func failOnce() verify.Result {
	return verify.Result{Success: false, ExitCode: 1, Detail: "verify command exited 1, wanted 0"}
}

// env bundles the collaborators one test run needs.
type env struct {
	t        *testing.T
	store    *state.Store
	bus      *events.Bus
	session  *fakeSession
	verifier *scriptedVerifier
	settings config.Settings
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), state.DefaultFileName))
	require.NoError(t, err)

	settings := config.DefaultSettings()
	settings.CheckInterval = 0 // tests never wait out the settle delay

	return &env{
		t:        t,
		store:    store,
		bus:      events.NewBus(),
		session:  &fakeSession{},
		verifier: newScriptedVerifier(),
		settings: settings,
	}
}

func (e *env) executor() *Executor {
	retry := RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         time.Millisecond,
		Multiplier:          1,
		RandomizationFactor: 0,
	}
	return NewExecutor(ExecutorOptions{
		Session:  e.session,
		Verifier: e.verifier,
		Store:    e.store,
		Bus:      e.bus,
		Settings: e.settings,
		Retry:    &retry,
	})
}

// newTask builds a test task whose prompt is its name and whose verify
// command is "verify-<name>".
func newTask(name string, deps ...string) config.Task {
	return config.Task{
		Name:          name,
		Prompt:        name,
		VerifyCommand: "verify-" + name,
		OnSuccess:     config.ActionNext,
		OnFailure:     config.ActionRetry,
		MaxAttempts:   3,
		DependsOn:     deps,
	}
}

func (e *env) config(tasks ...config.Task) *config.Config {
	return config.New(e.settings, tasks)
}

func (e *env) taskStatus(name string) state.TaskState {
	ts, ok := e.store.TaskState(name)
	require.True(e.t, ok, "no recorded state for task %q", name)
	return ts
}
