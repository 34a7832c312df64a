package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/aristath/prompter/internal/config"
	"github.com/aristath/prompter/internal/events"
	"github.com/aristath/prompter/internal/scheduler"
	"github.com/aristath/prompter/internal/state"
)

// MaxTaskDispatches is the hard per-task dispatch ceiling when infinite
// loops are allowed.
const MaxTaskDispatches = 1000

// Sequential walks the task list with a pointer, honoring on_success and
// on_failure flow rules: named jumps, repeat, stop, and loop protection.
// Used when parallelism is disabled or no task declares dependencies.
type Sequential struct {
	cfg   *config.Config
	exec  *Executor
	store *state.Store
	bus   *events.Bus

	// maxDispatches is the runaway ceiling; overridable by the CLI.
	maxDispatches int

	// tasks is the working list: it starts as the tasks selected for the
	// run and grows when a jump targets a task outside it.
	tasks []config.Task
}

// NewSequential builds a sequential runner over the given task selection
// (usually the full declaration list).
func NewSequential(cfg *config.Config, tasks []config.Task, exec *Executor, store *state.Store, bus *events.Bus) *Sequential {
	return &Sequential{
		cfg:           cfg,
		exec:          exec,
		store:         store,
		bus:           bus,
		maxDispatches: MaxTaskDispatches,
		tasks:         append([]config.Task(nil), tasks...),
	}
}

// SetMaxDispatches overrides the runaway-loop ceiling.
func (r *Sequential) SetMaxDispatches(n int) {
	if n > 0 {
		r.maxDispatches = n
	}
}

// Run drives the task list to completion. Walking past the end of the
// list terminates the run successfully.
func (r *Sequential) Run(ctx context.Context) error {
	allowLoops := r.cfg.Settings.AllowInfiniteLoops

	// Tasks completed by an interrupted earlier run are not re-executed;
	// they also count as completed for loop protection.
	completedOnce := make(map[string]bool)
	preCompleted := make(map[string]bool)
	dispatches := make(map[string]int)
	snap := r.store.Snapshot()
	for name, ts := range snap.Tasks {
		if ts.Status == scheduler.StatusCompleted {
			completedOnce[name] = true
			preCompleted[name] = true
		}
		dispatches[name] = ts.ExecutionCount
	}

	idx := 0
	for idx < len(r.tasks) {
		if ctx.Err() != nil {
			if err := r.store.Flush(); err != nil {
				slog.Error("failed to flush state during shutdown", "error", err)
			}
			return ctx.Err()
		}

		task := r.tasks[idx]

		if preCompleted[task.Name] {
			slog.Info("task already completed in a previous run, skipping", "task", task.Name)
			preCompleted[task.Name] = false // a jump back later is a fresh visit
			idx++
			continue
		}

		if !allowLoops && completedOnce[task.Name] {
			r.refuseDispatch(task.Name)
			idx++
			continue
		}

		dispatches[task.Name]++
		if dispatches[task.Name] > r.maxDispatches {
			return &RunawayLoopError{Task: task.Name, Limit: r.maxDispatches}
		}
		if err := r.store.Update(task.Name, func(ts *state.TaskState) {
			ts.ExecutionCount++
		}); err != nil {
			return err
		}
		r.bus.Publish(events.TaskStartedEvent{Name: task.Name, Timestamp: time.Now()})

		res, err := r.exec.Execute(ctx, &task)
		if err != nil {
			if flushErr := r.store.Flush(); flushErr != nil {
				slog.Error("failed to flush state during shutdown", "error", flushErr)
			}
			return err
		}
		if res.Completed {
			completedOnce[task.Name] = true
		}

		switch res.Flow.Kind {
		case FlowStop:
			if res.Completed {
				slog.Info("stopping after successful task", "task", task.Name)
			} else {
				slog.Info("stopping due to task failure", "task", task.Name)
			}
			return nil
		case FlowRepeat:
			// Re-enter the same task; loop protection applies on re-entry.
		case FlowJump:
			idx = r.jumpTo(res.Flow.Target)
		default: // FlowNext
			idx++
		}
	}

	return nil
}

// refuseDispatch reports a loop-protection skip. The task's recorded
// status is left alone: a completed task stays completed.
func (r *Sequential) refuseDispatch(name string) {
	slog.Warn("task has already run; skipping to avoid a loop "+
		"(set allow_infinite_loops to override)", "task", name)
	r.bus.Publish(events.TaskSkippedEvent{
		Name:      name,
		Reason:    "already executed and infinite loops are disallowed",
		Timestamp: time.Now(),
	})
}

// jumpTo returns the working-list index of the named task, appending it
// from the full configuration when the run started from a subset.
func (r *Sequential) jumpTo(target string) int {
	for i := range r.tasks {
		if r.tasks[i].Name == target {
			slog.Info("jumping to task", "task", target)
			return i
		}
	}
	if t := r.cfg.Task(target); t != nil {
		slog.Info("jumping to task", "task", target)
		r.tasks = append(r.tasks, *t)
		return len(r.tasks) - 1
	}
	// Validation guarantees the target exists; walking off the end just
	// terminates the run.
	slog.Error("jump target not found", "task", target)
	return len(r.tasks)
}
