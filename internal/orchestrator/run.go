// Package orchestrator executes configured tasks: a per-task executor with
// retries and flow control, plus two drivers — a DAG coordinator for
// parallel runs and a pointer-driven sequential runner.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aristath/prompter/internal/config"
	"github.com/aristath/prompter/internal/events"
	"github.com/aristath/prompter/internal/scheduler"
	"github.com/aristath/prompter/internal/state"
)

// RunOptions selects what to run and how.
type RunOptions struct {
	Config   *config.Config
	Executor *Executor
	Store    *state.Store
	Bus      *events.Bus

	// OnlyTask restricts the run to a single named task (still subject to
	// flow rules, which may jump elsewhere).
	OnlyTask string

	// MaxDispatches overrides the sequential runaway-loop ceiling when > 0.
	MaxDispatches int
}

// Run selects and runs the appropriate driver: the parallel coordinator
// when parallelism is enabled and any task declares dependencies, the
// sequential runner otherwise. Single-task semantics are identical in
// either driver.
func Run(ctx context.Context, opts RunOptions) error {
	cfg := opts.Config

	graph, err := scheduler.Build(cfg.Tasks)
	if err != nil {
		return err
	}

	if err := opts.Store.Reconcile(cfg.TaskNames()); err != nil {
		return err
	}

	if opts.OnlyTask != "" {
		t := cfg.Task(opts.OnlyTask)
		if t == nil {
			return fmt.Errorf("task %q not found in configuration", opts.OnlyTask)
		}
		seq := NewSequential(cfg, []config.Task{*t}, opts.Executor, opts.Store, opts.Bus)
		seq.SetMaxDispatches(opts.MaxDispatches)
		return seq.Run(ctx)
	}

	if cfg.Settings.EnableParallel && cfg.HasDependencies() {
		slog.Debug("using parallel coordinator",
			"tasks", len(cfg.Tasks), "max_parallel", cfg.Settings.MaxParallelTasks)
		return NewCoordinator(cfg, graph, opts.Executor, opts.Store, opts.Bus).Run(ctx)
	}

	slog.Debug("using sequential runner", "tasks", len(cfg.Tasks))
	seq := NewSequential(cfg, cfg.Tasks, opts.Executor, opts.Store, opts.Bus)
	seq.SetMaxDispatches(opts.MaxDispatches)
	return seq.Run(ctx)
}
