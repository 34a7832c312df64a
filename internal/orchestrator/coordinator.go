package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/prompter/internal/config"
	"github.com/aristath/prompter/internal/events"
	"github.com/aristath/prompter/internal/scheduler"
	"github.com/aristath/prompter/internal/state"
)

const (
	// defaultPollInterval bounds how long the decision loop sleeps, so
	// cancellation stays responsive.
	defaultPollInterval = 100 * time.Millisecond

	// defaultGracePeriod is how long cancelled workers get to report back
	// before their tasks are abandoned as failed.
	defaultGracePeriod = 5 * time.Second
)

// Coordinator drives the dependency DAG with a bounded pool of concurrent
// executors. Scheduling decisions happen on a single control path; workers
// only execute and report back.
type Coordinator struct {
	cfg   *config.Config
	graph *scheduler.TaskGraph
	pool  *scheduler.ResourcePool
	exec  *Executor
	store *state.Store
	bus   *events.Bus

	pollInterval time.Duration
	gracePeriod  time.Duration
}

// NewCoordinator builds a coordinator over a validated configuration and
// its dependency graph.
func NewCoordinator(cfg *config.Config, graph *scheduler.TaskGraph, exec *Executor, store *state.Store, bus *events.Bus) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		graph:        graph,
		pool:         scheduler.NewResourcePool(cfg.Settings.MaxParallelTasks),
		exec:         exec,
		store:        store,
		bus:          bus,
		pollInterval: defaultPollInterval,
		gracePeriod:  defaultGracePeriod,
	}
}

type workerDone struct {
	name   string
	result Result
	err    error
}

// Run executes the DAG until every task is terminal, a deadlock is
// detected, or the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	statuses := make(map[string]scheduler.Status, len(c.cfg.Tasks))
	for i := range c.cfg.Tasks {
		statuses[c.cfg.Tasks[i].Name] = scheduler.StatusPending
	}

	// Resume: tasks completed by an interrupted run stay completed and are
	// not re-dispatched.
	snap := c.store.Snapshot()
	for name, ts := range snap.Tasks {
		if _, known := statuses[name]; known && ts.Status == scheduler.StatusCompleted {
			statuses[name] = scheduler.StatusCompleted
			slog.Info("task already completed in a previous run, skipping", "task", name)
		}
	}

	done := make(chan workerDone, len(c.cfg.Tasks))
	var workers errgroup.Group
	stopping := false

	for {
		if ctx.Err() != nil {
			return c.abort(ctx, statuses, done)
		}

		c.promote(statuses, stopping)
		dispatched := 0
		if !stopping {
			dispatched = c.dispatch(ctx, statuses, &workers, done)
		}

		pending, ready, running := countActive(statuses)
		if pending == 0 && ready == 0 && running == 0 {
			break
		}

		if dispatched == 0 && running == 0 {
			if stopping {
				continue // one more promote pass converts the rest to skipped
			}
			// Nothing running and nothing startable: dependency deadlock.
			var blocked []string
			for _, name := range c.graph.Names() {
				if statuses[name] == scheduler.StatusPending || statuses[name] == scheduler.StatusReady {
					blocked = append(blocked, name)
				}
			}
			_ = workers.Wait()
			return &DeadlockError{Tasks: blocked}
		}

		if dispatched == 0 {
			// Wait for a completion, bounded by the poll interval so a
			// cancel signal is noticed promptly.
			select {
			case d := <-done:
				c.reap(d, statuses)
				if d.result.Flow.Kind == FlowStop {
					stopping = true
				}
				if d.err != nil {
					if abortErr := c.abort(ctx, statuses, done); abortErr != nil {
						return abortErr
					}
					return d.err
				}
			case <-time.After(c.pollInterval):
			case <-ctx.Done():
				return c.abort(ctx, statuses, done)
			}
		}

		// Drain any further completions without blocking.
		for {
			select {
			case d := <-done:
				c.reap(d, statuses)
				if d.result.Flow.Kind == FlowStop {
					stopping = true
				}
				if d.err != nil {
					if abortErr := c.abort(ctx, statuses, done); abortErr != nil {
						return abortErr
					}
					return d.err
				}
				continue
			default:
			}
			break
		}
	}

	if err := workers.Wait(); err != nil {
		return err
	}
	return nil
}

// promote advances PENDING tasks: READY when every dependency is
// COMPLETED, SKIPPED when any dependency has FAILED or been SKIPPED (the
// cascade reaches descendants on later iterations). While the run is
// stopping, PENDING and READY tasks are skipped instead.
func (c *Coordinator) promote(statuses map[string]scheduler.Status, stopping bool) {
	for _, name := range c.graph.Names() {
		st := statuses[name]
		if st != scheduler.StatusPending && st != scheduler.StatusReady {
			continue
		}

		if stopping {
			c.skip(statuses, name, "run stopped before task could start")
			continue
		}
		if st != scheduler.StatusPending {
			continue
		}

		allDone := true
		for _, dep := range c.graph.Dependencies(name) {
			switch statuses[dep] {
			case scheduler.StatusFailed, scheduler.StatusSkipped:
				c.skip(statuses, name, fmt.Sprintf("dependency %q did not complete", dep))
				allDone = false
			case scheduler.StatusCompleted:
			default:
				allDone = false
			}
			if statuses[name] == scheduler.StatusSkipped {
				break
			}
		}
		if allDone && statuses[name] == scheduler.StatusPending {
			statuses[name] = scheduler.StatusReady
		}
	}
}

// dispatch starts every READY task the pool admits, in declaration order.
// READY tasks the pool refuses stay READY and are reconsidered on the next
// iteration.
func (c *Coordinator) dispatch(ctx context.Context, statuses map[string]scheduler.Status, workers *errgroup.Group, done chan<- workerDone) int {
	started := 0
	for _, name := range c.graph.Names() {
		if statuses[name] != scheduler.StatusReady {
			continue
		}
		task := c.graph.Task(name)
		if !c.pool.CanSchedule(task) {
			continue
		}

		c.pool.Allocate(task)
		statuses[name] = scheduler.StatusRunning
		started++

		if err := c.store.Update(name, func(ts *state.TaskState) {
			ts.ExecutionCount++
		}); err != nil {
			slog.Error("failed to record dispatch", "task", name, "error", err)
		}
		c.bus.Publish(events.TaskStartedEvent{Name: name, Timestamp: time.Now()})
		c.publishProgress(statuses)

		name := name
		workers.Go(func() error {
			res, err := c.exec.Execute(ctx, task)
			done <- workerDone{name: name, result: res, err: err}
			return nil
		})
	}
	return started
}

// reap releases the finished worker's pool slot and records its status.
func (c *Coordinator) reap(d workerDone, statuses map[string]scheduler.Status) {
	c.pool.Release(c.graph.Task(d.name))
	if d.result.Completed {
		statuses[d.name] = scheduler.StatusCompleted
	} else {
		statuses[d.name] = scheduler.StatusFailed
	}
	c.publishProgress(statuses)
}

// skip marks a task skipped in both scheduler state and the store.
func (c *Coordinator) skip(statuses map[string]scheduler.Status, name, reason string) {
	statuses[name] = scheduler.StatusSkipped
	if err := c.store.Update(name, func(ts *state.TaskState) {
		ts.Status = scheduler.StatusSkipped
		ts.LastError = reason
	}); err != nil {
		slog.Error("failed to record skip", "task", name, "error", err)
	}
	c.bus.Publish(events.TaskSkippedEvent{Name: name, Reason: reason, Timestamp: time.Now()})
	c.publishProgress(statuses)
	slog.Warn("skipping task", "task", name, "reason", reason)
}

// abort handles cancellation: drain workers for the grace period, then
// mark whatever is still running as failed and bring the store to a
// consistent on-disk state.
func (c *Coordinator) abort(ctx context.Context, statuses map[string]scheduler.Status, done chan workerDone) error {
	deadline := time.NewTimer(c.gracePeriod)
	defer deadline.Stop()

	for {
		_, _, running := countActive(statuses)
		if running == 0 {
			break
		}
		select {
		case d := <-done:
			c.reap(d, statuses)
		case <-deadline.C:
			// Whatever has not reported back is abandoned.
			for name, st := range statuses {
				if st == scheduler.StatusRunning {
					statuses[name] = scheduler.StatusFailed
					if err := c.store.Update(name, func(ts *state.TaskState) {
						ts.Status = scheduler.StatusFailed
						ts.LastError = "cancelled before completion"
					}); err != nil {
						slog.Error("failed to record cancellation", "task", name, "error", err)
					}
				}
			}
			if err := c.store.Flush(); err != nil {
				slog.Error("failed to flush state during shutdown", "error", err)
			}
			return ctx.Err()
		}
	}

	if err := c.store.Flush(); err != nil {
		slog.Error("failed to flush state during shutdown", "error", err)
	}
	return ctx.Err()
}

func (c *Coordinator) publishProgress(statuses map[string]scheduler.Status) {
	if c.bus == nil {
		return
	}
	ev := events.RunProgressEvent{
		Total:     len(statuses),
		Statuses:  make(map[string]scheduler.Status, len(statuses)),
		Timestamp: time.Now(),
	}
	for name, st := range statuses {
		ev.Statuses[name] = st
		switch st {
		case scheduler.StatusCompleted:
			ev.Completed++
		case scheduler.StatusFailed:
			ev.Failed++
		case scheduler.StatusSkipped:
			ev.Skipped++
		case scheduler.StatusRunning:
			ev.Running++
		default:
			ev.Pending++
		}
	}
	c.bus.Publish(ev)
}

func countActive(statuses map[string]scheduler.Status) (pending, ready, running int) {
	for _, st := range statuses {
		switch st {
		case scheduler.StatusPending:
			pending++
		case scheduler.StatusReady:
			ready++
		case scheduler.StatusRunning:
			running++
		}
	}
	return pending, ready, running
}
