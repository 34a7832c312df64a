package orchestrator

import (
	"fmt"
	"strings"

	"github.com/aristath/prompter/internal/config"
)

// FlowKind classifies what a task's flow rule asks the driver to do next.
type FlowKind int

const (
	FlowNext   FlowKind = iota // advance to the next declared task
	FlowStop                   // terminate the run
	FlowRepeat                 // re-enter the same task
	FlowJump                   // jump to a named task
)

// FlowAction is a resolved on_success/on_failure value.
type FlowAction struct {
	Kind   FlowKind
	Target string // task name when Kind is FlowJump
}

// resolveFlow maps a flow-rule string to an action. "retry" reaches here
// only once the attempt budget is exhausted, at which point the run moves
// on, matching the sequential driver's behavior.
func resolveFlow(action string) FlowAction {
	switch action {
	case config.ActionStop:
		return FlowAction{Kind: FlowStop}
	case config.ActionRepeat:
		return FlowAction{Kind: FlowRepeat}
	case config.ActionNext, config.ActionRetry, "":
		return FlowAction{Kind: FlowNext}
	default:
		return FlowAction{Kind: FlowJump, Target: action}
	}
}

// DeadlockError reports tasks that can never become READY while no worker
// is in flight.
type DeadlockError struct {
	Tasks []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("scheduler deadlock: tasks %s cannot become ready and nothing is running",
		strings.Join(e.Tasks, ", "))
}

// RunawayLoopError reports a task that hit the dispatch ceiling with
// infinite loops allowed.
type RunawayLoopError struct {
	Task  string
	Limit int
}

func (e *RunawayLoopError) Error() string {
	return fmt.Sprintf("task %q dispatched more than %d times; stopping runaway loop", e.Task, e.Limit)
}
