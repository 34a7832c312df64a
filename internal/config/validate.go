package config

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError accumulates every problem found in a configuration, so a
// single run reports all offending tasks rather than the first.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid configuration (%d problems):\n  - %s",
		len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// Validate checks every task against the structural rules: names present,
// unique and not reserved; prompts and verify commands present; flow rules
// resolving to a reserved action or an existing task; positive attempt
// budgets; dependency references existing. Cycle detection happens in the
// scheduler when the graph is built.
//
// Returns non-fatal warnings alongside the (possibly nil) error.
func (c *Config) Validate() ([]string, error) {
	var problems []string
	var warnings []string

	if len(c.Tasks) == 0 {
		problems = append(problems, "no tasks defined")
	}

	if c.Settings.MaxParallelTasks < 1 {
		problems = append(problems, fmt.Sprintf("settings: max_parallel_tasks must be >= 1, got %d", c.Settings.MaxParallelTasks))
	}
	switch c.Settings.ProgressMode {
	case ProgressAuto, ProgressRich, ProgressSimple, ProgressNone:
	default:
		problems = append(problems, fmt.Sprintf("settings: progress_mode %q must be one of auto, rich, simple, none", c.Settings.ProgressMode))
	}

	names := make(map[string]int, len(c.Tasks))
	for i := range c.Tasks {
		if n := c.Tasks[i].Name; n != "" {
			names[n]++
		}
	}

	for i := range c.Tasks {
		t := &c.Tasks[i]
		label := fmt.Sprintf("task %d (%s)", i, t.Name)

		switch {
		case t.Name == "":
			problems = append(problems, fmt.Sprintf("task %d: name is required", i))
		case ReservedActions[t.Name]:
			problems = append(problems, fmt.Sprintf("%s: name %q is a reserved word (%s)",
				label, t.Name, reservedList()))
		case names[t.Name] > 1:
			problems = append(problems, fmt.Sprintf("%s: duplicate task name %q", label, t.Name))
		}

		if t.Prompt == "" {
			problems = append(problems, label+": prompt is required")
		}
		if t.VerifyCommand == "" {
			problems = append(problems, label+": verify_command is required")
		}

		if !onSuccessActions[t.OnSuccess] && names[t.OnSuccess] == 0 {
			problems = append(problems, fmt.Sprintf("%s: on_success %q must be next, stop, repeat, or a task name", label, t.OnSuccess))
		}
		if !onFailureActions[t.OnFailure] && names[t.OnFailure] == 0 {
			problems = append(problems, fmt.Sprintf("%s: on_failure %q must be retry, stop, next, or a task name", label, t.OnFailure))
		}

		if t.MaxAttempts < 1 {
			problems = append(problems, fmt.Sprintf("%s: max_attempts must be >= 1, got %d", label, t.MaxAttempts))
		}
		if t.MaxAttemptsExplicit && t.MaxAttempts > 1 && t.OnFailure != ActionRetry {
			warnings = append(warnings, fmt.Sprintf("%s: max_attempts is ignored when on_failure is %q; only on_failure = \"retry\" re-attempts", label, t.OnFailure))
		}
		if t.Timeout < 0 {
			problems = append(problems, fmt.Sprintf("%s: timeout must be positive", label))
		}

		for _, dep := range t.DependsOn {
			if names[dep] == 0 {
				problems = append(problems, fmt.Sprintf("%s: depends on unknown task %q", label, dep))
			}
			if dep == t.Name {
				problems = append(problems, fmt.Sprintf("%s: depends on itself", label))
			}
		}
	}

	if len(problems) > 0 {
		return warnings, &ValidationError{Problems: problems}
	}
	return warnings, nil
}

func reservedList() string {
	words := make([]string, 0, len(ReservedActions))
	for w := range ReservedActions {
		words = append(words, w)
	}
	sort.Strings(words)
	return strings.Join(words, ", ")
}
