package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/prompter/internal/config"
)

// TaskGraph is the dependency DAG induced by depends_on, validated at build
// time and immutable afterwards.
type TaskGraph struct {
	names      []string // declaration order
	tasks      map[string]*config.Task
	dependents map[string][]string
	order      []string // topological order
}

// CycleError reports every dependency cycle found in the graph, not just
// the first.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	paths := make([]string, len(e.Cycles))
	for i, cycle := range e.Cycles {
		paths[i] = strings.Join(cycle, " -> ")
	}
	return fmt.Sprintf("dependency cycle(s) detected: %s", strings.Join(paths, "; "))
}

// GraphError accumulates structural problems (missing dependencies) found
// while building the graph.
type GraphError struct {
	Problems []string
}

func (e *GraphError) Error() string {
	return "invalid task graph:\n  - " + strings.Join(e.Problems, "\n  - ")
}

// Build constructs and validates a TaskGraph from the configured tasks.
// It reports all missing-dependency errors, then all cycles.
func Build(tasks []config.Task) (*TaskGraph, error) {
	g := &TaskGraph{
		names:      make([]string, 0, len(tasks)),
		tasks:      make(map[string]*config.Task, len(tasks)),
		dependents: make(map[string][]string),
	}

	for i := range tasks {
		t := &tasks[i]
		g.names = append(g.names, t.Name)
		g.tasks[t.Name] = t
	}

	var missing []string
	for i := range tasks {
		t := &tasks[i]
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				missing = append(missing, fmt.Sprintf("task %q depends on undefined task %q", t.Name, dep))
				continue
			}
			g.dependents[dep] = append(g.dependents[dep], t.Name)
		}
	}
	if len(missing) > 0 {
		return nil, &GraphError{Problems: missing}
	}

	if cycles := g.findCycles(); len(cycles) > 0 {
		return nil, &CycleError{Cycles: cycles}
	}

	order, err := g.topoOrder()
	if err != nil {
		return nil, err
	}
	g.order = order

	return g, nil
}

// findCycles runs a three-color DFS over the dependency edges and collects
// every cycle path it reaches.
func (g *TaskGraph) findCycles() [][]string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)

	colors := make(map[string]int, len(g.names))
	var cycles [][]string
	seen := make(map[string]bool) // dedupe cycles by canonical signature

	var dfs func(node string, path []string)
	dfs = func(node string, path []string) {
		colors[node] = gray
		path = append(path, node)

		for _, next := range g.dependents[node] {
			switch colors[next] {
			case gray:
				// Back edge: extract the cycle from the path.
				start := 0
				for i, n := range path {
					if n == next {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), next)
				if sig := cycleSignature(cycle); !seen[sig] {
					seen[sig] = true
					cycles = append(cycles, cycle)
				}
			case white:
				dfs(next, path)
			}
		}

		colors[node] = black
	}

	for _, name := range g.names {
		if colors[name] == white {
			dfs(name, nil)
		}
	}

	return cycles
}

// cycleSignature produces an order-independent key for a cycle path so the
// same cycle reached from different roots is reported once.
func cycleSignature(cycle []string) string {
	members := append([]string{}, cycle[:len(cycle)-1]...)
	sort.Strings(members)
	return strings.Join(members, "\x00")
}

func (g *TaskGraph) topoOrder() ([]string, error) {
	var edges []toposort.Edge
	for _, name := range g.names {
		t := g.tasks[name]
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, name})
			continue
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		// Cycles are caught by findCycles first; this is a safety net.
		return nil, fmt.Errorf("topological sort failed: %w", err)
	}

	order := make([]string, 0, len(g.names))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}

// Task returns the config for the named task, or nil.
func (g *TaskGraph) Task(name string) *config.Task {
	return g.tasks[name]
}

// Names returns all task names in declaration order.
func (g *TaskGraph) Names() []string {
	return g.names
}

// TopologicalOrder returns a valid execution order.
func (g *TaskGraph) TopologicalOrder() []string {
	return g.order
}

// Dependencies returns the direct dependencies of the named task.
func (g *TaskGraph) Dependencies(name string) []string {
	if t, ok := g.tasks[name]; ok {
		return t.DependsOn
	}
	return nil
}

// Dependents returns the tasks that directly depend on the named task.
func (g *TaskGraph) Dependents(name string) []string {
	return g.dependents[name]
}

// Ready returns, in declaration order, every task not already completed or
// failed whose dependencies are all in completed and none in failed.
func (g *TaskGraph) Ready(completed, failed map[string]bool) []string {
	var ready []string
	for _, name := range g.names {
		if completed[name] || failed[name] {
			continue
		}
		ok := true
		for _, dep := range g.tasks[name].DependsOn {
			if !completed[dep] || failed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready
}

// ParallelLevels groups tasks by the length of their longest dependency
// chain: level k holds every task whose longest chain from a source has
// length k. Tasks in the same level may run concurrently. Used for
// diagnostics and progress, not by the scheduler itself.
func (g *TaskGraph) ParallelLevels() [][]string {
	depth := make(map[string]int, len(g.names))
	maxDepth := 0
	for _, name := range g.order {
		d := 0
		for _, dep := range g.tasks[name].DependsOn {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[name] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, name := range g.names {
		d := depth[name]
		levels[d] = append(levels[d], name)
	}
	if len(g.names) == 0 {
		return nil
	}
	return levels
}

// CriticalPath returns the longest dependency chain in the graph.
func (g *TaskGraph) CriticalPath() []string {
	if len(g.names) == 0 {
		return nil
	}

	longest := make(map[string]int, len(g.names))
	parent := make(map[string]string, len(g.names))

	for _, name := range g.order {
		for _, dep := range g.tasks[name].DependsOn {
			if longest[dep]+1 > longest[name] {
				longest[name] = longest[dep] + 1
				parent[name] = dep
			}
		}
	}

	end := g.names[0]
	for _, name := range g.names {
		if longest[name] > longest[end] {
			end = name
		}
	}

	var path []string
	for cur := end; ; {
		path = append(path, cur)
		prev, ok := parent[cur]
		if !ok {
			break
		}
		cur = prev
	}

	// Reverse into source-to-sink order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Describe renders a plain-text view of the graph grouped by parallel
// level, with the critical path appended. Used by --dry-run diagnostics.
func (g *TaskGraph) Describe() string {
	var b strings.Builder
	b.WriteString("Task dependency graph:\n")
	for i, level := range g.ParallelLevels() {
		fmt.Fprintf(&b, "  level %d:", i)
		for _, name := range level {
			deps := g.tasks[name].DependsOn
			if len(deps) > 0 {
				fmt.Fprintf(&b, " %s(<-%s)", name, strings.Join(deps, ","))
			} else {
				fmt.Fprintf(&b, " %s", name)
			}
		}
		b.WriteString("\n")
	}
	if cp := g.CriticalPath(); len(cp) > 1 {
		fmt.Fprintf(&b, "  critical path: %s\n", strings.Join(cp, " -> "))
	}
	return b.String()
}
