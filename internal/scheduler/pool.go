package scheduler

import (
	"sync"

	"github.com/aristath/prompter/internal/config"
)

// ResourcePool gates concurrent task starts. It enforces the parallelism
// cap and the exclusive flag: an exclusive task runs strictly alone.
//
// Invariant: either an exclusive task is running and it is the only
// running task, or no exclusive task is running and at most maxParallel
// tasks are running.
type ResourcePool struct {
	mu          sync.Mutex
	maxParallel int
	running     map[string]bool
	exclusive   string // name of the running exclusive task, if any
}

// NewResourcePool creates a pool with the given parallelism cap.
// A cap below 1 is raised to 1.
func NewResourcePool(maxParallel int) *ResourcePool {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &ResourcePool{
		maxParallel: maxParallel,
		running:     make(map[string]bool),
	}
}

// CanSchedule reports whether the candidate task may start now.
func (p *ResourcePool) CanSchedule(t *config.Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exclusive != "" {
		return false
	}
	if t.Exclusive {
		return len(p.running) == 0
	}
	return len(p.running) < p.maxParallel
}

// Allocate records the task as running. Callers must have checked
// CanSchedule under the same scheduling pass.
func (p *ResourcePool) Allocate(t *config.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.running[t.Name] = true
	if t.Exclusive {
		p.exclusive = t.Name
	}
}

// Release removes the task from the running set.
func (p *ResourcePool) Release(t *config.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.running, t.Name)
	if p.exclusive == t.Name {
		p.exclusive = ""
	}
}

// RunningCount returns the number of currently running tasks.
func (p *ResourcePool) RunningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// ExclusiveActive reports whether an exclusive task currently holds the pool.
func (p *ResourcePool) ExclusiveActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exclusive != ""
}
