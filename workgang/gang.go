// ABOUTME: Fixed-size worker gang that runs one task on every worker
// ABOUTME: Also provides the sequential sub-task claim used to split work by index

// Package workgang runs bulk-synchronous phases of a collection. A Gang
// invokes a Task on each of its workers and waits for all of them; tasks
// partition work among themselves with SubTasks.
package workgang

import (
	"sync/atomic"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/prateek/fullgc/assert"
)

var log = commonlog.GetLogger("fullgc.workgang")

// Task is one phase of work executed by every gang worker
type Task interface {
	// Name identifies the task in logs
	Name() string

	// Work runs the task's share for the given worker
	Work(worker int)
}

// TaskFunc adapts a function to a Task
type TaskFunc struct {
	TaskName string
	Fn       func(worker int)
}

// Name returns the task name
func (f TaskFunc) Name() string { return f.TaskName }

// Work calls the function
func (f TaskFunc) Work(worker int) { f.Fn(worker) }

// Gang is a fixed set of workers
type Gang struct {
	name    string
	workers int
	tasks   atomic.Uint64
}

// New creates a gang with the given number of workers
func New(name string, workers int) *Gang {
	assert.That(workers > 0, "gang %q needs at least one worker, got %d", name, workers)
	return &Gang{name: name, workers: workers}
}

// Name returns the gang name
func (g *Gang) Name() string { return g.name }

// ActiveWorkers returns the number of workers that run each task
func (g *Gang) ActiveWorkers() int { return g.workers }

// TasksRun returns the number of tasks run so far
func (g *Gang) TasksRun() uint64 { return g.tasks.Load() }

// RunTask invokes task.Work on every worker and blocks until all complete.
// A worker that panics takes the process down with it.
func (g *Gang) RunTask(task Task) {
	log.Debugf("%s: running %q on %d workers", g.name, task.Name(), g.workers)
	var eg errgroup.Group
	for w := 0; w < g.workers; w++ {
		eg.Go(func() error {
			task.Work(w)
			return nil
		})
	}
	_ = eg.Wait()
	g.tasks.Add(1)
}

// SubTasks hands out indices in [0, n) to competing workers, each index
// to exactly one of them
type SubTasks struct {
	n         int
	threads   int
	next      atomic.Int64
	completed atomic.Int64
}

// NewSubTasks creates a claim over n sub-tasks shared by threads workers
func NewSubTasks(n, threads int) *SubTasks {
	assert.That(n >= 0, "negative sub-task count %d", n)
	assert.That(threads > 0, "sub-tasks need at least one thread, got %d", threads)
	return &SubTasks{n: n, threads: threads}
}

// Len returns the number of sub-tasks
func (s *SubTasks) Len() int { return s.n }

// Claim returns the next unclaimed index, or false when all are taken
func (s *SubTasks) Claim() (int, bool) {
	if s.next.Load() >= int64(s.n) {
		return 0, false
	}
	i := s.next.Add(1) - 1
	if i >= int64(s.n) {
		return 0, false
	}
	return int(i), true
}

// AllTasksCompleted records that the calling worker has stopped claiming.
// Once every thread has called it the claim is reset and true is returned
// to the last caller.
func (s *SubTasks) AllTasksCompleted() bool {
	done := s.completed.Add(1)
	assert.That(done <= int64(s.threads), "%d threads completed sub-tasks, only %d registered", done, s.threads)
	if done == int64(s.threads) {
		s.next.Store(0)
		s.completed.Store(0)
		return true
	}
	return false
}
