// ABOUTME: One preserved-marks stack per worker plus serial and parallel restore
// ABOUTME: Parallel restore claims stacks by index so each is restored by one worker

package preserve

import (
	"sync/atomic"

	"github.com/tliron/commonlog"
	"golang.org/x/sys/cpu"

	"github.com/prateek/fullgc/assert"
	"github.com/prateek/fullgc/workgang"
)

var log = commonlog.GetLogger("fullgc.preserve")

// Executor runs a task on a gang of workers
type Executor interface {
	ActiveWorkers() int
	RunTask(task workgang.Task)
}

// paddedStack keeps neighbouring stacks on separate cache lines since
// each is written by a different worker
type paddedStack struct {
	Stack
	_ cpu.CacheLinePad
}

// Set owns the preserved-marks stacks of every worker
type Set struct {
	headers Headers
	cfg     Config
	stacks  []paddedStack
}

// NewSet creates an uninitialized set; call Init before use
func NewSet(h Headers, cfg Config) *Set {
	return &Set{headers: h, cfg: cfg}
}

// Init allocates n empty stacks, one per worker
func (s *Set) Init(n int) {
	assert.That(s.stacks == nil, "preserved marks set must not be re-initialized")
	assert.That(n > 0, "preserved marks set needs at least one stack, got %d", n)
	s.stacks = make([]paddedStack, n)
	for i := range s.stacks {
		s.stacks[i].init(s.headers, s.cfg)
	}
	s.AssertEmpty()
}

// Num returns the number of stacks
func (s *Set) Num() int { return len(s.stacks) }

// Get returns stack i
func (s *Set) Get(i int) *Stack {
	assert.That(i >= 0 && i < len(s.stacks), "stack %d out of range [0, %d)", i, len(s.stacks))
	return &s.stacks[i].Stack
}

// Size returns the total number of entries across all stacks
func (s *Set) Size() int {
	n := 0
	for i := range s.stacks {
		n += s.stacks[i].Size()
	}
	return n
}

// AdjustDuringFullGC retargets the entries of every stack
func (s *Set) AdjustDuringFullGC() {
	for i := range s.stacks {
		s.stacks[i].AdjustDuringFullGC()
	}
}

// Restore writes every preserved header back and returns how many were
// restored. With a nil executor the stacks are restored one after another
// on the calling goroutine; otherwise a ParRestoreTask runs on the gang.
func (s *Set) Restore(executor Executor) uint64 {
	var total atomic.Uint64
	if executor == nil {
		for i := range s.stacks {
			total.Add(uint64(s.stacks[i].Size()))
			s.stacks[i].Restore()
		}
	} else {
		executor.RunTask(NewParRestoreTask(executor.ActiveWorkers(), s, &total))
	}
	s.AssertEmpty()
	log.Debugf("restored %d preserved marks from %d stacks", total.Load(), len(s.stacks))
	return total.Load()
}

// Reclaim releases the stacks. The set must be empty.
func (s *Set) Reclaim() {
	s.AssertEmpty()
	s.stacks = nil
}

// AssertEmpty fails fatally unless the set is initialized and every stack
// is empty
func (s *Set) AssertEmpty() {
	assert.That(len(s.stacks) > 0, "preserved marks set should have been initialized")
	for i := range s.stacks {
		s.stacks[i].AssertEmpty()
	}
}

// ParRestoreTask restores a set's stacks in parallel. Workers claim stack
// indices until none are left, so no stack is touched by two workers.
type ParRestoreTask struct {
	set   *Set
	sub   *workgang.SubTasks
	total *atomic.Uint64
}

// NewParRestoreTask creates a restore task for the given worker count
func NewParRestoreTask(workers int, set *Set, total *atomic.Uint64) *ParRestoreTask {
	return &ParRestoreTask{
		set:   set,
		sub:   workgang.NewSubTasks(set.Num(), workers),
		total: total,
	}
}

// Name returns the task name
func (t *ParRestoreTask) Name() string { return "parallel preserved mark restoration" }

// Work claims and restores stacks until all are claimed
func (t *ParRestoreTask) Work(worker int) {
	for {
		i, ok := t.sub.Claim()
		if !ok {
			break
		}
		t.set.Get(i).RestoreAndIncrement(t.total)
	}
	t.sub.AllTasksCompleted()
}
