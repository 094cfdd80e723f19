// ABOUTME: Per-worker task deques and the queue sets workers steal from
// ABOUTME: Owners push and pop at the top; thieves take from the bottom

// Package taskqueue provides the work-stealing primitives used by
// parallel marking: one deque per worker, a set that lets idle workers
// steal from peers, and a distributed termination protocol.
package taskqueue

import (
	"math/rand/v2"
	"sync"

	"github.com/prateek/fullgc/assert"
)

// Queue is a double-ended task queue owned by one worker
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int // index of the oldest item, where thieves take from
}

// NewQueue creates an empty queue
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push adds a task at the top. Only the owner pushes.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// Pop removes the newest task. Only the owner pops.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.head == len(q.items) {
		return zero, false
	}
	last := len(q.items) - 1
	item := q.items[last]
	q.items[last] = zero
	q.items = q.items[:last]
	q.compact()
	return item, true
}

// Steal removes the oldest task; safe to call from any worker
func (q *Queue[T]) Steal() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.head == len(q.items) {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	q.compact()
	return item, true
}

// compact drops the stolen prefix once it dominates the backing array
func (q *Queue[T]) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}

// Len returns the number of queued tasks
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// IsEmpty reports whether the queue has no tasks
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Option configures a Set
type Option func(*setOptions)

type setOptions struct {
	seed  uint64
	fault func() bool
}

// WithSeed fixes the seed used to pick steal victims
func WithSeed(seed uint64) Option {
	return func(o *setOptions) { o.seed = seed }
}

// WithStealFault makes a steal attempt fail whenever fault returns true.
// The function is called concurrently from every stealing worker.
func WithStealFault(fault func() bool) Option {
	return func(o *setOptions) { o.fault = fault }
}

// Set groups the queues of all workers of one kind
type Set[T any] struct {
	queues []*Queue[T]
	rngs   []*rand.Rand // one per worker, only touched by its owner
	fault  func() bool
}

// NewSet creates a set with one empty queue per worker
func NewSet[T any](workers int, opts ...Option) *Set[T] {
	assert.That(workers > 0, "queue set needs at least one worker, got %d", workers)
	o := setOptions{seed: 17}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Set[T]{
		queues: make([]*Queue[T], workers),
		rngs:   make([]*rand.Rand, workers),
		fault:  o.fault,
	}
	for i := range s.queues {
		s.queues[i] = NewQueue[T]()
		s.rngs[i] = rand.New(rand.NewPCG(o.seed, uint64(i)))
	}
	return s
}

// Size returns the number of queues
func (s *Set[T]) Size() int { return len(s.queues) }

// Queue returns the queue owned by worker
func (s *Set[T]) Queue(worker int) *Queue[T] {
	assert.That(worker >= 0 && worker < len(s.queues), "worker %d out of range [0, %d)", worker, len(s.queues))
	return s.queues[worker]
}

// Steal tries to take a task from a peer of worker. It makes up to 2*N
// attempts, each picking the fuller of two random victims. A failed steal
// is not an error; the caller simply has nothing to do yet.
func (s *Set[T]) Steal(worker int) (T, bool) {
	var zero T
	n := len(s.queues)
	if n == 1 {
		return zero, false
	}
	rng := s.rngs[worker]
	for attempt := 0; attempt < 2*n; attempt++ {
		if s.fault != nil && s.fault() {
			continue
		}
		victim := s.pickVictim(worker, rng)
		if item, ok := s.queues[victim].Steal(); ok {
			return item, true
		}
	}
	return zero, false
}

func (s *Set[T]) pickVictim(worker int, rng *rand.Rand) int {
	n := len(s.queues)
	if n == 2 {
		return 1 - worker
	}
	pick := func() int {
		v := rng.IntN(n - 1)
		if v >= worker {
			v++
		}
		return v
	}
	a, b := pick(), pick()
	if s.queues[b].Len() > s.queues[a].Len() {
		return b
	}
	return a
}

// Peek reports whether any queue in the set has tasks
func (s *Set[T]) Peek() bool {
	for _, q := range s.queues {
		if !q.IsEmpty() {
			return true
		}
	}
	return false
}

// Tasks returns the total number of queued tasks
func (s *Set[T]) Tasks() int {
	n := 0
	for _, q := range s.queues {
		n += q.Len()
	}
	return n
}
