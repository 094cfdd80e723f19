// ABOUTME: Distributed termination detection for work-stealing workers
// ABOUTME: Workers offer termination and rescind when they see work; all offering means done

package taskqueue

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/prateek/fullgc/assert"
)

// Peeker is anything that can report pending work
type Peeker interface {
	Peek() bool
}

const (
	// yieldRounds is how long an offering worker yields before it sleeps
	yieldRounds = 64
	sleepPeriod = 50 * time.Microsecond
)

// Terminator decides when a gang of workers has run out of work. There
// is no coordinator: a worker with empty local queues offers termination
// and either observes every peer offering too, or sees work in one of the
// registered queue sets and rescinds its offer to go steal it.
type Terminator struct {
	_       cpu.CacheLinePad
	offered atomic.Int32
	_       cpu.CacheLinePad
	workers int32
	peekers []Peeker
}

// NewTerminator creates a terminator for the given number of workers that
// watches the given queue sets for work
func NewTerminator(workers int, peekers ...Peeker) *Terminator {
	assert.That(workers > 0, "terminator needs at least one worker, got %d", workers)
	return &Terminator{
		workers: int32(workers),
		peekers: peekers,
	}
}

// Workers returns the number of participating workers
func (t *Terminator) Workers() int { return int(t.workers) }

// Offered returns the number of workers currently offering termination
func (t *Terminator) Offered() int { return int(t.offered.Load()) }

// OfferTermination blocks until either every worker is offering, in which
// case it returns true, or work shows up in a watched set, in which case
// the offer is withdrawn and it returns false. The caller must have empty
// local queues and must not push while offering.
func (t *Terminator) OfferTermination() bool {
	n := t.offered.Add(1)
	assert.That(n <= t.workers, "%d workers offering termination, only %d exist", n, t.workers)
	if n == t.workers {
		return true
	}

	for round := 0; ; round++ {
		if t.offered.Load() == t.workers {
			return true
		}
		if round < yieldRounds {
			runtime.Gosched()
		} else {
			time.Sleep(sleepPeriod)
		}
		if t.peek() {
			if t.rescind() {
				return false
			}
			return true
		}
	}
}

// rescind withdraws an offer unless termination has already been reached
func (t *Terminator) rescind() bool {
	for {
		cur := t.offered.Load()
		if cur == t.workers {
			return false
		}
		if t.offered.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

func (t *Terminator) peek() bool {
	for _, p := range t.peekers {
		if p.Peek() {
			return true
		}
	}
	return false
}

// Reset prepares the terminator for another round of offers
func (t *Terminator) Reset() {
	t.offered.Store(0)
}
