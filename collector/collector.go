// ABOUTME: Drives one stop-the-world full collection over a region-based heap
// ABOUTME: Orders marking, reference processing, forwarding, adjustment, compaction and restore

// Package collector runs parallel full collections. A cycle marks the
// live graph from the roots, processes discovered references, computes
// forwarding addresses by sliding live objects within each worker's
// compaction point, rewrites references, moves objects, and finally
// restores the headers that forwarding overwrote.
package collector

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/prateek/fullgc/config"
	"github.com/prateek/fullgc/heap"
	"github.com/prateek/fullgc/mark"
	"github.com/prateek/fullgc/preserve"
	"github.com/prateek/fullgc/refproc"
	"github.com/prateek/fullgc/taskqueue"
	"github.com/prateek/fullgc/transition"
	"github.com/prateek/fullgc/verify"
	"github.com/prateek/fullgc/workgang"
)

var log = commonlog.GetLogger("fullgc.collector")

var (
	// ErrCollectionInProgress is returned when Collect is re-entered
	ErrCollectionInProgress = errors.New("collection already in progress")

	// ErrVerificationFailed is returned when verification fails and
	// failures are configured to be fatal
	ErrVerificationFailed = errors.New("heap verification failed")
)

// IDs hands out collection ids
type IDs struct {
	last atomic.Uint64
}

// Next returns the next id, starting at 1
func (i *IDs) Next() uint64 { return i.last.Add(1) }

// CycleStats summarizes one collection
type CycleStats struct {
	ID       uint64
	Explicit bool
	Workers  int
	Duration time.Duration

	Mark       mark.Stats
	References refproc.Stats

	LiveObjects      int
	MovedObjects     int
	DeadObjects      int
	FreedRegions     int
	PreservedHeaders uint64

	VerifyFailures bool
	Before, After  transition.Data
}

// Option configures a Collector
type Option func(*Collector)

// WithOutput sets the writer for verification diagnostics and the heap
// transition. The default discards them.
func WithOutput(w io.Writer) Option {
	return func(c *Collector) { c.out = w }
}

// WithQueueOptions passes options to the marking task queue sets
func WithQueueOptions(opts ...taskqueue.Option) Option {
	return func(c *Collector) { c.queueOpts = opts }
}

// Collector runs full collections on one heap
type Collector struct {
	heap      *heap.Heap
	cfg       config.GC
	ids       *IDs
	gang      *workgang.Gang
	out       io.Writer
	queueOpts []taskqueue.Option
	running   atomic.Bool
}

// New creates a collector for h. The configuration must have been
// validated.
func New(h *heap.Heap, cfg config.GC, ids *IDs, opts ...Option) *Collector {
	if ids == nil {
		ids = new(IDs)
	}
	c := &Collector{
		heap: h,
		cfg:  cfg,
		ids:  ids,
		gang: workgang.New("full gc", cfg.ParallelWorkers),
		out:  io.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Gang returns the worker gang
func (c *Collector) Gang() *workgang.Gang { return c.gang }

// cycle is the state shared by the phases of one collection
type cycle struct {
	id        uint64
	heap      *heap.Heap
	workers   int
	bitmap    *heap.Bitmap
	markers   []*mark.Marker
	objects   *taskqueue.Set[heap.Addr]
	arrays    *taskqueue.Set[mark.ArrayTask]
	preserved *preserve.Set
	refs      *refproc.Processor
	points    []*compactionPoint
	workStats []workerStats
}

// Collect runs one full collection. explicit marks a collection that was
// requested rather than triggered by allocation failure.
func (c *Collector) Collect(explicit bool) (*CycleStats, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrCollectionInProgress
	}
	defer c.running.Store(false)

	start := time.Now()
	cy := c.newCycle()
	stats := &CycleStats{ID: cy.id, Explicit: explicit, Workers: cy.workers}
	cause := "Allocation Failure"
	if explicit {
		cause = "System.gc()"
	}
	log.Infof("GC(%d) Pause Full (%s), %d workers", cy.id, cause, cy.workers)

	tr := transition.New(c.heap)
	stats.Before = tr.Before()

	if c.cfg.VerifyBeforeGC {
		if err := c.verify(cy, stats, verify.UseAllocation, "before"); err != nil {
			return stats, err
		}
	}

	c.mark(cy, stats)
	if c.cfg.VerifyDuringGC {
		// Liveness here comes from the bitmap, before anything moves
		if err := c.verify(cy, stats, verify.UseMarkBitmap, "during"); err != nil {
			return stats, err
		}
	}

	c.phase(cy.id, "Prepare Compaction", func() { c.gang.RunTask(newPrepareTask(cy)) })
	c.phase(cy.id, "Adjust Pointers", func() { c.gang.RunTask(newAdjustTask(cy)) })
	c.phase(cy.id, "Compact Heap", func() { c.gang.RunTask(newCompactTask(cy)) })

	c.phase(cy.id, "Restore Preserved Marks", func() {
		stats.PreservedHeaders = cy.preserved.Restore(c.gang)
		cy.preserved.Reclaim()
	})

	for _, ws := range cy.workStats {
		stats.MovedObjects += ws.moved
		stats.DeadObjects += ws.dead
		stats.FreedRegions += ws.freedRegions
	}
	log.Debugf("GC(%d) moved %d objects, dropped %d, freed %d regions, restored %d headers",
		cy.id, stats.MovedObjects, stats.DeadObjects, stats.FreedRegions, stats.PreservedHeaders)
	if n := cy.bitmap.Count(); n != 0 {
		return stats, fmt.Errorf("GC(%d): %d mark bits left after compaction", cy.id, n)
	}

	if c.cfg.VerifyAfterGC {
		if err := c.verify(cy, stats, verify.UseAllocation, "after"); err != nil {
			return stats, err
		}
	}

	stats.After = tr.Print(c.out)
	stats.Duration = time.Since(start)
	log.Infof("GC(%d) Pause Full (%s) %d->%d objects %s", cy.id, cause,
		stats.LiveObjects+stats.DeadObjects, stats.LiveObjects, stats.Duration)
	return stats, nil
}

func (c *Collector) newCycle() *cycle {
	n := c.gang.ActiveWorkers()
	cy := &cycle{
		id:        c.ids.Next(),
		heap:      c.heap,
		workers:   n,
		bitmap:    c.heap.NewMarkBitmap(),
		objects:   taskqueue.NewSet[heap.Addr](n, c.queueOpts...),
		arrays:    taskqueue.NewSet[mark.ArrayTask](n, c.queueOpts...),
		preserved: preserve.NewSet(c.heap, c.cfg.Preserve()),
		refs:      refproc.New(n, c.cfg.ClearSoftRefs),
		points:    make([]*compactionPoint, n),
		workStats: make([]workerStats, n),
	}
	cy.preserved.Init(n)
	for w := 0; w < n; w++ {
		cy.markers = append(cy.markers, mark.New(w, mark.Params{
			Heap:       c.heap,
			Bitmap:     cy.bitmap,
			Preserved:  cy.preserved.Get(w),
			Objects:    cy.objects,
			Arrays:     cy.arrays,
			References: cy.refs,
			Config:     c.cfg.Mark(),
		}))
		cy.points[w] = &compactionPoint{}
	}
	return cy
}

func (c *Collector) phase(id uint64, name string, fn func()) {
	start := time.Now()
	fn()
	log.Infof("GC(%d) Phase: %s %s", id, name, time.Since(start))
}

func (c *Collector) mark(cy *cycle, stats *CycleStats) {
	c.phase(cy.id, "Mark Live Objects", func() {
		term := taskqueue.NewTerminator(cy.workers, cy.objects, cy.arrays)
		roots := c.heap.Roots()
		cy.refs.EnableDiscovery()
		c.gang.RunTask(workgang.TaskFunc{TaskName: "marking", Fn: func(w int) {
			m := cy.markers[w]
			for i := w; i < len(roots); i += cy.workers {
				m.MarkAndPush(roots[i])
			}
			m.CompleteMarking(cy.objects, cy.arrays, term)
		}})
		cy.refs.DisableDiscovery()

		// Keep-alive work is done serially by the first marker
		m := cy.markers[0]
		stats.References = cy.refs.Process(cy.bitmap.IsMarked, m.MarkAndPush, m.DrainStack)
	})

	for _, m := range cy.markers {
		ms := m.Stats()
		log.Debugf("GC(%d) marker %d: %d marked, %d preserved, %d chunks, %d steals, %d offers",
			cy.id, m.Worker(), ms.ObjectsMarked, ms.HeadersPreserved, ms.ArrayChunks, ms.Steals, ms.TerminationOffers)
		stats.Mark.Add(ms)
	}
	stats.LiveObjects = cy.bitmap.Count()
}

func (c *Collector) verify(cy *cycle, stats *CycleStats, opt verify.Option, when string) error {
	v := verify.Verify(c.heap, cy.bitmap, opt, c.out)
	if !v.Failures() {
		log.Debugf("GC(%d) verification %s collection passed, %d fields", cy.id, when, v.Checked())
		return nil
	}
	stats.VerifyFailures = true
	if c.cfg.VerifyFailuresFatal {
		return fmt.Errorf("GC(%d) %w %s collection", cy.id, ErrVerificationFailed, when)
	}
	log.Errorf("GC(%d) verification %s collection failed", cy.id, when)
	return nil
}
