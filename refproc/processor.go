// ABOUTME: Discovery and processing of reference objects found during marking
// ABOUTME: Referents reachable only through references are cleared or kept alive by policy

// Package refproc handles reference objects (soft, weak, final, phantom)
// during a full collection. Markers hand it reference objects whose
// referent is not yet known to be live; once marking is complete the
// processor decides, per reference strength, whether to clear the
// referent or keep it alive.
package refproc

import (
	"github.com/tliron/commonlog"

	"github.com/prateek/fullgc/assert"
	"github.com/prateek/fullgc/heap"
)

var log = commonlog.GetLogger("fullgc.refproc")

// Stats counts references by strength
type Stats struct {
	Discovered map[heap.RefType]int
	Cleared    map[heap.RefType]int
	KeptAlive  map[heap.RefType]int
}

func newStats() Stats {
	return Stats{
		Discovered: make(map[heap.RefType]int),
		Cleared:    make(map[heap.RefType]int),
		KeptAlive:  make(map[heap.RefType]int),
	}
}

// Processor collects discovered references per worker and processes them
// after marking
type Processor struct {
	clearSoft bool
	enabled   bool
	lists     [][]*heap.Object // one per worker, written only by its owner
}

// New creates a processor for the given number of workers. When
// clearSoftRefs is set, soft references are treated like weak ones.
func New(workers int, clearSoftRefs bool) *Processor {
	assert.That(workers > 0, "reference processor needs at least one worker, got %d", workers)
	return &Processor{
		clearSoft: clearSoftRefs,
		lists:     make([][]*heap.Object, workers),
	}
}

// EnableDiscovery starts accepting references; call before marking
func (p *Processor) EnableDiscovery() {
	assert.That(p.Discovered() == 0, "reference discovery enabled with %d references pending", p.Discovered())
	p.enabled = true
}

// DisableDiscovery stops accepting references
func (p *Processor) DisableDiscovery() { p.enabled = false }

// DiscoveryEnabled reports whether Discover accepts references
func (p *Processor) DiscoveryEnabled() bool { return p.enabled }

// Discover records a reference object found by worker. It returns true
// when the reference was taken, in which case the caller must not follow
// the referent.
func (p *Processor) Discover(worker int, ref *heap.Object) bool {
	if !p.enabled {
		return false
	}
	assert.That(ref.Kind == heap.KindReference, "discovering non-reference object %s", ref)
	if ref.RefType == heap.RefNone {
		return false
	}
	p.lists[worker] = append(p.lists[worker], ref)
	return true
}

// Discovered returns the number of pending references
func (p *Processor) Discovered() int {
	n := 0
	for _, l := range p.lists {
		n += len(l)
	}
	return n
}

// Process handles every discovered reference. isAlive reports liveness
// after marking; keepAlive marks a referent that must survive and
// complete drains the marking work keepAlive produced.
//
// Strengths are processed in order: soft (kept alive unless soft
// references are being cleared), weak (cleared), final (kept alive),
// phantom (cleared). A reference whose referent is already live is
// dropped.
func (p *Processor) Process(isAlive func(heap.Addr) bool, keepAlive func(heap.Addr), complete func()) Stats {
	assert.That(!p.enabled, "reference processing with discovery still enabled")
	stats := newStats()
	for _, l := range p.lists {
		for _, ref := range l {
			stats.Discovered[ref.RefType]++
		}
	}

	for _, rt := range []heap.RefType{heap.RefSoft, heap.RefWeak, heap.RefFinal, heap.RefPhantom} {
		keep := rt == heap.RefFinal || (rt == heap.RefSoft && !p.clearSoft)
		kept := false
		for _, l := range p.lists {
			for _, ref := range l {
				if ref.RefType != rt {
					continue
				}
				referent := ref.Refs[heap.ReferentField]
				if referent == heap.Null || isAlive(referent) {
					continue
				}
				if keep {
					keepAlive(referent)
					stats.KeptAlive[rt]++
					kept = true
				} else {
					ref.Refs[heap.ReferentField] = heap.Null
					stats.Cleared[rt]++
				}
			}
		}
		if kept {
			complete()
		}
	}

	for i := range p.lists {
		p.lists[i] = nil
	}
	log.Debugf("processed references: discovered %v, cleared %v, kept alive %v",
		stats.Discovered, stats.Cleared, stats.KeptAlive)
	return stats
}
