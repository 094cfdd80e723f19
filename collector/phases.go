// ABOUTME: Gang tasks for the forwarding, pointer adjustment and compaction phases
// ABOUTME: Each worker slides the live objects of the regions it claimed into its own compaction point

package collector

import (
	"github.com/prateek/fullgc/assert"
	"github.com/prateek/fullgc/heap"
	"github.com/prateek/fullgc/workgang"
)

type workerStats struct {
	moved        int
	dead         int
	freedRegions int
}

// compactionPoint is the destination cursor of one worker. Regions are
// filled in the order the worker claimed them, so an object never moves
// to a region that has not yet been compacted.
type compactionPoint struct {
	regions   []*heap.Region
	current   int
	top       heap.Addr
	humongous []*heap.Region // live humongous start regions
}

func (p *compactionPoint) add(r *heap.Region) {
	if len(p.regions) == 0 {
		p.top = r.Bottom()
	}
	p.regions = append(p.regions, r)
}

// forward returns the destination of obj and advances the cursor
func (p *compactionPoint) forward(obj *heap.Object) heap.Addr {
	size := heap.Addr(obj.Bytes())
	for p.top+size > p.regions[p.current].End() {
		p.current++
		assert.That(p.current < len(p.regions), "compaction point overflow placing %s", obj)
		p.top = p.regions[p.current].Bottom()
	}
	dest := p.top
	p.top += size
	return dest
}

type prepareTarget struct {
	region *heap.Region
	span   []*heap.Region // regions of a humongous object
}

type prepareTask struct {
	cy      *cycle
	targets []prepareTarget
	claim   *workgang.SubTasks
}

// newPrepareTask lists the regions to process. Humongous spans are
// resolved here, before any worker starts freeing regions.
func newPrepareTask(cy *cycle) *prepareTask {
	cy.heap.ResetAllocRegions()
	var targets []prepareTarget
	cy.heap.ForEachRegion(func(r *heap.Region) bool {
		switch r.Kind() {
		case heap.RegionEden, heap.RegionSurvivor, heap.RegionOld:
			targets = append(targets, prepareTarget{region: r})
		case heap.RegionStartsHumongous:
			targets = append(targets, prepareTarget{region: r, span: cy.heap.HumongousRegionsOf(r)})
		}
		return false
	})
	return &prepareTask{cy: cy, targets: targets, claim: workgang.NewSubTasks(len(targets), cy.workers)}
}

func (t *prepareTask) Name() string { return "prepare compaction" }

func (t *prepareTask) Work(worker int) {
	cy := t.cy
	p := cy.points[worker]
	for {
		i, ok := t.claim.Claim()
		if !ok {
			break
		}
		target := t.targets[i]
		if target.span != nil {
			t.prepareHumongous(worker, target)
			continue
		}
		p.add(target.region)
		for _, obj := range target.region.Objects() {
			if !cy.bitmap.IsMarked(obj.Addr) {
				continue
			}
			if dest := p.forward(obj); dest != obj.Addr {
				cy.heap.ForwardTo(obj.Addr, dest)
			} else {
				cy.heap.InitMark(obj.Addr)
			}
		}
	}
	t.claim.AllTasksCompleted()
}

// prepareHumongous leaves a live humongous object in place and frees the
// regions of a dead one
func (t *prepareTask) prepareHumongous(worker int, target prepareTarget) {
	cy := t.cy
	start := target.region
	if cy.bitmap.IsMarked(start.Bottom()) {
		cy.heap.InitMark(start.Bottom())
		cy.points[worker].humongous = append(cy.points[worker].humongous, start)
		return
	}
	for _, r := range target.span {
		cy.heap.FreeRegion(r)
	}
	ws := &cy.workStats[worker]
	ws.dead++
	ws.freedRegions += len(target.span)
}

type adjustTask struct {
	cy *cycle
}

func newAdjustTask(cy *cycle) *adjustTask { return &adjustTask{cy: cy} }

func (t *adjustTask) Name() string { return "adjust pointers" }

// Work retargets the worker's preserved marks, then the reference fields
// of live objects in its regions and its share of the roots
func (t *adjustTask) Work(worker int) {
	cy := t.cy
	cy.preserved.Get(worker).AdjustDuringFullGC()

	p := cy.points[worker]
	for _, r := range p.regions {
		for _, obj := range r.Objects() {
			if cy.bitmap.IsMarked(obj.Addr) {
				t.adjustObject(obj)
			}
		}
	}
	for _, r := range p.humongous {
		t.adjustObject(r.Objects()[0])
	}

	roots := cy.heap.Roots()
	for i := worker; i < len(roots); i += cy.workers {
		if fwd := cy.heap.Forwardee(roots[i]); fwd != heap.Null {
			cy.heap.SetRoot(i, fwd)
		}
	}
}

func (t *adjustTask) adjustObject(obj *heap.Object) {
	for i, ref := range obj.Refs {
		if ref == heap.Null {
			continue
		}
		if fwd := t.cy.heap.Forwardee(ref); fwd != heap.Null {
			obj.Refs[i] = fwd
		}
	}
}

type compactTask struct {
	cy *cycle
}

func newCompactTask(cy *cycle) *compactTask { return &compactTask{cy: cy} }

func (t *compactTask) Name() string { return "compact heap" }

// Work moves the live objects of the worker's point to their forwarding
// addresses, in the order they were forwarded
func (t *compactTask) Work(worker int) {
	cy := t.cy
	p := cy.points[worker]
	ws := &cy.workStats[worker]

	for _, r := range p.regions {
		for _, obj := range r.ResetForCompaction() {
			if !cy.bitmap.IsMarked(obj.Addr) {
				ws.dead++
				continue
			}
			dest := obj.Addr
			if obj.Header.IsForwarded() {
				dest = obj.Header.Forwardee()
				ws.moved++
			}
			cy.heap.Place(obj, dest)
			cy.heap.InitMark(dest)
		}
		cy.bitmap.ClearRange(r.Bottom(), r.End())
	}

	for _, r := range p.regions {
		if r.NumObjects() == 0 {
			cy.heap.FreeRegion(r)
			ws.freedRegions++
		} else {
			cy.heap.SetRegionKind(r, heap.RegionOld)
		}
	}
	for _, r := range p.humongous {
		cy.bitmap.Clear(r.Bottom())
	}
}
