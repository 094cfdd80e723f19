// ABOUTME: Before/after snapshot of region occupancy for one collection
// ABOUTME: Prints per-class region deltas with derived capacities and the metaspace change

// Package transition reports how a collection changed the heap: region
// counts per class and metaspace usage, sampled before and after.
package transition

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/prateek/fullgc/assert"
	"github.com/prateek/fullgc/heap"
)

// Source is the heap state a transition samples
type Source interface {
	EdenRegions() int
	SurvivorRegions() int
	OldRegions() int
	HumongousRegions() int
	MetaspaceUsedBytes() uint64
	YoungTargetLength() int
	MaxSurvivorRegions() int
	ForEachRegion(fn func(r *heap.Region) bool)
}

// Data is one occupancy sample
type Data struct {
	Eden          int
	Survivor      int
	Old           int
	Humongous     int
	MetaspaceUsed uint64
}

// Sample reads the current occupancy of src
func Sample(src Source) Data {
	return Data{
		Eden:          src.EdenRegions(),
		Survivor:      src.SurvivorRegions(),
		Old:           src.OldRegions(),
		Humongous:     src.HumongousRegions(),
		MetaspaceUsed: src.MetaspaceUsedBytes(),
	}
}

// Transition holds the sample taken before a collection
type Transition struct {
	src    Source
	before Data
}

// New samples src as the before state
func New(src Source) *Transition {
	return &Transition{src: src, before: Sample(src)}
}

// Before returns the before sample
func (t *Transition) Before() Data { return t.before }

// Print samples the after state and writes the transition to w
func (t *Transition) Print(w io.Writer) Data {
	after := Sample(t.src)
	edenCap := max(t.src.YoungTargetLength()-after.Survivor, 0)
	survivorCap := t.src.MaxSurvivorRegions()

	fmt.Fprintf(w, "Eden regions: %d->%d(%d)\n", t.before.Eden, after.Eden, edenCap)
	fmt.Fprintf(w, "Survivor regions: %d->%d(%d)\n", t.before.Survivor, after.Survivor, survivorCap)
	fmt.Fprintf(w, "Old regions: %d->%d\n", t.before.Old, after.Old)
	fmt.Fprintf(w, "Humongous regions: %d->%d\n", t.before.Humongous, after.Humongous)
	fmt.Fprintf(w, "Metaspace: %s->%s\n",
		humanize.IBytes(t.before.MetaspaceUsed), humanize.IBytes(after.MetaspaceUsed))
	return after
}

// Usage is the used bytes and region count per region class
type Usage struct {
	EdenUsed, SurvivorUsed, OldUsed, HumongousUsed             uint64
	EdenRegions, SurvivorRegions, OldRegions, HumongousRegions int
}

// DetailedUsage walks the regions of src. Regions without a class must
// be empty.
func DetailedUsage(src Source) Usage {
	var u Usage
	src.ForEachRegion(func(r *heap.Region) bool {
		switch {
		case r.IsOld():
			u.OldUsed += r.Used()
			u.OldRegions++
		case r.IsSurvivor():
			u.SurvivorUsed += r.Used()
			u.SurvivorRegions++
		case r.IsEden():
			u.EdenUsed += r.Used()
			u.EdenRegions++
		case r.IsHumongous():
			u.HumongousUsed += r.Used()
			u.HumongousRegions++
		default:
			assert.That(r.Used() == 0, "region %s has no class but %d bytes used", r, r.Used())
		}
		return false
	})
	return u
}

// Print writes the used bytes per class to w
func (u Usage) Print(w io.Writer) {
	fmt.Fprintf(w, "Eden: %s in %d regions\n", humanize.IBytes(u.EdenUsed), u.EdenRegions)
	fmt.Fprintf(w, "Survivor: %s in %d regions\n", humanize.IBytes(u.SurvivorUsed), u.SurvivorRegions)
	fmt.Fprintf(w, "Old: %s in %d regions\n", humanize.IBytes(u.OldUsed), u.OldRegions)
	fmt.Fprintf(w, "Humongous: %s in %d regions\n", humanize.IBytes(u.HumongousUsed), u.HumongousRegions)
}
