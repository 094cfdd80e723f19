// ABOUTME: Per-worker marker for parallel full-GC marking
// ABOUTME: Marks the liveness bitmap, chunks large arrays, steals work and offers termination

// Package mark implements the marking phase of a parallel full
// collection. Each worker owns a Marker with two local task queues, one
// for objects and one for array chunks. Markers drain their own queues,
// steal from peers when idle, and stop once the terminator reports that
// every worker is out of work.
package mark

import (
	"github.com/prateek/fullgc/assert"
	"github.com/prateek/fullgc/heap"
	"github.com/prateek/fullgc/preserve"
	"github.com/prateek/fullgc/taskqueue"
)

// DefaultChunkSize is the number of array elements scanned per chunk task
const DefaultChunkSize = 512

// Heap is the object lookup a marker needs
type Heap interface {
	Object(addr heap.Addr) *heap.Object
}

// ReferenceDiscoverer takes reference objects whose referent is not yet
// marked. Returning true means the referent must not be followed now.
type ReferenceDiscoverer interface {
	Discover(worker int, ref *heap.Object) bool
}

// ArrayTask is a chunk of an object array starting at Index
type ArrayTask struct {
	Array heap.Addr
	Index int
}

// Config tunes marking
type Config struct {
	// ChunkSize bounds the elements scanned per array task; arrays no
	// longer than this are scanned inline
	ChunkSize int

	// PreferArraySteals makes idle markers try array chunks before plain
	// objects. It only affects load balance.
	PreferArraySteals bool
}

// DefaultConfig returns the default marking configuration
func DefaultConfig() Config {
	return Config{ChunkSize: DefaultChunkSize, PreferArraySteals: true}
}

// Stats counts the work done by one marker
type Stats struct {
	ObjectsMarked     uint64
	HeadersPreserved  uint64
	ObjectsFollowed   uint64
	ArrayChunks       uint64
	ElementsScanned   uint64
	Steals            uint64
	StealFailures     uint64
	TerminationOffers uint64
}

// Add accumulates other into s
func (s *Stats) Add(other Stats) {
	s.ObjectsMarked += other.ObjectsMarked
	s.HeadersPreserved += other.HeadersPreserved
	s.ObjectsFollowed += other.ObjectsFollowed
	s.ArrayChunks += other.ArrayChunks
	s.ElementsScanned += other.ElementsScanned
	s.Steals += other.Steals
	s.StealFailures += other.StealFailures
	s.TerminationOffers += other.TerminationOffers
}

// Params are the collaborators injected into a Marker
type Params struct {
	Heap       Heap
	Bitmap     *heap.Bitmap
	Preserved  *preserve.Stack
	Objects    *taskqueue.Set[heap.Addr]
	Arrays     *taskqueue.Set[ArrayTask]
	References ReferenceDiscoverer // optional
	Config     Config
}

// Marker marks objects on behalf of one worker
type Marker struct {
	worker    int
	heap      Heap
	bitmap    *heap.Bitmap
	preserved *preserve.Stack
	refs      ReferenceDiscoverer
	objects   *taskqueue.Queue[heap.Addr]
	arrays    *taskqueue.Queue[ArrayTask]
	cfg       Config
	stats     Stats
}

// New creates the marker for worker, using that worker's queues from the
// given sets
func New(worker int, p Params) *Marker {
	assert.That(p.Config.ChunkSize > 0, "array chunk size %d", p.Config.ChunkSize)
	assert.That(p.Heap != nil && p.Bitmap != nil && p.Preserved != nil, "marker %d missing collaborators", worker)
	return &Marker{
		worker:    worker,
		heap:      p.Heap,
		bitmap:    p.Bitmap,
		preserved: p.Preserved,
		refs:      p.References,
		objects:   p.Objects.Queue(worker),
		arrays:    p.Arrays.Queue(worker),
		cfg:       p.Config,
	}
}

// Worker returns the worker id
func (m *Marker) Worker() int { return m.worker }

// Preserved returns the worker's preserved-marks stack
func (m *Marker) Preserved() *preserve.Stack { return m.preserved }

// Stats returns the work counters
func (m *Marker) Stats() Stats { return m.stats }

// IsEmpty reports whether both local queues are empty
func (m *Marker) IsEmpty() bool {
	return m.objects.IsEmpty() && m.arrays.IsEmpty()
}

// MarkAndPush marks the object at addr and queues it for following.
// Only the worker that wins the bitmap race preserves the header and
// queues the object.
func (m *Marker) MarkAndPush(addr heap.Addr) {
	if addr == heap.Null {
		return
	}
	if !m.bitmap.ParMark(addr) {
		return
	}
	obj := m.heap.Object(addr)
	assert.That(obj != nil, "marker %d: reference to %s is not an object", m.worker, addr)
	if obj.Header.MustBePreserved() {
		m.preserved.Push(addr, obj.Header)
		m.stats.HeadersPreserved++
	}
	m.stats.ObjectsMarked++
	m.objects.Push(addr)
}

// FollowObject visits the reference fields of a marked object
func (m *Marker) FollowObject(addr heap.Addr) {
	obj := m.heap.Object(addr)
	assert.That(obj != nil, "marker %d: following %s which is not an object", m.worker, addr)
	m.stats.ObjectsFollowed++
	switch obj.Kind {
	case heap.KindTypeArray:
	case heap.KindObjArray:
		m.followArray(obj)
	case heap.KindReference:
		m.followReference(obj)
	default:
		for _, ref := range obj.Refs {
			m.MarkAndPush(ref)
		}
	}
}

func (m *Marker) followArray(arr *heap.Object) {
	if arr.Len() > m.cfg.ChunkSize {
		m.arrays.Push(ArrayTask{Array: arr.Addr, Index: 0})
		return
	}
	for _, ref := range arr.Refs {
		m.MarkAndPush(ref)
	}
	m.stats.ElementsScanned += uint64(arr.Len())
}

func (m *Marker) followReference(ref *heap.Object) {
	fields := ref.Refs
	referent := fields[heap.ReferentField]
	if m.refs != nil && referent != heap.Null && !m.bitmap.IsMarked(referent) && m.refs.Discover(m.worker, ref) {
		fields = fields[heap.ReferentField+1:]
	}
	for _, f := range fields {
		m.MarkAndPush(f)
	}
}

// FollowArrayChunk scans one chunk of an object array starting at start.
// If elements remain, the continuation is queued before scanning so that
// peers can steal it.
func (m *Marker) FollowArrayChunk(addr heap.Addr, start int) {
	arr := m.heap.Object(addr)
	assert.That(arr != nil && arr.IsObjArray(), "marker %d: %s is not an object array", m.worker, addr)
	n := arr.Len()
	assert.That(start >= 0 && start < n, "array chunk start %d outside [0, %d)", start, n)

	end := min(start+m.cfg.ChunkSize, n)
	if end < n {
		m.arrays.Push(ArrayTask{Array: addr, Index: end})
	}
	for _, ref := range arr.Refs[start:end] {
		m.MarkAndPush(ref)
	}
	m.stats.ArrayChunks++
	m.stats.ElementsScanned += uint64(end - start)
}

// DrainStack processes local tasks until both local queues are empty
func (m *Marker) DrainStack() {
	for {
		for {
			addr, ok := m.objects.Pop()
			if !ok {
				break
			}
			m.FollowObject(addr)
		}
		if t, ok := m.arrays.Pop(); ok {
			m.FollowArrayChunk(t.Array, t.Index)
		}
		if m.IsEmpty() {
			return
		}
	}
}

// CompleteMarking runs the marking loop for this worker until the
// terminator reports global termination
func (m *Marker) CompleteMarking(objects *taskqueue.Set[heap.Addr], arrays *taskqueue.Set[ArrayTask], term *taskqueue.Terminator) {
	for {
		m.DrainStack()
		m.stealWork(objects, arrays)
		if !m.IsEmpty() {
			continue
		}
		m.stats.TerminationOffers++
		if term.OfferTermination() {
			return
		}
	}
}

func (m *Marker) stealWork(objects *taskqueue.Set[heap.Addr], arrays *taskqueue.Set[ArrayTask]) {
	stealArray := func() bool {
		t, ok := arrays.Steal(m.worker)
		if ok {
			m.FollowArrayChunk(t.Array, t.Index)
		}
		return ok
	}
	stealObject := func() bool {
		addr, ok := objects.Steal(m.worker)
		if ok {
			m.FollowObject(addr)
		}
		return ok
	}

	var stole bool
	if m.cfg.PreferArraySteals {
		stole = stealArray() || stealObject()
	} else {
		stole = stealObject() || stealArray()
	}
	if stole {
		m.stats.Steals++
	} else {
		m.stats.StealFailures++
	}
}
