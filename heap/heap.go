// ABOUTME: In-memory region-based heap used as the collector's collaborator
// ABOUTME: Provides allocation, object lookup, roots, headers and forwarding queries

// Package heap models a region-based managed heap: fixed-size regions
// classified as eden, survivor, old or humongous, objects with mark words
// and reference fields, a root set, and the forwarding queries the full
// collector depends on.
//
// A Heap is not safe for concurrent mutation. During a collection the
// collector only mutates disjoint regions and objects from different
// workers, which is what keeps reads lock-free.
package heap

import (
	"errors"
	"fmt"

	"github.com/prateek/fullgc/assert"
)

var (
	// ErrInvalidConfig is returned when the heap geometry is unusable
	ErrInvalidConfig = errors.New("invalid heap config")

	// ErrHeapFull is returned when no region can satisfy an allocation
	ErrHeapFull = errors.New("heap full")
)

// bitmapWordBytes is the heap span covered by one 64-bit bitmap word
const bitmapWordBytes = 64 * WordSize

// Config describes heap geometry and the sizing policy reported by
// heap transition output
type Config struct {
	Base               Addr   `json:"base"`
	RegionCount        int    `json:"region_count"`
	RegionBytes        uint64 `json:"region_bytes"`
	YoungTargetLength  int    `json:"young_target_length"`
	MaxSurvivorRegions int    `json:"max_survivor_regions"`
	MetaspaceUsedBytes uint64 `json:"metaspace_used_bytes"`
}

// DefaultConfig returns a small heap suitable for tests
func DefaultConfig() Config {
	return Config{
		Base:               0x100000,
		RegionCount:        64,
		RegionBytes:        64 * 1024,
		YoungTargetLength:  16,
		MaxSurvivorRegions: 4,
	}
}

// Validate checks the geometry
func (c Config) Validate() error {
	if c.Base == Null || uint64(c.Base)%bitmapWordBytes != 0 {
		return fmt.Errorf("%w: base %s must be non-zero and %d-byte aligned", ErrInvalidConfig, c.Base, bitmapWordBytes)
	}
	if c.RegionCount <= 0 {
		return fmt.Errorf("%w: region count %d", ErrInvalidConfig, c.RegionCount)
	}
	if c.RegionBytes == 0 || c.RegionBytes%bitmapWordBytes != 0 {
		return fmt.Errorf("%w: region size %d must be a multiple of %d", ErrInvalidConfig, c.RegionBytes, bitmapWordBytes)
	}
	if c.YoungTargetLength < 0 || c.MaxSurvivorRegions < 0 {
		return fmt.Errorf("%w: negative young sizing", ErrInvalidConfig)
	}
	return nil
}

// Heap is a region-based heap
type Heap struct {
	cfg           Config
	regions       []*Region
	roots         []Addr
	allocRegion   map[RegionKind]*Region
	metaspaceUsed uint64
}

// New creates an empty heap with all regions free
func New(cfg Config) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Heap{
		cfg:           cfg,
		regions:       make([]*Region, cfg.RegionCount),
		allocRegion:   make(map[RegionKind]*Region),
		metaspaceUsed: cfg.MetaspaceUsedBytes,
	}
	for i := range h.regions {
		bottom := cfg.Base + Addr(uint64(i)*cfg.RegionBytes)
		h.regions[i] = &Region{
			index:  i,
			bottom: bottom,
			top:    bottom,
			end:    bottom + Addr(cfg.RegionBytes),
		}
	}
	return h, nil
}

// Config returns the heap geometry
func (h *Heap) Config() Config { return h.cfg }

// Start returns the lowest heap address
func (h *Heap) Start() Addr { return h.cfg.Base }

// End returns the first address past the heap
func (h *Heap) End() Addr {
	return h.cfg.Base + Addr(uint64(h.cfg.RegionCount)*h.cfg.RegionBytes)
}

// NumRegions returns the number of regions
func (h *Heap) NumRegions() int { return len(h.regions) }

// Region returns region i
func (h *Heap) Region(i int) *Region { return h.regions[i] }

// ForEachRegion calls fn for each region in address order until fn
// returns true
func (h *Heap) ForEachRegion(fn func(r *Region) bool) {
	for _, r := range h.regions {
		if fn(r) {
			return
		}
	}
}

// RegionContaining returns the region that covers addr, or nil if addr is
// outside the reserved heap
func (h *Heap) RegionContaining(addr Addr) *Region {
	if addr < h.Start() || addr >= h.End() {
		return nil
	}
	return h.regions[uint64(addr-h.cfg.Base)/h.cfg.RegionBytes]
}

// IsInReserved reports whether addr lies within the reserved heap range
func (h *Heap) IsInReserved(addr Addr) bool {
	return addr >= h.Start() && addr < h.End()
}

// IsInClosedSubset reports whether addr lies in the allocated part of a
// region that is in use
func (h *Heap) IsInClosedSubset(addr Addr) bool {
	r := h.RegionContaining(addr)
	if r == nil || r.IsFree() {
		return false
	}
	return addr < r.top
}

// Object returns the object starting at addr, or nil
func (h *Heap) Object(addr Addr) *Object {
	r := h.RegionContaining(addr)
	if r == nil {
		return nil
	}
	return r.ObjectAt(addr)
}

// NumObjects returns the total number of objects
func (h *Heap) NumObjects() int {
	n := 0
	for _, r := range h.regions {
		n += len(r.objects)
	}
	return n
}

// ForEachObject iterates over all objects in address order
func (h *Heap) ForEachObject(fn func(*Object)) {
	for _, r := range h.regions {
		for _, obj := range r.objects {
			fn(obj)
		}
	}
}

// Roots returns the root slots. The slice must not be modified except
// through SetRoot.
func (h *Heap) Roots() []Addr { return h.roots }

// AddRoot appends a root slot
func (h *Heap) AddRoot(addr Addr) {
	h.roots = append(h.roots, addr)
}

// SetRoot overwrites root slot i
func (h *Heap) SetRoot(i int, addr Addr) {
	h.roots[i] = addr
}

// MetaspaceUsedBytes returns class metadata usage
func (h *Heap) MetaspaceUsedBytes() uint64 { return h.metaspaceUsed }

// SetMetaspaceUsedBytes records class metadata usage
func (h *Heap) SetMetaspaceUsedBytes(n uint64) { h.metaspaceUsed = n }

// YoungTargetLength returns the young generation target in regions
func (h *Heap) YoungTargetLength() int { return h.cfg.YoungTargetLength }

// MaxSurvivorRegions returns the survivor capacity in regions
func (h *Heap) MaxSurvivorRegions() int { return h.cfg.MaxSurvivorRegions }

// CountRegions returns the number of regions of the given kind
func (h *Heap) CountRegions(kind RegionKind) int {
	n := 0
	for _, r := range h.regions {
		if r.kind == kind {
			n++
		}
	}
	return n
}

// EdenRegions returns the number of eden regions
func (h *Heap) EdenRegions() int { return h.CountRegions(RegionEden) }

// SurvivorRegions returns the number of survivor regions
func (h *Heap) SurvivorRegions() int { return h.CountRegions(RegionSurvivor) }

// OldRegions returns the number of old regions
func (h *Heap) OldRegions() int { return h.CountRegions(RegionOld) }

// HumongousRegions returns the number of regions used by humongous objects
func (h *Heap) HumongousRegions() int {
	return h.CountRegions(RegionStartsHumongous) + h.CountRegions(RegionContinuesHumongous)
}

// Header returns the mark word of the object at addr
func (h *Heap) Header(addr Addr) Header {
	return h.mustObject(addr).Header
}

// SetHeader overwrites the mark word of the object at addr
func (h *Heap) SetHeader(addr Addr, hdr Header) {
	h.mustObject(addr).Header = hdr
}

// IsForwarded reports whether the object at addr carries a forwarding
// pointer
func (h *Heap) IsForwarded(addr Addr) bool {
	obj := h.Object(addr)
	return obj != nil && obj.Header.IsForwarded()
}

// Forwardee returns the forwarding address of the object at addr, or Null
// if it is not forwarded
func (h *Heap) Forwardee(addr Addr) Addr {
	obj := h.Object(addr)
	if obj == nil || !obj.Header.IsForwarded() {
		return Null
	}
	return obj.Header.Forwardee()
}

// ForwardTo overwrites the header of the object at addr with a forwarding
// pointer to dest
func (h *Heap) ForwardTo(addr, dest Addr) {
	assert.That(h.IsInReserved(dest), "forwarding %s to %s outside the heap", addr, dest)
	h.mustObject(addr).Header = ForwardingHeader(dest)
}

// InitMark resets the header of the object at addr to the prototype
func (h *Heap) InitMark(addr Addr) {
	h.mustObject(addr).Header = Prototype
}

func (h *Heap) mustObject(addr Addr) *Object {
	obj := h.Object(addr)
	assert.That(obj != nil, "no object at %s", addr)
	return obj
}

// Allocate places a new object in a region of the given kind. Objects
// larger than half a region are allocated as humongous regardless of the
// requested kind.
func (h *Heap) Allocate(kind RegionKind, spec ObjectSpec) (*Object, error) {
	if kind != RegionEden && kind != RegionSurvivor && kind != RegionOld {
		return nil, fmt.Errorf("%w: cannot allocate into %s regions", ErrInvalidConfig, kind)
	}
	obj := &Object{
		Header:  spec.Header,
		Class:   spec.Class,
		Kind:    spec.Kind,
		RefType: spec.RefType,
		Words:   spec.words(),
		Refs:    make([]Addr, spec.Refs),
	}
	if obj.Header == 0 {
		obj.Header = Prototype
	}
	if obj.Kind == KindReference && len(obj.Refs) == 0 {
		return nil, fmt.Errorf("%w: reference object %q needs a referent slot", ErrInvalidConfig, spec.Class)
	}
	if obj.Bytes() > h.cfg.RegionBytes/2 {
		return obj, h.allocateHumongous(obj)
	}

	r := h.allocRegion[kind]
	if r == nil || !r.fits(obj.Words) {
		r = h.claimFree(kind)
		if r == nil {
			return nil, fmt.Errorf("%w: %d words in %s", ErrHeapFull, obj.Words, kind)
		}
		h.allocRegion[kind] = r
	}
	r.append(obj)
	return obj, nil
}

func (h *Heap) claimFree(kind RegionKind) *Region {
	for _, r := range h.regions {
		if r.IsFree() {
			r.kind = kind
			return r
		}
	}
	return nil
}

func (h *Heap) allocateHumongous(obj *Object) error {
	need := int((obj.Bytes() + h.cfg.RegionBytes - 1) / h.cfg.RegionBytes)
	for first := 0; first+need <= len(h.regions); first++ {
		run := 0
		for run < need && h.regions[first+run].IsFree() {
			run++
		}
		if run < need {
			first += run
			continue
		}
		remaining := obj.Bytes()
		for i := first; i < first+need; i++ {
			r := h.regions[i]
			used := min(remaining, h.cfg.RegionBytes)
			r.kind = RegionContinuesHumongous
			r.top = r.bottom + Addr(used)
			remaining -= used
		}
		start := h.regions[first]
		start.kind = RegionStartsHumongous
		obj.Addr = start.bottom
		start.objects = []*Object{obj}
		return nil
	}
	return fmt.Errorf("%w: humongous object of %d regions", ErrHeapFull, need)
}

// HumongousRegionsOf returns the regions spanned by the humongous object
// starting in r
func (h *Heap) HumongousRegionsOf(r *Region) []*Region {
	assert.That(r.kind == RegionStartsHumongous, "region %s is not a humongous start", r)
	last := r.index + 1
	for last < len(h.regions) && h.regions[last].kind == RegionContinuesHumongous {
		last++
	}
	return h.regions[r.index:last]
}

// Place appends obj at dest, which must be the current top of the region
// containing it. Used by sliding compaction.
func (h *Heap) Place(obj *Object, dest Addr) {
	r := h.RegionContaining(dest)
	assert.That(r != nil, "compaction destination %s outside the heap", dest)
	assert.That(r.top == dest, "compaction destination %s is not the top %s of region %s", dest, r.top, r)
	assert.That(r.fits(obj.Words), "object %s does not fit at %s", obj, dest)
	r.append(obj)
}

// FreeRegion releases a region and its contents
func (h *Heap) FreeRegion(r *Region) {
	r.objects = nil
	r.top = r.bottom
	r.kind = RegionFree
	for k, ar := range h.allocRegion {
		if ar == r {
			delete(h.allocRegion, k)
		}
	}
}

// SetRegionKind reclassifies a region
func (h *Heap) SetRegionKind(r *Region, kind RegionKind) {
	r.kind = kind
}

// ResetAllocRegions forgets the current allocation regions, as a
// collection does once it has reshaped the heap
func (h *Heap) ResetAllocRegions() {
	clear(h.allocRegion)
}

// NewMarkBitmap returns a liveness bitmap covering the whole heap
func (h *Heap) NewMarkBitmap() *Bitmap {
	return NewBitmap(h.Start(), uint64(h.End()-h.Start()))
}
