// ABOUTME: Fixed-size heap regions and their classification
// ABOUTME: Regions hold objects in address order and track their allocation top

package heap

import (
	"fmt"
	"sort"
)

// RegionKind classifies a region
type RegionKind uint8

const (
	RegionFree RegionKind = iota
	RegionEden
	RegionSurvivor
	RegionOld
	RegionStartsHumongous
	RegionContinuesHumongous
)

func (k RegionKind) String() string {
	switch k {
	case RegionFree:
		return "free"
	case RegionEden:
		return "eden"
	case RegionSurvivor:
		return "survivor"
	case RegionOld:
		return "old"
	case RegionStartsHumongous:
		return "starts-humongous"
	case RegionContinuesHumongous:
		return "continues-humongous"
	}
	return fmt.Sprintf("region-kind(%d)", uint8(k))
}

// Region is a contiguous, fixed-size slice of the heap
type Region struct {
	index   int
	kind    RegionKind
	bottom  Addr
	top     Addr
	end     Addr
	objects []*Object // sorted by address
}

// Index returns the region number
func (r *Region) Index() int { return r.index }

// Kind returns the region classification
func (r *Region) Kind() RegionKind { return r.kind }

// Bottom returns the first address of the region
func (r *Region) Bottom() Addr { return r.bottom }

// Top returns the allocation top
func (r *Region) Top() Addr { return r.top }

// End returns the first address past the region
func (r *Region) End() Addr { return r.end }

// Used returns the allocated bytes in the region
func (r *Region) Used() uint64 { return uint64(r.top - r.bottom) }

// Free returns the unallocated bytes in the region
func (r *Region) Free() uint64 { return uint64(r.end - r.top) }

// IsFree reports whether the region is unused
func (r *Region) IsFree() bool { return r.kind == RegionFree }

// IsHumongous reports whether the region belongs to a humongous object
func (r *Region) IsHumongous() bool {
	return r.kind == RegionStartsHumongous || r.kind == RegionContinuesHumongous
}

// IsOld reports whether the region is an old region
func (r *Region) IsOld() bool { return r.kind == RegionOld }

// IsEden reports whether the region is an eden region
func (r *Region) IsEden() bool { return r.kind == RegionEden }

// IsSurvivor reports whether the region is a survivor region
func (r *Region) IsSurvivor() bool { return r.kind == RegionSurvivor }

// Contains reports whether addr lies within [bottom, end)
func (r *Region) Contains(addr Addr) bool {
	return addr >= r.bottom && addr < r.end
}

// NumObjects returns the number of objects starting in the region
func (r *Region) NumObjects() int { return len(r.objects) }

// Objects returns the region's objects in address order. The slice must
// not be modified.
func (r *Region) Objects() []*Object { return r.objects }

// ObjectAt returns the object starting exactly at addr, or nil
func (r *Region) ObjectAt(addr Addr) *Object {
	i := sort.Search(len(r.objects), func(i int) bool {
		return r.objects[i].Addr >= addr
	})
	if i < len(r.objects) && r.objects[i].Addr == addr {
		return r.objects[i]
	}
	return nil
}

// ResetForCompaction detaches the region's objects and rewinds its top so
// the region can receive compacted objects. The detached objects are
// returned in address order.
func (r *Region) ResetForCompaction() []*Object {
	objs := r.objects
	r.objects = nil
	r.top = r.bottom
	return objs
}

func (r *Region) String() string {
	return fmt.Sprintf("#%d %s [%s, %s)", r.index, r.kind, r.bottom, r.end)
}

func (r *Region) fits(words int) bool {
	return uint64(words)*WordSize <= r.Free()
}

func (r *Region) append(obj *Object) {
	obj.Addr = r.top
	r.top += Addr(obj.Bytes())
	r.objects = append(r.objects, obj)
}
