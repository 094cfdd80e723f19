// ABOUTME: Post-collection check that every live reference field points at a live object
// ABOUTME: Reports violations with a diagnostic block and a sticky failure flag; never aborts

// Package verify walks live objects and checks their reference fields.
// A field may only point into the allocated part of an in-use region, at
// an object that is live under the chosen liveness criterion. The check
// is read-only: it does not allocate heap objects or re-enter marking.
package verify

import (
	"fmt"
	"io"

	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"

	"github.com/prateek/fullgc/heap"
)

var log = commonlog.GetLogger("fullgc.verify")

// diagnostics serializes failure reports from concurrent verifiers
var diagnostics deadlock.Mutex

// Option selects how liveness is decided
type Option uint8

const (
	// UseMarkBitmap treats unmarked objects as dead. Valid between
	// marking and compaction.
	UseMarkBitmap Option = iota

	// UseAllocation treats an address as dead when no object starts
	// there. Valid once the cycle is complete.
	UseAllocation
)

func (o Option) String() string {
	switch o {
	case UseMarkBitmap:
		return "mark-bitmap"
	case UseAllocation:
		return "allocation"
	}
	return fmt.Sprintf("option(%d)", uint8(o))
}

// Closure checks reference fields of live objects
type Closure struct {
	heap     *heap.Heap
	bitmap   *heap.Bitmap
	option   Option
	out      io.Writer
	failures bool
	checked  int
}

// NewClosure creates a verifier writing diagnostics to out. bitmap is
// required for UseMarkBitmap and ignored otherwise.
func NewClosure(h *heap.Heap, bitmap *heap.Bitmap, opt Option, out io.Writer) *Closure {
	if out == nil {
		out = io.Discard
	}
	return &Closure{heap: h, bitmap: bitmap, option: opt, out: out}
}

// Failures reports whether any field failed verification
func (c *Closure) Failures() bool { return c.failures }

// Checked returns the number of non-null fields checked
func (c *Closure) Checked() int { return c.checked }

// IsDead reports whether the object at addr is dead under the closure's
// option
func (c *Closure) IsDead(addr heap.Addr) bool {
	switch c.option {
	case UseMarkBitmap:
		return !c.bitmap.IsMarked(addr)
	default:
		return c.heap.Object(addr) == nil
	}
}

// VerifyObject checks every reference field of obj
func (c *Closure) VerifyObject(obj *heap.Object) {
	for i, target := range obj.Refs {
		c.DoField(obj, i, target)
	}
}

// DoField checks the field at index of containing, which holds target
func (c *Closure) DoField(containing *heap.Object, index int, target heap.Addr) {
	if target == heap.Null {
		return
	}
	c.checked++
	inHeap := c.heap.IsInClosedSubset(target)
	if inHeap && !c.IsDead(target) {
		return
	}

	diagnostics.Lock()
	defer diagnostics.Unlock()

	if !c.failures {
		fmt.Fprintln(c.out)
		fmt.Fprintln(c.out, "----------")
	}
	field := containing.FieldAddr(index)
	from := c.heap.RegionContaining(field)
	fmt.Fprintf(c.out, "Field %s of live obj %s in region [%s, %s)\n",
		field, containing.Addr, from.Bottom(), from.End())
	printObject(c.out, containing)
	if !inHeap {
		fmt.Fprintf(c.out, "points to obj %s not in the heap\n", target)
	} else {
		to := c.heap.RegionContaining(target)
		fmt.Fprintf(c.out, "points to dead obj %s in region [%s, %s)\n",
			target, to.Bottom(), to.End())
		printObject(c.out, c.heap.Object(target))
	}
	fmt.Fprintln(c.out, "----------")

	c.failures = true
	log.Errorf("field %d of %s points to %s object %s", index, containing, deadOrOutside(inHeap), target)
}

func deadOrOutside(inHeap bool) string {
	if inHeap {
		return "dead"
	}
	return "out-of-heap"
}

func printObject(w io.Writer, obj *heap.Object) {
	if obj == nil {
		fmt.Fprintln(w, "no object starts here")
		return
	}
	fmt.Fprintf(w, "class name %s\n", obj.Class)
}

// Verify checks all live objects of h and returns the closure holding
// the outcome. Under UseMarkBitmap only marked objects are walked.
func Verify(h *heap.Heap, bitmap *heap.Bitmap, opt Option, out io.Writer) *Closure {
	c := NewClosure(h, bitmap, opt, out)
	objects := 0
	h.ForEachObject(func(obj *heap.Object) {
		if opt == UseMarkBitmap && !bitmap.IsMarked(obj.Addr) {
			return
		}
		objects++
		c.VerifyObject(obj)
	})
	log.Debugf("verified %d objects, %d fields with %s liveness, failures: %t", objects, c.checked, opt, c.failures)
	return c
}
