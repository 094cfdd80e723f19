// ABOUTME: Tests for reference field verification
// ABOUTME: Checks clean heaps pass and dangling, dead and out-of-heap fields are reported

package verify

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prateek/fullgc/heap"
)

func newHeap(t *testing.T) *heap.Heap {
	t.Helper()
	h, err := heap.New(heap.DefaultConfig())
	if err != nil {
		t.Fatalf("heap.New: %v", err)
	}
	return h
}

func alloc(t *testing.T, h *heap.Heap, class string, refs int) *heap.Object {
	t.Helper()
	obj, err := h.Allocate(heap.RegionOld, heap.ObjectSpec{Class: class, Refs: refs})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return obj
}

func TestCleanHeapPasses(t *testing.T) {
	h := newHeap(t)
	a := alloc(t, h, "A", 2)
	b := alloc(t, h, "B", 1)
	a.Refs[0] = b.Addr
	b.Refs[0] = a.Addr

	var out bytes.Buffer
	c := Verify(h, nil, UseAllocation, &out)
	if c.Failures() {
		t.Errorf("Expected no failures, got:\n%s", out.String())
	}
	if c.Checked() != 2 {
		t.Errorf("Expected 2 non-null fields checked, got %d", c.Checked())
	}
	if out.Len() != 0 {
		t.Errorf("Expected no output, got %q", out.String())
	}
}

func TestFailures(t *testing.T) {
	tests := []struct {
		name   string
		target func(h *heap.Heap, b *heap.Object) heap.Addr
		want   string
	}{
		{
			name:   "outside the heap",
			target: func(h *heap.Heap, b *heap.Object) heap.Addr { return h.End() + 0x1000 },
			want:   "not in the heap",
		},
		{
			name:   "above region top",
			target: func(h *heap.Heap, b *heap.Object) heap.Addr { return h.RegionContaining(b.Addr).Top() },
			want:   "not in the heap",
		},
		{
			name:   "interior pointer",
			target: func(h *heap.Heap, b *heap.Object) heap.Addr { return b.Addr + heap.WordSize },
			want:   "points to dead obj",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHeap(t)
			a := alloc(t, h, "Holder", 1)
			b := alloc(t, h, "Target", 0)
			a.Refs[0] = tt.target(h, b)

			var out bytes.Buffer
			c := Verify(h, nil, UseAllocation, &out)
			if !c.Failures() {
				t.Fatal("Expected a failure")
			}
			report := out.String()
			if !strings.Contains(report, tt.want) {
				t.Errorf("Expected %q in report:\n%s", tt.want, report)
			}
			if !strings.Contains(report, "Field "+a.FieldAddr(0).String()) {
				t.Errorf("Expected the field address in report:\n%s", report)
			}
			if !strings.Contains(report, "class name Holder") {
				t.Errorf("Expected the containing class in report:\n%s", report)
			}
			if strings.Count(report, "----------") != 2 {
				t.Errorf("Expected one delimited block:\n%s", report)
			}
		})
	}
}

func TestMarkBitmapLiveness(t *testing.T) {
	h := newHeap(t)
	a := alloc(t, h, "A", 1)
	b := alloc(t, h, "B", 0)
	garbage := alloc(t, h, "Garbage", 1)
	a.Refs[0] = b.Addr
	garbage.Refs[0] = b.Addr

	bm := h.NewMarkBitmap()
	bm.ParMark(a.Addr)

	var out bytes.Buffer
	c := Verify(h, bm, UseMarkBitmap, &out)
	if !c.Failures() {
		t.Fatal("Expected the unmarked target to be reported")
	}
	if c.Checked() != 1 {
		t.Errorf("Only marked objects are walked, expected 1 field, got %d", c.Checked())
	}
	if !strings.Contains(out.String(), "class name B") {
		t.Errorf("Expected the dead target's class:\n%s", out.String())
	}

	bm.ParMark(b.Addr)
	if c := Verify(h, bm, UseMarkBitmap, nil); c.Failures() {
		t.Error("Expected no failures once the target is marked")
	}
}

func TestFailuresAreSticky(t *testing.T) {
	h := newHeap(t)
	a := alloc(t, h, "A", 3)
	b := alloc(t, h, "B", 0)
	a.Refs[0] = h.End()
	a.Refs[1] = b.Addr
	a.Refs[2] = h.End() + heap.WordSize

	var out bytes.Buffer
	c := NewClosure(h, nil, UseAllocation, &out)
	c.VerifyObject(a)
	if !c.Failures() {
		t.Fatal("Expected failures")
	}
	if c.Checked() != 3 {
		t.Errorf("Expected 3 fields checked, got %d", c.Checked())
	}
	// The opening delimiter is written once, then one closing per failure
	if n := strings.Count(out.String(), "----------"); n != 3 {
		t.Errorf("Expected 3 delimiters for two failures, got %d:\n%s", n, out.String())
	}
}
