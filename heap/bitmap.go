// ABOUTME: Liveness bitmap with one bit per heap word
// ABOUTME: Marking is an atomic test-and-set so parallel markers claim each object once

package heap

import (
	"math/bits"
	"sync/atomic"

	"github.com/prateek/fullgc/assert"
)

// Bitmap is a liveness bitmap over a contiguous address range
type Bitmap struct {
	base  Addr
	limit Addr
	words []atomic.Uint64
}

// NewBitmap creates a cleared bitmap covering [base, base+sizeBytes)
func NewBitmap(base Addr, sizeBytes uint64) *Bitmap {
	nbits := sizeBytes / WordSize
	return &Bitmap{
		base:  base,
		limit: base + Addr(sizeBytes),
		words: make([]atomic.Uint64, (nbits+63)/64),
	}
}

func (b *Bitmap) locate(addr Addr) (*atomic.Uint64, uint64) {
	assert.That(addr >= b.base && addr < b.limit, "address %s outside bitmap [%s, %s)", addr, b.base, b.limit)
	assert.That(uint64(addr)%WordSize == 0, "address %s is not word aligned", addr)
	bit := uint64(addr-b.base) / WordSize
	return &b.words[bit/64], 1 << (bit % 64)
}

// ParMark atomically sets the bit for addr. It returns true only for the
// caller that changed the bit from clear to set.
func (b *Bitmap) ParMark(addr Addr) bool {
	w, mask := b.locate(addr)
	for {
		old := w.Load()
		if old&mask != 0 {
			return false
		}
		if w.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

// IsMarked reports whether the bit for addr is set
func (b *Bitmap) IsMarked(addr Addr) bool {
	w, mask := b.locate(addr)
	return w.Load()&mask != 0
}

// Clear atomically clears the bit for addr
func (b *Bitmap) Clear(addr Addr) {
	w, mask := b.locate(addr)
	for {
		old := w.Load()
		if old&mask == 0 || w.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// ClearRange clears all bits for [lo, hi). Callers must own the range.
func (b *Bitmap) ClearRange(lo, hi Addr) {
	for addr := lo; addr < hi; {
		bit := uint64(addr-b.base) / WordSize
		if bit%64 == 0 && addr+Addr(64*WordSize) <= hi {
			b.words[bit/64].Store(0)
			addr += Addr(64 * WordSize)
			continue
		}
		b.Clear(addr)
		addr += WordSize
	}
}

// Count returns the number of set bits
func (b *Bitmap) Count() int {
	n := 0
	for i := range b.words {
		n += bits.OnesCount64(b.words[i].Load())
	}
	return n
}

// ForEachMarked calls fn for every marked address in ascending order
func (b *Bitmap) ForEachMarked(fn func(Addr)) {
	for i := range b.words {
		w := b.words[i].Load()
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			fn(b.base + Addr((uint64(i)*64+uint64(tz))*WordSize))
			w &= w - 1
		}
	}
}
