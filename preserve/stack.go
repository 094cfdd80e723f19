// ABOUTME: Per-worker log of object headers clobbered by forwarding pointers
// ABOUTME: Entries are retargeted after forwarding and written back after compaction

// Package preserve records mark words that a full collection is about to
// overwrite and writes them back once objects have reached their final
// addresses.
//
// Each worker owns one Stack for the whole cycle. Entries are pushed while
// marking, retargeted once by AdjustDuringFullGC after forwarding
// addresses are final, and popped exactly once by Restore after
// compaction.
package preserve

import (
	"sync/atomic"

	"github.com/prateek/fullgc/assert"
	"github.com/prateek/fullgc/heap"
)

// Headers is the heap access a preserved-marks stack needs
type Headers interface {
	SetHeader(addr heap.Addr, hdr heap.Header)
	IsForwarded(addr heap.Addr) bool
	Forwardee(addr heap.Addr) heap.Addr
}

// Entry is an object and the header it had before the collection
type Entry struct {
	Obj  heap.Addr
	Mark heap.Header
}

const (
	// DefaultSegmentSize is the number of entries per backing segment
	DefaultSegmentSize = 1024
)

// Config sizes a Stack's backing storage
type Config struct {
	SegmentSize       int
	MaxCachedSegments int
}

// DefaultConfig returns the default sizing; no segments are cached so a
// restored stack retains no storage
func DefaultConfig() Config {
	return Config{SegmentSize: DefaultSegmentSize}
}

// Stack is a segmented LIFO of preserved headers. It is not safe for
// concurrent use; a stack has exactly one writer and one restorer.
type Stack struct {
	headers  Headers
	cfg      Config
	segments [][]Entry // last one is the top
	cache    [][]Entry
	size     int
}

// NewStack creates an empty stack writing headers through h
func NewStack(h Headers, cfg Config) *Stack {
	s := &Stack{}
	s.init(h, cfg)
	return s
}

func (s *Stack) init(h Headers, cfg Config) {
	assert.That(cfg.SegmentSize > 0, "segment size %d", cfg.SegmentSize)
	assert.That(cfg.MaxCachedSegments >= 0, "max cached segments %d", cfg.MaxCachedSegments)
	s.headers = h
	s.cfg = cfg
}

// Push records obj's header. The caller guarantees it is the only writer
// and pushes each object at most once per cycle.
func (s *Stack) Push(obj heap.Addr, mark heap.Header) {
	n := len(s.segments)
	if n == 0 || len(s.segments[n-1]) == cap(s.segments[n-1]) {
		s.segments = append(s.segments, s.newSegment())
		n++
	}
	s.segments[n-1] = append(s.segments[n-1], Entry{Obj: obj, Mark: mark})
	s.size++
}

func (s *Stack) newSegment() []Entry {
	if n := len(s.cache); n > 0 {
		seg := s.cache[n-1]
		s.cache[n-1] = nil
		s.cache = s.cache[:n-1]
		return seg
	}
	return make([]Entry, 0, s.cfg.SegmentSize)
}

func (s *Stack) pop() Entry {
	n := len(s.segments)
	top := s.segments[n-1]
	e := top[len(top)-1]
	top = top[:len(top)-1]
	if len(top) == 0 {
		s.segments[n-1] = nil
		s.segments = s.segments[:n-1]
		if len(s.cache) < s.cfg.MaxCachedSegments {
			s.cache = append(s.cache, top)
		}
	} else {
		s.segments[n-1] = top
	}
	s.size--
	return e
}

// Size returns the number of preserved entries
func (s *Stack) Size() int { return s.size }

// IsEmpty reports whether no entries are held
func (s *Stack) IsEmpty() bool { return s.size == 0 }

// CacheSize returns the number of free segments retained for reuse
func (s *Stack) CacheSize() int { return len(s.cache) }

// Segments returns the number of segments in use
func (s *Stack) Segments() int { return len(s.segments) }

// ForEach visits the entries from oldest to newest
func (s *Stack) ForEach(fn func(Entry)) {
	for _, seg := range s.segments {
		for _, e := range seg {
			fn(e)
		}
	}
}

// AdjustDuringFullGC rewrites entries whose object has been forwarded to
// point at the forwardee, so that restoration targets the object's final
// address. It must run after forwarding is complete and before the old
// copies are overwritten.
func (s *Stack) AdjustDuringFullGC() {
	for _, seg := range s.segments {
		for i := range seg {
			e := &seg[i]
			if s.headers.IsForwarded(e.Obj) {
				e.Obj = s.headers.Forwardee(e.Obj)
			}
		}
	}
}

// Restore pops every entry and writes its header back. Afterwards the
// stack holds no entries and no storage.
func (s *Stack) Restore() {
	for s.size > 0 {
		e := s.pop()
		s.headers.SetHeader(e.Obj, e.Mark)
	}
	s.segments = nil
	s.cache = nil
	s.AssertEmpty()
}

// RestoreAndIncrement restores the stack and adds the number of restored
// entries to total
func (s *Stack) RestoreAndIncrement(total *atomic.Uint64) {
	n := s.size
	s.Restore()
	if n > 0 {
		total.Add(uint64(n))
	}
}

// AssertEmpty fails fatally unless the stack holds no entries and no
// cached segments
func (s *Stack) AssertEmpty() {
	assert.That(s.size == 0, "preserved marks stack expected to be empty, has %d entries", s.size)
	assert.That(len(s.cache) == 0, "preserved marks stack expected to have no cached segments, has %d", len(s.cache))
}
