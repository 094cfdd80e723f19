// ABOUTME: Core data types for the simulated managed heap
// ABOUTME: Defines Addr, Header (mark word), Object and their encodings

package heap

import "fmt"

// WordSize is the size of a heap word in bytes
const WordSize = 8

// headerWords is the number of words taken by the mark word and class pointer
const headerWords = 2

// Addr is a word-aligned byte address in the heap; Null is never an object
type Addr uint64

// Null is the null reference
const Null Addr = 0

func (a Addr) String() string {
	return fmt.Sprintf("0x%016x", uint64(a))
}

// Header is an object's mark word.
//
// The low two bits hold the lock state:
//
//	01 unlocked (identity hash, if any, in bits 8 and up)
//	00 lightweight locked (lock record in bits 2 and up)
//	10 inflated monitor
//	11 marked: the rest of the word is a forwarding address
type Header uint64

const (
	lockMask     Header = 0x3
	lockedValue  Header = 0x0
	unlockedBits Header = 0x1
	monitorValue Header = 0x2
	markedValue  Header = 0x3
	hashShift           = 8
	lockShift           = 2
)

// Prototype is the header of a freshly allocated, unlocked, unhashed object
const Prototype Header = unlockedBits

// HashedHeader returns an unlocked header carrying an identity hash
func HashedHeader(hash uint64) Header {
	return Header(hash<<hashShift) | unlockedBits
}

// LockedHeader returns a lightweight-locked header pointing at a lock record
func LockedHeader(record uint64) Header {
	return Header(record<<lockShift) | lockedValue
}

// MonitorHeader returns a header pointing at an inflated monitor
func MonitorHeader(monitor uint64) Header {
	return Header(monitor<<lockShift) | monitorValue
}

// ForwardingHeader encodes a forwarding pointer to the given address
func ForwardingHeader(to Addr) Header {
	return Header(to)<<lockShift | markedValue
}

// IsForwarded reports whether the header holds a forwarding pointer
func (h Header) IsForwarded() bool {
	return h&lockMask == markedValue
}

// Forwardee returns the forwarding address; only meaningful if IsForwarded
func (h Header) Forwardee() Addr {
	return Addr(h >> lockShift)
}

// IsUnlocked reports whether the header is in the unlocked state
func (h Header) IsUnlocked() bool {
	return h&lockMask == unlockedBits
}

// Hash returns the identity hash of an unlocked header, 0 if none
func (h Header) Hash() uint64 {
	if !h.IsUnlocked() {
		return 0
	}
	return uint64(h >> hashShift)
}

// MustBePreserved reports whether compaction would lose information held
// in this header. Anything other than the prototype carries a hash or
// lock state.
func (h Header) MustBePreserved() bool {
	return h != Prototype
}

func (h Header) String() string {
	switch h & lockMask {
	case markedValue:
		return fmt.Sprintf("forwarded(%s)", h.Forwardee())
	case lockedValue:
		return fmt.Sprintf("locked(0x%x)", uint64(h>>lockShift))
	case monitorValue:
		return fmt.Sprintf("monitor(0x%x)", uint64(h>>lockShift))
	}
	if h == Prototype {
		return "prototype"
	}
	return fmt.Sprintf("hash(0x%x)", h.Hash())
}

// Kind describes how an object's reference fields are laid out
type Kind uint8

const (
	// KindPlain is an instance with a fixed set of reference fields
	KindPlain Kind = iota
	// KindObjArray is an array of references
	KindObjArray
	// KindTypeArray is an array of primitives with no reference fields
	KindTypeArray
	// KindReference is a reference object; Refs[0] is its referent
	KindReference
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindObjArray:
		return "objarray"
	case KindTypeArray:
		return "typearray"
	case KindReference:
		return "reference"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// RefType is the strength of a reference object
type RefType uint8

const (
	RefNone RefType = iota
	RefSoft
	RefWeak
	RefFinal
	RefPhantom
)

func (t RefType) String() string {
	switch t {
	case RefNone:
		return "none"
	case RefSoft:
		return "soft"
	case RefWeak:
		return "weak"
	case RefFinal:
		return "final"
	case RefPhantom:
		return "phantom"
	}
	return fmt.Sprintf("reftype(%d)", uint8(t))
}

// ReferentField is the index of the referent in a reference object's Refs
const ReferentField = 0

// Object is a single heap object
type Object struct {
	Addr    Addr    // Current start address
	Header  Header  // Mark word
	Class   string  // Class name, for diagnostics only
	Kind    Kind    // Field layout
	RefType RefType // Strength, for KindReference
	Words   int     // Size in words, including header
	Refs    []Addr  // Reference fields or array elements
}

// Len returns the number of reference slots
func (o *Object) Len() int {
	return len(o.Refs)
}

// IsObjArray reports whether the object is an array of references
func (o *Object) IsObjArray() bool {
	return o.Kind == KindObjArray
}

// Bytes returns the object size in bytes
func (o *Object) Bytes() uint64 {
	return uint64(o.Words) * WordSize
}

// End returns the first address past the object
func (o *Object) End() Addr {
	return o.Addr + Addr(o.Bytes())
}

// FieldAddr returns the address of reference slot i
func (o *Object) FieldAddr(i int) Addr {
	off := headerWords + i
	if o.Kind == KindObjArray {
		off++ // length word
	}
	return o.Addr + Addr(off*WordSize)
}

func (o *Object) String() string {
	return fmt.Sprintf("%s %s(%s, %d words)", o.Addr, o.Class, o.Kind, o.Words)
}

// ObjectSpec describes an object to allocate
type ObjectSpec struct {
	Class      string
	Kind       Kind
	RefType    RefType
	Refs       int // Number of reference slots
	ExtraWords int // Primitive payload words
	Header     Header
}

func (s ObjectSpec) words() int {
	w := headerWords + s.Refs + s.ExtraWords
	if s.Kind == KindObjArray || s.Kind == KindTypeArray {
		w++
	}
	return w
}
