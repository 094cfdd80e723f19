// ABOUTME: JSON heap fixture parser
// ABOUTME: Allocates the listed objects, resolves fixture ids to addresses and sets the roots

package heapdump

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/prateek/fullgc/heap"
)

// ErrInvalidFixture is returned for fixtures that do not describe a
// consistent heap
var ErrInvalidFixture = errors.New("invalid heap fixture")

// JSONFixture parses JSON heap fixtures:
//
//	{
//	  "heap": {"region_count": 16, "region_bytes": 65536},
//	  "objects": [
//	    {"id": 1, "class": "Node", "region": "old", "refs": [2, 0], "hash": 7},
//	    {"id": 2, "class": "Node[]", "kind": "objarray", "refs": [1]}
//	  ],
//	  "roots": [1]
//	}
//
// Ids are local to the fixture; 0 in refs is a null field.
type JSONFixture struct{}

type jsonFixture struct {
	Heap    heap.Config  `json:"heap"`
	Objects []jsonObject `json:"objects"`
	Roots   []uint64     `json:"roots"`
}

type jsonObject struct {
	ID         uint64   `json:"id"`
	Class      string   `json:"class"`
	Kind       string   `json:"kind"`
	Region     string   `json:"region"`
	RefType    string   `json:"ref_type"`
	ExtraWords int      `json:"extra_words"`
	Hash       uint64   `json:"hash"`
	Locked     uint64   `json:"locked"`
	Refs       []uint64 `json:"refs"`
}

var (
	kinds = map[string]heap.Kind{
		"": heap.KindPlain, "plain": heap.KindPlain, "objarray": heap.KindObjArray,
		"typearray": heap.KindTypeArray, "reference": heap.KindReference,
	}
	regionKinds = map[string]heap.RegionKind{
		"": heap.RegionEden, "eden": heap.RegionEden, "survivor": heap.RegionSurvivor, "old": heap.RegionOld,
	}
	refTypes = map[string]heap.RefType{
		"": heap.RefNone, "soft": heap.RefSoft, "weak": heap.RefWeak, "final": heap.RefFinal, "phantom": heap.RefPhantom,
	}
)

// CanParse checks if the input looks like a JSON object with objects
func (p *JSONFixture) CanParse(r io.Reader) bool {
	buf, err := io.ReadAll(io.LimitReader(r, previewBytes))
	if err != nil {
		return false
	}
	buf = bytes.TrimSpace(buf)
	return len(buf) > 0 && buf[0] == '{' && bytes.Contains(buf, []byte(`"objects"`))
}

// Parse reads the fixture and builds the heap it describes
func (p *JSONFixture) Parse(r io.Reader) (*heap.Heap, error) {
	fx := jsonFixture{Heap: heap.DefaultConfig()}
	if err := json.NewDecoder(r).Decode(&fx); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	h, err := heap.New(fx.Heap)
	if err != nil {
		return nil, err
	}

	byID := make(map[uint64]*heap.Object, len(fx.Objects))
	for i, o := range fx.Objects {
		if o.ID == 0 {
			return nil, fmt.Errorf("%w: object at index %d missing id", ErrInvalidFixture, i)
		}
		if _, dup := byID[o.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate object id %d", ErrInvalidFixture, o.ID)
		}
		obj, err := allocate(h, o)
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", o.ID, err)
		}
		byID[o.ID] = obj
	}

	resolve := func(id uint64) (heap.Addr, error) {
		if id == 0 {
			return heap.Null, nil
		}
		obj, ok := byID[id]
		if !ok {
			return heap.Null, fmt.Errorf("%w: reference to unknown object %d", ErrInvalidFixture, id)
		}
		return obj.Addr, nil
	}
	for _, o := range fx.Objects {
		obj := byID[o.ID]
		for i, id := range o.Refs {
			if obj.Refs[i], err = resolve(id); err != nil {
				return nil, fmt.Errorf("object %d field %d: %w", o.ID, i, err)
			}
		}
	}
	for i, id := range fx.Roots {
		addr, err := resolve(id)
		if err != nil {
			return nil, fmt.Errorf("root %d: %w", i, err)
		}
		h.AddRoot(addr)
	}
	return h, nil
}

func allocate(h *heap.Heap, o jsonObject) (*heap.Object, error) {
	kind, ok := kinds[o.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidFixture, o.Kind)
	}
	region, ok := regionKinds[o.Region]
	if !ok {
		return nil, fmt.Errorf("%w: unknown region %q", ErrInvalidFixture, o.Region)
	}
	refType, ok := refTypes[o.RefType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown reference type %q", ErrInvalidFixture, o.RefType)
	}
	if (kind == heap.KindReference) != (refType != heap.RefNone) {
		return nil, fmt.Errorf("%w: ref_type %q on %s object", ErrInvalidFixture, o.RefType, kind)
	}
	if kind == heap.KindTypeArray && len(o.Refs) > 0 {
		return nil, fmt.Errorf("%w: primitive array with reference fields", ErrInvalidFixture)
	}
	if o.ExtraWords < 0 {
		return nil, fmt.Errorf("%w: negative extra_words %d", ErrInvalidFixture, o.ExtraWords)
	}
	if o.Hash != 0 && o.Locked != 0 {
		return nil, fmt.Errorf("%w: object both hashed and locked", ErrInvalidFixture)
	}

	spec := heap.ObjectSpec{
		Class:      o.Class,
		Kind:       kind,
		RefType:    refType,
		Refs:       len(o.Refs),
		ExtraWords: o.ExtraWords,
	}
	switch {
	case o.Hash != 0:
		spec.Header = heap.HashedHeader(o.Hash)
	case o.Locked != 0:
		spec.Header = heap.LockedHeader(o.Locked)
	}
	return h.Allocate(region, spec)
}

func init() {
	Register(&JSONFixture{})
}
