// ABOUTME: Parser interface for heap fixture formats
// ABOUTME: Defines the contract for pluggable fixture loaders

// Package heapdump loads heap fixtures: descriptions of a heap's objects,
// their fields and the root set, materialized into a heap.Heap that a
// collection can run on.
package heapdump

import (
	"io"

	"github.com/prateek/fullgc/heap"
)

// Parser is the interface for heap fixture parsers
type Parser interface {
	// CanParse checks if this parser can handle the given format.
	// The reader is a preview and holds only the start of the input.
	CanParse(r io.Reader) bool

	// Parse reads the fixture and builds a heap
	Parse(r io.Reader) (*heap.Heap, error)
}
