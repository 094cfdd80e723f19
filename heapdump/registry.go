// ABOUTME: Registry for heap fixture parsers
// ABOUTME: Selects the first registered parser that recognizes the input

package heapdump

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/prateek/fullgc/heap"
)

var (
	// ErrNoParser is returned when no parser can handle the fixture format
	ErrNoParser = errors.New("no parser found for fixture format")
)

// previewBytes is how much input CanParse gets to look at
const previewBytes = 4096

type parserRegistry struct {
	mu      sync.RWMutex
	parsers []Parser
}

var registry = &parserRegistry{}

// Register adds a parser to the registry
func Register(p Parser) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.parsers = append(registry.parsers, p)
}

// Open reads a fixture and returns the heap it describes
func Open(r io.Reader) (*heap.Heap, error) {
	preview := make([]byte, previewBytes)
	n, err := io.ReadFull(r, preview)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	preview = preview[:n]

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	for _, parser := range registry.parsers {
		if parser.CanParse(bytes.NewReader(preview)) {
			return parser.Parse(io.MultiReader(bytes.NewReader(preview), r))
		}
	}
	return nil, ErrNoParser
}

// Load opens the fixture file at path
func Load(path string) (*heap.Heap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := Open(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}
