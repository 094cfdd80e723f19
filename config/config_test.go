// ABOUTME: Tests for TOML configuration loading
// ABOUTME: Covers defaults, overrides, unknown keys and range validation

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if cfg.GC.PreservedMaxCachedSegments != 0 {
		t.Errorf("Expected no cached segments by default, got %d", cfg.GC.PreservedMaxCachedSegments)
	}
	if cfg.Log.LogFile() != nil {
		t.Error("Expected stderr logging by default")
	}
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse(`
[gc]
parallel_workers = 8
array_chunk_size = 64
prefer_array_steals = false
preserved_segment_size = 16
preserved_max_cached_segments = 2
verify_during_gc = true
verify_failures_fatal = true
clear_soft_refs = true

[log]
verbosity = 2
file = "gc.log"
`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	g := cfg.GC
	if g.ParallelWorkers != 8 || g.ArrayChunkSize != 64 || g.PreferArraySteals {
		t.Errorf("Unexpected gc settings %+v", g)
	}
	if !g.VerifyAfterGC {
		t.Error("Unset keys should keep their defaults")
	}
	if m := g.Mark(); m.ChunkSize != 64 || m.PreferArraySteals {
		t.Errorf("Unexpected mark config %+v", m)
	}
	if p := g.Preserve(); p.SegmentSize != 16 || p.MaxCachedSegments != 2 {
		t.Errorf("Unexpected preserve config %+v", p)
	}
	if f := cfg.Log.LogFile(); f == nil || *f != "gc.log" {
		t.Errorf("Unexpected log file %v", f)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		invalid bool
	}{
		{name: "syntax", input: "[gc\n"},
		{name: "wrong type", input: "[gc]\nparallel_workers = \"many\"\n"},
		{name: "unknown key", input: "[gc]\nparallel_threads = 2\n", invalid: true},
		{name: "unknown table", input: "[heap]\nsize = 2\n", invalid: true},
		{name: "zero workers", input: "[gc]\nparallel_workers = 0\n", invalid: true},
		{name: "zero chunk", input: "[gc]\narray_chunk_size = 0\n", invalid: true},
		{name: "zero segment", input: "[gc]\npreserved_segment_size = 0\n", invalid: true},
		{name: "negative cache", input: "[gc]\npreserved_max_cached_segments = -1\n", invalid: true},
		{name: "negative verbosity", input: "[log]\nverbosity = -1\n", invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if err == nil {
				t.Fatal("Expected an error")
			}
			if got := errors.Is(err, ErrInvalid); got != tt.invalid {
				t.Errorf("errors.Is(err, ErrInvalid) = %v, want %v: %v", got, tt.invalid, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.toml")
	if err := os.WriteFile(path, []byte("[gc]\nparallel_workers = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GC.ParallelWorkers != 2 {
		t.Errorf("Expected 2 workers, got %d", cfg.GC.ParallelWorkers)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected a not-exist error, got %v", err)
	}
}
