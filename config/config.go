// ABOUTME: TOML configuration for the collector and its logging
// ABOUTME: Loads gc.toml, applies defaults, rejects unknown keys and invalid values

// Package config loads collector settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/prateek/fullgc/mark"
	"github.com/prateek/fullgc/preserve"
)

// ErrInvalid is returned for out-of-range or unknown settings
var ErrInvalid = errors.New("invalid config")

// Config is the whole configuration file
type Config struct {
	GC  GC  `toml:"gc"`
	Log Log `toml:"log"`
}

// GC tunes the collection cycle
type GC struct {
	ParallelWorkers            int  `toml:"parallel_workers"`
	ArrayChunkSize             int  `toml:"array_chunk_size"`
	PreferArraySteals          bool `toml:"prefer_array_steals"`
	PreservedSegmentSize       int  `toml:"preserved_segment_size"`
	PreservedMaxCachedSegments int  `toml:"preserved_max_cached_segments"`
	VerifyBeforeGC             bool `toml:"verify_before_gc"`
	VerifyDuringGC             bool `toml:"verify_during_gc"`
	VerifyAfterGC              bool `toml:"verify_after_gc"`
	VerifyFailuresFatal        bool `toml:"verify_failures_fatal"`
	ClearSoftRefs              bool `toml:"clear_soft_refs"`
}

// Log configures commonlog
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		GC: GC{
			ParallelWorkers:      4,
			ArrayChunkSize:       mark.DefaultChunkSize,
			PreferArraySteals:    true,
			PreservedSegmentSize: preserve.DefaultSegmentSize,
			VerifyAfterGC:        true,
		},
		Log: Log{Verbosity: 1},
	}
}

// Load reads and parses the file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML over the defaults and validates the result
func Parse(data string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	g := c.GC
	switch {
	case g.ParallelWorkers < 1:
		return fmt.Errorf("%w: gc.parallel_workers %d must be at least 1", ErrInvalid, g.ParallelWorkers)
	case g.ArrayChunkSize < 1:
		return fmt.Errorf("%w: gc.array_chunk_size %d must be at least 1", ErrInvalid, g.ArrayChunkSize)
	case g.PreservedSegmentSize < 1:
		return fmt.Errorf("%w: gc.preserved_segment_size %d must be at least 1", ErrInvalid, g.PreservedSegmentSize)
	case g.PreservedMaxCachedSegments < 0:
		return fmt.Errorf("%w: gc.preserved_max_cached_segments %d must not be negative", ErrInvalid, g.PreservedMaxCachedSegments)
	case c.Log.Verbosity < 0:
		return fmt.Errorf("%w: log.verbosity %d must not be negative", ErrInvalid, c.Log.Verbosity)
	}
	return nil
}

// Mark returns the marking settings
func (g GC) Mark() mark.Config {
	return mark.Config{ChunkSize: g.ArrayChunkSize, PreferArraySteals: g.PreferArraySteals}
}

// Preserve returns the preserved-marks settings
func (g GC) Preserve() preserve.Config {
	return preserve.Config{SegmentSize: g.PreservedSegmentSize, MaxCachedSegments: g.PreservedMaxCachedSegments}
}

// LogFile returns the log path for commonlog.Configure, nil for stderr
func (l Log) LogFile() *string {
	if l.File == "" {
		return nil
	}
	return &l.File
}
