// ABOUTME: Root fullgc package providing version information and package documentation
// ABOUTME: This is the root package for the parallel full collector

// Package fullgc is a parallel mark-compact collector for a simulated
// region-based heap. Workers mark the live graph with work stealing,
// preserve the headers that forwarding overwrites, slide live objects
// into compacted regions and restore the preserved headers in parallel.
package fullgc

// Version is the semantic version of the fullgc tool
const Version = "0.1.0-dev"
