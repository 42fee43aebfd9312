// Package mmap wraps the platform memory-mapping primitives used by the
// engine: read-only shared maps for record stores, centroid tables and
// input files, and a read-write shared map for the residuals slab that
// node workers fill concurrently at disjoint offsets.
package mmap
