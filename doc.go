// Package sketch is an embedded vector-similarity storage engine.
//
// It persists collections of fixed-dimension vectors tagged by 64-bit
// identifiers, organised into catalogs of datasets. Each dataset is
// sharded across N nodes (tag mod N); a node owns a memory-mapped
// fixed-slot record store and a transactional secondary index. Exact
// k-nearest-neighbour search scans every live slot; approximate search
// probes an inverted-file (IVF) index trained with k-means, optionally
// augmented by product-quantisation residual codebooks.
//
// The engine is an explicit value created by the embedder:
//
//	eng, err := sketch.New("/var/lib/sketch",
//	    sketch.WithThreadPoolSize(8),
//	    sketch.WithLogger(sketch.NewTextLogger(slog.LevelInfo)),
//	)
//	if err != nil { ... }
//	defer eng.Close()
//
// All dataset operations fan out per-node work through one shared
// fixed-size thread pool and merge the results; reads and writes on a
// dataset are serialised by a writer-preferred reader/writer lock.
package sketch
