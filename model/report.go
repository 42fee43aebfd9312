package model

import "sync/atomic"

// LoadReport accumulates progress counters of one load operation.
// All node workers of a dataset update the same report concurrently.
type LoadReport struct {
	InputCount       atomic.Uint64
	StagedCount      atomic.Uint64
	StagedReadCount  atomic.Uint64
	AddedCount       atomic.Uint64
	RemovedCount     atomic.Uint64
	UpdatedCount     atomic.Uint64
	NodesCount       atomic.Uint64
	ConversionErrors atomic.Uint64
	ProcessedCount   atomic.Uint64
}
