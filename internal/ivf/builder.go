// Package ivf implements the in-memory k-means workspace used to train
// one centroid set: sample collection, k-means++ seeding and Lloyd
// refinement over two ping/pong centroid buffers.
package ivf

import (
	"errors"
	"math/rand"

	"github.com/michaelpopov/sketch/distance"
	"github.com/michaelpopov/sketch/model"
)

// ErrNoSamples is returned when seeding finds no usable sample.
var ErrNoSamples = errors.New("ivf: failed to select initial centroid")

// Builder holds the sampled vectors and the two centroid buffers of one
// training run. Sampled vectors are copied into a dense slab, so the
// builder does not retain references into the node stores.
//
// The coordinator fills sample slots from multiple node workers at
// disjoint index ranges; all other methods are single-threaded.
type Builder struct {
	typ            model.ElemType
	dim            int
	centroidsCount int
	recordsCount   int
	recordSize     int

	samples []byte
	present []bool
	counts  []uint32
	sums    []float64
	cents   [2][]byte
	current int

	rng *rand.Rand
}

// NewBuilder allocates a workspace for training centroidsCount centroids
// over up to recordsCount sampled vectors.
func NewBuilder(typ model.ElemType, dim, centroidsCount, recordsCount int) *Builder {
	recordSize := model.RecordSize(typ, dim)
	b := &Builder{
		typ:            typ,
		dim:            dim,
		centroidsCount: centroidsCount,
		recordsCount:   recordsCount,
		recordSize:     recordSize,
		samples:        make([]byte, recordsCount*recordSize),
		present:        make([]bool, recordsCount),
		counts:         make([]uint32, centroidsCount),
		sums:           make([]float64, centroidsCount*dim),
		rng:            rand.New(rand.NewSource(rand.Int63())),
	}
	b.cents[0] = make([]byte, centroidsCount*recordSize)
	b.cents[1] = make([]byte, centroidsCount*recordSize)
	return b
}

// RecordsCount returns the sample capacity.
func (b *Builder) RecordsCount() int { return b.recordsCount }

// Count returns the number of centroids being trained.
func (b *Builder) Count() int { return b.centroidsCount }

// RecordSize returns the byte width of one vector.
func (b *Builder) RecordSize() int { return b.recordSize }

// SetRecord copies data into sample slot i; nil marks the slot absent
// (a tombstone draw that later steps skip).
func (b *Builder) SetRecord(i int, data []byte) {
	if i < 0 || i >= b.recordsCount {
		return
	}
	if data == nil {
		b.present[i] = false
		return
	}
	copy(b.samples[i*b.recordSize:(i+1)*b.recordSize], data)
	b.present[i] = true
}

// Record returns sample slot i, or nil when the slot is absent.
func (b *Builder) Record(i int) []byte {
	if !b.present[i] {
		return nil
	}
	return b.samples[i*b.recordSize : (i+1)*b.recordSize]
}

// Centroid returns centroid i of the current buffer.
func (b *Builder) Centroid(i int) []byte {
	c := b.cents[b.current]
	return c[i*b.recordSize : (i+1)*b.recordSize]
}

// Counts returns the per-centroid assignment counts of the last
// refinement pass.
func (b *Builder) Counts() []uint32 { return b.counts }

// Release drops the sample slab and centroid buffers.
func (b *Builder) Release() {
	b.samples = nil
	b.present = nil
	b.sums = nil
	b.cents[0] = nil
	b.cents[1] = nil
}

// InitCentroidsKMeansPlusPlus seeds the centroid buffer with k-means++:
// the first centroid uniformly at random, each next one drawn with
// probability proportional to the squared distance to its nearest
// already-chosen centroid. A sample may be chosen more than once.
func (b *Builder) InitCentroidsKMeansPlusPlus() error {
	var first []byte
	for attempt := 0; attempt < b.recordsCount; attempt++ {
		if rec := b.Record(b.rng.Intn(b.recordsCount)); rec != nil {
			first = rec
			break
		}
	}
	if first == nil {
		return ErrNoSamples
	}

	copy(b.Centroid(0), first)
	chosen := 1

	distSq := make([]float64, b.recordsCount)

	for chosen < b.centroidsCount {
		var sumSq float64
		for j := 0; j < b.recordsCount; j++ {
			rec := b.Record(j)
			if rec == nil {
				distSq[j] = 0
				continue
			}
			minDist := -1.0
			for i := 0; i < chosen; i++ {
				d := distance.SquaredL2(b.typ, rec, b.Centroid(i), b.dim)
				if minDist < 0 || d < minDist {
					minDist = d
				}
			}
			distSq[j] = minDist
			sumSq += minDist
		}

		if sumSq == 0 {
			// Every sample already coincides with a centroid; fall back
			// to a uniform draw so seeding still terminates.
			for {
				if rec := b.Record(b.rng.Intn(b.recordsCount)); rec != nil {
					copy(b.Centroid(chosen), rec)
					chosen++
					break
				}
			}
			continue
		}

		threshold := b.rng.Float64() * sumSq
		cumulative := 0.0
		for j := 0; j < b.recordsCount; j++ {
			cumulative += distSq[j]
			if cumulative >= threshold {
				copy(b.Centroid(chosen), b.Record(j))
				chosen++
				break
			}
		}
	}

	return nil
}

// RecalcCentroids performs two Lloyd assignment-update passes
// (ping->pong, pong->ping), leaving the refined set in the current
// buffer. N user-facing refinement passes therefore need N/2+1 calls.
func (b *Builder) RecalcCentroids() {
	b.recalcOnce()
	b.current = 1 - b.current
	b.recalcOnce()
	b.current = 1 - b.current
}

func (b *Builder) recalcOnce() {
	next := b.cents[1-b.current]

	for i := range b.counts {
		b.counts[i] = 0
	}
	for i := range b.sums {
		b.sums[i] = 0
	}

	for j := 0; j < b.recordsCount; j++ {
		rec := b.Record(j)
		if rec == nil {
			continue
		}

		best := 0
		minDist := -1.0
		for i := 0; i < b.centroidsCount; i++ {
			d := distance.SquaredL2(b.typ, rec, b.Centroid(i), b.dim)
			if minDist < 0 || d < minDist {
				minDist = d
				best = i
			}
		}

		distance.AddSums(b.typ, rec, b.sums[best*b.dim:(best+1)*b.dim], b.dim)
		b.counts[best]++
	}

	for i := 0; i < b.centroidsCount; i++ {
		dst := next[i*b.recordSize : (i+1)*b.recordSize]
		if b.counts[i] == 0 {
			copy(dst, b.Centroid(i))
			continue
		}
		distance.DivInto(b.typ, dst, b.sums[i*b.dim:(i+1)*b.dim], b.counts[i], b.dim)
	}
}
