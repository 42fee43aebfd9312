package ivf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelpopov/sketch/distance"
	"github.com/michaelpopov/sketch/model"
)

func f32Record(values ...float64) []byte {
	b := make([]byte, model.RecordSize(model.F32, len(values)))
	for i, v := range values {
		distance.PutElem(model.F32, b, i, v)
	}
	return b
}

func TestSetRecordCopiesData(t *testing.T) {
	b := NewBuilder(model.F32, 2, 1, 2)

	src := f32Record(1, 2)
	b.SetRecord(0, src)
	src[0] = 0xFF

	got := b.Record(0)
	require.NotNil(t, got)
	assert.Equal(t, 1.0, distance.Elem(model.F32, got, 0))

	assert.Nil(t, b.Record(1))
	b.SetRecord(1, f32Record(3, 4))
	b.SetRecord(1, nil)
	assert.Nil(t, b.Record(1))
}

func TestSeedingRequiresSamples(t *testing.T) {
	b := NewBuilder(model.F32, 2, 2, 4)
	assert.ErrorIs(t, b.InitCentroidsKMeansPlusPlus(), ErrNoSamples)
}

func TestSeedingSeparatesDistinctClusters(t *testing.T) {
	// Two point masses: with all same-cluster distances exactly zero,
	// the k-means++ weighted draw must pick the second centroid from
	// the other mass.
	b := NewBuilder(model.F32, 2, 2, 8)
	for i := 0; i < 4; i++ {
		b.SetRecord(i, f32Record(0, 0))
	}
	for i := 4; i < 8; i++ {
		b.SetRecord(i, f32Record(10, 10))
	}

	require.NoError(t, b.InitCentroidsKMeansPlusPlus())

	c0 := distance.Elem(model.F32, b.Centroid(0), 0)
	c1 := distance.Elem(model.F32, b.Centroid(1), 0)
	assert.ElementsMatch(t, []float64{0, 10}, []float64{c0, c1})
}

func TestRecalcConvergesToClusterMeans(t *testing.T) {
	b := NewBuilder(model.F32, 2, 2, 8)
	b.SetRecord(0, f32Record(0, 0))
	b.SetRecord(1, f32Record(2, 0))
	b.SetRecord(2, f32Record(0, 2))
	b.SetRecord(3, f32Record(2, 2))
	b.SetRecord(4, f32Record(10, 10))
	b.SetRecord(5, f32Record(12, 10))
	b.SetRecord(6, f32Record(10, 12))
	b.SetRecord(7, f32Record(12, 12))

	require.NoError(t, b.InitCentroidsKMeansPlusPlus())
	b.RecalcCentroids()
	b.RecalcCentroids()

	means := make([][2]float64, b.Count())
	for i := range means {
		c := b.Centroid(i)
		means[i] = [2]float64{
			distance.Elem(model.F32, c, 0),
			distance.Elem(model.F32, c, 1),
		}
	}
	assert.ElementsMatch(t, [][2]float64{{1, 1}, {11, 11}}, means)

	counts := b.Counts()
	assert.Equal(t, uint32(4), counts[0])
	assert.Equal(t, uint32(4), counts[1])
}

func TestRecalcSkipsAbsentSamples(t *testing.T) {
	b := NewBuilder(model.F32, 2, 1, 4)
	b.SetRecord(0, f32Record(2, 2))
	b.SetRecord(1, f32Record(4, 4))
	// Slots 2 and 3 stay absent (tombstone draws).

	require.NoError(t, b.InitCentroidsKMeansPlusPlus())
	b.RecalcCentroids()

	c := b.Centroid(0)
	assert.Equal(t, 3.0, distance.Elem(model.F32, c, 0))
	assert.Equal(t, 3.0, distance.Elem(model.F32, c, 1))
	assert.Equal(t, uint32(2), b.Counts()[0])
}

func TestEmptyCentroidKeepsPreviousValue(t *testing.T) {
	// Two identical samples, two centroids: both samples go to centroid
	// 0, so the unassigned centroid must carry its previous value through
	// both Lloyd passes.
	b := NewBuilder(model.F32, 2, 2, 2)
	b.SetRecord(0, f32Record(5, 5))
	b.SetRecord(1, f32Record(5, 5))

	require.NoError(t, b.InitCentroidsKMeansPlusPlus())
	b.RecalcCentroids()

	c0 := b.Centroid(0)
	assert.Equal(t, 5.0, distance.Elem(model.F32, c0, 0))
	c1 := b.Centroid(1)
	assert.Equal(t, 5.0, distance.Elem(model.F32, c1, 0))
}

func TestBuilderIsCentroidSource(t *testing.T) {
	b := NewBuilder(model.F32, 4, 3, 10)
	assert.Equal(t, 3, b.Count())
	assert.Equal(t, model.RecordSize(model.F32, 4), b.RecordSize())
	assert.Equal(t, 10, b.RecordsCount())
}
