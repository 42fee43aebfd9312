package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/michaelpopov/sketch/model"
)

func TestTopKKeepsSmallest(t *testing.T) {
	pq := NewTopK(3)
	for _, d := range []float64{9, 1, 7, 3, 5} {
		pq.Push(model.DistItem{Dist: d, Tag: uint64(d)})
	}

	assert.Equal(t, 3, pq.Len())

	items := pq.Items()
	assert.Len(t, items, 3)

	// Pop order is worst-first.
	assert.Equal(t, 5.0, items[0].Dist)
	assert.Equal(t, 3.0, items[1].Dist)
	assert.Equal(t, 1.0, items[2].Dist)
}

func TestTopKUnderfilled(t *testing.T) {
	pq := NewTopK(10)
	pq.Push(model.DistItem{Dist: 2, Tag: 1})
	pq.Push(model.DistItem{Dist: 1, Tag: 2})

	items := pq.Items()
	assert.Len(t, items, 2)
	assert.Equal(t, uint64(1), items[0].Tag)
	assert.Equal(t, uint64(2), items[1].Tag)
	assert.Equal(t, 0, pq.Len())
}
