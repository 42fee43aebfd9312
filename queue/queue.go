// Package queue implements the bounded distance heaps used to collect
// top-k candidates during kNN/ANN scans and nprobe selection.
package queue

import (
	"container/heap"

	"github.com/michaelpopov/sketch/model"
)

// Compile time check to ensure distHeap satisfies the heap interface.
var _ heap.Interface = (*distHeap)(nil)

type distHeap []model.DistItem

func (h distHeap) Len() int { return len(h) }

// Max-heap by distance: the root is the worst candidate kept so far.
func (h distHeap) Less(i, j int) bool { return h[i].Dist > h[j].Dist }

func (h distHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *distHeap) Push(x any) { *h = append(*h, x.(model.DistItem)) }

func (h *distHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TopK keeps the k items with the smallest distance seen so far.
type TopK struct {
	h distHeap
	k int
}

// NewTopK creates a collector bounded to k items.
func NewTopK(k int) *TopK {
	return &TopK{h: make(distHeap, 0, k+1), k: k}
}

// Push offers an item; if the collector is full the worst item is dropped.
func (t *TopK) Push(item model.DistItem) {
	heap.Push(&t.h, item)
	if t.h.Len() > t.k {
		heap.Pop(&t.h)
	}
}

// Len returns the number of items currently kept.
func (t *TopK) Len() int { return t.h.Len() }

// Items drains the collector. The returned slice is in pop order,
// worst distance first; callers that need a global order re-sort.
func (t *TopK) Items() []model.DistItem {
	items := make([]model.DistItem, 0, t.h.Len())
	for t.h.Len() > 0 {
		items = append(items, heap.Pop(&t.h).(model.DistItem))
	}
	return items
}
