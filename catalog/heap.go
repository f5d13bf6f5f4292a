package catalog

import "github.com/use-agent/pageengine/models"

// priorityHeap is a container/heap.Interface over ResourceRecord ordered by
// the resource priority tuple.
type priorityHeap []models.ResourceRecord

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	return models.Less(h[i].Priority, h[j].Priority, h[i].InsertionSeq, h[j].InsertionSeq)
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) {
	*h = append(*h, x.(models.ResourceRecord))
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
