package prefetch

import "github.com/use-agent/pageengine/models"

// itemHeap is a container/heap.Interface over *item, ordered by the same
// priority tuple as the ResourceCatalog's heap.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	return models.Less(h[i].priority, h[j].priority, h[i].seq, h[j].seq)
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) {
	*h = append(*h, x.(*item))
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
