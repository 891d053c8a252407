package wsched

import (
	"container/heap"

	"github.com/jhoblitt/qserv/pkg/wbase"
)

// slowTableHeap is a container/heap.Interface ordering tasks
// slowest-scan-rate-first, FIFO within a class.
type slowTableHeap []*wbase.Task

func (h slowTableHeap) Len() int            { return len(h) }
func (h slowTableHeap) Less(i, j int) bool  { return wbase.Less(h[i], h[j]) }
func (h slowTableHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *slowTableHeap) Push(x interface{}) { *h = append(*h, x.(*wbase.Task)) }
func (h *slowTableHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// erase removes t from the heap if present, re-heapifying. Reports
// whether t was found.
func (h *slowTableHeap) erase(t *wbase.Task) bool {
	for i, cand := range *h {
		if cand == t {
			heap.Remove(h, i)
			return true
		}
	}
	return false
}
