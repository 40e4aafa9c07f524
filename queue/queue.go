// Package queue provides the heap used by graph search.
//
// Items order by distance and then by key, so equal distances resolve
// deterministically in favour of the lower key.
package queue

import "container/heap"

// Compile time check to ensure PriorityQueue satisfies the heap interface.
var _ heap.Interface = (*PriorityQueue)(nil)

// PriorityQueueItem represents an item in the priority queue.
type PriorityQueueItem struct {
	Node     uint32  // Node is the graph-local ordinal.
	Key      uint64  // Key is the external id used to break distance ties.
	Distance float32 // Distance is the priority of the item in the queue.
	Index    int     // Index is maintained by the heap.Interface methods.
}

// PriorityQueue implements heap.Interface and holds PriorityQueueItems.
//
// With Order false the top is the closest item (lowest key on ties).
// With Order true the top is the farthest item (highest key on ties).
type PriorityQueue struct {
	Order bool
	Items []*PriorityQueueItem
}

// NewMin returns an empty queue whose top is the closest item.
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{Items: make([]*PriorityQueueItem, 0, capacity)}
}

// NewMax returns an empty queue whose top is the farthest item.
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{Order: true, Items: make([]*PriorityQueueItem, 0, capacity)}
}

// Len returns the number of elements in the priority queue.
func (pq *PriorityQueue) Len() int { return len(pq.Items) }

// Less reports whether the element with index i should sort before the element with index j.
func (pq *PriorityQueue) Less(i, j int) bool {
	a, b := pq.Items[i], pq.Items[j]
	if pq.Order {
		return Closer(b, a)
	}
	return Closer(a, b)
}

// Closer reports whether a ranks before b: smaller distance, then smaller key.
func Closer(a, b *PriorityQueueItem) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Key < b.Key
}

// Swap swaps the elements with indexes i and j.
func (pq *PriorityQueue) Swap(i, j int) {
	pq.Items[i], pq.Items[j] = pq.Items[j], pq.Items[i]
	pq.Items[i].Index, pq.Items[j].Index = i, j
}

// Push adds x to the priority queue.
func (pq *PriorityQueue) Push(x any) {
	item, _ := x.(*PriorityQueueItem)
	item.Index = len(pq.Items)
	pq.Items = append(pq.Items, item)
}

// Pop removes and returns the last element of the backing slice. Use heap.Pop.
func (pq *PriorityQueue) Pop() any {
	if len(pq.Items) == 0 {
		return nil
	}

	old := pq.Items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	pq.Items = old[:n-1]

	return item
}

// Top returns the top element of the priority queue.
func (pq *PriorityQueue) Top() *PriorityQueueItem {
	return pq.Items[0]
}

// PushItem is heap.Push with a typed argument.
func (pq *PriorityQueue) PushItem(node uint32, key uint64, dist float32) {
	heap.Push(pq, &PriorityQueueItem{Node: node, Key: key, Distance: dist})
}

// PopItem is heap.Pop with a typed result.
func (pq *PriorityQueue) PopItem() *PriorityQueueItem {
	return heap.Pop(pq).(*PriorityQueueItem)
}
