package scheduler

import "container/heap"

// queueItem is a pending task in the priority queue.
type queueItem struct {
	id       string
	priority int
	sequence uint64
	index    int
}

// priorityHeap orders by priority descending, then sequence ascending so
// equal priorities stay FIFO.
type priorityHeap []*queueItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].sequence < h[j].sequence
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// pendingQueue wraps priorityHeap. It is not safe for concurrent use; the
// scheduler lock guards it.
type pendingQueue struct {
	h priorityHeap
}

func (q *pendingQueue) push(id string, priority int, seq uint64) {
	heap.Push(&q.h, &queueItem{id: id, priority: priority, sequence: seq})
}

func (q *pendingQueue) pop() (*queueItem, bool) {
	if len(q.h) == 0 {
		return nil, false
	}
	return heap.Pop(&q.h).(*queueItem), true
}

func (q *pendingQueue) restore(item *queueItem) {
	heap.Push(&q.h, item)
}

func (q *pendingQueue) len() int { return len(q.h) }
