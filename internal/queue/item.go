package queue

import (
	"container/heap"

	"github.com/ivarela/postilion/internal/message"
)

// Item is one message scheduled within a Queue.
type Item struct {
	Msg *message.Message

	// index is maintained by container/heap.
	index int
}

// scheduledHeap orders Items by next_due ascending, then received_at
// ascending, then SpoolId lexicographically, so that messages due at the
// same instant are processed in a stable, deterministic order.
type scheduledHeap []*Item

func (h scheduledHeap) Len() int { return len(h) }

func (h scheduledHeap) Less(i, j int) bool {
	a, b := h[i].Msg, h[j].Msg
	if !a.NextDue.Equal(b.NextDue) {
		return a.NextDue.Before(b.NextDue)
	}
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.SpoolId < b.SpoolId
}

func (h scheduledHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *scheduledHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *scheduledHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*scheduledHeap)(nil)
