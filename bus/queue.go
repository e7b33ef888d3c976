package bus

import (
	"container/heap"
	"time"

	"github.com/whitecloud343/multi-ai-agents/types"
)

// queuedMessage wraps a message with its delivery bookkeeping. The effective
// priority starts at the message's own tier and is raised by aging sweeps.
type queuedMessage struct {
	msg        *types.Message
	effective  types.Priority
	enqueuedAt time.Time
	seq        uint64
	index      int
}

// messageHeap orders by effective priority (higher first), then by sequence
// number so delivery is FIFO within a tier.
type messageHeap []*queuedMessage

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].effective != h[j].effective {
		return h[i].effective > h[j].effective
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *messageHeap) Push(x any) {
	qm := x.(*queuedMessage)
	qm.index = len(*h)
	*h = append(*h, qm)
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	qm := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return qm
}

// recipientQueue is the bounded per-agent delivery queue.
type recipientQueue struct {
	heap     messageHeap
	capacity int
	// notify wakes a blocked consumer; capacity 1 so signals coalesce.
	notify chan struct{}
}

func newRecipientQueue(capacity int) *recipientQueue {
	return &recipientQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push enqueues under the bus lock. Returns false when the queue is full.
func (q *recipientQueue) push(qm *queuedMessage) bool {
	if len(q.heap) >= q.capacity {
		return false
	}
	heap.Push(&q.heap, qm)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop dequeues the highest-priority message, nil when empty.
func (q *recipientQueue) pop() *types.Message {
	if len(q.heap) == 0 {
		return nil
	}
	qm := heap.Pop(&q.heap).(*queuedMessage)
	return qm.msg
}

// age raises the effective priority of every message waiting beyond the
// threshold. The wait clock resets on each bump so a message climbs one
// tier per threshold elapsed rather than jumping straight to urgent.
func (q *recipientQueue) age(now time.Time, threshold time.Duration) int {
	bumped := 0
	for _, qm := range q.heap {
		if qm.effective >= types.PriorityUrgent {
			continue
		}
		if now.Sub(qm.enqueuedAt) >= threshold {
			qm.effective++
			qm.enqueuedAt = now
			bumped++
		}
	}
	if bumped > 0 {
		heap.Init(&q.heap)
	}
	return bumped
}
