package p2p

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Priority orders outbound messages. Higher values always drain first;
// within one priority messages leave in enqueue order.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// queueMaxRetries bounds redelivery attempts for targeted messages whose
// peer backlog was full.
const queueMaxRetries = 3

// QueuedMessage is one outbound unit waiting for dispatch.
type QueuedMessage struct {
	ID       uint64
	Priority Priority
	Msg      *Message
	Target   *PeerID // nil broadcasts to every active peer
	Enqueued time.Time
	Retries  uint32
}

// QueueStats is a point-in-time snapshot of the outbound queue.
type QueueStats struct {
	DepthLow      int     `json:"depthLow"`
	DepthNormal   int     `json:"depthNormal"`
	DepthHigh     int     `json:"depthHigh"`
	DepthCritical int     `json:"depthCritical"`
	Enqueued      uint64  `json:"enqueued"`
	Dispatched    uint64  `json:"dispatched"`
	Requeued      uint64  `json:"requeued"`
	Dropped       uint64  `json:"dropped"`
	RatePerSec    float64 `json:"ratePerSec"`
}

// Depth reports the total number of queued messages.
func (s QueueStats) Depth() int {
	return s.DepthLow + s.DepthNormal + s.DepthHigh + s.DepthCritical
}

type msgHeap []*QueuedMessage

func (h msgHeap) Len() int { return len(h) }

func (h msgHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ID < h[j].ID
}

func (h msgHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *msgHeap) Push(x any) { *h = append(*h, x.(*QueuedMessage)) }

func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// messageQueue schedules outbound traffic. Ordering is strict priority with
// FIFO inside each priority; dispatch is metered by a token bucket derived
// from the configured per-window message budget.
type messageQueue struct {
	mu     sync.Mutex
	heap   msgHeap
	nextID uint64

	limiter *rate.Limiter
	now     func() time.Time
	wake    chan struct{}

	enqueued   uint64
	dispatched uint64
	requeued   uint64
	dropped    uint64
}

func newMessageQueue(msgsPerWindow int, window time.Duration, now func() time.Time) *messageQueue {
	if now == nil {
		now = time.Now
	}
	var limiter *rate.Limiter
	if msgsPerWindow > 0 && window > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(msgsPerWindow)/window.Seconds()), msgsPerWindow)
	}
	return &messageQueue{
		limiter: limiter,
		now:     now,
		wake:    make(chan struct{}, 1),
	}
}

// enqueue assigns the next monotonic id and inserts the message.
func (q *messageQueue) enqueue(priority Priority, msg *Message, target *PeerID) *QueuedMessage {
	q.mu.Lock()
	q.nextID++
	item := &QueuedMessage{
		ID:       q.nextID,
		Priority: priority,
		Msg:      msg,
		Target:   target,
		Enqueued: q.now(),
	}
	heap.Push(&q.heap, item)
	q.enqueued++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return item
}

// requeue reinserts a message whose targeted delivery hit a full peer
// backlog. Messages out of retries are dropped instead.
func (q *messageQueue) requeue(item *QueuedMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item.Retries >= queueMaxRetries {
		q.dropped++
		return false
	}
	heap.Push(&q.heap, item)
	q.requeued++
	return true
}

// pop removes the next message once the rate limit admits one. When the
// limiter is saturated it returns (nil, wait) with the delay until the next
// token; an empty queue returns (nil, 0) and the caller blocks on wakeup.
func (q *messageQueue) pop() (*QueuedMessage, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil, 0
	}
	if q.limiter != nil {
		now := q.now()
		res := q.limiter.ReserveN(now, 1)
		if !res.OK() {
			return nil, time.Second
		}
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			return nil, delay
		}
	}
	item := heap.Pop(&q.heap).(*QueuedMessage)
	item.Retries++
	q.dispatched++
	return item, 0
}

// wakeup returns the channel signalled whenever new work arrives.
func (q *messageQueue) wakeup() <-chan struct{} { return q.wake }

func (q *messageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

func (q *messageQueue) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := QueueStats{
		Enqueued:   q.enqueued,
		Dispatched: q.dispatched,
		Requeued:   q.requeued,
		Dropped:    q.dropped,
	}
	if q.limiter != nil {
		stats.RatePerSec = float64(q.limiter.Limit())
	}
	for _, item := range q.heap {
		switch item.Priority {
		case PriorityLow:
			stats.DepthLow++
		case PriorityNormal:
			stats.DepthNormal++
		case PriorityHigh:
			stats.DepthHigh++
		case PriorityCritical:
			stats.DepthCritical++
		}
	}
	return stats
}
