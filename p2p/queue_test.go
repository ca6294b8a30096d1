package p2p

import (
	"testing"
	"time"
)

func unlimitedQueue() *messageQueue {
	return newMessageQueue(0, 0, nil)
}

func TestQueueStrictPriorityOrder(t *testing.T) {
	q := unlimitedQueue()
	q.enqueue(PriorityLow, &Message{Kind: MsgKindTxAnn}, nil)
	q.enqueue(PriorityCritical, &Message{Kind: MsgKindBlockData}, nil)
	q.enqueue(PriorityNormal, &Message{Kind: MsgKindTxData}, nil)
	q.enqueue(PriorityHigh, &Message{Kind: MsgKindBlockAnn}, nil)

	want := []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
	for _, expected := range want {
		item, wait := q.pop()
		if item == nil {
			t.Fatalf("queue empty, expected %s", expected)
		}
		if wait != 0 {
			t.Fatalf("unexpected wait %v", wait)
		}
		if item.Priority != expected {
			t.Fatalf("popped %s, want %s", item.Priority, expected)
		}
	}
	if item, _ := q.pop(); item != nil {
		t.Fatalf("queue should be drained")
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := unlimitedQueue()
	first := q.enqueue(PriorityNormal, &Message{Kind: MsgKindPing}, nil)
	second := q.enqueue(PriorityNormal, &Message{Kind: MsgKindPong}, nil)
	third := q.enqueue(PriorityNormal, &Message{Kind: MsgKindStatus}, nil)

	if !(first.ID < second.ID && second.ID < third.ID) {
		t.Fatalf("ids not monotonic: %d %d %d", first.ID, second.ID, third.ID)
	}
	for _, want := range []uint64{first.ID, second.ID, third.ID} {
		item, _ := q.pop()
		if item == nil || item.ID != want {
			t.Fatalf("expected id %d, got %+v", want, item)
		}
	}
}

func TestQueueRateLimitGatesDispatch(t *testing.T) {
	current := time.Unix(1700000000, 0)
	q := newMessageQueue(2, time.Second, func() time.Time { return current })

	for i := 0; i < 3; i++ {
		q.enqueue(PriorityNormal, &Message{Kind: MsgKindPing}, nil)
	}

	if item, _ := q.pop(); item == nil {
		t.Fatalf("first dispatch should pass the limiter")
	}
	if item, _ := q.pop(); item == nil {
		t.Fatalf("second dispatch should pass the limiter")
	}
	item, wait := q.pop()
	if item != nil {
		t.Fatalf("third dispatch should be rate limited")
	}
	if wait <= 0 {
		t.Fatalf("expected positive backoff delay, got %v", wait)
	}

	current = current.Add(wait)
	if item, _ := q.pop(); item == nil {
		t.Fatalf("dispatch should resume after the limiter window")
	}
}

func TestQueueRequeueBounded(t *testing.T) {
	q := unlimitedQueue()
	q.enqueue(PriorityHigh, &Message{Kind: MsgKindBlockData}, nil)

	var item *QueuedMessage
	for attempt := 1; attempt <= queueMaxRetries; attempt++ {
		item, _ = q.pop()
		if item == nil {
			t.Fatalf("attempt %d: queue unexpectedly empty", attempt)
		}
		if item.Retries != uint32(attempt) {
			t.Fatalf("attempt %d recorded %d retries", attempt, item.Retries)
		}
		if attempt < queueMaxRetries {
			if !q.requeue(item) {
				t.Fatalf("attempt %d should requeue", attempt)
			}
		}
	}
	if q.requeue(item) {
		t.Fatalf("message past retry budget should be dropped")
	}
	stats := q.stats()
	if stats.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", stats.Dropped)
	}
}

func TestQueueStats(t *testing.T) {
	q := newMessageQueue(10, time.Second, nil)
	q.enqueue(PriorityLow, &Message{Kind: MsgKindTxAnn}, nil)
	q.enqueue(PriorityCritical, &Message{Kind: MsgKindBlockData}, nil)
	q.enqueue(PriorityCritical, &Message{Kind: MsgKindBlockAnn}, nil)

	stats := q.stats()
	if stats.Depth() != 3 {
		t.Fatalf("depth = %d, want 3", stats.Depth())
	}
	if stats.DepthCritical != 2 || stats.DepthLow != 1 {
		t.Fatalf("unexpected depth split %+v", stats)
	}
	if stats.Enqueued != 3 {
		t.Fatalf("enqueued = %d, want 3", stats.Enqueued)
	}
	if stats.RatePerSec != 10 {
		t.Fatalf("rate = %v, want 10", stats.RatePerSec)
	}
}
