// Package pipe provides the bounded hand-off queues between pipeline
// stages. Overflow never blocks a producer: the update queue keeps the
// newest value per (source, symbol) pair, and the aggregate queue keeps
// the latest value per feed.
package pipe

import (
	"sync"

	"github.com/pulsefeed/pulsefeed/internal/models"
)

// UpdateQueue is the adapter-to-manager sink. Each (source, symbol) pair
// holds at most one pending update; pushing a newer update for a pending
// pair replaces it, dropping the older one. Pairs drain in first-pending
// order, so per-pair delivery order follows arrival order.
type UpdateQueue struct {
	mu       sync.Mutex
	pending  map[string]models.PriceUpdate
	order    []string
	capacity int
	dropped  int64
	notify   chan struct{}
}

// NewUpdateQueue creates a queue bounded to capacity distinct pending
// pairs.
func NewUpdateQueue(capacity int) *UpdateQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &UpdateQueue{
		pending:  make(map[string]models.PriceUpdate),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

func updateKey(u models.PriceUpdate) string {
	return u.Source + "|" + u.Symbol
}

// Push enqueues an update without blocking. A pending update for the same
// pair is replaced; when the queue is full the oldest pending pair is
// evicted.
func (q *UpdateQueue) Push(u models.PriceUpdate) {
	key := updateKey(u)

	q.mu.Lock()
	if _, ok := q.pending[key]; ok {
		q.pending[key] = u
		q.dropped++
	} else {
		if len(q.order) >= q.capacity {
			oldest := q.order[0]
			q.order = q.order[1:]
			delete(q.pending, oldest)
			q.dropped++
		}
		q.pending[key] = u
		q.order = append(q.order, key)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest pending update.
func (q *UpdateQueue) Pop() (models.PriceUpdate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return models.PriceUpdate{}, false
	}
	key := q.order[0]
	q.order = q.order[1:]
	u := q.pending[key]
	delete(q.pending, key)
	return u, true
}

// Notify signals when the queue transitions from empty to non-empty. A
// consumer drains with Pop until it returns false, then waits again.
func (q *UpdateQueue) Notify() <-chan struct{} { return q.notify }

// Len returns the number of pending pairs.
func (q *UpdateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Dropped returns how many updates were discarded by coalescing or
// capacity eviction.
func (q *UpdateQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// AggregateQueue is the aggregator-to-cache hand-off. Only the latest
// aggregate per feed is retained; an older aggregate never replaces a
// newer one.
type AggregateQueue struct {
	mu     sync.Mutex
	latest map[models.FeedID]models.AggregatedPrice
	order  []models.FeedID
	notify chan struct{}
}

// NewAggregateQueue creates an empty aggregate queue.
func NewAggregateQueue() *AggregateQueue {
	return &AggregateQueue{
		latest: make(map[models.FeedID]models.AggregatedPrice),
		notify: make(chan struct{}, 1),
	}
}

// Push stores the aggregate as the pending value for its feed unless a
// newer one is already pending.
func (q *AggregateQueue) Push(ap models.AggregatedPrice) {
	q.mu.Lock()
	if cur, ok := q.latest[ap.Feed]; ok {
		if ap.Timestamp >= cur.Timestamp {
			q.latest[ap.Feed] = ap
		}
	} else {
		q.latest[ap.Feed] = ap
		q.order = append(q.order, ap.Feed)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns all pending aggregates in first-pending order.
func (q *AggregateQueue) Drain() []models.AggregatedPrice {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return nil
	}
	out := make([]models.AggregatedPrice, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.latest[id])
		delete(q.latest, id)
	}
	q.order = q.order[:0]
	return out
}

// Notify signals when the queue has pending aggregates.
func (q *AggregateQueue) Notify() <-chan struct{} { return q.notify }

// Len returns the number of feeds with a pending aggregate.
func (q *AggregateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
