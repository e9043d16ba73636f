package coding

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process BillingQueue for development and tests.
type MemoryQueue struct {
	mu      sync.Mutex
	batches []*ChargeBatch
	seen    map[string]bool
	// Err, when set, is returned by Enqueue instead of accepting the batch.
	Err error
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{seen: make(map[string]bool)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, b *ChargeBatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	key := b.id.String()
	if q.seen[key] {
		return ErrDuplicateSubmission
	}
	q.seen[key] = true
	q.batches = append(q.batches, b)
	return nil
}

// Pending returns the accepted batches in arrival order.
func (q *MemoryQueue) Pending() []*ChargeBatch {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*ChargeBatch(nil), q.batches...)
}
