package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryQueue is a buffered channel shared by publisher and consumers in one process.
type MemoryQueue struct {
	ch        chan uuid.UUID
	closeOnce sync.Once
	done      chan struct{}
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan uuid.UUID, size), done: make(chan struct{})}
}

func (q *MemoryQueue) Publish(ctx context.Context, executionID uuid.UUID) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- executionID:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Receive(ctx context.Context) (Delivery, error) {
	select {
	case id := <-q.ch:
		return NewDelivery(id, nil), nil
	case <-q.done:
		return Delivery{}, ErrClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// Len reports how many ids are waiting.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
