package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/promptledger/internal/models"
	"github.com/ILLUVRSE/promptledger/internal/store"
)

// Claimer is satisfied by store.Store.
type Claimer interface {
	ClaimQueuedExecution(ctx context.Context, startedAt, staleBefore time.Time) (models.Execution, error)
}

// StoreQueue treats the executions table as the queue: rows inserted as queued
// are the messages and claiming one moves it to running. Publish is a no-op.
//
// A claim holds for lease. A row still running after that is assumed abandoned
// and is claimed again, so lease must outlast every attempt of one execution.
// A zero lease never reclaims.
type StoreQueue struct {
	claimer Claimer
	lease   time.Duration
	now     func() time.Time
}

func NewStoreQueue(c Claimer, lease time.Duration) *StoreQueue {
	return &StoreQueue{claimer: c, lease: lease, now: func() time.Time { return time.Now().UTC() }}
}

func (q *StoreQueue) Publish(ctx context.Context, executionID uuid.UUID) error {
	return nil
}

func (q *StoreQueue) Receive(ctx context.Context) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	now := q.now()
	var staleBefore time.Time
	if q.lease > 0 {
		staleBefore = now.Add(-q.lease)
	}
	exec, err := q.claimer.ClaimQueuedExecution(ctx, now, staleBefore)
	if errors.Is(err, store.ErrNotFound) {
		return Delivery{}, ErrEmpty
	}
	if err != nil {
		return Delivery{}, err
	}
	return NewDelivery(exec.ID, nil), nil
}

func (q *StoreQueue) Close() error {
	return nil
}
