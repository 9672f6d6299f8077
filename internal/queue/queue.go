// Package queue hands async execution ids from the API to runner workers.
//
// Backends: an in-process channel, Postgres polling over the executions table,
// Redis lists and Kafka topics. Delivery is at-least-once everywhere; the
// execution handler treats a redelivered terminal id as a no-op.
package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendKafka    = "kafka"
)

// ErrEmpty is returned by polling consumers when no work is available right now.
var ErrEmpty = errors.New("queue empty")

// ErrClosed is returned once a consumer has been closed.
var ErrClosed = errors.New("queue closed")

type Publisher interface {
	Publish(ctx context.Context, executionID uuid.UUID) error
}

type Consumer interface {
	// Receive blocks until a delivery is available, ctx ends, or a polling
	// backend finds nothing (ErrEmpty).
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

// Delivery is one execution id handed to a worker. Ack must be called once the
// handler is done with it, successful or not.
type Delivery struct {
	ExecutionID uuid.UUID
	ack         func(ctx context.Context) error
}

func NewDelivery(id uuid.UUID, ack func(ctx context.Context) error) Delivery {
	return Delivery{ExecutionID: id, ack: ack}
}

func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}
