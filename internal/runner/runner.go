// Package runner executes queued executions with bounded retries.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/promptledger/internal/apperrors"
	"github.com/ILLUVRSE/promptledger/internal/logger"
	"github.com/ILLUVRSE/promptledger/internal/queue"
)

// Handler runs one attempt of an execution. final marks the last attempt, on
// which a failure must be recorded.
type Handler interface {
	ProcessExecution(ctx context.Context, id uuid.UUID, final bool) error
}

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	// Attempt n waits min(RetryBase*2^n, RetryMax) before the next one.
	RetryBase  time.Duration
	RetryMax   time.Duration
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 20 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

type Runner struct {
	handler  Handler
	consumer queue.Consumer
	log      *logger.Logger
	cfg      Config
}

func New(handler Handler, consumer queue.Consumer, log *logger.Logger, cfg Config) *Runner {
	return &Runner{
		handler:  handler,
		consumer: consumer,
		log:      logger.OrNop(log).With(logger.FieldComponent, "runner"),
		cfg:      cfg.withDefaults(),
	}
}

// Run starts Concurrency workers and blocks until ctx is cancelled or the
// consumer is closed.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("runner started", "concurrency", r.cfg.Concurrency, "max_retries", r.cfg.MaxRetries)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			return r.work(ctx, worker)
		})
	}
	err := g.Wait()
	r.log.Info("runner stopped")
	return err
}

func (r *Runner) work(ctx context.Context, worker int) error {
	log := r.log.With("worker", worker)
	for {
		if ctx.Err() != nil {
			return nil
		}
		d, err := r.consumer.Receive(ctx)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, queue.ErrEmpty):
			if !sleep(ctx, r.cfg.PollInterval) {
				return nil
			}
			continue
		default:
			log.Error("receive failed", "error", err)
			if !sleep(ctx, r.cfg.PollInterval) {
				return nil
			}
			continue
		}

		if err := r.Handle(ctx, d.ExecutionID); err != nil {
			log.Warn("execution finished with error",
				logger.FieldExecutionID, d.ExecutionID.String(),
				logger.FieldErrorType, apperrors.KindOf(err),
				"error", err,
			)
		}
		if err := d.Ack(ctx); err != nil {
			log.Error("ack failed", logger.FieldExecutionID, d.ExecutionID.String(), "error", err)
		}
	}
}

// Handle drives one execution through at most MaxRetries+1 attempts.
func (r *Runner) Handle(ctx context.Context, id uuid.UUID) error {
	maxTries := r.cfg.MaxRetries + 1
	attempt := 0
	log := r.log.With(logger.FieldExecutionID, id.String())

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     r.cfg.RetryBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.cfg.RetryMax,
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		final := attempt >= maxTries
		log.Debug("execution attempt", logger.FieldAttempt, attempt, "final", final)
		err := r.handler.ProcessExecution(ctx, id, final)
		if err == nil {
			return struct{}{}, nil
		}
		if final || !apperrors.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Info("retrying execution", logger.FieldAttempt, attempt, "delay", next.String(), "error", err)
		}),
	)
	if err != nil {
		log.Error("execution failed", logger.FieldAttempt, attempt, logger.FieldErrorType, apperrors.KindOf(err))
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
