package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/promptledger/internal/apperrors"
	"github.com/ILLUVRSE/promptledger/internal/logger"
	"github.com/ILLUVRSE/promptledger/internal/queue"
)

type scriptedHandler struct {
	mu     sync.Mutex
	errs   []error
	finals []bool
	ids    []uuid.UUID
	done   chan uuid.UUID
}

func (h *scriptedHandler) ProcessExecution(ctx context.Context, id uuid.UUID, final bool) error {
	h.mu.Lock()
	h.finals = append(h.finals, final)
	h.ids = append(h.ids, id)
	var err error
	if len(h.errs) > 0 {
		err = h.errs[0]
		h.errs = h.errs[1:]
	}
	h.mu.Unlock()
	if err == nil && h.done != nil {
		h.done <- id
	}
	return err
}

func fastConfig() Config {
	return Config{RetryBase: time.Millisecond, RetryMax: 4 * time.Millisecond, MaxRetries: 3, PollInterval: time.Millisecond}
}

func retryable() error {
	return apperrors.NewProviderError("static", 503, nil, "busy")
}

func TestHandleRetriesUntilSuccess(t *testing.T) {
	h := &scriptedHandler{errs: []error{retryable(), retryable()}}
	r := New(h, nil, logger.Nop(), fastConfig())

	require.NoError(t, r.Handle(context.Background(), uuid.New()))
	assert.Equal(t, []bool{false, false, false}, h.finals)
}

func TestHandleMarksLastAttemptFinal(t *testing.T) {
	h := &scriptedHandler{errs: []error{retryable(), retryable(), retryable(), retryable()}}
	r := New(h, nil, logger.Nop(), fastConfig())

	err := r.Handle(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, "busy", err.Error())
	assert.Equal(t, []bool{false, false, false, true}, h.finals)
}

func TestHandleStopsOnPermanentError(t *testing.T) {
	h := &scriptedHandler{errs: []error{apperrors.NewProviderError("static", 400, nil, "bad request")}}
	r := New(h, nil, logger.Nop(), fastConfig())

	err := r.Handle(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindProvider, apperrors.KindOf(err))
	assert.Len(t, h.finals, 1)
}

func TestHandleWithoutRetries(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 0
	h := &scriptedHandler{errs: []error{retryable()}}
	r := New(h, nil, logger.Nop(), cfg)

	require.Error(t, r.Handle(context.Background(), uuid.New()))
	assert.Equal(t, []bool{true}, h.finals)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 5*time.Second, cfg.RetryBase)
	assert.Equal(t, 20*time.Second, cfg.RetryMax)
	assert.Equal(t, 1, cfg.Concurrency)
}

func TestRunDrainsQueue(t *testing.T) {
	q := queue.NewMemoryQueue(8)
	h := &scriptedHandler{errs: []error{retryable()}, done: make(chan uuid.UUID, 8)}
	cfg := fastConfig()
	cfg.Concurrency = 2
	r := New(h, q, logger.Nop(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, q.Publish(ctx, id))
	}
	seen := map[uuid.UUID]bool{}
	for len(seen) < len(ids) {
		select {
		case id := <-h.done:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for executions, saw %d", len(seen))
		}
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunStopsWhenConsumerCloses(t *testing.T) {
	q := queue.NewMemoryQueue(1)
	r := New(&scriptedHandler{}, q, logger.Nop(), fastConfig())
	require.NoError(t, q.Close())
	assert.NoError(t, r.Run(context.Background()))
}

type emptyConsumer struct {
	mu    sync.Mutex
	polls int
}

func (c *emptyConsumer) Receive(ctx context.Context) (queue.Delivery, error) {
	c.mu.Lock()
	c.polls++
	c.mu.Unlock()
	return queue.Delivery{}, queue.ErrEmpty
}

func (c *emptyConsumer) Close() error { return nil }

func TestRunPollsEmptyConsumer(t *testing.T) {
	c := &emptyConsumer{}
	r := New(&scriptedHandler{}, c, logger.Nop(), fastConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.NoError(t, r.Run(ctx))
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Greater(t, c.polls, 1)
}

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) ProcessExecution(ctx context.Context, id uuid.UUID, final bool) error {
	args := m.Called(id, final)
	return args.Error(0)
}

func TestHandleMarksOnlyLastAttemptFinal(t *testing.T) {
	id := uuid.New()
	h := &mockHandler{}
	h.On("ProcessExecution", id, false).Return(apperrors.NewProviderTimeout("static", context.DeadlineExceeded)).Once()
	h.On("ProcessExecution", id, true).Return(nil).Once()

	cfg := fastConfig()
	cfg.MaxRetries = 1
	r := New(h, nil, logger.Nop(), cfg)
	require.NoError(t, r.Handle(context.Background(), id))
	h.AssertExpectations(t)
}
