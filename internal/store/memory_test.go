package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/promptledger/internal/checksum"
	"github.com/ILLUVRSE/promptledger/internal/models"
)

type fixture struct {
	store   *MemoryStore
	prompt  models.Prompt
	version models.PromptVersion
	model   models.Model
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStore()
	p, err := s.CreatePrompt(ctx, PromptInput{Name: "GREETING", Mode: models.PromptModeFull})
	require.NoError(t, err)
	v, err := s.CreateVersion(ctx, VersionInput{PromptID: p.ID, VersionNumber: 1, TemplateSource: "Hello {{name}}!", ChecksumHash: checksum.Compute("Hello {{name}}!")})
	require.NoError(t, err)
	m, err := s.UpsertModel(ctx, ModelInput{Provider: "openai", ModelName: "gpt-4o-mini", SupportsStreaming: true})
	require.NoError(t, err)
	return fixture{store: s, prompt: p, version: v, model: m}
}

func (f fixture) execution(t *testing.T, status string, key *string) models.Execution {
	t.Helper()
	e, err := f.store.CreateExecution(context.Background(), ExecutionInsert{
		PromptID:       f.prompt.ID,
		VersionID:      f.version.ID,
		ModelID:        f.model.ID,
		Environment:    "dev",
		Mode:           models.ExecutionModeAsync,
		Status:         status,
		IdempotencyKey: key,
		RenderedPrompt: "Hello Ada!",
	})
	require.NoError(t, err)
	return e
}

func TestMemoryPromptNameUnique(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CreatePrompt(context.Background(), PromptInput{Name: "GREETING", Mode: models.PromptModeTracking})
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestMemoryVersionUniqueness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateVersion(ctx, VersionInput{PromptID: f.prompt.ID, VersionNumber: 1, TemplateSource: "other", ChecksumHash: checksum.Compute("other")})
	assert.True(t, errors.Is(err, ErrConflict), "duplicate number")

	_, err = f.store.CreateVersion(ctx, VersionInput{PromptID: f.prompt.ID, VersionNumber: 2, TemplateSource: "Hello {{name}}!", ChecksumHash: f.version.ChecksumHash})
	assert.True(t, errors.Is(err, ErrConflict), "duplicate checksum")

	v3, err := f.store.CreateVersion(ctx, VersionInput{PromptID: f.prompt.ID, VersionNumber: 3, TemplateSource: "Hi", ChecksumHash: checksum.Compute("Hi")})
	require.NoError(t, err)
	assert.Equal(t, models.VersionStatusDraft, v3.Status)

	highest, err := f.store.MaxVersionNumber(ctx, f.prompt.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, highest, "gaps are tolerated")

	versions, err := f.store.ListVersions(ctx, f.prompt.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 3, versions[0].VersionNumber)
}

func TestMemoryActivateVersionKeepsOneActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.ActivateVersion(ctx, f.prompt.ID, f.version.ID)
	require.NoError(t, err)
	v2, err := f.store.CreateVersion(ctx, VersionInput{PromptID: f.prompt.ID, VersionNumber: 2, TemplateSource: "Hi", ChecksumHash: checksum.Compute("Hi")})
	require.NoError(t, err)

	p, err := f.store.ActivateVersion(ctx, f.prompt.ID, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, *p.ActiveVersionID)

	old, err := f.store.GetVersion(ctx, f.version.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionStatusDeprecated, old.Status)

	active := 0
	versions, _ := f.store.ListVersions(ctx, f.prompt.ID)
	for _, v := range versions {
		if v.Status == models.VersionStatusActive {
			active++
		}
	}
	assert.Equal(t, 1, active)

	other, err := f.store.CreatePrompt(ctx, PromptInput{Name: "OTHER", Mode: models.PromptModeFull})
	require.NoError(t, err)
	_, err = f.store.ActivateVersion(ctx, other.ID, v2.ID)
	assert.Equal(t, ErrNotFound, err, "version of another prompt")
}

func TestMemoryInTxRollsBack(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	err := s.InTx(ctx, func(tx Session) error {
		if _, err := tx.CreatePrompt(ctx, PromptInput{Name: "GREETING", Mode: models.PromptModeFull}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = s.GetPromptByName(ctx, "GREETING")
	assert.Equal(t, ErrNotFound, err)
}

func TestMemoryIdempotencyKeyUniquePerPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := "req-1"
	first := f.execution(t, models.ExecutionStatusQueued, &key)

	_, err := f.store.CreateExecution(ctx, ExecutionInsert{
		PromptID: f.prompt.ID, VersionID: f.version.ID, ModelID: f.model.ID,
		Mode: models.ExecutionModeAsync, Status: models.ExecutionStatusQueued, IdempotencyKey: &key,
	})
	assert.True(t, errors.Is(err, ErrConflict))

	found, err := f.store.GetExecutionByIdempotencyKey(ctx, f.prompt.ID, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
	assert.Equal(t, "GREETING", found.PromptName)

	// Executions without a key never collide.
	f.execution(t, models.ExecutionStatusQueued, nil)
	f.execution(t, models.ExecutionStatusQueued, nil)
}

func TestMemoryTerminalExecutionsAreImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.execution(t, models.ExecutionStatusQueued, nil)

	running, err := f.store.MarkExecutionRunning(ctx, e.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	started := *running.StartedAt

	again, err := f.store.MarkExecutionRunning(ctx, e.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, started, *again.StartedAt, "started_at is stamped once")

	text := "Hi Ada"
	latency := 12
	done, err := f.store.CompleteExecution(ctx, ExecutionCompletion{
		ID: e.ID, Status: models.ExecutionStatusSucceeded, ResponseText: &text, LatencyMS: &latency, CompletedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada", *done.ResponseText)

	_, err = f.store.CompleteExecution(ctx, ExecutionCompletion{ID: e.ID, Status: models.ExecutionStatusFailed, CompletedAt: time.Now()})
	assert.Equal(t, ErrTerminal, err)
	_, err = f.store.MarkExecutionRunning(ctx, e.ID, time.Now())
	assert.Equal(t, ErrTerminal, err)

	_, err = f.store.MarkExecutionRunning(ctx, uuid.New(), time.Now())
	assert.Equal(t, ErrNotFound, err)
}

func TestMemoryCancelOnlyQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queued := f.execution(t, models.ExecutionStatusQueued, nil)
	running := f.execution(t, models.ExecutionStatusRunning, nil)

	canceled, err := f.store.CancelExecution(ctx, queued.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCanceled, canceled.Status)
	assert.NotNil(t, canceled.CompletedAt)

	_, err = f.store.CancelExecution(ctx, running.ID, time.Now())
	assert.Equal(t, ErrTerminal, err)
}

func TestMemoryClaimOldestQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.execution(t, models.ExecutionStatusQueued, nil)
	second := f.execution(t, models.ExecutionStatusQueued, nil)

	got, err := f.store.ClaimQueuedExecution(ctx, time.Now(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, models.ExecutionStatusRunning, got.Status)

	got, err = f.store.ClaimQueuedExecution(ctx, time.Now(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = f.store.ClaimQueuedExecution(ctx, time.Now(), time.Time{})
	assert.Equal(t, ErrNotFound, err)
}

func TestMemoryClaimReclaimsStaleRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	queued := f.execution(t, models.ExecutionStatusQueued, nil)

	first, err := f.store.ClaimQueuedExecution(ctx, now.Add(-time.Hour), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, queued.ID, first.ID)

	_, err = f.store.ClaimQueuedExecution(ctx, now, now.Add(-2*time.Hour))
	assert.Equal(t, ErrNotFound, err, "claim younger than the lease must not be taken")

	again, err := f.store.ClaimQueuedExecution(ctx, now, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, queued.ID, again.ID)
	assert.Equal(t, models.ExecutionStatusRunning, again.Status)
	require.NotNil(t, again.StartedAt)
	assert.True(t, again.StartedAt.Equal(now))

	_, err = f.store.ClaimQueuedExecution(ctx, now, now.Add(-10*time.Minute))
	assert.Equal(t, ErrNotFound, err)
}

func TestMemoryListExecutionsPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, f.execution(t, models.ExecutionStatusQueued, nil).ID)
	}
	f.execution(t, models.ExecutionStatusFailed, nil)

	page1, err := f.store.ListExecutions(ctx, ListExecutionsFilter{Status: models.ExecutionStatusQueued, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, ids[4], page1[0].ID, "newest first")

	page3, err := f.store.ListExecutions(ctx, ListExecutionsFilter{Status: models.ExecutionStatusQueued, Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, ids[0], page3[0].ID)

	total, err := f.store.CountExecutions(ctx, ListExecutionsFilter{PromptName: "GREETING"})
	require.NoError(t, err)
	assert.Equal(t, 6, total)

	none, err := f.store.ListExecutions(ctx, ListExecutionsFilter{PromptName: "UNKNOWN"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryVersionHistoryCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.execution(t, models.ExecutionStatusQueued, nil)
	f.execution(t, models.ExecutionStatusQueued, nil)

	history, err := f.store.ListVersionHistory(ctx, f.prompt.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].ExecutionCount)
}

func TestMemoryExecutionStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, latency := range []int{10, 21} {
		e := f.execution(t, models.ExecutionStatusRunning, nil)
		l := latency
		_, err := f.store.CompleteExecution(ctx, ExecutionCompletion{ID: e.ID, Status: models.ExecutionStatusSucceeded, LatencyMS: &l, CompletedAt: time.Now()})
		require.NoError(t, err)
	}

	stats, err := f.store.ExecutionStats(ctx, models.PromptModeFull)
	require.NoError(t, err)
	assert.Equal(t, models.ModeStats{PromptCount: 1, ExecutionCount: 2, AvgLatencyMS: 16}, stats)

	stats, err = f.store.ExecutionStats(ctx, models.PromptModeTracking)
	require.NoError(t, err)
	assert.Equal(t, models.ModeStats{}, stats)
}

func TestMemorySpanExecutionLinkUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.execution(t, models.ExecutionStatusQueued, nil)

	_, err := f.store.CreateSpan(ctx, SpanInput{TraceID: "t1", Name: "llm", Kind: "llm", ExecutionID: &e.ID})
	require.NoError(t, err)
	_, err = f.store.CreateSpan(ctx, SpanInput{TraceID: "t1", Name: "llm-2", Kind: "llm", ExecutionID: &e.ID})
	assert.True(t, errors.Is(err, ErrConflict))

	linked, err := f.store.GetSpanByExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "llm", linked.Name)
}

func TestMemorySpanTreeCascade(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	root, err := s.CreateSpan(ctx, SpanInput{TraceID: "t1", Name: "root", Kind: "chain", StartTime: base})
	require.NoError(t, err)
	child, err := s.CreateSpan(ctx, SpanInput{TraceID: "t1", Name: "child", Kind: "llm", ParentSpanID: &root.ID, StartTime: base.Add(time.Millisecond)})
	require.NoError(t, err)
	_, err = s.CreateSpan(ctx, SpanInput{TraceID: "t1", Name: "grandchild", Kind: "tool", ParentSpanID: &child.ID, StartTime: base.Add(2 * time.Millisecond)})
	require.NoError(t, err)
	other, err := s.CreateSpan(ctx, SpanInput{TraceID: "t2", Name: "other", Kind: "chain"})
	require.NoError(t, err)

	trace, err := s.ListSpansByTrace(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, trace, 3)
	assert.Equal(t, "root", trace[0].Name)
	assert.Equal(t, "grandchild", trace[2].Name)

	children, err := s.ListChildSpans(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)

	require.NoError(t, s.DeleteSpan(ctx, root.ID))
	trace, err = s.ListSpansByTrace(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, trace)

	_, err = s.GetSpan(ctx, other.ID)
	assert.NoError(t, err)
	assert.Equal(t, ErrNotFound, s.DeleteSpan(ctx, root.ID))
}

func TestMemoryEndSpanOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sp, err := s.CreateSpan(ctx, SpanInput{TraceID: "t1", Name: "llm", Kind: "llm"})
	require.NoError(t, err)

	tokens := 7
	ended, err := s.EndSpan(ctx, SpanEnd{ID: sp.ID, EndTime: time.Now().UTC(), DurationMS: 5, Status: models.SpanStatusOK, PromptTokens: &tokens, OutputData: []byte(`{"text":"hi"}`)})
	require.NoError(t, err)
	assert.Equal(t, 5, *ended.DurationMS)
	assert.Equal(t, 7, *ended.PromptTokens)
	assert.JSONEq(t, `{"text":"hi"}`, string(ended.OutputData))

	_, err = s.EndSpan(ctx, SpanEnd{ID: sp.ID, EndTime: time.Now().UTC(), Status: models.SpanStatusOK})
	assert.True(t, errors.Is(err, ErrConflict))

	_, err = s.EndSpan(ctx, SpanEnd{ID: uuid.New(), EndTime: time.Now().UTC()})
	assert.Equal(t, ErrNotFound, err)
}
