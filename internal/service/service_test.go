package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/promptledger/internal/logger"
	"github.com/ILLUVRSE/promptledger/internal/models"
	"github.com/ILLUVRSE/promptledger/internal/provider"
	"github.com/ILLUVRSE/promptledger/internal/queue"
	"github.com/ILLUVRSE/promptledger/internal/store"
)

type recordingArchiver struct {
	mu         sync.Mutex
	executions []models.Execution
	versions   []string
}

func (r *recordingArchiver) ArchiveExecution(ctx context.Context, exec models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, exec)
	return nil
}

func (r *recordingArchiver) ArchiveVersion(ctx context.Context, name string, v models.PromptVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions = append(r.versions, fmt.Sprintf("%s/v%d", name, v.VersionNumber))
	return nil
}

type fixture struct {
	svc     *Service
	store   *store.MemoryStore
	static  *provider.StaticProvider
	queue   *queue.MemoryQueue
	archive *recordingArchiver
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	st := store.NewMemoryStore()
	static := provider.NewStaticProvider("{prompt}")
	factory := provider.NewFactory()
	factory.RegisterInstance(provider.StaticName, static)
	q := queue.NewMemoryQueue(16)
	arch := &recordingArchiver{}
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = time.Second
	}
	svc := New(st, factory, q, arch, logger.Nop(), cfg)
	_, err := svc.SeedModels(context.Background(), []store.ModelInput{
		{Provider: provider.StaticName, ModelName: "echo"},
		{Provider: "anthropic", ModelName: "claude"},
	})
	require.NoError(t, err)
	return fixture{svc: svc, store: st, static: static, queue: q, archive: arch}
}

func (f fixture) upsert(t *testing.T, name, source string) UpsertResult {
	t.Helper()
	res, err := f.svc.UpsertPrompt(context.Background(), UpsertRequest{Name: name, TemplateSource: source, SetActive: true})
	require.NoError(t, err)
	return res
}

func execRequest(name string, vars map[string]interface{}) ExecuteRequest {
	return ExecuteRequest{
		PromptName: name,
		Variables:  vars,
		Provider:   provider.StaticName,
		ModelName:  "echo",
	}
}

// conflictStore fails the first n transactions with a uniqueness violation.
type conflictStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	fails int
	calls int
}

func (c *conflictStore) InTx(ctx context.Context, fn func(store.Session) error) error {
	c.mu.Lock()
	c.calls++
	fail := c.calls <= c.fails
	c.mu.Unlock()
	if fail {
		return fmt.Errorf("insert prompt version: %w: uq_prompt_versions_number", store.ErrConflict)
	}
	return c.MemoryStore.InTx(ctx, fn)
}
