package acceptance

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/promptledger/internal/httpserver"
	"github.com/ILLUVRSE/promptledger/internal/logger"
	"github.com/ILLUVRSE/promptledger/internal/models"
	"github.com/ILLUVRSE/promptledger/internal/provider"
	"github.com/ILLUVRSE/promptledger/internal/queue"
	"github.com/ILLUVRSE/promptledger/internal/runner"
	"github.com/ILLUVRSE/promptledger/internal/service"
	"github.com/ILLUVRSE/promptledger/internal/store"
)

type ledger struct {
	svc    *service.Service
	router http.Handler
	queue  *queue.MemoryQueue
}

// newLedger wires the service against the memory store with a stub provider
// standing in for openai, so the code-prompt defaults resolve.
func newLedger(t *testing.T, response string) ledger {
	t.Helper()
	stub := provider.NewStaticProvider(response)
	factory := provider.NewFactory()
	factory.RegisterInstance(provider.OpenAIName, stub)
	q := queue.NewMemoryQueue(8)
	svc := service.New(store.NewMemoryStore(), factory, q, nil, logger.Nop(), service.Config{ProviderTimeout: time.Second})
	if _, err := svc.SeedModels(context.Background(), service.DefaultCatalog); err != nil {
		t.Fatalf("seed models: %v", err)
	}
	return ledger{svc: svc, router: httpserver.New(svc, logger.Nop(), httpserver.Options{}).Handler(), queue: q}
}

func (l ledger) call(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	rec := httptest.NewRecorder()
	l.router.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s (%d): %v: %s", method, path, rec.Code, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestGreetingUpsertAndSyncExecution(t *testing.T) {
	l := newLedger(t, "Hi Ada")
	ctx := context.Background()

	var upserted struct {
		Version struct {
			VersionNumber int `json:"version_number"`
		} `json:"version"`
		VersionChange bool `json:"version_change"`
	}
	code := l.call(t, http.MethodPut, "/v1/prompts/GREETING", map[string]interface{}{
		"template_source": "Hello {{name}}!",
		"set_active":      true,
	}, &upserted)
	if code != http.StatusOK {
		t.Fatalf("upsert status %d", code)
	}
	if upserted.Version.VersionNumber != 1 || !upserted.VersionChange {
		t.Fatalf("unexpected upsert result: %+v", upserted)
	}

	detail, err := l.svc.GetPrompt(ctx, "GREETING")
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if detail.ActiveVersion == nil || detail.ActiveVersion.Status != models.VersionStatusActive {
		t.Fatalf("expected active version 1, got %+v", detail.ActiveVersion)
	}

	var run struct {
		ExecutionID  uuid.UUID `json:"execution_id"`
		Status       string    `json:"status"`
		ResponseText string    `json:"response_text"`
	}
	code = l.call(t, http.MethodPost, "/v1/executions/run", map[string]interface{}{
		"prompt_name": "GREETING",
		"variables":   map[string]string{"name": "Ada"},
		"model":       map[string]string{"provider": provider.OpenAIName, "model_name": "gpt-4o-mini"},
	}, &run)
	if code != http.StatusOK {
		t.Fatalf("run status %d", code)
	}
	if run.Status != models.ExecutionStatusSucceeded || run.ResponseText != "Hi Ada" {
		t.Fatalf("unexpected run result: %+v", run)
	}

	exec, err := l.svc.GetExecution(ctx, run.ExecutionID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.RenderedPrompt != "Hello Ada!" {
		t.Fatalf("rendered prompt: want %q got %q", "Hello Ada!", exec.RenderedPrompt)
	}
	if exec.VersionID != detail.ActiveVersion.ID {
		t.Fatalf("execution bound to %s, want active version %s", exec.VersionID, detail.ActiveVersion.ID)
	}
	input, err := l.svc.GetExecutionInput(ctx, run.ExecutionID)
	if err != nil {
		t.Fatalf("get input: %v", err)
	}
	if string(input.Variables) != `{"name":"Ada"}` {
		t.Fatalf("variables snapshot: %s", input.Variables)
	}
}

func TestWelcomeRegisteredTwiceKeepsVersion(t *testing.T) {
	l := newLedger(t, "ok")
	body := map[string]interface{}{
		"prompts": []map[string]string{{"name": "WELCOME", "template_source": "Welcome {{user}}"}},
	}
	type registered struct {
		Registered []struct {
			Name            string `json:"name"`
			Mode            string `json:"mode"`
			Version         int    `json:"version"`
			ChangeDetected  bool   `json:"change_detected"`
			PreviousVersion *int   `json:"previous_version"`
		} `json:"registered"`
	}

	var first, second registered
	if code := l.call(t, http.MethodPost, "/v1/prompts/register-code", body, &first); code != http.StatusOK {
		t.Fatalf("first register status %d", code)
	}
	if code := l.call(t, http.MethodPost, "/v1/prompts/register-code", body, &second); code != http.StatusOK {
		t.Fatalf("second register status %d", code)
	}
	if len(second.Registered) != 1 {
		t.Fatalf("expected one registration, got %d", len(second.Registered))
	}
	got := second.Registered[0]
	if got.Version != 1 || got.ChangeDetected || got.PreviousVersion != nil || got.Mode != models.PromptModeTracking {
		t.Fatalf("unexpected second registration: %+v", got)
	}

	body["prompts"] = []map[string]string{{"name": "WELCOME", "template_source": "Welcome back {{user}}"}}
	var third registered
	if code := l.call(t, http.MethodPost, "/v1/prompts/register-code", body, &third); code != http.StatusOK {
		t.Fatalf("third register status %d", code)
	}
	changed := third.Registered[0]
	if changed.Version != 2 || !changed.ChangeDetected || changed.PreviousVersion == nil || *changed.PreviousVersion != 1 {
		t.Fatalf("unexpected changed registration: %+v", changed)
	}
}

func TestAsyncExecutionProcessedByRunner(t *testing.T) {
	l := newLedger(t, "queued reply")
	var reg map[string]interface{}
	l.call(t, http.MethodPost, "/v1/prompts/register-code", map[string]interface{}{
		"prompts": []map[string]string{{"name": "WELCOME", "template_source": "Welcome {{user}}"}},
	}, &reg)

	var submitted struct {
		ExecutionID uuid.UUID `json:"execution_id"`
		Status      string    `json:"status"`
		PromptMode  string    `json:"prompt_mode"`
	}
	code := l.call(t, http.MethodPost, "/v1/prompts/WELCOME/execute", map[string]interface{}{
		"variables": map[string]string{"user": "Ada"},
		"mode":      "async",
	}, &submitted)
	if code != http.StatusOK || submitted.Status != models.ExecutionStatusQueued || submitted.PromptMode != models.PromptModeTracking {
		t.Fatalf("unexpected submit (%d): %+v", code, submitted)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := runner.New(l.svc, l.queue, logger.Nop(), runner.Config{PollInterval: 10 * time.Millisecond, RetryBase: time.Millisecond, RetryMax: time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	var status struct {
		Status       string `json:"status"`
		ResponseText string `json:"response_text"`
	}
	for time.Now().Before(deadline) {
		l.call(t, http.MethodGet, "/v1/executions/"+submitted.ExecutionID.String(), nil, &status)
		if status.Status == models.ExecutionStatusSucceeded {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status.Status != models.ExecutionStatusSucceeded || status.ResponseText != "queued reply" {
		t.Fatalf("execution not processed: %+v", status)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runner: %v", err)
	}
}
