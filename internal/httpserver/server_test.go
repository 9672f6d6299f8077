package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/promptledger/internal/apperrors"
	"github.com/ILLUVRSE/promptledger/internal/auth"
	"github.com/ILLUVRSE/promptledger/internal/logger"
	"github.com/ILLUVRSE/promptledger/internal/provider"
	"github.com/ILLUVRSE/promptledger/internal/queue"
	"github.com/ILLUVRSE/promptledger/internal/service"
	"github.com/ILLUVRSE/promptledger/internal/store"
)

type downStore struct {
	*store.MemoryStore
}

func (downStore) Ping(ctx context.Context) error { return errors.New("connection refused") }

type harness struct {
	handler http.Handler
	static  *provider.StaticProvider
	queue   *queue.MemoryQueue
}

func newHarness(t *testing.T, st store.Store, opts Options) harness {
	t.Helper()
	static := provider.NewStaticProvider("{prompt}")
	factory := provider.NewFactory()
	factory.RegisterInstance(provider.StaticName, static)
	q := queue.NewMemoryQueue(16)
	svc := service.New(st, factory, q, nil, logger.Nop(), service.Config{ProviderTimeout: time.Second})
	_, err := svc.SeedModels(context.Background(), []store.ModelInput{{Provider: provider.StaticName, ModelName: "echo"}})
	require.NoError(t, err)
	return harness{handler: New(svc, logger.Nop(), opts).Handler(), static: static, queue: q}
}

func (h harness) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	out := map[string]interface{}{}
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func runBody(name string, vars map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"prompt_name": name,
		"variables":   vars,
		"model":       map[string]string{"provider": provider.StaticName, "model_name": "echo"},
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), Options{})
	rec, body := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	down := newHarness(t, downStore{store.NewMemoryStore()}, Options{})
	rec, body = down.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestUpsertAndReadPrompt(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), Options{})

	rec, body := h.do(t, http.MethodPut, "/v1/prompts/GREETING", map[string]interface{}{
		"template_source": "Hello {{ name }}!", "owner_team": "growth", "set_active": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["version_change"])
	assert.Equal(t, float64(1), body["version"].(map[string]interface{})["version_number"])
	assert.Equal(t, "GREETING", body["prompt"].(map[string]interface{})["name"])

	rec, body = h.do(t, http.MethodPut, "/v1/prompts/GREETING", map[string]interface{}{"template_source": "Hello {{ name }}!"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["version_change"])

	rec, body = h.do(t, http.MethodGet, "/v1/prompts/GREETING", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "growth", body["owner_team"])
	active := body["active_version"].(map[string]interface{})
	assert.Equal(t, "Hello {{ name }}!", active["template_source"])
	assert.Equal(t, "active", active["status"])

	rec, _ = h.do(t, http.MethodPut, "/v1/prompts/GREETING", map[string]interface{}{"template_source": "Hi {{ name }}", "created_by": "ada"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/prompts/GREETING/versions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	require.Len(t, versions, 2)
	assert.Equal(t, float64(2), versions[0]["version_number"])
	assert.Equal(t, "draft", versions[0]["status"])
	assert.Equal(t, "ada", versions[0]["created_by"])
	assert.Len(t, versions[0]["checksum_hash"], 64)

	rec, body = h.do(t, http.MethodGet, "/v1/prompts?mode=full", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])

	rec, body = h.do(t, http.MethodGet, "/v1/prompts/MISSING", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Prompt not found", body["detail"])

	rec, _ = h.do(t, http.MethodPut, "/v1/prompts/EMPTY", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/v1/prompts?limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterCodeAndExecute(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), Options{})

	rec, body := h.do(t, http.MethodPost, "/v1/prompts/register-code", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No prompts provided. Include 'prompts' array in request body.", body["detail"])

	rec, _ = h.do(t, http.MethodPost, "/v1/prompts/register-code", map[string]interface{}{
		"prompts": []map[string]string{{"name": "WELCOME"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = h.do(t, http.MethodPost, "/v1/prompts/register-code", map[string]interface{}{
		"prompts": []map[string]string{{"name": "WELCOME", "template_source": "Welcome {{ user }}"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reg := body["registered"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "tracking", reg["mode"])
	assert.Equal(t, float64(1), reg["version"])
	assert.Equal(t, false, reg["change_detected"])
	assert.Nil(t, reg["previous_version"])

	exec := map[string]interface{}{"variables": map[string]string{"user": "Ada"}, "provider": provider.StaticName, "model_name": "echo"}
	rec, body = h.do(t, http.MethodPost, "/v1/prompts/WELCOME/execute", exec)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "tracking", body["prompt_mode"])
	assert.Equal(t, "succeeded", body["status"])
	assert.Equal(t, "Welcome Ada", body["response_text"])

	exec["mode"] = "async"
	rec, body = h.do(t, http.MethodPost, "/v1/prompts/WELCOME/execute", exec)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "tracking", body["prompt_mode"])
	assert.Equal(t, 1, h.queue.Len())

	exec["mode"] = "batch"
	rec, body = h.do(t, http.MethodPost, "/v1/prompts/WELCOME/execute", exec)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid execution mode: batch. Must be 'sync' or 'async'.", body["detail"])

	rec, body = h.do(t, http.MethodGet, "/v1/prompts/WELCOME/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "WELCOME", body["prompt_name"])
	assert.Equal(t, float64(1), body["current_version"])
	v := body["versions"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, float64(2), v["execution_count"])

	h.do(t, http.MethodPut, "/v1/prompts/GREETING", map[string]interface{}{"template_source": "Hello", "set_active": true})
	rec, body = h.do(t, http.MethodPost, "/v1/prompts/GREETING/execute", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "Use PUT /v1/prompts/GREETING instead.")

	rec, body = h.do(t, http.MethodPut, "/v1/prompts/WELCOME", map[string]interface{}{"template_source": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "Use code-based endpoints instead.")
}

func TestRunAndInspectExecutions(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), Options{})
	h.do(t, http.MethodPut, "/v1/prompts/GREETING", map[string]interface{}{"template_source": "Hello {{ name }}!", "set_active": true})

	req := runBody("GREETING", map[string]interface{}{"name": "Ada"})
	req["idempotency_key"] = "k-1"
	rec, body := h.do(t, http.MethodPost, "/v1/executions/run", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Hello Ada!", body["response_text"])
	assert.Equal(t, "sync", body["mode"])
	telemetry := body["telemetry"].(map[string]interface{})
	assert.Equal(t, float64(2), telemetry["prompt_tokens"])
	id := body["execution_id"].(string)

	rec, body = h.do(t, http.MethodPost, "/v1/executions/run", req)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["detail"], "k-1")

	rec, body = h.do(t, http.MethodGet, "/v1/executions/by-key?prompt_name=GREETING&idempotency_key=k-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, body["execution_id"])

	rec, body = h.do(t, http.MethodGet, "/v1/executions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "succeeded", body["status"])
	assert.Equal(t, "dev", body["environment"])
	assert.NotNil(t, body["completed_at"])
	assert.NotContains(t, body, "error_type")

	h.static.FailNext(apperrors.NewProviderError(provider.StaticName, 500, nil, "upstream exploded"))
	rec, body = h.do(t, http.MethodPost, "/v1/executions/run", runBody("GREETING", map[string]interface{}{"name": "Bo"}))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, apperrors.KindProvider, body["error_type"])
	failedID := body["execution_id"].(string)

	rec, body = h.do(t, http.MethodGet, "/v1/executions/"+failedID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, apperrors.KindProvider, body["error_type"])
	assert.Equal(t, "upstream exploded", body["error_message"])

	rec, body = h.do(t, http.MethodPost, "/v1/executions/run", runBody("GREETING", map[string]interface{}{}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "name")

	rec, _ = h.do(t, http.MethodPost, "/v1/executions/run", map[string]interface{}{"prompt_name": "GREETING"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = h.do(t, http.MethodGet, "/v1/executions?prompt_name=GREETING&status=succeeded", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, float64(50), body["limit"])
	item := body["executions"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "GREETING", item["prompt_name"])

	rec, body = h.do(t, http.MethodGet, "/v1/executions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid execution ID format", body["detail"])

	rec, body = h.do(t, http.MethodGet, "/v1/executions/00000000-0000-0000-0000-000000000001", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Execution not found", body["detail"])
}

func TestSubmitAndCancel(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), Options{})
	h.do(t, http.MethodPut, "/v1/prompts/GREETING", map[string]interface{}{"template_source": "Hello {{ name }}!", "set_active": true})

	rec, body := h.do(t, http.MethodPost, "/v1/executions/submit", runBody("GREETING", map[string]interface{}{"name": "Ada"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "async", body["mode"])
	id := body["execution_id"].(string)

	rec, body = h.do(t, http.MethodGet, "/v1/executions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, body, "response_text")
	assert.NotContains(t, body, "telemetry")

	rec, body = h.do(t, http.MethodPost, "/v1/executions/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "canceled", body["status"])

	rec, body = h.do(t, http.MethodPost, "/v1/executions/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Execution is canceled and can no longer be canceled", body["detail"])
}

func TestSubmitWhenQueueRejects(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), Options{})
	h.do(t, http.MethodPut, "/v1/prompts/GREETING", map[string]interface{}{"template_source": "Hello {{ name }}!", "set_active": true})
	require.NoError(t, h.queue.Close())

	rec, body := h.do(t, http.MethodPost, "/v1/executions/submit", runBody("GREETING", map[string]interface{}{"name": "Ada"}))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Equal(t, "QueueUnavailableError", body["error_type"])
	assert.Equal(t, "failed", body["status"])
	id, ok := body["execution_id"].(string)
	require.True(t, ok, body)

	rec, body = h.do(t, http.MethodGet, "/v1/executions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "QueueUnavailableError", body["error_type"])
}

func TestSpanEndpoints(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), Options{})

	rec, root := h.do(t, http.MethodPost, "/v1/spans", map[string]interface{}{"trace_id": "t-1", "name": "agent", "kind": "chain"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rootID := root["span_id"].(string)

	rec, child := h.do(t, http.MethodPost, "/v1/spans", map[string]interface{}{
		"trace_id": "t-1", "name": "llm", "kind": "llm", "parent_span_id": rootID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	childID := child["span_id"].(string)

	rec, _ = h.do(t, http.MethodPost, "/v1/spans", map[string]interface{}{"trace_id": "t-1", "name": "x", "kind": "llm", "status": "weird"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := h.do(t, http.MethodPost, "/v1/spans", map[string]interface{}{
		"trace_id": "t-2", "name": "x", "kind": "llm", "parent_span_id": rootID,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, body)

	rec, body = h.do(t, http.MethodPatch, "/v1/spans/"+childID, map[string]interface{}{"status": "error", "error_message": "boom", "prompt_tokens": 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "error", body["status"])
	assert.NotNil(t, body["duration_ms"])

	rec, _ = h.do(t, http.MethodPatch, "/v1/spans/"+childID, map[string]interface{}{})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = h.do(t, http.MethodGet, "/v1/spans/"+rootID+"/children", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["spans"], 1)

	rec, body = h.do(t, http.MethodGet, "/v1/traces/t-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["spans"], 2)

	rec, _ = h.do(t, http.MethodDelete, "/v1/spans/"+childID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = h.do(t, http.MethodGet, "/v1/spans/"+childID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = h.do(t, http.MethodGet, "/v1/spans/nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = h.do(t, http.MethodGet, "/v1/traces/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalyticsAndModels(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), Options{})
	h.do(t, http.MethodPut, "/v1/prompts/GREETING", map[string]interface{}{"template_source": "Hello {{ name }}!", "set_active": true})
	h.do(t, http.MethodPost, "/v1/prompts/register-code", map[string]interface{}{
		"prompts": []map[string]string{{"name": "WELCOME", "template_source": "Welcome"}},
	})
	rec, _ := h.do(t, http.MethodPost, "/v1/executions/run", runBody("GREETING", map[string]interface{}{"name": "Ada"}))
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := h.do(t, http.MethodGet, "/v1/analytics/prompts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := body["summary"].(map[string]interface{})
	assert.Equal(t, float64(1), summary["total_executions"])
	assert.Equal(t, float64(1), summary["full_mode_prompts"])
	assert.Equal(t, float64(1), summary["tracking_mode_prompts"])
	byMode := body["by_mode"].(map[string]interface{})
	assert.Equal(t, float64(1), byMode["full"].(map[string]interface{})["execution_count"])

	rec, body = h.do(t, http.MethodGet, "/v1/analytics/prompts?mode=tracking", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tracking", body["mode"])
	assert.Equal(t, float64(1), body["prompt_count"])
	assert.Equal(t, float64(0), body["execution_count"])

	rec, body = h.do(t, http.MethodGet, "/v1/analytics/prompts?mode=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid mode: bogus. Must be 'all', 'full' or 'tracking'.", body["detail"])

	rec, body = h.do(t, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["models"], 1)
}

func TestAuthGuardsV1(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), Options{Auth: auth.Config{APIKey: "secret"}})

	rec, _ := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := h.do(t, http.MethodGet, "/v1/models", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, body["detail"])

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set(auth.APIKeyHeader, "secret")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), Options{CORSOrigins: []string{"https://app.example"}})
	req := httptest.NewRequest(http.MethodOptions, "/v1/models", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSWildcardOmitsCredentials(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), Options{})
	req := httptest.NewRequest(http.MethodOptions, "/v1/models", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}
