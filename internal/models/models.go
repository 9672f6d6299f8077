package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	PromptModeFull     = "full"
	PromptModeTracking = "tracking"
)

const (
	VersionStatusDraft      = "draft"
	VersionStatusActive     = "active"
	VersionStatusDeprecated = "deprecated"
)

const (
	ExecutionModeSync  = "sync"
	ExecutionModeAsync = "async"
)

const (
	ExecutionStatusQueued    = "queued"
	ExecutionStatusRunning   = "running"
	ExecutionStatusSucceeded = "succeeded"
	ExecutionStatusFailed    = "failed"
	ExecutionStatusCanceled  = "canceled"
)

const (
	SpanStatusOK    = "ok"
	SpanStatusError = "error"
)

type Prompt struct {
	ID              uuid.UUID  `json:"prompt_id"`
	Name            string     `json:"name"`
	Mode            string     `json:"mode"`
	Description     *string    `json:"description"`
	OwnerTeam       *string    `json:"owner_team"`
	ActiveVersionID *uuid.UUID `json:"active_version_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type PromptVersion struct {
	ID             uuid.UUID `json:"version_id"`
	PromptID       uuid.UUID `json:"prompt_id"`
	VersionNumber  int       `json:"version_number"`
	TemplateSource string    `json:"template_source"`
	ChecksumHash   string    `json:"checksum_hash"`
	Status         string    `json:"status"`
	CreatedBy      *string   `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// VersionHistory is a version annotated with how many executions used it.
type VersionHistory struct {
	Version        PromptVersion
	ExecutionCount int
}

type Model struct {
	ID                uuid.UUID `json:"model_id"`
	Provider          string    `json:"provider"`
	ModelName         string    `json:"model_name"`
	MaxTokens         *int      `json:"max_tokens"`
	SupportsStreaming bool      `json:"supports_streaming"`
	CreatedAt         time.Time `json:"created_at"`
}

// Params are the optional generation parameters captured on every execution.
type Params struct {
	Temperature       *float64 `json:"temperature,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	MaxNewTokens      *int     `json:"max_new_tokens,omitempty"`
}

type Telemetry struct {
	PromptTokens   *int `json:"prompt_tokens"`
	ResponseTokens *int `json:"response_tokens"`
	LatencyMS      *int `json:"latency_ms"`
}

type Execution struct {
	ID                uuid.UUID  `json:"execution_id"`
	PromptID          uuid.UUID  `json:"prompt_id"`
	VersionID         uuid.UUID  `json:"version_id"`
	ModelID           uuid.UUID  `json:"model_id"`
	PromptName        string     `json:"prompt_name,omitempty"`
	Environment       string     `json:"environment"`
	Mode              string     `json:"mode"`
	Status            string     `json:"status"`
	CorrelationID     *string    `json:"correlation_id,omitempty"`
	IdempotencyKey    *string    `json:"idempotency_key,omitempty"`
	RenderedPrompt    string     `json:"rendered_prompt"`
	ResponseText      *string    `json:"response_text"`
	Params            Params     `json:"params"`
	Telemetry         Telemetry  `json:"telemetry"`
	ProviderRequestID *string    `json:"provider_request_id,omitempty"`
	ErrorType         *string    `json:"error_type,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the execution reached a final state.
func (e Execution) Terminal() bool {
	return IsTerminalStatus(e.Status)
}

func IsTerminalStatus(status string) bool {
	switch status {
	case ExecutionStatusSucceeded, ExecutionStatusFailed, ExecutionStatusCanceled:
		return true
	}
	return false
}

type ExecutionInput struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	Variables   json.RawMessage `json:"variables_json"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Span struct {
	ID               uuid.UUID       `json:"span_id"`
	TraceID          string          `json:"trace_id"`
	ParentSpanID     *uuid.UUID      `json:"parent_span_id"`
	Name             string          `json:"name"`
	Kind             string          `json:"kind"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          *time.Time      `json:"end_time"`
	DurationMS       *int            `json:"duration_ms"`
	Status           string          `json:"status"`
	ErrorMessage     *string         `json:"error_message"`
	InputData        json.RawMessage `json:"input_data"`
	OutputData       json.RawMessage `json:"output_data"`
	Attributes       json.RawMessage `json:"attributes"`
	Model            *string         `json:"model"`
	PromptTokens     *int            `json:"prompt_tokens"`
	CompletionTokens *int            `json:"completion_tokens"`
	ExecutionID      *uuid.UUID      `json:"execution_id"`
}

// ModeStats aggregates execution counts and latency across prompts of one mode.
type ModeStats struct {
	PromptCount    int `json:"prompt_count"`
	ExecutionCount int `json:"execution_count"`
	AvgLatencyMS   int `json:"avg_latency_ms"`
}
