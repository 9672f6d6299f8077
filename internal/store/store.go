package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/promptledger/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a unique constraint violation.
	ErrConflict = errors.New("conflict")
	// ErrTerminal is returned when a guarded status transition does not apply to the
	// execution's current state.
	ErrTerminal = errors.New("execution is terminal")
)

// Session is the set of reads and writes available both inside and outside a transaction.
type Session interface {
	CreatePrompt(ctx context.Context, in PromptInput) (models.Prompt, error)
	GetPrompt(ctx context.Context, id uuid.UUID) (models.Prompt, error)
	GetPromptByName(ctx context.Context, name string) (models.Prompt, error)
	ListPrompts(ctx context.Context, filter ListPromptsFilter) ([]models.Prompt, error)
	CountPrompts(ctx context.Context, mode string) (int, error)
	// ActivateVersion demotes any other active version of the prompt and points the
	// prompt at versionID. Callers run it inside InTx.
	ActivateVersion(ctx context.Context, promptID, versionID uuid.UUID) (models.Prompt, error)

	CreateVersion(ctx context.Context, in VersionInput) (models.PromptVersion, error)
	GetVersion(ctx context.Context, id uuid.UUID) (models.PromptVersion, error)
	GetVersionByNumber(ctx context.Context, promptID uuid.UUID, number int) (models.PromptVersion, error)
	GetVersionByChecksum(ctx context.Context, promptID uuid.UUID, checksum string) (models.PromptVersion, error)
	MaxVersionNumber(ctx context.Context, promptID uuid.UUID) (int, error)
	ListVersions(ctx context.Context, promptID uuid.UUID) ([]models.PromptVersion, error)
	ListVersionHistory(ctx context.Context, promptID uuid.UUID) ([]models.VersionHistory, error)

	UpsertModel(ctx context.Context, in ModelInput) (models.Model, error)
	GetModel(ctx context.Context, provider, name string) (models.Model, error)
	GetModelByID(ctx context.Context, id uuid.UUID) (models.Model, error)
	ListModels(ctx context.Context) ([]models.Model, error)

	CreateExecution(ctx context.Context, in ExecutionInsert) (models.Execution, error)
	SaveExecutionInput(ctx context.Context, executionID uuid.UUID, variables json.RawMessage) error
	GetExecutionInput(ctx context.Context, executionID uuid.UUID) (models.ExecutionInput, error)
	GetExecution(ctx context.Context, id uuid.UUID) (models.Execution, error)
	GetExecutionByIdempotencyKey(ctx context.Context, promptID uuid.UUID, key string) (models.Execution, error)
	ListExecutions(ctx context.Context, filter ListExecutionsFilter) ([]models.Execution, error)
	CountExecutions(ctx context.Context, filter ListExecutionsFilter) (int, error)
	// MarkExecutionRunning moves a queued execution to running. An execution that is
	// already running is returned unchanged so redelivered work can resume.
	MarkExecutionRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) (models.Execution, error)
	// CompleteExecution writes a terminal status. It returns ErrTerminal if the
	// execution already finished.
	CompleteExecution(ctx context.Context, in ExecutionCompletion) (models.Execution, error)
	CancelExecution(ctx context.Context, id uuid.UUID, at time.Time) (models.Execution, error)
	ExecutionStats(ctx context.Context, mode string) (models.ModeStats, error)

	CreateSpan(ctx context.Context, in SpanInput) (models.Span, error)
	GetSpan(ctx context.Context, id uuid.UUID) (models.Span, error)
	GetSpanByExecution(ctx context.Context, executionID uuid.UUID) (models.Span, error)
	EndSpan(ctx context.Context, in SpanEnd) (models.Span, error)
	ListSpansByTrace(ctx context.Context, traceID string) ([]models.Span, error)
	ListChildSpans(ctx context.Context, parentID uuid.UUID) ([]models.Span, error)
	// DeleteSpan removes the span and all of its descendants.
	DeleteSpan(ctx context.Context, id uuid.UUID) error
}

type Store interface {
	Session
	// InTx runs fn in a single transaction. An error from fn rolls everything back.
	InTx(ctx context.Context, fn func(Session) error) error
	// ClaimQueuedExecution atomically moves the oldest claimable execution to running
	// and stamps started_at. Queued rows are claimable, and so are running rows whose
	// started_at is before staleBefore, so work abandoned by a dead worker is handed out
	// again. A zero staleBefore only claims queued rows.
	ClaimQueuedExecution(ctx context.Context, startedAt, staleBefore time.Time) (models.Execution, error)
	Ping(ctx context.Context) error
}

type PromptInput struct {
	ID          uuid.UUID
	Name        string
	Mode        string
	Description *string
	OwnerTeam   *string
}

type VersionInput struct {
	ID             uuid.UUID
	PromptID       uuid.UUID
	VersionNumber  int
	TemplateSource string
	ChecksumHash   string
	Status         string
	CreatedBy      *string
}

type ModelInput struct {
	ID                uuid.UUID
	Provider          string
	ModelName         string
	MaxTokens         *int
	SupportsStreaming bool
}

type ExecutionInsert struct {
	ID             uuid.UUID
	PromptID       uuid.UUID
	VersionID      uuid.UUID
	ModelID        uuid.UUID
	Environment    string
	Mode           string
	Status         string
	CorrelationID  *string
	IdempotencyKey *string
	RenderedPrompt string
	Params         models.Params
	StartedAt      *time.Time
}

type ExecutionCompletion struct {
	ID                uuid.UUID
	Status            string
	ResponseText      *string
	PromptTokens      *int
	ResponseTokens    *int
	LatencyMS         *int
	ProviderRequestID *string
	ErrorType         *string
	ErrorMessage      *string
	CompletedAt       time.Time
}

type SpanInput struct {
	ID               uuid.UUID
	TraceID          string
	ParentSpanID     *uuid.UUID
	Name             string
	Kind             string
	StartTime        time.Time
	EndTime          *time.Time
	DurationMS       *int
	Status           string
	ErrorMessage     *string
	InputData        json.RawMessage
	OutputData       json.RawMessage
	Attributes       json.RawMessage
	Model            *string
	PromptTokens     *int
	CompletionTokens *int
	ExecutionID      *uuid.UUID
}

type SpanEnd struct {
	ID               uuid.UUID
	EndTime          time.Time
	DurationMS       int
	Status           string
	ErrorMessage     *string
	OutputData       json.RawMessage
	Model            *string
	PromptTokens     *int
	CompletionTokens *int
}

type ListPromptsFilter struct {
	Mode   string
	Limit  int
	Offset int
}

type ListExecutionsFilter struct {
	PromptName string
	Status     string
	Limit      int
	Offset     int
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
