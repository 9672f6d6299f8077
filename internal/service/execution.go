package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ILLUVRSE/promptledger/internal/apperrors"
	"github.com/ILLUVRSE/promptledger/internal/logger"
	"github.com/ILLUVRSE/promptledger/internal/models"
	"github.com/ILLUVRSE/promptledger/internal/provider"
	"github.com/ILLUVRSE/promptledger/internal/store"
	"github.com/ILLUVRSE/promptledger/internal/template"
)

type ExecuteRequest struct {
	PromptName string
	// VersionNumber pins a version; nil uses the prompt's active version.
	VersionNumber  *int
	Variables      map[string]interface{}
	Provider       string
	ModelName      string
	Params         models.Params
	Environment    string
	CorrelationID  *string
	IdempotencyKey *string
}

// ExecutionContext is the resolved target of an execution request.
type ExecutionContext struct {
	Prompt  models.Prompt
	Version models.PromptVersion
	Model   models.Model
}

// ResolveContext finds the prompt, version and model an execution runs against.
func (s *Service) ResolveContext(ctx context.Context, req ExecuteRequest) (ExecutionContext, error) {
	var ec ExecutionContext
	p, err := s.store.GetPromptByName(ctx, req.PromptName)
	if err != nil {
		return ec, notFound(err, "Prompt '%s' not found", req.PromptName)
	}
	ec.Prompt = p

	switch {
	case req.VersionNumber != nil:
		ec.Version, err = s.store.GetVersionByNumber(ctx, p.ID, *req.VersionNumber)
	case p.ActiveVersionID != nil:
		ec.Version, err = s.store.GetVersion(ctx, *p.ActiveVersionID)
	default:
		err = store.ErrNotFound
	}
	if err != nil {
		return ec, notFound(err, "Prompt version not found")
	}

	ec.Model, err = s.store.GetModel(ctx, req.Provider, req.ModelName)
	if err != nil {
		return ec, notFound(err, "Model '%s/%s' not found", req.Provider, req.ModelName)
	}
	return ec, nil
}

// ExecuteSync renders and runs the prompt inline. A provider failure is recorded
// on the execution before it is returned; the failed execution is returned with it.
func (s *Service) ExecuteSync(ctx context.Context, req ExecuteRequest) (models.Execution, error) {
	ec, rendered, gen, err := s.prepare(ctx, req)
	if err != nil {
		return models.Execution{}, err
	}
	started := s.now()
	exec, err := s.persist(ctx, req, ec, rendered, models.ExecutionModeSync, models.ExecutionStatusRunning, &started)
	if err != nil {
		return models.Execution{}, err
	}
	log := s.log.With(logger.FieldExecutionID, exec.ID.String(), logger.FieldPromptName, ec.Prompt.Name)

	result, latency, genErr := s.generate(ctx, gen, ec.Model, exec)
	// The outcome is written even if the caller went away.
	done, err := s.complete(context.WithoutCancel(ctx), exec.ID, result, latency, genErr)
	if err != nil {
		log.Error("record execution outcome failed", "error", err)
		return exec, err
	}
	if genErr != nil {
		log.Warn("sync execution failed", logger.FieldErrorType, apperrors.KindOf(genErr), logger.FieldDurationMS, latency)
		return done, genErr
	}
	log.Info("sync execution succeeded", logger.FieldDurationMS, latency)
	return done, nil
}

// SubmitAsync records a queued execution and publishes it for a runner worker.
func (s *Service) SubmitAsync(ctx context.Context, req ExecuteRequest) (models.Execution, error) {
	if s.publisher == nil {
		return models.Execution{}, apperrors.New("async execution is not configured")
	}
	ec, rendered, _, err := s.prepare(ctx, req)
	if err != nil {
		return models.Execution{}, err
	}
	exec, err := s.persist(ctx, req, ec, rendered, models.ExecutionModeAsync, models.ExecutionStatusQueued, nil)
	if err != nil {
		return models.Execution{}, err
	}
	if err := s.publisher.Publish(ctx, exec.ID); err != nil {
		s.log.Error("publish execution failed", logger.FieldExecutionID, exec.ID.String(), "error", err)
		return s.failUnqueued(context.WithoutCancel(ctx), exec, apperrors.NewQueueUnavailable(err))
	}
	s.log.Info("execution queued", logger.FieldExecutionID, exec.ID.String(), logger.FieldPromptName, ec.Prompt.Name)
	return exec, nil
}

// failUnqueued marks an execution the publisher rejected as failed so it is not
// left queued with nothing to deliver it.
func (s *Service) failUnqueued(ctx context.Context, exec models.Execution, qErr error) (models.Execution, error) {
	done, err := s.store.CompleteExecution(ctx, store.ExecutionCompletion{
		ID:           exec.ID,
		Status:       models.ExecutionStatusFailed,
		ErrorType:    ptr(apperrors.KindOf(qErr)),
		ErrorMessage: ptr(qErr.Error()),
		CompletedAt:  s.now(),
	})
	if err != nil {
		s.log.Error("record unqueued execution failed", logger.FieldExecutionID, exec.ID.String(), "error", err)
		return exec, qErr
	}
	s.archiveExecution(ctx, done)
	return done, qErr
}

func (s *Service) prepare(ctx context.Context, req ExecuteRequest) (ExecutionContext, string, provider.Provider, error) {
	if strings.TrimSpace(req.PromptName) == "" {
		return ExecutionContext{}, "", nil, apperrors.Validation("prompt_name is required")
	}
	if req.Provider == "" || req.ModelName == "" {
		return ExecutionContext{}, "", nil, apperrors.Validation("model provider and model_name are required")
	}
	ec, err := s.ResolveContext(ctx, req)
	if err != nil {
		return ExecutionContext{}, "", nil, err
	}
	gen, err := s.providers.Get(ec.Model.Provider)
	if err != nil {
		return ExecutionContext{}, "", nil, err
	}
	vars := req.Variables
	if vars == nil {
		vars = map[string]interface{}{}
	}
	rendered, err := template.Render(ec.Version.TemplateSource, vars)
	if err != nil {
		return ExecutionContext{}, "", nil, err
	}
	return ec, rendered, gen, nil
}

func (s *Service) persist(ctx context.Context, req ExecuteRequest, ec ExecutionContext, rendered, mode, status string, startedAt *time.Time) (models.Execution, error) {
	vars := req.Variables
	if vars == nil {
		vars = map[string]interface{}{}
	}
	raw, err := json.Marshal(vars)
	if err != nil {
		return models.Execution{}, apperrors.Validation("variables are not serializable: %v", err)
	}
	env := req.Environment
	if env == "" {
		env = s.cfg.DefaultEnvironment
	}

	var exec models.Execution
	err = s.store.InTx(ctx, func(tx store.Session) error {
		var err error
		exec, err = tx.CreateExecution(ctx, store.ExecutionInsert{
			PromptID:       ec.Prompt.ID,
			VersionID:      ec.Version.ID,
			ModelID:        ec.Model.ID,
			Environment:    env,
			Mode:           mode,
			Status:         status,
			CorrelationID:  req.CorrelationID,
			IdempotencyKey: req.IdempotencyKey,
			RenderedPrompt: rendered,
			Params:         req.Params,
			StartedAt:      startedAt,
		})
		if err != nil {
			return err
		}
		return tx.SaveExecutionInput(ctx, exec.ID, raw)
	})
	if errors.Is(err, store.ErrConflict) && req.IdempotencyKey != nil {
		return models.Execution{}, apperrors.Conflict("Execution with idempotency key '%s' already exists for prompt '%s'", *req.IdempotencyKey, ec.Prompt.Name)
	}
	if err != nil {
		return models.Execution{}, err
	}
	exec.PromptName = ec.Prompt.Name
	return exec, nil
}

// generate calls the provider under the configured timeout inside a tracing span.
func (s *Service) generate(ctx context.Context, gen provider.Provider, model models.Model, exec models.Execution) (provider.GenerateResult, int, error) {
	ctx, span := s.tracer.Start(ctx, "provider.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", model.Provider),
			attribute.String("llm.model", model.ModelName),
			attribute.String("execution.id", exec.ID.String()),
			attribute.String("execution.mode", exec.Mode),
		),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	result, err := gen.Generate(callCtx, provider.GenerateRequest{
		Prompt:    exec.RenderedPrompt,
		ModelName: model.ModelName,
		Params:    exec.Params,
	})
	latency := int(time.Since(start) / time.Millisecond)
	if err != nil {
		err = classifyProviderError(model.Provider, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, apperrors.KindOf(err))
		return provider.GenerateResult{}, latency, err
	}
	if result.PromptTokens != nil {
		span.SetAttributes(attribute.Int("llm.prompt_tokens", *result.PromptTokens))
	}
	if result.ResponseTokens != nil {
		span.SetAttributes(attribute.Int("llm.response_tokens", *result.ResponseTokens))
	}
	span.SetStatus(codes.Ok, "")
	return result, latency, nil
}

func classifyProviderError(name string, err error) error {
	var typed apperrors.Error
	if apperrors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewProviderTimeout(name, err)
	}
	return apperrors.NewProviderError(name, 0, err, "%s", err.Error())
}

func (s *Service) complete(ctx context.Context, id uuid.UUID, result provider.GenerateResult, latency int, genErr error) (models.Execution, error) {
	in := store.ExecutionCompletion{
		ID:          id,
		LatencyMS:   ptr(latency),
		CompletedAt: s.now(),
	}
	if genErr != nil {
		in.Status = models.ExecutionStatusFailed
		in.ErrorType = ptr(apperrors.KindOf(genErr))
		in.ErrorMessage = ptr(genErr.Error())
	} else {
		in.Status = models.ExecutionStatusSucceeded
		in.ResponseText = ptr(result.ResponseText)
		in.PromptTokens = result.PromptTokens
		in.ResponseTokens = result.ResponseTokens
		in.ProviderRequestID = result.ProviderRequestID
	}
	done, err := s.store.CompleteExecution(ctx, in)
	if err != nil {
		return models.Execution{}, err
	}
	s.archiveExecution(ctx, done)
	return done, nil
}

// ProcessExecution runs a queued execution. Executions that already finished are
// skipped. A failure is recorded when final is set or the error cannot succeed
// on retry; otherwise it is only returned so the caller can retry.
func (s *Service) ProcessExecution(ctx context.Context, id uuid.UUID, final bool) error {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return notFound(err, "Execution %s not found", id)
	}
	log := s.log.With(logger.FieldExecutionID, id.String(), logger.FieldPromptName, exec.PromptName)
	if exec.Terminal() {
		log.Debug("execution already finished", "status", exec.Status)
		return nil
	}
	exec, err = s.store.MarkExecutionRunning(ctx, id, s.now())
	if errors.Is(err, store.ErrTerminal) {
		log.Debug("execution finished concurrently")
		return nil
	}
	if err != nil {
		return err
	}

	result, latency, genErr := s.runQueued(ctx, exec)
	if genErr != nil && !final && apperrors.IsRetryable(genErr) {
		log.Warn("async execution attempt failed", logger.FieldErrorType, apperrors.KindOf(genErr), "error", genErr)
		return genErr
	}
	_, err = s.complete(context.WithoutCancel(ctx), id, result, latency, genErr)
	if errors.Is(err, store.ErrTerminal) {
		return genErr
	}
	if err != nil {
		return err
	}
	if genErr != nil {
		log.Error("async execution failed", logger.FieldErrorType, apperrors.KindOf(genErr), "error", genErr)
		return genErr
	}
	log.Info("async execution succeeded", logger.FieldDurationMS, latency)
	return nil
}

func (s *Service) runQueued(ctx context.Context, exec models.Execution) (provider.GenerateResult, int, error) {
	if _, err := s.store.GetVersion(ctx, exec.VersionID); err != nil {
		return provider.GenerateResult{}, 0, notFound(err, "Prompt version not found")
	}
	model, err := s.store.GetModelByID(ctx, exec.ModelID)
	if err != nil {
		return provider.GenerateResult{}, 0, notFound(err, "Model %s not found", exec.ModelID)
	}
	gen, err := s.providers.Get(model.Provider)
	if err != nil {
		return provider.GenerateResult{}, 0, err
	}
	return s.generate(ctx, gen, model, exec)
}

func (s *Service) GetExecution(ctx context.Context, id uuid.UUID) (models.Execution, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return models.Execution{}, notFound(err, "Execution not found")
	}
	return exec, nil
}

func (s *Service) GetExecutionInput(ctx context.Context, id uuid.UUID) (models.ExecutionInput, error) {
	in, err := s.store.GetExecutionInput(ctx, id)
	if err != nil {
		return models.ExecutionInput{}, notFound(err, "Execution input not found")
	}
	return in, nil
}

// GetExecutionByKey looks up the execution recorded for an idempotency key.
func (s *Service) GetExecutionByKey(ctx context.Context, promptName, key string) (models.Execution, error) {
	p, err := s.store.GetPromptByName(ctx, promptName)
	if err != nil {
		return models.Execution{}, notFound(err, "Prompt '%s' not found", promptName)
	}
	exec, err := s.store.GetExecutionByIdempotencyKey(ctx, p.ID, key)
	if err != nil {
		return models.Execution{}, notFound(err, "Execution not found")
	}
	return exec, nil
}

type ListExecutionsRequest struct {
	PromptName string
	Status     string
	Limit      int
	Offset     int
}

type ExecutionPage struct {
	Executions []models.Execution
	Total      int
	Limit      int
	Offset     int
}

func (s *Service) ListExecutions(ctx context.Context, req ListExecutionsRequest) (ExecutionPage, error) {
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Limit > 500 {
		req.Limit = 500
	}
	if req.Offset < 0 {
		req.Offset = 0
	}
	filter := store.ListExecutionsFilter{PromptName: req.PromptName, Status: req.Status, Limit: req.Limit, Offset: req.Offset}
	execs, err := s.store.ListExecutions(ctx, filter)
	if err != nil {
		return ExecutionPage{}, err
	}
	total, err := s.store.CountExecutions(ctx, filter)
	if err != nil {
		return ExecutionPage{}, err
	}
	return ExecutionPage{Executions: execs, Total: total, Limit: req.Limit, Offset: req.Offset}, nil
}

// CancelExecution cancels an execution that has not started yet.
func (s *Service) CancelExecution(ctx context.Context, id uuid.UUID) (models.Execution, error) {
	exec, err := s.store.CancelExecution(ctx, id, s.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return models.Execution{}, apperrors.NotFound("Execution not found")
	case errors.Is(err, store.ErrTerminal):
		current, getErr := s.store.GetExecution(ctx, id)
		if getErr != nil {
			return models.Execution{}, getErr
		}
		return models.Execution{}, apperrors.Conflict("Execution is %s and can no longer be canceled", current.Status)
	case err != nil:
		return models.Execution{}, err
	}
	s.log.Info("execution canceled", logger.FieldExecutionID, id.String())
	s.archiveExecution(ctx, exec)
	return exec, nil
}
