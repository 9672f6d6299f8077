package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/promptledger/internal/apperrors"
	"github.com/ILLUVRSE/promptledger/internal/logger"
	"github.com/ILLUVRSE/promptledger/internal/models"
	"github.com/ILLUVRSE/promptledger/internal/store"
)

type CreateSpanRequest struct {
	// ID may be supplied by the caller; a new one is generated otherwise.
	ID               uuid.UUID
	TraceID          string
	ParentSpanID     *uuid.UUID
	Name             string
	Kind             string
	StartTime        *time.Time
	EndTime          *time.Time
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

func validSpanStatus(status string) bool {
	return status == models.SpanStatusOK || status == models.SpanStatusError
}

// CreateSpan records a span. A parent must exist in the same trace and an
// execution can back at most one span.
func (s *Service) CreateSpan(ctx context.Context, req CreateSpanRequest) (models.Span, error) {
	switch {
	case strings.TrimSpace(req.TraceID) == "":
		return models.Span{}, apperrors.Validation("trace_id is required")
	case strings.TrimSpace(req.Name) == "":
		return models.Span{}, apperrors.Validation("name is required")
	case strings.TrimSpace(req.Kind) == "":
		return models.Span{}, apperrors.Validation("kind is required")
	}
	if req.Status == "" {
		req.Status = models.SpanStatusOK
	}
	if !validSpanStatus(req.Status) {
		return models.Span{}, apperrors.Validation("invalid span status: %s", req.Status)
	}
	start := s.now()
	if req.StartTime != nil {
		start = req.StartTime.UTC()
	}
	var duration *int
	if req.EndTime != nil {
		if req.EndTime.Before(start) {
			return models.Span{}, apperrors.Validation("end_time is before start_time")
		}
		duration = ptr(int(req.EndTime.Sub(start) / time.Millisecond))
	}

	var out models.Span
	err := s.store.InTx(ctx, func(tx store.Session) error {
		if req.ParentSpanID != nil {
			parent, err := tx.GetSpan(ctx, *req.ParentSpanID)
			if err != nil {
				return notFound(err, "Parent span not found")
			}
			if parent.TraceID != req.TraceID {
				return apperrors.Validation("Parent span belongs to trace '%s', not '%s'", parent.TraceID, req.TraceID)
			}
		}
		if req.ExecutionID != nil {
			if _, err := tx.GetExecution(ctx, *req.ExecutionID); err != nil {
				return notFound(err, "Execution not found")
			}
			if existing, err := tx.GetSpanByExecution(ctx, *req.ExecutionID); err == nil {
				return apperrors.Conflict("Execution %s is already linked to span %s", *req.ExecutionID, existing.ID)
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		var err error
		out, err = tx.CreateSpan(ctx, store.SpanInput{
			ID:               req.ID,
			TraceID:          req.TraceID,
			ParentSpanID:     req.ParentSpanID,
			Name:             req.Name,
			Kind:             req.Kind,
			StartTime:        start,
			EndTime:          req.EndTime,
			DurationMS:       duration,
			Status:           req.Status,
			ErrorMessage:     req.ErrorMessage,
			InputData:        req.InputData,
			OutputData:       req.OutputData,
			Attributes:       req.Attributes,
			Model:            req.Model,
			PromptTokens:     req.PromptTokens,
			CompletionTokens: req.CompletionTokens,
			ExecutionID:      req.ExecutionID,
		})
		return err
	})
	if errors.Is(err, store.ErrConflict) {
		return models.Span{}, apperrors.Conflict("Span conflicts with an existing span")
	}
	if err != nil {
		return models.Span{}, err
	}
	s.log.Debug("span created", logger.FieldTraceID, out.TraceID, "span_id", out.ID.String(), "kind", out.Kind)
	return out, nil
}

type EndSpanRequest struct {
	ID               uuid.UUID
	EndTime          *time.Time
	Status           string
	ErrorMessage     *string
	OutputData       json.RawMessage
	Model            *string
	PromptTokens     *int
	CompletionTokens *int
}

// EndSpan closes an open span. A span can only be ended once.
func (s *Service) EndSpan(ctx context.Context, req EndSpanRequest) (models.Span, error) {
	if req.Status == "" {
		req.Status = models.SpanStatusOK
	}
	if !validSpanStatus(req.Status) {
		return models.Span{}, apperrors.Validation("invalid span status: %s", req.Status)
	}
	span, err := s.store.GetSpan(ctx, req.ID)
	if err != nil {
		return models.Span{}, notFound(err, "Span not found")
	}
	if span.EndTime != nil {
		return models.Span{}, apperrors.Conflict("Span has already ended")
	}
	end := s.now()
	if req.EndTime != nil {
		end = req.EndTime.UTC()
	}
	if end.Before(span.StartTime) {
		return models.Span{}, apperrors.Validation("end_time is before start_time")
	}
	out, err := s.store.EndSpan(ctx, store.SpanEnd{
		ID:               req.ID,
		EndTime:          end,
		DurationMS:       int(end.Sub(span.StartTime) / time.Millisecond),
		Status:           req.Status,
		ErrorMessage:     req.ErrorMessage,
		OutputData:       req.OutputData,
		Model:            req.Model,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		return models.Span{}, apperrors.Conflict("Span has already ended")
	case err != nil:
		return models.Span{}, notFound(err, "Span not found")
	}
	return out, nil
}

func (s *Service) GetSpan(ctx context.Context, id uuid.UUID) (models.Span, error) {
	span, err := s.store.GetSpan(ctx, id)
	if err != nil {
		return models.Span{}, notFound(err, "Span not found")
	}
	return span, nil
}

// ListTrace returns every span of traceID ordered by start time.
func (s *Service) ListTrace(ctx context.Context, traceID string) ([]models.Span, error) {
	spans, err := s.store.ListSpansByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return nil, apperrors.NotFound("Trace '%s' not found", traceID)
	}
	return spans, nil
}

func (s *Service) ListChildren(ctx context.Context, id uuid.UUID) ([]models.Span, error) {
	if _, err := s.store.GetSpan(ctx, id); err != nil {
		return nil, notFound(err, "Span not found")
	}
	return s.store.ListChildSpans(ctx, id)
}

// DeleteSpan removes the span together with its whole subtree.
func (s *Service) DeleteSpan(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteSpan(ctx, id); err != nil {
		return notFound(err, "Span not found")
	}
	return nil
}
