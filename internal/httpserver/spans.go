package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/promptledger/internal/models"
	"github.com/ILLUVRSE/promptledger/internal/service"
)

var spanStatuses = []interface{}{models.SpanStatusOK, models.SpanStatusError}

type createSpanRequest struct {
	SpanID           *uuid.UUID      `json:"span_id"`
	TraceID          string          `json:"trace_id"`
	ParentSpanID     *uuid.UUID      `json:"parent_span_id"`
	Name             string          `json:"name"`
	Kind             string          `json:"kind"`
	StartTime        *time.Time      `json:"start_time"`
	EndTime          *time.Time      `json:"end_time"`
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

func (r createSpanRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.TraceID, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Kind, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Status, validation.In(spanStatuses...)),
		validation.Field(&r.PromptTokens, validation.Min(0)),
		validation.Field(&r.CompletionTokens, validation.Min(0)),
	)
}

func (s *Server) handleCreateSpan(w http.ResponseWriter, r *http.Request) {
	var req createSpanRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	in := service.CreateSpanRequest{
		TraceID:          req.TraceID,
		ParentSpanID:     req.ParentSpanID,
		Name:             req.Name,
		Kind:             req.Kind,
		StartTime:        req.StartTime,
		EndTime:          req.EndTime,
		Status:           req.Status,
		ErrorMessage:     req.ErrorMessage,
		InputData:        req.InputData,
		OutputData:       req.OutputData,
		Attributes:       req.Attributes,
		Model:            req.Model,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		ExecutionID:      req.ExecutionID,
	}
	if req.SpanID != nil {
		in.ID = *req.SpanID
	}
	span, err := s.service.CreateSpan(r.Context(), in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, span)
}

type endSpanRequest struct {
	EndTime          *time.Time      `json:"end_time"`
	Status           string          `json:"status"`
	ErrorMessage     *string         `json:"error_message"`
	OutputData       json.RawMessage `json:"output_data"`
	Model            *string         `json:"model"`
	PromptTokens     *int            `json:"prompt_tokens"`
	CompletionTokens *int            `json:"completion_tokens"`
}

func (r endSpanRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Status, validation.In(spanStatuses...)),
		validation.Field(&r.PromptTokens, validation.Min(0)),
		validation.Field(&r.CompletionTokens, validation.Min(0)),
	)
}

func parseSpanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondDetail(w, http.StatusBadRequest, "Invalid span ID format")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleEndSpan(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSpanID(w, r)
	if !ok {
		return
	}
	var req endSpanRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	span, err := s.service.EndSpan(r.Context(), service.EndSpanRequest{
		ID:               id,
		EndTime:          req.EndTime,
		Status:           req.Status,
		ErrorMessage:     req.ErrorMessage,
		OutputData:       req.OutputData,
		Model:            req.Model,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, span)
}

func (s *Server) handleGetSpan(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSpanID(w, r)
	if !ok {
		return
	}
	span, err := s.service.GetSpan(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, span)
}

func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSpanID(w, r)
	if !ok {
		return
	}
	spans, err := s.service.ListChildren(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"spans": spans})
}

func (s *Server) handleDeleteSpan(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSpanID(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteSpan(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceID")
	spans, err := s.service.ListTrace(r.Context(), traceID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"trace_id": traceID, "spans": spans})
}
