package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/promptledger/internal/models"
	"github.com/ILLUVRSE/promptledger/internal/service"
)

type modelRef struct {
	Provider  string `json:"provider"`
	ModelName string `json:"model_name"`
}

func (m modelRef) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Provider, validation.Required),
		validation.Field(&m.ModelName, validation.Required),
	)
}

type executionRequest struct {
	PromptName     string                 `json:"prompt_name"`
	VersionNumber  *int                   `json:"version_number"`
	Variables      map[string]interface{} `json:"variables"`
	Model          modelRef               `json:"model"`
	Params         models.Params          `json:"params"`
	Environment    string                 `json:"environment"`
	CorrelationID  *string                `json:"correlation_id"`
	IdempotencyKey *string                `json:"idempotency_key"`
}

func (r executionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PromptName, validation.Required),
		validation.Field(&r.Model),
		validation.Field(&r.VersionNumber, validation.Min(1)),
	)
}

func (r executionRequest) toService() service.ExecuteRequest {
	return service.ExecuteRequest{
		PromptName:     r.PromptName,
		VersionNumber:  r.VersionNumber,
		Variables:      r.Variables,
		Provider:       r.Model.Provider,
		ModelName:      r.Model.ModelName,
		Params:         r.Params,
		Environment:    r.Environment,
		CorrelationID:  r.CorrelationID,
		IdempotencyKey: r.IdempotencyKey,
	}
}

func (s *Server) decodeExecutionRequest(w http.ResponseWriter, r *http.Request) (executionRequest, bool) {
	var req executionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return req, false
	}
	if err := req.Validate(); err != nil {
		respondDetail(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

func syncBody(exec models.Execution) map[string]interface{} {
	return map[string]interface{}{
		"execution_id":  exec.ID,
		"status":        exec.Status,
		"mode":          exec.Mode,
		"response_text": exec.ResponseText,
		"telemetry":     exec.Telemetry,
	}
}

func asyncBody(exec models.Execution) map[string]interface{} {
	return map[string]interface{}{
		"execution_id": exec.ID,
		"status":       exec.Status,
		"mode":         exec.Mode,
	}
}

// executionBody is the status view of an execution. Results appear once it is
// terminal, error details on failure and telemetry once tokens are known.
func executionBody(exec models.Execution) map[string]interface{} {
	body := map[string]interface{}{
		"execution_id": exec.ID,
		"status":       exec.Status,
		"mode":         exec.Mode,
		"environment":  exec.Environment,
		"created_at":   exec.CreatedAt,
	}
	if exec.PromptName != "" {
		body["prompt_name"] = exec.PromptName
	}
	if exec.Terminal() {
		body["response_text"] = exec.ResponseText
		body["completed_at"] = exec.CompletedAt
		if exec.Status == models.ExecutionStatusFailed {
			body["error_type"] = exec.ErrorType
			body["error_message"] = exec.ErrorMessage
		}
	}
	if exec.Telemetry.PromptTokens != nil {
		body["telemetry"] = exec.Telemetry
	}
	return body
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExecutionRequest(w, r)
	if !ok {
		return
	}
	exec, err := s.service.ExecuteSync(r.Context(), req.toService())
	if err != nil {
		s.respondExecutionError(w, r, exec, err)
		return
	}
	respondJSON(w, http.StatusOK, syncBody(exec))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExecutionRequest(w, r)
	if !ok {
		return
	}
	exec, err := s.service.SubmitAsync(r.Context(), req.toService())
	if err != nil {
		s.respondExecutionError(w, r, exec, err)
		return
	}
	respondJSON(w, http.StatusOK, asyncBody(exec))
}

func parseExecutionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondDetail(w, http.StatusBadRequest, "Invalid execution ID format")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := parseExecutionID(w, r)
	if !ok {
		return
	}
	exec, err := s.service.GetExecution(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, executionBody(exec))
}

func (s *Server) handleExecutionByKey(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name, key := q.Get("prompt_name"), q.Get("idempotency_key")
	if name == "" || key == "" {
		respondDetail(w, http.StatusBadRequest, "prompt_name and idempotency_key are required")
		return
	}
	exec, err := s.service.GetExecutionByKey(r.Context(), name, key)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, executionBody(exec))
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := parseExecutionID(w, r)
	if !ok {
		return
	}
	exec, err := s.service.CancelExecution(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, executionBody(exec))
}

type executionListItem struct {
	ID          uuid.UUID  `json:"execution_id"`
	PromptName  string     `json:"prompt_name"`
	Status      string     `json:"status"`
	Mode        string     `json:"mode"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	q := r.URL.Query()
	page, err := s.service.ListExecutions(r.Context(), service.ListExecutionsRequest{
		PromptName: q.Get("prompt_name"),
		Status:     q.Get("status"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	items := make([]executionListItem, 0, len(page.Executions))
	for _, e := range page.Executions {
		items = append(items, executionListItem{
			ID:          e.ID,
			PromptName:  e.PromptName,
			Status:      e.Status,
			Mode:        e.Mode,
			CreatedAt:   e.CreatedAt,
			CompletedAt: e.CompletedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"executions": items,
		"total":      page.Total,
		"limit":      page.Limit,
		"offset":     page.Offset,
	})
}
