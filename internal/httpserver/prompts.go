package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/promptledger/internal/apperrors"
	"github.com/ILLUVRSE/promptledger/internal/models"
	"github.com/ILLUVRSE/promptledger/internal/provider"
	"github.com/ILLUVRSE/promptledger/internal/service"
)

type upsertPromptRequest struct {
	TemplateSource string  `json:"template_source"`
	Description    *string `json:"description"`
	OwnerTeam      *string `json:"owner_team"`
	CreatedBy      *string `json:"created_by"`
	SetActive      bool    `json:"set_active"`
}

func (r upsertPromptRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.TemplateSource, validation.Required),
	)
}

type promptRef struct {
	ID   uuid.UUID `json:"prompt_id"`
	Name string    `json:"name"`
}

type versionRef struct {
	ID            uuid.UUID `json:"version_id"`
	VersionNumber int       `json:"version_number"`
}

type upsertPromptResponse struct {
	Prompt        promptRef  `json:"prompt"`
	Version       versionRef `json:"version"`
	VersionChange bool       `json:"version_change"`
}

func (s *Server) handleUpsertPrompt(w http.ResponseWriter, r *http.Request) {
	var req upsertPromptRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.service.UpsertPrompt(r.Context(), service.UpsertRequest{
		Name:           chi.URLParam(r, "name"),
		TemplateSource: req.TemplateSource,
		Description:    req.Description,
		OwnerTeam:      req.OwnerTeam,
		CreatedBy:      req.CreatedBy,
		SetActive:      req.SetActive,
		Mode:           models.PromptModeFull,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, upsertPromptResponse{
		Prompt:        promptRef{ID: res.Prompt.ID, Name: res.Prompt.Name},
		Version:       versionRef{ID: res.Version.ID, VersionNumber: res.Version.VersionNumber},
		VersionChange: res.VersionChanged,
	})
}

type promptSummary struct {
	ID          uuid.UUID `json:"prompt_id"`
	Name        string    `json:"name"`
	Mode        string    `json:"mode"`
	Description *string   `json:"description"`
	OwnerTeam   *string   `json:"owner_team"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func summarizePrompt(p models.Prompt) promptSummary {
	return promptSummary{
		ID:          p.ID,
		Name:        p.Name,
		Mode:        p.Mode,
		Description: p.Description,
		OwnerTeam:   p.OwnerTeam,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
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
	page, err := s.service.ListPrompts(r.Context(), service.ListPromptsRequest{
		Mode:   r.URL.Query().Get("mode"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]promptSummary, 0, len(page.Prompts))
	for _, p := range page.Prompts {
		out = append(out, summarizePrompt(p))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"prompts": out,
		"total":   page.Total,
		"limit":   limit,
		"offset":  offset,
	})
}

type activeVersion struct {
	ID             uuid.UUID `json:"version_id"`
	VersionNumber  int       `json:"version_number"`
	TemplateSource string    `json:"template_source"`
	Status         string    `json:"status"`
}

type promptDetailResponse struct {
	promptSummary
	ActiveVersion *activeVersion `json:"active_version,omitempty"`
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	detail, err := s.service.GetPrompt(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp := promptDetailResponse{promptSummary: summarizePrompt(detail.Prompt)}
	if v := detail.ActiveVersion; v != nil {
		resp.ActiveVersion = &activeVersion{
			ID:             v.ID,
			VersionNumber:  v.VersionNumber,
			TemplateSource: v.TemplateSource,
			Status:         v.Status,
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

type versionSummary struct {
	ID            uuid.UUID `json:"version_id"`
	VersionNumber int       `json:"version_number"`
	Status        string    `json:"status"`
	ChecksumHash  string    `json:"checksum_hash"`
	CreatedBy     *string   `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.service.ListVersions(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]versionSummary, 0, len(versions))
	for _, v := range versions {
		out = append(out, versionSummary{
			ID:            v.ID,
			VersionNumber: v.VersionNumber,
			Status:        v.Status,
			ChecksumHash:  v.ChecksumHash,
			CreatedBy:     v.CreatedBy,
			CreatedAt:     v.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type codePrompt struct {
	Name           string `json:"name"`
	TemplateSource string `json:"template_source"`
	TemplateHash   string `json:"template_hash"`
}

func (p codePrompt) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required),
		validation.Field(&p.TemplateSource, validation.Required),
	)
}

type registerCodeRequest struct {
	Prompts []codePrompt `json:"prompts"`
}

func (s *Server) handleRegisterCode(w http.ResponseWriter, r *http.Request) {
	var req registerCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if len(req.Prompts) == 0 {
		respondDetail(w, http.StatusBadRequest, "No prompts provided. Include 'prompts' array in request body.")
		return
	}
	if err := validation.Validate(req.Prompts); err != nil {
		respondDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	prompts := make([]service.CodePrompt, 0, len(req.Prompts))
	for _, p := range req.Prompts {
		prompts = append(prompts, service.CodePrompt{Name: p.Name, TemplateSource: p.TemplateSource, TemplateHash: p.TemplateHash})
	}
	registered, err := s.service.RegisterCodePrompts(r.Context(), prompts)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"registered": registered})
}

type executeCodePromptRequest struct {
	Variables map[string]interface{} `json:"variables"`
	Version   *int                   `json:"version"`
	// Provider defaults to openai.
	Provider       string        `json:"provider"`
	ModelName      string        `json:"model_name"`
	Mode           string        `json:"mode"`
	Params         models.Params `json:"params"`
	Environment    string        `json:"environment"`
	CorrelationID  *string       `json:"correlation_id"`
	IdempotencyKey *string       `json:"idempotency_key"`
}

func (s *Server) handleExecuteCodePrompt(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req executeCodePromptRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if _, err := s.service.ValidateMode(r.Context(), name, models.PromptModeTracking, "execute operation"); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Mode == "" {
		req.Mode = models.ExecutionModeSync
	}
	if req.Mode != models.ExecutionModeSync && req.Mode != models.ExecutionModeAsync {
		respondDetail(w, http.StatusBadRequest, "Invalid execution mode: "+req.Mode+". Must be 'sync' or 'async'.")
		return
	}
	execReq := service.ExecuteRequest{
		PromptName:     name,
		VersionNumber:  req.Version,
		Variables:      req.Variables,
		Provider:       defaultString(req.Provider, provider.OpenAIName),
		ModelName:      defaultString(req.ModelName, "gpt-4o-mini"),
		Params:         req.Params,
		Environment:    defaultString(req.Environment, "dev"),
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
	}

	var body map[string]interface{}
	if req.Mode == models.ExecutionModeSync {
		exec, err := s.service.ExecuteSync(r.Context(), execReq)
		if err != nil {
			s.respondExecutionError(w, r, exec, err)
			return
		}
		body = syncBody(exec)
	} else {
		exec, err := s.service.SubmitAsync(r.Context(), execReq)
		if err != nil {
			s.respondExecutionError(w, r, exec, err)
			return
		}
		body = asyncBody(exec)
	}
	body["prompt_mode"] = models.PromptModeTracking
	respondJSON(w, http.StatusOK, body)
}

type historyVersion struct {
	Version        int       `json:"version"`
	TemplateHash   string    `json:"template_hash"`
	TemplateSource string    `json:"template_source"`
	CreatedAt      time.Time `json:"created_at"`
	ExecutionCount int       `json:"execution_count"`
}

type historyResponse struct {
	PromptName     string           `json:"prompt_name"`
	Mode           string           `json:"mode"`
	CurrentVersion *int             `json:"current_version"`
	Versions       []historyVersion `json:"versions"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.service.History(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp := historyResponse{
		PromptName:     h.Prompt.Name,
		Mode:           h.Prompt.Mode,
		CurrentVersion: h.CurrentVersion,
		Versions:       make([]historyVersion, 0, len(h.Versions)),
	}
	for _, v := range h.Versions {
		resp.Versions = append(resp.Versions, historyVersion{
			Version:        v.Version.VersionNumber,
			TemplateHash:   v.Version.ChecksumHash,
			TemplateSource: v.Version.TemplateSource,
			CreatedAt:      v.Version.CreatedAt,
			ExecutionCount: v.ExecutionCount,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// respondExecutionError reports err and, when the execution was recorded
// before the failure, its id.
func (s *Server) respondExecutionError(w http.ResponseWriter, r *http.Request, exec models.Execution, err error) {
	if exec.ID == uuid.Nil || apperrors.KindOf(err) == apperrors.KindInternal {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, apperrors.StatusOf(err), map[string]interface{}{
		"detail":       err.Error(),
		"error_type":   apperrors.KindOf(err),
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}
