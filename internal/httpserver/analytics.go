package httpserver

import (
	"net/http"

	"github.com/ILLUVRSE/promptledger/internal/models"
	"github.com/ILLUVRSE/promptledger/internal/service"
)

type modeSummary struct {
	ExecutionCount int `json:"execution_count"`
	AvgLatencyMS   int `json:"avg_latency_ms"`
}

func (s *Server) handlePromptAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.service.PromptAnalytics(r.Context(), r.URL.Query().Get("mode"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if a.Mode != service.ModeAll {
		st := a.ByMode[a.Mode]
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"mode":            a.Mode,
			"prompt_count":    st.PromptCount,
			"execution_count": st.ExecutionCount,
			"avg_latency_ms":  st.AvgLatencyMS,
		})
		return
	}
	full, tracking := a.ByMode[models.PromptModeFull], a.ByMode[models.PromptModeTracking]
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"summary": map[string]int{
			"total_executions":      a.TotalExecutions(),
			"full_mode_prompts":     full.PromptCount,
			"tracking_mode_prompts": tracking.PromptCount,
		},
		"by_mode": map[string]modeSummary{
			models.PromptModeFull:     {ExecutionCount: full.ExecutionCount, AvgLatencyMS: full.AvgLatencyMS},
			models.PromptModeTracking: {ExecutionCount: tracking.ExecutionCount, AvgLatencyMS: tracking.AvgLatencyMS},
		},
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.ListModels(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"models": list})
}
