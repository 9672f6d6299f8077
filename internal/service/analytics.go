package service

import (
	"context"

	"github.com/ILLUVRSE/promptledger/internal/apperrors"
	"github.com/ILLUVRSE/promptledger/internal/models"
)

const ModeAll = "all"

type Analytics struct {
	// Mode is "all" or a single prompt mode.
	Mode   string
	ByMode map[string]models.ModeStats
}

// TotalExecutions sums executions across the returned modes.
func (a Analytics) TotalExecutions() int {
	total := 0
	for _, st := range a.ByMode {
		total += st.ExecutionCount
	}
	return total
}

// PromptAnalytics aggregates prompt and execution counts per mode.
func (s *Service) PromptAnalytics(ctx context.Context, mode string) (Analytics, error) {
	if mode == "" {
		mode = ModeAll
	}
	var modes []string
	switch mode {
	case ModeAll:
		modes = []string{models.PromptModeFull, models.PromptModeTracking}
	case models.PromptModeFull, models.PromptModeTracking:
		modes = []string{mode}
	default:
		return Analytics{}, apperrors.Validation("Invalid mode: %s. Must be 'all', 'full' or 'tracking'.", mode)
	}
	out := Analytics{Mode: mode, ByMode: make(map[string]models.ModeStats, len(modes))}
	for _, m := range modes {
		st, err := s.store.ExecutionStats(ctx, m)
		if err != nil {
			return Analytics{}, err
		}
		out.ByMode[m] = st
	}
	return out, nil
}
