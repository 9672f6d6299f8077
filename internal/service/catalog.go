package service

import (
	"context"

	"github.com/ILLUVRSE/promptledger/internal/logger"
	"github.com/ILLUVRSE/promptledger/internal/models"
	"github.com/ILLUVRSE/promptledger/internal/store"
)

// DefaultCatalog is the reference model list installed by seed-models.
var DefaultCatalog = []store.ModelInput{
	{Provider: "openai", ModelName: "gpt-4o", MaxTokens: ptr(128000), SupportsStreaming: true},
	{Provider: "openai", ModelName: "gpt-4o-mini", MaxTokens: ptr(128000), SupportsStreaming: true},
	{Provider: "openai", ModelName: "gpt-4-turbo", MaxTokens: ptr(128000), SupportsStreaming: true},
	{Provider: "openai", ModelName: "gpt-3.5-turbo", MaxTokens: ptr(16384), SupportsStreaming: true},
}

// SeedModels upserts catalog entries; existing rows keep their ids.
func (s *Service) SeedModels(ctx context.Context, catalog []store.ModelInput) ([]models.Model, error) {
	out := make([]models.Model, 0, len(catalog))
	err := s.store.InTx(ctx, func(tx store.Session) error {
		for _, in := range catalog {
			m, err := tx.UpsertModel(ctx, in)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("model catalog seeded", logger.FieldComponent, "catalog", "count", len(out))
	return out, nil
}

func (s *Service) ListModels(ctx context.Context) ([]models.Model, error) {
	return s.store.ListModels(ctx)
}
