package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ILLUVRSE/promptledger/internal/apperrors"
	"github.com/ILLUVRSE/promptledger/internal/checksum"
	"github.com/ILLUVRSE/promptledger/internal/logger"
	"github.com/ILLUVRSE/promptledger/internal/models"
	"github.com/ILLUVRSE/promptledger/internal/store"
)

type UpsertRequest struct {
	Name           string
	TemplateSource string
	Description    *string
	OwnerTeam      *string
	CreatedBy      *string
	SetActive      bool
	// Mode is the mode a newly created prompt gets and the mode an existing
	// prompt must already have. Empty means full.
	Mode string
}

type UpsertResult struct {
	Prompt         models.Prompt
	Version        models.PromptVersion
	VersionChanged bool
	// PreviousVersion is the highest version number before a new version was
	// inserted. Nil when nothing was inserted or the prompt was new.
	PreviousVersion *int
}

// UpsertPrompt stores template content for name, creating the prompt and a new
// version as needed. Identical content reuses the existing version.
func (s *Service) UpsertPrompt(ctx context.Context, req UpsertRequest) (UpsertResult, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return UpsertResult{}, apperrors.Validation("prompt name is required")
	}
	if req.TemplateSource == "" {
		return UpsertResult{}, apperrors.Validation("template_source is required")
	}
	if req.Mode == "" {
		req.Mode = models.PromptModeFull
	}
	if req.Mode != models.PromptModeFull && req.Mode != models.PromptModeTracking {
		return UpsertResult{}, apperrors.Validation("invalid prompt mode: %s", req.Mode)
	}

	res, err := s.upsertOnce(ctx, req)
	if errors.Is(err, store.ErrConflict) {
		s.log.Warn("prompt upsert raced, retrying", logger.FieldPromptName, req.Name, "error", err)
		res, err = s.upsertOnce(ctx, req)
	}
	if errors.Is(err, store.ErrConflict) {
		return UpsertResult{}, apperrors.Conflict("Concurrent update of prompt '%s', retry the request", req.Name)
	}
	if err != nil {
		return UpsertResult{}, err
	}
	if res.VersionChanged {
		s.log.Info("prompt version created",
			logger.FieldPromptName, req.Name,
			"version", res.Version.VersionNumber,
			"mode", res.Prompt.Mode,
		)
		s.archiveVersion(ctx, req.Name, res.Version)
	}
	return res, nil
}

func (s *Service) upsertOnce(ctx context.Context, req UpsertRequest) (UpsertResult, error) {
	var res UpsertResult
	err := s.store.InTx(ctx, func(tx store.Session) error {
		prompt, err := tx.GetPromptByName(ctx, req.Name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			prompt, err = tx.CreatePrompt(ctx, store.PromptInput{
				Name:        req.Name,
				Mode:        req.Mode,
				Description: req.Description,
				OwnerTeam:   req.OwnerTeam,
			})
			if err != nil {
				return err
			}
		case err != nil:
			return err
		case prompt.Mode != req.Mode:
			return modeMismatch(prompt, req.Mode)
		}

		sum := checksum.Compute(req.TemplateSource)
		version, err := tx.GetVersionByChecksum(ctx, prompt.ID, sum)
		switch {
		case errors.Is(err, store.ErrNotFound):
			highest, err := tx.MaxVersionNumber(ctx, prompt.ID)
			if err != nil {
				return err
			}
			if highest > 0 {
				res.PreviousVersion = ptr(highest)
			}
			version, err = tx.CreateVersion(ctx, store.VersionInput{
				PromptID:       prompt.ID,
				VersionNumber:  highest + 1,
				TemplateSource: req.TemplateSource,
				ChecksumHash:   sum,
				Status:         models.VersionStatusDraft,
				CreatedBy:      req.CreatedBy,
			})
			if err != nil {
				return err
			}
			res.VersionChanged = true
		case err != nil:
			return err
		}

		if req.SetActive && !isActive(prompt, version) {
			prompt, err = tx.ActivateVersion(ctx, prompt.ID, version.ID)
			if err != nil {
				return err
			}
			version.Status = models.VersionStatusActive
		}
		res.Prompt = prompt
		res.Version = version
		return nil
	})
	return res, err
}

func isActive(p models.Prompt, v models.PromptVersion) bool {
	return p.ActiveVersionID != nil && *p.ActiveVersionID == v.ID && v.Status == models.VersionStatusActive
}

func modeMismatch(p models.Prompt, expected string) error {
	hint := "Use code-based endpoints instead."
	if expected != models.PromptModeFull {
		hint = fmt.Sprintf("Use PUT /v1/prompts/%s instead.", p.Name)
	}
	return &apperrors.ModeMismatchError{Name: p.Name, Mode: p.Mode, Expected: expected, Hint: hint}
}

// ValidateMode loads name and checks that it is managed in expected mode.
// operation only labels the log line.
func (s *Service) ValidateMode(ctx context.Context, name, expected, operation string) (models.Prompt, error) {
	p, err := s.store.GetPromptByName(ctx, name)
	if err != nil {
		return models.Prompt{}, notFound(err, "Prompt '%s' not found", name)
	}
	if p.Mode != expected {
		s.log.Debug("mode mismatch", logger.FieldPromptName, name, "mode", p.Mode, "expected", expected, "operation", operation)
		return models.Prompt{}, modeMismatch(p, expected)
	}
	return p, nil
}

type CodePrompt struct {
	Name           string
	TemplateSource string
	// TemplateHash is accepted for compatibility and ignored; the checksum is
	// always computed server side.
	TemplateHash string
}

type Registration struct {
	Name            string `json:"name"`
	Mode            string `json:"mode"`
	Version         int    `json:"version"`
	ChangeDetected  bool   `json:"change_detected"`
	PreviousVersion *int   `json:"previous_version"`
}

// RegisterCodePrompts records templates that live in application code. Each
// prompt is upserted in tracking mode and its current content becomes active.
// Registration stops at the first failure.
func (s *Service) RegisterCodePrompts(ctx context.Context, prompts []CodePrompt) ([]Registration, error) {
	out := make([]Registration, 0, len(prompts))
	for _, cp := range prompts {
		res, err := s.UpsertPrompt(ctx, UpsertRequest{
			Name:           cp.Name,
			TemplateSource: cp.TemplateSource,
			SetActive:      true,
			Mode:           models.PromptModeTracking,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, Registration{
			Name:            res.Prompt.Name,
			Mode:            models.PromptModeTracking,
			Version:         res.Version.VersionNumber,
			ChangeDetected:  res.VersionChanged && res.PreviousVersion != nil,
			PreviousVersion: res.PreviousVersion,
		})
	}
	return out, nil
}

type PromptDetail struct {
	Prompt        models.Prompt
	ActiveVersion *models.PromptVersion
}

func (s *Service) GetPrompt(ctx context.Context, name string) (PromptDetail, error) {
	p, err := s.store.GetPromptByName(ctx, name)
	if err != nil {
		return PromptDetail{}, notFound(err, "Prompt not found")
	}
	detail := PromptDetail{Prompt: p}
	if p.ActiveVersionID != nil {
		v, err := s.store.GetVersion(ctx, *p.ActiveVersionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return PromptDetail{}, err
		}
		if err == nil {
			detail.ActiveVersion = &v
		}
	}
	return detail, nil
}

type ListPromptsRequest struct {
	Mode   string
	Limit  int
	Offset int
}

type PromptPage struct {
	Prompts []models.Prompt
	Total   int
}

func (s *Service) ListPrompts(ctx context.Context, req ListPromptsRequest) (PromptPage, error) {
	if req.Mode != "" && req.Mode != models.PromptModeFull && req.Mode != models.PromptModeTracking {
		return PromptPage{}, apperrors.Validation("invalid prompt mode: %s", req.Mode)
	}
	prompts, err := s.store.ListPrompts(ctx, store.ListPromptsFilter{Mode: req.Mode, Limit: req.Limit, Offset: req.Offset})
	if err != nil {
		return PromptPage{}, err
	}
	total, err := s.store.CountPrompts(ctx, req.Mode)
	if err != nil {
		return PromptPage{}, err
	}
	return PromptPage{Prompts: prompts, Total: total}, nil
}

// ListVersions returns every version of name, newest first.
func (s *Service) ListVersions(ctx context.Context, name string) ([]models.PromptVersion, error) {
	p, err := s.store.GetPromptByName(ctx, name)
	if err != nil {
		return nil, notFound(err, "Prompt not found")
	}
	return s.store.ListVersions(ctx, p.ID)
}

type History struct {
	Prompt         models.Prompt
	CurrentVersion *int
	Versions       []models.VersionHistory
}

// History returns the versions of a prompt in either mode with usage counts,
// newest first.
func (s *Service) History(ctx context.Context, name string) (History, error) {
	p, err := s.store.GetPromptByName(ctx, name)
	if err != nil {
		return History{}, notFound(err, "Prompt '%s' not found", name)
	}
	versions, err := s.store.ListVersionHistory(ctx, p.ID)
	if err != nil {
		return History{}, err
	}
	h := History{Prompt: p, Versions: versions}
	if len(versions) > 0 {
		h.CurrentVersion = ptr(versions[0].Version.VersionNumber)
	}
	return h, nil
}
