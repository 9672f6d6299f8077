package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ILLUVRSE/promptledger/internal/apperrors"
	"github.com/ILLUVRSE/promptledger/internal/archive"
	"github.com/ILLUVRSE/promptledger/internal/logger"
	"github.com/ILLUVRSE/promptledger/internal/models"
	"github.com/ILLUVRSE/promptledger/internal/provider"
	"github.com/ILLUVRSE/promptledger/internal/queue"
	"github.com/ILLUVRSE/promptledger/internal/store"
)

const tracerName = "github.com/ILLUVRSE/promptledger/internal/service"

type Config struct {
	// ProviderTimeout bounds a single Generate call.
	ProviderTimeout    time.Duration
	DefaultEnvironment string
}

func (c Config) withDefaults() Config {
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 60 * time.Second
	}
	if c.DefaultEnvironment == "" {
		c.DefaultEnvironment = "dev"
	}
	return c
}

type Service struct {
	store     store.Store
	providers *provider.Factory
	publisher queue.Publisher
	archiver  archive.Archiver
	log       *logger.Logger
	tracer    trace.Tracer
	cfg       Config
	now       func() time.Time
}

// New wires the registry and execution engine. A nil publisher disables async
// submission; a nil archiver disables archiving.
func New(st store.Store, providers *provider.Factory, publisher queue.Publisher, archiver archive.Archiver, log *logger.Logger, cfg Config) *Service {
	if archiver == nil {
		archiver = archive.Noop{}
	}
	if providers == nil {
		providers = provider.NewFactory()
	}
	return &Service{
		store:     st,
		providers: providers,
		publisher: publisher,
		archiver:  archiver,
		log:       logger.OrNop(log),
		tracer:    otel.Tracer(tracerName),
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// notFound converts a store miss into a NotFoundError with msg and passes other errors through.
func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NotFound(format, args...)
	}
	return err
}

func (s *Service) archiveExecution(ctx context.Context, exec models.Execution) {
	if err := s.archiver.ArchiveExecution(ctx, exec); err != nil {
		s.log.Warn("archive execution failed", logger.FieldExecutionID, exec.ID.String(), "error", err)
	}
}

func (s *Service) archiveVersion(ctx context.Context, promptName string, v models.PromptVersion) {
	if err := s.archiver.ArchiveVersion(ctx, promptName, v); err != nil {
		s.log.Warn("archive version failed", logger.FieldPromptName, promptName, "version", v.VersionNumber, "error", err)
	}
}

func ptr[T any](v T) *T {
	return &v
}
