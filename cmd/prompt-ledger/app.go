package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/promptledger/internal/archive"
	"github.com/ILLUVRSE/promptledger/internal/config"
	"github.com/ILLUVRSE/promptledger/internal/logger"
	"github.com/ILLUVRSE/promptledger/internal/provider"
	"github.com/ILLUVRSE/promptledger/internal/queue"
	"github.com/ILLUVRSE/promptledger/internal/service"
	"github.com/ILLUVRSE/promptledger/internal/store"
)

type app struct {
	cfg      config.Config
	log      *logger.Logger
	db       *sql.DB
	store    store.Store
	svc      *service.Service
	consumer queue.Consumer
	closers  []func() error
}

func newApp(ctx context.Context, cfg config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	switch cfg.Storage {
	case config.StorageMemory:
		a.store = store.NewMemoryStore()
	default:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		a.closers = append(a.closers, db.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("db ping: %w", err)
		}
		a.db = db
		a.store = store.NewPGStore(db)
	}

	publisher, err := a.wireQueue(ctx)
	if err != nil {
		return nil, err
	}

	var arch archive.Archiver
	if cfg.S3Bucket != "" {
		s3a, err := archive.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, fmt.Errorf("s3 archiver: %w", err)
		}
		arch = s3a
	}

	a.svc = service.New(a.store, newProviders(cfg), publisher, arch, log, service.Config{
		ProviderTimeout:    cfg.ProviderTimeout,
		DefaultEnvironment: cfg.Environment,
	})
	if cfg.Storage == config.StorageMemory {
		if _, err := a.svc.SeedModels(ctx, service.DefaultCatalog); err != nil {
			return nil, err
		}
	}
	ok = true
	return a, nil
}

// wireQueue builds the publisher and consumer for the configured backend.
func (a *app) wireQueue(ctx context.Context) (queue.Publisher, error) {
	switch a.cfg.QueueBackend {
	case queue.BackendMemory:
		q := queue.NewMemoryQueue(0)
		a.consumer = q
		a.closers = append(a.closers, q.Close)
		return q, nil
	case queue.BackendRedis:
		q, err := queue.NewRedisQueue(ctx, queue.RedisConfig{URL: a.cfg.RedisURL, Key: a.cfg.RedisQueueKey})
		if err != nil {
			return nil, err
		}
		a.consumer = q
		a.closers = append(a.closers, q.Close)
		return q, nil
	case queue.BackendKafka:
		kcfg := queue.KafkaConfig{Brokers: a.cfg.KafkaBrokers, Topic: a.cfg.KafkaTopic, GroupID: a.cfg.KafkaGroupID}
		pub, err := queue.NewKafkaPublisher(kcfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		c, err := queue.NewKafkaConsumer(kcfg)
		if err != nil {
			return nil, err
		}
		a.consumer = c
		a.closers = append(a.closers, c.Close)
		return pub, nil
	default:
		q := queue.NewStoreQueue(a.store, a.cfg.WorkerLease)
		a.consumer = q
		return q, nil
	}
}

func newProviders(cfg config.Config) *provider.Factory {
	f := provider.NewFactory()
	f.Register(provider.OpenAIName, func() (provider.Provider, error) {
		return provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.ProviderTimeout,
		})
	})
	f.RegisterInstance(provider.StaticName, provider.NewStaticProvider("{prompt}"))
	return f
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
