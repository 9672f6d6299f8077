package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/promptledger/internal/auth"
	"github.com/ILLUVRSE/promptledger/internal/config"
	"github.com/ILLUVRSE/promptledger/internal/httpserver"
	"github.com/ILLUVRSE/promptledger/internal/logger"
	"github.com/ILLUVRSE/promptledger/internal/runner"
	"github.com/ILLUVRSE/promptledger/internal/service"
	"github.com/ILLUVRSE/promptledger/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "prompt-ledger",
		Short:         "Prompt registry, execution and lineage service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is fine; the environment may already be set.
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
	}
	root.AddCommand(newServeCmd(), newWorkerCmd(), newMigrateCmd(), newSeedModelsCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var runWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return serve(ctx, a, runWorker)
			})
		},
	}
	cmd.Flags().BoolVar(&runWorker, "run-worker", false, "also process queued executions in this process")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.newRunner().Run(ctx)
			})
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if a.db == nil {
					return errors.New("migrate requires STORAGE=postgres")
				}
				return store.Migrate(ctx, a.db, a.log)
			})
		},
	}
}

func newSeedModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-models",
		Short: "Upsert the reference model catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				seeded, err := a.svc.SeedModels(ctx, service.DefaultCatalog)
				if err != nil {
					return err
				}
				for _, m := range seeded {
					fmt.Fprintf(cmd.OutOrStdout(), "%s/%s\n", m.Provider, m.ModelName)
				}
				return nil
			})
		},
	}
}

// withApp loads configuration, wires the application and runs fn until a
// termination signal arrives.
func withApp(parent context.Context, fn func(context.Context, *app) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serve(ctx context.Context, a *app, runWorker bool) error {
	srv := httpserver.New(a.svc, a.log, httpserver.Options{
		CORSOrigins: a.cfg.CORSOrigins,
		Auth: auth.Config{
			APIKey:    a.cfg.APIKey,
			JWTSecret: a.cfg.JWTSecret,
			Scope:     a.cfg.JWTScope,
		},
		RequestTimeout: a.cfg.ProviderTimeout + 30*time.Second,
	})
	httpServer := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("prompt ledger listening", "addr", a.cfg.Addr, "queue", a.cfg.QueueBackend, "storage", a.cfg.Storage)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("graceful shutdown failed", "error", err)
		}
		return nil
	})
	if runWorker {
		g.Go(func() error {
			return a.newRunner().Run(ctx)
		})
	}
	return g.Wait()
}

func (a *app) newRunner() *runner.Runner {
	return runner.New(a.svc, a.consumer, a.log, runner.Config{
		Concurrency:  a.cfg.WorkerConcurrency,
		PollInterval: a.cfg.WorkerPollInterval,
		RetryBase:    a.cfg.RetryBase,
		RetryMax:     a.cfg.RetryMax,
		MaxRetries:   a.cfg.MaxRetries,
	})
}
