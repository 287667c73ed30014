// Package daemon wires the full runtime together and owns its lifecycle:
// store, event bus, metrics, pipelines, notifier, and the HTTP API.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"sidequest/internal/activity"
	"sidequest/internal/clock"
	"sidequest/internal/config"
	"sidequest/internal/db"
	"sidequest/internal/events"
	"sidequest/internal/git"
	"sidequest/internal/httpapi"
	"sidequest/internal/metrics"
	"sidequest/internal/notify"
	"sidequest/internal/pipeline"
	"sidequest/internal/retry"
)

const shutdownTimeout = 10 * time.Second

// Run starts the daemon and blocks until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Server.PIDFile), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := WritePID(cfg.Server.PIDFile); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer RemovePID(cfg.Server.PIDFile)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	clk := clock.System{}

	m := metrics.New()
	m.AttachBus(bus)

	feed := activity.NewFeed(cfg.Activity.MaxEntries)
	feed.AttachBus(bus)

	notifier := notify.New(cfg.Notifications, nil)
	notifier.AttachBus(bus)

	retries := retry.NewController(bus, clk, retry.Options{
		MaxAbsoluteAttempts: cfg.Retry.MaxAbsoluteAttempts,
	})

	var workflow *git.Workflow
	if cfg.Git.Enabled {
		workflow = git.NewWorkflow(git.Config{
			BranchPrefix: cfg.Git.BranchPrefix,
			BaseBranch:   cfg.Git.BaseBranch,
			DryRun:       cfg.Git.DryRun,
			EnablePR:     cfg.Git.EnablePRCreation,
			PRDryRun:     cfg.Git.PRDryRun,
			GitHubToken:  cfg.Tokens.GitHub,
		})
	}

	env := pipeline.Env{
		Cfg:     cfg,
		Store:   store,
		Bus:     bus,
		Clock:   clk,
		Retries: retries,
		Git:     workflow,
	}
	registry := BuildRegistry(env)

	if err := registry.InitializeAll(ctx); err != nil {
		return fmt.Errorf("initialize pipelines: %w", err)
	}
	registry.StartAll(ctx)

	srv := httpapi.NewServer(cfg, store, registry, feed, m)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("api server starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		notifier.Run(ctx)
	}()

	slog.Info("daemon started", "port", cfg.Server.Port, "pipelines", registry.Supported())

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping...")

	// Force-exit on second signal.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Error("second signal received, forcing exit")
		os.Exit(1)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = httpSrv.Shutdown(shutdownCtx)
		registry.Shutdown(shutdownCtx)
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("daemon stopped")
	case <-shutdownCtx.Done():
		slog.Error("shutdown timed out, forcing exit")
		os.Exit(1)
	}

	return nil
}

// BuildRegistry registers every pipeline factory against the shared env.
func BuildRegistry(env pipeline.Env) *pipeline.Registry {
	registry := pipeline.NewRegistry()
	registry.Register(pipeline.PipelineRepomix, func(ctx context.Context) (pipeline.Worker, error) {
		return pipeline.NewRepomixWorker(env, env.Cfg.Workspace.OutputDir), nil
	})
	registry.Register(pipeline.PipelineDuplicates, func(ctx context.Context) (pipeline.Worker, error) {
		return pipeline.NewDuplicateWorker(env)
	})
	registry.Register(pipeline.PipelineSchema, func(ctx context.Context) (pipeline.Worker, error) {
		return pipeline.NewSchemaWorker(env, nil), nil
	})
	registry.Register(pipeline.PipelineGitActivity, func(ctx context.Context) (pipeline.Worker, error) {
		return pipeline.NewGitActivityWorker(env, env.Cfg.Workspace.ScanRoots), nil
	})
	return registry
}
