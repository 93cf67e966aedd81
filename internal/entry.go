// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/nbrewer/mneme/internal/api"
	"github.com/nbrewer/mneme/internal/attach"
	"github.com/nbrewer/mneme/internal/mcpserver"
	"github.com/nbrewer/mneme/internal/queue"
	"github.com/nbrewer/mneme/internal/review"
	"github.com/nbrewer/mneme/internal/settings"
	"github.com/nbrewer/mneme/internal/sse"
	"github.com/nbrewer/mneme/internal/storage"
	"github.com/nbrewer/mneme/internal/store"
	"github.com/nbrewer/mneme/internal/watcher"
	pkgconfig "github.com/nbrewer/mneme/pkg/config"
)

// Run starts the engine with the given options: HTTP API, SSE broker,
// queue worker, retention sweeper, and config hot reload.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("blobs_path", cfg.Blobs.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Open the document store.
	db, err := store.Open(cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	// Heal any tag-index drift left by a previous crash.
	if report, err := db.ReconcileTags(); err != nil {
		logger.Warn("initial tag reconcile failed", slog.String("error", err.Error()))
	} else if report.EntriesFixed > 0 || report.EntriesRemoved > 0 {
		logger.Info("tag index reconciled",
			slog.Int("fixed", report.EntriesFixed),
			slog.Int("removed", report.EntriesRemoved))
	}

	// Blob storage for attachments.
	blobs, err := storage.NewFS(cfg.Blobs.Path)
	if err != nil {
		return fmt.Errorf("init blob storage: %w", err)
	}

	// Domain layers over the shared database.
	ops := queue.New(db.SQL())
	scheduler := review.NewScheduler(db, cfg.Review.Policy())
	prefs := settings.New(db.SQL())
	attachments := attach.New(db.SQL(), blobs)

	// SSE broker.
	broker := sse.NewBroker()
	defer broker.Close()

	// Build API handlers and router.
	h := api.NewHandler(db, ops, scheduler, prefs, broker)
	ah := api.NewAttachmentHandler(attachments)
	apiRouter := api.NewRouter(h, ah, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.SQL().PingContext(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Queue worker: drains ready operations in the background. Only the
	// local maintenance kind is handled here; everything else (e.g.
	// tag_generation) stays pending for collaborators polling over the
	// API or MCP.
	if cfg.Queue.Enabled {
		worker := queue.NewWorker(ops, cfg.Queue.PollInterval(), cfg.Queue.BatchSize, logger)
		worker.Register("tag_reconcile", func(context.Context, queue.Operation) error {
			_, err := db.ReconcileTags()
			return err
		})
		worker.OnResult = func(res queue.Result) {
			if res.Err == nil {
				broker.Publish(sse.Event{Type: sse.EventQueueCompleted, Data: map[string]string{"id": res.Op.ID}})
			} else if !res.Retrying {
				broker.Publish(sse.Event{Type: sse.EventQueueFailed, Data: map[string]string{"id": res.Op.ID}})
			}
		}
		g.Go(func() error {
			worker.Run(gCtx)
			return nil
		})
	}

	// Retention sweeper: purges aged tombstones, completed operations,
	// orphaned blobs, and re-checks tag counts. Failures are logged and
	// retried next cycle, never fatal.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Retention.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				now := time.Now()
				if n, err := db.PurgeDeletedNotes(now.AddDate(0, 0, -cfg.Retention.NoteDays)); err != nil {
					logger.Warn("note purge failed", slog.String("error", err.Error()))
				} else if n > 0 {
					logger.Info("purged tombstoned notes", slog.Int("count", n))
				}
				if n, err := ops.PurgeCompleted(now.AddDate(0, 0, -cfg.Retention.OperationDays)); err != nil {
					logger.Warn("operation purge failed", slog.String("error", err.Error()))
				} else if n > 0 {
					logger.Info("purged completed operations", slog.Int("count", n))
				}
				if n, err := attachments.PurgeOrphans(); err != nil {
					logger.Warn("orphan blob purge failed", slog.String("error", err.Error()))
				} else if n > 0 {
					logger.Info("purged orphaned blobs", slog.Int("count", n))
				}
				if _, err := db.ReconcileTags(); err != nil {
					logger.Warn("tag reconcile failed", slog.String("error", err.Error()))
				}
			}
		}
	})

	// Config hot reload: review policy changes apply without a restart.
	if app.configPath != "" {
		configPath := app.configPath
		g.Go(func() error {
			return watcher.Watch(gCtx, configPath, logger, func(path string) error {
				next := NewDefaultConfig()
				if err := pkgconfig.Load(path, next); err != nil {
					return err
				}
				scheduler.SetPolicy(next.Review.Policy())
				return nil
			})
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP starts the engine as an MCP stdio server for an LLM
// collaborator instead of the HTTP API.
func RunMCP(ctx context.Context, cfg *Config) error {
	// MCP speaks JSON-RPC on stdout; logs must go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	db, err := store.Open(cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	srv := mcpserver.New(db, queue.New(db.SQL()), review.NewScheduler(db, cfg.Review.Policy()))
	logger.Info("MCP server starting on stdio")
	return srv.ServeStdio()
}
