// Command server runs the audit ingest service: it accepts tool-invocation
// records over HTTP and fans them out to the configured delivery sinks.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"dbgate/internal/audit"
	"dbgate/internal/config"
	"dbgate/internal/domain"
	"dbgate/internal/sink"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("load .env failed", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	auditLogger := audit.New(audit.Options{
		Logger:           logger.With("component", "audit"),
		FallbackPath:     cfg.FallbackPath,
		DisableRedaction: cfg.DisableRedaction,
	})

	var metastore *sink.SQLiteSink
	if cfg.TopologyPath != "" {
		topo, err := sink.LoadTopology(cfg.TopologyPath)
		if err != nil {
			logger.Error("load audit topology failed", "error", err)
			os.Exit(1)
		}
		global, perEnv, err := topo.Build(logger.With("component", "sink"))
		if err != nil {
			logger.Error("build audit sinks failed", "error", err)
			os.Exit(1)
		}
		auditLogger.ConfigureSinks(global, perEnv)
		metastore = findMetastore(global, perEnv)
		logger.Info("audit sinks configured",
			"global", len(global), "environments", len(perEnv))
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(auditLogger, metastore, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("audit ingest listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}

	// Release every distinct sink exactly once.
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := auditLogger.Close(closeCtx); err != nil {
		logger.Error("audit shutdown flush failed", "error", err)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// findMetastore locates a configured SQLite sink so the ops endpoint can
// serve reads from it. First match wins; deployments run at most one.
func findMetastore(global []domain.Sink, perEnv map[string][]domain.Sink) *sink.SQLiteSink {
	for _, s := range global {
		if m, ok := s.(*sink.SQLiteSink); ok {
			return m
		}
	}
	for _, list := range perEnv {
		for _, s := range list {
			if m, ok := s.(*sink.SQLiteSink); ok {
				return m
			}
		}
	}
	return nil
}
