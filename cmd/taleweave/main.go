package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ent0n29/taleweave/internal/backend"
	"github.com/ent0n29/taleweave/internal/config"
	"github.com/ent0n29/taleweave/internal/engine"
	"github.com/ent0n29/taleweave/internal/generation"
	"github.com/ent0n29/taleweave/internal/httpapi"
	"github.com/ent0n29/taleweave/internal/llm"
	"github.com/ent0n29/taleweave/internal/logging"
	"github.com/ent0n29/taleweave/internal/observability"
	"github.com/ent0n29/taleweave/internal/session"
	"github.com/ent0n29/taleweave/internal/store"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "taleweave: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "taleweave: config error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding, OutputPath: cfg.LogOutput})
	if err != nil {
		fmt.Fprintf(os.Stderr, "taleweave: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	ctx := context.Background()
	var (
		genBackend generation.Backend
		creator    httpapi.RoleplayCreator
	)
	switch cfg.BackendMode {
	case "remote":
		remote, err := generation.NewRemoteBackend(generation.RemoteConfig{
			BaseURL: cfg.RemoteBackendURL,
			Token:   cfg.RemoteToken,
			Logger:  logger.Named("remote"),
		})
		if err != nil {
			return fmt.Errorf("remote backend init: %w", err)
		}
		genBackend = remote
		logger.Info("generation backend: remote", zap.String("url", cfg.RemoteBackendURL))
	default:
		st, err := store.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("store init: %w", err)
		}
		defer st.Close()

		adapter, err := llm.NewAdapter(llm.Config{
			Mode:           cfg.LLMAdapterMode,
			HTTPURL:        cfg.LLMHTTPURL,
			HTTPToken:      cfg.LLMHTTPToken,
			HTTPTimeout:    cfg.LLMHTTPTimeout,
			StreamStrict:   cfg.LLMStreamStrict,
			FallbackToMock: cfg.LLMFallbackToMock,
			MockDelay:      cfg.LLMMockDelay,
		})
		if err != nil {
			return fmt.Errorf("llm adapter init: %w", err)
		}
		local, err := backend.NewLocal(backend.LocalConfig{
			Store:         st,
			Adapter:       adapter,
			Logger:        logger.Named("backend"),
			ChunkMinChars: cfg.ChunkMinChars,
			HistoryTurns:  cfg.HistoryTurns,
		})
		if err != nil {
			return fmt.Errorf("local backend init: %w", err)
		}
		genBackend = local
		creator = local
		logger.Info("generation backend: local",
			zap.String("llm_mode", cfg.LLMAdapterMode),
			zap.Bool("postgres", cfg.DatabaseURL != ""),
		)
	}

	engineLog := logger.Named("engine")
	sessions := session.NewManager(cfg.SessionInactivityTimeout, func(id string) *engine.Orchestrator {
		return engine.New(id, genBackend, engine.Options{Logger: engineLog, Metrics: metrics})
	}, logger.Named("session"))
	sessions.SetExpireHook(func(session.Session) {
		metrics.IncSessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	api := httpapi.New(cfg, sessions, creator, metrics, logger.Named("http"))
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, cfg.JanitorInterval)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	// Stopping in-flight cycles flushes their partial text before exit.
	sessions.CloseAll(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}
