package main

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/project-ishtar/ishtar/internal/api"
	"github.com/project-ishtar/ishtar/internal/auth"
	"github.com/project-ishtar/ishtar/internal/config"
	"github.com/project-ishtar/ishtar/internal/core"
	"github.com/project-ishtar/ishtar/internal/metrics"
	"github.com/project-ishtar/ishtar/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := config.AppConfig

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	dbStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer dbStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llmService, closeLLM, err := newLLMService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLLM()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	policy, err := core.ParseFallbackPolicy(cfg.SettingsFallback)
	if err != nil {
		return err
	}
	var source core.SettingsSource = core.StaticSettings(core.DefaultGlobalSettings())
	if cfg.GlobalSettingsFile != "" {
		source = core.FileSettings{Path: cfg.GlobalSettingsFile}
	}
	settings := core.NewSettingsCache(source, cfg.SettingsCacheTTL, policy, logger, m)

	chatService := core.NewChatService(dbStore, llmService, settings, core.ChatOptions{
		SummarizationThreshold: cfg.SummarizationThreshold,
		ContextLookback:        cfg.ContextLookback,
		PageSize:               cfg.PageSize,
		SummaryTimeout:         cfg.SummaryTimeout,
		AutoTitle:              cfg.AutoTitle,
		Logger:                 logger,
		Metrics:                m,
	})

	tokens, err := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	router := api.NewRouter(api.NewAPIHandler(chatService, tokens, logger), reg)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // model calls can take a while
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", serverAddr, "store", cfg.StoreDriver, "backend", cfg.InferenceBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Let in-flight summaries and titles land before the store closes.
	chatService.Wait()
	logger.Info("server exiting gracefully")
	return nil
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreBolt:
		return store.NewBoltStore(cfg.DatabaseURL)
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(cfg.DatabaseURL)
	}
}

func newLLMService(ctx context.Context, cfg config.Config, logger *slog.Logger) (core.LLMService, func(), error) {
	if cfg.InferenceBackend == config.BackendGenerativeAI {
		svc, err := core.NewLegacyGeminiService(ctx, cfg.GeminiAPIKey, logger)
		if err != nil {
			return nil, nil, err
		}
		return svc, svc.Close, nil
	}
	svc, err := core.NewGeminiService(ctx, cfg.GeminiAPIKey, logger)
	if err != nil {
		return nil, nil, err
	}
	return svc, func() {}, nil
}
