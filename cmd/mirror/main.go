package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MikeSquared-Agency/mirror/internal/anthropic"
	"github.com/MikeSquared-Agency/mirror/internal/api"
	"github.com/MikeSquared-Agency/mirror/internal/backend"
	"github.com/MikeSquared-Agency/mirror/internal/chunker"
	"github.com/MikeSquared-Agency/mirror/internal/composer"
	"github.com/MikeSquared-Agency/mirror/internal/config"
	"github.com/MikeSquared-Agency/mirror/internal/engine"
	"github.com/MikeSquared-Agency/mirror/internal/hermes"
	"github.com/MikeSquared-Agency/mirror/internal/identity"
	"github.com/MikeSquared-Agency/mirror/internal/ingest"
	"github.com/MikeSquared-Agency/mirror/internal/reindex"
	"github.com/MikeSquared-Agency/mirror/internal/retriever"
	"github.com/MikeSquared-Agency/mirror/internal/retry"
	"github.com/MikeSquared-Agency/mirror/internal/telemetry"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	slog.Info("mirror starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry
	shutdownTracer, err := telemetry.InitTracer(ctx, "mirror", cfg.OTLPEndpoint, logger)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	metrics, err := telemetry.InitMetrics()
	if err != nil {
		slog.Warn("metrics disabled", "error", err)
	}

	profiles, err := chunker.LoadProfiles(cfg.ChunkProfilesFile)
	if err != nil {
		slog.Error("failed to load chunk profiles", "path", cfg.ChunkProfilesFile, "error", err)
		os.Exit(1)
	}

	// Embeddings and storage
	ingestEmb, queryEmb, closeEmb := backend.Embedders(ctx, cfg, logger)
	defer closeEmb()

	stores, err := backend.Open(ctx, cfg, ingestEmb.Dimensions(), logger)
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	// Anthropic client
	if cfg.AnthropicAPIKey == "" {
		slog.Error("ANTHROPIC_API_KEY is required")
		os.Exit(1)
	}
	llm := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	slog.Info("anthropic client ready", "model", llm.Model())

	pipeline := ingest.New(stores.Index, ingestEmb, stores.Catalog, stores.Pending, profiles, logger)
	ret := retriever.New(stores.Index, queryEmb, metrics, logger)
	comp := composer.New(llm, composer.Config{
		HistoryTurns:    cfg.HistoryTurns,
		PromptMaxTokens: cfg.PromptMaxTokens,
		ModelTimeout:    cfg.ModelTimeout,
		Temperature:     &cfg.ModelTemperature,
		Retry: retry.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    retry.Interactive().MaxDelay,
			Jitter:      retry.Interactive().Jitter,
		},
	}, metrics, logger)
	visitors := identity.NewResolver(stores.Visitors, logger)

	// NATS/Hermes (optional: without it turns are only logged)
	var (
		hermesClient *hermes.Client
		sink         engine.TurnSink
		events       engine.Publisher
	)
	if cfg.NatsURL != "" {
		hermesClient, err = hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer hermesClient.Close()
		sink = engine.PublishTurns(hermesClient)
		events = hermesClient
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS_URL not set, conversation turns will not be handed off")
	}

	eng := engine.New(pipeline, ret, comp, visitors, sink, events, metrics, engine.Config{
		RetrieveK:          cfg.RetrieveK,
		MinScore:           cfg.MinScore,
		AnswerTimeout:      cfg.AnswerTimeout,
		IndexConversations: cfg.IndexConversations,
	}, logger)

	if hermesClient != nil {
		if err := eng.Subscribe(hermesClient); err != nil {
			slog.Error("failed to subscribe to content events", "error", err)
			os.Exit(1)
		}
	}

	// An in-memory index starts empty; replay the catalog into it.
	if !stores.Durable {
		go warmIndex(ctx, pipeline, logger)
	}

	go ingest.NewReconciler(pipeline, cfg.ReconcileInterval, cfg.ReconcileTTL, logger).Run(ctx)

	// HTTP API
	srv := api.NewServer(cfg.Port, cfg.APIToken, eng, logger)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	slog.Info("mirror ready", "port", cfg.Port, "durable_index", stores.Durable)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	cancel()
	eng.Wait()
	if hermesClient != nil {
		hermesClient.Drain(2 * time.Second)
	}
	if shutdownTracer != nil {
		if err := shutdownTracer(shutdownCtx); err != nil {
			slog.Warn("tracer shutdown", "error", err)
		}
	}
	slog.Info("mirror stopped")
}

func warmIndex(ctx context.Context, p *ingest.Pipeline, logger *slog.Logger) {
	dir, err := os.MkdirTemp("", "mirror-warm")
	if err != nil {
		logger.Error("index warm-up failed", "error", err)
		return
	}
	defer os.RemoveAll(dir)

	r := reindex.NewRunner(reindex.Config{StatePath: dir + "/state.json", BatchSize: 50}, p, io.Discard, logger)
	sum, err := r.Run(ctx)
	if err != nil {
		logger.Error("index warm-up failed", "error", err)
		return
	}
	logger.Info("index warmed from catalog", "sources", sum.Sources, "passages", sum.Passages, "failed", sum.Failed, "gone", sum.Gone)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
