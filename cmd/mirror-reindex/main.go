package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/mirror/internal/backend"
	"github.com/MikeSquared-Agency/mirror/internal/chunker"
	"github.com/MikeSquared-Agency/mirror/internal/config"
	"github.com/MikeSquared-Agency/mirror/internal/embedding"
	"github.com/MikeSquared-Agency/mirror/internal/ingest"
	"github.com/MikeSquared-Agency/mirror/internal/reindex"
	"github.com/MikeSquared-Agency/mirror/internal/retry"
)

var (
	dryRun    bool
	tenantID  string
	statePath string
	restart   bool
)

var rootCmd = &cobra.Command{
	Use:   "mirror-reindex",
	Short: "Re-chunk and re-embed every catalogued source",
	Long: `Replays every source recorded in the catalog through the ingestion
pipeline with a lenient retry policy. Progress is saved to a state file so an
interrupted run resumes where it stopped.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "count passages without embedding or writing")
	rootCmd.Flags().StringVar(&tenantID, "tenant", "", "only reindex this tenant")
	rootCmd.Flags().StringVar(&statePath, "state", "", "state file (default REINDEX_STATE_FILE)")
	rootCmd.Flags().BoolVar(&restart, "restart", false, "discard saved progress and start over")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("reindex failed", "error", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required; the local data file is reindexed by the service on start")
	}
	if cfg.OpenAIAPIKey == "" && !dryRun {
		return errors.New("OPENAI_API_KEY is required")
	}
	if statePath == "" {
		statePath = cfg.ReindexStateFile
	}
	if restart {
		if err := reindex.RemoveState(statePath); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profiles, err := chunker.LoadProfiles(cfg.ChunkProfilesFile)
	if err != nil {
		return fmt.Errorf("load chunk profiles: %w", err)
	}

	// Batch jobs can afford to wait out a struggling embedding service.
	emb := embedding.NewClient(backend.ClientConfig(cfg, retry.Batch()), logger)

	stores, err := backend.Open(ctx, cfg, emb.Dimensions(), logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	pipeline := ingest.New(stores.Index, emb, stores.Catalog, stores.Pending, profiles, logger)
	runner := reindex.NewRunner(reindex.Config{
		StatePath:  statePath,
		BatchSize:  cfg.ReindexBatchSize,
		BatchPause: cfg.ReindexBatchPause,
		DryRun:     dryRun,
		TenantID:   tenantID,
	}, pipeline, cmd.OutOrStdout(), logger)

	sum, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if sum.Failed > 0 {
		return fmt.Errorf("%d sources failed; rerun to retry them", sum.Failed)
	}
	return nil
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
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
