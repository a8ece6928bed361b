package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/italolelis/model_downloader/internal/batch"
	"github.com/italolelis/model_downloader/internal/config"
	"github.com/italolelis/model_downloader/internal/downloader"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/manifest"
	"github.com/italolelis/model_downloader/internal/notifier"
	"github.com/italolelis/model_downloader/internal/provider"
	"github.com/italolelis/model_downloader/internal/provider/civitai"
	"github.com/italolelis/model_downloader/internal/provider/huggingface"
	"github.com/italolelis/model_downloader/internal/source"
	"github.com/italolelis/model_downloader/internal/storage/sqlite"
	"github.com/italolelis/model_downloader/internal/telemetry"
	"github.com/italolelis/model_downloader/internal/transfer"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "err", err)
		cancel()
		os.Exit(1)
	}

	cancel()
}

func newRootCmd() *cobra.Command {
	var manifestPath string

	state := &cliState{}

	cmd := &cobra.Command{
		Use:   "model_downloader",
		Short: "Download ML model files from HuggingFace and CivitAI",
		Long: `model_downloader places model files from HuggingFace and CivitAI under a
models root, verifies them and records what was installed in an INI manifest.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}

			if manifestPath != "" {
				cfg.ManifestPath = manifestPath
			}

			state.cfg = cfg
			state.handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})

			logger := slog.New(logctx.NewTraceHandler(state.handler))
			slog.SetDefault(logger)

			cmd.SetContext(logctx.WithLogger(cmd.Context(), logger))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&manifestPath, "manifest", "", "manifest file path (default: $MANIFEST_PATH)")

	cmd.AddCommand(
		newDownloadCmd(state),
		newTreeCmd(state),
		newBatchCmd(state),
		newHistoryCmd(state),
		newCleanupCmd(state),
		newServeCmd(state),
	)

	return cmd
}

// cliState carries the configuration loaded before any subcommand runs.
type cliState struct {
	cfg     *config.Config
	handler slog.Handler
}

// app holds every long lived dependency of a command.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	telemetry  *telemetry.Telemetry
	db         *sql.DB
	history    *sqlite.InstrumentedHistoryRepository
	fs         billy.Filesystem
	downloader *downloader.Downloader
	runner     *batch.Runner
}

func newApp(ctx context.Context, state *cliState) (*app, error) {
	cfg := state.cfg

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger := slog.New(logctx.NewTraceHandler(tel.LogHandler(state.handler)))
	slog.SetDefault(logger)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return nil, err
	}

	history := sqlite.NewInstrumentedHistoryRepository(database, tel)

	// =========================================================================
	// Start Models Root
	if err := os.MkdirAll(cfg.ModelsDir, 0o755); err != nil {
		database.Close()

		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}

	fs := osfs.New(cfg.ModelsDir, osfs.WithBoundOS())

	// =========================================================================
	// Start Providers
	httpClient := provider.NewHTTPClient(cfg.ResponseHeaderTimeout)
	hf := huggingface.NewClient(cfg.HFEndpoint, huggingface.WithHTTPClient(httpClient))
	civ := civitai.NewClient(civitai.WithHTTPClient(httpClient))

	registry := provider.NewRegistry().
		RegisterResolver(transfer.ProviderHuggingFace, provider.NewInstrumentedResolver(hf, tel, transfer.ProviderHuggingFace)).
		RegisterLister(transfer.ProviderHuggingFace, provider.NewInstrumentedLister(hf, tel, transfer.ProviderHuggingFace)).
		RegisterResolver(transfer.ProviderCivitAI, provider.NewInstrumentedResolver(civ, tel, transfer.ProviderCivitAI))

	// =========================================================================
	// Start Downloader
	d := downloader.New(
		fs,
		source.NewClassifier(cfg.HFEndpoint, cfg.CivitAIEndpoint),
		registry,
		cfg,
		downloader.WithManifest(manifest.NewStore(cfg.ManifestPath)),
		downloader.WithHistory(history),
		downloader.WithTelemetry(tel),
		downloader.WithRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		downloader.WithAttemptTimeout(cfg.AttemptTimeout),
		downloader.WithMaxParallel(cfg.MaxParallel),
		downloader.WithDefaultSubdir(cfg.DefaultSubdir),
	)

	// =========================================================================
	// Start Batch Runner
	runnerOpts := []batch.Option{
		batch.WithPartialSweep(fs, cfg.StalePartAge),
		batch.WithTelemetry(tel),
		batch.WithDefaultManifest(cfg.ManifestPath),
	}

	if cfg.DiscordWebhookURL != "" {
		runnerOpts = append(runnerOpts, batch.WithNotifier(notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)))
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		telemetry:  tel,
		db:         database,
		history:    history,
		fs:         fs,
		downloader: d,
		runner:     batch.NewRunner(d, runnerOpts...),
	}, nil
}

func (a *app) Close(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if err := a.db.Close(); err != nil {
		logger.Error("failed to close database", "err", err)
	}

	// The command context may already be cancelled.
	if err := a.telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
		logger.Error("failed to shutdown telemetry", "err", err)
	}
}

// withApp builds the app for one command run and tears it down afterwards.
func withApp(cmd *cobra.Command, state *cliState, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd.Context(), state)
	if err != nil {
		return err
	}

	ctx := logctx.WithLogger(cmd.Context(), a.logger)
	defer a.Close(ctx)

	return fn(ctx, a)
}
