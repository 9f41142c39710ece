package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/withobsrvr/searchsync/internal/api"
	"github.com/withobsrvr/searchsync/internal/config"
	"github.com/withobsrvr/searchsync/internal/core"
	"github.com/withobsrvr/searchsync/internal/utils/logger"
)

var (
	runSkipBackfill bool
	runHealthAddr   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Backfill the index and keep it in sync with the change stream",
	Long: `Run connects to MongoDB and the search index, copies every existing
document into the index and then applies change stream events until
interrupted. The process exits non-zero when the change stream breaks.

Examples:
  # Run with connection strings from the environment
  MONGODB_URI=mongodb://localhost:27017 ELASTICSEARCH_URL=http://localhost:9200 searchsync run

  # Restart from the stored checkpoint without a full copy
  searchsync run --skip-backfill

  # Expose the gRPC health service
  searchsync run --health-address :8081`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("skip-backfill") {
			cfg.Sync.SkipBackfill = runSkipBackfill
		}
		if runHealthAddr != "" {
			cfg.Health.Address = runHealthAddr
		}

		store, err := core.NewCheckpointStoreFromConfig(cfg, false)
		if err != nil {
			return err
		}
		defer store.Close()

		var opts []core.Option
		var health *api.HealthServer
		if cfg.Health.Address != "" {
			health = api.NewHealthServer(cfg.Health.Address, &cfg.Health.TLS)
			opts = append(opts, core.WithStateObserver(health.ObserveState))
		}

		engine, err := core.NewEngineFromConfig(cfg, store, opts...)
		if err != nil {
			return err
		}

		if health != nil {
			if err := health.Start(); err != nil {
				return err
			}
			defer health.Close()
		}

		config.Watch(viper.GetViper(), func(next *config.Config) {
			config.ApplyLogLevel(next)
			if used := viper.ConfigFileUsed(); used != "" {
				next.ResolvePaths(filepath.Dir(used))
			}
			if sections := cfg.RestartRequired(next); len(sections) > 0 {
				logger.Warn("Config change requires a restart to take effect", zap.Strings("sections", sections))
			}
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("Starting searchsync",
			zap.String("run_id", engine.RunID()),
			zap.String("stream", cfg.Stream()),
			zap.String("index_backend", cfg.Index.Backend),
			zap.String("index", cfg.Index.Name))

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start sync engine: %w", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("Received shutdown signal")
			return engine.Stop()
		case <-engine.Done():
			if err := engine.Wait(); err != nil {
				return fmt.Errorf("sync engine faulted: %w", err)
			}
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runSkipBackfill, "skip-backfill", false, "resume from the stored checkpoint instead of copying every document")
	runCmd.Flags().StringVar(&runHealthAddr, "health-address", "", "address for the gRPC health service (overrides health.address)")
}
