// Package main implements the periodic maintenance process: retention
// sweeps, stuck-task reconciliation, and Redis stream trimming, all
// scheduled by pkg/maintenance.Scheduler. It does no request serving of
// its own; it's meant to run as one instance per deployment alongside
// the server and worker processes.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/waldiez/runner/pkg/config"
	"github.com/waldiez/runner/pkg/logger"
	"github.com/waldiez/runner/pkg/maintenance"
	"github.com/waldiez/runner/pkg/storage"
	"github.com/waldiez/runner/pkg/store"
)

func main() {
	cfg := config.Default()
	root := &cobra.Command{
		Use:   "waldiez-maintenance",
		Short: "Run the periodic housekeeping jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(config.FromEnv(cfg))
		},
	}
	config.BindFlags(root, &cfg)

	if err := root.Execute(); err != nil {
		logger.GetLogger().Fatal().Err(err).Msg("maintenance exited")
	}
}

func run(cfg config.Settings) error {
	log := logger.Component("waldiez-maintenance")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dsn := cfg.SQLitePath
	if cfg.PostgresDSN != "" {
		dsn = cfg.PostgresDSN
	}
	st, err := store.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer st.Close()

	backend, err := storage.NewLocalFS(cfg.StorageRoot)
	if err != nil {
		return err
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	keepFor := time.Duration(cfg.KeepTasksForDays) * 24 * time.Hour
	scheduler := maintenance.New(st, rdb, backend, keepFor)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	log.Info().Msg("maintenance scheduler started")
	<-sigChan

	log.Info().Msg("stopping, waiting for the current job to finish")
	<-scheduler.Stop().Done()
	cancel()
	return nil
}
