// Package main implements the task runner process: it dequeues
// admitted jobs from the broker and drives each one through
// pkg/runner's subprocess lifecycle, exposing Prometheus metrics on a
// dedicated port.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/waldiez/runner/pkg/broker"
	"github.com/waldiez/runner/pkg/config"
	"github.com/waldiez/runner/pkg/logger"
	"github.com/waldiez/runner/pkg/metrics"
	"github.com/waldiez/runner/pkg/runner"
	"github.com/waldiez/runner/pkg/storage"
	"github.com/waldiez/runner/pkg/store"
)

func main() {
	cfg := config.Default()
	var metricsPort int
	root := &cobra.Command{
		Use:   "waldiez-worker",
		Short: "Run admitted tasks as supervised subprocesses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(config.FromEnv(cfg), metricsPort)
		},
	}
	config.BindFlags(root, &cfg)
	root.Flags().IntVar(&metricsPort, "metrics-port", 9090, "prometheus /metrics listen port")

	if err := root.Execute(); err != nil {
		logger.GetLogger().Fatal().Err(err).Msg("worker exited")
	}
}

func run(cfg config.Settings, metricsPort int) error {
	log := logger.Component("waldiez-worker")
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
	watchRdb := redis.NewClient(opts)
	defer watchRdb.Close()

	brk := broker.NewRedisBroker(rdb)

	var envBuilder runner.EnvBuilder = runner.PipEnvBuilder{}
	if cfg.SkipDeps {
		envBuilder = runner.NoopEnvBuilder{}
	}

	pool := &runner.Pool{
		Broker:          brk,
		Store:           st,
		Storage:         backend,
		Redis:           watchRdb,
		RedisURL:        cfg.RedisURL,
		EnvBuilder:      envBuilder,
		AppSkeleton:     "app_skeleton",
		ScratchRoot:     cfg.ScratchRoot,
		MaxConcurrent:   cfg.MaxJobs,
		MaxDuration:     cfg.MaxTaskDuration,
		KeepForDays:     cfg.KeepTasksForDays,
		RateLimitPerSec: cfg.RateLimitPerSec,
		RateLimitBurst:  cfg.RateLimitBurst,
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", metricsPort)
		log.Info().Str("addr", addr).Msg("metrics listening")
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	go metrics.CollectQueueDepth(ctx, brk, 5*time.Second)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutting down, waiting for in-flight jobs")
		cancel()
	}()

	log.Info().Int("max_concurrent", pool.MaxConcurrent).Msg("worker started")
	pool.Run(ctx)
	return nil
}
