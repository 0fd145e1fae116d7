// Package main implements the HTTP API server: the task surface
// (pkg/httpapi) and the WebSocket bridge (pkg/wsbridge) behind one
// listener, with the admission controller and dispatcher wired
// directly into the handlers — no separate enqueue worker needed for
// the submission path itself.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/waldiez/runner/pkg/admission"
	"github.com/waldiez/runner/pkg/auth"
	"github.com/waldiez/runner/pkg/broker"
	"github.com/waldiez/runner/pkg/config"
	"github.com/waldiez/runner/pkg/dispatcher"
	"github.com/waldiez/runner/pkg/httpapi"
	"github.com/waldiez/runner/pkg/logger"
	"github.com/waldiez/runner/pkg/storage"
	"github.com/waldiez/runner/pkg/store"
	"github.com/waldiez/runner/pkg/wsbridge"
)

func main() {
	cfg := config.Default()
	root := &cobra.Command{
		Use:   "waldiez-server",
		Short: "Serve the task submission, lifecycle, and streaming API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(config.FromEnv(cfg))
		},
	}
	config.BindFlags(root, &cfg)

	if err := root.Execute(); err != nil {
		logger.GetLogger().Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg config.Settings) error {
	log := logger.Component("waldiez-server")
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

	rdb := redis.NewClient(mustParseRedisURL(cfg.RedisURL))
	defer rdb.Close()

	brk := broker.NewRedisBroker(rdb)
	adm := admission.NewController(st, backend, cfg.MaxJobs)
	disp := dispatcher.New(st, backend, brk, rdb)
	verifier := auth.StaticVerifier{ClientID: cfg.LocalClientID, Secret: cfg.LocalClientSecret}

	handlers := httpapi.New(st, backend, adm, disp, verifier)
	bridge := wsbridge.New(rdb, st, verifier)

	mux := http.NewServeMux()
	httpapi.Register(mux, handlers)
	mux.HandleFunc("/ws/{id}", func(w http.ResponseWriter, r *http.Request) {
		bridge.ServeTask(w, r, r.PathValue("id"))
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: enableCORS(mux),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}()

	log.Info().Str("addr", server.Addr).Msg("listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// enableCORS allows any origin, matching the permissive default a
// locally-bootstrapped deployment expects; a production deployment
// terminating TLS in front of this process is expected to tighten it.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func mustParseRedisURL(raw string) *redis.Options {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		logger.GetLogger().Fatal().Err(err).Str("redis_url", raw).Msg("invalid redis url")
	}
	return opts
}
