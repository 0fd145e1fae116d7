// Package config loads the orchestration subsystem's settings from
// environment variables prefixed WALDIEZ_RUNNER_, with CLI flags (see
// pkg/config/flags.go) winning over env, and env winning over the
// defaults below.
package config

import (
	"os"
	"strconv"
	"time"
)

const envPrefix = "WALDIEZ_RUNNER_"

// Settings holds every knob the orchestration subsystem (dispatcher,
// runner, watcher, maintenance) needs at startup. HTTP/OIDC/CLI
// plumbing beyond these fields stays out of scope.
type Settings struct {
	Host string
	Port int

	MaxJobs         int
	InputTimeout    int
	MaxTaskDuration time.Duration
	KeepTasksForDays int
	SkipDeps        bool

	// RateLimitPerSec gates dequeued jobs per client_id through the
	// broker's token bucket before they're run; 0 disables the gate.
	RateLimitPerSec int
	RateLimitBurst  int

	RedisURL string

	PostgresDSN string
	SQLitePath  string

	SecretKey string

	LocalClientID     string
	LocalClientSecret string

	StorageRoot string
	ScratchRoot string
}

// Default returns the built-in defaults.
func Default() Settings {
	return Settings{
		Host:             "0.0.0.0",
		Port:             8000,
		MaxJobs:          4,
		InputTimeout:     180,
		MaxTaskDuration:  3600 * time.Second,
		KeepTasksForDays: 0,
		SkipDeps:         false,
		RateLimitPerSec:  0,
		RateLimitBurst:   0,
		RedisURL:         "redis://127.0.0.1:6379/0",
		SQLitePath:       "waldiez_runner.db",
		StorageRoot:      "./store",
		ScratchRoot:      os.TempDir(),
	}
}

// FromEnv overlays WALDIEZ_RUNNER_* environment variables onto the
// supplied base (normally config.Default()).
func FromEnv(base Settings) Settings {
	s := base
	s.Host = envString("HOST", s.Host)
	s.Port = envInt("PORT", s.Port)
	s.MaxJobs = envInt("MAX_JOBS", s.MaxJobs)
	s.InputTimeout = envInt("INPUT_TIMEOUT", s.InputTimeout)
	s.MaxTaskDuration = envDuration("MAX_TASK_DURATION", s.MaxTaskDuration)
	s.KeepTasksForDays = envInt("KEEP_TASKS_FOR_DAYS", s.KeepTasksForDays)
	s.SkipDeps = envBool("SKIP_DEPS", s.SkipDeps)
	s.RateLimitPerSec = envInt("RATE_LIMIT_PER_SEC", s.RateLimitPerSec)
	s.RateLimitBurst = envInt("RATE_LIMIT_BURST", s.RateLimitBurst)
	s.RedisURL = envString("REDIS_URL", s.RedisURL)
	s.PostgresDSN = envString("POSTGRES_DSN", s.PostgresDSN)
	s.SQLitePath = envString("SQLITE_PATH", s.SQLitePath)
	s.SecretKey = envString("SECRET_KEY", s.SecretKey)
	s.LocalClientID = envString("LOCAL_CLIENT_ID", s.LocalClientID)
	s.LocalClientSecret = envString("LOCAL_CLIENT_SECRET", s.LocalClientSecret)
	s.StorageRoot = envString("STORAGE_ROOT", s.StorageRoot)
	s.ScratchRoot = envString("SCRATCH_ROOT", s.ScratchRoot)
	return s
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
