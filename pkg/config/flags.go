package config

import (
	"github.com/spf13/cobra"
)

// BindFlags registers one kebab-case flag per Settings field on cmd,
// mirroring each WALDIEZ_RUNNER_ environment variable. Flags are only
// applied over s when the user actually set them (cobra's Changed),
// so the precedence stays CLI > env > default.
func BindFlags(cmd *cobra.Command, s *Settings) {
	flags := cmd.Flags()
	flags.StringVar(&s.Host, "host", s.Host, "HTTP bind host")
	flags.IntVar(&s.Port, "port", s.Port, "HTTP bind port")
	flags.IntVar(&s.MaxJobs, "max-jobs", s.MaxJobs, "maximum concurrent task runners")
	flags.IntVar(&s.InputTimeout, "input-timeout", s.InputTimeout, "default input-prompt timeout, seconds")
	flags.DurationVar(&s.MaxTaskDuration, "max-task-duration", s.MaxTaskDuration, "hard cap on a single task's wall time")
	flags.IntVar(&s.KeepTasksForDays, "keep-tasks-for-days", s.KeepTasksForDays, "days to retain task output archives; 0 disables archiving")
	flags.BoolVar(&s.SkipDeps, "skip-deps", s.SkipDeps, "skip venv/pip installation before running a task")
	flags.IntVar(&s.RateLimitPerSec, "rate-limit-per-sec", s.RateLimitPerSec, "per-client_id token-bucket refill rate before dequeue; 0 disables")
	flags.IntVar(&s.RateLimitBurst, "rate-limit-burst", s.RateLimitBurst, "per-client_id token-bucket burst capacity; defaults to rate-limit-per-sec")
	flags.StringVar(&s.RedisURL, "redis-url", s.RedisURL, "redis connection URL")
	flags.StringVar(&s.PostgresDSN, "postgres-dsn", s.PostgresDSN, "postgres DSN; when set, takes precedence over sqlite-path")
	flags.StringVar(&s.SQLitePath, "sqlite-path", s.SQLitePath, "sqlite database file path")
	flags.StringVar(&s.SecretKey, "secret-key", s.SecretKey, "signing key for local tokens")
	flags.StringVar(&s.LocalClientID, "local-client-id", s.LocalClientID, "bootstrap local client id")
	flags.StringVar(&s.LocalClientSecret, "local-client-secret", s.LocalClientSecret, "bootstrap local client secret")
	flags.StringVar(&s.StorageRoot, "storage-root", s.StorageRoot, "root directory for the local storage backend")
	flags.StringVar(&s.ScratchRoot, "scratch-root", s.ScratchRoot, "root directory for per-task scratch space")
}

// Load builds Settings from the defaults overlaid with the
// WALDIEZ_RUNNER_ environment variables. It reads no command-line
// flags: values bound and parsed through BindFlags are not applied.
func Load() Settings {
	return FromEnv(Default())
}
