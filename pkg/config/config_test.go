package config

import "testing"

func TestFromEnvOverridesDefault(t *testing.T) {
	t.Setenv("WALDIEZ_RUNNER_MAX_JOBS", "12")
	t.Setenv("WALDIEZ_RUNNER_SKIP_DEPS", "true")

	s := FromEnv(Default())

	if s.MaxJobs != 12 {
		t.Errorf("expected MaxJobs=12, got %d", s.MaxJobs)
	}
	if !s.SkipDeps {
		t.Errorf("expected SkipDeps=true")
	}
	if s.InputTimeout != 180 {
		t.Errorf("expected default InputTimeout=180 preserved, got %d", s.InputTimeout)
	}
}

func TestFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("WALDIEZ_RUNNER_MAX_JOBS", "not-a-number")
	s := FromEnv(Default())
	if s.MaxJobs != Default().MaxJobs {
		t.Errorf("expected fallback to default on invalid int, got %d", s.MaxJobs)
	}
}
