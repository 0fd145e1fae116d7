package runner

import (
	"encoding/json"
	"syscall"
	"testing"

	"github.com/waldiez/runner/pkg/model"
)

func TestClassifyExitCodeZeroIsCompleted(t *testing.T) {
	status, results := classifyExitCode(0)
	if status != model.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", status)
	}
	if results != nil {
		t.Errorf("expected nil results, got %s", results)
	}
}

func TestClassifyExitCodeSigtermIsCancelled(t *testing.T) {
	status, results := classifyExitCode(-int(syscall.SIGTERM))
	if status != model.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", status)
	}
	var decoded map[string]string
	if err := json.Unmarshal(results, &decoded); err != nil {
		t.Fatalf("unmarshal results: %v", err)
	}
	if decoded["error"] == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestClassifyExitCodeNegativeSignalIsCancelled(t *testing.T) {
	status, results := classifyExitCode(-9)
	if status != model.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", status)
	}
	var decoded map[string]string
	_ = json.Unmarshal(results, &decoded)
	if decoded["error"] != "Terminated by signal 9" {
		t.Errorf("unexpected error message: %s", decoded["error"])
	}
}

func TestClassifyExitCodeNonZeroIsFailed(t *testing.T) {
	status, results := classifyExitCode(1)
	if status != model.StatusFailed {
		t.Errorf("expected FAILED, got %s", status)
	}
	var decoded map[string]string
	_ = json.Unmarshal(results, &decoded)
	if decoded["error"] != "Task failed with exit code 1" {
		t.Errorf("unexpected error message: %s", decoded["error"])
	}
}

func TestClassifyExitCodeTable(t *testing.T) {
	cases := []struct {
		name   string
		code   int
		status model.TaskStatus
	}{
		{"zero", 0, model.StatusCompleted},
		{"generic failure", 1, model.StatusFailed},
		{"generic failure 2", 2, model.StatusFailed},
		{"sigterm", -int(syscall.SIGTERM), model.StatusCancelled},
		{"sigkill", -9, model.StatusCancelled},
		{"shell 128+sigkill convention", 137, model.StatusCancelled},
		{"windows ctrl-c / kill, decimal form", 3221225786, model.StatusCancelled},
		{"windows ctrl-c / kill, hex form", 0xC000013A, model.StatusCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := classifyExitCode(tc.code)
			if status != tc.status {
				t.Errorf("classifyExitCode(%d) = %s, want %s", tc.code, status, tc.status)
			}
		})
	}
}
