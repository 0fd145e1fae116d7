package runner

import (
	"encoding/json"
	"fmt"
	"syscall"

	"github.com/waldiez/runner/pkg/model"
)

// positiveCancelCodes are exit codes that mean "killed by signal" even
// though they arrive as an ordinary positive status rather than through
// WaitStatus.Signal(): 137 is the 128+SIGKILL convention shells and
// container runtimes report for a killed child, and 0xC000013A is what
// Windows reports for Ctrl+C or TerminateProcess (3221225786 decimal -
// the same value, so only one form is listed). A real process exiting
// deliberately with either value is not a realistic collision, so this
// classification doesn't need to be gated by GOOS.
var positiveCancelCodes = map[int]bool{
	137:        true,
	0xC000013A: true,
}

// classifyExitCode turns a subprocess exit code into a terminal task
// status plus results payload, per the exit-code interpretation table:
// 0 -> COMPLETED; SIGTERM or any negative signal -> CANCELLED; the
// positive cancel codes -> CANCELLED; anything else -> FAILED.
func classifyExitCode(code int) (model.TaskStatus, json.RawMessage) {
	if code == 0 {
		return model.StatusCompleted, nil
	}
	if code == -int(syscall.SIGTERM) {
		return model.StatusCancelled, mustJSON(map[string]string{"error": "Task was terminated by signal"})
	}
	if code < 0 {
		return model.StatusCancelled, mustJSON(map[string]string{"error": fmt.Sprintf("Terminated by signal %d", -code)})
	}
	if positiveCancelCodes[code] {
		return model.StatusCancelled, mustJSON(map[string]string{"error": fmt.Sprintf("Task was cancelled (exit code %d)", code)})
	}
	return model.StatusFailed, mustJSON(map[string]string{"error": fmt.Sprintf("Task failed with exit code %d", code)})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
