package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/waldiez/runner/pkg/apperr"
)

// EnvBuilder prepares the Python environment a task's app runs under.
// Production uses PipEnvBuilder (venv + pip install); SkipDeps and
// tests use NoopEnvBuilder, since the orchestration subsystem doesn't
// own the Python toolchain — it only shells out to it.
type EnvBuilder interface {
	// Build creates a venv under venvDir (if it doesn't already apply)
	// and installs appDir/requirements.txt into it, returning the path
	// to the venv's python executable.
	Build(ctx context.Context, venvDir, appDir string) (pythonExec string, err error)
}

// PipEnvBuilder shells out to "python3 -m venv --system-site-packages"
// then upgrades pip and installs appDir/requirements.txt when present.
type PipEnvBuilder struct {
	// PythonExec is the interpreter used to create the venv itself,
	// defaulting to "python3" when empty.
	PythonExec string
}

func (b PipEnvBuilder) Build(ctx context.Context, venvDir, appDir string) (string, error) {
	pyBin := b.PythonExec
	if pyBin == "" {
		pyBin = "python3"
	}

	createCmd := exec.CommandContext(ctx, pyBin, "-m", "venv", "--system-site-packages", venvDir)
	createCmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	if out, err := createCmd.CombinedOutput(); err != nil {
		return "", apperr.Wrap(apperr.KindChildSetup, "create venv: "+string(out), err)
	}

	python := venvPythonExecutable(venvDir)

	upgradePip := exec.CommandContext(ctx, python, "-m", "pip", "install", "--upgrade", "pip")
	upgradePip.Dir = appDir
	upgradePip.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	if out, err := upgradePip.CombinedOutput(); err != nil {
		return "", apperr.Wrap(apperr.KindChildSetup, "upgrade pip: "+string(out), err)
	}

	reqFile := filepath.Join(appDir, "requirements.txt")
	if _, err := os.Stat(reqFile); err == nil {
		install := exec.CommandContext(ctx, python, "-m", "pip", "install", "-r", "requirements.txt")
		install.Dir = appDir
		install.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
		if out, err := install.CombinedOutput(); err != nil {
			return "", apperr.Wrap(apperr.KindChildSetup, "pip install -r requirements.txt: "+string(out), err)
		}
	}

	return python, nil
}

// venvPythonExecutable resolves the venv's interpreter path: prefer
// bin/python3, fall back to bin/python, and use Scripts\python.exe on
// Windows.
func venvPythonExecutable(venvDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvDir, "Scripts", "python.exe")
	}
	py3 := filepath.Join(venvDir, "bin", "python3")
	if _, err := os.Stat(py3); err == nil {
		return py3
	}
	return filepath.Join(venvDir, "bin", "python")
}

// NoopEnvBuilder skips venv/pip entirely and returns PythonExec
// verbatim, used for skip_deps tasks and in tests where the shim
// binary (or any already-on-PATH interpreter) needs no preparation.
type NoopEnvBuilder struct {
	PythonExec string
}

func (b NoopEnvBuilder) Build(_ context.Context, _, _ string) (string, error) {
	if b.PythonExec == "" {
		return "", fmt.Errorf("NoopEnvBuilder: PythonExec not set")
	}
	return b.PythonExec, nil
}
