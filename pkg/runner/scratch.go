package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/waldiez/runner/pkg/apperr"
	"github.com/waldiez/runner/pkg/storage"
)

// scratch is the on-disk working tree for one job: app/ holds the
// copied app skeleton plus the task's payload file, venv/ holds the
// Python environment the app runs under.
type scratch struct {
	root    string
	appDir  string
	venvDir string
}

// newScratch creates "<scratchRoot>/wlz-brk-<rand>/<clientID>/<taskID>/"
// with app/ and venv/ subdirectories, echoing the storage backend's own
// client_id/task_id layout but rooted under a process-local scratch
// directory rather than the persistent storage tree.
func newScratch(scratchRoot, clientID, taskID string) (*scratch, error) {
	base, err := os.MkdirTemp(scratchRoot, "wlz-brk-")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "create scratch dir", err)
	}
	root := filepath.Join(base, clientID, taskID)
	appDir := filepath.Join(root, "app")
	venvDir := filepath.Join(root, "venv")
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "create app dir", err)
	}
	if err := os.MkdirAll(venvDir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "create venv dir", err)
	}
	return &scratch{root: base, appDir: appDir, venvDir: venvDir}, nil
}

// cleanup best-effort removes the entire scratch tree; failures are
// logged by the caller, never fatal to the task's own outcome.
func (s *scratch) cleanup() error {
	return os.RemoveAll(s.root)
}

// copyAppSkeleton copies every entry under skeletonDir into s.appDir,
// overwriting anything already there.
func copyAppSkeleton(skeletonDir, appDir string) error {
	entries, err := os.ReadDir(skeletonDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.KindStorage, "read app skeleton", err)
	}
	for _, entry := range entries {
		src := filepath.Join(skeletonDir, entry.Name())
		dst := filepath.Join(appDir, entry.Name())
		if entry.IsDir() {
			if err := copyDir(src, dst); err != nil {
				return err
			}
			continue
		}
		if err := copyFileContents(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return apperr.Wrap(apperr.KindStorage, "create app skeleton subdir", err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "read app skeleton subdir", err)
	}
	for _, entry := range entries {
		s := filepath.Join(src, entry.Name())
		d := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyDir(s, d); err != nil {
				return err
			}
			continue
		}
		if err := copyFileContents(s, d); err != nil {
			return err
		}
	}
	return nil
}

func copyFileContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "open app skeleton file", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "stat app skeleton file", err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "create app skeleton copy", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return apperr.Wrap(apperr.KindStorage, "copy app skeleton file", err)
	}
	return nil
}

// stagePayload copies the admitted payload from Storage (relative
// path flowPath, e.g. "clientID/taskID/flow.waldiez") into appDir
// under its original filename, so the child process finds it at a
// fixed, predictable path.
func stagePayload(ctx context.Context, backend storage.Backend, flowPath, filename, appDir string) (string, error) {
	dst := filepath.Join(appDir, filename)
	if err := backend.DownloadFile(ctx, flowPath, dst); err != nil {
		return "", apperr.Wrap(apperr.KindStorage, fmt.Sprintf("stage payload %q into app dir", flowPath), err)
	}
	return dst, nil
}

// archiveResults copies appDir/waldiez_out/ (the child's declared
// output directory, if any) back onto the persistent Storage backend
// under "<clientID>/<taskID>/", for later download via DownloadArchive.
// A missing waldiez_out is not an error: not every task produces one.
func archiveResults(ctx context.Context, backend storage.Backend, appDir, clientID, taskID string) error {
	outDir := filepath.Join(appDir, "waldiez_out")
	if info, err := os.Stat(outDir); err != nil || !info.IsDir() {
		return nil
	}
	// Strip a leaked .env before archiving: the child's working
	// directory may contain process secrets it was never meant to
	// persist.
	_ = os.Remove(filepath.Join(outDir, ".env"))

	dst := filepath.Join(clientID, taskID, "waldiez_out")
	return backend.UploadDir(ctx, outDir, dst)
}
