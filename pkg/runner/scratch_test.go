package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/waldiez/runner/pkg/storage"
)

func TestNewScratchLayout(t *testing.T) {
	root := t.TempDir()
	sc, err := newScratch(root, "client-1", "task-1")
	if err != nil {
		t.Fatalf("newScratch: %v", err)
	}
	defer sc.cleanup()

	if info, err := os.Stat(sc.appDir); err != nil || !info.IsDir() {
		t.Fatalf("expected app dir to exist: %v", err)
	}
}

func TestCopyAppSkeleton(t *testing.T) {
	skeleton := t.TempDir()
	if err := os.WriteFile(filepath.Join(skeleton, "main.py"), []byte("print('hi')"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(skeleton, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(skeleton, "lib", "helper.py"), []byte("x = 1"), 0o644); err != nil {
		t.Fatal(err)
	}

	appDir := t.TempDir()
	if err := copyAppSkeleton(skeleton, appDir); err != nil {
		t.Fatalf("copyAppSkeleton: %v", err)
	}

	if _, err := os.Stat(filepath.Join(appDir, "main.py")); err != nil {
		t.Errorf("expected main.py copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(appDir, "lib", "helper.py")); err != nil {
		t.Errorf("expected lib/helper.py copied: %v", err)
	}
}

func TestStagePayloadCopiesFromBackend(t *testing.T) {
	backend, err := storage.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	ctx := context.Background()
	_, saved, err := backend.SaveUpload(ctx, "client-1", strings.NewReader("print(1)"), "flow.py")
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}

	appDir := t.TempDir()
	dst, err := stagePayload(ctx, backend, saved, "flow.py", appDir)
	if err != nil {
		t.Fatalf("stagePayload: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if string(data) != "print(1)" {
		t.Errorf("unexpected staged content: %s", data)
	}
}

func TestArchiveResultsSkipsMissingOutDir(t *testing.T) {
	backend, err := storage.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	appDir := t.TempDir()
	if err := archiveResults(context.Background(), backend, appDir, "client-1", "task-1"); err != nil {
		t.Errorf("expected no error for missing waldiez_out, got %v", err)
	}
}

func TestArchiveResultsUploadsOutDirAndStripsEnv(t *testing.T) {
	backend, err := storage.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	appDir := t.TempDir()
	outDir := filepath.Join(appDir, "waldiez_out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "result.json"), []byte(`{"ok":true}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outDir, ".env"), []byte("SECRET=1"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := archiveResults(ctx, backend, appDir, "client-1", "task-1"); err != nil {
		t.Fatalf("archiveResults: %v", err)
	}

	files, err := backend.ListFiles(ctx, filepath.Join("client-1", "task-1", "waldiez_out"))
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	found := false
	for _, f := range files {
		if f == ".env" {
			t.Error("expected .env to be stripped before archiving")
		}
		if f == "result.json" {
			found = true
		}
	}
	if !found {
		t.Error("expected result.json to be archived")
	}
}
