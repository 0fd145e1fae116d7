package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestLocalFS(t *testing.T) *LocalFS {
	t.Helper()
	root := t.TempDir()
	fs, err := NewLocalFS(root)
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	return fs
}

func TestResolveRejectsTraversal(t *testing.T) {
	fs := newTestLocalFS(t)
	if _, ok := fs.Resolve("../../etc/passwd"); ok {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, ok := fs.Resolve("client-a/task-1/out.txt"); !ok {
		t.Fatalf("expected normal relative path to resolve")
	}
}

func TestSaveUploadRejectsExtension(t *testing.T) {
	fs := newTestLocalFS(t)
	_, _, err := fs.SaveUpload(context.Background(), "client-a", bytes.NewReader([]byte("x")), "script.sh")
	if err == nil {
		t.Fatalf("expected error for disallowed extension")
	}
}

func TestSaveUploadAndHash(t *testing.T) {
	fs := newTestLocalFS(t)
	content := []byte(`{"nodes": []}`)
	digest, relPath, err := fs.SaveUpload(context.Background(), "client-a", bytes.NewReader(content), "flow.waldiez")
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	if relPath == "" {
		t.Fatalf("expected non-empty saved path")
	}
	gotDigest, err := fs.Hash(context.Background(), relPath)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if gotDigest != digest {
		t.Errorf("expected hash %s to match upload digest %s", gotDigest, digest)
	}
}

func TestMoveRelocatesFileToDestination(t *testing.T) {
	fs := newTestLocalFS(t)
	_, relPath, err := fs.SaveUpload(context.Background(), "client-a", bytes.NewReader([]byte("data")), "flow.json")
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	dst := filepath.Join("client-a", "task-1", "flow.json")
	if err := fs.Move(context.Background(), relPath, dst); err != nil {
		t.Fatalf("Move: %v", err)
	}
	isFile, err := fs.IsFile(context.Background(), dst)
	if err != nil || !isFile {
		t.Fatalf("expected dst to exist as a file, err=%v isFile=%v", err, isFile)
	}
	if isFile, _ := fs.IsFile(context.Background(), relPath); isFile {
		t.Errorf("expected src to no longer exist after move")
	}
}

func TestListFilesOnMissingDirReturnsEmpty(t *testing.T) {
	fs := newTestLocalFS(t)
	files, err := fs.ListFiles(context.Background(), "no-such-client/no-such-task")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected empty listing for missing dir, got %v", files)
	}
}

func TestDownloadArchiveProducesZipWithEntries(t *testing.T) {
	fs := newTestLocalFS(t)
	abs, _ := fs.Resolve(filepath.Join("client-a", "task-1"))
	if err := os.MkdirAll(abs, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(abs, "result.json"), []byte("{}"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}

	var buf bytes.Buffer
	if err := fs.DownloadArchive(context.Background(), "client-a", "task-1", &buf); err != nil {
		t.Fatalf("DownloadArchive: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("expected non-empty archive")
	}
}

func TestIsDirVsIsFile(t *testing.T) {
	fs := newTestLocalFS(t)
	abs, _ := fs.Resolve("client-a/task-1")
	if err := os.MkdirAll(abs, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	isDir, err := fs.IsDir(context.Background(), "client-a/task-1")
	if err != nil || !isDir {
		t.Fatalf("expected dir, err=%v isDir=%v", err, isDir)
	}
	isFile, err := fs.IsFile(context.Background(), "client-a/task-1")
	if err != nil || isFile {
		t.Fatalf("expected directory to not report as file, err=%v isFile=%v", err, isFile)
	}
}

var _ Backend = (*LocalFS)(nil)
