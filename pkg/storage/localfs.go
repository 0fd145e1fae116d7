package storage

import (
	"archive/zip"
	"context"
	"crypto/md5" //nolint:gosec // content digest for dedupe, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/waldiez/runner/pkg/apperr"
)

// LocalFS is a Backend rooted at a configured directory on the local
// filesystem. Every path it accepts is relative to Root.
type LocalFS struct {
	Root string
}

// NewLocalFS creates a LocalFS rooted at root, creating it if missing.
func NewLocalFS(root string) (*LocalFS, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &LocalFS{Root: abs}, nil
}

func (l *LocalFS) Resolve(relative string) (string, bool) {
	cleaned := filepath.Clean("/" + relative)
	abs := filepath.Join(l.Root, cleaned)
	if abs != l.Root && !strings.HasPrefix(abs, l.Root+string(filepath.Separator)) {
		return "", false
	}
	return abs, true
}

func (l *LocalFS) resolveOrErr(relative string) (string, error) {
	abs, ok := l.Resolve(relative)
	if !ok {
		return "", apperr.Newf(apperr.KindInvalidInput, "path %q escapes storage root", relative)
	}
	return abs, nil
}

func allowedExt(name string) bool {
	return AllowedExtensions[strings.ToLower(filepath.Ext(name))]
}

func (l *LocalFS) SaveUpload(_ context.Context, clientID string, r io.Reader, originalName string) (string, string, error) {
	if !allowedExt(originalName) {
		return "", "", apperr.Newf(apperr.KindInvalidInput, "file extension not allowed: %s", filepath.Ext(originalName))
	}
	relDir := filepath.Join(clientID, "_tmp")
	absDir, err := l.resolveOrErr(relDir)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(absDir, 0o750); err != nil {
		return "", "", apperr.Wrap(apperr.KindStorage, "create tmp dir", err)
	}

	uniqueName := uuid.NewString() + "-" + filepath.Base(originalName)
	relPath := filepath.Join(relDir, uniqueName)
	absPath := filepath.Join(absDir, uniqueName)

	f, err := os.Create(absPath)
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindStorage, "create upload file", err)
	}
	defer f.Close()

	h := md5.New() //nolint:gosec
	if _, err := io.Copy(io.MultiWriter(f, h), r); err != nil {
		return "", "", apperr.Wrap(apperr.KindStorage, "write upload", err)
	}
	return hex.EncodeToString(h.Sum(nil)), relPath, nil
}

// Move renames src to dst. It claims dst exclusively: it first tries a
// hard link + unlink(src) so a concurrent mover touching the same dst
// loses the race atomically (Link fails with EEXIST); if the
// filesystem doesn't support hard links (e.g. cross-device), it falls
// back to a plain os.Rename, which is still atomic on a POSIX
// filesystem but does not protect against a pre-existing dst the way
// Link does.
func (l *LocalFS) Move(_ context.Context, src, dst string) error {
	absSrc, err := l.resolveOrErr(src)
	if err != nil {
		return err
	}
	absDst, err := l.resolveOrErr(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absDst), 0o750); err != nil {
		return apperr.Wrap(apperr.KindStorage, "create dest dir", err)
	}

	if err := os.Link(absSrc, absDst); err == nil {
		if rmErr := os.Remove(absSrc); rmErr != nil {
			return apperr.Wrap(apperr.KindStorage, "unlink source after move", rmErr)
		}
		return nil
	} else if !errors.Is(err, os.ErrExist) {
		// Hard links unsupported on this filesystem (e.g. cross-device
		// link); fall back to rename.
		if err := os.Rename(absSrc, absDst); err != nil {
			return apperr.Wrap(apperr.KindStorage, "rename", err)
		}
		return nil
	}
	return apperr.Newf(apperr.KindStorage, "destination already claimed: %s", dst)
}

func (l *LocalFS) CopyFile(_ context.Context, src, dst string) error {
	absSrc, err := l.resolveOrErr(src)
	if err != nil {
		return err
	}
	absDst, err := l.resolveOrErr(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absDst), 0o750); err != nil {
		return apperr.Wrap(apperr.KindStorage, "create dest dir", err)
	}
	in, err := os.Open(absSrc)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "open src", err)
	}
	defer in.Close()
	out, err := os.Create(absDst)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "create dst", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return apperr.Wrap(apperr.KindStorage, "copy contents", err)
	}
	return nil
}

func (l *LocalFS) CopyFolder(_ context.Context, src, dst string) error {
	absSrc, err := l.resolveOrErr(src)
	if err != nil {
		return err
	}
	absDst, err := l.resolveOrErr(dst)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(absSrc); errors.Is(statErr, os.ErrNotExist) {
		return nil
	}
	return filepath.WalkDir(absSrc, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(absSrc, path)
		if err != nil {
			return err
		}
		target := filepath.Join(absDst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

func (l *LocalFS) DeleteFile(_ context.Context, path string) error {
	abs, err := l.resolveOrErr(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperr.Wrap(apperr.KindStorage, "delete file", err)
	}
	return nil
}

func (l *LocalFS) DeleteFolder(_ context.Context, path string) error {
	abs, err := l.resolveOrErr(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(abs); err != nil {
		return apperr.Wrap(apperr.KindStorage, "delete folder", err)
	}
	return nil
}

func (l *LocalFS) ListFiles(_ context.Context, path string) ([]string, error) {
	abs, err := l.resolveOrErr(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "list files", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (l *LocalFS) Hash(_ context.Context, path string) (string, error) {
	abs, err := l.resolveOrErr(path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(abs)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "open for hash", err)
	}
	defer f.Close()
	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "hash contents", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *LocalFS) DownloadArchive(_ context.Context, clientID, taskID string, w io.Writer) error {
	relRoot := filepath.Join(clientID, taskID)
	absRoot, err := l.resolveOrErr(relRoot)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	defer zw.Close()

	return filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}
		entry, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(entry, f)
		return err
	})
}

func (l *LocalFS) DownloadFile(_ context.Context, relSrc, localDst string) error {
	absSrc, err := l.resolveOrErr(relSrc)
	if err != nil {
		return err
	}
	in, err := os.Open(absSrc)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "open src for download", err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(localDst), 0o750); err != nil {
		return apperr.Wrap(apperr.KindStorage, "create local dest dir", err)
	}
	out, err := os.Create(localDst)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "create local dest", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return apperr.Wrap(apperr.KindStorage, "copy to local dest", err)
	}
	return nil
}

func (l *LocalFS) UploadDir(_ context.Context, localDir, relDst string) error {
	absDst, err := l.resolveOrErr(relDst)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(localDir); errors.Is(statErr, os.ErrNotExist) {
		return nil
	}
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		target := filepath.Join(absDst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

func (l *LocalFS) IsFile(_ context.Context, path string) (bool, error) {
	abs, err := l.resolveOrErr(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.KindStorage, "stat", err)
	}
	return !info.IsDir(), nil
}

func (l *LocalFS) IsDir(_ context.Context, path string) (bool, error) {
	abs, err := l.resolveOrErr(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.KindStorage, "stat", err)
	}
	return info.IsDir(), nil
}

var _ Backend = (*LocalFS)(nil)
