// Package storage implements the abstract file-I/O capability:
// save uploads, hash, move, copy, list, delete, and archive to zip. The
// local filesystem backend is the one implementation wired into the
// rest of the subsystem; Backend is an interface so an S3-backed
// implementation (see s3.go) can stand in without touching callers.
package storage

import (
	"context"
	"io"
)

// AllowedExtensions are the upload extensions Admission accepts.
var AllowedExtensions = map[string]bool{
	".waldiez": true,
	".json":    true,
	".py":      true,
}

// Backend is the capability every storage implementation exposes.
// Paths passed in are always relative to the backend's root; Resolve
// is the only operation that deals in absolute paths, and only to
// reject traversal.
type Backend interface {
	// SaveUpload streams r to a unique path under "<clientID>/_tmp/",
	// computing a content MD5 digest as it writes. Returns the digest
	// (hex) and the relative path it was saved to. Fails with
	// apperr.KindInvalidInput if the extension isn't allowed.
	SaveUpload(ctx context.Context, clientID string, r io.Reader, originalName string) (digestHex string, savedPath string, err error)

	// Move renames src to dst, creating dst's parent directories.
	// LocalFS claims dst exclusively with hard-link-then-unlink-src,
	// falling back to a plain rename (which replaces an existing dst)
	// when hard links aren't supported, e.g. across filesystems.
	// S3Backend copies then deletes src, replacing an existing dst.
	Move(ctx context.Context, src, dst string) error

	CopyFile(ctx context.Context, src, dst string) error
	CopyFolder(ctx context.Context, src, dst string) error
	DeleteFile(ctx context.Context, path string) error
	DeleteFolder(ctx context.Context, path string) error

	// ListFiles returns the regular files under path, named relative to
	// path. LocalFS lists only path's direct entries; S3Backend lists
	// every object under the prefix, nested ones included. A missing
	// path yields an empty slice, not an error.
	ListFiles(ctx context.Context, path string) ([]string, error)

	// Hash returns the content MD5 of path, hex-encoded. This digest is
	// for deduplication only, never a security boundary.
	Hash(ctx context.Context, path string) (string, error)

	// DownloadArchive streams a zip of "<clientID>/<taskID>/" to w.
	DownloadArchive(ctx context.Context, clientID, taskID string, w io.Writer) error

	// UploadDir walks localDir, a real filesystem path outside the
	// backend's own tree (e.g. a Runner's scratch directory), and
	// writes every file it contains under relDst. Unlike CopyFolder,
	// whose src/dst are both backend-relative, this is how results
	// produced outside the backend (by a child process on local disk)
	// get persisted into it.
	UploadDir(ctx context.Context, localDir, relDst string) error

	// DownloadFile is UploadDir's counterpart for a single file: it
	// copies relSrc (backend-relative) onto localDst, a real
	// filesystem path, so a Runner can stage an admitted payload into
	// its scratch app directory regardless of which backend holds it.
	DownloadFile(ctx context.Context, relSrc, localDst string) error

	// Resolve path-traversal-safely joins relative onto the backend
	// root, returning ("", false) if the result would escape the root.
	Resolve(relative string) (absolute string, ok bool)

	IsFile(ctx context.Context, path string) (bool, error)
	IsDir(ctx context.Context, path string) (bool, error)
}
