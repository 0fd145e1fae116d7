package storage

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // dedupe digest, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/waldiez/runner/pkg/apperr"
)

// S3Backend is a Backend implementation that stores every task's
// scratch/app tree as objects under "<prefix>/<key>" in a single S3
// bucket, for operators who want task archives to live in object
// storage instead of on the dispatcher's local disk. Grounded on the
// rescale-labs S3 client wiring (credential-refreshing config.LoadDefaultConfig).
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend builds an S3Backend for bucket, with keys namespaced
// under prefix (may be empty), using the ambient AWS credential chain.
func NewS3Backend(ctx context.Context, bucket, region, prefix string) (*S3Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Backend{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (s *S3Backend) key(relative string) string {
	cleaned := strings.TrimPrefix(path.Clean("/"+filepathToSlash(relative)), "/")
	if s.prefix == "" {
		return cleaned
	}
	return path.Join(s.prefix, cleaned)
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

func (s *S3Backend) Resolve(relative string) (string, bool) {
	cleaned := path.Clean("/" + filepathToSlash(relative))
	if strings.Contains(cleaned, "..") {
		return "", false
	}
	return s.key(relative), true
}

func (s *S3Backend) SaveUpload(ctx context.Context, clientID string, r io.Reader, originalName string) (string, string, error) {
	if !allowedExt(originalName) {
		return "", "", apperr.Newf(apperr.KindInvalidInput, "file extension not allowed: %s", path.Ext(originalName))
	}
	uniqueName := uuid.NewString() + "-" + path.Base(originalName)
	relPath := path.Join(clientID, "_tmp", uniqueName)

	var buf bytes.Buffer
	h := md5.New() //nolint:gosec
	if _, err := io.Copy(io.MultiWriter(&buf, h), r); err != nil {
		return "", "", apperr.Wrap(apperr.KindStorage, "buffer upload", err)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    strPtr(s.key(relPath)),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindStorage, "put upload object", err)
	}
	return hex.EncodeToString(h.Sum(nil)), relPath, nil
}

func (s *S3Backend) Move(ctx context.Context, src, dst string) error {
	if err := s.CopyFile(ctx, src, dst); err != nil {
		return err
	}
	return s.DeleteFile(ctx, src)
}

func (s *S3Backend) CopyFile(ctx context.Context, src, dst string) error {
	source := s.bucket + "/" + s.key(src)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &s.bucket,
		Key:        strPtr(s.key(dst)),
		CopySource: &source,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "copy object", err)
	}
	return nil
}

func (s *S3Backend) CopyFolder(ctx context.Context, src, dst string) error {
	files, err := s.ListFiles(ctx, src)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.CopyFile(ctx, path.Join(src, f), path.Join(dst, f)); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Backend) DeleteFile(ctx context.Context, p string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    strPtr(s.key(p)),
	})
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "delete object", err)
	}
	return nil
}

func (s *S3Backend) DeleteFolder(ctx context.Context, p string) error {
	prefix := s.key(p) + "/"
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &prefix})
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "list objects to delete", err)
	}
	var ids []types.ObjectIdentifier
	for _, obj := range out.Contents {
		ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: &s.bucket,
		Delete: &types.Delete{Objects: ids},
	})
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "delete objects", err)
	}
	return nil
}

func (s *S3Backend) ListFiles(ctx context.Context, p string) ([]string, error) {
	prefix := s.key(p) + "/"
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &prefix})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "list objects", err)
	}
	var names []string
	for _, obj := range out.Contents {
		names = append(names, strings.TrimPrefix(*obj.Key, prefix))
	}
	return names, nil
}

func (s *S3Backend) Hash(ctx context.Context, p string) (string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: strPtr(s.key(p))})
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "get object for hash", err)
	}
	defer out.Body.Close()
	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, out.Body); err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "hash object", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *S3Backend) DownloadArchive(ctx context.Context, clientID, taskID string, w io.Writer) error {
	files, err := s.ListFiles(ctx, path.Join(clientID, taskID))
	if err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	defer zw.Close()
	for _, name := range files {
		entry, err := zw.Create(name)
		if err != nil {
			return err
		}
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: &s.bucket,
			Key:    strPtr(s.key(path.Join(clientID, taskID, name))),
		})
		if err != nil {
			return apperr.Wrap(apperr.KindStorage, "get object for archive", err)
		}
		_, err = io.Copy(entry, out.Body)
		out.Body.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Backend) DownloadFile(ctx context.Context, relSrc, localDst string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: strPtr(s.key(relSrc))})
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "get object for download", err)
	}
	defer out.Body.Close()
	if err := os.MkdirAll(filepath.Dir(localDst), 0o750); err != nil {
		return apperr.Wrap(apperr.KindStorage, "create local dest dir", err)
	}
	f, err := os.Create(localDst)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "create local dest", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, out.Body); err != nil {
		return apperr.Wrap(apperr.KindStorage, "copy object to local dest", err)
	}
	return nil
}

func (s *S3Backend) UploadDir(ctx context.Context, localDir, relDst string) error {
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: &s.bucket,
			Key:    strPtr(s.key(path.Join(relDst, filepathToSlash(rel)))),
			Body:   f,
		})
		if err != nil {
			return apperr.Wrap(apperr.KindStorage, "put object during upload dir", err)
		}
		return nil
	})
}

func (s *S3Backend) IsFile(ctx context.Context, p string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: strPtr(s.key(p))})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.KindStorage, "head object", err)
	}
	return true, nil
}

func (s *S3Backend) IsDir(ctx context.Context, p string) (bool, error) {
	files, err := s.ListFiles(ctx, p)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

func strPtr(s string) *string { return &s }

var _ Backend = (*S3Backend)(nil)
