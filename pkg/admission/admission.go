// Package admission implements the Admission Controller: the
// single gate every task submission passes through before a Task row
// or broker job exists. It enforces the per-client concurrency cap,
// resolves the submitted payload (upload, URL, or a previously staged
// path) to a file on Storage, computes the duplicate-detection
// fingerprint, and validates any env_vars JSON.
package admission

import (
	"context"
	"crypto/md5" //nolint:gosec // fingerprint only, not a security boundary
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/waldiez/runner/pkg/apperr"
	"github.com/waldiez/runner/pkg/model"
	"github.com/waldiez/runner/pkg/storage"
	"github.com/waldiez/runner/pkg/store"
)

// allowedURLSchemes are the remote-fetch schemes Admission accepts
// for url-sourced submissions. Only https is actually fetched today;
// the others are reserved, matching spec-level scope, and resolving
// one short-circuits to KindNotImplemented.
var allowedURLSchemes = map[string]bool{
	"https": true, "ftps": true, "sftp": true, "s3": true,
}

// Input carries everything a single Admit call needs. Exactly one of
// Upload, URL, or Path must be set.
type Input struct {
	ClientID     string
	Force        bool
	ScheduleType model.ScheduleType
	EnvVarsJSON  string
	InputTimeout int

	Upload *UploadInput
	URL    string
	Path   string
}

// UploadInput is a multipart-style upload: a stream plus its declared
// original filename.
type UploadInput struct {
	Reader   io.Reader
	Filename string
}

// Result is what Admission hands to the Dispatcher.
type Result struct {
	FlowID    string
	Filename  string
	SavedPath string
	EnvVars   map[string]string
}

// Controller is the Admission Controller. MaxJobs <= 0 disables the
// per-client concurrency cap.
type Controller struct {
	Store      store.Store
	Storage    storage.Backend
	MaxJobs    int
	httpClient *retryablehttp.Client
}

// NewController builds a Controller with a retrying HTTP client for
// url-sourced submissions.
func NewController(st store.Store, backend storage.Backend, maxJobs int) *Controller {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return &Controller{Store: st, Storage: backend, MaxJobs: maxJobs, httpClient: client}
}

// Admit runs the full admission algorithm and returns a Result ready
// for the Dispatcher, or a typed apperr on any validation failure.
func (c *Controller) Admit(ctx context.Context, in Input) (Result, error) {
	if in.ScheduleType != "" && in.ScheduleType != model.ScheduleNone {
		return Result{}, apperr.New(apperr.KindNotImplemented, "scheduled task submission is not implemented")
	}

	if c.MaxJobs > 0 {
		active, err := c.Store.ListActiveClientTasks(ctx, in.ClientID, store.PageParams{Page: 1, Size: 1})
		if err != nil {
			return Result{}, apperr.Wrap(apperr.KindStorage, "count active tasks", err)
		}
		if int(active.Total) >= c.MaxJobs {
			return Result{}, apperr.Newf(apperr.KindTooManyActive, "client already has %d active tasks (max_jobs=%d)", active.Total, c.MaxJobs)
		}
	}

	sourceCount := 0
	if in.Upload != nil {
		sourceCount++
	}
	if in.URL != "" {
		sourceCount++
	}
	if in.Path != "" {
		sourceCount++
	}
	if sourceCount != 1 {
		return Result{}, apperr.New(apperr.KindInvalidInput, "exactly one of upload, url, or path must be provided")
	}

	digest, filename, savedPath, err := c.resolvePayload(ctx, in)
	if err != nil {
		return Result{}, err
	}

	flowIDBase := computeFlowID(digest, filename)

	existing, err := c.Store.FindByFlow(ctx, in.ClientID, flowIDBase)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindStorage, "look up duplicate flow", err)
	}
	flowID := flowIDBase
	if existing != nil && existing.IsActive() {
		if !in.Force {
			_ = c.Storage.DeleteFile(ctx, savedPath)
			return Result{}, apperr.Newf(apperr.KindDuplicateFlow,
				"A task with the same file already exists. Task ID: %s, status: %s", existing.ID, existing.Status)
		}
		var newPath string
		newPath, flowID, err = c.claimUniqueFlow(ctx, savedPath, flowIDBase)
		if err != nil {
			return Result{}, err
		}
		savedPath = newPath
	}

	envVars, err := ParseEnvVars(in.EnvVarsJSON)
	if err != nil {
		return Result{}, err
	}

	return Result{FlowID: flowID, Filename: filename, SavedPath: savedPath, EnvVars: envVars}, nil
}

func (c *Controller) resolvePayload(ctx context.Context, in Input) (digest, filename, savedPath string, err error) {
	switch {
	case in.Upload != nil:
		digest, savedPath, err = c.Storage.SaveUpload(ctx, in.ClientID, in.Upload.Reader, in.Upload.Filename)
		if err != nil {
			return "", "", "", err
		}
		return digest, filepath.Base(in.Upload.Filename), savedPath, nil

	case in.URL != "":
		scheme := urlScheme(in.URL)
		if !allowedURLSchemes[scheme] {
			return "", "", "", apperr.Newf(apperr.KindInvalidInput, "unsupported url scheme: %s", scheme)
		}
		if scheme != "https" {
			return "", "", "", apperr.Newf(apperr.KindNotImplemented, "fetching via %s is not implemented", scheme)
		}
		name := filepath.Base(in.URL)
		resp, err := c.httpClient.Get(in.URL)
		if err != nil {
			return "", "", "", apperr.Wrap(apperr.KindInvalidInput, "fetch url", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", "", "", apperr.Newf(apperr.KindInvalidInput, "fetch url: unexpected status %d", resp.StatusCode)
		}
		digest, savedPath, err = c.Storage.SaveUpload(ctx, in.ClientID, resp.Body, name)
		if err != nil {
			return "", "", "", err
		}
		return digest, name, savedPath, nil

	default: // in.Path
		if !strings.HasPrefix(in.Path, in.ClientID+"/") {
			return "", "", "", apperr.Newf(apperr.KindInvalidInput, "path %q does not belong to client %q", in.Path, in.ClientID)
		}
		if _, ok := c.Storage.Resolve(in.Path); !ok {
			return "", "", "", apperr.Newf(apperr.KindInvalidInput, "path %q escapes storage root", in.Path)
		}
		isFile, err := c.Storage.IsFile(ctx, in.Path)
		if err != nil {
			return "", "", "", err
		}
		if !isFile {
			return "", "", "", apperr.Newf(apperr.KindNotFound, "path %q does not exist", in.Path)
		}
		digest, err = c.Storage.Hash(ctx, in.Path)
		if err != nil {
			return "", "", "", err
		}
		return digest, filepath.Base(in.Path), in.Path, nil
	}
}

func urlScheme(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		return u[:i]
	}
	return ""
}

// computeFlowID builds the md5(content) + "-" + md5(filename)[:8]
// fingerprint. contentDigest is already the content MD5 (hex),
// computed once by Storage while saving/hashing.
func computeFlowID(contentDigest, filename string) string {
	nameHash := md5.Sum([]byte(filename)) //nolint:gosec
	return contentDigest + "-" + hex.EncodeToString(nameHash[:])[:8]
}

// claimUniqueFlow renames the staged payload to a unique filename
// (exclusive rename) and mints flow_id_base + "-" + rand_hex(4), the
// force-resubmission path.
func (c *Controller) claimUniqueFlow(ctx context.Context, savedPath, flowIDBase string) (newPath, flowID string, err error) {
	suffixBytes := make([]byte, 4)
	if _, err := rand.Read(suffixBytes); err != nil {
		return "", "", apperr.Wrap(apperr.KindStorage, "generate nonce", err)
	}
	suffix := hex.EncodeToString(suffixBytes)

	dir := filepath.Dir(savedPath)
	ext := filepath.Ext(savedPath)
	base := strings.TrimSuffix(filepath.Base(savedPath), ext)
	newPath = filepath.Join(dir, fmt.Sprintf("%s-%s%s", base, suffix, ext))

	if err := c.Storage.Move(ctx, savedPath, newPath); err != nil {
		return "", "", err
	}
	return newPath, flowIDBase + "-" + suffix, nil
}
