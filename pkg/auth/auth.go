// Package auth implements token verification for the HTTP and
// WebSocket surfaces. Full OIDC/JWKS verification is out of scope (the
// orchestration subsystem trusts an upstream identity provider in
// production); this package carries the token-extraction plumbing both
// surfaces share and a minimal local-bootstrap verifier so the system
// is runnable end to end without one wired in.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/waldiez/runner/pkg/apperr"
)

// TaskAPISubprotocol is the WebSocket subprotocol name a client
// presents alongside its token: "Sec-WebSocket-Protocol: tasks-api, <token>".
const TaskAPISubprotocol = "tasks-api"

// Verifier turns a bearer-style token into the client ID that
// submitted it. Implementations may reject with apperr.KindAuth for
// any failure (expired, malformed, unknown audience, ...).
type Verifier interface {
	Verify(ctx context.Context, token string) (clientID string, err error)
}

// AudienceVerifier is implemented by Verifiers that can also report a
// token's audience scope (tasks-api, clients-api, admin). The HTTP
// layer's admin-only routes type-assert for this; a Verifier that
// doesn't implement it is treated as tasks-api-only.
type AudienceVerifier interface {
	Verifier
	Audience(ctx context.Context, token string) (string, error)
}

// StaticVerifier accepts exactly one client/secret pair, configured via
// LOCAL_CLIENT_ID/LOCAL_CLIENT_SECRET. It exists for local development
// and smoke-mode runs where no external identity provider is wired in.
// AudienceName defaults to tasks-api when unset; local bootstrap
// deployments that also need the admin routes set it explicitly.
type StaticVerifier struct {
	ClientID     string
	Secret       string
	AudienceName string
}

// Verify compares token against the configured secret in constant time
// and returns the configured client ID on a match.
func (v StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	if v.ClientID == "" || v.Secret == "" {
		return "", apperr.New(apperr.KindAuth, "no local client configured")
	}
	if token == "" {
		return "", apperr.New(apperr.KindAuth, "missing token")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.Secret)) != 1 {
		return "", apperr.New(apperr.KindAuth, "invalid token")
	}
	return v.ClientID, nil
}

// Audience reports the configured audience for a verified token,
// defaulting to tasks-api.
func (v StaticVerifier) Audience(ctx context.Context, token string) (string, error) {
	if _, err := v.Verify(ctx, token); err != nil {
		return "", err
	}
	if v.AudienceName == "" {
		return "tasks-api", nil
	}
	return v.AudienceName, nil
}

// ExtractHTTPToken applies the HTTP extraction order: query param
// access_token, cookie access_token, then Authorization: Bearer.
func ExtractHTTPToken(r *http.Request) (string, bool) {
	if t := r.URL.Query().Get("access_token"); t != "" {
		return t, true
	}
	if c, err := r.Cookie("access_token"); err == nil && c.Value != "" {
		return c.Value, true
	}
	if t, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return t, true
	}
	return "", false
}

// ExtractWSToken applies the full WebSocket extraction order: query
// param, cookie, Authorization: Bearer, then the "tasks-api, <token>"
// subprotocol. The third return value is the subprotocol to echo back
// on accept ("" unless the token came from the subprotocol header).
func ExtractWSToken(r *http.Request) (token string, ok bool, acceptSubprotocol string) {
	if t, found := ExtractHTTPToken(r); found {
		return t, true, ""
	}
	if t, found := SubprotocolToken(r.Header.Get("Sec-WebSocket-Protocol")); found {
		return t, true, TaskAPISubprotocol
	}
	return "", false, ""
}

func bearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// SubprotocolToken parses a "tasks-api, <token>" Sec-WebSocket-Protocol
// header value.
func SubprotocolToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.Split(header, ",")
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), TaskAPISubprotocol) {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
