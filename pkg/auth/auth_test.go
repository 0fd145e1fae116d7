package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStaticVerifierAcceptsMatchingSecret(t *testing.T) {
	v := StaticVerifier{ClientID: "local", Secret: "s3cret"}
	clientID, err := v.Verify(context.Background(), "s3cret")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if clientID != "local" {
		t.Errorf("expected local, got %s", clientID)
	}
}

func TestStaticVerifierRejectsMismatch(t *testing.T) {
	v := StaticVerifier{ClientID: "local", Secret: "s3cret"}
	if _, err := v.Verify(context.Background(), "wrong"); err == nil {
		t.Error("expected an error for a mismatched token")
	}
}

func TestStaticVerifierRejectsWhenUnconfigured(t *testing.T) {
	v := StaticVerifier{}
	if _, err := v.Verify(context.Background(), "anything"); err == nil {
		t.Error("expected an error when no local client is configured")
	}
}

func TestExtractHTTPTokenPrefersQueryOverCookieOverHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/tasks/1?access_token=from-query", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: "from-cookie"})
	req.Header.Set("Authorization", "Bearer from-header")

	token, ok := ExtractHTTPToken(req)
	if !ok || token != "from-query" {
		t.Errorf("expected from-query, got %q ok=%v", token, ok)
	}
}

func TestExtractHTTPTokenFallsBackToCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/tasks/1", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: "from-cookie"})
	req.Header.Set("Authorization", "Bearer from-header")

	token, ok := ExtractHTTPToken(req)
	if !ok || token != "from-cookie" {
		t.Errorf("expected from-cookie, got %q ok=%v", token, ok)
	}
}

func TestExtractHTTPTokenFallsBackToBearerHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/tasks/1", nil)
	req.Header.Set("Authorization", "Bearer from-header")

	token, ok := ExtractHTTPToken(req)
	if !ok || token != "from-header" {
		t.Errorf("expected from-header, got %q ok=%v", token, ok)
	}
}

func TestExtractHTTPTokenMissingReturnsFalse(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/tasks/1", nil)
	if _, ok := ExtractHTTPToken(req); ok {
		t.Error("expected no token to be found")
	}
}

func TestExtractWSTokenFallsBackToSubprotocol(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/task-1", nil)
	req.Header.Set("Sec-WebSocket-Protocol", "tasks-api, sub-token")

	token, ok, accept := ExtractWSToken(req)
	if !ok || token != "sub-token" {
		t.Errorf("expected sub-token, got %q ok=%v", token, ok)
	}
	if accept != TaskAPISubprotocol {
		t.Errorf("expected to echo %s, got %s", TaskAPISubprotocol, accept)
	}
}

func TestExtractWSTokenPrefersHTTPSourcesOverSubprotocol(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/task-1?access_token=from-query", nil)
	req.Header.Set("Sec-WebSocket-Protocol", "tasks-api, sub-token")

	token, ok, accept := ExtractWSToken(req)
	if !ok || token != "from-query" {
		t.Errorf("expected from-query, got %q ok=%v", token, ok)
	}
	if accept != "" {
		t.Errorf("expected no subprotocol echo when token came from query, got %s", accept)
	}
}

func TestSubprotocolTokenRejectsWrongName(t *testing.T) {
	if _, ok := SubprotocolToken("other-proto, token"); ok {
		t.Error("expected rejection of a non-tasks-api subprotocol")
	}
}

func TestSubprotocolTokenRejectsMalformed(t *testing.T) {
	if _, ok := SubprotocolToken("tasks-api"); ok {
		t.Error("expected rejection of a subprotocol header with no token part")
	}
}
