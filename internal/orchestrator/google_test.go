package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flopro/nexus/internal/googleoauth"
)

func TestGoogleStart(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)

	start, err := env.o.GoogleStart(context.Background(), 1, tenant.ID, testOrigin)
	if err != nil {
		t.Fatalf("GoogleStart: %v", err)
	}
	if start.TenantID != tenant.ID {
		t.Fatalf("tenant = %q", start.TenantID)
	}
	if !strings.Contains(start.AuthURL, "accounts.google.com") ||
		!strings.Contains(start.AuthURL, "state=") ||
		!strings.Contains(start.AuthURL, "access_type=offline") {
		t.Fatalf("auth url = %q", start.AuthURL)
	}
	if start.ExpiresInSeconds != 600 {
		t.Fatalf("expires_in = %d, want 600", start.ExpiresInSeconds)
	}
}

func TestGoogleStartForbiddenOrigin(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)

	_, err := env.o.GoogleStart(context.Background(), 1, tenant.ID, "https://evil.test")
	oerr := asOpErr(t, err)
	if oerr.Code != "google_oauth_origin_forbidden" || oerr.Status != http.StatusForbidden {
		t.Fatalf("got %d %s", oerr.Status, oerr.Code)
	}
}

func TestGoogleStartUnconfigured(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)
	env.o.google = googleoauth.New("", "", "", "")

	_, err := env.o.GoogleStart(context.Background(), 1, tenant.ID, testOrigin)
	oerr := asOpErr(t, err)
	if oerr.Code != "google_oauth_not_configured" || oerr.Status != http.StatusBadRequest {
		t.Fatalf("got %d %s", oerr.Status, oerr.Code)
	}
}

func TestGoogleCallbackMissingState(t *testing.T) {
	env := newTestEnv(t, testImage)

	res := env.o.GoogleCallback(context.Background(), "code", "", "", "")
	if res.Origin != "*" {
		t.Fatalf("origin = %q, want *", res.Origin)
	}
	if res.Payload["status"] != "error" || res.Payload["type"] != "google.oauth.result" {
		t.Fatalf("payload = %v", res.Payload)
	}
}

func TestGoogleCallbackInvalidState(t *testing.T) {
	env := newTestEnv(t, testImage)

	res := env.o.GoogleCallback(context.Background(), "code", "not-a-jwt", "", "")
	if res.Payload["status"] != "error" {
		t.Fatalf("payload = %v", res.Payload)
	}
}

func TestGoogleCallbackDenied(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)
	ctx := context.Background()
	state, _, err := env.tokens.IssueOAuthState(1, tenant.ID, testOrigin)
	if err != nil {
		t.Fatalf("IssueOAuthState: %v", err)
	}

	res := env.o.GoogleCallback(ctx, "", state, "access_denied", "User denied access")
	if res.Origin != testOrigin {
		t.Fatalf("origin = %q", res.Origin)
	}
	if res.Payload["status"] != "error" || res.Payload["error"] != "User denied access" {
		t.Fatalf("payload = %v", res.Payload)
	}
	if res.Payload["tenant_id"] != tenant.ID {
		t.Fatalf("payload missing tenant: %v", res.Payload)
	}

	status, err := env.o.GoogleConnectionStatus(ctx, 1, tenant.ID)
	if err != nil {
		t.Fatalf("GoogleConnectionStatus: %v", err)
	}
	if status.Connected {
		t.Fatal("denied flow must not connect")
	}
	if status.LastError == nil || *status.LastError != "User denied access" {
		t.Fatalf("last_error = %v", status.LastError)
	}
	if !env.bus.has("google.error") {
		t.Fatalf("events = %v, want google.error", env.bus.typesEmitted())
	}
}

func TestGoogleCallbackWrongOwner(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)
	state, _, err := env.tokens.IssueOAuthState(99, tenant.ID, testOrigin)
	if err != nil {
		t.Fatalf("IssueOAuthState: %v", err)
	}

	res := env.o.GoogleCallback(context.Background(), "code", state, "", "")
	if res.Payload["status"] != "error" {
		t.Fatalf("payload = %v", res.Payload)
	}
	if env.runner.callCount("google_connect") != 0 {
		t.Fatal("runner must not be called for a foreign tenant")
	}
}

func TestGoogleConnectRoundTrip(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"access_token": "at-123",
			"refresh_token": "rt-456",
			"token_type": "Bearer",
			"expires_in": 3600,
			"scope": "https://www.googleapis.com/auth/gmail.readonly https://www.googleapis.com/auth/calendar.events"
		}`))
	}))
	defer srv.Close()
	env.o.google.Endpoint.TokenURL = srv.URL

	state, _, err := env.tokens.IssueOAuthState(1, tenant.ID, testOrigin)
	if err != nil {
		t.Fatalf("IssueOAuthState: %v", err)
	}
	res := env.o.GoogleCallback(ctx, "auth-code", state, "", "")
	if res.Payload["status"] != "ok" {
		t.Fatalf("payload = %v", res.Payload)
	}
	if env.runner.callCount("google_connect") != 1 {
		t.Fatal("expected one google_connect runner call")
	}
	if !env.bus.has("google.connected") {
		t.Fatalf("events = %v, want google.connected", env.bus.typesEmitted())
	}

	status, err := env.o.GoogleConnectionStatus(ctx, 1, tenant.ID)
	if err != nil {
		t.Fatalf("GoogleConnectionStatus: %v", err)
	}
	if !status.Connected {
		t.Fatal("expected connected after exchange")
	}
	if len(status.Scopes) != 2 {
		t.Fatalf("scopes = %v", status.Scopes)
	}
	if status.ConnectedAt == nil {
		t.Fatal("expected connected_at")
	}
	if status.LastError != nil {
		t.Fatalf("last_error = %v", status.LastError)
	}
}

func TestGoogleDisconnect(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)
	ctx := context.Background()

	secrets, err := env.o.loadSecrets(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("loadSecrets: %v", err)
	}
	secrets[secretKeyGoogleOAuth] = map[string]any{
		"token_json": map[string]any{"token": "at"},
		"scopes":     []any{"https://www.googleapis.com/auth/gmail.readonly"},
	}
	if err := env.o.saveSecrets(ctx, tenant.ID, secrets); err != nil {
		t.Fatalf("saveSecrets: %v", err)
	}

	acc, err := env.o.GoogleDisconnect(ctx, 1, tenant.ID)
	if err != nil {
		t.Fatalf("GoogleDisconnect: %v", err)
	}
	if acc.Operation != "google_disconnect" {
		t.Fatalf("operation = %q", acc.Operation)
	}
	if env.runner.callCount("google_disconnect") != 1 {
		t.Fatal("expected one google_disconnect runner call")
	}
	status, err := env.o.GoogleConnectionStatus(ctx, 1, tenant.ID)
	if err != nil {
		t.Fatalf("GoogleConnectionStatus: %v", err)
	}
	if status.Connected {
		t.Fatal("expected disconnected")
	}
	if !env.bus.has("google.disconnected") {
		t.Fatalf("events = %v, want google.disconnected", env.bus.typesEmitted())
	}
}
