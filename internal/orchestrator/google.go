package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/flopro/nexus/internal/googleoauth"
	"github.com/flopro/nexus/internal/store"
)

// GoogleConnectStart is the consent handoff returned to the dashboard popup.
type GoogleConnectStart struct {
	TenantID         string `json:"tenant_id"`
	AuthURL          string `json:"auth_url"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// GoogleStatus reports the tenant's Google connection.
type GoogleStatus struct {
	TenantID    string     `json:"tenant_id"`
	Connected   bool       `json:"connected"`
	ConnectedAt *time.Time `json:"connected_at"`
	Scopes      []string   `json:"scopes"`
	LastError   *string    `json:"last_error"`
}

// CallbackResult carries what the OAuth popup page posts back to its opener.
type CallbackResult struct {
	Origin  string
	Payload map[string]any
}

func oauthResult(origin, status, tenantID, errMsg string) CallbackResult {
	if origin == "" {
		origin = "*"
	}
	payload := map[string]any{"type": "google.oauth.result", "status": status}
	if tenantID != "" {
		payload["tenant_id"] = tenantID
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	return CallbackResult{Origin: origin, Payload: payload}
}

// GoogleStart validates the caller and origin and mints the consent URL.
func (o *Orchestrator) GoogleStart(ctx context.Context, userID int64, tenantID, origin string) (GoogleConnectStart, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return GoogleConnectStart{}, err
	}
	if err := o.google.EnsureConfigured(); err != nil {
		return GoogleConnectStart{}, googleError(err)
	}
	if err := o.google.CheckOrigin(origin); err != nil {
		return GoogleConnectStart{}, googleError(err)
	}
	state, expiresIn, err := o.states.IssueOAuthState(userID, tenantID, origin)
	if err != nil {
		return GoogleConnectStart{}, opErr(http.StatusInternalServerError, "oauth_state_error", "%v", err)
	}
	return GoogleConnectStart{
		TenantID:         tenantID,
		AuthURL:          o.google.ConsentURL(state),
		ExpiresInSeconds: expiresIn,
	}, nil
}

// GoogleConnectionStatus reads the connection state out of the secret blob.
func (o *Orchestrator) GoogleConnectionStatus(ctx context.Context, userID int64, tenantID string) (GoogleStatus, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return GoogleStatus{}, err
	}
	secrets, err := o.loadSecrets(ctx, tenantID)
	if err != nil {
		return GoogleStatus{}, err
	}
	return googleStatusFromSecrets(tenantID, secrets), nil
}

func googleStatusFromSecrets(tenantID string, secrets map[string]any) GoogleStatus {
	out := GoogleStatus{TenantID: tenantID, Scopes: []string{}}

	blob, _ := secrets[secretKeyGoogleOAuth].(map[string]any)
	if blob != nil {
		_, hasToken := blob["token_json"].(map[string]any)
		out.Connected = hasToken
		if raw, ok := blob["connected_at"].(string); ok {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				out.ConnectedAt = &ts
			}
		}
		if scopes, ok := blob["scopes"].([]any); ok {
			for _, s := range scopes {
				if str, ok := s.(string); ok {
					out.Scopes = append(out.Scopes, str)
				}
			}
		}
	}
	if lastErr, ok := secrets[secretKeyGoogleLastError].(string); ok && strings.TrimSpace(lastErr) != "" {
		out.LastError = &lastErr
	}
	return out
}

// GoogleDisconnect drops the stored credentials and tells the runner to
// remove the token file.
func (o *Orchestrator) GoogleDisconnect(ctx context.Context, userID int64, tenantID string) (Accepted, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return Accepted{}, err
	}
	secrets, err := o.loadSecrets(ctx, tenantID)
	if err != nil {
		return Accepted{}, err
	}
	delete(secrets, secretKeyGoogleOAuth)
	delete(secrets, secretKeyGoogleLastError)
	if err := o.saveSecrets(ctx, tenantID, secrets); err != nil {
		return Accepted{}, err
	}

	if err := o.runnerCall(ctx, tenantID, "google_disconnect", func() error {
		return o.runner.GoogleDisconnect(ctx, tenantID)
	}); err != nil {
		return Accepted{}, err
	}
	o.emit(ctx, tenantID, "google.disconnected", map[string]string{"reason": "requested"})
	o.audit(ctx, userID, tenantID, "google.disconnect", nil)
	return Accepted{TenantID: tenantID, Operation: "google_disconnect"}, nil
}

// GoogleCallback completes the popup flow. It always produces a result page
// payload, never an HTTP error: failures are posted back to the opener and
// recorded on the tenant's secret blob.
func (o *Orchestrator) GoogleCallback(ctx context.Context, code, state, oauthErr, oauthErrDesc string) CallbackResult {
	if state == "" {
		return oauthResult("", "error", "", "Missing OAuth state token")
	}
	claims, err := o.states.VerifyOAuthState(state)
	if err != nil {
		return oauthResult("", "error", "", "Invalid or expired OAuth state token")
	}
	tenantID := strings.TrimSpace(claims.TenantID)
	origin := strings.TrimSpace(claims.Origin)
	if claims.UserID <= 0 {
		return oauthResult(origin, "error", "", "Invalid OAuth state payload")
	}

	if _, err := o.st.TenantForOwner(ctx, tenantID, claims.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return oauthResult(origin, "error", "", "Tenant not found for OAuth state")
		}
		return oauthResult(origin, "error", tenantID, "Tenant lookup failed")
	}

	if msg := o.completeGoogleConnect(ctx, tenantID, origin, code, oauthErr, oauthErrDesc); msg != "" {
		o.recordGoogleError(ctx, tenantID, msg)
		o.emit(ctx, tenantID, "google.error", map[string]string{"message": msg})
		return oauthResult(origin, "error", tenantID, msg)
	}
	return oauthResult(origin, "ok", tenantID, "")
}

// completeGoogleConnect runs the fallible part of the callback and returns
// a user-facing error message, or "" on success.
func (o *Orchestrator) completeGoogleConnect(ctx context.Context, tenantID, origin, code, oauthErr, oauthErrDesc string) string {
	if err := o.google.EnsureConfigured(); err != nil {
		return googleMessage(err)
	}
	if err := o.google.CheckOrigin(origin); err != nil {
		return googleMessage(err)
	}
	if oauthErr != "" {
		details := strings.TrimSpace(oauthErrDesc)
		if details == "" {
			details = strings.TrimSpace(oauthErr)
		}
		if details == "" {
			details = "Google authorization was denied"
		}
		return details
	}
	if code == "" {
		return "Missing OAuth code"
	}

	tokenJSON, err := o.google.Exchange(ctx, code)
	if err != nil {
		return googleMessage(err)
	}

	secrets, lerr := o.loadSecrets(ctx, tenantID)
	if lerr != nil {
		return "Tenant secrets not found"
	}
	secrets[secretKeyGoogleOAuth] = map[string]any{
		"token_json":   tokenJSONMap(tokenJSON),
		"scopes":       tokenJSON.Scopes,
		"connected_at": o.clk.Now().UTC().Format(time.RFC3339),
	}
	delete(secrets, secretKeyGoogleLastError)
	if err := o.saveSecrets(ctx, tenantID, secrets); err != nil {
		return "Could not store Google credentials"
	}

	if err := o.runnerCall(ctx, tenantID, "google_connect", func() error {
		return o.runner.GoogleConnect(ctx, tenantID, tokenJSON)
	}); err != nil {
		var oerr *Error
		if errors.As(err, &oerr) {
			return oerr.Message
		}
		return err.Error()
	}
	o.emit(ctx, tenantID, "google.connected", map[string]any{"scopes": tokenJSON.Scopes})
	return ""
}

func (o *Orchestrator) recordGoogleError(ctx context.Context, tenantID, message string) {
	secrets, err := o.loadSecrets(ctx, tenantID)
	if err != nil {
		return
	}
	secrets[secretKeyGoogleLastError] = message
	if err := o.saveSecrets(ctx, tenantID, secrets); err != nil {
		o.log.Warn("failed to record google oauth error", "tenant_id", tenantID, "error", err)
	}
}

// tokenJSONMap renders the credential struct as the generic map stored in
// the secret blob, matching what the runtime reads from token.json.
func tokenJSONMap(tj googleoauth.TokenJSON) map[string]any {
	out := map[string]any{
		"token":         tj.Token,
		"refresh_token": tj.RefreshToken,
		"token_uri":     tj.TokenURI,
		"client_id":     tj.ClientID,
		"client_secret": tj.ClientSecret,
		"scopes":        tj.Scopes,
	}
	if tj.Expiry != "" {
		out["expiry"] = tj.Expiry
	}
	if tj.TokenType != "" {
		out["token_type"] = tj.TokenType
	}
	return out
}

func googleError(err error) *Error {
	var gerr *googleoauth.Error
	if errors.As(err, &gerr) {
		status := http.StatusBadRequest
		if gerr.Code == "google_oauth_origin_forbidden" {
			status = http.StatusForbidden
		}
		return &Error{Status: status, Code: gerr.Code, Message: gerr.Message}
	}
	return opErr(http.StatusInternalServerError, "google_oauth_error", "%v", err)
}

func googleMessage(err error) string {
	var gerr *googleoauth.Error
	if errors.As(err, &gerr) {
		return gerr.Message
	}
	return err.Error()
}
