// Package token issues and verifies the three HS256 token audiences:
// user access/refresh tokens, runner-scoped per-action tokens, and
// Google OAuth state tokens.
package token

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Error carries a short machine code alongside the human message.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func tokenErr(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// RunnerAudience is the aud claim on runner-scoped tokens.
const RunnerAudience = "runner"

// Config wires the signing material and lifetimes for a Service.
type Config struct {
	AppSecret    string
	RunnerSecret string
	Alg          string // HS256 by default
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	RunnerTTL    time.Duration
	StateTTL     time.Duration
}

// Service signs and verifies tokens. Now is swappable for tests.
type Service struct {
	cfg    Config
	method jwt.SigningMethod
	Now    func() time.Time
}

// NewService builds a Service. Unknown algorithms fall back to HS256.
func NewService(cfg Config) *Service {
	method := jwt.GetSigningMethod(cfg.Alg)
	if method == nil {
		method = jwt.SigningMethodHS256
	}
	return &Service{cfg: cfg, method: method, Now: time.Now}
}

// IssueAccess returns a signed access token and its lifetime in seconds.
func (s *Service) IssueAccess(userID int64, email string) (string, int, error) {
	now := s.Now().UTC()
	exp := now.Add(s.cfg.AccessTTL)
	claims := jwt.MapClaims{
		"sub":   strconv.FormatInt(userID, 10),
		"email": email,
		"type":  "access",
		"iat":   now.Unix(),
		"exp":   exp.Unix(),
	}
	tok, err := jwt.NewWithClaims(s.method, claims).SignedString([]byte(s.cfg.AppSecret))
	if err != nil {
		return "", 0, err
	}
	return tok, int(s.cfg.AccessTTL.Seconds()), nil
}

// IssueRefresh returns a signed refresh token.
func (s *Service) IssueRefresh(userID int64) (string, error) {
	now := s.Now().UTC()
	claims := jwt.MapClaims{
		"sub":  strconv.FormatInt(userID, 10),
		"type": "refresh",
		"iat":  now.Unix(),
		"exp":  now.Add(s.cfg.RefreshTTL).Unix(),
	}
	return jwt.NewWithClaims(s.method, claims).SignedString([]byte(s.cfg.AppSecret))
}

// VerifyAccess validates an access token and returns the user id.
func (s *Service) VerifyAccess(token string) (int64, error) {
	return s.verifyApp(token, "access")
}

// VerifyRefresh validates a refresh token and returns the user id.
func (s *Service) VerifyRefresh(token string) (int64, error) {
	return s.verifyApp(token, "refresh")
}

func (s *Service) verifyApp(token, wantType string) (int64, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return []byte(s.cfg.AppSecret), nil },
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(s.Now),
	)
	if err != nil {
		return 0, tokenErr("invalid_token", "invalid token: %v", err)
	}
	if typ, _ := claims["type"].(string); typ != wantType {
		return 0, tokenErr("invalid_token", "%s token required", wantType)
	}
	sub, _ := claims["sub"].(string)
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return 0, tokenErr("invalid_token", "invalid subject claim")
	}
	return userID, nil
}

// IssueRunner returns a short-lived token scoped to one tenant and one action.
func (s *Service) IssueRunner(tenantID, action string) (string, error) {
	now := s.Now().UTC()
	claims := jwt.MapClaims{
		"sub":       "tenant:" + tenantID,
		"tenant_id": tenantID,
		"action":    action,
		"aud":       RunnerAudience,
		"iat":       now.Unix(),
		"exp":       now.Add(s.cfg.RunnerTTL).Unix(),
	}
	return jwt.NewWithClaims(s.method, claims).SignedString([]byte(s.cfg.RunnerSecret))
}

// VerifyRunner validates a runner token against the tenant and action the
// request targets. Scope mismatches surface with distinct codes so the
// runner can map them to 403 responses.
func (s *Service) VerifyRunner(token, tenantID, action string) error {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return []byte(s.cfg.RunnerSecret), nil },
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithAudience(RunnerAudience),
		jwt.WithTimeFunc(s.Now),
	)
	if err != nil {
		return tokenErr("invalid_token", "invalid internal token: %v", err)
	}
	if got, _ := claims["tenant_id"].(string); got != tenantID {
		return tokenErr("tenant_scope_mismatch", "tenant_id mismatch")
	}
	if got, _ := claims["action"].(string); got != action {
		return tokenErr("action_scope_mismatch", "action mismatch")
	}
	return nil
}

// OAuthState is the verified payload of a Google OAuth state token.
type OAuthState struct {
	UserID   int64
	TenantID string
	Origin   string
	Nonce    string
}

// IssueOAuthState returns a single-use state token and its lifetime in seconds.
func (s *Service) IssueOAuthState(userID int64, tenantID, origin string) (string, int, error) {
	now := s.Now().UTC()
	claims := jwt.MapClaims{
		"type":      "google_oauth_state",
		"user_id":   userID,
		"tenant_id": tenantID,
		"origin":    origin,
		"nonce":     uuid.NewString(),
		"iat":       now.Unix(),
		"exp":       now.Add(s.cfg.StateTTL).Unix(),
	}
	tok, err := jwt.NewWithClaims(s.method, claims).SignedString([]byte(s.cfg.AppSecret))
	if err != nil {
		return "", 0, err
	}
	return tok, int(s.cfg.StateTTL.Seconds()), nil
}

// VerifyOAuthState validates a state token issued by IssueOAuthState.
func (s *Service) VerifyOAuthState(token string) (OAuthState, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return []byte(s.cfg.AppSecret), nil },
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(s.Now),
	)
	if err != nil {
		return OAuthState{}, tokenErr("invalid_token", "invalid or expired state token: %v", err)
	}
	if typ, _ := claims["type"].(string); typ != "google_oauth_state" {
		return OAuthState{}, tokenErr("invalid_token", "state token required")
	}
	uid, ok := claims["user_id"].(float64)
	if !ok {
		return OAuthState{}, tokenErr("invalid_token", "invalid state payload")
	}
	tenantID, _ := claims["tenant_id"].(string)
	origin, _ := claims["origin"].(string)
	nonce, _ := claims["nonce"].(string)
	return OAuthState{UserID: int64(uid), TenantID: tenantID, Origin: origin, Nonce: nonce}, nil
}
