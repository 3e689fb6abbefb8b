// Package googleoauth implements the popup-based Google OAuth flow: origin
// allow-listing, consent URL construction and the code-for-tokens exchange.
package googleoauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Endpoint matches the hosted consent and token exchange URLs.
var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// Scopes requested on every connect. The assistant needs mail, calendar,
// drive, contacts, sheets and docs access.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.send",
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/calendar.events",
	"https://www.googleapis.com/auth/drive.readonly",
	"https://www.googleapis.com/auth/drive.file",
	"https://www.googleapis.com/auth/contacts.readonly",
	"https://www.googleapis.com/auth/spreadsheets",
	"https://www.googleapis.com/auth/documents",
}

// Error is a coded OAuth failure the HTTP layer maps onto responses.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// TokenJSON is the credential file format the runtime's Google tools read.
type TokenJSON struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	TokenURI     string   `json:"token_uri"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
	Expiry       string   `json:"expiry,omitempty"`
	TokenType    string   `json:"token_type,omitempty"`
}

// Service performs the OAuth flow for one configured Google client.
type Service struct {
	ClientID       string
	ClientSecret   string
	RedirectURI    string
	AllowedOrigins map[string]bool

	// Overridable in tests.
	Endpoint oauth2.Endpoint
	Now      func() time.Time

	rawAllowedOrigins string
}

// New builds a service from configuration values; allowedOriginsCSV is a
// comma-separated origin list.
func New(clientID, clientSecret, redirectURI, allowedOriginsCSV string) *Service {
	return &Service{
		ClientID:          clientID,
		ClientSecret:      clientSecret,
		RedirectURI:       redirectURI,
		AllowedOrigins:    ParseAllowedOrigins(allowedOriginsCSV),
		Endpoint:          Endpoint,
		Now:               time.Now,
		rawAllowedOrigins: allowedOriginsCSV,
	}
}

// EnsureConfigured fails with the list of missing settings when the flow
// cannot run.
func (s *Service) EnsureConfigured() error {
	var missing []string
	if strings.TrimSpace(s.ClientID) == "" {
		missing = append(missing, "GOOGLE_OAUTH_CLIENT_ID")
	}
	if strings.TrimSpace(s.ClientSecret) == "" {
		missing = append(missing, "GOOGLE_OAUTH_CLIENT_SECRET")
	}
	if strings.TrimSpace(s.RedirectURI) == "" {
		missing = append(missing, "GOOGLE_OAUTH_REDIRECT_URI")
	}
	if strings.TrimSpace(s.rawAllowedOrigins) == "" && len(s.AllowedOrigins) == 0 {
		missing = append(missing, "GOOGLE_OAUTH_ALLOWED_ORIGINS")
	}
	if len(missing) > 0 {
		return &Error{
			Code:    "google_oauth_not_configured",
			Message: "Missing Google OAuth config: " + strings.Join(missing, ", "),
		}
	}
	return nil
}

// CheckOrigin rejects requests whose normalized origin is absent or not on
// the allow list.
func (s *Service) CheckOrigin(origin string) error {
	if origin == "" {
		return &Error{Code: "google_oauth_origin_missing", Message: "Could not resolve request origin"}
	}
	if !s.AllowedOrigins[origin] {
		return &Error{Code: "google_oauth_origin_forbidden", Message: "Origin not allowed: " + origin}
	}
	return nil
}

func (s *Service) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		RedirectURL:  s.RedirectURI,
		Scopes:       Scopes,
		Endpoint:     s.Endpoint,
	}
}

// ConsentURL builds the offline-access consent URL carrying the signed state.
func (s *Service) ConsentURL(state string) string {
	return s.oauthConfig().AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

// Exchange trades an authorization code for a credential file. A missing
// refresh token is an error: the runtime cannot renew access without one.
func (s *Service) Exchange(ctx context.Context, code string) (TokenJSON, error) {
	tok, err := s.oauthConfig().Exchange(ctx, code)
	if err != nil {
		msg := err.Error()
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode != "" {
			msg = strings.TrimSuffix(rerr.ErrorCode+": "+rerr.ErrorDescription, ": ")
		}
		return TokenJSON{}, &Error{Code: "google_token_exchange_failed", Message: msg}
	}
	if strings.TrimSpace(tok.RefreshToken) == "" {
		return TokenJSON{}, &Error{
			Code:    "google_oauth_refresh_token_missing",
			Message: "Google did not return a refresh token. Disconnect and reconnect with consent.",
		}
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return TokenJSON{}, &Error{
			Code:    "google_oauth_access_token_missing",
			Message: "Google did not return an access token.",
		}
	}

	out := TokenJSON{
		Token:        tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenURI:     s.Endpoint.TokenURL,
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		Scopes:       grantedScopes(tok),
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		out.Expiry = tok.Expiry.UTC().Format(time.RFC3339)
	}
	return out, nil
}

func grantedScopes(tok *oauth2.Token) []string {
	if raw, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(raw) != "" {
		return strings.Fields(raw)
	}
	return append([]string(nil), Scopes...)
}

// NormalizeOrigin lowercases and strips an origin down to scheme://host,
// returning "" for anything unparsable.
func NormalizeOrigin(raw string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return ""
	}
	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host))
}

// ParseAllowedOrigins splits a comma-separated list into a normalized set.
func ParseAllowedOrigins(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, chunk := range strings.Split(raw, ",") {
		if normalized := NormalizeOrigin(chunk); normalized != "" {
			out[normalized] = true
		}
	}
	return out
}

// RequestOrigin resolves the caller's origin from the Origin header, then
// the Referer, then the request host itself.
func RequestOrigin(r *http.Request) string {
	if origin := NormalizeOrigin(r.Header.Get("Origin")); origin != "" {
		return origin
	}
	if referer := r.Header.Get("Referer"); referer != "" {
		if parsed, err := url.Parse(referer); err == nil {
			if origin := NormalizeOrigin(parsed.Scheme + "://" + parsed.Host); origin != "" {
				return origin
			}
		}
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return NormalizeOrigin(scheme + "://" + r.Host)
}
