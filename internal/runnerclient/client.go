// Package runnerclient is the control plane's HTTP client for the runner's
// internal API. Every call carries a short-lived bearer token scoped to one
// tenant and one action.
package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flopro/nexus/internal/metrics"
)

// Error carries the runner's coded failure and the HTTP status it arrived
// with, so the API layer can relay both.
type Error struct {
	Code       string
	StatusCode int
	Message    string
}

func (e *Error) Error() string { return e.Message }

// TokenIssuer mints per-call runner tokens.
type TokenIssuer interface {
	IssueRunner(tenantID, action string) (string, error)
}

// Client talks to one runner instance.
type Client struct {
	baseURL string
	tokens  TokenIssuer
	http    *http.Client
}

// New creates a client for the runner at baseURL.
func New(baseURL string, tokens TokenIssuer) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
}

// PromptItem and SkillItem are the named documents shipped to the runner.
type PromptItem struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type SkillItem struct {
	SkillID string `json:"skill_id"`
	Content string `json:"content"`
}

// ProvisionRequest renders and launches a tenant runtime on the runner host.
type ProvisionRequest struct {
	TenantID           string            `json:"tenant_id"`
	NexusImage         string            `json:"nexus_image,omitempty"`
	RuntimeEnv         map[string]string `json:"runtime_env"`
	BridgeSharedSecret string            `json:"bridge_shared_secret"`
	Prompts            []PromptItem      `json:"prompts"`
	Skills             []SkillItem       `json:"skills"`
}

// ApplyConfigRequest converges the tenant's on-disk config and restarts it.
type ApplyConfigRequest struct {
	Env            map[string]string `json:"env"`
	Prompts        []PromptItem      `json:"prompts"`
	Skills         []SkillItem       `json:"skills"`
	ConfigRevision *int              `json:"config_revision,omitempty"`
}

// Health is the runner's per-tenant health report.
type Health struct {
	TenantID         string     `json:"tenant_id"`
	ContainerRunning bool       `json:"container_running"`
	StatusText       string     `json:"status_text"`
	DockerAvailable  bool       `json:"docker_available"`
	DockerStatus     string     `json:"docker_status"`
	RedisAvailable   bool       `json:"redis_available"`
	ActiveMonitors   int        `json:"active_monitors"`
	LastReconcileAt  *time.Time `json:"last_reconcile_at"`
}

func (c *Client) Provision(ctx context.Context, tenantID string, req ProvisionRequest) error {
	return c.do(ctx, http.MethodPost, "/internal/tenants/"+tenantID+"/provision", tenantID, "provision", req, nil)
}

func (c *Client) Start(ctx context.Context, tenantID string) error {
	return c.do(ctx, http.MethodPost, "/internal/tenants/"+tenantID+"/start", tenantID, "start", nil, nil)
}

func (c *Client) Stop(ctx context.Context, tenantID string) error {
	return c.do(ctx, http.MethodPost, "/internal/tenants/"+tenantID+"/stop", tenantID, "stop", nil, nil)
}

func (c *Client) Restart(ctx context.Context, tenantID string) error {
	return c.do(ctx, http.MethodPost, "/internal/tenants/"+tenantID+"/restart", tenantID, "restart", nil, nil)
}

func (c *Client) PairStart(ctx context.Context, tenantID string) error {
	return c.do(ctx, http.MethodPost, "/internal/tenants/"+tenantID+"/pair/start", tenantID, "pair_start", nil, nil)
}

func (c *Client) WhatsAppDisconnect(ctx context.Context, tenantID string) error {
	return c.do(ctx, http.MethodPost, "/internal/tenants/"+tenantID+"/whatsapp/disconnect", tenantID, "whatsapp_disconnect", nil, nil)
}

func (c *Client) ApplyConfig(ctx context.Context, tenantID string, req ApplyConfigRequest) error {
	return c.do(ctx, http.MethodPost, "/internal/tenants/"+tenantID+"/apply-config", tenantID, "apply_config", req, nil)
}

func (c *Client) GoogleConnect(ctx context.Context, tenantID string, tokenJSON any) error {
	body := map[string]any{"token_json": tokenJSON}
	return c.do(ctx, http.MethodPost, "/internal/tenants/"+tenantID+"/google/connect", tenantID, "google_connect", body, nil)
}

func (c *Client) GoogleDisconnect(ctx context.Context, tenantID string) error {
	return c.do(ctx, http.MethodPost, "/internal/tenants/"+tenantID+"/google/disconnect", tenantID, "google_disconnect", nil, nil)
}

func (c *Client) Health(ctx context.Context, tenantID string) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/internal/tenants/"+tenantID+"/health", tenantID, "health", nil, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, tenantID string) error {
	return c.do(ctx, http.MethodDelete, "/internal/tenants/"+tenantID, tenantID, "delete", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, tenantID, action string, body, out any) error {
	err := c.request(ctx, method, path, tenantID, action, body, out)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RunnerCalls.WithLabelValues(action, outcome).Inc()
	return err
}

func (c *Client) request(ctx context.Context, method, path, tenantID, action string, body, out any) error {
	bearer, err := c.tokens.IssueRunner(tenantID, action)
	if err != nil {
		return &Error{Code: "runner_token_error", StatusCode: http.StatusBadGateway, Message: err.Error()}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Code: "runner_encode_error", StatusCode: http.StatusBadGateway, Message: err.Error()}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Code: "runner_http_error", StatusCode: http.StatusBadGateway, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{
			Code:       "runner_http_error",
			StatusCode: http.StatusBadGateway,
			Message:    fmt.Sprintf("runner_http_error: %v", err),
		}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return parseError(resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &Error{Code: "runner_decode_error", StatusCode: http.StatusBadGateway, Message: err.Error()}
		}
	}
	return nil
}

// parseError extracts the runner's {"detail": {"error", "message"}} body,
// falling back to the raw text.
func parseError(status int, data []byte) *Error {
	rerr := &Error{Code: "runner_error", StatusCode: status, Message: string(data)}
	var parsed struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil || len(parsed.Detail) == 0 {
		return rerr
	}
	var detail struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(parsed.Detail, &detail); err == nil && detail.Error != "" {
		rerr.Code = detail.Error
		if detail.Message != "" {
			rerr.Message = detail.Message
		}
		return rerr
	}
	var text string
	if err := json.Unmarshal(parsed.Detail, &text); err == nil && text != "" {
		rerr.Message = text
	}
	return rerr
}
