// Package runnerapi exposes the runner's internal HTTP API. Every tenant
// endpoint requires a bearer token scoped to that tenant and that action.
package runnerapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flopro/nexus/internal/logging"
	"github.com/flopro/nexus/internal/runtime"
	"github.com/flopro/nexus/internal/token"
)

// Runtime is the slice of the runtime manager the API drives.
type Runtime interface {
	ValidateTenantID(tenantID string) error
	WriteCompose(tenantID, image string) error
	WriteRuntimeEnv(tenantID string, values map[string]string) error
	WriteConfigFiles(tenantID string, env map[string]string, prompts []runtime.PromptFile, skills []runtime.SkillFile) error
	WriteGoogleToken(tenantID string, tokenJSON json.RawMessage) error
	RemoveGoogleToken(tenantID string) error
	ComposeUp(ctx context.Context, tenantID, image string) error
	ComposeStart(ctx context.Context, tenantID, image string) error
	ComposeRestart(ctx context.Context, tenantID, image string) error
	ComposeStop(ctx context.Context, tenantID string) error
	ComposeDown(ctx context.Context, tenantID string, removeVolumes bool) error
	ClearSessionVolume(ctx context.Context, tenantID string) error
	IsRunning(ctx context.Context, tenantID string) (bool, string, error)
	DockerAvailable(ctx context.Context) (bool, string)
	DeleteTenantFiles(tenantID string) error
}

var _ Runtime = (*runtime.Manager)(nil)

// Monitors manages per-tenant bridge monitors.
type Monitors interface {
	Start(tenantID string)
	Stop(tenantID string)
	ActiveCount() int
}

// Publisher pushes events onto the tenant bus.
type Publisher interface {
	Publish(ctx context.Context, tenantID, eventType string, payload any)
	IsHealthy(ctx context.Context) bool
}

// TokenVerifier checks runner-scoped bearer tokens.
type TokenVerifier interface {
	VerifyRunner(token, tenantID, action string) error
}

// ReconcileStatus reports the reconciler's last completed sweep.
type ReconcileStatus interface {
	LastReconcileAt() *time.Time
}

// Dependencies wires a Server.
type Dependencies struct {
	Log        *logging.Logger
	Runtime    Runtime
	Monitors   Monitors
	Publisher  Publisher
	Tokens     TokenVerifier
	Reconciler ReconcileStatus

	// DefaultImage is used when a request carries no image override.
	DefaultImage string
}

// Server is the runner's internal HTTP API.
type Server struct {
	log        *logging.Logger
	rt         Runtime
	monitors   Monitors
	pub        Publisher
	tokens     TokenVerifier
	reconciler ReconcileStatus
	image      string
	mux        *http.ServeMux
}

// New builds the Server and its routes.
func New(deps Dependencies) *Server {
	s := &Server{
		log:        deps.Log,
		rt:         deps.Runtime,
		monitors:   deps.Monitors,
		pub:        deps.Publisher,
		tokens:     deps.Tokens,
		reconciler: deps.Reconciler,
		image:      deps.DefaultImage,
		mux:        http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /internal/tenants/{id}/provision", s.requireAction("provision", s.handleProvision))
	s.mux.HandleFunc("POST /internal/tenants/{id}/start", s.requireAction("start", s.handleStart))
	s.mux.HandleFunc("POST /internal/tenants/{id}/stop", s.requireAction("stop", s.handleStop))
	s.mux.HandleFunc("POST /internal/tenants/{id}/restart", s.requireAction("restart", s.handleRestart))
	s.mux.HandleFunc("POST /internal/tenants/{id}/pair/start", s.requireAction("pair_start", s.handlePairStart))
	s.mux.HandleFunc("POST /internal/tenants/{id}/apply-config", s.requireAction("apply_config", s.handleApplyConfig))
	s.mux.HandleFunc("POST /internal/tenants/{id}/whatsapp/disconnect", s.requireAction("whatsapp_disconnect", s.handleWhatsAppDisconnect))
	s.mux.HandleFunc("POST /internal/tenants/{id}/google/connect", s.requireAction("google_connect", s.handleGoogleConnect))
	s.mux.HandleFunc("POST /internal/tenants/{id}/google/disconnect", s.requireAction("google_disconnect", s.handleGoogleDisconnect))
	s.mux.HandleFunc("GET /internal/tenants/{id}/health", s.requireAction("health", s.handleHealth))
	s.mux.HandleFunc("DELETE /internal/tenants/{id}", s.requireAction("delete", s.handleDelete))
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, tenantID string)

// requireAction verifies the bearer token against the URL tenant and the
// endpoint's action before dispatching.
func (s *Server) requireAction(action string, next tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.PathValue("id")
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing_bearer_token", "Missing bearer token")
			return
		}
		if err := s.tokens.VerifyRunner(strings.TrimPrefix(header, "Bearer "), tenantID, action); err != nil {
			code, message := "invalid_token", "invalid internal token"
			var terr *token.Error
			if errors.As(err, &terr) {
				code, message = terr.Code, terr.Message
			}
			status := http.StatusUnauthorized
			if code == "tenant_scope_mismatch" || code == "action_scope_mismatch" {
				status = http.StatusForbidden
			}
			writeError(w, status, code, message)
			return
		}
		next(w, r, tenantID)
	}
}

type errorDetail struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type errorBody struct {
	Detail errorDetail `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Detail: errorDetail{Error: code, Message: message}})
}

// runtimeStatus maps manager error codes onto HTTP statuses.
func runtimeStatus(code string) int {
	switch code {
	case runtime.CodeInvalidTenantID, runtime.CodeInvalidTenantPath,
		runtime.CodeInvalidConfigItem, runtime.CodeUnsafePath, runtime.CodeImageInvalid:
		return http.StatusBadRequest
	case runtime.CodeTenantNotFound, runtime.CodeComposeMissing:
		return http.StatusNotFound
	case runtime.CodeDockerCommandFailed:
		return http.StatusBadGateway
	case runtime.CodeDockerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// failTenantOp publishes the failure onto the bus and answers the caller.
func (s *Server) failTenantOp(ctx context.Context, w http.ResponseWriter, tenantID string, err error) {
	var rerr *runtime.Error
	if errors.As(err, &rerr) {
		s.pub.Publish(ctx, tenantID, "runtime.error", map[string]any{"error": rerr.Code, "message": rerr.Message})
		writeError(w, runtimeStatus(rerr.Code), rerr.Code, rerr.Message)
		return
	}
	s.log.Error("tenant operation failed", "tenant_id", tenantID, "error", err)
	s.pub.Publish(ctx, tenantID, "runtime.error", map[string]any{"error": "internal_error", "message": err.Error()})
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return false
	}
	return true
}

func writeDetail(w http.ResponseWriter, tenantID, detail string) {
	writeJSON(w, http.StatusOK, map[string]string{"tenant_id": tenantID, "detail": detail})
}
