// Package web exposes the control plane's public HTTP and WebSocket API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flopro/nexus/internal/auth"
	"github.com/flopro/nexus/internal/events"
	"github.com/flopro/nexus/internal/logging"
	"github.com/flopro/nexus/internal/orchestrator"
	"github.com/flopro/nexus/internal/store"
	"github.com/flopro/nexus/internal/token"
)

// UserStore is the slice of persistence the API layer touches directly.
type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash string) (store.User, error)
	UserByEmail(ctx context.Context, email string) (store.User, error)
	UserByID(ctx context.Context, id int64) (store.User, error)
	TenantByOwner(ctx context.Context, userID int64) (store.Tenant, error)
}

// Orchestrator is the tenant operation surface the handlers delegate to.
type Orchestrator interface {
	Setup(ctx context.Context, userID int64, initialConfig map[string]string) (store.Tenant, error)
	TenantStatus(ctx context.Context, userID int64, tenantID string) (orchestrator.Status, error)
	DeleteTenant(ctx context.Context, userID int64, tenantID string) error
	EnsureOwner(ctx context.Context, tenantID string, userID int64) error

	StartRuntime(ctx context.Context, userID int64, tenantID string) (orchestrator.Accepted, error)
	StopRuntime(ctx context.Context, userID int64, tenantID string) (orchestrator.Accepted, error)
	RestartRuntime(ctx context.Context, userID int64, tenantID string) (orchestrator.Accepted, error)
	PairStart(ctx context.Context, userID int64, tenantID string) (orchestrator.Accepted, error)
	WhatsAppDisconnect(ctx context.Context, userID int64, tenantID string) (orchestrator.Accepted, error)

	GetConfig(ctx context.Context, userID int64, tenantID string) (orchestrator.Config, error)
	PatchConfig(ctx context.Context, userID int64, tenantID string, values map[string]string, removeKeys []string) (orchestrator.Config, error)
	ListPrompts(ctx context.Context, userID int64, tenantID string) ([]orchestrator.Prompt, error)
	PutPrompt(ctx context.Context, userID int64, tenantID, name, content string) (orchestrator.Prompt, error)
	ListSkills(ctx context.Context, userID int64, tenantID string) ([]orchestrator.Skill, error)
	PutSkill(ctx context.Context, userID int64, tenantID, skillID, content string) (orchestrator.Skill, error)
	AssistantBootstrap(ctx context.Context, userID int64, tenantID string) (orchestrator.BootstrapResult, error)

	GoogleStart(ctx context.Context, userID int64, tenantID, origin string) (orchestrator.GoogleConnectStart, error)
	GoogleConnectionStatus(ctx context.Context, userID int64, tenantID string) (orchestrator.GoogleStatus, error)
	GoogleDisconnect(ctx context.Context, userID int64, tenantID string) (orchestrator.Accepted, error)
	GoogleCallback(ctx context.Context, code, state, oauthErr, oauthErrDesc string) orchestrator.CallbackResult
}

// EventStream is the subscriber-facing side of the event manager.
type EventStream interface {
	Subscribe(tenantID string) *events.Subscription
	Replay(ctx context.Context, tenantID string, limit int) ([]events.Envelope, error)
	Recent(ctx context.Context, tenantID string, limit int, types []string) ([]events.Envelope, error)
}

// RateLimiter throttles signups per client address.
type RateLimiter interface {
	Check(ctx context.Context, key string) error
}

// Dependencies wires a Server.
type Dependencies struct {
	Log           *logging.Logger
	Users         UserStore
	Tokens        *token.Service
	Orch          Orchestrator
	Events        EventStream
	SignupLimiter RateLimiter
}

// Server is the public API server.
type Server struct {
	log      *logging.Logger
	users    UserStore
	tokens   *token.Service
	orch     Orchestrator
	events   EventStream
	limiter  RateLimiter
	validate *validator.Validate
	mux      *http.ServeMux
}

// NewServer builds the router.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		log:      deps.Log,
		users:    deps.Users,
		tokens:   deps.Tokens,
		orch:     deps.Orch,
		events:   deps.Events,
		limiter:  deps.SignupLimiter,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /v1/auth/signup", s.handleSignup)
	s.mux.HandleFunc("POST /v1/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /v1/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /v1/auth/me", s.requireUser(s.handleMe))

	s.mux.HandleFunc("POST /v1/tenants/setup", s.requireUser(s.handleSetup))
	s.mux.HandleFunc("GET /v1/tenants/{id}/status", s.requireUser(s.handleStatus))
	s.mux.HandleFunc("DELETE /v1/tenants/{id}", s.requireUser(s.handleDelete))

	s.mux.HandleFunc("POST /v1/tenants/{id}/runtime/start", s.requireUser(s.handleStart))
	s.mux.HandleFunc("POST /v1/tenants/{id}/runtime/stop", s.requireUser(s.handleStop))
	s.mux.HandleFunc("POST /v1/tenants/{id}/runtime/restart", s.requireUser(s.handleRestart))
	s.mux.HandleFunc("POST /v1/tenants/{id}/whatsapp/pair/start", s.requireUser(s.handlePairStart))
	s.mux.HandleFunc("POST /v1/tenants/{id}/whatsapp/disconnect", s.requireUser(s.handleWhatsAppDisconnect))

	s.mux.HandleFunc("GET /v1/tenants/{id}/config", s.requireUser(s.handleGetConfig))
	s.mux.HandleFunc("PATCH /v1/tenants/{id}/config", s.requireUser(s.handlePatchConfig))
	s.mux.HandleFunc("GET /v1/tenants/{id}/prompts", s.requireUser(s.handleListPrompts))
	s.mux.HandleFunc("PUT /v1/tenants/{id}/prompts/{name}", s.requireUser(s.handlePutPrompt))
	s.mux.HandleFunc("GET /v1/tenants/{id}/skills", s.requireUser(s.handleListSkills))
	s.mux.HandleFunc("PUT /v1/tenants/{id}/skills/{skill_id}", s.requireUser(s.handlePutSkill))
	s.mux.HandleFunc("POST /v1/tenants/{id}/assistant/bootstrap", s.requireUser(s.handleBootstrap))

	s.mux.HandleFunc("POST /v1/tenants/{id}/google/connect/start", s.requireUser(s.handleGoogleStart))
	s.mux.HandleFunc("GET /v1/tenants/{id}/google/status", s.requireUser(s.handleGoogleStatus))
	s.mux.HandleFunc("POST /v1/tenants/{id}/google/disconnect", s.requireUser(s.handleGoogleDisconnect))
	s.mux.HandleFunc("GET /v1/oauth/google/callback", s.handleGoogleCallback)

	s.mux.HandleFunc("GET /v1/tenants/{id}/events/recent", s.requireUser(s.handleRecentEvents))
	s.mux.HandleFunc("GET /v1/events/ws", s.handleWS)
}

// Handler returns the routed handler wrapped with CORS.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// corsMiddleware allows any origin. Deployments narrow this at the edge.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID int64)

// requireUser authenticates the bearer access token and passes the user id
// through to the handler.
func (s *Server) requireUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing_bearer_token", "Authorization bearer token required")
			return
		}
		userID, err := s.tokens.VerifyAccess(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired access token")
			return
		}
		next(w, r, userID)
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
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Detail: errorDetail{Error: code, Message: message}})
}

// writeOpError maps operation failures onto wire responses.
func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	var oerr *orchestrator.Error
	if errors.As(err, &oerr) {
		writeError(w, oerr.Status, oerr.Code, oerr.Message)
		return
	}
	var rl auth.RateLimitError
	if errors.As(err, &rl) {
		writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many attempts, slow down")
		return
	}
	var terr *token.Error
	if errors.As(err, &terr) {
		writeError(w, http.StatusUnauthorized, terr.Code, terr.Message)
		return
	}
	s.log.Error("unhandled api error", "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
}

// decodeBody parses and validates a JSON request body.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body is not valid JSON")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return false
	}
	return true
}

// clientAddr picks the originating address for rate limiting.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
