// Package orchestrator implements the control plane's tenant operations:
// provisioning, runtime lifecycle, config and revision management, the
// Google connect flow and assistant bootstrap.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/flopro/nexus/internal/clock"
	"github.com/flopro/nexus/internal/events"
	"github.com/flopro/nexus/internal/googleoauth"
	"github.com/flopro/nexus/internal/logging"
	"github.com/flopro/nexus/internal/runnerclient"
	"github.com/flopro/nexus/internal/secret"
	"github.com/flopro/nexus/internal/store"
	"github.com/flopro/nexus/internal/token"
)

// Error is an operation failure carrying the HTTP status and wire code the
// API layer relays verbatim.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func opErr(status int, code, format string, args ...any) *Error {
	return &Error{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

var errTenantNotFound = opErr(http.StatusNotFound, "tenant_not_found", "Tenant not found")

// Store is the persistence surface the orchestrator depends on.
type Store interface {
	Tenant(ctx context.Context, id string) (store.Tenant, error)
	TenantByOwner(ctx context.Context, userID int64) (store.Tenant, error)
	TenantForOwner(ctx context.Context, tenantID string, userID int64) (store.Tenant, error)
	CreateTenant(ctx context.Context, b store.ProvisionBundle) error
	Runtime(ctx context.Context, tenantID string) (store.TenantRuntime, error)
	UpdateRuntime(ctx context.Context, tenantID string, u store.RuntimeUpdate) error
	Secret(ctx context.Context, tenantID string) (store.SecretRecord, error)
	PutSecret(ctx context.Context, tenantID string, blob json.RawMessage, keyVersion string) error
	ActiveConfig(ctx context.Context, tenantID string) (store.ConfigRevision, error)
	ProposeConfig(ctx context.Context, tenantID string, env store.EnvMap) (store.ConfigRevision, error)
	ActivateConfig(ctx context.Context, tenantID string, revisionID int64) error
	ActivePrompts(ctx context.Context, tenantID string) ([]store.PromptRevision, error)
	ProposePrompt(ctx context.Context, tenantID, name, content string) (store.PromptRevision, error)
	ActivatePrompt(ctx context.Context, tenantID, name string, revisionID int64) error
	ActiveSkills(ctx context.Context, tenantID string) ([]store.SkillRevision, error)
	ProposeSkill(ctx context.Context, tenantID, skillID, content string) (store.SkillRevision, error)
	ActivateSkill(ctx context.Context, tenantID, skillID string, revisionID int64) error
	ActivateRevisionSet(ctx context.Context, tenantID string, prompts map[string]int64, skills map[string]int64) error
	RecordAdminAction(ctx context.Context, actorUserID *int64, tenantID *string, action string, payload json.RawMessage) error
}

// Runner is the per-host agent the control plane drives.
type Runner interface {
	Provision(ctx context.Context, tenantID string, req runnerclient.ProvisionRequest) error
	Start(ctx context.Context, tenantID string) error
	Stop(ctx context.Context, tenantID string) error
	Restart(ctx context.Context, tenantID string) error
	PairStart(ctx context.Context, tenantID string) error
	WhatsAppDisconnect(ctx context.Context, tenantID string) error
	ApplyConfig(ctx context.Context, tenantID string, req runnerclient.ApplyConfigRequest) error
	GoogleConnect(ctx context.Context, tenantID string, tokenJSON any) error
	GoogleDisconnect(ctx context.Context, tenantID string) error
	Health(ctx context.Context, tenantID string) (runnerclient.Health, error)
	Delete(ctx context.Context, tenantID string) error
}

// Bus emits runtime events toward subscribers and the durable log.
type Bus interface {
	Emit(ctx context.Context, tenantID, eventType string, payload json.RawMessage) error
}

// StateTokens signs and verifies the Google OAuth popup state.
type StateTokens interface {
	IssueOAuthState(userID int64, tenantID, origin string) (string, int, error)
	VerifyOAuthState(raw string) (token.OAuthState, error)
}

// Orchestrator wires the store, runner, bus and crypto together.
type Orchestrator struct {
	st     Store
	runner Runner
	bus    Bus
	cipher *secret.Cipher
	google *googleoauth.Service
	states StateTokens
	clk    clock.Clock
	log    *logging.Logger

	nexusImage string
}

// New creates an orchestrator. nexusImage is the runtime image tag pushed to
// runners on provision, start and restart.
func New(st Store, runner Runner, bus Bus, cipher *secret.Cipher, google *googleoauth.Service, states StateTokens, nexusImage string, clk clock.Clock, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		st:         st,
		runner:     runner,
		bus:        bus,
		cipher:     cipher,
		google:     google,
		states:     states,
		clk:        clk,
		log:        log,
		nexusImage: nexusImage,
	}
}

func (o *Orchestrator) tenantForOwner(ctx context.Context, tenantID string, userID int64) (store.Tenant, error) {
	t, err := o.st.TenantForOwner(ctx, tenantID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Tenant{}, errTenantNotFound
	}
	if err != nil {
		return store.Tenant{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	return t, nil
}

// EnsureOwner verifies tenant ownership for handlers that serve data from
// other components, such as the event stream.
func (o *Orchestrator) EnsureOwner(ctx context.Context, tenantID string, userID int64) error {
	_, err := o.tenantForOwner(ctx, tenantID, userID)
	return err
}

func (o *Orchestrator) runtime(ctx context.Context, tenantID string) (store.TenantRuntime, error) {
	rt, err := o.st.Runtime(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return store.TenantRuntime{}, opErr(http.StatusNotFound, "runtime_not_found", "Runtime not found")
	}
	if err != nil {
		return store.TenantRuntime{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	return rt, nil
}

// emit is best-effort: bus failures are logged, never surfaced.
func (o *Orchestrator) emit(ctx context.Context, tenantID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	if err := o.bus.Emit(ctx, tenantID, eventType, data); err != nil {
		o.log.Warn("event emit failed", "tenant_id", tenantID, "type", eventType, "error", err)
	}
}

// audit records an admin action row; failures never block the action.
func (o *Orchestrator) audit(ctx context.Context, userID int64, tenantID, action string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	if err := o.st.RecordAdminAction(ctx, &userID, &tenantID, action, data); err != nil {
		o.log.Warn("admin action record failed", "tenant_id", tenantID, "action", action, "error", err)
	}
}

// runnerCall invokes a runner operation, emitting runtime.error and mapping
// the failure onto the caller's response when it fails.
func (o *Orchestrator) runnerCall(ctx context.Context, tenantID, action string, call func() error) error {
	err := call()
	if err == nil {
		return nil
	}
	rerr := asRunnerError(err)
	o.emit(ctx, tenantID, events.TypeRuntimeError, map[string]string{
		"error":   rerr.Code,
		"message": rerr.Message,
		"action":  action,
	})
	return &Error{Status: rerr.StatusCode, Code: rerr.Code, Message: rerr.Message}
}

func asRunnerError(err error) *runnerclient.Error {
	var rerr *runnerclient.Error
	if errors.As(err, &rerr) {
		return rerr
	}
	return &runnerclient.Error{
		Code:       "runner_error",
		StatusCode: http.StatusBadGateway,
		Message:    err.Error(),
	}
}
