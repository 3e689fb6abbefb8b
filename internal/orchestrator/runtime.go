package orchestrator

import (
	"context"
	"net/http"

	"github.com/flopro/nexus/internal/events"
	"github.com/flopro/nexus/internal/store"
)

// Accepted acknowledges a runtime operation.
type Accepted struct {
	TenantID  string `json:"tenant_id"`
	Operation string `json:"operation"`
}

// transition records the post-operation runtime state and emits the matching
// status event.
func (o *Orchestrator) transition(ctx context.Context, tenantID, desired, actual string) error {
	if err := o.st.UpdateRuntime(ctx, tenantID, store.RuntimeUpdate{
		DesiredState: &desired,
		ActualState:  &actual,
		Heartbeat:    true,
	}); err != nil {
		return opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	o.emit(ctx, tenantID, events.TypeRuntimeStatus, map[string]string{"state": actual})
	return nil
}

// StartRuntime resumes a paused tenant runtime.
func (o *Orchestrator) StartRuntime(ctx context.Context, userID int64, tenantID string) (Accepted, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return Accepted{}, err
	}
	if err := o.requireOpenRouterKey(ctx, tenantID); err != nil {
		return Accepted{}, err
	}
	if _, err := o.requireValidImage(); err != nil {
		return Accepted{}, err
	}
	if err := o.runnerCall(ctx, tenantID, "start", func() error {
		return o.runner.Start(ctx, tenantID)
	}); err != nil {
		return Accepted{}, err
	}
	if err := o.transition(ctx, tenantID, store.DesiredRunning, store.StatusRunning); err != nil {
		return Accepted{}, err
	}
	o.audit(ctx, userID, tenantID, "runtime.start", nil)
	return Accepted{TenantID: tenantID, Operation: "start"}, nil
}

// StopRuntime pauses the tenant runtime. No gates: stopping is always legal.
func (o *Orchestrator) StopRuntime(ctx context.Context, userID int64, tenantID string) (Accepted, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return Accepted{}, err
	}
	if err := o.runnerCall(ctx, tenantID, "stop", func() error {
		return o.runner.Stop(ctx, tenantID)
	}); err != nil {
		return Accepted{}, err
	}
	if err := o.transition(ctx, tenantID, store.DesiredStopped, store.StatusPaused); err != nil {
		return Accepted{}, err
	}
	o.audit(ctx, userID, tenantID, "runtime.stop", nil)
	return Accepted{TenantID: tenantID, Operation: "stop"}, nil
}

// RestartRuntime bounces the tenant runtime.
func (o *Orchestrator) RestartRuntime(ctx context.Context, userID int64, tenantID string) (Accepted, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return Accepted{}, err
	}
	if err := o.requireOpenRouterKey(ctx, tenantID); err != nil {
		return Accepted{}, err
	}
	if _, err := o.requireValidImage(); err != nil {
		return Accepted{}, err
	}
	if err := o.runnerCall(ctx, tenantID, "restart", func() error {
		return o.runner.Restart(ctx, tenantID)
	}); err != nil {
		return Accepted{}, err
	}
	if err := o.transition(ctx, tenantID, store.DesiredRunning, store.StatusRunning); err != nil {
		return Accepted{}, err
	}
	o.audit(ctx, userID, tenantID, "runtime.restart", nil)
	return Accepted{TenantID: tenantID, Operation: "restart"}, nil
}

// PairStart brings the runtime up in pairing mode so the bridge can show a
// fresh QR code.
func (o *Orchestrator) PairStart(ctx context.Context, userID int64, tenantID string) (Accepted, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return Accepted{}, err
	}
	if err := o.requireOpenRouterKey(ctx, tenantID); err != nil {
		return Accepted{}, err
	}
	if _, err := o.requireValidImage(); err != nil {
		return Accepted{}, err
	}
	if err := o.runnerCall(ctx, tenantID, "pair_start", func() error {
		return o.runner.PairStart(ctx, tenantID)
	}); err != nil {
		return Accepted{}, err
	}
	if err := o.transition(ctx, tenantID, store.StatusPendingPairing, store.StatusPendingPairing); err != nil {
		return Accepted{}, err
	}
	o.audit(ctx, userID, tenantID, "whatsapp.pair_start", nil)
	return Accepted{TenantID: tenantID, Operation: "pair_start"}, nil
}

// WhatsAppDisconnect clears the session on the runner and drops the tenant
// back to pairing.
func (o *Orchestrator) WhatsAppDisconnect(ctx context.Context, userID int64, tenantID string) (Accepted, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return Accepted{}, err
	}
	if err := o.runnerCall(ctx, tenantID, "whatsapp_disconnect", func() error {
		return o.runner.WhatsAppDisconnect(ctx, tenantID)
	}); err != nil {
		return Accepted{}, err
	}
	pairing := store.StatusPendingPairing
	if err := o.st.UpdateRuntime(ctx, tenantID, store.RuntimeUpdate{
		DesiredState: &pairing,
		ActualState:  &pairing,
		ClearError:   true,
		Heartbeat:    true,
	}); err != nil {
		return Accepted{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	o.emit(ctx, tenantID, events.TypeWhatsAppDisconnected, map[string]string{"reason": "requested"})
	o.emit(ctx, tenantID, events.TypeRuntimeStatus, map[string]string{"state": store.StatusPendingPairing})
	o.audit(ctx, userID, tenantID, "whatsapp.disconnect", nil)
	return Accepted{TenantID: tenantID, Operation: "whatsapp_disconnect"}, nil
}
