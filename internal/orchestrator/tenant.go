package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flopro/nexus/internal/assistant"
	"github.com/flopro/nexus/internal/events"
	"github.com/flopro/nexus/internal/runnerclient"
	"github.com/flopro/nexus/internal/store"
)

const setupAttempts = 3

func randomTenantID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

func randomBridgeSecret() string {
	buf := make([]byte, 24)
	rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func defaultPromptItems() []runnerclient.PromptItem {
	items := make([]runnerclient.PromptItem, 0, len(assistant.PromptDefaults))
	for name, content := range assistant.PromptDefaults {
		items = append(items, runnerclient.PromptItem{Name: name, Content: content})
	}
	return items
}

func defaultSkillItems() []runnerclient.SkillItem {
	items := make([]runnerclient.SkillItem, 0, len(assistant.SkillDefaults))
	for skillID, content := range assistant.SkillDefaults {
		items = append(items, runnerclient.SkillItem{SkillID: skillID, Content: content})
	}
	return items
}

// Setup provisions the caller's tenant. The operation is idempotent: a user
// who already owns a tenant gets it back unchanged. A runner failure leaves
// the tenant in error state rather than failing the request, so the
// dashboard can surface it and retry.
func (o *Orchestrator) Setup(ctx context.Context, userID int64, initialConfig map[string]string) (store.Tenant, error) {
	existing, err := o.st.TenantByOwner(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Tenant{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}

	image, err := o.requireValidImage()
	if err != nil {
		return store.Tenant{}, err
	}

	initialEnv := defaultRuntimeEnv()
	for k, v := range initialConfig {
		initialEnv[k] = v
	}
	if !hasOpenRouterKey(initialEnv) {
		return store.Tenant{}, openRouterKeyRequired()
	}

	var (
		tenantID     string
		bridgeSecret string
		created      bool
	)
	for attempt := 1; attempt <= setupAttempts; attempt++ {
		tenantID = randomTenantID()
		bridgeSecret = randomBridgeSecret()

		blob, err := o.cipher.Encrypt(map[string]any{
			secretKeyBridgeSecret:    bridgeSecret,
			secretKeyDefaultsVersion: assistant.DefaultsVersion,
		})
		if err != nil {
			return store.Tenant{}, opErr(http.StatusInternalServerError, "secret_encrypt_error", "%v", err)
		}
		rawBlob, err := encodeBlob(blob)
		if err != nil {
			return store.Tenant{}, err
		}

		err = o.st.CreateTenant(ctx, store.ProvisionBundle{
			Tenant: store.Tenant{
				ID:          tenantID,
				OwnerUserID: userID,
				Status:      store.StatusProvisioning,
				// Scoped per tenant to tolerate legacy schemas enforcing uniqueness.
				WorkerID: "worker-" + tenantID,
			},
			DesiredState: store.DesiredStopped,
			ActualState:  store.StatusProvisioning,
			Secret:       &store.SecretRecord{EncryptedBlob: rawBlob, KeyVersion: o.cipher.KeyVersion},
			Env:          initialEnv,
			Prompts:      assistant.PromptDefaults,
			Skills:       assistant.SkillDefaults,
		})
		if err == nil {
			created = true
			break
		}
		if errors.Is(err, store.ErrConflict) {
			o.log.Warn("tenant setup conflict, retrying", "user_id", userID, "attempt", attempt)
			if existing, lookupErr := o.st.TenantByOwner(ctx, userID); lookupErr == nil {
				return existing, nil
			}
			continue
		}
		return store.Tenant{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	if !created {
		return store.Tenant{}, opErr(http.StatusConflict, "tenant_setup_conflict", "Could not complete tenant setup")
	}

	err = o.runner.Provision(ctx, tenantID, runnerclient.ProvisionRequest{
		TenantID:           tenantID,
		NexusImage:         image,
		RuntimeEnv:         initialEnv,
		BridgeSharedSecret: bridgeSecret,
		Prompts:            defaultPromptItems(),
		Skills:             defaultSkillItems(),
	})
	if err != nil {
		rerr := asRunnerError(err)
		lastError := fmt.Sprintf("%s: %s", rerr.Code, rerr.Message)
		errState := store.StatusError
		if uerr := o.st.UpdateRuntime(ctx, tenantID, store.RuntimeUpdate{
			ActualState: &errState,
			LastError:   &lastError,
			SyncStatus:  true,
		}); uerr != nil {
			o.log.Error("failed to record provision error", "tenant_id", tenantID, "error", uerr)
		}
		o.emit(ctx, tenantID, events.TypeRuntimeError, map[string]string{
			"error": rerr.Code, "message": rerr.Message,
		})
	} else {
		desired := store.DesiredRunning
		pairing := store.StatusPendingPairing
		if uerr := o.st.UpdateRuntime(ctx, tenantID, store.RuntimeUpdate{
			DesiredState: &desired,
			ActualState:  &pairing,
			Heartbeat:    true,
			SyncStatus:   true,
		}); uerr != nil {
			o.log.Error("failed to record provision success", "tenant_id", tenantID, "error", uerr)
		}
		o.emit(ctx, tenantID, events.TypeRuntimeStatus, map[string]string{"state": store.StatusPendingPairing})
	}

	o.audit(ctx, userID, tenantID, "tenant.setup", map[string]string{"image": image})

	tenant, err := o.st.Tenant(ctx, tenantID)
	if err != nil {
		return store.Tenant{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	return tenant, nil
}

// Status is the runtime state reported to the dashboard.
type Status struct {
	TenantID      string     `json:"tenant_id"`
	DesiredState  string     `json:"desired_state"`
	ActualState   string     `json:"actual_state"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`
	LastError     *string    `json:"last_error"`
}

// TenantStatus probes the runner and reconciles the stored runtime state
// with what the host reports. An unreachable runner preserves the last
// known state.
func (o *Orchestrator) TenantStatus(ctx context.Context, userID int64, tenantID string) (Status, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return Status{}, err
	}
	rt, err := o.runtime(ctx, tenantID)
	if err != nil {
		return Status{}, err
	}

	if health, herr := o.runner.Health(ctx, tenantID); herr == nil {
		actual := rt.ActualState
		if health.ContainerRunning {
			// Keep event-projected states such as pending_pairing.
			if (actual == store.StatusProvisioning || actual == store.StatusPaused) &&
				rt.DesiredState == store.DesiredRunning {
				actual = store.StatusRunning
			}
		} else if actual != store.StatusError && actual != store.StatusDeleted && actual != store.StatusProvisioning {
			actual = store.StatusPaused
		}
		update := store.RuntimeUpdate{
			ActualState: &actual,
			Heartbeat:   true,
			ClearError:  actual != store.StatusError,
		}
		if uerr := o.st.UpdateRuntime(ctx, tenantID, update); uerr != nil {
			o.log.Warn("status probe update failed", "tenant_id", tenantID, "error", uerr)
		} else if rt, err = o.runtime(ctx, tenantID); err != nil {
			return Status{}, err
		}
	}

	return Status{
		TenantID:      tenantID,
		DesiredState:  rt.DesiredState,
		ActualState:   rt.ActualState,
		LastHeartbeat: rt.LastHeartbeat,
		LastError:     rt.LastError,
	}, nil
}

// DeleteTenant tears the runtime down on the runner and marks the tenant
// deleted. Durable rows are kept for audit.
func (o *Orchestrator) DeleteTenant(ctx context.Context, userID int64, tenantID string) error {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return err
	}
	if err := o.runnerCall(ctx, tenantID, "delete", func() error {
		return o.runner.Delete(ctx, tenantID)
	}); err != nil {
		return err
	}
	stopped := store.DesiredStopped
	deleted := store.StatusDeleted
	if err := o.st.UpdateRuntime(ctx, tenantID, store.RuntimeUpdate{
		DesiredState: &stopped,
		ActualState:  &deleted,
		SyncStatus:   true,
	}); err != nil {
		return opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	o.emit(ctx, tenantID, events.TypeRuntimeStatus, map[string]string{"state": store.StatusDeleted})
	o.audit(ctx, userID, tenantID, "tenant.delete", nil)
	return nil
}

func encodeBlob(blob any) (json.RawMessage, error) {
	raw, err := json.Marshal(blob)
	if err != nil {
		return nil, opErr(http.StatusInternalServerError, "secret_encrypt_error", "%v", err)
	}
	return raw, nil
}
