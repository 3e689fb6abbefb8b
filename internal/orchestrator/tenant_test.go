package orchestrator

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/flopro/nexus/internal/runnerclient"
	"github.com/flopro/nexus/internal/store"
)

func TestSetupProvisionsTenant(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)

	if tenant.Status != store.StatusPendingPairing {
		t.Fatalf("tenant status = %q, want pending_pairing", tenant.Status)
	}
	if tenant.OwnerUserID != 1 {
		t.Fatalf("owner = %d, want 1", tenant.OwnerUserID)
	}

	rt := runtimeState(t, env, tenant.ID)
	if rt.DesiredState != store.DesiredRunning || rt.ActualState != store.StatusPendingPairing {
		t.Fatalf("runtime = %s/%s, want running/pending_pairing", rt.DesiredState, rt.ActualState)
	}
	if rt.LastHeartbeat == nil {
		t.Fatal("expected heartbeat after provision")
	}

	if got := env.runner.callCount("provision"); got != 1 {
		t.Fatalf("provision calls = %d, want 1", got)
	}
	req := env.runner.provisions[0]
	if req.TenantID != tenant.ID {
		t.Fatalf("provision tenant = %q, want %q", req.TenantID, tenant.ID)
	}
	if req.NexusImage != testImage {
		t.Fatalf("provision image = %q", req.NexusImage)
	}
	if req.BridgeSharedSecret == "" {
		t.Fatal("expected a bridge shared secret")
	}
	if req.RuntimeEnv["NEXUS_CONFIG_DIR"] != "/data/config" {
		t.Fatalf("runtime env missing defaults: %v", req.RuntimeEnv)
	}
	if req.RuntimeEnv[openRouterKeyName] != "sk-or-test" {
		t.Fatal("runtime env missing caller key")
	}
	if len(req.Prompts) == 0 || len(req.Skills) == 0 {
		t.Fatal("expected default prompts and skills in provision payload")
	}

	if !env.bus.has("runtime.status") {
		t.Fatalf("events = %v, want runtime.status", env.bus.typesEmitted())
	}
	if len(env.st.admin) == 0 || env.st.admin[0].Action != "tenant.setup" {
		t.Fatal("expected a tenant.setup admin action")
	}
}

func TestSetupIsIdempotent(t *testing.T) {
	env := newTestEnv(t, testImage)
	first := mustSetup(t, env, 7)
	second := mustSetup(t, env, 7)

	if first.ID != second.ID {
		t.Fatalf("second setup returned %q, want %q", second.ID, first.ID)
	}
	if got := env.runner.callCount("provision"); got != 1 {
		t.Fatalf("provision calls = %d, want 1", got)
	}
}

func TestSetupRequiresOpenRouterKey(t *testing.T) {
	env := newTestEnv(t, testImage)
	_, err := env.o.Setup(context.Background(), 1, nil)
	oerr := asOpErr(t, err)
	if oerr.Code != "openrouter_api_key_required" || oerr.Status != http.StatusBadRequest {
		t.Fatalf("got %d %s", oerr.Status, oerr.Code)
	}
}

func TestSetupRejectsPlaceholderImage(t *testing.T) {
	for _, image := range []string{"", "ghcr.io/your-org/nexus:latest", "REPLACE_WITH_IMAGE", "<org>/nexus:1"} {
		t.Run(image, func(t *testing.T) {
			env := newTestEnv(t, image)
			_, err := env.o.Setup(context.Background(), 1, map[string]string{openRouterKeyName: "sk"})
			oerr := asOpErr(t, err)
			if oerr.Code != "nexus_image_invalid" {
				t.Fatalf("code = %s, want nexus_image_invalid", oerr.Code)
			}
		})
	}
}

func TestSetupRetriesOnConflict(t *testing.T) {
	env := newTestEnv(t, testImage)
	env.st.forceConflicts = 2
	tenant := mustSetup(t, env, 1)
	if tenant.ID == "" {
		t.Fatal("expected a tenant after retries")
	}
	if got := env.runner.callCount("provision"); got != 1 {
		t.Fatalf("provision calls = %d, want 1", got)
	}
}

func TestSetupGivesUpAfterConflicts(t *testing.T) {
	env := newTestEnv(t, testImage)
	env.st.forceConflicts = setupAttempts
	_, err := env.o.Setup(context.Background(), 1, map[string]string{openRouterKeyName: "sk"})
	oerr := asOpErr(t, err)
	if oerr.Code != "tenant_setup_conflict" || oerr.Status != http.StatusConflict {
		t.Fatalf("got %d %s", oerr.Status, oerr.Code)
	}
}

func TestSetupRecordsProvisionFailure(t *testing.T) {
	env := newTestEnv(t, testImage)
	env.runner.errs["provision"] = &runnerclient.Error{
		Code: "docker_unavailable", StatusCode: http.StatusServiceUnavailable, Message: "daemon down",
	}

	tenant := mustSetup(t, env, 1)
	if tenant.Status != store.StatusError {
		t.Fatalf("tenant status = %q, want error", tenant.Status)
	}
	rt := runtimeState(t, env, tenant.ID)
	if rt.ActualState != store.StatusError {
		t.Fatalf("actual = %q, want error", rt.ActualState)
	}
	if rt.LastError == nil || *rt.LastError != "docker_unavailable: daemon down" {
		t.Fatalf("last_error = %v", rt.LastError)
	}
	if !env.bus.has("runtime.error") {
		t.Fatalf("events = %v, want runtime.error", env.bus.typesEmitted())
	}
}

func TestTenantStatusProbe(t *testing.T) {
	setRuntime := func(env *testEnv, tenantID, desired, actual string, lastErr *string) {
		env.st.mu.Lock()
		rt := env.st.runtimes[tenantID]
		rt.DesiredState, rt.ActualState, rt.LastError = desired, actual, lastErr
		env.st.runtimes[tenantID] = rt
		env.st.mu.Unlock()
	}
	boom := "exploded"

	tests := []struct {
		name       string
		desired    string
		actual     string
		lastErr    *string
		running    bool
		wantActual string
		wantErr    *string
	}{
		{"paused container up", store.DesiredRunning, store.StatusPaused, nil, true, store.StatusRunning, nil},
		{"provisioning container up", store.DesiredRunning, store.StatusProvisioning, nil, true, store.StatusRunning, nil},
		{"paused but not desired running", store.DesiredStopped, store.StatusPaused, nil, true, store.StatusPaused, nil},
		{"pairing state preserved", store.DesiredRunning, store.StatusPendingPairing, nil, true, store.StatusPendingPairing, nil},
		{"running container down", store.DesiredRunning, store.StatusRunning, nil, false, store.StatusPaused, nil},
		{"error state sticks when down", store.DesiredRunning, store.StatusError, &boom, false, store.StatusError, &boom},
		{"provisioning sticks when down", store.DesiredRunning, store.StatusProvisioning, nil, false, store.StatusProvisioning, nil},
		{"stale error cleared", store.DesiredRunning, store.StatusRunning, &boom, true, store.StatusRunning, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, testImage)
			tenant := mustSetup(t, env, 1)
			setRuntime(env, tenant.ID, tc.desired, tc.actual, tc.lastErr)
			env.runner.health = runnerclient.Health{TenantID: tenant.ID, ContainerRunning: tc.running}

			status, err := env.o.TenantStatus(context.Background(), 1, tenant.ID)
			if err != nil {
				t.Fatalf("TenantStatus: %v", err)
			}
			if status.ActualState != tc.wantActual {
				t.Fatalf("actual = %q, want %q", status.ActualState, tc.wantActual)
			}
			if (status.LastError == nil) != (tc.wantErr == nil) {
				t.Fatalf("last_error = %v, want %v", status.LastError, tc.wantErr)
			}
			if status.LastHeartbeat == nil {
				t.Fatal("expected heartbeat after probe")
			}
		})
	}
}

func TestTenantStatusUnreachableRunner(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)
	env.runner.healthErr = &runnerclient.Error{Code: "runner_http_error", StatusCode: http.StatusBadGateway, Message: "no route"}

	status, err := env.o.TenantStatus(context.Background(), 1, tenant.ID)
	if err != nil {
		t.Fatalf("TenantStatus: %v", err)
	}
	if status.ActualState != store.StatusPendingPairing {
		t.Fatalf("actual = %q, want the stored pending_pairing", status.ActualState)
	}
}

func TestTenantStatusOwnership(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)

	_, err := env.o.TenantStatus(context.Background(), 2, tenant.ID)
	oerr := asOpErr(t, err)
	if oerr.Code != "tenant_not_found" || oerr.Status != http.StatusNotFound {
		t.Fatalf("got %d %s", oerr.Status, oerr.Code)
	}
}

func TestDeleteTenant(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)

	if err := env.o.DeleteTenant(context.Background(), 1, tenant.ID); err != nil {
		t.Fatalf("DeleteTenant: %v", err)
	}
	if got := env.runner.callCount("delete"); got != 1 {
		t.Fatalf("delete calls = %d, want 1", got)
	}
	rt := runtimeState(t, env, tenant.ID)
	if rt.DesiredState != store.DesiredStopped || rt.ActualState != store.StatusDeleted {
		t.Fatalf("runtime = %s/%s, want stopped/deleted", rt.DesiredState, rt.ActualState)
	}
	after, err := env.st.Tenant(context.Background(), tenant.ID)
	if err != nil {
		t.Fatalf("Tenant: %v", err)
	}
	if after.Status != store.StatusDeleted {
		t.Fatalf("tenant status = %q, want deleted", after.Status)
	}

	last := env.bus.events[len(env.bus.events)-1]
	if last.Type != "runtime.status" || last.Payload["state"] != store.StatusDeleted {
		t.Fatalf("last event = %s %v", last.Type, last.Payload)
	}
}

func TestDeleteTenantRunnerFailure(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)
	env.runner.errs["delete"] = &runnerclient.Error{
		Code: "docker_command_failed", StatusCode: http.StatusBadGateway, Message: "compose down failed",
	}

	err := env.o.DeleteTenant(context.Background(), 1, tenant.ID)
	oerr := asOpErr(t, err)
	if oerr.Code != "docker_command_failed" || oerr.Status != http.StatusBadGateway {
		t.Fatalf("got %d %s", oerr.Status, oerr.Code)
	}
	rt := runtimeState(t, env, tenant.ID)
	if rt.ActualState == store.StatusDeleted {
		t.Fatal("runtime must not be marked deleted when teardown fails")
	}
}

func TestSetupHeartbeatUsesStoreClock(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)
	rt := runtimeState(t, env, tenant.ID)
	want := time.Date(2026, 2, 17, 12, 0, 0, 0, time.UTC)
	if rt.LastHeartbeat == nil || !rt.LastHeartbeat.Equal(want) {
		t.Fatalf("heartbeat = %v, want %v", rt.LastHeartbeat, want)
	}
}
