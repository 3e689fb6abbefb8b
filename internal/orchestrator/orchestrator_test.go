package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flopro/nexus/internal/clock"
	"github.com/flopro/nexus/internal/googleoauth"
	"github.com/flopro/nexus/internal/logging"
	"github.com/flopro/nexus/internal/secret"
	"github.com/flopro/nexus/internal/store"
	"github.com/flopro/nexus/internal/token"
)

const (
	testImage  = "registry.test/nexus-runtime:1.2.3"
	testOrigin = "https://app.test"
)

type testEnv struct {
	o      *Orchestrator
	st     *memStore
	runner *fakeRunner
	bus    *fakeBus
	tokens *token.Service
	clk    *clock.Fake
}

func newTestEnv(t *testing.T, image string) *testEnv {
	t.Helper()
	st := newMemStore()
	runner := newFakeRunner()
	bus := &fakeBus{}
	cipher, err := secret.New("")
	if err != nil {
		t.Fatalf("secret.New: %v", err)
	}
	google := googleoauth.New("client-id", "client-secret",
		"https://api.test/v1/oauth/google/callback", testOrigin)
	tokens := token.NewService(token.Config{
		AppSecret:    "app-secret",
		RunnerSecret: "runner-secret",
		Alg:          "HS256",
		AccessTTL:    time.Hour,
		RefreshTTL:   24 * time.Hour,
		RunnerTTL:    time.Minute,
		StateTTL:     10 * time.Minute,
	})
	clk := clock.NewFake(time.Date(2026, 2, 17, 12, 0, 0, 0, time.UTC))
	o := New(st, runner, bus, cipher, google, tokens, image, clk, logging.Discard())
	return &testEnv{o: o, st: st, runner: runner, bus: bus, tokens: tokens, clk: clk}
}

func mustSetup(t *testing.T, env *testEnv, userID int64) store.Tenant {
	t.Helper()
	tenant, err := env.o.Setup(context.Background(), userID, map[string]string{
		openRouterKeyName: "sk-or-test",
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return tenant
}

func asOpErr(t *testing.T, err error) *Error {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	var oerr *Error
	if !errors.As(err, &oerr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	return oerr
}

func runtimeState(t *testing.T, env *testEnv, tenantID string) store.TenantRuntime {
	t.Helper()
	rt, err := env.st.Runtime(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("Runtime: %v", err)
	}
	return rt
}

func setActiveEnv(t *testing.T, env *testEnv, tenantID string, m store.EnvMap) {
	t.Helper()
	env.st.mu.Lock()
	defer env.st.mu.Unlock()
	for i := range env.st.configs {
		if env.st.configs[i].TenantID == tenantID && env.st.configs[i].IsActive {
			env.st.configs[i].Env = m.Clone()
			return
		}
	}
	t.Fatalf("no active config for %s", tenantID)
}
