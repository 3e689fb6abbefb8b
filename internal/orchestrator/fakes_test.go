package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/flopro/nexus/internal/runnerclient"
	"github.com/flopro/nexus/internal/store"
)

// memStore is an in-memory Store for orchestrator tests.
type memStore struct {
	mu       sync.Mutex
	now      func() time.Time
	tenants  map[string]store.Tenant
	runtimes map[string]store.TenantRuntime
	secrets  map[string]store.SecretRecord
	configs  []store.ConfigRevision
	prompts  []store.PromptRevision
	skills   []store.SkillRevision
	admin    []store.AdminAction
	nextID   int64

	forceConflicts int
}

func newMemStore() *memStore {
	return &memStore{
		now:      func() time.Time { return time.Date(2026, 2, 17, 12, 0, 0, 0, time.UTC) },
		tenants:  make(map[string]store.Tenant),
		runtimes: make(map[string]store.TenantRuntime),
		secrets:  make(map[string]store.SecretRecord),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) Tenant(_ context.Context, id string) (store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return store.Tenant{}, store.ErrNotFound
	}
	return t, nil
}

func (m *memStore) TenantByOwner(_ context.Context, userID int64) (store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.OwnerUserID == userID {
			return t, nil
		}
	}
	return store.Tenant{}, store.ErrNotFound
}

func (m *memStore) TenantForOwner(_ context.Context, tenantID string, userID int64) (store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok || t.OwnerUserID != userID {
		return store.Tenant{}, store.ErrNotFound
	}
	return t, nil
}

func (m *memStore) CreateTenant(_ context.Context, b store.ProvisionBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forceConflicts > 0 {
		m.forceConflicts--
		return store.ErrConflict
	}
	if _, exists := m.tenants[b.Tenant.ID]; exists {
		return store.ErrConflict
	}
	for _, t := range m.tenants {
		if t.OwnerUserID == b.Tenant.OwnerUserID {
			return store.ErrConflict
		}
	}
	now := m.now()
	tenant := b.Tenant
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	m.tenants[tenant.ID] = tenant
	m.runtimes[tenant.ID] = store.TenantRuntime{
		ID: m.id(), TenantID: tenant.ID,
		DesiredState: b.DesiredState, ActualState: b.ActualState,
	}
	if b.Secret != nil {
		m.secrets[tenant.ID] = store.SecretRecord{
			TenantID: tenant.ID, EncryptedBlob: b.Secret.EncryptedBlob,
			KeyVersion: b.Secret.KeyVersion, UpdatedAt: now,
		}
	}
	m.configs = append(m.configs, store.ConfigRevision{
		ID: m.id(), TenantID: tenant.ID, Revision: 1, Env: b.Env.Clone(), IsActive: true, CreatedAt: now,
	})
	for name, content := range b.Prompts {
		m.prompts = append(m.prompts, store.PromptRevision{
			ID: m.id(), TenantID: tenant.ID, Name: name, Revision: 1, Content: content, IsActive: true, CreatedAt: now,
		})
	}
	for skillID, content := range b.Skills {
		m.skills = append(m.skills, store.SkillRevision{
			ID: m.id(), TenantID: tenant.ID, SkillID: skillID, Revision: 1, Content: content, IsActive: true, CreatedAt: now,
		})
	}
	return nil
}

func (m *memStore) Runtime(_ context.Context, tenantID string) (store.TenantRuntime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[tenantID]
	if !ok {
		return store.TenantRuntime{}, store.ErrNotFound
	}
	return rt, nil
}

func (m *memStore) UpdateRuntime(_ context.Context, tenantID string, u store.RuntimeUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[tenantID]
	if !ok {
		return store.ErrNotFound
	}
	if u.DesiredState != nil {
		rt.DesiredState = *u.DesiredState
	}
	if u.ActualState != nil {
		rt.ActualState = *u.ActualState
	}
	if u.LastError != nil {
		rt.LastError = u.LastError
	} else if u.ClearError {
		rt.LastError = nil
	}
	if u.Heartbeat {
		now := m.now()
		rt.LastHeartbeat = &now
	}
	m.runtimes[tenantID] = rt
	if u.SyncStatus && u.ActualState != nil {
		t := m.tenants[tenantID]
		t.Status = *u.ActualState
		m.tenants[tenantID] = t
	}
	return nil
}

func (m *memStore) Secret(_ context.Context, tenantID string) (store.SecretRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.secrets[tenantID]
	if !ok {
		return store.SecretRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) PutSecret(_ context.Context, tenantID string, blob json.RawMessage, keyVersion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[tenantID] = store.SecretRecord{
		TenantID: tenantID, EncryptedBlob: blob, KeyVersion: keyVersion, UpdatedAt: m.now(),
	}
	return nil
}

func (m *memStore) ActiveConfig(_ context.Context, tenantID string) (store.ConfigRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rev := range m.configs {
		if rev.TenantID == tenantID && rev.IsActive {
			return rev, nil
		}
	}
	return store.ConfigRevision{}, store.ErrNotFound
}

func (m *memStore) ProposeConfig(_ context.Context, tenantID string, env store.EnvMap) (store.ConfigRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 1
	for _, rev := range m.configs {
		if rev.TenantID == tenantID && rev.Revision >= next {
			next = rev.Revision + 1
		}
	}
	rev := store.ConfigRevision{ID: m.id(), TenantID: tenantID, Revision: next, Env: env.Clone(), CreatedAt: m.now()}
	m.configs = append(m.configs, rev)
	return rev, nil
}

func (m *memStore) ActivateConfig(_ context.Context, tenantID string, revisionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for i := range m.configs {
		if m.configs[i].TenantID != tenantID {
			continue
		}
		m.configs[i].IsActive = m.configs[i].ID == revisionID
		if m.configs[i].ID == revisionID {
			found = true
		}
	}
	if !found {
		return store.ErrNotFound
	}
	return nil
}

func (m *memStore) ActivePrompts(_ context.Context, tenantID string) ([]store.PromptRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PromptRevision
	for _, p := range m.prompts {
		if p.TenantID == tenantID && p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) ProposePrompt(_ context.Context, tenantID, name, content string) (store.PromptRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 1
	for _, p := range m.prompts {
		if p.TenantID == tenantID && p.Name == name && p.Revision >= next {
			next = p.Revision + 1
		}
	}
	rev := store.PromptRevision{ID: m.id(), TenantID: tenantID, Name: name, Revision: next, Content: content, CreatedAt: m.now()}
	m.prompts = append(m.prompts, rev)
	return rev, nil
}

func (m *memStore) ActivatePrompt(_ context.Context, tenantID, name string, revisionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activatePromptLocked(tenantID, name, revisionID)
}

func (m *memStore) activatePromptLocked(tenantID, name string, revisionID int64) error {
	found := false
	for i := range m.prompts {
		if m.prompts[i].TenantID != tenantID || m.prompts[i].Name != name {
			continue
		}
		m.prompts[i].IsActive = m.prompts[i].ID == revisionID
		if m.prompts[i].ID == revisionID {
			found = true
		}
	}
	if !found {
		return store.ErrNotFound
	}
	return nil
}

func (m *memStore) ActiveSkills(_ context.Context, tenantID string) ([]store.SkillRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.SkillRevision
	for _, s := range m.skills {
		if s.TenantID == tenantID && s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) ProposeSkill(_ context.Context, tenantID, skillID, content string) (store.SkillRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 1
	for _, s := range m.skills {
		if s.TenantID == tenantID && s.SkillID == skillID && s.Revision >= next {
			next = s.Revision + 1
		}
	}
	rev := store.SkillRevision{ID: m.id(), TenantID: tenantID, SkillID: skillID, Revision: next, Content: content, CreatedAt: m.now()}
	m.skills = append(m.skills, rev)
	return rev, nil
}

func (m *memStore) ActivateSkill(_ context.Context, tenantID, skillID string, revisionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activateSkillLocked(tenantID, skillID, revisionID)
}

func (m *memStore) activateSkillLocked(tenantID, skillID string, revisionID int64) error {
	found := false
	for i := range m.skills {
		if m.skills[i].TenantID != tenantID || m.skills[i].SkillID != skillID {
			continue
		}
		m.skills[i].IsActive = m.skills[i].ID == revisionID
		if m.skills[i].ID == revisionID {
			found = true
		}
	}
	if !found {
		return store.ErrNotFound
	}
	return nil
}

func (m *memStore) ActivateRevisionSet(_ context.Context, tenantID string, prompts map[string]int64, skills map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, id := range prompts {
		if err := m.activatePromptLocked(tenantID, name, id); err != nil {
			return err
		}
	}
	for skillID, id := range skills {
		if err := m.activateSkillLocked(tenantID, skillID, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) RecordAdminAction(_ context.Context, actorUserID *int64, tenantID *string, action string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admin = append(m.admin, store.AdminAction{
		ID: m.id(), ActorUserID: actorUserID, TenantID: tenantID, Action: action, Payload: payload, CreatedAt: m.now(),
	})
	return nil
}

// fakeRunner records calls and fails on demand per action.
type fakeRunner struct {
	mu         sync.Mutex
	calls      []string
	errs       map[string]error
	provisions []runnerclient.ProvisionRequest
	applied    []runnerclient.ApplyConfigRequest
	health     runnerclient.Health
	healthErr  error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{errs: make(map[string]error)}
}

func (f *fakeRunner) record(action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action)
	return f.errs[action]
}

func (f *fakeRunner) callCount(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == action {
			n++
		}
	}
	return n
}

func (f *fakeRunner) Provision(_ context.Context, _ string, req runnerclient.ProvisionRequest) error {
	err := f.record("provision")
	f.mu.Lock()
	f.provisions = append(f.provisions, req)
	f.mu.Unlock()
	return err
}

func (f *fakeRunner) Start(_ context.Context, _ string) error   { return f.record("start") }
func (f *fakeRunner) Stop(_ context.Context, _ string) error    { return f.record("stop") }
func (f *fakeRunner) Restart(_ context.Context, _ string) error { return f.record("restart") }
func (f *fakeRunner) PairStart(_ context.Context, _ string) error {
	return f.record("pair_start")
}
func (f *fakeRunner) WhatsAppDisconnect(_ context.Context, _ string) error {
	return f.record("whatsapp_disconnect")
}

func (f *fakeRunner) ApplyConfig(_ context.Context, _ string, req runnerclient.ApplyConfigRequest) error {
	err := f.record("apply_config")
	f.mu.Lock()
	f.applied = append(f.applied, req)
	f.mu.Unlock()
	return err
}

func (f *fakeRunner) GoogleConnect(_ context.Context, _ string, _ any) error {
	return f.record("google_connect")
}
func (f *fakeRunner) GoogleDisconnect(_ context.Context, _ string) error {
	return f.record("google_disconnect")
}

func (f *fakeRunner) Health(_ context.Context, tenantID string) (runnerclient.Health, error) {
	f.record("health")
	return f.health, f.healthErr
}

func (f *fakeRunner) Delete(_ context.Context, _ string) error { return f.record("delete") }

// fakeBus records emitted events.
type fakeBus struct {
	mu     sync.Mutex
	events []busEvent
}

type busEvent struct {
	TenantID string
	Type     string
	Payload  map[string]any
}

func (b *fakeBus) Emit(_ context.Context, tenantID, eventType string, payload json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var decoded map[string]any
	json.Unmarshal(payload, &decoded)
	b.events = append(b.events, busEvent{TenantID: tenantID, Type: eventType, Payload: decoded})
	return nil
}

func (b *fakeBus) typesEmitted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Type)
	}
	return out
}

func (b *fakeBus) has(eventType string) bool {
	for _, t := range b.typesEmitted() {
		if t == eventType {
			return true
		}
	}
	return false
}
