package web

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/flopro/nexus/internal/orchestrator"
	"github.com/flopro/nexus/internal/store"
)

// memUsers is an in-memory UserStore.
type memUsers struct {
	mu      sync.Mutex
	nextID  int64
	byEmail map[string]store.User
	tenants map[int64]store.Tenant
}

func newMemUsers() *memUsers {
	return &memUsers{
		byEmail: make(map[string]store.User),
		tenants: make(map[int64]store.Tenant),
	}
}

func (m *memUsers) CreateUser(_ context.Context, email, passwordHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byEmail[email]; exists {
		return store.User{}, store.ErrEmailTaken
	}
	m.nextID++
	u := store.User{ID: m.nextID, Email: email, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	m.byEmail[email] = u
	return u, nil
}

func (m *memUsers) UserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byEmail[email]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) UserByID(_ context.Context, id int64) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byEmail {
		if u.ID == id {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (m *memUsers) TenantByOwner(_ context.Context, userID int64) (store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[userID]
	if !ok {
		return store.Tenant{}, store.ErrNotFound
	}
	return t, nil
}

func (m *memUsers) setTenant(userID int64, t store.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[userID] = t
}

// fakeOrch returns canned results and records what handlers passed through.
type fakeOrch struct {
	mu sync.Mutex

	setupTenant store.Tenant
	setupErr    error
	lastInitial map[string]string

	status    orchestrator.Status
	statusErr error

	accepted orchestrator.Accepted
	opErr    error
	opCalls  []string

	cfg           orchestrator.Config
	cfgErr        error
	patchedValues map[string]string
	patchedRemove []string

	prompts          []orchestrator.Prompt
	putPromptName    string
	putPromptContent string
	skills           []orchestrator.Skill
	putSkillID       string
	putSkillContent  string

	bootstrap orchestrator.BootstrapResult

	googleStart    orchestrator.GoogleConnectStart
	googleStartErr error
	lastOrigin     string
	googleStatus   orchestrator.GoogleStatus
	callback       orchestrator.CallbackResult

	ensureOwnerErr error
	deleted        []string
}

func (f *fakeOrch) record(op string) {
	f.mu.Lock()
	f.opCalls = append(f.opCalls, op)
	f.mu.Unlock()
}

func (f *fakeOrch) Setup(_ context.Context, _ int64, initialConfig map[string]string) (store.Tenant, error) {
	f.mu.Lock()
	f.lastInitial = initialConfig
	f.mu.Unlock()
	return f.setupTenant, f.setupErr
}

func (f *fakeOrch) TenantStatus(_ context.Context, _ int64, _ string) (orchestrator.Status, error) {
	return f.status, f.statusErr
}

func (f *fakeOrch) DeleteTenant(_ context.Context, _ int64, tenantID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, tenantID)
	f.mu.Unlock()
	return f.opErr
}

func (f *fakeOrch) EnsureOwner(context.Context, string, int64) error { return f.ensureOwnerErr }

func (f *fakeOrch) StartRuntime(_ context.Context, _ int64, _ string) (orchestrator.Accepted, error) {
	f.record("start")
	return f.accepted, f.opErr
}

func (f *fakeOrch) StopRuntime(_ context.Context, _ int64, _ string) (orchestrator.Accepted, error) {
	f.record("stop")
	return f.accepted, f.opErr
}

func (f *fakeOrch) RestartRuntime(_ context.Context, _ int64, _ string) (orchestrator.Accepted, error) {
	f.record("restart")
	return f.accepted, f.opErr
}

func (f *fakeOrch) PairStart(_ context.Context, _ int64, _ string) (orchestrator.Accepted, error) {
	f.record("pair_start")
	return f.accepted, f.opErr
}

func (f *fakeOrch) WhatsAppDisconnect(_ context.Context, _ int64, _ string) (orchestrator.Accepted, error) {
	f.record("whatsapp_disconnect")
	return f.accepted, f.opErr
}

func (f *fakeOrch) GetConfig(_ context.Context, _ int64, _ string) (orchestrator.Config, error) {
	return f.cfg, f.cfgErr
}

func (f *fakeOrch) PatchConfig(_ context.Context, _ int64, _ string, values map[string]string, removeKeys []string) (orchestrator.Config, error) {
	f.mu.Lock()
	f.patchedValues, f.patchedRemove = values, removeKeys
	f.mu.Unlock()
	return f.cfg, f.cfgErr
}

func (f *fakeOrch) ListPrompts(_ context.Context, _ int64, _ string) ([]orchestrator.Prompt, error) {
	return f.prompts, nil
}

func (f *fakeOrch) PutPrompt(_ context.Context, _ int64, _, name, content string) (orchestrator.Prompt, error) {
	f.mu.Lock()
	f.putPromptName, f.putPromptContent = name, content
	f.mu.Unlock()
	return orchestrator.Prompt{Name: name, Revision: 2, Content: content}, f.opErr
}

func (f *fakeOrch) ListSkills(_ context.Context, _ int64, _ string) ([]orchestrator.Skill, error) {
	return f.skills, nil
}

func (f *fakeOrch) PutSkill(_ context.Context, _ int64, _, skillID, content string) (orchestrator.Skill, error) {
	f.mu.Lock()
	f.putSkillID, f.putSkillContent = skillID, content
	f.mu.Unlock()
	return orchestrator.Skill{SkillID: skillID, Revision: 2, Content: content}, f.opErr
}

func (f *fakeOrch) AssistantBootstrap(_ context.Context, _ int64, _ string) (orchestrator.BootstrapResult, error) {
	return f.bootstrap, f.opErr
}

func (f *fakeOrch) GoogleStart(_ context.Context, _ int64, _, origin string) (orchestrator.GoogleConnectStart, error) {
	f.mu.Lock()
	f.lastOrigin = origin
	f.mu.Unlock()
	return f.googleStart, f.googleStartErr
}

func (f *fakeOrch) GoogleConnectionStatus(_ context.Context, _ int64, _ string) (orchestrator.GoogleStatus, error) {
	return f.googleStatus, nil
}

func (f *fakeOrch) GoogleDisconnect(_ context.Context, _ int64, _ string) (orchestrator.Accepted, error) {
	f.record("google_disconnect")
	return f.accepted, f.opErr
}

func (f *fakeOrch) GoogleCallback(context.Context, string, string, string, string) orchestrator.CallbackResult {
	return f.callback
}

// memEventStore backs a real events.Manager in local mode.
type memEventStore struct {
	mu   sync.Mutex
	next int64
	rows []store.RuntimeEvent
}

func (m *memEventStore) AppendEvent(_ context.Context, tenantID, eventType string, payload json.RawMessage, _ *store.ProjectionDelta) (store.RuntimeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	row := store.RuntimeEvent{
		ID: m.next, TenantID: tenantID, Type: eventType, Payload: payload, CreatedAt: time.Now().UTC(),
	}
	m.rows = append(m.rows, row)
	return row, nil
}

func (m *memEventStore) RecentEvents(_ context.Context, tenantID string, limit int, types []string) ([]store.RuntimeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.RuntimeEvent
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		row := m.rows[i]
		if row.TenantID != tenantID {
			continue
		}
		if len(types) > 0 && !containsType(types, row.Type) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func containsType(types []string, t string) bool {
	for _, candidate := range types {
		if strings.EqualFold(candidate, t) {
			return true
		}
	}
	return false
}

// allowAllLimiter never rejects.
type allowAllLimiter struct{}

func (allowAllLimiter) Check(context.Context, string) error { return nil }

// denyLimiter always rejects.
type denyLimiter struct{ err error }

func (d denyLimiter) Check(context.Context, string) error { return d.err }
