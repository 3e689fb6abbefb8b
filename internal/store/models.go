// Package store persists users, tenants, revisions and the runtime event
// log in Postgres.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Tenant lifecycle states. desired_state normally holds DesiredRunning or
// DesiredStopped; pairing flows park it at pending_pairing until the bridge
// connects. actual_state and tenants.status range over the full set.
const (
	StatusProvisioning   = "provisioning"
	StatusRunning        = "running"
	StatusPaused         = "paused"
	StatusPendingPairing = "pending_pairing"
	StatusError          = "error"
	StatusDeleted        = "deleted"

	DesiredRunning = "running"
	DesiredStopped = "stopped"
)

// EnvMap is a string-to-string JSONB column.
type EnvMap map[string]string

func (m EnvMap) Value() (driver.Value, error) {
	if m == nil {
		m = EnvMap{}
	}
	return json.Marshal(m)
}

func (m *EnvMap) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	case nil:
		*m = nil
		return nil
	default:
		return fmt.Errorf("store: cannot scan %T into EnvMap", src)
	}
}

// Clone returns a shallow copy safe to mutate.
func (m EnvMap) Clone() EnvMap {
	out := make(EnvMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type User struct {
	ID           int64     `db:"id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

type Tenant struct {
	ID          string    `db:"id"`
	OwnerUserID int64     `db:"owner_user_id"`
	Status      string    `db:"status"`
	WorkerID    string    `db:"worker_id"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

type TenantRuntime struct {
	ID            int64      `db:"id"`
	TenantID      string     `db:"tenant_id"`
	DesiredState  string     `db:"desired_state"`
	ActualState   string     `db:"actual_state"`
	LastHeartbeat *time.Time `db:"last_heartbeat"`
	LastError     *string    `db:"last_error"`
}

type SecretRecord struct {
	TenantID      string          `db:"tenant_id"`
	EncryptedBlob json.RawMessage `db:"encrypted_blob"`
	KeyVersion    string          `db:"key_version"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

type ConfigRevision struct {
	ID        int64     `db:"id"`
	TenantID  string    `db:"tenant_id"`
	Revision  int       `db:"revision"`
	Env       EnvMap    `db:"env_json"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

type PromptRevision struct {
	ID        int64     `db:"id"`
	TenantID  string    `db:"tenant_id"`
	Name      string    `db:"name"`
	Revision  int       `db:"revision"`
	Content   string    `db:"content"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

type SkillRevision struct {
	ID        int64     `db:"id"`
	TenantID  string    `db:"tenant_id"`
	SkillID   string    `db:"skill_id"`
	Revision  int       `db:"revision"`
	Content   string    `db:"content"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

type RuntimeEvent struct {
	ID        int64           `db:"id"`
	TenantID  string          `db:"tenant_id"`
	Type      string          `db:"type"`
	Payload   json.RawMessage `db:"payload_json"`
	CreatedAt time.Time       `db:"created_at"`
}

type AdminAction struct {
	ID          int64           `db:"id"`
	ActorUserID *int64          `db:"actor_user_id"`
	TenantID    *string         `db:"tenant_id"`
	Action      string          `db:"action"`
	Payload     json.RawMessage `db:"payload_json"`
	CreatedAt   time.Time       `db:"created_at"`
}
