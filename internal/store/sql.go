package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// CreateUser inserts a user, returning ErrEmailTaken on a duplicate email.
func (s *SQL) CreateUser(ctx context.Context, email, passwordHash string) (User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		`INSERT INTO users (email, password_hash) VALUES ($1, $2)
		 RETURNING id, email, password_hash, created_at`,
		email, passwordHash)
	if isUniqueViolation(err) {
		return User{}, ErrEmailTaken
	}
	if err != nil {
		return User{}, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

func (s *SQL) UserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = $1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("store: user by email: %w", err)
	}
	return u, nil
}

func (s *SQL) UserByID(ctx context.Context, id int64) (User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		`SELECT id, email, password_hash, created_at FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("store: user by id: %w", err)
	}
	return u, nil
}

func (s *SQL) Tenant(ctx context.Context, id string) (Tenant, error) {
	var t Tenant
	err := s.db.GetContext(ctx, &t,
		`SELECT id, owner_user_id, status, worker_id, created_at, updated_at
		 FROM tenants WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("store: tenant: %w", err)
	}
	return t, nil
}

// TenantByOwner returns the tenant owned by userID; each user owns at most one.
func (s *SQL) TenantByOwner(ctx context.Context, userID int64) (Tenant, error) {
	var t Tenant
	err := s.db.GetContext(ctx, &t,
		`SELECT id, owner_user_id, status, worker_id, created_at, updated_at
		 FROM tenants WHERE owner_user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("store: tenant by owner: %w", err)
	}
	return t, nil
}

// TenantForOwner returns the tenant only when it is owned by userID, so
// foreign tenant IDs are indistinguishable from missing ones.
func (s *SQL) TenantForOwner(ctx context.Context, tenantID string, userID int64) (Tenant, error) {
	var t Tenant
	err := s.db.GetContext(ctx, &t,
		`SELECT id, owner_user_id, status, worker_id, created_at, updated_at
		 FROM tenants WHERE id = $1 AND owner_user_id = $2`, tenantID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("store: tenant for owner: %w", err)
	}
	return t, nil
}

func (s *SQL) UpdateTenantStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("store: update tenant status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ProvisionBundle is everything created with a fresh tenant in one
// transaction: the runtime row, the optional secret, an active config
// revision and the default prompt and skill revisions.
type ProvisionBundle struct {
	Tenant       Tenant
	DesiredState string
	ActualState  string
	Secret       *SecretRecord
	Env          EnvMap
	Prompts      map[string]string
	Skills       map[string]string
}

// CreateTenant writes the bundle atomically, returning ErrConflict when the
// tenant ID or owner collides with a concurrent signup.
func (s *SQL) CreateTenant(ctx context.Context, b ProvisionBundle) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tenants (id, owner_user_id, status, worker_id)
			 VALUES ($1, $2, $3, $4)`,
			b.Tenant.ID, b.Tenant.OwnerUserID, b.Tenant.Status, b.Tenant.WorkerID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tenant_runtime (tenant_id, desired_state, actual_state)
			 VALUES ($1, $2, $3)`,
			b.Tenant.ID, b.DesiredState, b.ActualState)
		if err != nil {
			return err
		}
		if b.Secret != nil {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO tenant_secrets (tenant_id, encrypted_blob, key_version)
				 VALUES ($1, $2, $3)`,
				b.Tenant.ID, []byte(b.Secret.EncryptedBlob), b.Secret.KeyVersion)
			if err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO config_revisions (tenant_id, revision, env_json, is_active)
			 VALUES ($1, 1, $2, TRUE)`,
			b.Tenant.ID, b.Env)
		if err != nil {
			return err
		}
		for name, content := range b.Prompts {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO prompt_revisions (tenant_id, name, revision, content, is_active)
				 VALUES ($1, $2, 1, $3, TRUE)`,
				b.Tenant.ID, name, content)
			if err != nil {
				return err
			}
		}
		for skillID, content := range b.Skills {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO skill_revisions (tenant_id, skill_id, revision, content, is_active)
				 VALUES ($1, $2, 1, $3, TRUE)`,
				b.Tenant.ID, skillID, content)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: create tenant: %w", err)
	}
	return nil
}

func (s *SQL) Runtime(ctx context.Context, tenantID string) (TenantRuntime, error) {
	var r TenantRuntime
	err := s.db.GetContext(ctx, &r,
		`SELECT id, tenant_id, desired_state, actual_state, last_heartbeat, last_error
		 FROM tenant_runtime WHERE tenant_id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return TenantRuntime{}, ErrNotFound
	}
	if err != nil {
		return TenantRuntime{}, fmt.Errorf("store: runtime: %w", err)
	}
	return r, nil
}

// RuntimeUpdate is a partial update of a tenant_runtime row. Nil fields are
// left untouched. SyncStatus mirrors ActualState onto tenants.status.
type RuntimeUpdate struct {
	DesiredState *string
	ActualState  *string
	LastError    *string
	ClearError   bool
	Heartbeat    bool
	SyncStatus   bool
}

func (s *SQL) UpdateRuntime(ctx context.Context, tenantID string, u RuntimeUpdate) error {
	sets := make([]string, 0, 4)
	args := []any{tenantID}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if u.DesiredState != nil {
		add("desired_state = $%d", *u.DesiredState)
	}
	if u.ActualState != nil {
		add("actual_state = $%d", *u.ActualState)
	}
	if u.LastError != nil {
		add("last_error = $%d", *u.LastError)
	} else if u.ClearError {
		sets = append(sets, "last_error = NULL")
	}
	if u.Heartbeat {
		sets = append(sets, "last_heartbeat = now()")
	}
	if len(sets) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tenant_runtime SET `+strings.Join(sets, ", ")+` WHERE tenant_id = $1`,
			args...)
		if err != nil {
			return fmt.Errorf("store: update runtime: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if u.SyncStatus && u.ActualState != nil {
			_, err = tx.ExecContext(ctx,
				`UPDATE tenants SET status = $2, updated_at = now() WHERE id = $1`,
				tenantID, *u.ActualState)
			if err != nil {
				return fmt.Errorf("store: sync tenant status: %w", err)
			}
		}
		return nil
	})
}

func (s *SQL) Secret(ctx context.Context, tenantID string) (SecretRecord, error) {
	var rec SecretRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT tenant_id, encrypted_blob, key_version, updated_at
		 FROM tenant_secrets WHERE tenant_id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return SecretRecord{}, ErrNotFound
	}
	if err != nil {
		return SecretRecord{}, fmt.Errorf("store: secret: %w", err)
	}
	return rec, nil
}

func (s *SQL) PutSecret(ctx context.Context, tenantID string, blob json.RawMessage, keyVersion string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_secrets (tenant_id, encrypted_blob, key_version)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id)
		 DO UPDATE SET encrypted_blob = EXCLUDED.encrypted_blob,
		               key_version = EXCLUDED.key_version,
		               updated_at = now()`,
		tenantID, []byte(blob), keyVersion)
	if err != nil {
		return fmt.Errorf("store: put secret: %w", err)
	}
	return nil
}

func (s *SQL) ActiveConfig(ctx context.Context, tenantID string) (ConfigRevision, error) {
	var rev ConfigRevision
	err := s.db.GetContext(ctx, &rev,
		`SELECT id, tenant_id, revision, env_json, is_active, created_at
		 FROM config_revisions WHERE tenant_id = $1 AND is_active = TRUE`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return ConfigRevision{}, ErrNotFound
	}
	if err != nil {
		return ConfigRevision{}, fmt.Errorf("store: active config: %w", err)
	}
	return rev, nil
}

// ProposeConfig inserts the next, inactive config revision for the tenant.
func (s *SQL) ProposeConfig(ctx context.Context, tenantID string, env EnvMap) (ConfigRevision, error) {
	var rev ConfigRevision
	err := s.db.GetContext(ctx, &rev,
		`INSERT INTO config_revisions (tenant_id, revision, env_json, is_active)
		 SELECT $1, COALESCE(MAX(revision), 0) + 1, $2, FALSE
		 FROM config_revisions WHERE tenant_id = $1
		 RETURNING id, tenant_id, revision, env_json, is_active, created_at`,
		tenantID, env)
	if err != nil {
		return ConfigRevision{}, fmt.Errorf("store: propose config: %w", err)
	}
	return rev, nil
}

// ActivateConfig flips the given revision active and every other revision of
// the tenant inactive in one transaction.
func (s *SQL) ActivateConfig(ctx context.Context, tenantID string, revisionID int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE config_revisions SET is_active = FALSE WHERE tenant_id = $1`, tenantID)
		if err != nil {
			return fmt.Errorf("store: deactivate configs: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE config_revisions SET is_active = TRUE WHERE tenant_id = $1 AND id = $2`,
			tenantID, revisionID)
		if err != nil {
			return fmt.Errorf("store: activate config: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQL) ActivePrompts(ctx context.Context, tenantID string) ([]PromptRevision, error) {
	var revs []PromptRevision
	err := s.db.SelectContext(ctx, &revs,
		`SELECT id, tenant_id, name, revision, content, is_active, created_at
		 FROM prompt_revisions WHERE tenant_id = $1 AND is_active = TRUE
		 ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: active prompts: %w", err)
	}
	return revs, nil
}

func (s *SQL) ProposePrompt(ctx context.Context, tenantID, name, content string) (PromptRevision, error) {
	var rev PromptRevision
	err := s.db.GetContext(ctx, &rev,
		`INSERT INTO prompt_revisions (tenant_id, name, revision, content, is_active)
		 SELECT $1, $2, COALESCE(MAX(revision), 0) + 1, $3, FALSE
		 FROM prompt_revisions WHERE tenant_id = $1 AND name = $2
		 RETURNING id, tenant_id, name, revision, content, is_active, created_at`,
		tenantID, name, content)
	if err != nil {
		return PromptRevision{}, fmt.Errorf("store: propose prompt: %w", err)
	}
	return rev, nil
}

func (s *SQL) ActivatePrompt(ctx context.Context, tenantID, name string, revisionID int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return activatePromptTx(ctx, tx, tenantID, name, revisionID)
	})
}

func activatePromptTx(ctx context.Context, tx *sqlx.Tx, tenantID, name string, revisionID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE prompt_revisions SET is_active = FALSE WHERE tenant_id = $1 AND name = $2`,
		tenantID, name)
	if err != nil {
		return fmt.Errorf("store: deactivate prompts: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE prompt_revisions SET is_active = TRUE WHERE tenant_id = $1 AND id = $2`,
		tenantID, revisionID)
	if err != nil {
		return fmt.Errorf("store: activate prompt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) ActiveSkills(ctx context.Context, tenantID string) ([]SkillRevision, error) {
	var revs []SkillRevision
	err := s.db.SelectContext(ctx, &revs,
		`SELECT id, tenant_id, skill_id, revision, content, is_active, created_at
		 FROM skill_revisions WHERE tenant_id = $1 AND is_active = TRUE
		 ORDER BY skill_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: active skills: %w", err)
	}
	return revs, nil
}

func (s *SQL) ProposeSkill(ctx context.Context, tenantID, skillID, content string) (SkillRevision, error) {
	var rev SkillRevision
	err := s.db.GetContext(ctx, &rev,
		`INSERT INTO skill_revisions (tenant_id, skill_id, revision, content, is_active)
		 SELECT $1, $2, COALESCE(MAX(revision), 0) + 1, $3, FALSE
		 FROM skill_revisions WHERE tenant_id = $1 AND skill_id = $2
		 RETURNING id, tenant_id, skill_id, revision, content, is_active, created_at`,
		tenantID, skillID, content)
	if err != nil {
		return SkillRevision{}, fmt.Errorf("store: propose skill: %w", err)
	}
	return rev, nil
}

func (s *SQL) ActivateSkill(ctx context.Context, tenantID, skillID string, revisionID int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return activateSkillTx(ctx, tx, tenantID, skillID, revisionID)
	})
}

func activateSkillTx(ctx context.Context, tx *sqlx.Tx, tenantID, skillID string, revisionID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE skill_revisions SET is_active = FALSE WHERE tenant_id = $1 AND skill_id = $2`,
		tenantID, skillID)
	if err != nil {
		return fmt.Errorf("store: deactivate skills: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE skill_revisions SET is_active = TRUE WHERE tenant_id = $1 AND id = $2`,
		tenantID, revisionID)
	if err != nil {
		return fmt.Errorf("store: activate skill: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivateRevisionSet activates a batch of proposed prompt and skill
// revisions atomically, used when seeding assistant defaults.
func (s *SQL) ActivateRevisionSet(ctx context.Context, tenantID string, prompts map[string]int64, skills map[string]int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for name, id := range prompts {
			if err := activatePromptTx(ctx, tx, tenantID, name, id); err != nil {
				return err
			}
		}
		for skillID, id := range skills {
			if err := activateSkillTx(ctx, tx, tenantID, skillID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ProjectionDelta is the state change an event implies, applied in the same
// transaction as the event append.
type ProjectionDelta struct {
	ActualState string
	LastError   *string
	ClearError  bool
	SyncStatus  bool
}

// AppendEvent writes an event row and, when delta is non-nil, folds the
// implied state change into tenant_runtime and tenants atomically.
func (s *SQL) AppendEvent(ctx context.Context, tenantID, eventType string, payload json.RawMessage, delta *ProjectionDelta) (RuntimeEvent, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var ev RuntimeEvent
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &ev,
			`INSERT INTO runtime_events (tenant_id, type, payload_json)
			 VALUES ($1, $2, $3)
			 RETURNING id, tenant_id, type, payload_json, created_at`,
			tenantID, eventType, []byte(payload))
		if err != nil {
			return fmt.Errorf("store: append event: %w", err)
		}
		if delta == nil {
			return nil
		}
		sets := []string{"actual_state = $2", "last_heartbeat = now()"}
		args := []any{tenantID, delta.ActualState}
		if delta.LastError != nil {
			args = append(args, *delta.LastError)
			sets = append(sets, fmt.Sprintf("last_error = $%d", len(args)))
		} else if delta.ClearError {
			sets = append(sets, "last_error = NULL")
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE tenant_runtime SET `+strings.Join(sets, ", ")+` WHERE tenant_id = $1`,
			args...)
		if err != nil {
			return fmt.Errorf("store: project event: %w", err)
		}
		if delta.SyncStatus {
			_, err = tx.ExecContext(ctx,
				`UPDATE tenants SET status = $2, updated_at = now() WHERE id = $1`,
				tenantID, delta.ActualState)
			if err != nil {
				return fmt.Errorf("store: project status: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return RuntimeEvent{}, err
	}
	return ev, nil
}

// RecentEvents returns up to limit events, newest first, optionally filtered
// by type.
func (s *SQL) RecentEvents(ctx context.Context, tenantID string, limit int, types []string) ([]RuntimeEvent, error) {
	query := `SELECT id, tenant_id, type, payload_json, created_at
	          FROM runtime_events WHERE tenant_id = ?`
	args := []any{tenantID}
	if len(types) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND type IN (?)`, tenantID, types)
		if err != nil {
			return nil, fmt.Errorf("store: recent events: %w", err)
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var evs []RuntimeEvent
	if err := s.db.SelectContext(ctx, &evs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("store: recent events: %w", err)
	}
	return evs, nil
}

// RecordAdminAction appends an audit row. Failures here never block the
// action being audited.
func (s *SQL) RecordAdminAction(ctx context.Context, actorUserID *int64, tenantID *string, action string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_actions (actor_user_id, tenant_id, action, payload_json)
		 VALUES ($1, $2, $3, $4)`,
		actorUserID, tenantID, action, []byte(payload))
	if err != nil {
		return fmt.Errorf("store: record admin action: %w", err)
	}
	return nil
}
