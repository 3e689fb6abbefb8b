package orchestrator

import (
	"context"
	"errors"
	"net/http"

	"github.com/flopro/nexus/internal/runnerclient"
	"github.com/flopro/nexus/internal/store"
)

// Config is the active env revision returned to the dashboard.
type Config struct {
	TenantID string       `json:"tenant_id"`
	Revision int          `json:"revision"`
	Env      store.EnvMap `json:"env_json"`
}

// Prompt and Skill are active revision views.
type Prompt struct {
	Name     string `json:"name"`
	Revision int    `json:"revision"`
	Content  string `json:"content"`
}

type Skill struct {
	SkillID  string `json:"skill_id"`
	Revision int    `json:"revision"`
	Content  string `json:"content"`
}

func (o *Orchestrator) activeConfig(ctx context.Context, tenantID string) (store.ConfigRevision, error) {
	active, err := o.st.ActiveConfig(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ConfigRevision{}, opErr(http.StatusNotFound, "config_not_found", "Active config not found")
	}
	if err != nil {
		return store.ConfigRevision{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	return active, nil
}

func promptItems(revs []store.PromptRevision) []runnerclient.PromptItem {
	items := make([]runnerclient.PromptItem, 0, len(revs))
	for _, r := range revs {
		items = append(items, runnerclient.PromptItem{Name: r.Name, Content: r.Content})
	}
	return items
}

func skillItems(revs []store.SkillRevision) []runnerclient.SkillItem {
	items := make([]runnerclient.SkillItem, 0, len(revs))
	for _, r := range revs {
		items = append(items, runnerclient.SkillItem{SkillID: r.SkillID, Content: r.Content})
	}
	return items
}

// GetConfig returns the active config revision.
func (o *Orchestrator) GetConfig(ctx context.Context, userID int64, tenantID string) (Config, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return Config{}, err
	}
	active, err := o.activeConfig(ctx, tenantID)
	if err != nil {
		return Config{}, err
	}
	return Config{TenantID: tenantID, Revision: active.Revision, Env: active.Env}, nil
}

// PatchConfig merges values into the active env, removes removeKeys, and
// runs the propose / apply / activate sequence. A patch that changes
// nothing returns the active revision without touching the runner.
func (o *Orchestrator) PatchConfig(ctx context.Context, userID int64, tenantID string, values map[string]string, removeKeys []string) (Config, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return Config{}, err
	}
	active, err := o.activeConfig(ctx, tenantID)
	if err != nil {
		return Config{}, err
	}

	merged := active.Env.Clone()
	for k, v := range values {
		merged[k] = v
	}
	for _, k := range removeKeys {
		delete(merged, k)
	}
	if envEqual(merged, active.Env) {
		return Config{TenantID: tenantID, Revision: active.Revision, Env: active.Env}, nil
	}

	proposed, err := o.st.ProposeConfig(ctx, tenantID, merged)
	if err != nil {
		return Config{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}

	prompts, err := o.st.ActivePrompts(ctx, tenantID)
	if err != nil {
		return Config{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	skills, err := o.st.ActiveSkills(ctx, tenantID)
	if err != nil {
		return Config{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}

	if err := o.runnerCall(ctx, tenantID, "apply_config", func() error {
		return o.runner.ApplyConfig(ctx, tenantID, runnerclient.ApplyConfigRequest{
			Env:            merged,
			Prompts:        promptItems(prompts),
			Skills:         skillItems(skills),
			ConfigRevision: &proposed.Revision,
		})
	}); err != nil {
		return Config{}, err
	}

	if err := o.st.ActivateConfig(ctx, tenantID, proposed.ID); err != nil {
		return Config{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	o.emit(ctx, tenantID, "config.applied", map[string]int{"revision": proposed.Revision})
	o.audit(ctx, userID, tenantID, "config.patch", map[string]int{"revision": proposed.Revision})
	return Config{TenantID: tenantID, Revision: proposed.Revision, Env: merged}, nil
}

// ListPrompts returns the active prompt revisions, ordered by name.
func (o *Orchestrator) ListPrompts(ctx context.Context, userID int64, tenantID string) ([]Prompt, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return nil, err
	}
	revs, err := o.st.ActivePrompts(ctx, tenantID)
	if err != nil {
		return nil, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	out := make([]Prompt, 0, len(revs))
	for _, r := range revs {
		out = append(out, Prompt{Name: r.Name, Revision: r.Revision, Content: r.Content})
	}
	return out, nil
}

// PutPrompt proposes a new revision of one prompt, applies the full config
// to the runner and activates it.
func (o *Orchestrator) PutPrompt(ctx context.Context, userID int64, tenantID, name, content string) (Prompt, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return Prompt{}, err
	}
	proposed, err := o.st.ProposePrompt(ctx, tenantID, name, content)
	if err != nil {
		return Prompt{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}

	env := store.EnvMap{}
	if active, err := o.activeConfig(ctx, tenantID); err == nil {
		env = active.Env
	}
	prompts, err := o.st.ActivePrompts(ctx, tenantID)
	if err != nil {
		return Prompt{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	skills, err := o.st.ActiveSkills(ctx, tenantID)
	if err != nil {
		return Prompt{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	items := overlayPrompt(promptItems(prompts), name, content)

	if err := o.runnerCall(ctx, tenantID, "apply_config", func() error {
		return o.runner.ApplyConfig(ctx, tenantID, runnerclient.ApplyConfigRequest{
			Env:     env,
			Prompts: items,
			Skills:  skillItems(skills),
		})
	}); err != nil {
		return Prompt{}, err
	}

	if err := o.st.ActivatePrompt(ctx, tenantID, name, proposed.ID); err != nil {
		return Prompt{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	o.emit(ctx, tenantID, "config.applied", map[string]any{"prompt": name, "revision": proposed.Revision})
	o.audit(ctx, userID, tenantID, "prompt.put", map[string]any{"name": name, "revision": proposed.Revision})
	return Prompt{Name: name, Revision: proposed.Revision, Content: content}, nil
}

// ListSkills returns the active skill revisions, ordered by skill ID.
func (o *Orchestrator) ListSkills(ctx context.Context, userID int64, tenantID string) ([]Skill, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return nil, err
	}
	revs, err := o.st.ActiveSkills(ctx, tenantID)
	if err != nil {
		return nil, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	out := make([]Skill, 0, len(revs))
	for _, r := range revs {
		out = append(out, Skill{SkillID: r.SkillID, Revision: r.Revision, Content: r.Content})
	}
	return out, nil
}

// PutSkill proposes a new revision of one skill, applies and activates it.
func (o *Orchestrator) PutSkill(ctx context.Context, userID int64, tenantID, skillID, content string) (Skill, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return Skill{}, err
	}
	proposed, err := o.st.ProposeSkill(ctx, tenantID, skillID, content)
	if err != nil {
		return Skill{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}

	env := store.EnvMap{}
	if active, err := o.activeConfig(ctx, tenantID); err == nil {
		env = active.Env
	}
	prompts, err := o.st.ActivePrompts(ctx, tenantID)
	if err != nil {
		return Skill{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	skills, err := o.st.ActiveSkills(ctx, tenantID)
	if err != nil {
		return Skill{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	items := overlaySkill(skillItems(skills), skillID, content)

	if err := o.runnerCall(ctx, tenantID, "apply_config", func() error {
		return o.runner.ApplyConfig(ctx, tenantID, runnerclient.ApplyConfigRequest{
			Env:     env,
			Prompts: promptItems(prompts),
			Skills:  items,
		})
	}); err != nil {
		return Skill{}, err
	}

	if err := o.st.ActivateSkill(ctx, tenantID, skillID, proposed.ID); err != nil {
		return Skill{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	o.emit(ctx, tenantID, "config.applied", map[string]any{"skill_id": skillID, "revision": proposed.Revision})
	o.audit(ctx, userID, tenantID, "skill.put", map[string]any{"skill_id": skillID, "revision": proposed.Revision})
	return Skill{SkillID: skillID, Revision: proposed.Revision, Content: content}, nil
}

func overlayPrompt(items []runnerclient.PromptItem, name, content string) []runnerclient.PromptItem {
	for i, item := range items {
		if item.Name == name {
			items[i].Content = content
			return items
		}
	}
	return append(items, runnerclient.PromptItem{Name: name, Content: content})
}

func overlaySkill(items []runnerclient.SkillItem, skillID, content string) []runnerclient.SkillItem {
	for i, item := range items {
		if item.SkillID == skillID {
			items[i].Content = content
			return items
		}
	}
	return append(items, runnerclient.SkillItem{SkillID: skillID, Content: content})
}

func envEqual(a, b store.EnvMap) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
