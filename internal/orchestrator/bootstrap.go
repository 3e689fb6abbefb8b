package orchestrator

import (
	"context"
	"net/http"
	"sort"

	"github.com/flopro/nexus/internal/assistant"
	"github.com/flopro/nexus/internal/runnerclient"
	"github.com/flopro/nexus/internal/store"
)

// BootstrapResult reports what an assistant bootstrap did.
type BootstrapResult struct {
	TenantID         string `json:"tenant_id"`
	Applied          bool   `json:"applied"`
	Version          string `json:"version"`
	RestartedRuntime bool   `json:"restarted_runtime"`
	Reason           string `json:"reason"`
}

func isRunningState(actual string) bool {
	return actual == store.StatusRunning ||
		actual == store.StatusPendingPairing ||
		actual == store.StatusProvisioning
}

// AssistantBootstrap reconciles the tenant's managed prompts and skills with
// the current defaults. Scaffold or missing content is replaced; a defaults
// version bump replaces every managed document. User-edited content is only
// touched on a version bump.
func (o *Orchestrator) AssistantBootstrap(ctx context.Context, userID int64, tenantID string) (BootstrapResult, error) {
	if _, err := o.tenantForOwner(ctx, tenantID, userID); err != nil {
		return BootstrapResult{}, err
	}
	rt, err := o.runtime(ctx, tenantID)
	if err != nil {
		return BootstrapResult{}, err
	}

	prompts, err := o.st.ActivePrompts(ctx, tenantID)
	if err != nil {
		return BootstrapResult{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	skills, err := o.st.ActiveSkills(ctx, tenantID)
	if err != nil {
		return BootstrapResult{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	promptByName := make(map[string]store.PromptRevision, len(prompts))
	for _, p := range prompts {
		promptByName[p.Name] = p
	}
	skillByID := make(map[string]store.SkillRevision, len(skills))
	for _, s := range skills {
		skillByID[s.SkillID] = s
	}

	secrets, err := o.loadSecrets(ctx, tenantID)
	if err != nil {
		return BootstrapResult{}, err
	}
	previousVersion, _ := secrets[secretKeyDefaultsVersion].(string)
	versionChanged := previousVersion != assistant.DefaultsVersion

	promptUpdates := map[string]string{}
	for name, content := range assistant.PromptDefaults {
		if versionChanged {
			promptUpdates[name] = content
			continue
		}
		current, ok := promptByName[name]
		if !ok || assistant.PromptNeedsDefault(name, current.Content) {
			promptUpdates[name] = content
		}
	}
	skillUpdates := map[string]string{}
	for skillID, content := range assistant.SkillDefaults {
		if versionChanged {
			skillUpdates[skillID] = content
			continue
		}
		current, ok := skillByID[skillID]
		if !ok || assistant.SkillNeedsDefault(skillID, current.Content) {
			skillUpdates[skillID] = content
		}
	}

	if len(promptUpdates) == 0 && len(skillUpdates) == 0 {
		if versionChanged {
			secrets[secretKeyDefaultsVersion] = assistant.DefaultsVersion
			if err := o.saveSecrets(ctx, tenantID, secrets); err != nil {
				return BootstrapResult{}, err
			}
		}
		return BootstrapResult{
			TenantID: tenantID,
			Applied:  false,
			Version:  assistant.DefaultsVersion,
			Reason:   "already_bootstrapped",
		}, nil
	}

	// Merge updates over the current active content for the runner payload.
	mergedPrompts := map[string]string{}
	for _, p := range prompts {
		mergedPrompts[p.Name] = p.Content
	}
	for name, content := range promptUpdates {
		mergedPrompts[name] = content
	}
	mergedSkills := map[string]string{}
	for _, s := range skills {
		mergedSkills[s.SkillID] = s.Content
	}
	for skillID, content := range skillUpdates {
		mergedSkills[skillID] = content
	}

	env := store.EnvMap{}
	var configRevision *int
	if active, err := o.activeConfig(ctx, tenantID); err == nil {
		env = active.Env
		configRevision = &active.Revision
	}

	pendingPrompts := map[string]int64{}
	for name, content := range promptUpdates {
		proposed, err := o.st.ProposePrompt(ctx, tenantID, name, content)
		if err != nil {
			return BootstrapResult{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
		}
		pendingPrompts[name] = proposed.ID
	}
	pendingSkills := map[string]int64{}
	for skillID, content := range skillUpdates {
		proposed, err := o.st.ProposeSkill(ctx, tenantID, skillID, content)
		if err != nil {
			return BootstrapResult{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
		}
		pendingSkills[skillID] = proposed.ID
	}

	restarted := isRunningState(rt.ActualState)
	if err := o.runnerCall(ctx, tenantID, "assistant_bootstrap_apply_config", func() error {
		return o.runner.ApplyConfig(ctx, tenantID, runnerclient.ApplyConfigRequest{
			Env:            env,
			Prompts:        toPromptItems(mergedPrompts),
			Skills:         toSkillItems(mergedSkills),
			ConfigRevision: configRevision,
		})
	}); err != nil {
		return BootstrapResult{}, err
	}

	if err := o.st.ActivateRevisionSet(ctx, tenantID, pendingPrompts, pendingSkills); err != nil {
		return BootstrapResult{}, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	secrets[secretKeyDefaultsVersion] = assistant.DefaultsVersion
	if err := o.saveSecrets(ctx, tenantID, secrets); err != nil {
		return BootstrapResult{}, err
	}

	o.emit(ctx, tenantID, "assistant.bootstrap.applied", map[string]any{
		"version":           assistant.DefaultsVersion,
		"restarted_runtime": restarted,
		"prompts":           sortedKeys(promptUpdates),
		"skills":            sortedKeys(skillUpdates),
	})
	o.audit(ctx, userID, tenantID, "assistant.bootstrap", map[string]any{
		"version": assistant.DefaultsVersion,
		"prompts": sortedKeys(promptUpdates),
		"skills":  sortedKeys(skillUpdates),
	})
	return BootstrapResult{
		TenantID:         tenantID,
		Applied:          true,
		Version:          assistant.DefaultsVersion,
		RestartedRuntime: restarted,
		Reason:           "applied_defaults",
	}, nil
}

func toPromptItems(m map[string]string) []runnerclient.PromptItem {
	items := make([]runnerclient.PromptItem, 0, len(m))
	for _, name := range sortedKeys(m) {
		items = append(items, runnerclient.PromptItem{Name: name, Content: m[name]})
	}
	return items
}

func toSkillItems(m map[string]string) []runnerclient.SkillItem {
	items := make([]runnerclient.SkillItem, 0, len(m))
	for _, skillID := range sortedKeys(m) {
		items = append(items, runnerclient.SkillItem{SkillID: skillID, Content: m[skillID]})
	}
	return items
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
