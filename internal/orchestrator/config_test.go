package orchestrator

import (
	"context"
	"net/http"
	"testing"

	"github.com/flopro/nexus/internal/runnerclient"
)

func TestGetConfig(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)

	cfg, err := env.o.GetConfig(context.Background(), 1, tenant.ID)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if cfg.Revision != 1 {
		t.Fatalf("revision = %d, want 1", cfg.Revision)
	}
	if cfg.Env[openRouterKeyName] != "sk-or-test" {
		t.Fatalf("env = %v", cfg.Env)
	}
}

func TestPatchConfigNoOp(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)
	before := env.runner.callCount("apply_config")

	cfg, err := env.o.PatchConfig(context.Background(), 1, tenant.ID,
		map[string]string{openRouterKeyName: "sk-or-test"}, nil)
	if err != nil {
		t.Fatalf("PatchConfig: %v", err)
	}
	if cfg.Revision != 1 {
		t.Fatalf("revision = %d, want unchanged 1", cfg.Revision)
	}
	if env.runner.callCount("apply_config") != before {
		t.Fatal("no-op patch must not call the runner")
	}
}

func TestPatchConfigProposeApplyActivate(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)

	cfg, err := env.o.PatchConfig(context.Background(), 1, tenant.ID,
		map[string]string{"NEXUS_FEATURE_FLAG": "on"}, []string{"NEXUS_CLI_ENABLED"})
	if err != nil {
		t.Fatalf("PatchConfig: %v", err)
	}
	if cfg.Revision != 2 {
		t.Fatalf("revision = %d, want 2", cfg.Revision)
	}
	if cfg.Env["NEXUS_FEATURE_FLAG"] != "on" {
		t.Fatalf("env = %v", cfg.Env)
	}
	if _, removed := cfg.Env["NEXUS_CLI_ENABLED"]; removed {
		t.Fatal("removed key survived the patch")
	}

	applied := env.runner.applied[len(env.runner.applied)-1]
	if applied.ConfigRevision == nil || *applied.ConfigRevision != 2 {
		t.Fatalf("applied config_revision = %v, want 2", applied.ConfigRevision)
	}
	if applied.Env["NEXUS_FEATURE_FLAG"] != "on" {
		t.Fatalf("applied env = %v", applied.Env)
	}
	if len(applied.Prompts) == 0 || len(applied.Skills) == 0 {
		t.Fatal("apply payload must carry the active prompts and skills")
	}

	active, err := env.st.ActiveConfig(context.Background(), tenant.ID)
	if err != nil {
		t.Fatalf("ActiveConfig: %v", err)
	}
	if active.Revision != 2 {
		t.Fatalf("active revision = %d, want 2", active.Revision)
	}
	if !env.bus.has("config.applied") {
		t.Fatalf("events = %v, want config.applied", env.bus.typesEmitted())
	}
}

func TestPatchConfigRunnerFailureLeavesRevisionInactive(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)
	env.runner.errs["apply_config"] = &runnerclient.Error{
		Code: "invalid_config_item", StatusCode: http.StatusBadRequest, Message: "bad name",
	}

	_, err := env.o.PatchConfig(context.Background(), 1, tenant.ID,
		map[string]string{"BAD": "value"}, nil)
	oerr := asOpErr(t, err)
	if oerr.Code != "invalid_config_item" || oerr.Status != http.StatusBadRequest {
		t.Fatalf("got %d %s", oerr.Status, oerr.Code)
	}

	active, aerr := env.st.ActiveConfig(context.Background(), tenant.ID)
	if aerr != nil {
		t.Fatalf("ActiveConfig: %v", aerr)
	}
	if active.Revision != 1 {
		t.Fatalf("active revision = %d, want 1 after a failed apply", active.Revision)
	}
}

func TestPutPrompt(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)

	prompt, err := env.o.PutPrompt(context.Background(), 1, tenant.ID, "SOUL", "Be kind.")
	if err != nil {
		t.Fatalf("PutPrompt: %v", err)
	}
	if prompt.Revision != 2 {
		t.Fatalf("revision = %d, want 2", prompt.Revision)
	}

	applied := env.runner.applied[len(env.runner.applied)-1]
	if applied.ConfigRevision != nil {
		t.Fatalf("config_revision = %v, want nil for prompt updates", applied.ConfigRevision)
	}
	found := false
	for _, item := range applied.Prompts {
		if item.Name == "SOUL" && item.Content == "Be kind." {
			found = true
		}
	}
	if !found {
		t.Fatalf("applied prompts missing overlay: %v", applied.Prompts)
	}

	prompts, err := env.o.ListPrompts(context.Background(), 1, tenant.ID)
	if err != nil {
		t.Fatalf("ListPrompts: %v", err)
	}
	for _, p := range prompts {
		if p.Name == "SOUL" && p.Content != "Be kind." {
			t.Fatalf("active SOUL content = %q", p.Content)
		}
	}
}

func TestPutPromptNewName(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)

	prompt, err := env.o.PutPrompt(context.Background(), 1, tenant.ID, "NOTES", "Remember birthdays.")
	if err != nil {
		t.Fatalf("PutPrompt: %v", err)
	}
	if prompt.Revision != 1 {
		t.Fatalf("revision = %d, want 1 for a new prompt", prompt.Revision)
	}
	applied := env.runner.applied[len(env.runner.applied)-1]
	found := false
	for _, item := range applied.Prompts {
		if item.Name == "NOTES" {
			found = true
		}
	}
	if !found {
		t.Fatalf("new prompt missing from apply payload: %v", applied.Prompts)
	}
}

func TestPutSkill(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)

	skill, err := env.o.PutSkill(context.Background(), 1, tenant.ID, "google_workspace", "Draft replies only.")
	if err != nil {
		t.Fatalf("PutSkill: %v", err)
	}
	if skill.Revision != 2 {
		t.Fatalf("revision = %d, want 2", skill.Revision)
	}

	skills, err := env.o.ListSkills(context.Background(), 1, tenant.ID)
	if err != nil {
		t.Fatalf("ListSkills: %v", err)
	}
	if len(skills) != 1 || skills[0].Content != "Draft replies only." {
		t.Fatalf("skills = %v", skills)
	}
}

func TestPutSkillRunnerFailureLeavesRevisionInactive(t *testing.T) {
	env := newTestEnv(t, testImage)
	tenant := mustSetup(t, env, 1)
	env.runner.errs["apply_config"] = &runnerclient.Error{
		Code: "docker_unavailable", StatusCode: http.StatusServiceUnavailable, Message: "daemon down",
	}

	_, err := env.o.PutSkill(context.Background(), 1, tenant.ID, "google_workspace", "changed")
	asOpErr(t, err)

	skills, lerr := env.o.ListSkills(context.Background(), 1, tenant.ID)
	if lerr != nil {
		t.Fatalf("ListSkills: %v", lerr)
	}
	if len(skills) != 1 || skills[0].Revision != 1 {
		t.Fatalf("skills = %v, want revision 1 still active", skills)
	}
}
