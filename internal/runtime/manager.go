// Package runtime materializes tenant runtimes on the runner host: on-disk
// layout, compose rendering, container-engine invocation and session-volume
// recreation.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flopro/nexus/internal/config"
	"github.com/flopro/nexus/internal/logging"
)

var (
	tenantIDRe    = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,63}$`)
	configItemRe  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
	runtimeNameRe = regexp.MustCompile(`^tenant_([a-z0-9_-]+)_runtime$`)
)

const (
	legacyConfigROMount = ":/data/config:ro"
	configRWMount       = ":/data/config"
	sessionMountPath    = "/data/session"
)

// Images still carrying scaffold markers are refused before anything tries
// to pull them.
var imagePlaceholders = []string{"replace_with", "your-org", "<org>"}

// Registry error fragments that mean the image reference itself is bad
// rather than the daemon misbehaving.
var imageMissingMarkers = []string{
	"manifest unknown", "not found", "name unknown", "pull access denied", "unauthorized",
}

// PromptFile and SkillFile are the named documents written under a
// tenant's config directory.
type PromptFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type SkillFile struct {
	SkillID string `json:"skill_id"`
	Content string `json:"content"`
}

// Manager owns one host's tenant directories and drives the container
// engine for them.
type Manager struct {
	cfg    *config.Runner
	engine Engine
	cmd    CommandRunner
	log    *logging.Logger
}

// NewManager wires a Manager over the given engine and CLI runner.
func NewManager(cfg *config.Runner, engine Engine, cmd CommandRunner, log *logging.Logger) *Manager {
	return &Manager{cfg: cfg, engine: engine, cmd: cmd, log: log}
}

// ValidateTenantID rejects identifiers that could escape the tenant root
// or collide with container naming.
func (m *Manager) ValidateTenantID(tenantID string) error {
	if !tenantIDRe.MatchString(tenantID) {
		return errf(CodeInvalidTenantID, "invalid tenant_id: %s", tenantID)
	}
	return nil
}

// TenantDir resolves a tenant's directory and refuses anything that
// escapes the configured root.
func (m *Manager) TenantDir(tenantID string) (string, error) {
	if err := m.ValidateTenantID(tenantID); err != nil {
		return "", err
	}
	root, err := filepath.Abs(m.cfg.TenantRoot)
	if err != nil {
		return "", errf(CodeInvalidTenantPath, "resolve tenant root: %v", err)
	}
	dir := filepath.Clean(filepath.Join(root, tenantID))
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errf(CodeInvalidTenantPath, "tenant path escaped root: %s", dir)
	}
	return dir, nil
}

func (m *Manager) configDir(tenantID string) (string, error) {
	dir, err := m.TenantDir(tenantID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config"), nil
}

// ComposeFile returns the tenant's compose file path.
func (m *Manager) ComposeFile(tenantID string) (string, error) {
	dir, err := m.TenantDir(tenantID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "docker-compose.yml"), nil
}

// RuntimeEnvFile returns the tenant's runtime env file path.
func (m *Manager) RuntimeEnvFile(tenantID string) (string, error) {
	dir, err := m.TenantDir(tenantID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "env", "runtime.env"), nil
}

// ContainerName is the tenant's runtime container name.
func ContainerName(tenantID string) string {
	return "tenant_" + tenantID + "_runtime"
}

// SessionVolumeName is the unprefixed session volume name; compose adds
// the project prefix when it creates the volume.
func SessionVolumeName(tenantID string) string {
	return "tenant_" + tenantID + "_session"
}

// BridgeWSURL is where the tenant's in-container bridge listens.
func (m *Manager) BridgeWSURL(tenantID string) (string, error) {
	if err := m.ValidateTenantID(tenantID); err != nil {
		return "", err
	}
	return fmt.Sprintf("ws://%s:%d", ContainerName(tenantID), m.cfg.BridgePort), nil
}

// EnsureLayout creates the tenant's directory skeleton.
func (m *Manager) EnsureLayout(tenantID string) error {
	dir, err := m.TenantDir(tenantID)
	if err != nil {
		return err
	}
	for _, sub := range []string{
		filepath.Join(dir, "env"),
		filepath.Join(dir, "config", "prompts"),
		filepath.Join(dir, "config", "skills"),
	} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("ensure layout: %w", err)
		}
	}
	return nil
}

func (m *Manager) validateLayout(tenantID string, requireExisting bool) (string, error) {
	dir, err := m.TenantDir(tenantID)
	if err != nil {
		return "", err
	}
	composePath := filepath.Join(dir, "docker-compose.yml")
	if requireExisting {
		if _, err := os.Stat(dir); err != nil {
			return "", errf(CodeTenantNotFound, "tenant directory not found: %s", dir)
		}
		if _, err := os.Stat(composePath); err != nil {
			return "", errf(CodeComposeMissing, "compose file not found: %s", composePath)
		}
	}
	return composePath, nil
}

// WriteCompose renders the tenant's compose file from the template.
func (m *Manager) WriteCompose(tenantID, image string) error {
	if err := m.EnsureLayout(tenantID); err != nil {
		return err
	}
	tpl, err := resolveTemplate(m.cfg.TemplateComposePath, "tenant-compose.yml.tmpl")
	if err != nil {
		return err
	}
	rendered := renderTemplate(tpl, map[string]string{
		"TENANT_ID":      tenantID,
		"NEXUS_IMAGE":    image,
		"BRIDGE_PORT":    fmt.Sprintf("%d", m.cfg.BridgePort),
		"TENANT_NETWORK": m.cfg.TenantNetwork,
	})
	// Catch a broken override template before docker compose chokes on it.
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(rendered), &doc); err != nil {
		return errf(CodeTemplateMissing, "compose template rendered invalid yaml: %v", err)
	}
	path, err := m.ComposeFile(tenantID)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(rendered), 0o644)
}

// WriteRuntimeEnv merges defaults, the env template and caller values into
// the tenant's runtime env file. BRIDGE_SHARED_SECRET survives rewrites: if
// absent from the new values it is carried over from the existing file.
func (m *Manager) WriteRuntimeEnv(tenantID string, values map[string]string) error {
	if err := m.EnsureLayout(tenantID); err != nil {
		return err
	}

	secret := strings.TrimSpace(values["BRIDGE_SHARED_SECRET"])
	if secret == "" {
		if existing, err := m.ReadRuntimeEnv(tenantID); err == nil {
			secret = existing["BRIDGE_SHARED_SECRET"]
		}
	}

	merged := m.defaultRuntimeEnv()
	tpl, err := resolveTemplate(m.cfg.TemplateEnvPath, "runtime.env.tmpl")
	if err != nil {
		return err
	}
	for k, v := range parseEnv(renderTemplate(tpl, map[string]string{"BRIDGE_SHARED_SECRET": secret})) {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}
	if secret != "" {
		merged["BRIDGE_SHARED_SECRET"] = secret
	}

	path, err := m.RuntimeEnvFile(tenantID)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(serializeEnv(merged)), 0o600)
}

func (m *Manager) defaultRuntimeEnv() map[string]string {
	return map[string]string{
		"NEXUS_CLI_ENABLED":      "false",
		"NEXUS_CONFIG_DIR":       "/data/config",
		"NEXUS_DATA_DIR":         "/data/state",
		"NEXUS_PROMPTS_DIR":      "/data/config/prompts",
		"NEXUS_SKILLS_DIR":       "/data/config/skills",
		"NEXUS_BRIDGE_WS_URL":    "ws://0.0.0.0:8765",
		"NEXUS_BRIDGE_BIND_HOST": "0.0.0.0",
		"BRIDGE_HOST":            "0.0.0.0",
		"BRIDGE_PORT":            fmt.Sprintf("%d", m.cfg.BridgePort),
		"BRIDGE_QR_MODE":         "terminal",
		"BRIDGE_EXIT_ON_CONNECT": "0",
		"BRIDGE_SESSION_DIR":     "/data/session",
	}
}

// ReadRuntimeEnv parses the tenant's runtime env file. A missing file
// yields an empty map.
func (m *Manager) ReadRuntimeEnv(tenantID string) (map[string]string, error) {
	path, err := m.RuntimeEnvFile(tenantID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read runtime env: %w", err)
	}
	return parseEnv(string(data)), nil
}

// WriteConfigFiles converges the tenant's config directory onto the given
// sets: env.json is overwritten, and prompt/skill files absent from the
// new set are removed. Nil slices leave that section untouched.
func (m *Manager) WriteConfigFiles(tenantID string, env map[string]string, prompts []PromptFile, skills []SkillFile) error {
	if err := m.EnsureLayout(tenantID); err != nil {
		return err
	}
	cfgDir, err := m.configDir(tenantID)
	if err != nil {
		return err
	}

	if env != nil {
		data, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			return fmt.Errorf("encode env.json: %w", err)
		}
		if err := os.WriteFile(filepath.Join(cfgDir, "env.json"), data, 0o600); err != nil {
			return fmt.Errorf("write env.json: %w", err)
		}
	}

	if prompts != nil {
		names := make(map[string]string, len(prompts))
		for _, p := range prompts {
			name, err := safeConfigItem(p.Name, "prompt")
			if err != nil {
				return err
			}
			names[name] = p.Content
		}
		if err := convergeMarkdown(filepath.Join(cfgDir, "prompts"), names); err != nil {
			return err
		}
	}

	if skills != nil {
		names := make(map[string]string, len(skills))
		for _, s := range skills {
			name, err := safeConfigItem(s.SkillID, "skill")
			if err != nil {
				return err
			}
			names[name] = s.Content
		}
		if err := convergeMarkdown(filepath.Join(cfgDir, "skills"), names); err != nil {
			return err
		}
	}
	return nil
}

func safeConfigItem(value, field string) (string, error) {
	name := strings.TrimSpace(value)
	if !configItemRe.MatchString(name) {
		return "", errf(CodeInvalidConfigItem, "invalid %s identifier: %q", field, value)
	}
	return name, nil
}

// convergeMarkdown writes the wanted .md files and deletes the rest.
func convergeMarkdown(dir string, wanted map[string]string) error {
	for name, content := range wanted {
		if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s.md: %w", name, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	for _, entry := range entries {
		base, ok := strings.CutSuffix(entry.Name(), ".md")
		if !ok || entry.IsDir() {
			continue
		}
		if _, keep := wanted[base]; !keep {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}

// WriteGoogleToken stores the tenant's Google token file where the
// runtime mounts it.
func (m *Manager) WriteGoogleToken(tenantID string, tokenJSON json.RawMessage) error {
	cfgDir, err := m.configDir(tenantID)
	if err != nil {
		return err
	}
	dir := filepath.Join(cfgDir, "google")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ensure google dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "token.json"), tokenJSON, 0o600)
}

// RemoveGoogleToken deletes the token file; already-gone is fine.
func (m *Manager) RemoveGoogleToken(tenantID string) error {
	cfgDir, err := m.configDir(tenantID)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(cfgDir, "google", "token.json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove google token: %w", err)
	}
	return nil
}

// ValidateImage rejects placeholder references, then checks the image is
// locally present or at least resolvable in its registry.
func (m *Manager) ValidateImage(ctx context.Context, image string) error {
	trimmed := strings.TrimSpace(image)
	lowered := strings.ToLower(trimmed)
	if trimmed == "" {
		return errf(CodeImageInvalid, "image reference is empty")
	}
	for _, marker := range imagePlaceholders {
		if strings.Contains(lowered, marker) {
			return errf(CodeImageInvalid, "image reference %q still carries placeholder %q", image, marker)
		}
	}

	present, err := m.engine.ImagePresent(ctx, trimmed)
	if err != nil {
		return errf(CodeDockerUnavailable, "image inspect failed: %v", err)
	}
	if present {
		return nil
	}

	out, err := m.cmd.Run(ctx, "docker", "manifest", "inspect", trimmed)
	if err == nil {
		return nil
	}
	probe := strings.ToLower(out + " " + err.Error())
	for _, marker := range imageMissingMarkers {
		if strings.Contains(probe, marker) {
			return errf(CodeImageInvalid, "image %q not resolvable: %s", image, marker)
		}
	}
	return err
}

func (m *Manager) compose(ctx context.Context, composePath string, args ...string) error {
	full := append([]string{"docker", "compose", "-f", composePath}, args...)
	_, err := m.cmd.Run(ctx, full...)
	return err
}

// ComposeUp launches the tenant's composition. If image is given it is
// validated first.
func (m *Manager) ComposeUp(ctx context.Context, tenantID, image string) error {
	composePath, err := m.validateLayout(tenantID, false)
	if err != nil {
		return err
	}
	if image != "" {
		if err := m.ValidateImage(ctx, image); err != nil {
			return err
		}
	}
	return m.compose(ctx, composePath, "up", "-d")
}

// ComposeStart starts an existing tenant. Legacy read-only config mounts
// are migrated in place, and a given image replaces the compose file's
// image line before bringing the composition up.
func (m *Manager) ComposeStart(ctx context.Context, tenantID, image string) error {
	composePath, err := m.validateLayout(tenantID, true)
	if err != nil {
		return err
	}
	migrated, err := m.migrateLegacyConfigMount(composePath)
	if err != nil {
		return err
	}
	if migrated {
		m.log.Info("migrated legacy config mount to read-write", "tenant_id", tenantID)
	}
	if image != "" {
		if err := m.ValidateImage(ctx, image); err != nil {
			return err
		}
		if err := rewriteComposeImage(composePath, image); err != nil {
			return err
		}
	}
	return m.compose(ctx, composePath, "up", "-d")
}

// ComposeRestart restarts the tenant; with an image it converges the
// compose file and recreates via up -d instead.
func (m *Manager) ComposeRestart(ctx context.Context, tenantID, image string) error {
	composePath, err := m.validateLayout(tenantID, true)
	if err != nil {
		return err
	}
	if image != "" {
		if err := m.ValidateImage(ctx, image); err != nil {
			return err
		}
		if _, err := m.migrateLegacyConfigMount(composePath); err != nil {
			return err
		}
		if err := rewriteComposeImage(composePath, image); err != nil {
			return err
		}
		return m.compose(ctx, composePath, "up", "-d")
	}
	return m.compose(ctx, composePath, "restart")
}

// ComposeStop stops the tenant's containers without removing them.
func (m *Manager) ComposeStop(ctx context.Context, tenantID string) error {
	composePath, err := m.validateLayout(tenantID, true)
	if err != nil {
		return err
	}
	return m.compose(ctx, composePath, "stop")
}

// ComposeDown tears the composition down, optionally with its volumes.
func (m *Manager) ComposeDown(ctx context.Context, tenantID string, removeVolumes bool) error {
	composePath, err := m.validateLayout(tenantID, true)
	if err != nil {
		return err
	}
	args := []string{"down"}
	if removeVolumes {
		args = append(args, "-v")
	}
	return m.compose(ctx, composePath, args...)
}

// ClearSessionVolume destroys the in-container session state so the next
// start pairs fresh: find the volume mounted at /data/session, force-remove
// the runtime container, then remove the volume.
func (m *Manager) ClearSessionVolume(ctx context.Context, tenantID string) error {
	if _, err := m.validateLayout(tenantID, true); err != nil {
		return err
	}
	name := ContainerName(tenantID)

	volume := ""
	mounts, err := m.engine.ContainerMounts(ctx, name)
	switch {
	case err == nil:
		for _, mnt := range mounts {
			if mnt.Destination == sessionMountPath && mnt.Name != "" {
				volume = mnt.Name
				break
			}
		}
	case isNoSuchContainer(err):
		// Container already gone; probe the names compose would have used.
		for _, candidate := range []string{
			tenantID + "_" + SessionVolumeName(tenantID),
			SessionVolumeName(tenantID),
		} {
			if _, verr := m.cmd.Run(ctx, "docker", "volume", "inspect", candidate); verr == nil {
				volume = candidate
				break
			}
		}
	default:
		return errf(CodeDockerCommandFailed, "inspect %s: %v", name, err)
	}

	if err := m.engine.RemoveContainer(ctx, name); err != nil && !isNoSuchContainer(err) {
		return errf(CodeDockerCommandFailed, "remove %s: %v", name, err)
	}

	if volume == "" {
		return nil
	}
	out, err := m.cmd.Run(ctx, "docker", "volume", "rm", volume)
	if err != nil && !strings.Contains(strings.ToLower(out+" "+err.Error()), "no such volume") {
		return err
	}
	return nil
}

// IsRunning reports whether the tenant's runtime container is up, with the
// engine's status text.
func (m *Manager) IsRunning(ctx context.Context, tenantID string) (bool, string, error) {
	if err := m.ValidateTenantID(tenantID); err != nil {
		return false, "", err
	}
	name := ContainerName(tenantID)
	states, err := m.engine.Containers(ctx, name)
	if err != nil {
		return false, "", errf(CodeDockerUnavailable, "container list failed: %v", err)
	}
	for _, st := range states {
		if st.Name == name {
			return true, st.Status, nil
		}
	}
	return false, "not running", nil
}

// ListRunningTenantIDs extracts tenant ids from running runtime container
// names.
func (m *Manager) ListRunningTenantIDs(ctx context.Context) ([]string, error) {
	states, err := m.engine.Containers(ctx, "")
	if err != nil {
		return nil, errf(CodeDockerUnavailable, "container list failed: %v", err)
	}
	seen := make(map[string]bool)
	for _, st := range states {
		match := runtimeNameRe.FindStringSubmatch(st.Name)
		if match == nil || !tenantIDRe.MatchString(match[1]) {
			continue
		}
		seen[match[1]] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DockerAvailable reports daemon reachability and a short status text.
func (m *Manager) DockerAvailable(ctx context.Context) (bool, string) {
	out, err := m.cmd.Run(ctx, "docker", "info", "--format", "{{.ServerVersion}}")
	if err != nil {
		return false, err.Error()
	}
	if out == "" {
		return true, "ok"
	}
	return true, out
}

// DeleteTenantFiles removes the tenant's directory tree. Paths that
// resolve to nothing sensible are refused.
func (m *Manager) DeleteTenantFiles(tenantID string) error {
	dir, err := m.TenantDir(tenantID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if trimmed := strings.TrimSpace(dir); trimmed == "" || trimmed == "/" {
		return errf(CodeUnsafePath, "refusing to delete unsafe path")
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete tenant files: %w", err)
	}
	return nil
}

// migrateLegacyConfigMount rewrites an old read-only /data/config bind to
// read-write so prompt updates land without a recreate.
func (m *Manager) migrateLegacyConfigMount(composePath string) (bool, error) {
	data, err := os.ReadFile(composePath)
	if err != nil {
		return false, errf(CodeComposeMissing, "read compose file: %v", err)
	}
	original := string(data)
	if !strings.Contains(original, legacyConfigROMount) {
		return false, nil
	}
	updated := strings.ReplaceAll(original, legacyConfigROMount, configRWMount)
	if err := os.WriteFile(composePath, []byte(updated), 0o644); err != nil {
		return false, fmt.Errorf("write compose file: %w", err)
	}
	return true, nil
}

// rewriteComposeImage swaps the image reference on the compose file's
// image: line, keeping the line's indentation. The rendered file has a
// single service, so the first image line is the one.
func rewriteComposeImage(composePath, image string) error {
	data, err := os.ReadFile(composePath)
	if err != nil {
		return errf(CodeComposeMissing, "read compose file: %v", err)
	}
	lines := strings.Split(string(data), "\n")
	changed := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "image:") {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		lines[i] = indent + "image: " + image
		changed = true
		break
	}
	if !changed {
		return nil
	}
	return os.WriteFile(composePath, []byte(strings.Join(lines, "\n")), 0o644)
}

func isNoSuchContainer(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such container")
}
