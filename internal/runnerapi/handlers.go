package runnerapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/flopro/nexus/internal/runtime"
)

// provisionRequest mirrors the control plane's provision payload.
type provisionRequest struct {
	TenantID           string            `json:"tenant_id"`
	NexusImage         string            `json:"nexus_image"`
	RuntimeEnv         map[string]string `json:"runtime_env"`
	BridgeSharedSecret string            `json:"bridge_shared_secret"`
	Prompts            []promptItem      `json:"prompts"`
	Skills             []skillItem       `json:"skills"`
}

type promptItem struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type skillItem struct {
	SkillID string `json:"skill_id"`
	Content string `json:"content"`
}

type applyConfigRequest struct {
	Env            map[string]string `json:"env"`
	Prompts        []promptItem      `json:"prompts"`
	Skills         []skillItem       `json:"skills"`
	ConfigRevision *int              `json:"config_revision"`
}

// lifecycleRequest is the optional body of start, restart and pair endpoints.
type lifecycleRequest struct {
	NexusImage string `json:"nexus_image"`
}

type googleConnectRequest struct {
	TokenJSON json.RawMessage `json:"token_json"`
}

type healthResponse struct {
	TenantID         string     `json:"tenant_id"`
	ContainerRunning bool       `json:"container_running"`
	StatusText       string     `json:"status_text"`
	DockerAvailable  bool       `json:"docker_available"`
	DockerStatus     string     `json:"docker_status"`
	RedisAvailable   bool       `json:"redis_available"`
	ActiveMonitors   int        `json:"active_monitors"`
	LastReconcileAt  *time.Time `json:"last_reconcile_at"`
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req provisionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TenantID != tenantID {
		writeError(w, http.StatusBadRequest, "tenant_id_mismatch", "body tenant_id does not match URL")
		return
	}
	ctx := r.Context()
	if err := s.rt.ValidateTenantID(tenantID); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}

	image := req.NexusImage
	if image == "" {
		image = s.image
	}
	// Provision always converges prompts and skills, even to an empty set.
	if req.Prompts == nil {
		req.Prompts = []promptItem{}
	}
	if req.Skills == nil {
		req.Skills = []skillItem{}
	}
	env := make(map[string]string, len(req.RuntimeEnv)+1)
	for k, v := range req.RuntimeEnv {
		env[k] = v
	}
	env["BRIDGE_SHARED_SECRET"] = req.BridgeSharedSecret

	if err := s.rt.WriteCompose(tenantID, image); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	if err := s.rt.WriteRuntimeEnv(tenantID, env); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	if err := s.rt.WriteConfigFiles(tenantID, env, toPrompts(req.Prompts), toSkills(req.Skills)); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	if err := s.rt.ComposeUp(ctx, tenantID, image); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}

	s.monitors.Start(tenantID)
	s.pub.Publish(ctx, tenantID, "runtime.status", map[string]any{"state": "pending_pairing"})
	writeDetail(w, tenantID, "provisioned")
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, tenantID string) {
	ctx := r.Context()
	if err := s.rt.ComposeStart(ctx, tenantID, optionalImage(r)); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	s.monitors.Start(tenantID)
	s.pub.Publish(ctx, tenantID, "runtime.status", map[string]any{"state": "running"})
	writeDetail(w, tenantID, "started")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, tenantID string) {
	ctx := r.Context()
	if err := s.rt.ComposeStop(ctx, tenantID); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	s.pub.Publish(ctx, tenantID, "runtime.status", map[string]any{"state": "paused"})
	writeDetail(w, tenantID, "stopped")
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request, tenantID string) {
	ctx := r.Context()
	if err := s.rt.ComposeRestart(ctx, tenantID, optionalImage(r)); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	s.monitors.Start(tenantID)
	s.pub.Publish(ctx, tenantID, "runtime.status", map[string]any{"state": "running"})
	writeDetail(w, tenantID, "restarted")
}

func (s *Server) handlePairStart(w http.ResponseWriter, r *http.Request, tenantID string) {
	ctx := r.Context()
	if err := s.rt.ComposeStart(ctx, tenantID, optionalImage(r)); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	s.monitors.Start(tenantID)
	s.pub.Publish(ctx, tenantID, "runtime.status", map[string]any{"state": "pending_pairing"})
	writeDetail(w, tenantID, "pairing_started")
}

func (s *Server) handleApplyConfig(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req applyConfigRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	if err := s.rt.WriteRuntimeEnv(tenantID, req.Env); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	if err := s.rt.WriteConfigFiles(tenantID, req.Env, toPrompts(req.Prompts), toSkills(req.Skills)); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	if err := s.rt.ComposeRestart(ctx, tenantID, ""); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	s.monitors.Start(tenantID)
	payload := map[string]any{}
	if req.ConfigRevision != nil {
		payload["config_revision"] = *req.ConfigRevision
	}
	s.pub.Publish(ctx, tenantID, "config.applied", payload)
	writeDetail(w, tenantID, "config_applied")
}

func (s *Server) handleWhatsAppDisconnect(w http.ResponseWriter, r *http.Request, tenantID string) {
	ctx := r.Context()
	if err := s.rt.ClearSessionVolume(ctx, tenantID); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	if err := s.rt.ComposeRestart(ctx, tenantID, ""); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	s.monitors.Start(tenantID)
	s.pub.Publish(ctx, tenantID, "whatsapp.disconnected", map[string]any{"reason": "disconnect_requested"})
	writeDetail(w, tenantID, "whatsapp_disconnected")
}

func (s *Server) handleGoogleConnect(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req googleConnectRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.TokenJSON) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_body", "token_json is required")
		return
	}
	ctx := r.Context()
	if err := s.rt.WriteGoogleToken(tenantID, req.TokenJSON); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	writeDetail(w, tenantID, "google_connected")
}

func (s *Server) handleGoogleDisconnect(w http.ResponseWriter, r *http.Request, tenantID string) {
	ctx := r.Context()
	if err := s.rt.RemoveGoogleToken(tenantID); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	writeDetail(w, tenantID, "google_disconnected")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, tenantID string) {
	ctx := r.Context()
	running, statusText, err := s.rt.IsRunning(ctx, tenantID)
	if err != nil {
		// Degrade rather than fail: the control plane polls this.
		running, statusText = false, err.Error()
	}
	dockerOK, dockerStatus := s.rt.DockerAvailable(ctx)
	writeJSON(w, http.StatusOK, healthResponse{
		TenantID:         tenantID,
		ContainerRunning: running,
		StatusText:       statusText,
		DockerAvailable:  dockerOK,
		DockerStatus:     dockerStatus,
		RedisAvailable:   s.pub.IsHealthy(ctx),
		ActiveMonitors:   s.monitors.ActiveCount(),
		LastReconcileAt:  s.reconciler.LastReconcileAt(),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, tenantID string) {
	ctx := r.Context()
	s.monitors.Stop(tenantID)
	if err := s.rt.ComposeDown(ctx, tenantID, true); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	if err := s.rt.DeleteTenantFiles(tenantID); err != nil {
		s.failTenantOp(ctx, w, tenantID, err)
		return
	}
	writeDetail(w, tenantID, "deleted")
}

// toPrompts and toSkills keep nil as nil: an omitted section in the
// request leaves the corresponding files untouched.
func toPrompts(items []promptItem) []runtime.PromptFile {
	if items == nil {
		return nil
	}
	out := make([]runtime.PromptFile, 0, len(items))
	for _, item := range items {
		out = append(out, runtime.PromptFile{Name: item.Name, Content: item.Content})
	}
	return out
}

func toSkills(items []skillItem) []runtime.SkillFile {
	if items == nil {
		return nil
	}
	out := make([]runtime.SkillFile, 0, len(items))
	for _, item := range items {
		out = append(out, runtime.SkillFile{SkillID: item.SkillID, Content: item.Content})
	}
	return out
}

// optionalImage reads the nexus_image override from an optional JSON body.
// An absent or unparseable body means no override.
func optionalImage(r *http.Request) string {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(data) == 0 {
		return ""
	}
	var req lifecycleRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return ""
	}
	return req.NexusImage
}
