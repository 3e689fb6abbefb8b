package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flopro/nexus/internal/googleoauth"
	"github.com/flopro/nexus/internal/orchestrator"
	"github.com/flopro/nexus/internal/store"
)

type tenantOut struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	WorkerID  string    `json:"worker_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toTenantOut(t store.Tenant) tenantOut {
	return tenantOut{
		ID:        t.ID,
		Status:    t.Status,
		WorkerID:  t.WorkerID,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

type setupRequest struct {
	InitialConfig map[string]string `json:"initial_config"`
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request, userID int64) {
	var req setupRequest
	if r.ContentLength != 0 {
		if !s.decodeBody(w, r, &req) {
			return
		}
	}
	tenant, err := s.orch.Setup(r.Context(), userID, req.InitialConfig)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTenantOut(tenant))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, userID int64) {
	status, err := s.orch.TenantStatus(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, userID int64) {
	tenantID := r.PathValue("id")
	if err := s.orch.DeleteTenant(r.Context(), userID, tenantID); err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "deleted": true})
}

type runtimeOp func(ctx context.Context, userID int64, tenantID string) (orchestrator.Accepted, error)

func (s *Server) runOp(w http.ResponseWriter, r *http.Request, userID int64, op runtimeOp) {
	acc, err := op(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, userID int64) {
	s.runOp(w, r, userID, s.orch.StartRuntime)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, userID int64) {
	s.runOp(w, r, userID, s.orch.StopRuntime)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request, userID int64) {
	s.runOp(w, r, userID, s.orch.RestartRuntime)
}

func (s *Server) handlePairStart(w http.ResponseWriter, r *http.Request, userID int64) {
	s.runOp(w, r, userID, s.orch.PairStart)
}

func (s *Server) handleWhatsAppDisconnect(w http.ResponseWriter, r *http.Request, userID int64) {
	s.runOp(w, r, userID, s.orch.WhatsAppDisconnect)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request, userID int64) {
	cfg, err := s.orch.GetConfig(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type patchConfigRequest struct {
	Values     map[string]string `json:"values"`
	RemoveKeys []string          `json:"remove_keys"`
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request, userID int64) {
	var req patchConfigRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	cfg, err := s.orch.PatchConfig(r.Context(), userID, r.PathValue("id"), req.Values, req.RemoveKeys)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request, userID int64) {
	prompts, err := s.orch.ListPrompts(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": r.PathValue("id"), "prompts": prompts})
}

type contentRequest struct {
	Content string `json:"content"`
}

func (s *Server) handlePutPrompt(w http.ResponseWriter, r *http.Request, userID int64) {
	var req contentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	prompt, err := s.orch.PutPrompt(r.Context(), userID, r.PathValue("id"), r.PathValue("name"), req.Content)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prompt)
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request, userID int64) {
	skills, err := s.orch.ListSkills(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": r.PathValue("id"), "skills": skills})
}

func (s *Server) handlePutSkill(w http.ResponseWriter, r *http.Request, userID int64) {
	var req contentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	skill, err := s.orch.PutSkill(r.Context(), userID, r.PathValue("id"), r.PathValue("skill_id"), req.Content)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, skill)
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request, userID int64) {
	res, err := s.orch.AssistantBootstrap(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGoogleStart(w http.ResponseWriter, r *http.Request, userID int64) {
	origin := googleoauth.RequestOrigin(r)
	start, err := s.orch.GoogleStart(r.Context(), userID, r.PathValue("id"), origin)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, start)
}

func (s *Server) handleGoogleStatus(w http.ResponseWriter, r *http.Request, userID int64) {
	status, err := s.orch.GoogleConnectionStatus(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGoogleDisconnect(w http.ResponseWriter, r *http.Request, userID int64) {
	s.runOp(w, r, userID, s.orch.GoogleDisconnect)
}

// handleGoogleCallback renders the popup page that posts the flow outcome
// back to the opener window and closes itself.
func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result := s.orch.GoogleCallback(r.Context(),
		q.Get("code"), q.Get("state"), q.Get("error"), q.Get("error_description"))

	payload, err := json.Marshal(result.Payload)
	if err != nil {
		payload = []byte(`{"type":"google.oauth.result","status":"error"}`)
	}
	origin, err := json.Marshal(result.Origin)
	if err != nil {
		origin = []byte(`"*"`)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, popupHTML, scriptSafe(payload), scriptSafe(origin))
}

// scriptSafe keeps inline JSON from terminating the surrounding script tag.
func scriptSafe(raw []byte) string {
	return strings.ReplaceAll(string(raw), "</", "<\\/")
}

const popupHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Google Connection</title></head>
<body>
<p>You can close this window.</p>
<script>
(function () {
  var payload = %s;
  var origin = %s;
  try {
    if (window.opener) {
      window.opener.postMessage(payload, origin);
    }
  } catch (err) {}
  window.close();
})();
</script>
</body>
</html>
`

const (
	recentDefaultLimit = 50
	recentMaxLimit     = 200
)

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request, userID int64) {
	tenantID := r.PathValue("id")
	if err := s.orch.EnsureOwner(r.Context(), tenantID, userID); err != nil {
		s.writeOpError(w, err)
		return
	}

	q := r.URL.Query()
	limit := recentDefaultLimit
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > recentMaxLimit {
		limit = recentMaxLimit
	}

	var types []string
	if raw := strings.TrimSpace(q.Get("types")); raw != "" {
		for _, chunk := range strings.Split(raw, ",") {
			if t := strings.TrimSpace(chunk); t != "" {
				types = append(types, t)
			}
		}
	}
	var afterEventID int64
	if raw := q.Get("after_event_id"); raw != "" {
		afterEventID, _ = strconv.ParseInt(raw, 10, 64)
	}

	envelopes, err := s.events.Recent(r.Context(), tenantID, limit, types)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	if afterEventID > 0 {
		filtered := envelopes[:0]
		for _, env := range envelopes {
			if env.EventID > afterEventID {
				filtered = append(filtered, env)
			}
		}
		envelopes = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "events": envelopes})
}
