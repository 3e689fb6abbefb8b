package web

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flopro/nexus/internal/store"
)

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func dialWS(t *testing.T, env *webEnv, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.http.URL, "/v1/events/ws?"+query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestWSReplayAndLive(t *testing.T) {
	env := newWebEnv(t)
	signedUp := env.signup(t, "user@example.com")
	env.users.setTenant(signedUp.User.ID, store.Tenant{ID: "abc123", OwnerUserID: signedUp.User.ID})

	ctx := context.Background()
	env.manager.Emit(ctx, "abc123", "runtime.status", json.RawMessage(`{"state":"pending_pairing"}`))
	env.manager.Emit(ctx, "abc123", "whatsapp.qr", json.RawMessage(`{"qr":"qr-token"}`))

	conn := dialWS(t, env, "token="+signedUp.Tokens.AccessToken+"&tenant_id=abc123&replay=10")

	ready := readFrame(t, conn)
	if ready["type"] != "ws.ready" || ready["tenant_id"] != "abc123" {
		t.Fatalf("first frame = %v, want ws.ready", ready)
	}

	first := readFrame(t, conn)
	if first["type"] != "runtime.status" {
		t.Fatalf("replayed[0] = %v", first)
	}
	second := readFrame(t, conn)
	if second["type"] != "whatsapp.qr" {
		t.Fatalf("replayed[1] = %v", second)
	}
	if first["event_id"].(float64) >= second["event_id"].(float64) {
		t.Fatal("replay must be ordered by event id ascending")
	}

	env.manager.Emit(ctx, "abc123", "config.applied", json.RawMessage(`{"revision":2}`))
	live := readFrame(t, conn)
	if live["type"] != "config.applied" {
		t.Fatalf("live frame = %v", live)
	}
}

func TestWSRejectsBadToken(t *testing.T) {
	env := newWebEnv(t)
	conn := dialWS(t, env, "token=garbage")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected a close")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("close error = %v, want 1008", err)
	}
}

func TestWSRejectsForeignTenant(t *testing.T) {
	env := newWebEnv(t)
	signedUp := env.signup(t, "user@example.com")
	env.users.setTenant(signedUp.User.ID, store.Tenant{ID: "abc123", OwnerUserID: signedUp.User.ID})

	conn := dialWS(t, env, "token="+signedUp.Tokens.AccessToken+"&tenant_id=other999")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("close error = %v, want 1008", err)
	}
}

func TestWSRejectsUserWithoutTenant(t *testing.T) {
	env := newWebEnv(t)
	signedUp := env.signup(t, "user@example.com")

	conn := dialWS(t, env, "token="+signedUp.Tokens.AccessToken)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("close error = %v, want 1008", err)
	}
}

func TestWSZeroReplay(t *testing.T) {
	env := newWebEnv(t)
	signedUp := env.signup(t, "user@example.com")
	env.users.setTenant(signedUp.User.ID, store.Tenant{ID: "abc123", OwnerUserID: signedUp.User.ID})
	env.manager.Emit(context.Background(), "abc123", "runtime.status", json.RawMessage(`{"state":"running"}`))

	conn := dialWS(t, env, "token="+signedUp.Tokens.AccessToken+"&replay=0")
	ready := readFrame(t, conn)
	if ready["type"] != "ws.ready" {
		t.Fatalf("first frame = %v", ready)
	}

	// No replayed frame should arrive; the next frame must be live.
	env.manager.Emit(context.Background(), "abc123", "whatsapp.qr", json.RawMessage(`{"qr":"tok"}`))
	next := readFrame(t, conn)
	if next["type"] != "whatsapp.qr" {
		t.Fatalf("frame = %v, want the live event only", next)
	}
}

func TestWSAfterEventIDFiltersReplay(t *testing.T) {
	env := newWebEnv(t)
	signedUp := env.signup(t, "user@example.com")
	env.users.setTenant(signedUp.User.ID, store.Tenant{ID: "abc123", OwnerUserID: signedUp.User.ID})

	ctx := context.Background()
	env.manager.Emit(ctx, "abc123", "runtime.status", json.RawMessage(`{"state":"pending_pairing"}`))
	env.manager.Emit(ctx, "abc123", "whatsapp.qr", json.RawMessage(`{"qr":"tok"}`))

	envs, err := env.manager.Replay(ctx, "abc123", 10)
	if err != nil || len(envs) != 2 {
		t.Fatalf("replay = %v, %v", envs, err)
	}
	firstID := envs[0].EventID

	conn := dialWS(t, env, "token="+signedUp.Tokens.AccessToken+
		"&replay=10&after_event_id="+strconv.FormatInt(firstID, 10))
	ready := readFrame(t, conn)
	if ready["type"] != "ws.ready" {
		t.Fatalf("first frame = %v", ready)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "whatsapp.qr" {
		t.Fatalf("frame = %v, want only events after %d", frame, firstID)
	}
}

func TestWSOnlyGetsOwnTenantEvents(t *testing.T) {
	env := newWebEnv(t)
	signedUp := env.signup(t, "user@example.com")
	env.users.setTenant(signedUp.User.ID, store.Tenant{ID: "abc123", OwnerUserID: signedUp.User.ID})

	conn := dialWS(t, env, "token="+signedUp.Tokens.AccessToken+"&replay=0")
	if frame := readFrame(t, conn); frame["type"] != "ws.ready" {
		t.Fatalf("first frame = %v", frame)
	}

	ctx := context.Background()
	env.manager.Emit(ctx, "other999", "runtime.status", json.RawMessage(`{"state":"running"}`))
	env.manager.Emit(ctx, "abc123", "config.applied", json.RawMessage(`{"revision":3}`))

	frame := readFrame(t, conn)
	if frame["tenant_id"] != "abc123" || frame["type"] != "config.applied" {
		t.Fatalf("frame = %v, want only own tenant traffic", frame)
	}
}
