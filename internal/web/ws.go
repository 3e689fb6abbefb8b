package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReplayDefault  = 20
	wsReplayMax      = 200
	wsKeepaliveEvery = 45 * time.Second
	wsWriteTimeout   = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsControlFrame struct {
	Type     string         `json:"type"`
	TenantID string         `json:"tenant_id"`
	Payload  map[string]any `json:"payload"`
}

func wsReject(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(wsWriteTimeout)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	conn.Close()
}

// handleWS authenticates the subscriber, scopes it to its own tenant,
// replays recent history and then forwards live events until the peer goes
// away. Auth failures close with 1008 after the handshake so browser
// clients can observe the code.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	q := r.URL.Query()
	userID, err := s.tokens.VerifyAccess(q.Get("token"))
	if err != nil {
		wsReject(conn, "invalid access token")
		return
	}
	tenant, err := s.users.TenantByOwner(r.Context(), userID)
	if err != nil {
		wsReject(conn, "no tenant for user")
		return
	}
	if want := q.Get("tenant_id"); want != "" && want != tenant.ID {
		wsReject(conn, "foreign tenant")
		return
	}

	replay := wsReplayDefault
	if raw := q.Get("replay"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			replay = n
		}
	}
	if replay < 0 {
		replay = 0
	}
	if replay > wsReplayMax {
		replay = wsReplayMax
	}
	var afterEventID int64
	if raw := q.Get("after_event_id"); raw != "" {
		afterEventID, _ = strconv.ParseInt(raw, 10, 64)
	}

	sub := s.events.Subscribe(tenant.ID)
	defer sub.Close()
	defer conn.Close()

	send := func(v any) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}
	if err := send(wsControlFrame{Type: "ws.ready", TenantID: tenant.ID, Payload: map[string]any{"status": "ok"}}); err != nil {
		return
	}

	if replay > 0 {
		history, herr := s.events.Replay(r.Context(), tenant.ID, replay)
		if herr != nil {
			s.log.Warn("ws replay failed", "tenant_id", tenant.ID, "error", herr)
		}
		for _, env := range history {
			if afterEventID > 0 && env.EventID <= afterEventID {
				continue
			}
			if err := send(env); err != nil {
				return
			}
		}
	}

	// Reader goroutine: we ignore inbound payloads but need the read loop
	// for close detection and control frame processing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(wsKeepaliveEvery)
	defer keepalive.Stop()
	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			if err := send(env); err != nil {
				return
			}
		case <-keepalive.C:
			if err := send(wsControlFrame{Type: "ws.keepalive", TenantID: tenant.ID, Payload: map[string]any{}}); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
