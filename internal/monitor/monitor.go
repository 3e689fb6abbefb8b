// Package monitor supervises one bridge WebSocket per tenant, republishing
// normalized bridge traffic onto the tenant event bus.
package monitor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flopro/nexus/internal/clock"
	"github.com/flopro/nexus/internal/logging"
	"github.com/flopro/nexus/internal/metrics"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	// Grace windows during which transient bridge errors are expected:
	// the runtime needs time to boot after launch and after each drop.
	startupGrace   = 15 * time.Second
	reconnectGrace = 20 * time.Second

	// Minimum spacing between runtime.error publications per monitor.
	errorCooldown = 10 * time.Second
)

// Publisher pushes events onto the tenant bus.
type Publisher interface {
	Publish(ctx context.Context, tenantID, eventType string, payload any)
}

// Runtime is the slice of the runtime manager the monitor needs.
type Runtime interface {
	BridgeWSURL(tenantID string) (string, error)
	ReadRuntimeEnv(tenantID string) (map[string]string, error)
	IsRunning(ctx context.Context, tenantID string) (bool, string, error)
}

// Conn is one open bridge websocket.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// DialFunc opens a bridge websocket connection.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

type wsConn struct{ conn *websocket.Conn }

func (c wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c wsConn) Close() error { return c.conn.Close() }

// GorillaDial is the production DialFunc.
func GorillaDial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return wsConn{conn: conn}, nil
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns one monitor goroutine per tenant.
type Supervisor struct {
	pub  Publisher
	rt   Runtime
	clk  clock.Clock
	dial DialFunc
	log  *logging.Logger

	mu       sync.Mutex
	monitors map[string]*task
}

// NewSupervisor wires a Supervisor; a nil dial falls back to GorillaDial.
func NewSupervisor(pub Publisher, rt Runtime, clk clock.Clock, dial DialFunc, log *logging.Logger) *Supervisor {
	if dial == nil {
		dial = GorillaDial
	}
	return &Supervisor{
		pub:      pub,
		rt:       rt,
		clk:      clk,
		dial:     dial,
		log:      log,
		monitors: make(map[string]*task),
	}
}

// Start launches a monitor for the tenant if none is running. Idempotent.
func (s *Supervisor) Start(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.monitors[tenantID]; ok {
		select {
		case <-t.done:
			// Finished; replace below.
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.monitors[tenantID] = t
	go s.run(ctx, tenantID, t.done)
}

// Stop cancels the tenant's monitor and waits for it to exit.
func (s *Supervisor) Stop(tenantID string) {
	s.mu.Lock()
	t := s.monitors[tenantID]
	delete(s.monitors, tenantID)
	s.mu.Unlock()
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

// Shutdown stops every monitor.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.monitors))
	for id := range s.monitors {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Stop(id)
	}
}

// ActiveCount reports monitors that have not exited.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.monitors {
		select {
		case <-t.done:
		default:
			n++
		}
	}
	return n
}

// MonitoredTenantIDs lists tenants with a registered monitor.
func (s *Supervisor) MonitoredTenantIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.monitors))
	for id := range s.monitors {
		ids = append(ids, id)
	}
	return ids
}

func (s *Supervisor) run(ctx context.Context, tenantID string, done chan struct{}) {
	defer close(done)
	metrics.ActiveMonitors.Inc()
	defer metrics.ActiveMonitors.Dec()

	wsURL, err := s.rt.BridgeWSURL(tenantID)
	if err != nil {
		s.log.Warn("bridge monitor refused", "tenant_id", tenantID, "error", err)
		return
	}
	log := s.log.With("tenant_id", tenantID)

	launched := s.clk.Now()
	var connectedAt time.Time
	var lastErrorPub time.Time
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		conn, derr := s.dial(ctx, wsURL, s.bridgeHeader(tenantID))
		if derr == nil {
			backoff = initialBackoff
			connectedAt = s.clk.Now()
			s.pub.Publish(ctx, tenantID, "runtime.status", map[string]any{"state": "pending_pairing"})

			// Cancellation must unblock the read below.
			unhook := context.AfterFunc(ctx, func() { conn.Close() })
			for {
				data, rerr := conn.ReadMessage()
				if rerr != nil {
					conn.Close()
					derr = rerr
					break
				}
				for _, ev := range translateFrame(data) {
					s.pub.Publish(ctx, tenantID, ev.Type, ev.Payload)
				}
			}
			unhook()
		}
		if ctx.Err() != nil {
			return
		}

		if s.handleFailure(ctx, tenantID, log, derr, launched, connectedAt, &lastErrorPub, backoff) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
		metrics.MonitorReconnects.Inc()
	}
}

// bridgeHeader attaches the shared secret from the tenant's runtime env
// when one is configured.
func (s *Supervisor) bridgeHeader(tenantID string) http.Header {
	header := http.Header{}
	if env, err := s.rt.ReadRuntimeEnv(tenantID); err == nil {
		if secret := env["BRIDGE_SHARED_SECRET"]; secret != "" {
			header.Set("x-nexus-secret", secret)
		}
	}
	return header
}

// handleFailure decides whether the monitor should exit. Transient errors
// inside a grace window are only logged; outside a grace window a transient
// error against a stopped container means the runtime is gone and the
// monitor leaves quietly. Everything else surfaces as runtime.error,
// rate-limited per monitor.
func (s *Supervisor) handleFailure(
	ctx context.Context, tenantID string, log *logging.Logger, err error,
	launched, connectedAt time.Time, lastErrorPub *time.Time, backoff time.Duration,
) bool {
	transient := isTransient(err)

	inGrace := false
	if connectedAt.IsZero() {
		inGrace = s.clk.Since(launched) < startupGrace
	} else {
		inGrace = s.clk.Since(connectedAt) < reconnectGrace
	}

	if transient && inGrace {
		log.Debug("bridge not ready yet", "error", err)
		return false
	}
	if transient {
		running, _, rerr := s.rt.IsRunning(ctx, tenantID)
		if rerr == nil && !running {
			log.Info("runtime container stopped, bridge monitor exiting")
			return true
		}
	}

	if lastErrorPub.IsZero() || s.clk.Since(*lastErrorPub) >= errorCooldown {
		*lastErrorPub = s.clk.Now()
		s.pub.Publish(ctx, tenantID, "runtime.error", map[string]any{
			"message":          "bridge_monitor_error: " + err.Error(),
			"retry_in_seconds": backoff.Seconds(),
		})
	} else {
		log.Debug("bridge monitor error suppressed by cooldown", "error", err)
	}
	return false
}

// isTransient reports errors that mean "the bridge endpoint is not there
// right now" as opposed to protocol-level surprises.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	var netErr net.Error
	return errors.Is(err, websocket.ErrBadHandshake) ||
		errors.As(err, &closeErr) ||
		errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
