package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flopro/nexus/internal/logging"
	"github.com/flopro/nexus/internal/metrics"
	"github.com/flopro/nexus/internal/store"
)

const (
	subscriberBuffer = 32
	minBackoff       = time.Second
	maxBackoff       = 30 * time.Second
)

// Store is the slice of the persistence layer the manager needs.
type Store interface {
	AppendEvent(ctx context.Context, tenantID, eventType string, payload json.RawMessage, delta *store.ProjectionDelta) (store.RuntimeEvent, error)
	RecentEvents(ctx context.Context, tenantID string, limit int, types []string) ([]store.RuntimeEvent, error)
}

// Subscription is one websocket client's view of a tenant's event stream.
// Slow consumers are evicted: the channel is closed when the buffer fills.
type Subscription struct {
	C <-chan Envelope

	m        *Manager
	tenantID string
	ch       chan Envelope
	once     sync.Once
}

// Close detaches the subscription. Safe to call after eviction.
func (s *Subscription) Close() {
	s.m.unsubscribe(s)
}

// Manager fans runner-published events from Redis into the durable log and
// attached websocket subscribers. When Redis is unavailable it degrades to
// direct persist-and-broadcast of locally emitted events.
type Manager struct {
	log *logging.Logger
	st  Store
	now func() time.Time

	redisURL string
	rdb      *redis.Client

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager; call Start before emitting.
func NewManager(redisURL string, st Store, log *logging.Logger) *Manager {
	return &Manager{
		log:      log,
		st:       st,
		now:      time.Now,
		redisURL: redisURL,
		subs:     make(map[string]map[*Subscription]struct{}),
		done:     make(chan struct{}),
	}
}

// Start connects to Redis and launches the pattern-subscribe supervisor.
// A failed connection is not fatal: the manager runs in local mode.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	opts, err := redis.ParseURL(m.redisURL)
	if err == nil {
		rdb := redis.NewClient(opts)
		if err = rdb.Ping(ctx).Err(); err == nil {
			m.rdb = rdb
		} else {
			rdb.Close()
		}
	}
	if m.rdb == nil {
		m.log.Warn("redis unavailable, event bus running in local mode", "error", err)
		close(m.done)
		return
	}

	go m.supervise(ctx)
}

// Stop cancels the supervisor and releases the Redis client.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	select {
	case <-m.done:
	case <-time.After(5 * time.Second):
	}
	if m.rdb != nil {
		m.rdb.Close()
	}
}

func (m *Manager) supervise(ctx context.Context) {
	defer close(m.done)
	backoff := minBackoff
	for {
		psub := m.rdb.PSubscribe(ctx, ChannelPattern)
		for msg := range psub.Channel() {
			backoff = minBackoff
			m.dispatch(ctx, msg.Channel, []byte(msg.Payload))
		}
		psub.Close()

		if ctx.Err() != nil {
			return
		}
		m.log.Warn("event subscription lost, reconnecting", "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, channel string, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.log.Warn("dropping malformed event", "channel", channel, "error", err)
		return
	}
	if env.TenantID == "" {
		env.TenantID = TenantFromChannel(channel)
	}
	if env.TenantID == "" || env.Type == "" {
		m.log.Warn("dropping event without tenant or type", "channel", channel)
		return
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = m.now().UTC()
	}
	m.persistAndBroadcast(ctx, env)
}

// Emit publishes an event onto the bus. With Redis connected the event
// travels through the tenant channel and is persisted by the subscriber
// side; otherwise it is persisted and broadcast directly.
func (m *Manager) Emit(ctx context.Context, tenantID, eventType string, payload json.RawMessage) error {
	metrics.EventsEmitted.WithLabelValues(eventType).Inc()
	env := Envelope{
		TenantID:  tenantID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: m.now().UTC(),
	}
	if m.rdb != nil {
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		err = m.rdb.Publish(ctx, Channel(tenantID), data).Err()
		if err != nil {
			// One retry covers transient connection resets.
			err = m.rdb.Publish(ctx, Channel(tenantID), data).Err()
		}
		if err == nil {
			return nil
		}
		m.log.Warn("publish failed, falling back to local delivery",
			"tenant_id", tenantID, "type", eventType, "error", err)
	}
	return m.persistAndBroadcast(ctx, env)
}

func (m *Manager) persistAndBroadcast(ctx context.Context, env Envelope) error {
	ev, err := m.st.AppendEvent(ctx, env.TenantID, env.Type, env.Payload, Project(env.Type, env.Payload))
	if err != nil {
		// Deliver to live subscribers even when the log write fails.
		m.log.Error("event persist failed", "tenant_id", env.TenantID, "type", env.Type, "error", err)
	} else {
		metrics.EventsPersisted.Inc()
		env.EventID = ev.ID
		env.CreatedAt = ev.CreatedAt
	}
	m.broadcast(env)
	return err
}

func (m *Manager) broadcast(env Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs[env.TenantID] {
		select {
		case sub.ch <- env:
		default:
			delete(m.subs[env.TenantID], sub)
			metrics.WSSubscribers.Dec()
			sub.once.Do(func() { close(sub.ch) })
			m.log.Warn("evicting slow event subscriber", "tenant_id", env.TenantID)
		}
	}
}

// Subscribe attaches a live stream for one tenant.
func (m *Manager) Subscribe(tenantID string) *Subscription {
	sub := &Subscription{
		m:        m,
		tenantID: tenantID,
		ch:       make(chan Envelope, subscriberBuffer),
	}
	sub.C = sub.ch

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[tenantID] == nil {
		m.subs[tenantID] = make(map[*Subscription]struct{})
	}
	m.subs[tenantID][sub] = struct{}{}
	metrics.WSSubscribers.Inc()
	return sub
}

func (m *Manager) unsubscribe(sub *Subscription) {
	m.mu.Lock()
	if set, ok := m.subs[sub.tenantID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			metrics.WSSubscribers.Dec()
		}
		if len(set) == 0 {
			delete(m.subs, sub.tenantID)
		}
	}
	m.mu.Unlock()
	sub.once.Do(func() { close(sub.ch) })
}

// Replay returns up to limit persisted events, oldest first, for sending to
// a freshly attached subscriber.
func (m *Manager) Replay(ctx context.Context, tenantID string, limit int) ([]Envelope, error) {
	evs, err := m.st.RecentEvents(ctx, tenantID, limit, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Envelope, 0, len(evs))
	for i := len(evs) - 1; i >= 0; i-- {
		out = append(out, toEnvelope(evs[i]))
	}
	return out, nil
}

// Recent returns up to limit persisted events, newest first, optionally
// filtered by type.
func (m *Manager) Recent(ctx context.Context, tenantID string, limit int, types []string) ([]Envelope, error) {
	evs, err := m.st.RecentEvents(ctx, tenantID, limit, types)
	if err != nil {
		return nil, err
	}
	out := make([]Envelope, 0, len(evs))
	for _, ev := range evs {
		out = append(out, toEnvelope(ev))
	}
	return out, nil
}

func toEnvelope(ev store.RuntimeEvent) Envelope {
	return Envelope{
		EventID:   ev.ID,
		TenantID:  ev.TenantID,
		Type:      ev.Type,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
	}
}
