// Package publisher pushes runner-side tenant events onto the shared
// Redis bus. Publishing is best-effort: the runner keeps operating when
// the bus is down, and the control plane's reconciler-driven status events
// repair any gaps.
package publisher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flopro/nexus/internal/events"
	"github.com/flopro/nexus/internal/logging"
	"github.com/flopro/nexus/internal/metrics"
)

// Publisher serializes tenant events into envelopes and publishes them on
// tenant:<id>:events.
type Publisher struct {
	log      *logging.Logger
	redisURL string
	now      func() time.Time

	mu  sync.Mutex
	rdb *redis.Client
}

// New creates a Publisher; call Start before publishing.
func New(redisURL string, log *logging.Logger) *Publisher {
	return &Publisher{log: log, redisURL: redisURL, now: time.Now}
}

// Start connects to Redis. An unreachable bus is logged, not fatal.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rdb = p.connect(ctx)
}

func (p *Publisher) connect(ctx context.Context) *redis.Client {
	opts, err := redis.ParseURL(p.redisURL)
	if err != nil {
		p.log.Warn("invalid redis url, events will be dropped", "error", err)
		return nil
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		p.log.Warn("redis unreachable, events will be dropped", "error", err)
		rdb.Close()
		return nil
	}
	return rdb
}

// Stop closes the bus client.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rdb != nil {
		p.rdb.Close()
		p.rdb = nil
	}
}

// IsHealthy reports whether the bus currently answers pings.
func (p *Publisher) IsHealthy(ctx context.Context) bool {
	p.mu.Lock()
	rdb := p.rdb
	p.mu.Unlock()
	if rdb == nil {
		return false
	}
	return rdb.Ping(ctx).Err() == nil
}

// Publish sends one event envelope for the tenant. A failed publish gets a
// single reconnect-and-retry; after that the event is dropped with a log
// line.
func (p *Publisher) Publish(ctx context.Context, tenantID, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("unencodable event payload", "tenant_id", tenantID, "type", eventType, "error", err)
		return
	}
	env := events.Envelope{
		TenantID:  tenantID,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: p.now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		p.log.Warn("unencodable event envelope", "tenant_id", tenantID, "type", eventType, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rdb == nil {
		p.rdb = p.connect(ctx)
	}
	if p.rdb == nil {
		return
	}
	channel := events.Channel(tenantID)
	if err := p.rdb.Publish(ctx, channel, data).Err(); err == nil {
		metrics.EventsEmitted.WithLabelValues(eventType).Inc()
		return
	}

	p.rdb.Close()
	p.rdb = p.connect(ctx)
	if p.rdb == nil {
		return
	}
	if err := p.rdb.Publish(ctx, channel, data).Err(); err != nil {
		p.log.Warn("event publish failed", "tenant_id", tenantID, "type", eventType, "error", err)
		return
	}
	metrics.EventsEmitted.WithLabelValues(eventType).Inc()
}
