// Package events moves tenant runtime events between the runner, the
// durable log and websocket subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire form of a runtime event, published on the Redis
// channel tenant:<id>:events and delivered to websocket subscribers.
// EventID is zero until the event has been persisted.
type Envelope struct {
	EventID   int64           `json:"event_id,omitempty"`
	TenantID  string          `json:"tenant_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Channel returns the Redis channel for one tenant's events.
func Channel(tenantID string) string {
	return fmt.Sprintf("tenant:%s:events", tenantID)
}

// ChannelPattern matches every tenant's event channel.
const ChannelPattern = "tenant:*:events"

// TenantFromChannel extracts the tenant ID from a channel name, returning
// "" when the name does not match the expected shape.
func TenantFromChannel(channel string) string {
	const prefix, suffix = "tenant:", ":events"
	if len(channel) <= len(prefix)+len(suffix) {
		return ""
	}
	if channel[:len(prefix)] != prefix || channel[len(channel)-len(suffix):] != suffix {
		return ""
	}
	return channel[len(prefix) : len(channel)-len(suffix)]
}
