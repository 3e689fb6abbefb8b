package events

import (
	"encoding/json"
	"strings"

	"github.com/flopro/nexus/internal/store"
)

// Event types with a projection onto tenant runtime state.
const (
	TypeRuntimeStatus        = "runtime.status"
	TypeRuntimeError         = "runtime.error"
	TypeWhatsAppConnected    = "whatsapp.connected"
	TypeWhatsAppDisconnected = "whatsapp.disconnected"
)

// statusPayload reads the state-bearing fields. runtime.status events also
// carry a cosmetic "status" field with Docker's human text; that never
// projects.
type statusPayload struct {
	State   string `json:"state"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Project maps an event onto the state change it implies, or nil when the
// event carries no state.
func Project(eventType string, payload json.RawMessage) *store.ProjectionDelta {
	var p statusPayload
	if len(payload) > 0 {
		// Malformed payloads still project by type alone.
		json.Unmarshal(payload, &p)
	}

	switch eventType {
	case TypeRuntimeStatus:
		state := strings.TrimSpace(p.State)
		if state == "" {
			return nil
		}
		delta := &store.ProjectionDelta{
			ActualState: state,
			ClearError:  state != store.StatusError,
			SyncStatus:  true,
		}
		if state == store.StatusError {
			msg := errorMessage(p)
			delta.LastError = &msg
		}
		return delta
	case TypeRuntimeError:
		msg := errorMessage(p)
		return &store.ProjectionDelta{
			ActualState: store.StatusError,
			LastError:   &msg,
			SyncStatus:  true,
		}
	case TypeWhatsAppConnected:
		return &store.ProjectionDelta{
			ActualState: store.StatusRunning,
			ClearError:  true,
			SyncStatus:  true,
		}
	case TypeWhatsAppDisconnected:
		return &store.ProjectionDelta{
			ActualState: store.StatusPendingPairing,
			ClearError:  true,
			SyncStatus:  true,
		}
	default:
		return nil
	}
}

// errorMessage picks the error text: message, then error, then a fixed
// fallback so an error state always records something.
func errorMessage(p statusPayload) string {
	if p.Message != "" {
		return p.Message
	}
	if p.Error != "" {
		return p.Error
	}
	return "runtime_error"
}
