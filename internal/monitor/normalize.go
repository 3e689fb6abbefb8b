package monitor

import (
	"encoding/json"
	"strings"
)

// Bridge runtimes disagree about event naming: separators vary, some emit
// whatsapp.* instead of bridge.*, some nest the QR string differently.
// Names are lower-cased with : and _ unified to ., then remapped here.
var eventAliases = map[string]string{
	"whatsapp.qr":             "bridge.qr",
	"bridge.qrcode":           "bridge.qr",
	"bridge.qr.code":          "bridge.qr",
	"bridge.ready.state":      "bridge.ready",
	"bridge.inbound.message":  "bridge.inbound_message",
	"bridge.delivery.receipt": "bridge.delivery_receipt",
}

var separatorReplacer = strings.NewReplacer(":", ".", "_", ".")

func normalizeEventName(raw string) string {
	name := separatorReplacer.Replace(strings.ToLower(strings.TrimSpace(raw)))
	if alias, ok := eventAliases[name]; ok {
		return alias
	}
	return name
}

// busEvent is one event ready for the tenant bus.
type busEvent struct {
	Type    string
	Payload map[string]any
}

func statusEvent(state string) busEvent {
	return busEvent{Type: "runtime.status", Payload: map[string]any{"state": state}}
}

// translateFrame turns one raw bridge frame into the bus events it implies.
// Unrecognized frames surface as runtime.log so nothing is silently lost.
func translateFrame(raw []byte) []busEvent {
	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return []busEvent{{Type: "runtime.log", Payload: map[string]any{"raw": string(raw)}}}
	}

	name := ""
	for _, key := range []string{"event", "type", "name"} {
		if s, ok := envelope[key].(string); ok && s != "" {
			name = s
			break
		}
	}
	normalized := normalizeEventName(name)

	payload := map[string]any{}
	if p, ok := envelope["payload"].(map[string]any); ok {
		payload = p
	} else if p, ok := envelope["data"].(map[string]any); ok {
		payload = p
	}

	switch normalized {
	case "bridge.qr":
		return []busEvent{{Type: "whatsapp.qr", Payload: qrPayload(envelope, payload)}}
	case "bridge.connected":
		return []busEvent{
			{Type: "whatsapp.connected", Payload: payload},
			statusEvent("running"),
		}
	case "bridge.disconnected":
		return []busEvent{
			{Type: "whatsapp.disconnected", Payload: payload},
			statusEvent("pending_pairing"),
		}
	case "bridge.inbound_message", "bridge.delivery_receipt":
		// Runtimes that never emit bridge.connected still prove liveness
		// through message traffic.
		return []busEvent{
			{Type: "whatsapp.connected", Payload: map[string]any{"source_event": normalized}},
			statusEvent("running"),
		}
	case "bridge.error":
		return []busEvent{{Type: "runtime.error", Payload: payload}}
	case "bridge.ready":
		return []busEvent{statusEvent("pending_pairing")}
	}

	if strings.Contains(normalized, "qr") {
		if qr := resolveQR(envelope, payload); qr != "" {
			return []busEvent{{Type: "whatsapp.qr", Payload: map[string]any{"qr": qr}}}
		}
	}

	return []busEvent{{Type: "runtime.log", Payload: map[string]any{
		"bridge_event": normalized,
		"payload":      payload,
		"raw_envelope": envelope,
	}}}
}

// qrPayload guarantees the outgoing payload carries a "qr" key when any of
// the known spellings is present.
func qrPayload(envelope, payload map[string]any) map[string]any {
	if _, ok := payload["qr"].(string); ok {
		return payload
	}
	if qr := resolveQR(envelope, payload); qr != "" {
		out := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			out[k] = v
		}
		out["qr"] = qr
		return out
	}
	return payload
}

func resolveQR(envelope, payload map[string]any) string {
	for _, source := range []map[string]any{payload, envelope} {
		for _, key := range []string{"qr", "qr_code", "qrcode", "code"} {
			if s, ok := source[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
