package events

import (
	"encoding/json"
	"testing"

	"github.com/flopro/nexus/internal/store"
)

func TestProject(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   string
		want      *store.ProjectionDelta
	}{
		{
			name:      "runtime.status projects its state",
			eventType: "runtime.status",
			payload:   `{"state":"running"}`,
			want:      &store.ProjectionDelta{ActualState: "running", ClearError: true, SyncStatus: true},
		},
		{
			name:      "runtime.status paused projects",
			eventType: "runtime.status",
			payload:   `{"state":"paused"}`,
			want:      &store.ProjectionDelta{ActualState: "paused", ClearError: true, SyncStatus: true},
		},
		{
			name:      "runtime.status ignores docker status text",
			eventType: "runtime.status",
			payload:   `{"state":"running","status":"Up 5 minutes"}`,
			want:      &store.ProjectionDelta{ActualState: "running", ClearError: true, SyncStatus: true},
		},
		{
			name:      "runtime.status error captures the message",
			eventType: "runtime.status",
			payload:   `{"state":"error","message":"compose failed"}`,
			want:      &store.ProjectionDelta{ActualState: "error", LastError: strPtr("compose failed"), SyncStatus: true},
		},
		{
			name:      "runtime.status error without detail records fallback",
			eventType: "runtime.status",
			payload:   `{"state":"error"}`,
			want:      &store.ProjectionDelta{ActualState: "error", LastError: strPtr("runtime_error"), SyncStatus: true},
		},
		{
			name:      "runtime.status without state is ignored",
			eventType: "runtime.status",
			payload:   `{"status":"Up 5 minutes","message":"hi"}`,
			want:      nil,
		},
		{
			name:      "runtime.error records the message",
			eventType: "runtime.error",
			payload:   `{"message":"container exited"}`,
			want:      &store.ProjectionDelta{ActualState: "error", LastError: strPtr("container exited"), SyncStatus: true},
		},
		{
			name:      "runtime.error falls back to error field",
			eventType: "runtime.error",
			payload:   `{"error":"pull failed"}`,
			want:      &store.ProjectionDelta{ActualState: "error", LastError: strPtr("pull failed"), SyncStatus: true},
		},
		{
			name:      "runtime.error without detail records fallback",
			eventType: "runtime.error",
			payload:   `{}`,
			want:      &store.ProjectionDelta{ActualState: "error", LastError: strPtr("runtime_error"), SyncStatus: true},
		},
		{
			name:      "whatsapp.connected means running",
			eventType: "whatsapp.connected",
			payload:   `{}`,
			want:      &store.ProjectionDelta{ActualState: "running", ClearError: true, SyncStatus: true},
		},
		{
			name:      "whatsapp.disconnected means pending pairing and clears the error",
			eventType: "whatsapp.disconnected",
			payload:   `{}`,
			want:      &store.ProjectionDelta{ActualState: "pending_pairing", ClearError: true, SyncStatus: true},
		},
		{
			name:      "informational events carry no state",
			eventType: "bridge.qr",
			payload:   `{"qr":"data"}`,
			want:      nil,
		},
		{
			name:      "malformed payload projects by type",
			eventType: "whatsapp.connected",
			payload:   `not json`,
			want:      &store.ProjectionDelta{ActualState: "running", ClearError: true, SyncStatus: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Project(tt.eventType, json.RawMessage(tt.payload))
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("Project() = %+v, want %+v", got, tt.want)
			}
			if got == nil {
				return
			}
			if got.ActualState != tt.want.ActualState ||
				got.ClearError != tt.want.ClearError ||
				got.SyncStatus != tt.want.SyncStatus {
				t.Errorf("Project() = %+v, want %+v", got, tt.want)
			}
			switch {
			case tt.want.LastError == nil && got.LastError != nil:
				t.Errorf("unexpected last error %q", *got.LastError)
			case tt.want.LastError != nil && (got.LastError == nil || *got.LastError != *tt.want.LastError):
				t.Errorf("last error = %v, want %q", got.LastError, *tt.want.LastError)
			}
		})
	}
}

func strPtr(s string) *string { return &s }

func TestTenantFromChannel(t *testing.T) {
	if got := TenantFromChannel("tenant:abc123:events"); got != "abc123" {
		t.Errorf("got %q, want abc123", got)
	}
	if got := TenantFromChannel("other:abc123:events"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if got := TenantFromChannel("tenant::events"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}
