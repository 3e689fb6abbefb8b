package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/flopro/nexus/internal/secret"
	"github.com/flopro/nexus/internal/store"
)

const (
	openRouterKeyName = "NEXUS_OPENROUTER_API_KEY"

	secretKeyBridgeSecret    = "bridge_shared_secret"
	secretKeyDefaultsVersion = "assistant_defaults_version"
	secretKeyGoogleOAuth     = "google_oauth"
	secretKeyGoogleLastError = "google_oauth_last_error"
)

// Image tags still carrying scaffold markers are refused before any runner
// call that would pull them.
var imagePlaceholders = []string{"replace_with", "your-org", "<org>"}

func defaultRuntimeEnv() store.EnvMap {
	return store.EnvMap{
		"NEXUS_CLI_ENABLED": "false",
		"NEXUS_CONFIG_DIR":  "/data/config",
		"NEXUS_DATA_DIR":    "/data/state",
		"NEXUS_PROMPTS_DIR": "/data/config/prompts",
		"NEXUS_SKILLS_DIR":  "/data/config/skills",
	}
}

func hasOpenRouterKey(env store.EnvMap) bool {
	return strings.TrimSpace(env[openRouterKeyName]) != ""
}

func openRouterKeyRequired() *Error {
	return opErr(http.StatusBadRequest, "openrouter_api_key_required",
		"%s is required before runtime start", openRouterKeyName)
}

// requireOpenRouterKey gates runtime starts on the tenant having an API key
// in its active config.
func (o *Orchestrator) requireOpenRouterKey(ctx context.Context, tenantID string) error {
	active, err := o.st.ActiveConfig(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !hasOpenRouterKey(active.Env)) {
		return openRouterKeyRequired()
	}
	if err != nil {
		return opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	return nil
}

func (o *Orchestrator) requireValidImage() (string, error) {
	image := strings.TrimSpace(o.nexusImage)
	lowered := strings.ToLower(image)
	invalid := image == ""
	for _, marker := range imagePlaceholders {
		if strings.Contains(lowered, marker) {
			invalid = true
		}
	}
	if invalid {
		return "", opErr(http.StatusBadRequest, "nexus_image_invalid",
			"Control-plane NEXUS_IMAGE is not set to a valid runtime tag")
	}
	return image, nil
}

// loadSecrets decrypts a tenant's secret blob into a mutable payload.
func (o *Orchestrator) loadSecrets(ctx context.Context, tenantID string) (map[string]any, error) {
	rec, err := o.st.Secret(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, opErr(http.StatusNotFound, "tenant_secrets_not_found", "Tenant secrets not found")
	}
	if err != nil {
		return nil, opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}

	var blob secret.Blob
	if err := json.Unmarshal(rec.EncryptedBlob, &blob); err != nil {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := o.cipher.Decrypt(blob, &payload); err != nil || payload == nil {
		return map[string]any{}, nil
	}
	return payload, nil
}

func (o *Orchestrator) saveSecrets(ctx context.Context, tenantID string, payload map[string]any) error {
	blob, err := o.cipher.Encrypt(payload)
	if err != nil {
		return opErr(http.StatusInternalServerError, "secret_encrypt_error", "%v", err)
	}
	raw, err := json.Marshal(blob)
	if err != nil {
		return opErr(http.StatusInternalServerError, "secret_encrypt_error", "%v", err)
	}
	if err := o.st.PutSecret(ctx, tenantID, raw, o.cipher.KeyVersion); err != nil {
		return opErr(http.StatusInternalServerError, "store_error", "%v", err)
	}
	return nil
}
