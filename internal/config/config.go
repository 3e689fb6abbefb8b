// Package config holds environment-driven configuration for both binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Control holds all control-plane configuration from environment variables.
type Control struct {
	Host string
	Port int

	DatabaseURL      string
	AutoCreateSchema bool
	RedisURL         string

	AppJWTSecret       string
	AppJWTAlg          string
	AccessTokenMinutes int
	RefreshTokenDays   int

	RunnerBaseURL         string
	RunnerSharedSecret    string
	RunnerTokenTTLSeconds int

	NexusImage string

	SecretsMasterKeyB64 string

	RatelimitSignupPerMinute int

	GoogleOAuthClientID        string
	GoogleOAuthClientSecret    string
	GoogleOAuthRedirectURI     string
	GoogleOAuthAllowedOrigins  string
	GoogleOAuthStateTTLSeconds int

	LogJSON bool
}

// LoadControl reads control-plane configuration from environment variables with defaults.
func LoadControl() *Control {
	return &Control{
		Host:                       envStr("CONTROL_HOST", "0.0.0.0"),
		Port:                       envInt("CONTROL_PORT", 9000),
		DatabaseURL:                envStr("DATABASE_URL", "postgres://localhost:5432/control_plane?sslmode=disable"),
		AutoCreateSchema:           envBool("CONTROL_AUTO_CREATE_SCHEMA", false),
		RedisURL:                   envStr("REDIS_URL", "redis://127.0.0.1:6379/0"),
		AppJWTSecret:               envStr("APP_JWT_SECRET", "dev-app-jwt-secret"),
		AppJWTAlg:                  envStr("APP_JWT_ALG", "HS256"),
		AccessTokenMinutes:         envInt("ACCESS_TOKEN_MINUTES", 15),
		RefreshTokenDays:           envInt("REFRESH_TOKEN_DAYS", 30),
		RunnerBaseURL:              envStr("RUNNER_BASE_URL", "http://127.0.0.1:8000"),
		RunnerSharedSecret:         envStr("RUNNER_SHARED_SECRET", "dev-runner-shared-secret"),
		RunnerTokenTTLSeconds:      envInt("RUNNER_TOKEN_TTL_SECONDS", 60),
		NexusImage:                 envStr("NEXUS_IMAGE", "ghcr.io/your-org/nexus-runtime:sha-REPLACE_WITH_COMMIT"),
		SecretsMasterKeyB64:        envStr("SECRETS_MASTER_KEY_B64", ""),
		RatelimitSignupPerMinute:   envInt("RATELIMIT_SIGNUP_PER_MINUTE", 10),
		GoogleOAuthClientID:        envStr("GOOGLE_OAUTH_CLIENT_ID", ""),
		GoogleOAuthClientSecret:    envStr("GOOGLE_OAUTH_CLIENT_SECRET", ""),
		GoogleOAuthRedirectURI:     envStr("GOOGLE_OAUTH_REDIRECT_URI", ""),
		GoogleOAuthAllowedOrigins:  envStr("GOOGLE_OAUTH_ALLOWED_ORIGINS", ""),
		GoogleOAuthStateTTLSeconds: envInt("GOOGLE_OAUTH_STATE_TTL_SECONDS", 600),
		LogJSON:                    envBool("CONTROL_LOG_JSON", true),
	}
}

// Validate checks control-plane configuration for invalid values.
func (c *Control) Validate() error {
	var errs []error
	if c.AccessTokenMinutes <= 0 {
		errs = append(errs, fmt.Errorf("ACCESS_TOKEN_MINUTES must be > 0, got %d", c.AccessTokenMinutes))
	}
	if c.RefreshTokenDays <= 0 {
		errs = append(errs, fmt.Errorf("REFRESH_TOKEN_DAYS must be > 0, got %d", c.RefreshTokenDays))
	}
	if c.RunnerTokenTTLSeconds <= 0 || c.RunnerTokenTTLSeconds > 120 {
		errs = append(errs, fmt.Errorf("RUNNER_TOKEN_TTL_SECONDS must be in (0,120], got %d", c.RunnerTokenTTLSeconds))
	}
	if c.RatelimitSignupPerMinute < 1 {
		errs = append(errs, fmt.Errorf("RATELIMIT_SIGNUP_PER_MINUTE must be >= 1, got %d", c.RatelimitSignupPerMinute))
	}
	if c.GoogleOAuthStateTTLSeconds < 60 || c.GoogleOAuthStateTTLSeconds > 3600 {
		errs = append(errs, fmt.Errorf("GOOGLE_OAUTH_STATE_TTL_SECONDS must be in [60,3600], got %d", c.GoogleOAuthStateTTLSeconds))
	}
	return errors.Join(errs...)
}

// AccessTokenTTL returns the access token lifetime.
func (c *Control) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenMinutes) * time.Minute
}

// RefreshTokenTTL returns the refresh token lifetime.
func (c *Control) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenDays) * 24 * time.Hour
}

// Runner holds all runner configuration from environment variables.
type Runner struct {
	Host string
	Port int

	RunnerSharedSecret string
	RunnerJWTAlg       string

	RedisURL   string
	DockerSock string

	TenantRoot    string
	TenantNetwork string
	NexusImage    string
	BridgePort    int

	TemplateComposePath string
	TemplateEnvPath     string

	ReconcileInterval time.Duration

	LogJSON bool
}

// LoadRunner reads runner configuration from environment variables with defaults.
func LoadRunner() *Runner {
	return &Runner{
		Host:                envStr("RUNNER_HOST", "0.0.0.0"),
		Port:                envInt("RUNNER_PORT", 8000),
		RunnerSharedSecret:  envStr("RUNNER_SHARED_SECRET", "dev-runner-shared-secret"),
		RunnerJWTAlg:        envStr("RUNNER_JWT_ALG", "HS256"),
		RedisURL:            envStr("REDIS_URL", "redis://127.0.0.1:6379/0"),
		DockerSock:          envStr("DOCKER_SOCK", "/var/run/docker.sock"),
		TenantRoot:          envStr("TENANT_ROOT", "/opt/nexus/tenants"),
		TenantNetwork:       envStr("TENANT_NETWORK", "runner_internal"),
		NexusImage:          envStr("NEXUS_IMAGE", "ghcr.io/your-org/nexus-runtime:sha-REPLACE_WITH_COMMIT"),
		BridgePort:          envInt("BRIDGE_PORT", 8765),
		TemplateComposePath: envStr("TEMPLATE_COMPOSE_PATH", ""),
		TemplateEnvPath:     envStr("TEMPLATE_ENV_PATH", ""),
		ReconcileInterval:   envDuration("RUNNER_RECONCILE_INTERVAL", 30*time.Second),
		LogJSON:             envBool("RUNNER_LOG_JSON", true),
	}
}

// Validate checks runner configuration for invalid values.
func (c *Runner) Validate() error {
	var errs []error
	if c.TenantRoot == "" || c.TenantRoot == "/" {
		errs = append(errs, fmt.Errorf("TENANT_ROOT must be a non-root directory, got %q", c.TenantRoot))
	}
	if c.BridgePort <= 0 || c.BridgePort > 65535 {
		errs = append(errs, fmt.Errorf("BRIDGE_PORT must be a valid port, got %d", c.BridgePort))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("RUNNER_RECONCILE_INTERVAL must be > 0, got %s", c.ReconcileInterval))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
