package runtime

import "fmt"

// Error codes surfaced by the runtime manager. The HTTP layer maps them to
// status codes; the control plane relays them verbatim.
const (
	CodeInvalidTenantID     = "invalid_tenant_id"
	CodeInvalidTenantPath   = "invalid_tenant_path"
	CodeInvalidConfigItem   = "invalid_config_item"
	CodeUnsafePath          = "unsafe_path"
	CodeTenantNotFound      = "tenant_not_found"
	CodeComposeMissing      = "compose_missing"
	CodeTemplateMissing     = "template_missing"
	CodeImageInvalid        = "nexus_image_invalid"
	CodeDockerCommandFailed = "docker_command_failed"
	CodeDockerUnavailable   = "docker_unavailable"
)

// Error is a coded runtime-manager failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
