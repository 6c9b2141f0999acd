package proxy

import "fmt"

// Error kinds surfaced in the OpenAI-style error envelope.
const (
	ErrInvalidRequest = "invalid_request_error"
	ErrAuth           = "auth_error"
	ErrAccessDenied   = "access_denied"
	ErrPermission     = "permission_error"
	ErrNotFound       = "not_found"
	ErrRateLimit      = "rate_limit_error"
	ErrUpstream       = "upstream_error"
	ErrStream         = "stream_error"
	ErrServer         = "server_error"
	ErrNoBackends     = "no_backends"
)

// GatewayError is an error that already knows its HTTP status and taxonomy
// kind, so handlers can surface it without re-classifying.
type GatewayError struct {
	Status  int
	Kind    string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

func newGatewayError(status int, kind, message string) *GatewayError {
	return &GatewayError{Status: status, Kind: kind, Message: message}
}
