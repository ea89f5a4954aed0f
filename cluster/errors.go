package cluster

import "errors"

var (
	// ErrCoordinationUnavailable reports a connect or request failure
	// against the directory backend.
	ErrCoordinationUnavailable = errors.New("coordination service unavailable")
	// ErrCorruptRegistryEntry reports a stored directory entry that cannot be decoded.
	ErrCorruptRegistryEntry = errors.New("corrupt registry entry")
	// ErrTransportUnavailable reports a bus connect or subscribe failure.
	ErrTransportUnavailable = errors.New("message bus unavailable")
	ErrAlreadyStarted       = errors.New("already started")
	ErrNotStarted           = errors.New("not started")
	// ErrOverloaded is returned to callers whose request was rejected by
	// admission control on the remote member.
	ErrOverloaded      = errors.New("server is overloaded")
	ErrServerNotFound  = errors.New("server not found")
	ErrInvalidResponse = errors.New("invalid rpc response")
)

// Reply-level error codes carried in message.Error.Code.
const (
	CodeOverloaded  = "PIT-503"
	CodeTimeout     = "PIT-504"
	CodeRateLimited = "PIT-429"
	CodeNotFound    = "PIT-404"
	CodeInternal    = "PIT-500"
)
