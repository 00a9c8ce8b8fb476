package coordinator

import "fmt"

// Error is a structured gateway error: its Kind is the wire `code` value
// and HTTPStatus is what the HTTP front maps it to via Kasha-Code.
type Error struct {
	Kind       string
	HTTPStatus int
	Message    string
	EventID    string // set only for SERVER_INTERNAL_ERROR
}

func (e *Error) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("%s: %s (event %s)", e.Kind, e.Message, e.EventID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind string, status int, message string) *Error {
	return &Error{Kind: kind, HTTPStatus: status, Message: message}
}

var (
	// ErrInvalidParam is CLIENT_INVALID_PARAM (400).
	ErrInvalidParam = func(message string) *Error { return newError("CLIENT_INVALID_PARAM", 400, message) }
	// ErrInvalidHeader is CLIENT_INVALID_HEADER (400).
	ErrInvalidHeader = func(message string) *Error { return newError("CLIENT_INVALID_HEADER", 400, message) }
	// ErrInvalidProtocol is CLIENT_INVALID_PROTOCOL (400).
	ErrInvalidProtocol = func(message string) *Error { return newError("CLIENT_INVALID_PROTOCOL", 400, message) }
	// ErrEmptyHostHeader is CLIENT_EMPTY_HOST_HEADER (400).
	ErrEmptyHostHeader = func() *Error { return newError("CLIENT_EMPTY_HOST_HEADER", 400, "Host header is required") }
	// ErrHostConfigNotExist is CLIENT_HOST_CONFIG_NOT_EXIST (404).
	ErrHostConfigNotExist = func(host string) *Error {
		return newError("CLIENT_HOST_CONFIG_NOT_EXIST", 404, fmt.Sprintf("no site configuration for host %q", host))
	}
	// ErrMethodNotAllowed is CLIENT_METHOD_NOT_ALLOWED (405).
	ErrMethodNotAllowed = func(method string) *Error {
		return newError("CLIENT_METHOD_NOT_ALLOWED", 405, fmt.Sprintf("method %s not allowed", method))
	}
	// ErrNoSuchAPI is CLIENT_NO_SUCH_API (404).
	ErrNoSuchAPI = func(path string) *Error { return newError("CLIENT_NO_SUCH_API", 404, fmt.Sprintf("no such API endpoint %q", path)) }
	// ErrWorkerTimeout is SERVER_WORKER_TIMEOUT (504).
	ErrWorkerTimeout = func() *Error { return newError("SERVER_WORKER_TIMEOUT", 504, "worker did not reply in time") }
	// ErrRenderError is SERVER_RENDER_ERROR (500).
	ErrRenderError = func(message string) *Error { return newError("SERVER_RENDER_ERROR", 500, message) }
	// ErrNetError is SERVER_NET_ERROR (502).
	ErrNetError = func(message string) *Error { return newError("SERVER_NET_ERROR", 502, message) }
	// ErrRobotsDisallow is SERVER_ROBOTS_DISALLOW (403).
	ErrRobotsDisallow = func(path string) *Error {
		return newError("SERVER_ROBOTS_DISALLOW", 403, fmt.Sprintf("path %q disallowed by robots policy", path))
	}
)

// ErrInternal builds SERVER_INTERNAL_ERROR (500) carrying eventID, the key
// into the structured log that recorded the underlying cause.
func ErrInternal(eventID string, cause error) *Error {
	msg := "internal error"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: "SERVER_INTERNAL_ERROR", HTTPStatus: 500, Message: msg, EventID: eventID}
}

// FromOutcomeErrorKind maps a worker-reported error kind to a structured
// Error. Unrecognized kinds fall back to SERVER_RENDER_ERROR.
func FromOutcomeErrorKind(kind, message string) *Error {
	switch kind {
	case "SERVER_NET_ERROR":
		return ErrNetError(message)
	case "SERVER_WORKER_TIMEOUT":
		return ErrWorkerTimeout()
	default:
		return ErrRenderError(message)
	}
}
