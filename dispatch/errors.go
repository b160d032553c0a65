package dispatch

import (
	"errors"
	"fmt"
)

// Dispatch-layer errors. All of them are detected before a service unit runs.
var (
	ErrUnknownMessageKind     = errors.New("unknown message kind")
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrDuplicateRegistration  = errors.New("duplicate registration")
	ErrRegistrySealed         = errors.New("registry sealed")
	ErrMalformedMessage       = errors.New("malformed message")
)

// HandlerError is an application-level failure raised by a service unit.
// The original cause is preserved and reachable through errors.Unwrap.
type HandlerError struct {
	Kind Kind
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed: %v", e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsDispatchError reports whether err was raised by the dispatch layer
// rather than by a service unit.
func IsDispatchError(err error) bool {
	if err == nil {
		return false
	}
	var he *HandlerError
	if errors.As(err, &he) {
		return false
	}
	for _, target := range []error{
		ErrUnknownMessageKind,
		ErrAuthenticationRequired,
		ErrInvalidSignature,
		ErrPermissionDenied,
		ErrDuplicateRegistration,
		ErrRegistrySealed,
		ErrMalformedMessage,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Error codes carried on the wire by transports.
const (
	CodeUnknownMessageKind     = "unknown_message_kind"
	CodeAuthenticationRequired = "authentication_required"
	CodeInvalidSignature       = "invalid_signature"
	CodePermissionDenied       = "permission_denied"
	CodeMalformedMessage       = "malformed_message"
	CodeHandlerFailure         = "handler_failure"
	CodeInternal               = "internal_error"
)

// ErrorCode maps an error returned by Dispatch to a stable wire code.
func ErrorCode(err error) string {
	var he *HandlerError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &he):
		return CodeHandlerFailure
	case errors.Is(err, ErrUnknownMessageKind):
		return CodeUnknownMessageKind
	case errors.Is(err, ErrAuthenticationRequired):
		return CodeAuthenticationRequired
	case errors.Is(err, ErrInvalidSignature):
		return CodeInvalidSignature
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrMalformedMessage):
		return CodeMalformedMessage
	default:
		return CodeInternal
	}
}
