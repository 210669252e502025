package stratum

import "fmt"

// Kind classifies a StratumError without tying callers to a specific
// message string.
type Kind int

const (
	// KindJSON is malformed JSON on the wire.
	KindJSON Kind = iota
	// KindIO is a socket-level failure (connect, read, write, shutdown).
	KindIO
	// KindHexDecode is an expected hex field that failed to decode.
	KindHexDecode
	// KindProtocol is well-formed JSON-RPC that violates the protocol
	// contract: missing fields, wrong shapes, a JSON-RPC error from the
	// pool, an empty response, or a lock/read/write timeout.
	KindProtocol
	// KindAuthenticationFailed means a mining.authorize call failed in
	// transport or returned a malformed result. A pool refusal
	// (authorized = false) is not an error; it is reported through
	// AuthResponse.Authorized.
	KindAuthenticationFailed
	// KindSubscriptionFailed means the subscribe response was absent,
	// malformed, or shaped unexpectedly.
	KindSubscriptionFailed
	// KindInvalidJob means a mining.notify payload failed validation.
	KindInvalidJob
	// KindConnection means a TCP connect or reconnect could not establish.
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindIO:
		return "io"
	case KindHexDecode:
		return "hex_decode"
	case KindProtocol:
		return "protocol"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindSubscriptionFailed:
		return "subscription_failed"
	case KindInvalidJob:
		return "invalid_job"
	case KindConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus a human-readable cause, and wraps the
// underlying error where one triggered it.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Kind, so
// errors.Is(err, &stratum.Error{Kind: stratum.KindInvalidJob}) matches any
// error of that Kind without string matching; IsKind does the same check
// without building a target.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func wrapErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// IsKind reports whether err is (or wraps) a *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			if se.Kind == kind {
				return true
			}
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
