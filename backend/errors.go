package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed API call for retry and UI purposes
type ErrorKind int

const (
	// KindNetwork means no response was received (DNS, refused, timeout).
	KindNetwork ErrorKind = iota
	// KindServer is a 5xx response.
	KindServer
	// KindClient is a 4xx response other than 401, including validation failures.
	KindClient
	// KindAuthExpired is a 401 response.
	KindAuthExpired
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindAuthExpired:
		return "auth_expired"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by Marketplace implementations.
type Error struct {
	Kind       ErrorKind
	StatusCode int    // 0 for network errors
	Message    string // server-provided message when available
	Err        error  // underlying transport error, if any
	Token      string // bearer token the server rejected (KindAuthExpired only)
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Kind == KindNetwork && e.Err != nil:
		return fmt.Sprintf("network error: %v", e.Err)
	case e.Message != "":
		return e.Message
	case e.StatusCode != 0:
		return fmt.Sprintf("%s error: status %d", e.Kind, e.StatusCode)
	default:
		return e.Kind.String() + " error"
	}
}

// Unwrap returns the underlying error for error chain support.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrSessionExpired is matched by errors.Is for any KindAuthExpired error.
var ErrSessionExpired = errors.New("session expired")

// Is reports session expiry as ErrSessionExpired.
func (e *Error) Is(target error) bool {
	return target == ErrSessionExpired && e.Kind == KindAuthExpired
}

// NetworkError wraps a transport failure.
func NetworkError(err error) *Error {
	return &Error{Kind: KindNetwork, Err: err}
}

// ClientError builds a terminal 4xx error, e.g. a validation failure.
func ClientError(message string) *Error {
	return &Error{Kind: KindClient, StatusCode: http.StatusBadRequest, Message: message}
}

// ErrorFromStatus classifies a non-2xx response.
func ErrorFromStatus(status int, message string) *Error {
	e := &Error{StatusCode: status, Message: message}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuthExpired
	case status >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindClient
	}
	return e
}

// KindOf returns the kind of err and whether err carries one.
func KindOf(err error) (ErrorKind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return KindNetwork, false
}

// IsRetryable reports whether err is transient (network or 5xx).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == KindNetwork || be.Kind == KindServer
	}
	return false
}

// IsAuthExpired reports whether err is a 401.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}
