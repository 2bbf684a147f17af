// Package errors defines the error taxonomy shared by the proxy server and
// client.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// Auth errors
	ErrInvalidClientKey   = errors.New("invalid client key")
	ErrDuplicateClientKey = errors.New("client key already registered")
	ErrUnknownClientKey   = errors.New("unknown client key")
	ErrBadPassword        = errors.New("bad password")

	// Routing errors
	ErrUnknownUser  = errors.New("unknown user id")
	ErrNotBound     = errors.New("channel has no peer binding")
	ErrAlreadyBound = errors.New("channel already bound")

	// Transport errors
	ErrConnectionClosed = errors.New("connection closed")
	ErrPoolClosed       = errors.New("data channel pool closed")
	ErrDialFailed       = errors.New("dial failed")

	// Protocol errors
	ErrProtocol = errors.New("protocol violation")
)

// ProxyError carries the operation and category alongside the underlying
// cause, in the shape "op: kind: cause".
type ProxyError struct {
	Op   string // operation that failed, e.g. "server.auth"
	Kind error  // category, one of the sentinels above
	Err  error  // underlying error, may be nil
}

func (e *ProxyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target category.
func (e *ProxyError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// Wrap builds a ProxyError.
func Wrap(op string, kind error, err error) *ProxyError {
	return &ProxyError{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether the failure may clear on a later attempt. Only
// transport-level failures qualify; auth and protocol failures are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrDialFailed)
}
