package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestProxyErrorMessage(t *testing.T) {
	base := fmt.Errorf("connection reset")
	err := Wrap("server.transfer", ErrConnectionClosed, base)

	want := "server.transfer: connection closed: connection reset"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := Wrap("server.auth", ErrDuplicateClientKey, nil)
	want = "server.auth: client key already registered"
	if bare.Error() != want {
		t.Errorf("Error() = %q, want %q", bare.Error(), want)
	}
}

func TestProxyErrorIsAndUnwrap(t *testing.T) {
	base := fmt.Errorf("boom")
	err := Wrap("client.dial", ErrDialFailed, base)

	if !errors.Is(err, ErrDialFailed) {
		t.Error("errors.Is should match the kind")
	}
	if !errors.Is(err, base) {
		t.Error("errors.Is should match the wrapped cause")
	}
	if errors.Is(err, ErrBadPassword) {
		t.Error("errors.Is matched an unrelated kind")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrConnectionClosed, true},
		{ErrDialFailed, true},
		{Wrap("client.connect", ErrDialFailed, fmt.Errorf("refused")), true},
		{ErrBadPassword, false},
		{ErrDuplicateClientKey, false},
		{ErrProtocol, false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
