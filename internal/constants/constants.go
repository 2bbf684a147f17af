// Package constants provides shared tuning constants for the proxy.
package constants

import "time"

// ClientKeyPrefix is required on client keys at AUTH time. The server
// enforces it; clients are free to send any key.
const ClientKeyPrefix = "ZC-"

// Idle detection on framed connections.
const (
	// ReadIdleTimeout closes a connection that has received nothing for
	// this long.
	ReadIdleTimeout = 60 * time.Second

	// WriteIdleTimeout makes the client emit a heartbeat after this long
	// without outbound traffic. The 20s gap below ReadIdleTimeout leaves
	// room for at least one heartbeat before the server gives up.
	WriteIdleTimeout = 40 * time.Second
)

// MaxPoolSize caps the number of idle data channels the client keeps.
const MaxPoolSize = 100

// SocketBufferSize is applied to OS send/receive buffers where configurable.
const SocketBufferSize = 1024 * 1024
