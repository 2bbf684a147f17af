// Package transport provides the framed TCP connection type shared by the
// proxy server and client, and the client's data-channel pool.
package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zcproxy/zcproxy/internal/constants"
	"github.com/zcproxy/zcproxy/internal/errors"
	"github.com/zcproxy/zcproxy/internal/protocol"
)

// Conn wraps a TCP connection with the frame codec, serialized writes, an
// idempotent close, and the routing attributes the handlers hang off a
// connection (userId, clientKey). Reads stay single-goroutine; everything
// else is safe for concurrent use.
type Conn struct {
	nc       net.Conn
	maxFrame int
	readIdle time.Duration

	writeMu   sync.Mutex
	lastWrite atomic.Int64 // unix nanos

	closeOnce sync.Once
	closed    chan struct{}

	mu        sync.Mutex
	userID    string
	clientKey string
}

// NewConn wraps nc. maxFrame bounds the declared length of inbound frames.
func NewConn(nc net.Conn, maxFrame int) *Conn {
	c := &Conn{
		nc:       nc,
		maxFrame: maxFrame,
		closed:   make(chan struct{}),
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return c
}

// TuneSocket applies TCP_NODELAY and the 1 MiB socket buffers to TCP
// connections; other net.Conn implementations (net.Pipe in tests) pass
// through untouched.
func TuneSocket(nc net.Conn) {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetReadBuffer(constants.SocketBufferSize)
	_ = tc.SetWriteBuffer(constants.SocketBufferSize)
}

// SetReadIdle arms the read-idle cutoff: a ReadFrame that sees no bytes for
// d fails with a deadline error. Zero disables it.
func (c *Conn) SetReadIdle(d time.Duration) {
	c.readIdle = d
}

// ReadFrame reads the next frame. Only one goroutine may call it.
func (c *Conn) ReadFrame() (*protocol.Frame, error) {
	if c.readIdle > 0 {
		if err := c.nc.SetReadDeadline(time.Now().Add(c.readIdle)); err != nil {
			return nil, err
		}
	}
	return protocol.ReadFrame(c.nc, c.maxFrame)
}

// WriteFrame encodes and writes one frame. Safe for concurrent use; frames
// are never interleaved on the wire.
func (c *Conn) WriteFrame(f *protocol.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return errors.ErrConnectionClosed
	default:
	}

	if _, err := c.nc.Write(data); err != nil {
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// StartHeartbeats spawns the write-idle watchdog: when nothing has been
// written for idle, an empty HEARTBEAT frame is sent. Used by the client
// only; the server never initiates heartbeats. The goroutine exits when the
// connection closes.
func (c *Conn) StartHeartbeats(idle time.Duration) {
	go func() {
		ticker := time.NewTicker(idle / 4)
		defer ticker.Stop()
		for {
			select {
			case <-c.closed:
				return
			case <-ticker.C:
				last := time.Unix(0, c.lastWrite.Load())
				if time.Since(last) >= idle {
					_ = c.WriteFrame(&protocol.Frame{Type: protocol.TypeHeartbeat})
				}
			}
		}
	}()
}

// Close shuts the connection down. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// UserID returns the bound user id, if any.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SetUserID binds a user id to the connection.
func (c *Conn) SetUserID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
}

// ClientKey returns the bound client key, if any.
func (c *Conn) ClientKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientKey
}

// SetClientKey binds a client key to the connection.
func (c *Conn) SetClientKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientKey = key
}

// ClearBindings drops the routing attributes. Called when a data channel
// goes back to the pool.
func (c *Conn) ClearBindings() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = ""
	c.clientKey = ""
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}
