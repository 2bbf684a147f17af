package server

import (
	"net"
	"sync"
	"time"

	"github.com/zcproxy/zcproxy/internal/constants"
	"github.com/zcproxy/zcproxy/internal/errors"
	"github.com/zcproxy/zcproxy/internal/protocol"
	"github.com/zcproxy/zcproxy/internal/socks5"
	"github.com/zcproxy/zcproxy/internal/transport"
	"github.com/zcproxy/zcproxy/pkg/shortid"
)

// userChannel is one external SOCKS5 connection. Payload reads are gated on
// ready, which closes when the client's CONNECT-ack binds a data channel.
type userChannel struct {
	conn      net.Conn
	userID    string
	clientKey string

	mu   sync.Mutex
	data *transport.Conn

	ready    chan struct{}
	bindOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
}

func newUserChannel(nc net.Conn) *userChannel {
	return &userChannel{
		conn:  nc,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// bindData attaches the data channel and releases the payload gate.
func (u *userChannel) bindData(dc *transport.Conn) {
	u.mu.Lock()
	u.data = dc
	u.mu.Unlock()
	u.bindOnce.Do(func() { close(u.ready) })
}

func (u *userChannel) boundData() *transport.Conn {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.data
}

// Write delivers payload bytes to the user socket.
func (u *userChannel) Write(p []byte) error {
	_, err := u.conn.Write(p)
	return err
}

// Close shuts the user socket. Idempotent.
func (u *userChannel) Close() {
	u.closeOnce.Do(func() {
		close(u.done)
		u.conn.Close()
	})
}

// handleUserConn drives one SOCKS5 user from handshake to payload relay.
func (s *Server) handleUserConn(nc net.Conn) {
	transport.TuneSocket(nc)
	user := newUserChannel(nc)

	var ctl *control
	onAuth := func(clientKey string) error {
		c, ok := s.controls.Get(clientKey)
		if !ok {
			return errors.ErrUnknownClientKey
		}
		// Register before the auth success byte goes out, so a TRANSFER
		// routed here can never precede the reply.
		user.userID = shortid.New()
		user.clientKey = clientKey
		c.users.Put(user.userID, user)
		ctl = c
		s.metrics.RecordFlowStarted()
		return nil
	}

	req, err := socks5.Negotiate(nc, s.cfg.Config.Socks.Password, onAuth)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", nc.RemoteAddr().String()).
			Msg("socks negotiation failed")
		s.metrics.RecordError("socks")
		s.dropUser(ctl, user)
		return
	}

	// Tell the client to dial the destination, then answer the user. The
	// bind address is always 0.0.0.0:0; the real outbound socket lives at
	// the remote client.
	connect := &protocol.Frame{
		Type: protocol.TypeConnect,
		URI:  protocol.ConnectURI(user.userID, req.DestHost, req.DestPort),
	}
	if err := ctl.conn.WriteFrame(connect); err != nil {
		_ = socks5.SendReply(nc, socks5.ReplyGeneralFailure)
		s.dropUser(ctl, user)
		return
	}
	s.metrics.RecordFrameSent("control", 0)
	if err := socks5.SendReply(nc, socks5.ReplySuccess); err != nil {
		s.dropUser(ctl, user)
		return
	}

	s.log.Debug().Str("user_id", user.userID).Str("client_key", user.clientKey).
		Str("dest", socks5.FormatDestination(req.DestHost, req.DestPort)).
		Msg("user flow connecting")

	// Payload reads wait for the CONNECT-ack to bind a data channel.
	select {
	case <-user.ready:
	case <-user.done:
		s.dropUser(ctl, user)
		return
	case <-time.After(constants.ReadIdleTimeout):
		s.log.Warn().Str("user_id", user.userID).Msg("no connect ack, dropping user")
		s.metrics.RecordError("timeout")
		s.dropUser(ctl, user)
		return
	}

	s.pumpUser(ctl, user)
}

// pumpUser copies user payload into TRANSFER frames on the bound data
// channel until either side goes away.
func (s *Server) pumpUser(ctl *control, user *userChannel) {
	buf := make([]byte, 32*1024)
	for {
		n, err := user.conn.Read(buf)
		if n > 0 {
			f := &protocol.Frame{
				Type: protocol.TypeTransfer,
				URI:  user.userID,
				Data: buf[:n],
			}
			dc := user.boundData()
			if dc == nil {
				break
			}
			if werr := dc.WriteFrame(f); werr != nil {
				break
			}
			s.metrics.RecordFrameSent("data", n)
		}
		if err != nil {
			break
		}
	}
	s.disconnectUser(ctl, user)
}

// disconnectUser converges a user-side close: unregister the flow, notify
// the client over the bound data channel, close the socket. Re-entry after
// the registry entry is gone is a no-op.
func (s *Server) disconnectUser(ctl *control, user *userChannel) {
	if _, ok := ctl.users.Remove(user.userID); ok {
		if dc := user.boundData(); dc != nil {
			f := &protocol.Frame{Type: protocol.TypeDisconnect, URI: user.userID}
			_ = dc.WriteFrame(f)
			s.metrics.RecordFrameSent("data", 0)
		}
		s.metrics.RecordFlowEnded()
	}
	user.Close()
}

// dropUser abandons a user before the relay phase.
func (s *Server) dropUser(ctl *control, user *userChannel) {
	if ctl != nil && user.userID != "" {
		if _, ok := ctl.users.Remove(user.userID); ok {
			s.metrics.RecordFlowEnded()
		}
	}
	user.Close()
}
