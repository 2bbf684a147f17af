// Package server implements the public side of the proxy: the tunnel
// listener proxy clients dial into (control and data channels) and the
// SOCKS5 listener external users dial into. It owns the routing tables that
// tie a (clientKey, userId) pair to its four sockets.
package server

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/zcproxy/zcproxy/internal/config"
	"github.com/zcproxy/zcproxy/internal/constants"
	"github.com/zcproxy/zcproxy/internal/metrics"
	"github.com/zcproxy/zcproxy/internal/protocol"
	"github.com/zcproxy/zcproxy/internal/registry"
	"github.com/zcproxy/zcproxy/internal/transport"
	"github.com/zcproxy/zcproxy/pkg/logger"
)

// control is one authenticated client tunnel: its control channel plus the
// user channels currently riding it.
type control struct {
	conn  *transport.Conn
	key   string
	users *registry.Registry[*userChannel]
}

// Server is the proxy server process.
type Server struct {
	cfg      *config.ServerConfig
	log      *logger.Logger
	metrics  *metrics.Collector
	controls *registry.Registry[*control]

	mu       sync.Mutex
	tunnelLn net.Listener
	socksLn  net.Listener
	closed   bool

	wg sync.WaitGroup
}

// New creates a server. The collector must be non-nil; callers that do not
// expose metrics pass a fresh unregistered one.
func New(cfg *config.ServerConfig, log *logger.Logger, collector *metrics.Collector) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		metrics:  collector,
		controls: registry.New[*control](),
	}
}

// Run opens both listeners and serves until the context is cancelled or
// Close is called.
func (s *Server) Run(ctx context.Context) error {
	tunnelLn, err := net.Listen("tcp", s.cfg.TunnelAddr())
	if err != nil {
		return err
	}
	socksLn, err := net.Listen("tcp", s.cfg.SocksAddr())
	if err != nil {
		tunnelLn.Close()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		tunnelLn.Close()
		socksLn.Close()
		return net.ErrClosed
	}
	s.tunnelLn = tunnelLn
	s.socksLn = socksLn
	s.mu.Unlock()

	s.log.Info().
		Str("tunnel", tunnelLn.Addr().String()).
		Str("socks", socksLn.Addr().String()).
		Msg("server listening")

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.wg.Add(2)
	go s.acceptLoop(tunnelLn, s.handleTunnelConn)
	go s.acceptLoop(socksLn, s.handleUserConn)
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, handle func(net.Conn)) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handle(conn)
		}()
	}
}

// Close shuts both listeners and every tracked channel. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tunnelLn, socksLn := s.tunnelLn, s.socksLn
	s.mu.Unlock()

	if tunnelLn != nil {
		tunnelLn.Close()
	}
	if socksLn != nil {
		socksLn.Close()
	}
	for _, ctl := range s.controls.Clear() {
		ctl.conn.Close()
		for _, u := range ctl.users.Clear() {
			u.Close()
		}
	}
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// TunnelAddr returns the bound tunnel listener address.
func (s *Server) TunnelAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tunnelLn == nil {
		return nil
	}
	return s.tunnelLn.Addr()
}

// SocksAddr returns the bound SOCKS5 listener address.
func (s *Server) SocksAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socksLn == nil {
		return nil
	}
	return s.socksLn.Addr()
}

// tunnelHandler owns one accepted tunnel connection. Whether it turns out
// to be a control channel (after AUTH) or a data channel (after the
// CONNECT-ack) is decided by the frames the client sends; all per-connection
// state lives here, touched only by this connection's goroutine.
type tunnelHandler struct {
	srv  *Server
	conn *transport.Conn

	ctl   *control     // non-nil once this connection authenticated as a control channel
	bound *userChannel // non-nil once this connection bound as a data channel
}

func (s *Server) handleTunnelConn(nc net.Conn) {
	transport.TuneSocket(nc)
	conn := transport.NewConn(nc, protocol.MaxControlFrameSize)
	conn.SetReadIdle(constants.ReadIdleTimeout)

	h := &tunnelHandler{srv: s, conn: conn}
	h.run()
}

func (h *tunnelHandler) run() {
	defer h.teardown()
	for {
		f, err := h.conn.ReadFrame()
		if err != nil {
			return
		}
		h.srv.metrics.RecordFrameReceived(h.channelLabel(), len(f.Data))

		switch f.Type {
		case protocol.TypeHeartbeat:
			h.handleHeartbeat(f)
		case protocol.TypeAuth:
			h.handleAuth(f)
		case protocol.TypeConnect:
			h.handleConnectAck(f)
		case protocol.TypeDisconnect:
			h.handleDisconnect(f)
		case protocol.TypeTransfer:
			h.handleTransfer(f)
		default:
			h.srv.log.Debug().Uint8("type", f.Type).Msg("ignoring unknown frame type")
		}

		if h.conn.Closed() {
			return
		}
	}
}

func (h *tunnelHandler) channelLabel() string {
	if h.ctl != nil {
		return "control"
	}
	return "data"
}

// handleHeartbeat echoes the heartbeat with the inbound serial number.
func (h *tunnelHandler) handleHeartbeat(f *protocol.Frame) {
	reply := &protocol.Frame{Type: protocol.TypeHeartbeat, SerialNumber: f.SerialNumber}
	if err := h.conn.WriteFrame(reply); err != nil {
		h.conn.Close()
		return
	}
	h.srv.metrics.RecordFrameSent(h.channelLabel(), 0)
}

// handleAuth registers this connection as the control channel for the key
// in the URI. The duplicate check is get-then-insert; a racing pair of AUTH
// frames is resolved by whichever insertion lands last.
func (h *tunnelHandler) handleAuth(f *protocol.Frame) {
	key := f.URI
	if !strings.HasPrefix(key, constants.ClientKeyPrefix) {
		h.srv.log.Warn().Str("client_key", key).Msg("auth rejected: bad key format")
		h.srv.metrics.RecordError("auth")
		h.conn.Close()
		return
	}
	if _, ok := h.srv.controls.Get(key); ok {
		h.srv.log.Warn().Str("client_key", key).Msg("auth rejected: key already registered")
		h.srv.metrics.RecordError("auth")
		h.conn.Close()
		return
	}

	ctl := &control{conn: h.conn, key: key, users: registry.New[*userChannel]()}
	h.srv.controls.Put(key, ctl)
	h.ctl = ctl
	h.srv.metrics.RecordControlChannelOpened()
	h.srv.log.Info().Str("client_key", key).
		Str("remote", h.conn.RemoteAddr().String()).
		Msg("client tunnel registered")
}

// handleConnectAck processes the client's CONNECT acknowledgement arriving
// on a fresh data channel, uri "userId@clientKey". It completes the
// four-way binding and releases the user channel's payload gate.
func (h *tunnelHandler) handleConnectAck(f *protocol.Frame) {
	userID, clientKey, err := protocol.ParseBindURI(f.URI)
	if err != nil {
		h.srv.log.Warn().Str("uri", f.URI).Msg("connect ack with malformed uri")
		h.conn.Close()
		return
	}

	ctl, ok := h.srv.controls.Get(clientKey)
	if !ok {
		h.srv.log.Warn().Str("client_key", clientKey).Msg("connect ack for unknown client key")
		h.conn.Close()
		return
	}
	user, ok := ctl.users.Get(userID)
	if !ok {
		h.srv.log.Warn().Str("user_id", userID).Msg("connect ack for unknown user id")
		h.conn.Close()
		return
	}

	h.conn.SetUserID(userID)
	h.conn.SetClientKey(clientKey)
	h.bound = user
	user.bindData(h.conn)
	h.srv.log.Debug().Str("user_id", userID).Str("client_key", clientKey).
		Msg("data channel bound")
}

// handleDisconnect tears down the flow named by the frame. On a control
// channel (no clientKey binding) only the user channel goes; on a bound
// data channel the source semantics close the data channel too.
func (h *tunnelHandler) handleDisconnect(f *protocol.Frame) {
	if h.conn.ClientKey() == "" {
		if h.ctl == nil {
			return
		}
		if user, ok := h.ctl.users.Remove(f.URI); ok {
			user.Close()
			h.srv.metrics.RecordFlowEnded()
		}
		return
	}

	ctl, ok := h.srv.controls.Get(h.conn.ClientKey())
	if !ok {
		h.srv.log.Warn().Str("client_key", h.conn.ClientKey()).
			Msg("disconnect for unknown client key")
		return
	}
	if user, ok := ctl.users.Remove(h.conn.UserID()); ok {
		user.Close()
		h.srv.metrics.RecordFlowEnded()
		h.conn.ClearBindings()
		h.bound = nil
		h.conn.Close()
	}
}

// handleTransfer forwards payload from the data channel to the bound user
// socket.
func (h *tunnelHandler) handleTransfer(f *protocol.Frame) {
	if h.bound == nil {
		return
	}
	if err := h.bound.Write(f.Data); err != nil {
		h.bound.Close()
	}
}

// teardown runs when the connection's read loop exits. A control channel
// takes all of its user channels down with it; a bound data channel behaves
// like an inbound DISCONNECT for its flow.
func (h *tunnelHandler) teardown() {
	h.conn.Close()

	if h.ctl != nil {
		if cur, ok := h.srv.controls.Get(h.ctl.key); ok && cur == h.ctl {
			h.srv.controls.Remove(h.ctl.key)
		}
		for _, u := range h.ctl.users.Clear() {
			u.Close()
			h.srv.metrics.RecordFlowEnded()
		}
		h.srv.metrics.RecordControlChannelClosed()
		h.srv.log.Info().Str("client_key", h.ctl.key).Msg("client tunnel closed")
		return
	}

	if h.bound != nil {
		if ctl, ok := h.srv.controls.Get(h.conn.ClientKey()); ok {
			if _, removed := ctl.users.Remove(h.conn.UserID()); removed {
				h.srv.metrics.RecordFlowEnded()
			}
		}
		h.bound.Close()
	}
}
