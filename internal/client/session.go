package client

import (
	"context"
	"net"
	"strconv"

	"github.com/zcproxy/zcproxy/internal/constants"
	"github.com/zcproxy/zcproxy/internal/protocol"
	"github.com/zcproxy/zcproxy/internal/registry"
	"github.com/zcproxy/zcproxy/internal/transport"
)

// flow is one proxied user connection seen from the client: the socket to
// the real target and the data channel carrying its frames.
type flow struct {
	real net.Conn
	data *transport.Conn
}

// session is everything tied to one control-channel connection. When the
// control channel drops the whole session goes with it; Run builds a fresh
// one on reconnect.
type session struct {
	client  *Client
	control *transport.Conn
	pool    *transport.Pool
	flows   *registry.Registry[*flow]
}

func newSession(c *Client, control *transport.Conn) *session {
	s := &session{
		client:  c,
		control: control,
		flows:   registry.New[*flow](),
	}
	s.pool = transport.NewPool(s.dialData, constants.MaxPoolSize)
	return s
}

// run reads control frames until the channel fails.
func (s *session) run(ctx context.Context) {
	for {
		f, err := s.control.ReadFrame()
		if err != nil {
			return
		}
		s.client.metrics.RecordFrameReceived("control", len(f.Data))

		switch f.Type {
		case protocol.TypeHeartbeat:
			// Server echo of our keepalive.
		case protocol.TypeConnect:
			go s.handleConnect(ctx, f.URI)
		case protocol.TypeDisconnect:
			s.handleDisconnect(f.URI)
		default:
			s.client.log.Debug().Uint8("type", f.Type).
				Msg("ignoring unexpected frame on control channel")
		}
	}
}

// teardown closes every flow and pooled channel owned by this session.
func (s *session) teardown() {
	s.control.Close()
	for _, fl := range s.flows.Clear() {
		fl.real.Close()
		fl.data.Close()
		s.client.metrics.RecordFlowEnded()
	}
	s.pool.Close()
	s.client.metrics.SetPoolIdle(0)
}

// handleConnect serves a CONNECT from the server, uri "userId:host:port":
// dial the target, borrow a data channel, cross-bind, ack. Any failure is
// reported as DISCONNECT(userId) on the control channel.
func (s *session) handleConnect(ctx context.Context, uri string) {
	userID, host, port, err := protocol.ParseConnectURI(uri)
	if err != nil {
		s.client.log.Warn().Str("uri", uri).Msg("connect with malformed uri")
		return
	}
	log := s.client.log.WithStr("user_id", userID)

	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	real, err := s.client.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.Warn().Err(err).Str("dest", addr).Msg("real server dial failed")
		s.client.metrics.RecordError("dial")
		s.sendControlDisconnect(userID)
		return
	}
	transport.TuneSocket(real)

	dc, err := s.pool.Get(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("data channel borrow failed")
		real.Close()
		s.sendControlDisconnect(userID)
		return
	}
	s.client.metrics.SetPoolIdle(s.pool.Size())

	dc.SetUserID(userID)
	dc.SetClientKey(s.client.key)
	s.flows.Put(userID, &flow{real: real, data: dc})

	ack := &protocol.Frame{Type: protocol.TypeConnect, URI: protocol.BindURI(userID, s.client.key)}
	if err := dc.WriteFrame(ack); err != nil {
		s.flows.Remove(userID)
		real.Close()
		dc.Close()
		s.sendControlDisconnect(userID)
		return
	}
	s.client.metrics.RecordFrameSent("data", 0)
	s.client.metrics.RecordFlowStarted()
	log.Debug().Str("dest", addr).Msg("flow established")

	go s.pumpReal(userID, real, dc)
}

// handleDisconnect serves a DISCONNECT on the control channel: close the
// real socket and recycle the data channel.
func (s *session) handleDisconnect(userID string) {
	fl, ok := s.flows.Remove(userID)
	if !ok {
		return
	}
	fl.real.Close()
	fl.data.ClearBindings()
	s.pool.Put(fl.data)
	s.client.metrics.RecordFlowEnded()
	s.client.metrics.SetPoolIdle(s.pool.Size())
}

func (s *session) sendControlDisconnect(userID string) {
	f := &protocol.Frame{Type: protocol.TypeDisconnect, URI: userID}
	if err := s.control.WriteFrame(f); err == nil {
		s.client.metrics.RecordFrameSent("control", 0)
	}
}

// dialData opens a fresh data channel to the server and starts its reader.
// The reader outlives individual flows: a recycled channel keeps the same
// goroutine through every pool cycle.
func (s *session) dialData(ctx context.Context) (*transport.Conn, error) {
	nc, err := s.client.dialer.DialContext(ctx, "tcp", s.client.cfg.ServerAddr())
	if err != nil {
		return nil, err
	}
	transport.TuneSocket(nc)

	dc := transport.NewConn(nc, protocol.MaxDataFrameSize)
	dc.SetReadIdle(constants.ReadIdleTimeout)
	dc.StartHeartbeats(constants.WriteIdleTimeout)
	go s.runDataChannel(dc)
	return dc, nil
}

// runDataChannel dispatches frames arriving on one data channel.
func (s *session) runDataChannel(dc *transport.Conn) {
	for {
		f, err := dc.ReadFrame()
		if err != nil {
			break
		}
		s.client.metrics.RecordFrameReceived("data", len(f.Data))

		switch f.Type {
		case protocol.TypeHeartbeat:
			// Server echo.
		case protocol.TypeTransfer:
			if fl, ok := s.flows.Get(dc.UserID()); ok {
				if _, err := fl.real.Write(f.Data); err != nil {
					fl.real.Close()
				}
			}
		case protocol.TypeDisconnect:
			// Recycle only when this frame actually ended the flow; the
			// real-side pump may have returned the channel already.
			if uid := dc.UserID(); uid != "" {
				if fl, ok := s.flows.Remove(uid); ok {
					fl.real.Close()
					dc.ClearBindings()
					s.pool.Put(dc)
					s.client.metrics.RecordFlowEnded()
					s.client.metrics.SetPoolIdle(s.pool.Size())
				}
			}
		default:
			s.client.log.Debug().Uint8("type", f.Type).
				Msg("ignoring unexpected frame on data channel")
		}
	}

	dc.Close()
	if uid := dc.UserID(); uid != "" {
		if fl, ok := s.flows.Remove(uid); ok {
			fl.real.Close()
			s.client.metrics.RecordFlowEnded()
		}
	}
	s.pool.Remove(dc)
	s.client.metrics.SetPoolIdle(s.pool.Size())
}

// pumpReal copies bytes from the real server into TRANSFER frames on the
// bound data channel. When the real side closes, the flow converges: one
// DISCONNECT to the server, the channel back to the pool.
func (s *session) pumpReal(userID string, real net.Conn, dc *transport.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := real.Read(buf)
		if n > 0 {
			f := &protocol.Frame{Type: protocol.TypeTransfer, URI: userID, Data: buf[:n]}
			if werr := dc.WriteFrame(f); werr != nil {
				break
			}
			s.client.metrics.RecordFrameSent("data", n)
		}
		if err != nil {
			break
		}
	}

	real.Close()
	if _, ok := s.flows.Remove(userID); ok {
		f := &protocol.Frame{Type: protocol.TypeDisconnect, URI: userID}
		_ = dc.WriteFrame(f)
		dc.ClearBindings()
		s.pool.Put(dc)
		s.client.metrics.RecordFlowEnded()
		s.client.metrics.SetPoolIdle(s.pool.Size())
	}
}
