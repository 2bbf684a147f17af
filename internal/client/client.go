// Package client implements the proxy client daemon: it dials out of the
// private network to the proxy server, keeps the control channel alive with
// backoff reconnects, and serves CONNECT requests by dialing the real
// targets and pumping their traffic through pooled data channels.
package client

import (
	"context"
	"net"
	"time"

	"github.com/zcproxy/zcproxy/internal/config"
	"github.com/zcproxy/zcproxy/internal/constants"
	"github.com/zcproxy/zcproxy/internal/metrics"
	"github.com/zcproxy/zcproxy/internal/protocol"
	"github.com/zcproxy/zcproxy/internal/retry"
	"github.com/zcproxy/zcproxy/internal/transport"
	"github.com/zcproxy/zcproxy/pkg/logger"
)

const dialTimeout = 10 * time.Second

// Client is the proxy client process.
type Client struct {
	cfg     *config.ClientConfig
	key     string
	log     *logger.Logger
	metrics *metrics.Collector
	backoff *retry.Backoff
	dialer  net.Dialer
}

// New creates a client. A missing client key is generated here so the same
// identity survives reconnects.
func New(cfg *config.ClientConfig, log *logger.Logger, collector *metrics.Collector) *Client {
	key := cfg.EnsureKey()
	return &Client{
		cfg:     cfg,
		key:     key,
		log:     log.WithStr("client_key", key),
		metrics: collector,
		backoff: retry.New(cfg.Reconnect.InitialDelay, cfg.Reconnect.MaxDelay),
		dialer:  net.Dialer{Timeout: dialTimeout},
	}
}

// Key returns the client key sent in AUTH frames.
func (c *Client) Key() string {
	return c.key
}

// Run keeps the control channel up until the context is cancelled. Every
// loss of the control channel tears down all flows and data channels, then
// reconnects with backoff.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.metrics.RecordReconnectAttempt()
		control, err := c.dialControl(ctx)
		if err != nil {
			c.log.Warn().Err(err).
				Int("attempt", c.backoff.Attempts()+1).
				Msg("control channel connect failed")
			c.metrics.RecordError("dial")
			if err := c.backoff.Wait(ctx); err != nil {
				return err
			}
			continue
		}

		c.metrics.RecordReconnectSuccess()
		c.backoff.Reset()
		c.log.Info().Str("server", c.cfg.ServerAddr()).Msg("control channel established")

		sess := newSession(c, control)
		sess.run(ctx)
		sess.teardown()
		c.log.Warn().Msg("control channel lost")

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.backoff.Wait(ctx); err != nil {
			return err
		}
	}
}

// dialControl opens the control channel and authenticates. The AUTH frame
// goes out before anything else; heartbeats and the read-idle cutoff are
// armed once the channel is up.
func (c *Client) dialControl(ctx context.Context) (*transport.Conn, error) {
	nc, err := c.dialer.DialContext(ctx, "tcp", c.cfg.ServerAddr())
	if err != nil {
		return nil, err
	}
	transport.TuneSocket(nc)

	conn := transport.NewConn(nc, protocol.MaxControlFrameSize)
	auth := &protocol.Frame{Type: protocol.TypeAuth, URI: c.key}
	if err := conn.WriteFrame(auth); err != nil {
		conn.Close()
		return nil, err
	}
	c.metrics.RecordFrameSent("control", 0)

	conn.SetReadIdle(constants.ReadIdleTimeout)
	conn.StartHeartbeats(constants.WriteIdleTimeout)
	return conn, nil
}
