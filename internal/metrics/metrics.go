// Package metrics provides Prometheus metrics for the zcproxy server and
// client, and the optional HTTP endpoint that exposes them alongside a
// /healthz probe.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the Prometheus namespace for zcproxy metrics.
const Namespace = "zcproxy"

// Collector holds all Prometheus metrics for a zcproxy process. The same
// set serves both binaries; a process simply leaves the series it never
// touches at zero.
type Collector struct {
	// Frame traffic on the tunnel.
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	BytesSent      *prometheus.CounterVec
	BytesReceived  *prometheus.CounterVec

	// Tunnel population (server side).
	ActiveControlChannels prometheus.Gauge
	TotalControlChannels  prometheus.Counter

	// Proxied flows.
	ActiveFlows prometheus.Gauge
	TotalFlows  prometheus.Counter

	// Data-channel pool (client side).
	PoolIdle prometheus.Gauge

	// Control-channel reconnects (client side).
	ReconnectAttempts prometheus.Counter
	ReconnectSuccess  prometheus.Counter

	// Errors by type.
	Errors *prometheus.CounterVec
}

// NewCollector creates a new metrics collector with all metrics registered.
func NewCollector() *Collector {
	return &Collector{
		FramesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "frames_sent_total",
				Help:      "Total number of frames sent",
			},
			[]string{"channel"}, // "control" or "data"
		),
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "frames_received_total",
				Help:      "Total number of frames received",
			},
			[]string{"channel"},
		),
		BytesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "bytes_sent_total",
				Help:      "Total payload bytes sent",
			},
			[]string{"channel"},
		),
		BytesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "bytes_received_total",
				Help:      "Total payload bytes received",
			},
			[]string{"channel"},
		),
		ActiveControlChannels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "active_control_channels",
				Help:      "Number of authenticated client tunnels",
			},
		),
		TotalControlChannels: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "control_channels_total",
				Help:      "Total number of client tunnels accepted",
			},
		),
		ActiveFlows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "active_flows",
				Help:      "Number of currently proxied user flows",
			},
		),
		TotalFlows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "flows_total",
				Help:      "Total number of user flows started",
			},
		),
		PoolIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "pool_idle_channels",
				Help:      "Number of idle data channels in the pool",
			},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "reconnect_attempts_total",
				Help:      "Total number of control-channel reconnect attempts",
			},
		),
		ReconnectSuccess: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "reconnect_success_total",
				Help:      "Total number of successful control-channel connects",
			},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type"}, // "auth", "protocol", "dial", "socks", "timeout"
		),
	}
}

// Register registers all metrics with the given registry.
func (c *Collector) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		c.FramesSent,
		c.FramesReceived,
		c.BytesSent,
		c.BytesReceived,
		c.ActiveControlChannels,
		c.TotalControlChannels,
		c.ActiveFlows,
		c.TotalFlows,
		c.PoolIdle,
		c.ReconnectAttempts,
		c.ReconnectSuccess,
		c.Errors,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister registers all metrics and panics on error.
func (c *Collector) MustRegister(reg prometheus.Registerer) {
	if err := c.Register(reg); err != nil {
		panic(err)
	}
}

// RecordFrameSent records an outbound frame and its payload size.
func (c *Collector) RecordFrameSent(channel string, payloadBytes int) {
	c.FramesSent.WithLabelValues(channel).Inc()
	c.BytesSent.WithLabelValues(channel).Add(float64(payloadBytes))
}

// RecordFrameReceived records an inbound frame and its payload size.
func (c *Collector) RecordFrameReceived(channel string, payloadBytes int) {
	c.FramesReceived.WithLabelValues(channel).Inc()
	c.BytesReceived.WithLabelValues(channel).Add(float64(payloadBytes))
}

// RecordControlChannelOpened records an authenticated tunnel.
func (c *Collector) RecordControlChannelOpened() {
	c.ActiveControlChannels.Inc()
	c.TotalControlChannels.Inc()
}

// RecordControlChannelClosed records a tunnel teardown.
func (c *Collector) RecordControlChannelClosed() {
	c.ActiveControlChannels.Dec()
}

// RecordFlowStarted records a new proxied flow.
func (c *Collector) RecordFlowStarted() {
	c.ActiveFlows.Inc()
	c.TotalFlows.Inc()
}

// RecordFlowEnded records a flow teardown.
func (c *Collector) RecordFlowEnded() {
	c.ActiveFlows.Dec()
}

// SetPoolIdle reports the current idle pool size.
func (c *Collector) SetPoolIdle(n int) {
	c.PoolIdle.Set(float64(n))
}

// RecordReconnectAttempt records a control-channel reconnect attempt.
func (c *Collector) RecordReconnectAttempt() {
	c.ReconnectAttempts.Inc()
}

// RecordReconnectSuccess records a successful control-channel connect.
func (c *Collector) RecordReconnectSuccess() {
	c.ReconnectSuccess.Inc()
}

// RecordError records an error.
func (c *Collector) RecordError(errorType string) {
	c.Errors.WithLabelValues(errorType).Inc()
}

// Server is an HTTP server that exposes Prometheus metrics and /healthz.
type Server struct {
	server    *http.Server
	collector *Collector
	registry  *prometheus.Registry
	addr      string
}

// ServerConfig holds configuration for the metrics server.
type ServerConfig struct {
	Addr string
	Path string
}

// NewServer creates a new metrics server.
func NewServer(config *ServerConfig) *Server {
	registry := prometheus.NewRegistry()
	collector := NewCollector()
	collector.MustRegister(registry)

	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	registry.MustRegister(prometheus.NewGoCollector())

	path := config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		server: &http.Server{
			Addr:         config.Addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		collector: collector,
		registry:  registry,
		addr:      config.Addr,
	}
}

// Collector returns the metrics collector.
func (s *Server) Collector() *Collector {
	return s.collector
}

// Registry returns the Prometheus registry.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Start starts the metrics server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.addr
}
