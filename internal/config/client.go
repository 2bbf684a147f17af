package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/zcproxy/zcproxy/internal/constants"
	"github.com/zcproxy/zcproxy/pkg/shortid"
)

// ClientConfig represents the complete client configuration.
type ClientConfig struct {
	Server        ServerEndpoint  `mapstructure:"server"`
	Client        ClientSettings  `mapstructure:"client"`
	Reconnect     ReconnectConfig `mapstructure:"reconnect"`
	Logging       LoggingConfig   `mapstructure:"logging"`
	Observability ObservConfig    `mapstructure:"observability"`
}

// ServerEndpoint is the public proxy server the client dials out to.
type ServerEndpoint struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ClientSettings holds the client identity.
type ClientSettings struct {
	// Key identifies this tunnel to users. Empty means generate one at
	// startup; the server only admits keys with the "ZC-" prefix.
	Key string `mapstructure:"key"`
}

// ReconnectConfig holds the control-channel backoff settings.
type ReconnectConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Server: ServerEndpoint{
			Host: "",
			Port: 4900,
		},
		Client: ClientSettings{
			Key: "",
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "",
		},
		Observability: ObservConfig{
			Metrics: MetricsConfig{
				Enabled: false,
				Port:    9091,
				Path:    "/metrics",
			},
		},
	}
}

// LoadClientConfig loads client configuration from a file, falling back to
// defaults and ZCPROXY_CLIENT_* environment variables.
func LoadClientConfig(configPath string) (*ClientConfig, error) {
	v := newViper(configPath, "client", "ZCPROXY_CLIENT")
	setClientDefaults(v)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// LoadClientConfigFromFile loads client configuration from a specific file
// path, failing when the file does not exist.
func LoadClientConfigFromFile(path string) (*ClientConfig, error) {
	if err := requireFile(path); err != nil {
		return nil, err
	}
	return LoadClientConfig(path)
}

func setClientDefaults(v *viper.Viper) {
	defaults := DefaultClientConfig()

	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)

	v.SetDefault("client.key", defaults.Client.Key)

	v.SetDefault("reconnect.initial_delay", defaults.Reconnect.InitialDelay)
	v.SetDefault("reconnect.max_delay", defaults.Reconnect.MaxDelay)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)

	v.SetDefault("observability.metrics.enabled", defaults.Observability.Metrics.Enabled)
	v.SetDefault("observability.metrics.port", defaults.Observability.Metrics.Port)
	v.SetDefault("observability.metrics.path", defaults.Observability.Metrics.Path)
}

// Validate validates the client configuration.
func (c *ClientConfig) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if !validPort(c.Server.Port) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("invalid reconnect initial_delay: %v", c.Reconnect.InitialDelay)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect max_delay %v below initial_delay %v",
			c.Reconnect.MaxDelay, c.Reconnect.InitialDelay)
	}
	if c.Observability.Metrics.Enabled && !validPort(c.Observability.Metrics.Port) {
		return fmt.Errorf("invalid metrics port: %d", c.Observability.Metrics.Port)
	}
	return nil
}

// EnsureKey fills in a generated client key when none was configured and
// returns the effective key. Generated keys carry the "ZC-" prefix the
// server demands; a configured key is sent as-is.
func (c *ClientConfig) EnsureKey() string {
	if c.Client.Key == "" {
		c.Client.Key = constants.ClientKeyPrefix + shortid.New()
	}
	return c.Client.Key
}

// ServerAddr returns the dial address of the proxy server.
func (c *ClientConfig) ServerAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
