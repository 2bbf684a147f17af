package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/viper"
)

// ServerConfig represents the complete server configuration. The key layout
// keeps the historical property names: the client-facing tunnel listener
// lives under server.*, the SOCKS5 front end under config.socks.*.
type ServerConfig struct {
	Server        TunnelListen  `mapstructure:"server"`
	Config        FrontSection  `mapstructure:"config"`
	Logging       LoggingConfig `mapstructure:"logging"`
	Observability ObservConfig  `mapstructure:"observability"`
}

// TunnelListen is the listener proxy clients dial into.
type TunnelListen struct {
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`
}

// FrontSection wraps the config.* subtree.
type FrontSection struct {
	Socks SocksConfig `mapstructure:"socks"`
}

// SocksConfig is the SOCKS5 listener users dial into. Password is the
// server-wide secret every user must present; the SOCKS username carries the
// client key and is checked against the connected tunnels instead.
type SocksConfig struct {
	Bind     string `mapstructure:"bind"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Server: TunnelListen{
			Bind: "0.0.0.0",
			Port: 4900,
		},
		Config: FrontSection{
			Socks: SocksConfig{
				Bind:     "0.0.0.0",
				Port:     1080,
				Password: "",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "",
		},
		Observability: ObservConfig{
			Metrics: MetricsConfig{
				Enabled: false,
				Port:    9090,
				Path:    "/metrics",
			},
		},
	}
}

// LoadServerConfig loads server configuration from a file, falling back to
// defaults and ZCPROXY_SERVER_* environment variables.
func LoadServerConfig(configPath string) (*ServerConfig, error) {
	v := newViper(configPath, "server", "ZCPROXY_SERVER")
	setServerDefaults(v)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// LoadServerConfigFromFile loads server configuration from a specific file
// path, failing when the file does not exist.
func LoadServerConfigFromFile(path string) (*ServerConfig, error) {
	if err := requireFile(path); err != nil {
		return nil, err
	}
	return LoadServerConfig(path)
}

func setServerDefaults(v *viper.Viper) {
	defaults := DefaultServerConfig()

	v.SetDefault("server.bind", defaults.Server.Bind)
	v.SetDefault("server.port", defaults.Server.Port)

	v.SetDefault("config.socks.bind", defaults.Config.Socks.Bind)
	v.SetDefault("config.socks.port", defaults.Config.Socks.Port)
	v.SetDefault("config.socks.password", defaults.Config.Socks.Password)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)

	v.SetDefault("observability.metrics.enabled", defaults.Observability.Metrics.Enabled)
	v.SetDefault("observability.metrics.port", defaults.Observability.Metrics.Port)
	v.SetDefault("observability.metrics.path", defaults.Observability.Metrics.Path)
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if !validPort(c.Server.Port) {
		return fmt.Errorf("invalid tunnel port: %d", c.Server.Port)
	}
	if !validPort(c.Config.Socks.Port) {
		return fmt.Errorf("invalid socks port: %d", c.Config.Socks.Port)
	}
	if c.Server.Port == c.Config.Socks.Port {
		return fmt.Errorf("tunnel and socks ports collide: %d", c.Server.Port)
	}
	if c.Config.Socks.Password == "" {
		return fmt.Errorf("config.socks.password is required")
	}
	if c.Observability.Metrics.Enabled && !validPort(c.Observability.Metrics.Port) {
		return fmt.Errorf("invalid metrics port: %d", c.Observability.Metrics.Port)
	}
	return nil
}

// TunnelAddr returns the bind address for the client-facing listener.
func (c *ServerConfig) TunnelAddr() string {
	return net.JoinHostPort(c.Server.Bind, strconv.Itoa(c.Server.Port))
}

// SocksAddr returns the bind address for the SOCKS5 listener.
func (c *ServerConfig) SocksAddr() string {
	return net.JoinHostPort(c.Config.Socks.Bind, strconv.Itoa(c.Config.Socks.Port))
}
