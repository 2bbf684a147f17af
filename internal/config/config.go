// Package config provides configuration loading for the zcproxy server and
// client binaries. Values come from a YAML file with environment overrides
// (prefixes ZCPROXY_SERVER and ZCPROXY_CLIENT, dots mapped to underscores).
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Log level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Log format: json, console
	Format string `mapstructure:"format"`
	// Output file path (empty for stdout)
	Output string `mapstructure:"output"`
}

// ObservConfig holds observability configuration.
type ObservConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds the metrics endpoint configuration. The endpoint also
// serves /healthz.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// newViper builds a viper instance wired for configPath, the standard search
// locations, and env overrides under envPrefix.
func newViper(configPath, configName, envPrefix string) *viper.Viper {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/zcproxy/")
		v.AddConfigPath("$HOME/.zcproxy/")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return v
}

// readConfig reads the config file, tolerating a missing file so defaults
// and env vars alone can configure a process.
func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config: %w", err)
		}
	}
	return nil
}

// requireFile fails when path does not name an existing file.
func requireFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", path)
	}
	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}
