// Package main is the entry point for the zcproxy client: the daemon inside
// the private network that dials out to the server and relays traffic to
// real targets.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/zcproxy/zcproxy/internal/client"
	"github.com/zcproxy/zcproxy/internal/config"
	"github.com/zcproxy/zcproxy/internal/metrics"
	"github.com/zcproxy/zcproxy/pkg/logger"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := pflag.String("config", "", "Path to configuration file")
	showVersion := pflag.Bool("version", false, "Show version information")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("zcproxy client %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", version).
		Str("server", cfg.ServerAddr()).
		Msg("Starting zcproxy client")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	collector := metrics.NewCollector()
	var metricsSrv *metrics.Server
	if cfg.Observability.Metrics.Enabled {
		metricsSrv = metrics.NewServer(&metrics.ServerConfig{
			Addr: net.JoinHostPort("", strconv.Itoa(cfg.Observability.Metrics.Port)),
			Path: cfg.Observability.Metrics.Path,
		})
		collector = metricsSrv.Collector()
		go func() {
			log.Info().Str("addr", metricsSrv.Addr()).Msg("Metrics endpoint listening")
			if err := metricsSrv.Start(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	c := client.New(cfg, log, collector)
	log.Info().Str("client_key", c.Key()).Msg("Client identity ready")

	if err := c.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("Client failed")
		os.Exit(1)
	}

	log.Info().Msg("Shutting down client")

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping metrics server")
		}
	}
}
