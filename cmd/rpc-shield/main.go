// Command rpc-shield runs the protective reverse proxy: it loads a
// configuration document, builds the admission pipeline, and serves the
// request and metrics listeners until an interrupt or terminate signal
// arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cppnexus/rpc-shield/internal/blocklist"
	"github.com/cppnexus/rpc-shield/internal/config"
	"github.com/cppnexus/rpc-shield/internal/credentials"
	"github.com/cppnexus/rpc-shield/internal/forwarder"
	"github.com/cppnexus/rpc-shield/internal/logging"
	"github.com/cppnexus/rpc-shield/internal/metrics"
	"github.com/cppnexus/rpc-shield/internal/pipeline"
	"github.com/cppnexus/rpc-shield/internal/policy"
	"github.com/cppnexus/rpc-shield/internal/ratelimit"
	"github.com/cppnexus/rpc-shield/internal/server"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the rpc-shield configuration document")
	showVersion := flag.Bool("version", false, "Print version and exit")
	// mode is carried for CLI compatibility with the source material's
	// self-hosted/saas distinction; nothing in this module branches on
	// it today.
	mode := flag.String("mode", "self-hosted", "Deployment mode (informational only)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rpc-shield version %s\n", version)
		os.Exit(0)
	}

	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	logger.Info("starting rpc-shield", "version", version, "mode", *mode)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// The env var wins so a deployment can crank verbosity without
	// touching the config file.
	if cfg.Monitoring.LogLevel != "" && os.Getenv("LOG_LEVEL") == "" {
		logger = logging.New(cfg.Monitoring.LogLevel, os.Getenv("LOG_FORMAT"))
	}
	cfg.Log(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("rpc-shield exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	bl := blocklist.Load(cfg.Blocklist.IPs, logger)

	credStore, err := buildCredentialStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build credential store: %w", err)
	}

	pol := policy.New(cfg.RateLimits, cfg.APIKeyTiers)

	limiter, err := ratelimit.New(cfg.RateLimits, logger)
	if err != nil {
		return fmt.Errorf("failed to build rate limiter: %w", err)
	}

	fwd := forwarder.New(cfg.RPCBackend.URL, time.Duration(cfg.RPCBackend.TimeoutSeconds)*time.Second)

	var secondary metrics.Secondary
	if cfg.Monitoring.Datadog.Enabled {
		dd, err := metrics.NewDatadogSecondary(metrics.DatadogConfig{
			Host:   cfg.Monitoring.Datadog.Addr,
			Logger: logger,
		})
		if err != nil {
			logger.Warn("failed to initialize datadog secondary metrics sink, continuing without it", "error", err)
		} else {
			secondary = dd
			defer dd.Close()
		}
	}
	sink := metrics.New(secondary)

	knownMethods := pipeline.KnownMethodsFrom(cfg.RateLimits, cfg.APIKeyTiers)
	p := pipeline.New(bl, credStore, pol, limiter, fwd, sink, logger, knownMethods)

	reqAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	metricsAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Monitoring.PrometheusPort))
	srv := server.New(p, sink, reqAddr, metricsAddr, logger)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("request listener starting", "addr", reqAddr)
		if err := srv.Request.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("request listener: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics listener starting", "addr", metricsAddr)
		if err := srv.Metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics listener: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	logger.Info("rpc-shield stopped cleanly")
	return nil
}

func buildCredentialStore(cfg *config.Config, logger *slog.Logger) (credentials.Store, error) {
	switch cfg.Credentials.Backend {
	case "", "memory":
		return credentials.NewMemoryStore(cfg.APIKeys), nil
	case "dynamodb":
		return credentials.NewDynamoDBStore(context.Background(), credentials.DynamoDBStoreConfig{
			TableName: cfg.Credentials.DynamoDB.TableName,
			Region:    cfg.Credentials.DynamoDB.Region,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("unsupported credentials backend: %s", cfg.Credentials.Backend)
	}
}
