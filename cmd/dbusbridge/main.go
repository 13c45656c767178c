// Package main runs the dbusbridge gateway: it bridges the services of one
// D-Bus bus into a NATS mesh namespace and routes mesh writes back as bus
// calls and property sets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/dbusbridge/bus"
	"github.com/c360/dbusbridge/config"
	"github.com/c360/dbusbridge/gateway"
	"github.com/c360/dbusbridge/health"
	"github.com/c360/dbusbridge/mesh"
	"github.com/c360/dbusbridge/metric"
)

// Build information, overridden with -ldflags
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "dbusbridge"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cli, err := parseFlags(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	logger := setupLogger(os.Stdout, cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if cli.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting dbusbridge",
		"version", Version,
		"build_time", BuildTime,
		"config_paths", cli.ConfigPaths,
		"bus", cfg.Bus.Address,
		"root", cfg.Mesh.Root)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, cli.ShutdownTimeout, logger)
}

// loadConfig layers the config files, applies flag overrides and validates
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cli.ConfigPaths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	switch {
	case cli.MetricsPort == 0:
		cfg.Metrics.Enabled = false
	case cli.MetricsPort > 0:
		cfg.Metrics.Enabled = true
		cfg.Metrics.Port = cli.MetricsPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config, shutdownTimeout time.Duration, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	client, err := connectNATS(ctx, cfg, registry, monitor, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warn("NATS close failed", "error", err)
		}
	}()

	meshCfg := cfg.MeshNATS()
	meshCfg.Logger = logger
	meshCfg.Registry = registry
	meshConn := mesh.NewNATSConn(client, meshCfg)
	defer meshConn.Close()

	address := cfg.Bus.Address
	dial := func(ctx context.Context) (bus.Conn, error) {
		conn, err := bus.Dial(ctx, address, logger)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	gw, err := gateway.New(cfg.Gateway(), dial, meshConn,
		gateway.WithLogger(logger),
		gateway.WithMetrics(registry),
		gateway.WithMonitor(monitor))
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx) })

	if cfg.Metrics.Enabled {
		srv := metric.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), cfg.Metrics.Path, registry, gw.Health)
		logger.Info("Metrics server enabled", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
		g.Go(func() error { return srv.Run(gctx) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("gateway stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Received shutdown signal")
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("graceful shutdown timed out after %v", shutdownTimeout)
	}
	logger.Info("dbusbridge shutdown complete")
	return nil
}
