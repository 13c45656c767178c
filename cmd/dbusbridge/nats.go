package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/dbusbridge/config"
	"github.com/c360/dbusbridge/health"
	"github.com/c360/dbusbridge/metric"
	"github.com/c360/dbusbridge/natsclient"
	"github.com/c360/dbusbridge/pkg/retry"
	"github.com/c360/dbusbridge/pkg/tlsutil"
)

const natsComponent = "nats"

// connectNATS creates the NATS client and connects it, retrying until ctx ends
func connectNATS(ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry, monitor *health.Monitor, logger *slog.Logger) (*natsclient.Client, error) {
	logger = logger.With("component", natsComponent)

	opts, err := natsOptions(cfg.NATS, registry, monitor, logger)
	if err != nil {
		return nil, err
	}
	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	monitor.UpdateDegraded(natsComponent, "connecting")
	rc := retry.Reconnect()
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("NATS connect failed", "attempt", attempt, "retry_in", delay, "error", err)
	}
	logger.Info("Connecting to NATS", "urls", cfg.NATS.URLs)
	if err := retry.Do(ctx, rc, func() error { return client.Connect(ctx) }); err != nil {
		monitor.Observe(natsComponent, err, "")
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	monitor.Update(natsComponent, health.NewHealthy(natsComponent, "connected"))
	return client, nil
}

// natsOptions turns the nats config section into client options
func natsOptions(cfg config.NATSConfig, registry *metric.MetricsRegistry, monitor *health.Monitor, logger *slog.Logger) ([]natsclient.ClientOption, error) {
	events := natsEvents{monitor: monitor, logger: logger}
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(natsLogger{logger: logger}),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait.Std()),
		natsclient.WithHealthInterval(cfg.HealthInterval.Std()),
		natsclient.WithDisconnectCallback(events.disconnected),
		natsclient.WithReconnectCallback(events.reconnected),
		natsclient.WithHealthChangeCallback(events.healthChanged),
	}
	if registry != nil {
		opts = append(opts, natsclient.WithMetrics(registry.CoreMetrics()))
	}
	if cfg.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(cfg.PingInterval.Std()))
	}
	if cfg.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(cfg.DrainTimeout.Std()))
	}
	if cfg.CircuitBreakerThreshold > 0 {
		opts = append(opts, natsclient.WithCircuitBreakerThreshold(cfg.CircuitBreakerThreshold))
	}
	if cfg.MaxBackoff > 0 {
		opts = append(opts, natsclient.WithMaxBackoff(cfg.MaxBackoff.Std()))
	}
	if cfg.Name != "" {
		opts = append(opts, natsclient.WithName(cfg.Name))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.TLS.Client())
		if err != nil {
			return nil, fmt.Errorf("load NATS TLS config: %w", err)
		}
		opts = append(opts, natsclient.WithTLSConfig(tlsConfig))
	}
	return opts, nil
}

// natsEvents reports connection changes to the log and the health monitor
type natsEvents struct {
	monitor *health.Monitor
	logger  *slog.Logger
}

func (e natsEvents) disconnected(err error) {
	e.logger.Warn("NATS connection lost", "error", err)
	e.monitor.Update(natsComponent, health.NewUnhealthy(natsComponent, "disconnected, reconnecting"))
}

func (e natsEvents) reconnected() {
	e.logger.Info("NATS connection restored")
	e.monitor.Update(natsComponent, health.NewHealthy(natsComponent, "reconnected"))
}

func (e natsEvents) healthChanged(healthy bool) {
	if healthy {
		e.monitor.Update(natsComponent, health.NewHealthy(natsComponent, "connected"))
		return
	}
	e.monitor.UpdateDegraded(natsComponent, "server not answering pings")
}
