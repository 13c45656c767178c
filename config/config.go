package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/c360/dbusbridge/bus"
	"github.com/c360/dbusbridge/errors"
	"github.com/c360/dbusbridge/gateway"
	"github.com/c360/dbusbridge/mesh"
	"github.com/c360/dbusbridge/namespace"
	"github.com/c360/dbusbridge/pkg/tlsutil"
)

// Duration is a time.Duration written as a string such as "30s"
type Duration time.Duration

// MarshalJSON encodes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete process configuration
type Config struct {
	Bus       BusConfig       `json:"bus"`
	Mesh      MeshConfig      `json:"mesh"`
	NATS      NATSConfig      `json:"nats"`
	Forward   ForwardConfig   `json:"forward"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// BusConfig selects the bus and controls discovery on it
type BusConfig struct {
	// Address is "session", "system" or a bus address
	Address            string   `json:"address"`
	CallTimeout        Duration `json:"call_timeout"`
	DiscoveryTimeout   Duration `json:"discovery_timeout"`
	MaxDepth           int      `json:"max_depth"`
	DiscoveryWorkers   int      `json:"discovery_workers"`
	DiscoveryRate      float64  `json:"discovery_rate"`
	IncludeUniqueNames bool     `json:"include_unique_names"`
	Allow              []string `json:"allow,omitempty"`
	Deny               []string `json:"deny,omitempty"`
}

// MeshConfig places the bridged namespace on the mesh
type MeshConfig struct {
	Root        string `json:"root"`
	Bucket      string `json:"bucket"`
	WritePrefix string `json:"write_prefix"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects"`
	ReconnectWait Duration      `json:"reconnect_wait"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls"`

	PingInterval   Duration `json:"ping_interval"`
	DrainTimeout   Duration `json:"drain_timeout"`
	HealthInterval Duration `json:"health_interval"`
	// Circuit breaker around connect and JetStream calls. Zero keeps the client defaults.
	CircuitBreakerThreshold int32    `json:"circuit_breaker_threshold"`
	MaxBackoff              Duration `json:"max_backoff"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`

	ServerName         string `json:"server_name,omitempty"`
	MinVersion         string `json:"min_version,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

// Client converts the section to the tlsutil form
func (t NATSTLSConfig) Client() tlsutil.ClientConfig {
	cfg := tlsutil.ClientConfig{
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		ServerName:         t.ServerName,
		MinVersion:         t.MinVersion,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	if t.CAFile != "" {
		cfg.CAFiles = []string{t.CAFile}
	}
	return cfg
}

// ForwardConfig tunes bus to mesh forwarding
type ForwardConfig struct {
	PollInterval Duration `json:"poll_interval"`
	Lanes        int      `json:"lanes"`
	LaneBuffer   int      `json:"lane_buffer"`
}

// ReconnectConfig is the backoff between bus sessions
type ReconnectConfig struct {
	InitialDelay Duration `json:"initial_delay"`
	MaxDelay     Duration `json:"max_delay"`
	Multiplier   float64  `json:"multiplier"`
}

// MetricsConfig controls the metrics and health server
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// Default returns the configuration used when nothing else is given
func Default() *Config {
	g := gateway.DefaultConfig()
	nats := mesh.DefaultNATSConfig()
	return &Config{
		Bus: BusConfig{
			Address:          bus.AddressSession,
			CallTimeout:      Duration(g.CallTimeout),
			DiscoveryTimeout: Duration(g.Discovery.DiscoveryTimeout),
			MaxDepth:         g.Discovery.MaxDepth,
			DiscoveryWorkers: g.Watcher.Workers,
			DiscoveryRate:    g.Watcher.Rate,
		},
		Mesh: MeshConfig{
			Root:        string(namespace.DefaultRoot),
			Bucket:      nats.Bucket,
			WritePrefix: nats.WritePrefix,
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "dbusbridge",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),

			PingInterval:            Duration(30 * time.Second),
			DrainTimeout:            Duration(30 * time.Second),
			HealthInterval:          Duration(10 * time.Second),
			CircuitBreakerThreshold: 5,
			MaxBackoff:              Duration(time.Minute),
		},
		Forward: ForwardConfig{
			PollInterval: Duration(g.Forward.PollInterval),
			Lanes:        g.Forward.Lanes,
			LaneBuffer:   g.Forward.LaneBuffer,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: Duration(g.Reconnect.InitialDelay),
			MaxDelay:     Duration(g.Reconnect.MaxDelay),
			Multiplier:   g.Reconnect.Multiplier,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Gateway maps the configuration onto the gateway driver settings. The bus
// daemon is always denied.
func (c *Config) Gateway() gateway.Config {
	g := gateway.DefaultConfig()
	g.Root = mesh.Path(strings.Trim(c.Mesh.Root, "/"))
	g.CallTimeout = c.Bus.CallTimeout.Std()

	g.Discovery.DiscoveryTimeout = c.Bus.DiscoveryTimeout.Std()
	g.Discovery.MaxDepth = c.Bus.MaxDepth

	g.Watcher.IncludeUniqueNames = c.Bus.IncludeUniqueNames
	g.Watcher.Allow = append([]string(nil), c.Bus.Allow...)
	g.Watcher.Deny = append([]string{bus.DaemonName}, c.Bus.Deny...)
	if c.Bus.DiscoveryWorkers > 0 {
		g.Watcher.Workers = c.Bus.DiscoveryWorkers
	}
	g.Watcher.Rate = c.Bus.DiscoveryRate

	g.Forward.PollInterval = c.Forward.PollInterval.Std()
	g.Forward.Lanes = c.Forward.Lanes
	g.Forward.LaneBuffer = c.Forward.LaneBuffer

	g.Reconnect.InitialDelay = c.Reconnect.InitialDelay.Std()
	g.Reconnect.MaxDelay = c.Reconnect.MaxDelay.Std()
	g.Reconnect.Multiplier = c.Reconnect.Multiplier
	return g
}

// MeshNATS returns the NATS mesh adapter settings
func (c *Config) MeshNATS() mesh.NATSConfig {
	m := mesh.DefaultNATSConfig()
	if c.Mesh.Bucket != "" {
		m.Bucket = c.Mesh.Bucket
	}
	if c.Mesh.WritePrefix != "" {
		m.WritePrefix = c.Mesh.WritePrefix
	}
	return m
}

// Validate checks the configuration and the gateway settings it produces
func (c *Config) Validate() error {
	if len(c.NATS.URLs) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "nats.urls is required")
	}
	for i, u := range c.NATS.URLs {
		if strings.TrimSpace(u) == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("nats.urls[%d] is empty", i))
		}
	}
	if (c.NATS.Username == "") != (c.NATS.Password == "") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"nats.username and nats.password must be set together")
	}
	if c.NATS.TLS.Enabled && (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"nats.tls.cert_file and nats.tls.key_file must be set together")
	}
	if _, err := tlsutil.ParseVersion(c.NATS.TLS.MinVersion); c.NATS.TLS.Enabled && err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "nats.tls.min_version")
	}
	for name, d := range map[string]Duration{
		"nats.ping_interval":   c.NATS.PingInterval,
		"nats.drain_timeout":   c.NATS.DrainTimeout,
		"nats.health_interval": c.NATS.HealthInterval,
	} {
		if d < 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", name+" cannot be negative")
		}
	}
	if c.NATS.CircuitBreakerThreshold < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"nats.circuit_breaker_threshold cannot be negative")
	}
	if c.NATS.MaxBackoff != 0 && c.NATS.MaxBackoff.Std() < time.Second {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"nats.max_backoff must be at least 1s")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("invalid metrics port: %d", c.Metrics.Port))
	}
	if c.Reconnect.Multiplier != 0 && c.Reconnect.Multiplier < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"reconnect.multiplier must be at least 1")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"reconnect.max_delay cannot be less than reconnect.initial_delay")
	}

	g := c.Gateway()
	if err := g.Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "gateway settings")
	}
	return nil
}

// String returns the configuration as JSON with credentials masked
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, _ := sonic.ConfigStd.MarshalIndent(&masked, "", "  ")
	return string(data)
}
