package main

import (
	"bytes"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseFlags_Defaults(t *testing.T) {
	cfg, err := parseFlags(newFlagSet(), nil)
	require.NoError(t, err)

	assert.Empty(t, cfg.ConfigPaths)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, -1, cfg.MetricsPort)
	assert.NoError(t, validateFlags(cfg))
}

func TestParseFlags_LayersAndDebug(t *testing.T) {
	cfg, err := parseFlags(newFlagSet(), []string{"-c", "a.yaml", "--config", "b.json", "--debug", "--metrics-port", "0"})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.yaml", "b.json"}, cfg.ConfigPaths)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 0, cfg.MetricsPort)
}

func TestParseFlags_Environment(t *testing.T) {
	t.Setenv("DBUSBRIDGE_CONFIG", "/etc/dbusbridge/config.yaml")
	t.Setenv("DBUSBRIDGE_LOG_FORMAT", "text")
	t.Setenv("DBUSBRIDGE_SHUTDOWN_TIMEOUT", "5s")

	cfg, err := parseFlags(newFlagSet(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/etc/dbusbridge/config.yaml"}, cfg.ConfigPaths)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestValidateFlags(t *testing.T) {
	valid := func() *CLIConfig {
		return &CLIConfig{LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second, MetricsPort: -1}
	}

	tests := []struct {
		name   string
		mutate func(*CLIConfig)
	}{
		{"level", func(c *CLIConfig) { c.LogLevel = "trace" }},
		{"format", func(c *CLIConfig) { c.LogFormat = "xml" }},
		{"port", func(c *CLIConfig) { c.MetricsPort = 70000 }},
		{"timeout", func(c *CLIConfig) { c.ShutdownTimeout = 0 }},
		{"missing file", func(c *CLIConfig) { c.ConfigPaths = []string{"/nonexistent/config.yaml"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, validateFlags(cfg))
		})
	}

	version := valid()
	version.LogLevel = "bogus"
	version.ShowVersion = true
	assert.NoError(t, validateFlags(version))
}

func TestLoadConfig_MetricsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("metrics:\n  port: 9100\n"), 0o600))

	cfg, err := loadConfig(&CLIConfig{ConfigPaths: []string{path}, MetricsPort: -1})
	require.NoError(t, err)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)

	cfg, err = loadConfig(&CLIConfig{ConfigPaths: []string{path}, MetricsPort: 9200})
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Metrics.Port)

	cfg, err = loadConfig(&CLIConfig{ConfigPaths: []string{path}, MetricsPort: 0})
	require.NoError(t, err)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "text")
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "service="+appName)

	buf.Reset()
	natsLogger{logger: setupLogger(&buf, "info", "json")}.Errorf("lost %d", 3)
	assert.True(t, strings.Contains(buf.String(), `"msg":"lost 3"`), buf.String())
}
