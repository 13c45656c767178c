// Package tlsutil builds client TLS configurations for the gateway's outbound
// connections.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/dbusbridge/errors"
)

// ClientConfig describes a client TLS setup. The system CA bundle is always
// trusted; CAFiles add to it.
type ClientConfig struct {
	CAFiles    []string
	CertFile   string
	KeyFile    string
	ServerName string
	MinVersion string

	InsecureSkipVerify bool
}

// LoadClientTLSConfig creates a tls.Config from cfg
func LoadClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	minVersion, err := ParseVersion(cfg.MinVersion)
	if err != nil {
		return nil, errors.WrapInvalid(err, "tlsutil", "LoadClientTLSConfig", "parse min version")
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "tlsutil", "LoadClientTLSConfig",
			"cert and key must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion:         minVersion,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for lab deployments
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range cfg.CAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig",
				fmt.Sprintf("read CA file %s", caFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(fmt.Errorf("invalid PEM data"), "tlsutil", "LoadClientTLSConfig",
				fmt.Sprintf("parse CA file %s", caFile))
		}
	}
	tlsConfig.RootCAs = rootCAs

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// ParseVersion maps "1.2" or "1.3" to the crypto/tls constant. Empty means 1.2.
func ParseVersion(version string) (uint16, error) {
	switch version {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", version)
	}
}
