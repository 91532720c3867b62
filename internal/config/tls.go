package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// BuildTLSConfig creates a *tls.Config from the HTTP settings.
// Returns nil if no custom TLS configuration is needed.
func (c *HTTPConfig) BuildTLSConfig() (*tls.Config, error) {
	if c.InsecureSkipVerify {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if c.CACertPath == "" {
		return nil, nil // use system CA pool
	}

	caCert, err := os.ReadFile(c.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.CACertPath, err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA cert %s", c.CACertPath)
	}
	return &tls.Config{RootCAs: pool}, nil
}
