// Package tlsconfig builds the optional TLS settings of the HTTP API and of
// the peer probe client.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// reloadAfter bounds how long a loaded certificate is reused before the key
// pair is read from disk again.
const reloadAfter = 10 * time.Second

var ErrMissingKeyPair = errors.New("tls: cert and key files are both required")

// Options are the TLS inputs. TLS is enabled when CertFile is set on the
// server side, or when any field is set on the client side.
type Options struct {
	CertFile           string
	KeyFile            string
	CAFile             string
	InsecureSkipVerify bool
	ServerName         string
}

// ServerEnabled reports whether the API should be served over TLS.
func (o Options) ServerEnabled() bool { return o.CertFile != "" || o.KeyFile != "" }

// ClientEnabled reports whether peers should be probed over https.
func (o Options) ClientEnabled() bool {
	return o.ServerEnabled() || o.CAFile != "" || o.InsecureSkipVerify || o.ServerName != ""
}

// Server returns a server tls.Config, or nil when TLS is disabled. The key
// pair is reloaded lazily on handshake so that certificates can be rotated
// in place. With CAFile set, clients must present a certificate signed by it.
func (o Options) Server() (*tls.Config, error) {
	if !o.ServerEnabled() {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, ErrMissingKeyPair
	}
	load := reloader(o.CertFile, o.KeyFile)
	if _, err := load(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return load() },
	}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// Client returns a client tls.Config, or nil when TLS is disabled. The key
// pair, when configured, is presented as a client certificate.
func (o Options) Client() (*tls.Config, error) {
	if !o.ClientEnabled() {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" && o.KeyFile != "" {
		load := reloader(o.CertFile, o.KeyFile)
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return load() }
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tls: no certificates found in %s", path)
	}
	return pool, nil
}

func reloader(certFile, keyFile string) func() (*tls.Certificate, error) {
	var (
		mu       sync.Mutex
		cached   *tls.Certificate
		lastLoad time.Time
	)
	return func() (*tls.Certificate, error) {
		mu.Lock()
		defer mu.Unlock()
		if cached != nil && time.Since(lastLoad) < reloadAfter {
			return cached, nil
		}
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			if cached != nil {
				return cached, nil
			}
			return nil, err
		}
		cached, lastLoad = &cert, time.Now()
		return cached, nil
	}
}
