package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSelfSigned(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	kb, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kb}), 0o600))
	return certFile, keyFile
}

func TestDisabled(t *testing.T) {
	var o Options
	s, err := o.Server()
	require.NoError(t, err)
	assert.Nil(t, s)
	c, err := o.Client()
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestServerRequiresKeyPair(t *testing.T) {
	_, err := Options{CertFile: "cert.pem"}.Server()
	assert.ErrorIs(t, err, ErrMissingKeyPair)
}

func TestServerAndClient(t *testing.T) {
	cert, key := writeSelfSigned(t)

	s, err := Options{CertFile: cert, KeyFile: key, CAFile: cert}.Server()
	require.NoError(t, err)
	require.NotNil(t, s.GetCertificate)
	got, err := s.GetCertificate(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Certificate)
	assert.NotNil(t, s.ClientCAs)

	c, err := Options{CAFile: cert, ServerName: "localhost"}.Client()
	require.NoError(t, err)
	assert.Equal(t, "localhost", c.ServerName)
	assert.NotNil(t, c.RootCAs)
	assert.Nil(t, c.GetClientCertificate)
}

func TestBadCAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a cert"), 0o600))
	_, err := Options{CAFile: path}.Client()
	assert.Error(t, err)
}
