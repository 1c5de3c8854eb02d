package util

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls", "api.crt")
	keyFile := filepath.Join(dir, "tls", "api.key")

	require.NoError(t, GenerateSelfSignedCert(certFile, keyFile, "127.0.0.1", "localhost"))

	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.True(t, cert.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestEnsureCertificate_KeepsExisting(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "api.crt")
	keyFile := filepath.Join(dir, "api.key")

	require.NoError(t, EnsureCertificate(certFile, keyFile, "localhost"))
	first, err := os.ReadFile(certFile)
	require.NoError(t, err)

	require.NoError(t, EnsureCertificate(certFile, keyFile, "localhost"))
	second, err := os.ReadFile(certFile)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
