package transport

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelfSignedCert(t *testing.T) {
	cert, err := SelfSignedCert("relay.example.com", "127.0.0.1")
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Equal(t, "relay.example.com", leaf.Subject.CommonName)
	require.Equal(t, []string{"relay.example.com"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	require.NoError(t, leaf.VerifyHostname("relay.example.com"))
}

func TestNewServerTLSConfig(t *testing.T) {
	conf, err := NewServerTLSConfig("", "", "")
	require.NoError(t, err)
	require.Len(t, conf.Certificates, 1)

	_, err = NewServerTLSConfig(filepath.Join(t.TempDir(), "missing.crt"), "missing.key", "")
	require.Error(t, err)
}

func TestNewClientTLSConfig(t *testing.T) {
	conf, err := NewClientTLSConfig("", "relay.example.com")
	require.NoError(t, err)
	require.True(t, conf.InsecureSkipVerify)

	empty := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(empty, []byte("not a cert"), 0o600))
	_, err = NewClientTLSConfig(empty, "relay.example.com")
	require.Error(t, err)
}
