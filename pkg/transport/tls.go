// Package transport builds the TLS configurations of the relay listener and
// of the target client.
package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"time"
)

func loadKeyPair(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// SelfSignedCert creates a certificate for hosts signed by its own key. With no
// hosts it is issued for localhost.
func SelfSignedCert(hosts ...string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	// RFC 5280 wants a positive serial number.
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, err
	}
	if serial.Sign() == 0 {
		serial = big.NewInt(1)
	}

	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}
	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hosts[0]},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// Only one ca file is supported.
func newCertPool(caPath string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("no certificates in " + caPath)
	}
	return pool, nil
}

// NewServerTLSConfig serves certPath/keyPath, or a self-signed certificate for
// hosts when no pair is given. A caPath turns on client certificate checks.
func NewServerTLSConfig(certPath, keyPath, caPath string, hosts ...string) (*tls.Config, error) {
	base := &tls.Config{MinVersion: tls.VersionTLS12}

	var (
		cert *tls.Certificate
		err  error
	)
	if certPath == "" || keyPath == "" {
		cert, err = SelfSignedCert(hosts...)
	} else {
		cert, err = loadKeyPair(certPath, keyPath)
	}
	if err != nil {
		return nil, err
	}
	base.Certificates = []tls.Certificate{*cert}

	if caPath != "" {
		pool, err := newCertPool(caPath)
		if err != nil {
			return nil, err
		}
		base.ClientAuth = tls.RequireAndVerifyClientCert
		base.ClientCAs = pool
	}
	return base, nil
}

// NewClientTLSConfig trusts caPath when given. Without one, certificates are
// not verified, which is what relays on self-signed certificates need.
func NewClientTLSConfig(caPath, serverName string) (*tls.Config, error) {
	base := &tls.Config{ServerName: serverName}
	if caPath == "" {
		base.InsecureSkipVerify = true
		return base, nil
	}
	pool, err := newCertPool(caPath)
	if err != nil {
		return nil, err
	}
	base.RootCAs = pool
	return base, nil
}
