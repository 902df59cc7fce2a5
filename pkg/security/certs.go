// Package security generates and loads the self-signed TLS certificate the
// daemon uses for its optional TCP+TLS transport. Grounded on the
// teacher's pkg/security/certs.go save/load-to-file shape, trimmed down
// from a CA-issued mTLS hierarchy to a single self-signed leaf certificate:
// spec.md §6 authenticates clients with a shared secret exchanged after
// the handshake, not with client certificates, so there is no CA to
// operate and no certificate-issuance protocol to implement.
package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const certValidity = 825 * 24 * time.Hour // ~ the longest span modern trust stores accept

// CertPaths names the certificate and key files under a certificate
// directory, following the layout spec.md §6 describes: certs/cert.pem
// and certs/key.pem.
type CertPaths struct {
	CertPath string
	KeyPath  string
}

func PathsFor(certDir string) CertPaths {
	return CertPaths{
		CertPath: filepath.Join(certDir, "cert.pem"),
		KeyPath:  filepath.Join(certDir, "key.pem"),
	}
}

// Exists reports whether both cert and key files are already present.
func (p CertPaths) Exists() bool {
	_, err1 := os.Stat(p.CertPath)
	_, err2 := os.Stat(p.KeyPath)
	return err1 == nil && err2 == nil
}

// EnsureSelfSigned loads an existing certificate from certDir, generating
// and persisting a new self-signed one on first run if none exists.
func EnsureSelfSigned(certDir string, hosts []string) (tls.Certificate, error) {
	paths := PathsFor(certDir)
	if paths.Exists() {
		cert, err := tls.LoadX509KeyPair(paths.CertPath, paths.KeyPath)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to load certificate: %w", err)
		}
		return cert, nil
	}

	cert, certPEM, keyPEM, err := generateSelfSigned(hosts)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate certificate: %w", err)
	}

	if err := os.MkdirAll(certDir, 0700); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create cert directory: %w", err)
	}
	if err := os.WriteFile(paths.CertPath, certPEM, 0644); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(paths.KeyPath, keyPEM, 0600); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write private key: %w", err)
	}

	return cert, nil
}

func generateSelfSigned(hosts []string) (tls.Certificate, []byte, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "taskqd", Organization: []string{"taskqd"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	if len(hosts) == 0 {
		template.DNSNames = []string{"localhost"}
		template.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}
	return cert, certPEM, keyPEM, nil
}

// ServerTLSConfig builds a minimal TLS server configuration around a
// certificate, matching spec.md §6's "mandatory TLS 1.3".
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
}
