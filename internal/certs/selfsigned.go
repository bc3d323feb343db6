// Package certs issues the short-lived self-signed certificate the host
// process serves its control API with, over both TLS and QUIC.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// MaxValidity caps the lifetime of a generated certificate.
const MaxValidity = 14 * 24 * time.Hour

// DefaultHosts are used when Generate is given no hosts.
var DefaultHosts = []string{"localhost", "127.0.0.1", "::1"}

// Cert is a generated certificate and its SHA-256 fingerprint.
type Cert struct {
	TLS         tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintHex returns the fingerprint as colon-separated hex pairs.
func (c *Cert) FingerprintHex() string {
	pairs := make([]string, len(c.Fingerprint))
	for i, b := range c.Fingerprint {
		pairs[i] = hex.EncodeToString([]byte{b})
	}
	return strings.ToUpper(strings.Join(pairs, ":"))
}

// TLSConfig returns a server configuration presenting the certificate and
// advertising nextProtos via ALPN.
func (c *Cert) TLSConfig(nextProtos ...string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLS},
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS13,
	}
}

// Generate creates a self-signed ECDSA P-256 certificate for hosts, valid for
// validity (MaxValidity when out of range). Hosts that parse as IP addresses
// become IP SANs, the rest DNS names.
func Generate(validity time.Duration, hosts ...string) (*Cert, error) {
	if validity <= 0 || validity > MaxValidity {
		validity = MaxValidity
	}
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certs: generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certs: generate serial: %w", err)
	}

	// Backdated a minute for clock skew; the total stays within validity.
	notBefore := time.Now().Add(-time.Minute)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "webvideo"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("certs: create certificate: %w", err)
	}
	return &Cert{
		TLS:         tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key},
		Fingerprint: sha256.Sum256(der),
		NotAfter:    template.NotAfter,
	}, nil
}
