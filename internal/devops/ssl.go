// internal/devops/ssl.go
package devops

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// CertificateInfo describes a loaded certificate
type CertificateInfo struct {
	Subject   string    `json:"subject"`
	Issuer    string    `json:"issuer"`
	DNSNames  []string  `json:"dns_names"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
}

// IsExpired checks if the certificate is expired
func (c *CertificateInfo) IsExpired(now time.Time) bool {
	return !now.Before(c.NotAfter)
}

// DaysUntilExpiry returns whole days until expiry
func (c *CertificateInfo) DaysUntilExpiry(now time.Time) int {
	return int(c.NotAfter.Sub(now).Hours() / 24)
}

func infoFromX509(cert *x509.Certificate) *CertificateInfo {
	return &CertificateInfo{
		Subject:   cert.Subject.CommonName,
		Issuer:    cert.Issuer.CommonName,
		DNSNames:  cert.DNSNames,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
	}
}

// LoadCertificate reads the first certificate of a PEM file
func LoadCertificate(path string) (*CertificateInfo, error) {
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ssl: failed to read certificate: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("ssl: failed to parse certificate PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ssl: failed to parse certificate: %w", err)
	}
	return infoFromX509(cert), nil
}

// CertificateResolver resolves certificate references. A reference of the
// form tls://host:port is fetched from a live TLS handshake; anything else is
// read as a PEM file path.
type CertificateResolver struct {
	DialTimeout time.Duration
}

// ExpiryDate returns the NotAfter date of the referenced certificate
func (r *CertificateResolver) ExpiryDate(ctx context.Context, ref string) (time.Time, error) {
	if addr, ok := strings.CutPrefix(ref, "tls://"); ok {
		info, err := r.dial(ctx, addr)
		if err != nil {
			return time.Time{}, err
		}
		return info.NotAfter, nil
	}

	info, err := LoadCertificate(ref)
	if err != nil {
		return time.Time{}, err
	}
	return info.NotAfter, nil
}

func (r *CertificateResolver) dial(ctx context.Context, addr string) (*CertificateInfo, error) {
	timeout := r.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ssl: invalid address %s: %w", addr, err)
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		// expiry is read even from certificates that no longer verify
		Config: &tls.Config{ServerName: host, InsecureSkipVerify: true, MinVersion: tls.VersionTLS12},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssl: dial %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("ssl: %s presented no certificate", addr)
	}
	return infoFromX509(state.PeerCertificates[0]), nil
}
