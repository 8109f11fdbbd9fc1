// internal/devops/ssl_test.go
package devops

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSelfSigned(t *testing.T, dir string, notAfter time.Time) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "db.internal"},
		NotBefore:    notAfter.Add(-365 * 24 * time.Hour),
		NotAfter:     notAfter,
		DNSNames:     []string{"db.internal"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(dir, "server.crt")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return path
}

func TestLoadCertificate(t *testing.T) {
	notAfter := time.Now().Add(90 * 24 * time.Hour).Truncate(time.Second).UTC()
	path := writeSelfSigned(t, t.TempDir(), notAfter)

	t.Run("loads certificate", func(t *testing.T) {
		info, err := LoadCertificate(path)
		require.NoError(t, err)
		assert.Equal(t, "db.internal", info.Subject)
		assert.True(t, info.NotAfter.Equal(notAfter))
		assert.False(t, info.IsExpired(time.Now()))
		assert.InDelta(t, 89, info.DaysUntilExpiry(time.Now()), 1)
	})

	t.Run("rejects non-PEM file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.crt")
		require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
		_, err := LoadCertificate(bad)
		assert.Error(t, err)
	})

	t.Run("errors on missing file", func(t *testing.T) {
		_, err := LoadCertificate(filepath.Join(t.TempDir(), "missing.crt"))
		assert.Error(t, err)
	})
}

func TestCertificateResolver_ExpiryDate(t *testing.T) {
	resolver := &CertificateResolver{DialTimeout: 2 * time.Second}

	t.Run("reads file references", func(t *testing.T) {
		notAfter := time.Now().Add(10 * 24 * time.Hour).Truncate(time.Second).UTC()
		path := writeSelfSigned(t, t.TempDir(), notAfter)

		expiry, err := resolver.ExpiryDate(context.Background(), path)
		require.NoError(t, err)
		assert.True(t, expiry.Equal(notAfter))
	})

	t.Run("reads live tls endpoints", func(t *testing.T) {
		server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer server.Close()

		ref := "tls://" + strings.TrimPrefix(server.URL, "https://")
		expiry, err := resolver.ExpiryDate(context.Background(), ref)
		require.NoError(t, err)
		assert.True(t, expiry.Equal(server.Certificate().NotAfter))
	})
}
