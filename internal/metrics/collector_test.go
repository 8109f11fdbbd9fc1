// internal/metrics/collector_test.go
package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordDeployment(t *testing.T) {
	c := NewCollector()

	c.RecordDeployment("production", "deploy", "SUCCEEDED", 42*time.Second)
	c.RecordDeployment("production", "deploy", "SUCCEEDED", 10*time.Second)
	c.RecordDeployment("production", "deploy", "ROLLED_BACK", time.Minute)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Deployments.WithLabelValues("production", "deploy", "SUCCEEDED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Deployments.WithLabelValues("production", "deploy", "ROLLED_BACK")))
}

func TestCollector_RecordHealth(t *testing.T) {
	c := NewCollector()
	all := []string{"PASS", "DEGRADED", "FAIL"}

	c.RecordHealth("DEGRADED", all)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.HealthStatus.WithLabelValues("PASS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.HealthStatus.WithLabelValues("DEGRADED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.HealthStatus.WithLabelValues("FAIL")))
}

func TestCollector_RecordBackup(t *testing.T) {
	c := NewCollector()

	c.RecordBackup("staging", "created", 2048)
	c.RecordBackup("staging", "verified", 2048)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Backups.WithLabelValues("staging", "created")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(c.BackupBytes.WithLabelValues("staging")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordDeployment("production", "deploy", "FAILED", time.Second)
		c.RecordProbe("functional-query", "FAIL", time.Millisecond)
		c.RecordBackup("production", "created", 1)
		c.RecordRetention("production", 3)
		c.RecordHealth("FAIL", []string{"FAIL"})
	})
	assert.NoError(t, c.Push(context.Background(), "http://example.invalid", "shipyard", nil))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.RecordProbe("process-liveness", "PASS", 5*time.Millisecond)

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `shipyard_probe_results_total{probe="process-liveness",status="PASS"} 1`)
}

func TestCollector_Push(t *testing.T) {
	var gotPath string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	c := NewCollector()
	c.RecordDeployment("staging", "deploy", "SUCCEEDED", time.Second)

	err := c.Push(context.Background(), gateway.URL, "shipyard", map[string]string{"environment": "staging"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(gotPath, "/metrics/job/shipyard"))
	assert.Contains(t, gotPath, "environment/staging")
}
