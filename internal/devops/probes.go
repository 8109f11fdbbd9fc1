// internal/devops/probes.go
package devops

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Probe names
const (
	ProbeProcessLiveness        = "process-liveness"
	ProbeNetworkListener        = "network-listener"
	ProbeFunctionalQuery        = "functional-query"
	ProbeSchemaPresence         = "schema-presence"
	ProbeDependencyReachability = "dependency-reachability"
	ProbeCertificateExpiry      = "certificate-expiry"
	ProbeResponseLatency        = "response-latency"
	ProbeMetricsEndpoint        = "metrics-endpoint"
)

// Catalog queries used by the schema probe
const (
	TablesQuery     = "SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname NOT IN ('pg_catalog', 'information_schema')"
	ExtensionsQuery = "SELECT extname FROM pg_catalog.pg_extension"
)

func passed(format string, args ...any) HealthCheckResult {
	return HealthCheckResult{Status: ProbePass, Message: fmt.Sprintf(format, args...)}
}

func warned(format string, args ...any) HealthCheckResult {
	return HealthCheckResult{Status: ProbeWarn, Message: fmt.Sprintf(format, args...)}
}

func failed(format string, args ...any) HealthCheckResult {
	return HealthCheckResult{Status: ProbeFail, Message: fmt.Sprintf(format, args...)}
}

// Err returns a ProbeFailure error for a failed result, or nil
func (r HealthCheckResult) Err() error {
	if r.Status != ProbeFail {
		return nil
	}
	return fmt.Errorf("%s: %w: %s", r.ProbeName, ErrProbeFailure, r.Message)
}

// ProcessLivenessProbe checks that the service process is running
type ProcessLivenessProbe struct {
	Control StoreControl
}

func (p *ProcessLivenessProbe) Name() string   { return ProbeProcessLiveness }
func (p *ProcessLivenessProbe) Critical() bool { return true }

func (p *ProcessLivenessProbe) Run(ctx context.Context) HealthCheckResult {
	running, err := p.Control.IsRunning(ctx)
	if err != nil {
		return failed("cannot inspect process: %v", err)
	}
	if !running {
		return failed("process is not running")
	}
	return passed("process is running")
}

// NetworkListenerProbe checks that a TCP listener accepts connections
type NetworkListenerProbe struct {
	Address string
}

func (p *NetworkListenerProbe) Name() string   { return ProbeNetworkListener }
func (p *NetworkListenerProbe) Critical() bool { return true }

func (p *NetworkListenerProbe) Run(ctx context.Context) HealthCheckResult {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return failed("%s not accepting connections: %v", p.Address, err)
	}
	_ = conn.Close()
	return passed("listening on %s", p.Address)
}

// FunctionalQueryProbe issues a trivial round trip against the store
type FunctionalQueryProbe struct {
	Query     StoreQuery
	Statement string
	Expect    string
}

func (p *FunctionalQueryProbe) Name() string   { return ProbeFunctionalQuery }
func (p *FunctionalQueryProbe) Critical() bool { return true }

func (p *FunctionalQueryProbe) Run(ctx context.Context) HealthCheckResult {
	statement := p.Statement
	if statement == "" {
		statement = "SELECT 1"
	}
	rows, err := p.Query.Execute(ctx, statement)
	if err != nil {
		return failed("query failed: %v", err)
	}
	if len(rows) == 0 {
		return failed("query returned no rows")
	}
	if p.Expect != "" && strings.TrimSpace(rows[0]) != p.Expect {
		return failed("query returned %q, expected %q", rows[0], p.Expect)
	}
	return passed("query returned %d row(s)", len(rows))
}

// SchemaPresenceProbe checks that required tables and extensions exist
type SchemaPresenceProbe struct {
	Query      StoreQuery
	Tables     []string
	Extensions []string
}

func (p *SchemaPresenceProbe) Name() string   { return ProbeSchemaPresence }
func (p *SchemaPresenceProbe) Critical() bool { return true }

func (p *SchemaPresenceProbe) Run(ctx context.Context) HealthCheckResult {
	tables, err := p.Query.Execute(ctx, TablesQuery)
	if err != nil {
		return failed("list tables: %v", err)
	}
	extensions, err := p.Query.Execute(ctx, ExtensionsQuery)
	if err != nil {
		return failed("list extensions: %v", err)
	}

	missingTables := missing(p.Tables, tables)
	missingExtensions := missing(p.Extensions, extensions)
	if len(missingTables) > 0 || len(missingExtensions) > 0 {
		return failed("missing tables %v, missing extensions %v", missingTables, missingExtensions)
	}
	return passed("%d tables and %d extensions present", len(p.Tables), len(p.Extensions))
}

// Pinger is a downstream dependency that answers a liveness ping
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisPinger pings a Redis cache or broker
type RedisPinger struct {
	Client redis.UniversalClient
}

// NewRedisPinger connects lazily to the Redis server at addr
func NewRedisPinger(addr, password string, db int) *RedisPinger {
	return &RedisPinger{Client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (r *RedisPinger) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// Close releases the client connections
func (r *RedisPinger) Close() error {
	return r.Client.Close()
}

// DependencyProbe checks a downstream cache or broker
type DependencyProbe struct {
	Target string
	Pinger Pinger
}

func (p *DependencyProbe) Name() string   { return ProbeDependencyReachability }
func (p *DependencyProbe) Critical() bool { return false }

func (p *DependencyProbe) Run(ctx context.Context) HealthCheckResult {
	if err := p.Pinger.Ping(ctx); err != nil {
		return failed("%s unreachable: %v", p.Target, err)
	}
	return passed("%s reachable", p.Target)
}

// CertificateExpiryProbe warns when a certificate is close to expiry and
// fails once it has expired
type CertificateExpiryProbe struct {
	Source   CertificateSource
	Ref      string
	WarnDays int
	Now      func() time.Time
}

func (p *CertificateExpiryProbe) Name() string   { return ProbeCertificateExpiry }
func (p *CertificateExpiryProbe) Critical() bool { return false }

func (p *CertificateExpiryProbe) Run(ctx context.Context) HealthCheckResult {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	expiry, err := p.Source.ExpiryDate(ctx, p.Ref)
	if err != nil {
		return failed("cannot read certificate %s: %v", p.Ref, err)
	}
	if !now.Before(expiry) {
		return failed("certificate %s expired on %s", p.Ref, expiry.Format(time.RFC3339))
	}
	days := int(expiry.Sub(now).Hours() / 24)
	if days < p.WarnDays {
		return warned("certificate %s expires in %d days", p.Ref, days)
	}
	return passed("certificate %s valid for %d days", p.Ref, days)
}

// ResponseLatencyProbe times an HTTP request against the service
type ResponseLatencyProbe struct {
	URL    string
	Soft   time.Duration
	Hard   time.Duration
	Client *http.Client
}

func (p *ResponseLatencyProbe) Name() string   { return ProbeResponseLatency }
func (p *ResponseLatencyProbe) Critical() bool { return false }

func (p *ResponseLatencyProbe) Run(ctx context.Context) HealthCheckResult {
	start := time.Now()
	resp, err := get(ctx, p.Client, p.URL)
	if err != nil {
		return failed("request failed: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	elapsed := time.Since(start)

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return failed("status %d after %v", resp.StatusCode, elapsed)
	case p.Hard > 0 && elapsed > p.Hard:
		return failed("latency %v above hard limit %v", elapsed, p.Hard)
	case p.Soft > 0 && elapsed > p.Soft:
		return warned("latency %v above soft limit %v", elapsed, p.Soft)
	}
	return passed("responded in %v", elapsed)
}

// MetricsEndpointProbe checks that the service exposes Prometheus metrics
type MetricsEndpointProbe struct {
	URL    string
	Client *http.Client
}

func (p *MetricsEndpointProbe) Name() string   { return ProbeMetricsEndpoint }
func (p *MetricsEndpointProbe) Critical() bool { return false }

func (p *MetricsEndpointProbe) Run(ctx context.Context) HealthCheckResult {
	resp, err := get(ctx, p.Client, p.URL)
	if err != nil {
		return failed("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return failed("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return failed("read body: %v", err)
	}
	if !strings.Contains(string(body), "# TYPE") {
		return warned("endpoint responded without metric families")
	}
	return passed("metrics exposed")
}

func get(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}
