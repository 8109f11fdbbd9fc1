// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/FairForge/shipyard/internal/devops"
)

// DefaultFile is read when no --config flag is given and it exists
const DefaultFile = "shipyard.yaml"

type Config struct {
	Environment devops.Environment `yaml:"environment"`
	Database    DatabaseConfig     `yaml:"database"`
	Service     ServiceConfig      `yaml:"service"`
	Cache       CacheConfig        `yaml:"cache"`
	Backup      BackupConfig       `yaml:"backup"`
	Health      HealthConfig       `yaml:"health"`
	Deploy      DeployConfig       `yaml:"deploy"`
	Notify      NotifyConfig       `yaml:"notify"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Offsite     OffsiteConfig      `yaml:"offsite"`
	Server      ServerConfig       `yaml:"server"`
	Log         LogConfig          `yaml:"log"`
}

type DatabaseConfig struct {
	URL            string `yaml:"url"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Name           string `yaml:"name"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	SSLMode        string `yaml:"ssl_mode"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	DumpCommand    string `yaml:"dump_command"`
	RestoreCommand string `yaml:"restore_command"`
}

// DSN returns the connection URL, building it from parts when URL is empty
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		if d.Password == "" {
			return d.URL
		}
		u, err := url.Parse(d.URL)
		if err != nil || u.User == nil {
			return d.URL
		}
		u.User = url.UserPassword(u.User.Username(), d.Password)
		return u.String()
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.User, d.Password)
		} else {
			u.User = url.User(d.User)
		}
	}
	if d.SSLMode != "" {
		u.RawQuery = "sslmode=" + d.SSLMode
	}
	return u.String()
}

type ServiceConfig struct {
	Controller    string   `yaml:"controller"` // docker | exec
	Image         string   `yaml:"image"`
	ContainerName string   `yaml:"container_name"`
	Ports         []string `yaml:"ports"`
	Env           []string `yaml:"env"`
	Network       string   `yaml:"network"`
	Volumes       []string `yaml:"volumes"`
	StartCommand  string   `yaml:"start_command"`
	StopCommand   string   `yaml:"stop_command"`
	StatusCommand string   `yaml:"status_command"`
	ListenAddress string   `yaml:"listen_address"`
	HealthURL     string   `yaml:"health_url"`
	MetricsURL    string   `yaml:"metrics_url"`
}

type CacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BackupConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Dir                string   `yaml:"dir"`
	Codec              string   `yaml:"codec"`
	RetentionDays      int      `yaml:"retention_days"`
	MinKeep            int      `yaml:"min_keep"`
	CriticalTables     []string `yaml:"critical_tables"`
	RequiredExtensions []string `yaml:"required_extensions"`
	TestRestore        bool     `yaml:"test_restore"`
	// Schedule is a cron expression used by serve for periodic backups
	Schedule           string   `yaml:"schedule"`
}

type HealthConfig struct {
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	Ceiling         time.Duration `yaml:"ceiling"`
	FunctionalQuery string        `yaml:"functional_query"`
	LatencySoft     time.Duration `yaml:"latency_soft"`
	LatencyHard     time.Duration `yaml:"latency_hard"`
	CertRef         string        `yaml:"cert_ref"`
	CertWarnDays    int           `yaml:"cert_warn_days"`
}

type DeployConfig struct {
	StateDir       string        `yaml:"state_dir"`
	ReportsDir     string        `yaml:"reports_dir"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	AutoRollback   bool          `yaml:"auto_rollback"`
}

type NotifyConfig struct {
	WebhookURL    string        `yaml:"webhook_url"`
	WebhookSecret string        `yaml:"webhook_secret"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

type OffsiteConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load builds the configuration for env: defaults, then the YAML file at
// path (or DefaultFile when path is empty and the file exists), then
// SHIPYARD_* environment overrides.
func Load(path string, env devops.Environment) (*Config, error) {
	cfg := Defaults(env)

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", devops.ErrConfigInvalid, path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %w", devops.ErrConfigInvalid, path, err)
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Environment = env
	return cfg, nil
}

// Severity of a violation
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation is one failed configuration check
type Violation struct {
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// Violations is the accumulated result of a validation pass
type Violations []Violation

func (vs Violations) Error() string {
	msgs := make([]string, 0, len(vs))
	for _, v := range vs {
		msgs = append(msgs, v.String())
	}
	return strings.Join(msgs, "; ")
}

// Errors returns the error-severity violations
func (vs Violations) Errors() Violations {
	return vs.filter(SeverityError)
}

// Warnings returns the warning-severity violations
func (vs Violations) Warnings() Violations {
	return vs.filter(SeverityWarning)
}

func (vs Violations) filter(s Severity) Violations {
	var out Violations
	for _, v := range vs {
		if v.Severity == s {
			out = append(out, v)
		}
	}
	return out
}

type checker struct {
	violations Violations
}

func (c *checker) fail(field, format string, args ...any) {
	c.violations = append(c.violations, Violation{Field: field, Message: fmt.Sprintf(format, args...), Severity: SeverityError})
}

func (c *checker) warn(field, format string, args ...any) {
	c.violations = append(c.violations, Violation{Field: field, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning})
}

// Validate checks the configuration and returns every violation found
func (cfg *Config) Validate() Violations {
	c := &checker{}

	if _, err := devops.ParseEnvironment(string(cfg.Environment)); err != nil {
		c.fail("environment", "%v", err)
	}
	production := cfg.Environment.IsProduction()

	db := cfg.Database
	if db.URL == "" && db.Host == "" {
		c.fail("database", "url or host is required")
	}
	if db.URL != "" {
		if u, err := url.Parse(db.URL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			c.fail("database.url", "must be a postgres:// URL")
		}
	} else if db.Port < 1 || db.Port > 65535 {
		c.fail("database.port", "must be between 1 and 65535, got %d", db.Port)
	}
	if db.URL == "" && db.Name == "" {
		c.fail("database.name", "is required")
	}
	if strings.TrimSpace(db.DumpCommand) == "" {
		c.fail("database.dump_command", "is required")
	}
	if strings.TrimSpace(db.RestoreCommand) == "" {
		c.fail("database.restore_command", "is required")
	}

	svc := cfg.Service
	switch svc.Controller {
	case "docker":
		if svc.Image == "" {
			c.fail("service.image", "is required for the docker controller")
		}
		if svc.ContainerName == "" {
			c.fail("service.container_name", "is required for the docker controller")
		}
		for _, v := range svc.Volumes {
			parts := strings.Split(v, ":")
			if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || !strings.HasPrefix(parts[1], "/") {
				c.fail("service.volumes", "invalid mount %q, want source:/target[:ro]", v)
			}
		}
		if len(svc.Volumes) == 0 {
			c.warn("service.volumes", "empty, data does not survive a container replacement")
		}
	case "exec":
		if strings.TrimSpace(svc.StartCommand) == "" {
			c.fail("service.start_command", "is required for the exec controller")
		}
		if strings.TrimSpace(svc.StopCommand) == "" {
			c.fail("service.stop_command", "is required for the exec controller")
		}
	default:
		c.fail("service.controller", "must be docker or exec, got %q", svc.Controller)
	}
	if svc.ListenAddress != "" {
		if _, port, err := splitPort(svc.ListenAddress); err != nil {
			c.fail("service.listen_address", "%v", err)
		} else if port < 1 || port > 65535 {
			c.fail("service.listen_address", "port must be between 1 and 65535, got %d", port)
		}
	} else {
		c.warn("service.listen_address", "not set, network-listener probe disabled")
	}
	for field, raw := range map[string]string{"service.health_url": svc.HealthURL, "service.metrics_url": svc.MetricsURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Host == "" {
			c.fail(field, "invalid URL %q", raw)
		}
	}
	if svc.MetricsURL == "" {
		c.warn("service.metrics_url", "not set, metrics-endpoint probe disabled")
	}

	if !cfg.Cache.Enabled {
		if production {
			c.warn("cache.enabled", "cache is disabled in production")
		}
	} else if cfg.Cache.Addr == "" {
		c.fail("cache.addr", "is required when the cache is enabled")
	}

	b := cfg.Backup
	if b.Enabled || b.TestRestore {
		if b.Dir == "" {
			c.fail("backup.dir", "is required when backups are enabled")
		}
	}
	if !b.Enabled && production {
		c.warn("backup.enabled", "backups are disabled in production")
	}
	if b.RetentionDays < 1 {
		c.fail("backup.retention_days", "must be at least 1, got %d", b.RetentionDays)
	}
	if b.MinKeep < 1 {
		c.fail("backup.min_keep", "must be at least 1, got %d", b.MinKeep)
	}
	switch b.Codec {
	case "", "zstd", "snappy", "none":
	default:
		c.fail("backup.codec", "must be zstd, snappy or none, got %q", b.Codec)
	}
	if b.Schedule != "" {
		if _, err := devops.ParseSchedule(b.Schedule); err != nil {
			c.fail("backup.schedule", "%v", err)
		}
	}
	if len(b.CriticalTables) == 0 {
		c.warn("backup.critical_tables", "empty, restore tests only check that the restore succeeds")
	}

	h := cfg.Health
	if h.ProbeTimeout <= 0 || h.ProbeTimeout > 5*time.Minute {
		c.fail("health.probe_timeout", "must be within (0, 5m], got %v", h.ProbeTimeout)
	}
	if h.MaxRetries < 1 || h.MaxRetries > 20 {
		c.fail("health.max_retries", "must be between 1 and 20, got %d", h.MaxRetries)
	}
	if h.RetryDelay < 0 {
		c.fail("health.retry_delay", "must not be negative")
	}
	if h.Ceiling < h.ProbeTimeout {
		c.fail("health.ceiling", "must be at least probe_timeout (%v), got %v", h.ProbeTimeout, h.Ceiling)
	}
	if h.LatencyHard > 0 && h.LatencySoft > h.LatencyHard {
		c.fail("health.latency_soft", "must not exceed latency_hard")
	}
	if h.CertRef == "" {
		if production {
			c.warn("health.cert_ref", "not set, certificate-expiry probe disabled")
		}
	} else if !strings.HasPrefix(h.CertRef, "tls://") {
		if _, err := os.Stat(h.CertRef); err != nil {
			c.fail("health.cert_ref", "certificate file not found: %s", h.CertRef)
		}
	}

	d := cfg.Deploy
	if d.StateDir == "" {
		c.fail("deploy.state_dir", "is required")
	}
	if d.ReportsDir == "" {
		c.fail("deploy.reports_dir", "is required")
	}
	if d.StartupTimeout <= 0 || d.StartupTimeout > time.Hour {
		c.fail("deploy.startup_timeout", "must be within (0, 1h], got %v", d.StartupTimeout)
	}
	if d.PollInterval <= 0 || d.PollInterval > d.StartupTimeout {
		c.fail("deploy.poll_interval", "must be positive and below startup_timeout, got %v", d.PollInterval)
	}

	if cfg.Notify.WebhookURL == "" {
		c.warn("notify", "no webhook configured, reports are written to disk only")
	} else if u, err := url.Parse(cfg.Notify.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		c.fail("notify.webhook_url", "must be an http(s) URL")
	}

	if cfg.Offsite.Enabled && cfg.Offsite.Bucket == "" {
		c.fail("offsite.bucket", "is required when offsite copies are enabled")
	}

	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		c.fail("log.level", "unknown level %q", cfg.Log.Level)
	}

	return c.violations
}

// Check implements the pre-flight validation used by the orchestrator. In
// strict mode warnings are treated as errors.
func (cfg *Config) Check(strict bool) ([]string, error) {
	violations := cfg.Validate()

	var warnings []string
	for _, w := range violations.Warnings() {
		warnings = append(warnings, w.String())
	}

	failures := violations.Errors()
	if strict {
		failures = violations
	}
	if len(failures) > 0 {
		return warnings, fmt.Errorf("%w: %w", devops.ErrConfigInvalid, failures)
	}
	return warnings, nil
}

func splitPort(addr string) (string, int, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, errors.New("missing port")
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", addr[i+1:])
	}
	return addr[:i], port, nil
}
