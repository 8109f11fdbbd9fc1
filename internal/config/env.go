// internal/config/env.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/FairForge/shipyard/internal/devops"
)

// Env files read by LoadDotenv, highest precedence first. Variables
// already present in the process environment are never overwritten.
var DotenvFiles = []string{".env.local", ".env"}

// LoadDotenv loads the dotenv files that exist
func LoadDotenv(files ...string) error {
	if len(files) == 0 {
		files = DotenvFiles
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// ResolveEnvironment picks the target environment: the flag value if set,
// then SHIPYARD_ENV, then development.
func ResolveEnvironment(flag string) (devops.Environment, error) {
	raw := flag
	if raw == "" {
		raw = GetEnvOrDefault("SHIPYARD_ENV", string(devops.EnvDevelopment))
	}
	env, err := devops.ParseEnvironment(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", devops.ErrConfigInvalid, err)
	}
	return env, nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			var out []string
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			*dst = out
		}
	}

	str("SHIPYARD_DATABASE_URL", &cfg.Database.URL)
	str("SHIPYARD_DB_HOST", &cfg.Database.Host)
	integer("SHIPYARD_DB_PORT", &cfg.Database.Port)
	str("SHIPYARD_DB_NAME", &cfg.Database.Name)
	str("SHIPYARD_DB_USER", &cfg.Database.User)
	str("SHIPYARD_DB_PASSWORD", &cfg.Database.Password)

	str("SHIPYARD_SERVICE_IMAGE", &cfg.Service.Image)
	str("SHIPYARD_SERVICE_CONTROLLER", &cfg.Service.Controller)
	str("SHIPYARD_LISTEN_ADDRESS", &cfg.Service.ListenAddress)
	str("SHIPYARD_HEALTH_URL", &cfg.Service.HealthURL)
	str("SHIPYARD_METRICS_URL", &cfg.Service.MetricsURL)
	list("SHIPYARD_SERVICE_VOLUMES", &cfg.Service.Volumes)

	boolean("SHIPYARD_CACHE_ENABLED", &cfg.Cache.Enabled)
	str("SHIPYARD_REDIS_ADDR", &cfg.Cache.Addr)
	str("SHIPYARD_REDIS_PASSWORD", &cfg.Cache.Password)

	boolean("SHIPYARD_BACKUP_ENABLED", &cfg.Backup.Enabled)
	str("SHIPYARD_BACKUP_DIR", &cfg.Backup.Dir)
	str("SHIPYARD_BACKUP_CODEC", &cfg.Backup.Codec)
	integer("SHIPYARD_RETENTION_DAYS", &cfg.Backup.RetentionDays)
	integer("SHIPYARD_MIN_KEEP", &cfg.Backup.MinKeep)
	list("SHIPYARD_CRITICAL_TABLES", &cfg.Backup.CriticalTables)
	str("SHIPYARD_BACKUP_SCHEDULE", &cfg.Backup.Schedule)

	duration("SHIPYARD_PROBE_TIMEOUT", &cfg.Health.ProbeTimeout)
	integer("SHIPYARD_MAX_RETRIES", &cfg.Health.MaxRetries)
	duration("SHIPYARD_RETRY_DELAY", &cfg.Health.RetryDelay)
	duration("SHIPYARD_HEALTH_CEILING", &cfg.Health.Ceiling)
	str("SHIPYARD_CERT_REF", &cfg.Health.CertRef)

	str("SHIPYARD_STATE_DIR", &cfg.Deploy.StateDir)
	str("SHIPYARD_REPORTS_DIR", &cfg.Deploy.ReportsDir)
	duration("SHIPYARD_STARTUP_TIMEOUT", &cfg.Deploy.StartupTimeout)
	duration("SHIPYARD_POLL_INTERVAL", &cfg.Deploy.PollInterval)
	boolean("SHIPYARD_AUTO_ROLLBACK", &cfg.Deploy.AutoRollback)

	str("SHIPYARD_WEBHOOK_URL", &cfg.Notify.WebhookURL)
	str("SHIPYARD_WEBHOOK_SECRET", &cfg.Notify.WebhookSecret)
	str("SHIPYARD_PUSHGATEWAY_URL", &cfg.Metrics.PushgatewayURL)

	boolean("SHIPYARD_OFFSITE_ENABLED", &cfg.Offsite.Enabled)
	str("SHIPYARD_S3_ENDPOINT", &cfg.Offsite.Endpoint)
	str("SHIPYARD_S3_REGION", &cfg.Offsite.Region)
	str("SHIPYARD_S3_BUCKET", &cfg.Offsite.Bucket)
	str("SHIPYARD_S3_ACCESS_KEY", &cfg.Offsite.AccessKey)
	str("SHIPYARD_S3_SECRET_KEY", &cfg.Offsite.SecretKey)

	str("SHIPYARD_SERVE_ADDR", &cfg.Server.Addr)
	str("SHIPYARD_LOG_LEVEL", &cfg.Log.Level)
	str("SHIPYARD_LOG_FORMAT", &cfg.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", devops.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// parseDuration accepts Go durations and bare seconds
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
