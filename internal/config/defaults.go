// internal/config/defaults.go
package config

import (
	"path/filepath"
	"time"

	"github.com/FairForge/shipyard/internal/devops"
)

// environmentDefaults holds the settings that differ per environment
type environmentDefaults struct {
	DatabaseName string
	SSLMode      string
	CacheEnabled bool
	BackupOn     bool
	TestRestore  bool
	Retention    int
	MinKeep      int
	ProbeTimeout time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	Ceiling      time.Duration
	AutoRollback bool
	LogLevel     string
	LogFormat    string
}

// DefaultConfigs holds the environment-specific defaults
var DefaultConfigs = map[devops.Environment]environmentDefaults{
	devops.EnvDevelopment: {
		DatabaseName: "app_dev",
		SSLMode:      "disable",
		CacheEnabled: false,
		BackupOn:     false,
		Retention:    7,
		MinKeep:      3,
		ProbeTimeout: 5 * time.Second,
		MaxRetries:   1,
		RetryDelay:   time.Second,
		Ceiling:      30 * time.Second,
		AutoRollback: false,
		LogLevel:     "debug",
		LogFormat:    "console",
	},
	devops.EnvStaging: {
		DatabaseName: "app_staging",
		SSLMode:      "require",
		CacheEnabled: true,
		BackupOn:     true,
		TestRestore:  true,
		Retention:    14,
		MinKeep:      devops.DefaultMinKeep,
		ProbeTimeout: 10 * time.Second,
		MaxRetries:   3,
		RetryDelay:   2 * time.Second,
		Ceiling:      2 * time.Minute,
		AutoRollback: true,
		LogLevel:     "info",
		LogFormat:    "json",
	},
	devops.EnvProduction: {
		DatabaseName: "app",
		SSLMode:      "verify-full",
		CacheEnabled: true,
		BackupOn:     true,
		TestRestore:  true,
		Retention:    30,
		MinKeep:      devops.DefaultMinKeep,
		ProbeTimeout: 10 * time.Second,
		MaxRetries:   3,
		RetryDelay:   5 * time.Second,
		Ceiling:      5 * time.Minute,
		AutoRollback: true,
		LogLevel:     "info",
		LogFormat:    "json",
	},
}

// Defaults returns a complete configuration for env. Unknown environments
// get the development defaults.
func Defaults(env devops.Environment) *Config {
	d, ok := DefaultConfigs[env]
	if !ok {
		d = DefaultConfigs[devops.EnvDevelopment]
	}
	stateDir := filepath.Join(".shipyard", string(env))

	return &Config{
		Environment: env,
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Name:           d.DatabaseName,
			User:           "postgres",
			SSLMode:        d.SSLMode,
			MaxOpenConns:   5,
			DumpCommand:    "pg_dump --clean --if-exists --no-owner --no-privileges --dbname {dsn}",
			RestoreCommand: "psql --quiet --set ON_ERROR_STOP=1 --dbname {dsn}",
		},
		Service: ServiceConfig{
			Controller:    "docker",
			Image:         "postgres",
			ContainerName: "shipyard-" + string(env),
			Ports:         []string{"5432:5432"},
			Volumes:       []string{"shipyard-" + string(env) + "-data:/var/lib/postgresql/data"},
			ListenAddress: "localhost:5432",
		},
		Cache: CacheConfig{
			Enabled: d.CacheEnabled,
			Addr:    "localhost:6379",
		},
		Backup: BackupConfig{
			Enabled:            d.BackupOn,
			Dir:                filepath.Join(stateDir, "backups"),
			Codec:              "zstd",
			RetentionDays:      d.Retention,
			MinKeep:            d.MinKeep,
			TestRestore:        d.TestRestore,
			CriticalTables:     []string{"knowledge_base", "job_status"},
			RequiredExtensions: []string{"vector", "uuid-ossp", "pg_trgm"},
		},
		Health: HealthConfig{
			ProbeTimeout:    d.ProbeTimeout,
			MaxRetries:      d.MaxRetries,
			RetryDelay:      d.RetryDelay,
			Ceiling:         d.Ceiling,
			FunctionalQuery: "SELECT 1",
			LatencySoft:     500 * time.Millisecond,
			LatencyHard:     2 * time.Second,
			CertWarnDays:    30,
		},
		Deploy: DeployConfig{
			StateDir:       stateDir,
			ReportsDir:     filepath.Join(stateDir, "reports"),
			StartupTimeout: 2 * time.Minute,
			PollInterval:   2 * time.Second,
			AutoRollback:   d.AutoRollback,
		},
		Notify: NotifyConfig{
			MaxRetries: 3,
			RetryDelay: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Job: "shipyard",
		},
		Offsite: OffsiteConfig{
			Region: "us-east-1",
			Prefix: "backups/" + string(env),
		},
		Server: ServerConfig{
			Addr:         ":9100",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  d.LogLevel,
			Format: d.LogFormat,
		},
	}
}

// BackupConfig converts to the backup manager configuration
func (cfg *Config) BackupConfig() *devops.BackupConfig {
	return &devops.BackupConfig{
		Dir:                cfg.Backup.Dir,
		Codec:              cfg.Backup.Codec,
		RetentionDays:      cfg.Backup.RetentionDays,
		MinKeep:            cfg.Backup.MinKeep,
		CriticalTables:     cfg.Backup.CriticalTables,
		RequiredExtensions: cfg.Backup.RequiredExtensions,
	}
}

// AggregatorConfig converts to the health aggregator configuration
func (cfg *Config) AggregatorConfig() devops.AggregatorConfig {
	return devops.AggregatorConfig{
		ProbeTimeout: cfg.Health.ProbeTimeout,
		MaxRetries:   cfg.Health.MaxRetries,
		RetryDelay:   cfg.Health.RetryDelay,
		Ceiling:      cfg.Health.Ceiling,
	}
}

// StartupConfig converts to the startup wait configuration
func (cfg *Config) StartupConfig() devops.StartupConfig {
	return devops.StartupConfig{
		PollInterval: cfg.Deploy.PollInterval,
		Timeout:      cfg.Deploy.StartupTimeout,
	}
}
