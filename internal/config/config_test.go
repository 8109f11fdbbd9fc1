// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/shipyard/internal/devops"
)

func TestDefaults(t *testing.T) {
	for _, env := range devops.Environments {
		t.Run(string(env), func(t *testing.T) {
			cfg := Defaults(env)
			assert.Equal(t, env, cfg.Environment)
			assert.Empty(t, cfg.Validate().Errors())
		})
	}

	assert.True(t, Defaults(devops.EnvProduction).Deploy.AutoRollback)
	assert.False(t, Defaults(devops.EnvDevelopment).Backup.Enabled)
}

func TestLoad(t *testing.T) {
	t.Run("file overlays defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "shipyard.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
database:
  url: postgres://app@db.internal:5432/app
health:
  probe_timeout: 3s
  max_retries: 5
backup:
  critical_tables: [users, orders]
`), 0o600))

		cfg, err := Load(path, devops.EnvStaging)
		require.NoError(t, err)
		assert.Equal(t, "postgres://app@db.internal:5432/app", cfg.Database.URL)
		assert.Equal(t, 3*time.Second, cfg.Health.ProbeTimeout)
		assert.Equal(t, 5, cfg.Health.MaxRetries)
		assert.Equal(t, []string{"users", "orders"}, cfg.Backup.CriticalTables)
		assert.Equal(t, "zstd", cfg.Backup.Codec)
	})

	t.Run("environment wins over file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "shipyard.yaml")
		require.NoError(t, os.WriteFile(path, []byte("deploy:\n  auto_rollback: true\n"), 0o600))
		t.Setenv("SHIPYARD_AUTO_ROLLBACK", "false")
		t.Setenv("SHIPYARD_STARTUP_TIMEOUT", "90")

		cfg, err := Load(path, devops.EnvProduction)
		require.NoError(t, err)
		assert.False(t, cfg.Deploy.AutoRollback)
		assert.Equal(t, 90*time.Second, cfg.Deploy.StartupTimeout)
	})

	t.Run("bad environment value", func(t *testing.T) {
		t.Setenv("SHIPYARD_MAX_RETRIES", "lots")
		_, err := Load("", devops.EnvStaging)
		assert.ErrorIs(t, err, devops.ErrConfigInvalid)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), devops.EnvStaging)
		assert.ErrorIs(t, err, devops.ErrConfigInvalid)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "shipyard.yaml")
		require.NoError(t, os.WriteFile(path, []byte("health: [unclosed"), 0o600))
		_, err := Load(path, devops.EnvStaging)
		assert.ErrorIs(t, err, devops.ErrConfigInvalid)
	})
}

func TestConfig_Check(t *testing.T) {
	t.Run("valid staging config", func(t *testing.T) {
		cfg := Defaults(devops.EnvStaging)
		cfg.Notify.WebhookURL = "https://hooks.example.com/deploys"
		cfg.Service.MetricsURL = "http://localhost:9187/metrics"
		cfg.Backup.CriticalTables = []string{"users"}

		warnings, err := cfg.Check(true)
		require.NoError(t, err)
		assert.Empty(t, warnings)
	})

	t.Run("errors wrap ErrConfigInvalid", func(t *testing.T) {
		cfg := Defaults(devops.EnvStaging)
		cfg.Health.MaxRetries = 0
		cfg.Deploy.StateDir = ""

		_, err := cfg.Check(false)
		require.ErrorIs(t, err, devops.ErrConfigInvalid)
		assert.Contains(t, err.Error(), "health.max_retries")
		assert.Contains(t, err.Error(), "deploy.state_dir")
	})

	t.Run("cache disabled in production warns", func(t *testing.T) {
		cfg := Defaults(devops.EnvProduction)
		cfg.Cache.Enabled = false

		warnings, err := cfg.Check(false)
		require.NoError(t, err)
		assert.Contains(t, warnings, "cache.enabled: cache is disabled in production")

		_, err = cfg.Check(true)
		assert.ErrorIs(t, err, devops.ErrConfigInvalid)
	})

	t.Run("cache disabled elsewhere is silent", func(t *testing.T) {
		cfg := Defaults(devops.EnvDevelopment)
		warnings, _ := cfg.Check(false)
		for _, w := range warnings {
			assert.NotContains(t, w, "cache.enabled")
		}
	})

	t.Run("referenced certificate must exist", func(t *testing.T) {
		cfg := Defaults(devops.EnvStaging)
		cfg.Health.CertRef = filepath.Join(t.TempDir(), "missing.pem")
		_, err := cfg.Check(false)
		assert.ErrorIs(t, err, devops.ErrConfigInvalid)

		cfg.Health.CertRef = "tls://db.internal:5432"
		_, err = cfg.Check(false)
		assert.NoError(t, err)
	})

	t.Run("controller specific fields", func(t *testing.T) {
		cfg := Defaults(devops.EnvStaging)
		cfg.Service.Controller = "exec"
		violations := cfg.Validate().Errors()
		require.Len(t, violations, 2)
		assert.Equal(t, "service.start_command", violations[0].Field)

		cfg.Service.Controller = "systemd"
		_, err := cfg.Check(false)
		assert.ErrorIs(t, err, devops.ErrConfigInvalid)
	})

	t.Run("backup schedule must parse", func(t *testing.T) {
		cfg := Defaults(devops.EnvStaging)
		cfg.Backup.Schedule = "0 0 3 * * *"
		_, err := cfg.Check(false)
		assert.NoError(t, err)

		cfg.Backup.Schedule = "nightly"
		_, err = cfg.Check(false)
		require.ErrorIs(t, err, devops.ErrConfigInvalid)
		assert.Contains(t, err.Error(), "backup.schedule")
	})

	t.Run("store data lives on a volume", func(t *testing.T) {
		cfg := Defaults(devops.EnvStaging)
		assert.Equal(t, []string{"shipyard-staging-data:/var/lib/postgresql/data"}, cfg.Service.Volumes)
		assert.Contains(t, cfg.Database.DumpCommand, "--clean --if-exists")

		cfg.Service.Volumes = []string{"pgdata"}
		_, err := cfg.Check(false)
		require.ErrorIs(t, err, devops.ErrConfigInvalid)
		assert.Contains(t, err.Error(), "service.volumes")

		cfg.Service.Volumes = nil
		warnings, err := cfg.Check(false)
		require.NoError(t, err)
		assert.Contains(t, warnings, "service.volumes: empty, data does not survive a container replacement")
	})

	t.Run("ceiling below probe timeout", func(t *testing.T) {
		cfg := Defaults(devops.EnvStaging)
		cfg.Health.Ceiling = time.Second
		_, err := cfg.Check(false)
		assert.ErrorIs(t, err, devops.ErrConfigInvalid)
	})
}

func TestDatabaseConfig_DSN(t *testing.T) {
	db := DatabaseConfig{Host: "db", Port: 5433, Name: "app", User: "deploy", Password: "s3cret", SSLMode: "disable"}
	assert.Equal(t, "postgres://deploy:s3cret@db:5433/app?sslmode=disable", db.DSN())

	db = DatabaseConfig{URL: "postgres://deploy@db:5432/app", Password: "s3cret"}
	assert.Equal(t, "postgres://deploy:s3cret@db:5432/app", db.DSN())
}

func TestResolveEnvironment(t *testing.T) {
	t.Setenv("SHIPYARD_ENV", "stage")

	env, err := ResolveEnvironment("")
	require.NoError(t, err)
	assert.Equal(t, devops.EnvStaging, env)

	env, err = ResolveEnvironment("prod")
	require.NoError(t, err)
	assert.Equal(t, devops.EnvProduction, env)

	_, err = ResolveEnvironment("qa")
	assert.ErrorIs(t, err, devops.ErrConfigInvalid)
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, ".env.local")
	shared := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(local, []byte("SHIPYARD_TEST_DOTENV=local\n"), 0o600))
	require.NoError(t, os.WriteFile(shared, []byte("SHIPYARD_TEST_DOTENV=shared\nSHIPYARD_TEST_DOTENV_ONLY=shared\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("SHIPYARD_TEST_DOTENV")
		_ = os.Unsetenv("SHIPYARD_TEST_DOTENV_ONLY")
	})

	require.NoError(t, LoadDotenv(local, shared, filepath.Join(dir, "absent")))
	assert.Equal(t, "local", os.Getenv("SHIPYARD_TEST_DOTENV"))
	assert.Equal(t, "shared", os.Getenv("SHIPYARD_TEST_DOTENV_ONLY"))
}
