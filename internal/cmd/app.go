// internal/cmd/app.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/FairForge/shipyard/internal/config"
	"github.com/FairForge/shipyard/internal/container"
	"github.com/FairForge/shipyard/internal/database"
	"github.com/FairForge/shipyard/internal/devops"
	"github.com/FairForge/shipyard/internal/metrics"
	"github.com/FairForge/shipyard/internal/storage"
	"github.com/FairForge/shipyard/internal/webhooks"
)

// App holds the components wired from one configuration
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *metrics.Collector
	Store        *database.Postgres
	Control      devops.StoreControl
	Backups      *devops.BackupManager
	Aggregator   *devops.Aggregator
	Probes       []devops.Probe
	Leases       *devops.LeaseRegistry
	Orchestrator *devops.Orchestrator

	closers []func() error
}

// NewApp connects every collaborator named by cfg
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewCollector(),
	}

	store, err := database.NewPostgres(database.Config{
		DSN:            cfg.Database.DSN(),
		MaxOpenConns:   cfg.Database.MaxOpenConns,
		DumpCommand:    cfg.Database.DumpCommand,
		RestoreCommand: cfg.Database.RestoreCommand,
	}, logger.Named("postgres"))
	if err != nil {
		return nil, fmt.Errorf("%w: database: %w", devops.ErrConfigInvalid, err)
	}
	app.Store = store
	app.closers = append(app.closers, store.Close)

	app.Control, err = newController(cfg, store, logger.Named("control"))
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	backupOpts := []devops.BackupOption{devops.WithBackupMetrics(app.Metrics)}
	if cfg.Offsite.Enabled {
		replicator, err := storage.NewS3Replicator(storage.OffsiteConfig{
			Endpoint:     cfg.Offsite.Endpoint,
			Region:       cfg.Offsite.Region,
			Bucket:       cfg.Offsite.Bucket,
			Prefix:       cfg.Offsite.Prefix,
			AccessKey:    cfg.Offsite.AccessKey,
			SecretKey:    cfg.Offsite.SecretKey,
			UsePathStyle: cfg.Offsite.UsePathStyle,
		}, logger.Named("offsite"))
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("%w: %w", devops.ErrConfigInvalid, err)
		}
		backupOpts = append(backupOpts, devops.WithReplicator(replicator))
	}
	app.Backups = devops.NewBackupManager(cfg.BackupConfig(), store, store, logger.Named("backup"), backupOpts...)

	app.Aggregator = devops.NewAggregator(cfg.AggregatorConfig(), logger.Named("health"),
		devops.WithReachabilityGate(app.Control),
		devops.WithHealthMetrics(app.Metrics))
	app.Probes = app.buildProbes()

	var notifier devops.Notifier
	if cfg.Notify.WebhookURL != "" {
		n, err := webhooks.NewNotifier(&webhooks.WebhookConfig{
			URL:          cfg.Notify.WebhookURL,
			Secret:       cfg.Notify.WebhookSecret,
			RequireHTTPS: cfg.Environment.IsProduction(),
		}, &webhooks.NotifierConfig{
			MaxRetries:    cfg.Notify.MaxRetries,
			RetryInterval: cfg.Notify.RetryDelay,
		}, logger.Named("webhook"))
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("%w: %w", devops.ErrConfigInvalid, err)
		}
		notifier = n
	}

	sink, err := devops.NewReportingSink(cfg.Deploy.ReportsDir, notifier, logger.Named("report"))
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	app.Leases = devops.NewLeaseRegistry(cfg.Deploy.StateDir, logger.Named("lease"))
	startup := cfg.StartupConfig()
	app.Orchestrator = devops.NewOrchestrator(devops.Components{
		Validator:  cfg,
		Backups:    app.Backups,
		Control:    app.Control,
		Aggregator: app.Aggregator,
		Probes:     app.Probes,
		Rollback:   devops.NewRollbackManager(app.Backups, app.Control, app.Aggregator, app.Probes, startup, logger.Named("rollback")),
		Sink:       sink,
		Leases:     app.Leases,
		Ledger:     devops.NewReleaseLedger(cfg.Deploy.StateDir),
		Metrics:    app.Metrics,
	}, startup, logger)

	return app, nil
}

func newController(cfg *config.Config, ready devops.Reachability, logger *zap.Logger) (devops.StoreControl, error) {
	switch cfg.Service.Controller {
	case "exec":
		ctl, err := container.NewExecController(container.ExecConfig{
			StartCommand:  cfg.Service.StartCommand,
			StopCommand:   cfg.Service.StopCommand,
			StatusCommand: cfg.Service.StatusCommand,
		}, ready, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", devops.ErrConfigInvalid, err)
		}
		return ctl, nil
	default:
		ctl, err := container.NewDockerController(container.DockerConfig{
			Image:         cfg.Service.Image,
			ContainerName: cfg.Service.ContainerName,
			Ports:         cfg.Service.Ports,
			Env:           cfg.Service.Env,
			Network:       cfg.Service.Network,
			Volumes:       cfg.Service.Volumes,
		}, ready, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", devops.ErrConfigInvalid, err)
		}
		return ctl, nil
	}
}

// buildProbes assembles the probe set enabled by the configuration
func (a *App) buildProbes() []devops.Probe {
	cfg := a.Config
	client := &http.Client{Timeout: cfg.Health.ProbeTimeout}

	probes := []devops.Probe{
		&devops.ProcessLivenessProbe{Control: a.Control},
		&devops.FunctionalQueryProbe{Query: a.Store, Statement: cfg.Health.FunctionalQuery},
		&devops.SchemaPresenceProbe{
			Query:      a.Store,
			Tables:     cfg.Backup.CriticalTables,
			Extensions: cfg.Backup.RequiredExtensions,
		},
	}
	if cfg.Service.ListenAddress != "" {
		probes = append(probes, &devops.NetworkListenerProbe{Address: cfg.Service.ListenAddress})
	}
	if cfg.Cache.Enabled {
		pinger := devops.NewRedisPinger(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB)
		a.closers = append(a.closers, pinger.Close)
		probes = append(probes, &devops.DependencyProbe{Target: cfg.Cache.Addr, Pinger: pinger})
	}
	if cfg.Health.CertRef != "" {
		probes = append(probes, &devops.CertificateExpiryProbe{
			Source:   &devops.CertificateResolver{DialTimeout: cfg.Health.ProbeTimeout},
			Ref:      cfg.Health.CertRef,
			WarnDays: cfg.Health.CertWarnDays,
		})
	}
	if cfg.Service.HealthURL != "" {
		probes = append(probes, &devops.ResponseLatencyProbe{
			URL:    cfg.Service.HealthURL,
			Soft:   cfg.Health.LatencySoft,
			Hard:   cfg.Health.LatencyHard,
			Client: client,
		})
	}
	if cfg.Service.MetricsURL != "" {
		probes = append(probes, &devops.MetricsEndpointProbe{URL: cfg.Service.MetricsURL, Client: client})
	}
	return probes
}

// PushMetrics sends the run metrics to the configured Pushgateway
func (a *App) PushMetrics(ctx context.Context) {
	url := a.Config.Metrics.PushgatewayURL
	if url == "" {
		return
	}
	grouping := map[string]string{"environment": string(a.Config.Environment)}
	if err := a.Metrics.Push(ctx, url, a.Config.Metrics.Job, grouping); err != nil {
		a.Logger.Warn("failed to push metrics", zap.String("url", url), zap.Error(err))
	}
}

// Close releases connections in reverse order of creation
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
