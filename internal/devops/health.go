// internal/devops/health.go
package devops

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/shipyard/internal/metrics"
)

// ProbeStatus is the outcome of a single probe attempt
type ProbeStatus string

const (
	ProbePass ProbeStatus = "PASS"
	ProbeWarn ProbeStatus = "WARN"
	ProbeFail ProbeStatus = "FAIL"
)

// OverallStatus is the folded status of a health evaluation
type OverallStatus string

const (
	HealthPass     OverallStatus = "PASS"
	HealthDegraded OverallStatus = "DEGRADED"
	HealthFail     OverallStatus = "FAIL"
)

// OverallStatuses lists every overall status
var OverallStatuses = []string{string(HealthPass), string(HealthDegraded), string(HealthFail)}

// Healthy reports whether a deployment may be promoted at this status
func (s OverallStatus) Healthy() bool {
	return s == HealthPass || s == HealthDegraded
}

// HealthCheckResult is the outcome of one probe. Attempts holds every
// attempt including the authoritative last one.
type HealthCheckResult struct {
	ProbeName     string              `json:"probe_name"`
	Status        ProbeStatus         `json:"status"`
	Message       string              `json:"message"`
	LatencyMS     int64               `json:"latency_ms"`
	AttemptNumber int                 `json:"attempt_number"`
	Critical      bool                `json:"critical"`
	Attempts      []HealthCheckResult `json:"attempts,omitempty"`
}

// HealthReport aggregates one evaluation pass
type HealthReport struct {
	OverallStatus OverallStatus       `json:"overall_status"`
	Results       []HealthCheckResult `json:"results"`
	EvaluatedAt   time.Time           `json:"evaluated_at"`
	Forecast      bool                `json:"forecast"`
}

// Result returns the result for the named probe
func (r *HealthReport) Result(name string) (HealthCheckResult, bool) {
	for _, res := range r.Results {
		if res.ProbeName == name {
			return res, true
		}
	}
	return HealthCheckResult{}, false
}

// Probe is one independent, read-only health check. Run must honour the
// deadline carried by ctx.
type Probe interface {
	Name() string
	Critical() bool
	Run(ctx context.Context) HealthCheckResult
}

// Classify folds results into an overall status: any critical FAIL is FAIL,
// any other FAIL or WARN is DEGRADED, otherwise PASS.
func Classify(results []HealthCheckResult) OverallStatus {
	status := HealthPass
	for _, r := range results {
		switch {
		case r.Status == ProbeFail && r.Critical:
			return HealthFail
		case r.Status == ProbeFail || r.Status == ProbeWarn:
			status = HealthDegraded
		}
	}
	return status
}

// AggregatorConfig configures health evaluation
type AggregatorConfig struct {
	ProbeTimeout time.Duration `json:"probe_timeout"`
	MaxRetries   int           `json:"max_retries"`
	RetryDelay   time.Duration `json:"retry_delay"`
	Ceiling      time.Duration `json:"ceiling"`
}

// AggregatorOption configures an Aggregator
type AggregatorOption func(*Aggregator)

// WithReachabilityGate makes Evaluate wait for the store before probing
func WithReachabilityGate(r Reachability) AggregatorOption {
	return func(a *Aggregator) {
		a.gate = r
	}
}

// WithHealthMetrics records probe outcomes
func WithHealthMetrics(c *metrics.Collector) AggregatorOption {
	return func(a *Aggregator) {
		a.metrics = c
	}
}

// WithHealthClock overrides the wall clock
func WithHealthClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		a.now = now
	}
}

// Aggregator runs probes concurrently and folds their results
type Aggregator struct {
	config  AggregatorConfig
	gate    Reachability
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

// NewAggregator creates a health aggregator
func NewAggregator(config AggregatorConfig, logger *zap.Logger, opts ...AggregatorOption) *Aggregator {
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 10 * time.Second
	}
	if config.MaxRetries < 1 {
		config.MaxRetries = 1
	}
	a := &Aggregator{
		config: config,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Evaluate runs every probe and folds the results. Individual probe failures
// never produce an error; only an unreachable store past the ceiling
// (ErrHealthEvaluationTimeout) or cancellation of ctx do.
func (a *Aggregator) Evaluate(ctx context.Context, probes []Probe) (HealthReport, error) {
	if err := a.awaitReachable(ctx); err != nil {
		return HealthReport{}, err
	}

	results := make([]HealthCheckResult, len(probes))

	var wg sync.WaitGroup
	for i, probe := range probes {
		wg.Add(1)
		go func(i int, probe Probe) {
			defer wg.Done()
			results[i] = a.runProbe(ctx, probe)
		}(i, probe)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return HealthReport{}, fmt.Errorf("health: evaluation interrupted: %w", err)
	}

	report := HealthReport{
		OverallStatus: Classify(results),
		Results:       results,
		EvaluatedAt:   a.now().UTC(),
	}
	a.metrics.RecordHealth(string(report.OverallStatus), OverallStatuses)

	a.logger.Info("health evaluated",
		zap.String("overall_status", string(report.OverallStatus)),
		zap.Int("probes", len(results)))
	return report, nil
}

func (a *Aggregator) awaitReachable(ctx context.Context) error {
	if a.gate == nil {
		return nil
	}

	interval := a.config.RetryDelay
	if interval <= 0 {
		interval = time.Second
	}
	deadline := a.now().Add(a.config.Ceiling)

	for {
		err := a.gate.IsReachable(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("health: evaluation interrupted: %w", ctx.Err())
		}
		if !a.now().Before(deadline) {
			return fmt.Errorf("health: store unreachable for %v: %w: %v",
				a.config.Ceiling, ErrHealthEvaluationTimeout, err)
		}
		a.logger.Debug("store not reachable yet", zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("health: evaluation interrupted: %w", ctx.Err())
		case <-time.After(interval):
		}
	}
}

func (a *Aggregator) runProbe(ctx context.Context, probe Probe) HealthCheckResult {
	var attempts []HealthCheckResult

	for attempt := 1; attempt <= a.config.MaxRetries; attempt++ {
		res := a.runAttempt(ctx, probe)
		res.AttemptNumber = attempt
		attempts = append(attempts, res)

		if res.Status != ProbeFail || attempt == a.config.MaxRetries || ctx.Err() != nil {
			break
		}

		a.logger.Debug("probe failed, retrying",
			zap.String("probe", probe.Name()),
			zap.Int("attempt", attempt),
			zap.String("message", res.Message))

		select {
		case <-ctx.Done():
		case <-time.After(a.config.RetryDelay):
		}
		if ctx.Err() != nil {
			break
		}
	}

	final := attempts[len(attempts)-1]
	final.Attempts = attempts
	a.metrics.RecordProbe(final.ProbeName, string(final.Status), time.Duration(final.LatencyMS)*time.Millisecond)
	return final
}

func (a *Aggregator) runAttempt(ctx context.Context, probe Probe) HealthCheckResult {
	attemptCtx, cancel := context.WithTimeout(ctx, a.config.ProbeTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan HealthCheckResult, 1)
	go func() {
		done <- probe.Run(attemptCtx)
	}()

	var res HealthCheckResult
	select {
	case res = <-done:
	case <-attemptCtx.Done():
		res = HealthCheckResult{Status: ProbeFail, Message: fmt.Sprintf("timeout after %v", a.config.ProbeTimeout)}
		if ctx.Err() != nil {
			res.Message = "cancelled"
		}
	}

	res.ProbeName = probe.Name()
	res.Critical = probe.Critical()
	res.LatencyMS = time.Since(start).Milliseconds()
	return res
}

// Forecast returns the report a dry run would evaluate: every configured
// probe is listed as planned without being executed.
func Forecast(probes []Probe, now time.Time) HealthReport {
	results := make([]HealthCheckResult, 0, len(probes))
	for _, p := range probes {
		results = append(results, HealthCheckResult{
			ProbeName: p.Name(),
			Status:    ProbePass,
			Message:   "dry run: planned, not executed",
			Critical:  p.Critical(),
		})
	}
	return HealthReport{
		OverallStatus: Classify(results),
		Results:       results,
		EvaluatedAt:   now.UTC(),
		Forecast:      true,
	}
}
