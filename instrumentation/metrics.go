package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the guard library
type Metrics struct {
	// Gateway metrics
	RequestsGuarded  metric.Int64Counter
	RequestsRejected metric.Int64Counter
	GuardDuration    metric.Float64Histogram

	// Rate limiting metrics
	RateLimitChecks  metric.Int64Counter
	RateLimitDenied  metric.Int64Counter
	RateLimitEntries metric.Int64ObservableGauge

	// CSRF metrics
	CSRFTokensIssued metric.Int64Counter
	CSRFValidations  metric.Int64Counter
	CSRFFailures     metric.Int64Counter
	CSRFRotations    metric.Int64Counter
	CSRFSessions     metric.Int64ObservableGauge

	// Audit metrics
	AuditEventsTotal  metric.Int64Counter
	AuditStoredEvents metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	gatewayMeter := inst.Meter("gateway")
	stateMeter := inst.Meter("state")

	var err error
	m.RequestsGuarded, err = gatewayMeter.Int64Counter(
		"guard.requests.total",
		metric.WithDescription("Total number of guarded requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.requests.total counter: %w", err)
	}

	m.RequestsRejected, err = gatewayMeter.Int64Counter(
		"guard.requests.rejected",
		metric.WithDescription("Requests rejected by rate limiting or CSRF validation"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.requests.rejected counter: %w", err)
	}

	m.GuardDuration, err = gatewayMeter.Float64Histogram(
		"guard.request.duration",
		metric.WithDescription("Security check duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.request.duration histogram: %w", err)
	}

	m.RateLimitChecks, err = gatewayMeter.Int64Counter(
		"guard.ratelimit.checks",
		metric.WithDescription("Rate limit decisions made"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.ratelimit.checks counter: %w", err)
	}

	m.RateLimitDenied, err = gatewayMeter.Int64Counter(
		"guard.ratelimit.denied",
		metric.WithDescription("Requests denied by rate limiting"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.ratelimit.denied counter: %w", err)
	}

	m.CSRFTokensIssued, err = gatewayMeter.Int64Counter(
		"guard.csrf.issued",
		metric.WithDescription("CSRF tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.csrf.issued counter: %w", err)
	}

	m.CSRFValidations, err = gatewayMeter.Int64Counter(
		"guard.csrf.validations",
		metric.WithDescription("CSRF token validations attempted"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.csrf.validations counter: %w", err)
	}

	m.CSRFFailures, err = gatewayMeter.Int64Counter(
		"guard.csrf.failures",
		metric.WithDescription("CSRF token validations rejected"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.csrf.failures counter: %w", err)
	}

	m.CSRFRotations, err = gatewayMeter.Int64Counter(
		"guard.csrf.rotations",
		metric.WithDescription("CSRF tokens rotated"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.csrf.rotations counter: %w", err)
	}

	m.AuditEventsTotal, err = gatewayMeter.Int64Counter(
		"guard.audit.events",
		metric.WithDescription("Audit events recorded"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.audit.events counter: %w", err)
	}

	m.RateLimitEntries, err = stateMeter.Int64ObservableGauge(
		"guard.ratelimit.entries",
		metric.WithDescription("Identifiers currently tracked by the rate limiter"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.ratelimit.entries gauge: %w", err)
	}

	m.CSRFSessions, err = stateMeter.Int64ObservableGauge(
		"guard.csrf.sessions",
		metric.WithDescription("Sessions with a live CSRF token"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.csrf.sessions gauge: %w", err)
	}

	m.AuditStoredEvents, err = stateMeter.Int64ObservableGauge(
		"guard.audit.stored",
		metric.WithDescription("Audit events currently retained in memory"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.audit.stored gauge: %w", err)
	}

	return m, nil
}
