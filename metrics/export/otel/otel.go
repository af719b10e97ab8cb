// Package otel exposes the engine's counters through OpenTelemetry
// observable instruments. Callers supply the Meter; this package never owns
// a MeterProvider and never mutates engine state.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	authcore "github.com/credimobile/authcore"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() authcore.MetricsSnapshot
	AuditDropped() uint64
}

type counterDef struct {
	id   authcore.MetricID
	name string
	help string
}

var counterDefs = []counterDef{
	{authcore.MetricLoginSuccess, "authcore_login_success_total", "Completed logins."},
	{authcore.MetricLoginFailure, "authcore_login_failure_total", "Failed logins."},
	{authcore.MetricLoginRetried, "authcore_login_retried_total", "Login attempts beyond the first."},
	{authcore.MetricLogout, "authcore_logout_total", "Logouts."},
	{authcore.MetricRefreshSuccess, "authcore_refresh_success_total", "Completed token refreshes."},
	{authcore.MetricRefreshFailure, "authcore_refresh_failure_total", "Failed token refreshes."},
	{authcore.MetricRefreshCoalesced, "authcore_refresh_coalesced_total", "Requests that waited on an in-flight refresh."},
	{authcore.MetricTokenDecryptFailure, "authcore_token_decrypt_failure_total", "Tokens that failed to decode or verify."},
	{authcore.MetricTokenExpired, "authcore_token_expired_total", "Tokens rejected for expiry."},
	{authcore.MetricSessionRestored, "authcore_session_restored_total", "Sessions hydrated from storage."},
	{authcore.MetricSessionCorruption, "authcore_session_corruption_total", "Storage corruption incidents."},
	{authcore.MetricSessionRecovered, "authcore_session_recovered_total", "Shadow-copy recoveries."},
	{authcore.MetricInterceptorUnauthorized, "authcore_interceptor_unauthorized_total", "401 responses seen by the interceptor."},
	{authcore.MetricInterceptorForbidden, "authcore_interceptor_forbidden_total", "403 responses seen by the interceptor."},
	{authcore.MetricAutoLogout, "authcore_auto_logout_total", "Automatic logouts triggered by the interceptor."},
	{authcore.MetricOfflineAuthPreserved, "authcore_offline_auth_preserved_total", "401/403 responses ignored while offline."},
	{authcore.MetricSecurityEvents, "authcore_security_events_total", "Detected suspicious-activity events."},
}

type observedCounter struct {
	id         authcore.MetricID
	instrument metric.Int64ObservableCounter
}

// Exporter registers observable instruments for each engine metric and
// reads one snapshot per collection cycle.
type Exporter struct {
	source       metricsSource
	registration metric.Registration
	counters     []observedCounter
	auditDropped metric.Int64ObservableCounter
}

// NewExporter binds an engine's metrics to a Meter.
func NewExporter(meter metric.Meter, engine *authcore.Engine) (*Exporter, error) {
	return NewExporterFromSource(meter, engine)
}

// NewExporterFromSource is NewExporter for any snapshot source.
func NewExporterFromSource(meter metric.Meter, source metricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &Exporter{
		source:   source,
		counters: make([]observedCounter, 0, len(counterDefs)),
	}
	observables := make([]metric.Observable, 0, len(counterDefs)+1)

	for _, def := range counterDefs {
		ins, err := meter.Int64ObservableCounter(def.name, metric.WithDescription(def.help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: def.id, instrument: ins})
		observables = append(observables, ins)
	}

	auditDropped, err := meter.Int64ObservableCounter(
		"authcore_audit_dropped_total",
		metric.WithDescription("Dropped audit events due to dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exporter.auditDropped = auditDropped
	observables = append(observables, auditDropped)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := exporter.source.MetricsSnapshot()
		for _, c := range exporter.counters {
			observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
		}
		observer.ObserveInt64(exporter.auditDropped, int64(exporter.source.AuditDropped()))
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register metrics callback: %w", err)
	}
	exporter.registration = registration

	return exporter, nil
}

// Close unregisters the collection callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
