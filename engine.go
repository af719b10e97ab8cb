package authcore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/credimobile/authcore/internal/audit"
	"github.com/credimobile/authcore/internal/monitor"
	"github.com/credimobile/authcore/network"
	"github.com/credimobile/authcore/retry"
	"github.com/credimobile/authcore/session"
	"github.com/credimobile/authcore/signing"
	"github.com/credimobile/authcore/token"
)

// State is the engine's authentication state.
type State int32

const (
	// StateUnauthenticated means no active session.
	StateUnauthenticated State = iota
	// StateAuthenticated means an active session exists locally.
	StateAuthenticated
	// StateRefreshing means a token refresh is in flight.
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Engine is the offline-first authentication core. Construct one through
// the Builder; an Engine is safe for concurrent use.
type Engine struct {
	config    Config
	tokens    *token.Manager
	signer    *signing.Signer
	sessions  *session.Store
	netmon    network.Monitor
	retryExec *retry.Executor
	monitor   *monitor.Monitor
	audit     *audit.Dispatcher
	metrics   *Metrics
	transport HTTPDoer
	now       func() time.Time

	state atomic.Int32

	cacheMu sync.RWMutex
	cached  *session.Record

	refreshMu      sync.Mutex
	refreshing     bool
	refreshWaiters []chan error

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Close stops background tasks and flushes the audit pipeline. The session
// on disk is left untouched; a later engine restores it.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		if e.monitor != nil {
			e.monitor.Stop()
		}
		e.audit.Close()
	})
}

// AuditDropped reports how many audit events were dropped under
// backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the engine's counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// SecurityReport returns the monitor's activity snapshot and current risk
// posture. Read-only.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil || e.monitor == nil {
		return SecurityReport{}
	}
	return SecurityReport{
		Stats: e.monitor.Stats(),
		Risk:  e.monitor.RiskSummary(),
	}
}

// RiskSummary returns the monitor's current risk posture.
func (e *Engine) RiskSummary() RiskSummary {
	if e == nil || e.monitor == nil {
		return RiskSummary{Level: RiskLow}
	}
	return e.monitor.RiskSummary()
}

// SubscribeSecurityEvents registers an observer for detected
// suspicious-activity events.
func (e *Engine) SubscribeSecurityEvents(obs SecurityObserver) {
	if e == nil || e.monitor == nil {
		return
	}
	e.monitor.Subscribe(obs)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) currentState() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// emitAudit forwards a telemetry event. data is lazily built so disabled
// auditing costs nothing.
func (e *Engine) emitAudit(ctx context.Context, action string, sev AuditSeverity, success bool, userID, sessionID string, cause error, data func() map[string]string) {
	if e == nil || e.audit == nil {
		return
	}
	ev := audit.Event{
		Timestamp: e.now(),
		Category:  "auth",
		Action:    action,
		Severity:  sev,
		UserID:    userID,
		SessionID: sessionID,
		Success:   success,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if data != nil {
		ev.Data = data()
	}
	e.audit.Emit(ctx, ev)
}

// setCached replaces the in-memory session cache and derives the state.
func (e *Engine) setCached(rec *session.Record) {
	e.cacheMu.Lock()
	e.cached = rec
	e.cacheMu.Unlock()
	if rec != nil {
		e.setState(StateAuthenticated)
	} else {
		e.setState(StateUnauthenticated)
	}
}

func (e *Engine) cachedRecord() *session.Record {
	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()
	return e.cached
}

// restore hydrates the cache from storage at startup. A failed or corrupt
// read leaves the engine unauthenticated; it never errors.
func (e *Engine) restore(ctx context.Context) {
	rec, err := e.sessions.Load(ctx)
	if err != nil || rec == nil {
		e.setCached(nil)
		return
	}
	e.setCached(rec)
	e.metricInc(MetricSessionRestored)
	e.emitAudit(ctx, "session_restored", AuditInfo, true, rec.Data.UserID, rec.SessionID, nil, nil)
}

// validateLoop periodically checks the persisted session for observability.
// Its findings flow to telemetry only; it never invalidates a session.
func (e *Engine) validateLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Session.ValidateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			validity, err := e.sessions.Validate(ctx)
			cancel()
			if err != nil {
				continue
			}
			if validity.IsValid && validity.IsExpired {
				e.emitAudit(context.Background(), "session_expired_observed", AuditLow, true, "", e.CurrentSessionID(), nil, func() map[string]string {
					return map[string]string{
						"overdue": (-validity.TimeUntilExpiry).String(),
					}
				})
			}
		case <-e.done:
			return
		}
	}
}

// onCorruption is the session store's corruption hook.
func (e *Engine) onCorruption(detail string) {
	e.metricInc(MetricSessionCorruption)
	e.setCached(nil)
	if e.monitor != nil {
		e.monitor.RecordCorruption(detail)
	}
	e.emitAudit(context.Background(), "session_corruption", AuditHigh, false, "", "", errors.New(detail), nil)
}

// onRecovered is the session store's shadow-recovery hook.
func (e *Engine) onRecovered(key string) {
	e.metricInc(MetricSessionRecovered)
	e.emitAudit(context.Background(), "session_recovered", AuditMedium, true, "", "", nil, func() map[string]string {
		return map[string]string{"entry": key}
	})
}

// classifyRetry maps the engine's error taxonomy onto retry classes.
func classifyRetry(err error) retry.Class {
	switch KindOf(err) {
	case KindNetwork:
		return retry.ClassNetwork
	case KindServer:
		return retry.ClassServer
	case KindAuthenticationFailed, KindAccountLocked, KindCredentialsExpired, KindAccessDenied:
		return retry.ClassCredential
	case KindTokenDecryption, KindTokenExpired, KindDomainNotAllowed, KindHTTPSRequired, KindDataCorruption:
		return retry.ClassSecurity
	case KindValidation:
		return retry.ClassConfig
	default:
		return retry.ClassOther
	}
}
