package authcore

import (
	"net/http"

	"github.com/credimobile/authcore/internal/audit"
	"github.com/credimobile/authcore/internal/monitor"
	"github.com/credimobile/authcore/session"
	"github.com/credimobile/authcore/token"
)

// SessionStats is the persisted session's observability snapshot.
type SessionStats = session.Stats

// AuthTokenData is the decrypted session token payload.
type AuthTokenData = token.Data

// UserProfile is the nested profile carried inside a decrypted token.
type UserProfile = token.UserProfile

// AuditEvent is the structured telemetry record emitted by the engine.
type AuditEvent = audit.Event

// AuditSink receives emitted audit events. Implementations must tolerate
// concurrent calls and must not block for long; slow sinks cause events to
// be dropped, not the engine to stall.
type AuditSink = audit.Sink

// AuditSeverity ranks an audit event.
type AuditSeverity = audit.Severity

// Audit severity levels.
const (
	AuditInfo     = audit.SeverityInfo
	AuditLow      = audit.SeverityLow
	AuditMedium   = audit.SeverityMedium
	AuditHigh     = audit.SeverityHigh
	AuditCritical = audit.SeverityCritical
)

// SecurityEvent is a detected suspicious-activity event.
type SecurityEvent = monitor.Event

// SecurityEventType tags a detected suspicious-activity event.
type SecurityEventType = monitor.EventType

// Detected suspicious-activity event types.
const (
	EventRapidLoginAttempts    = monitor.RapidLoginAttempts
	EventMultipleFailedLogins  = monitor.MultipleFailedLogins
	EventTokenManipulation     = monitor.TokenManipulation
	EventUnusualNetworkPattern = monitor.UnusualNetworkPattern
	EventDataCorruptionPattern = monitor.DataCorruptionPattern
)

// SecuritySeverity ranks a detected suspicious-activity event.
type SecuritySeverity = monitor.Severity

// Security event severities.
const (
	SecurityLow      = monitor.SeverityLow
	SecurityMedium   = monitor.SeverityMedium
	SecurityHigh     = monitor.SeverityHigh
	SecurityCritical = monitor.SeverityCritical
)

// SecurityObserver receives detected security events synchronously with the
// record call that produced them. Observers must not block.
type SecurityObserver = monitor.Observer

// MonitorThresholds tunes the suspicious-activity detection rules.
type MonitorThresholds = monitor.Thresholds

// MonitorStats is a snapshot of the monitor's rolling activity log.
type MonitorStats = monitor.Stats

// RiskSummary aggregates recent security events into an overall posture.
type RiskSummary = monitor.RiskSummary

// Risk levels.
const (
	RiskLow      = monitor.RiskLow
	RiskMedium   = monitor.RiskMedium
	RiskHigh     = monitor.RiskHigh
	RiskCritical = monitor.RiskCritical
)

// HTTPDoer is the transport the engine calls through. *http.Client
// satisfies it. Domain allow-listing and scheme enforcement belong to the
// transport; it signals rejections with ErrDomainNotAllowed and
// ErrHTTPSRequired, which the engine surfaces as typed errors.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SecurityReport combines the monitor's activity snapshot with its current
// risk posture. Read-only.
type SecurityReport struct {
	Stats MonitorStats
	Risk  RiskSummary
}
