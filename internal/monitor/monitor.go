// Package monitor implements the sliding-window suspicious-activity
// detector. It observes login, token-validation, network, and storage
// events, raises threshold-breach events with a bounded risk score, and
// keeps a rolling 24-hour activity log.
//
// The monitor sits off the request path: recording is cheap and never
// returns errors, and detection results flow only to observers and the
// telemetry sink.
package monitor

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType tags a detected anomaly.
type EventType string

const (
	RapidLoginAttempts    EventType = "RAPID_LOGIN_ATTEMPTS"
	MultipleFailedLogins  EventType = "MULTIPLE_FAILED_LOGINS"
	TokenManipulation     EventType = "TOKEN_MANIPULATION"
	UnusualNetworkPattern EventType = "UNUSUAL_NETWORK_PATTERN"
	DataCorruptionPattern EventType = "DATA_CORRUPTION_PATTERN"
)

// Severity ranks a detected anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is a detected anomaly derived from threshold breaches.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description"`
	Evidence    map[string]string `json:"evidence,omitempty"`
	RiskScore   int               `json:"risk_score"`
	DetectedAt  time.Time         `json:"detected_at"`
}

// Stats is a point-in-time snapshot of the rolling activity log.
type Stats struct {
	LoginAttempts       int
	FailedLogins        int
	ValidationFailures  int
	NetworkEvents       int
	CorruptionIncidents int
	DetectedEvents      int
	OldestEntry         time.Time
}

// RiskLevel aggregates recent activity into a single posture.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskSummary is the read-only aggregate returned by Monitor.RiskSummary.
type RiskSummary struct {
	Level           RiskLevel
	Score           int
	RecentEvents    []Event
	Recommendations []string
}

// Thresholds tunes the detection rules. Zero values fall back to defaults.
type Thresholds struct {
	RapidAttempts       int
	RapidWindow         time.Duration
	FailedLogins        int
	FailedWindow        time.Duration
	ValidationFailures  int
	ValidationWindow    time.Duration
	NetworkFlaps        int
	NetworkWindow       time.Duration
	CorruptionIncidents int
	CorruptionWindow    time.Duration
	Retention           time.Duration
	PurgeInterval       time.Duration
}

// DefaultThresholds returns the production rule set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RapidAttempts:       5,
		RapidWindow:         time.Minute,
		FailedLogins:        5,
		FailedWindow:        15 * time.Minute,
		ValidationFailures:  3,
		ValidationWindow:    10 * time.Minute,
		NetworkFlaps:        8,
		NetworkWindow:       5 * time.Minute,
		CorruptionIncidents: 2,
		CorruptionWindow:    time.Hour,
		Retention:           24 * time.Hour,
		PurgeInterval:       10 * time.Minute,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	def := DefaultThresholds()
	if t.RapidAttempts <= 0 {
		t.RapidAttempts = def.RapidAttempts
	}
	if t.RapidWindow <= 0 {
		t.RapidWindow = def.RapidWindow
	}
	if t.FailedLogins <= 0 {
		t.FailedLogins = def.FailedLogins
	}
	if t.FailedWindow <= 0 {
		t.FailedWindow = def.FailedWindow
	}
	if t.ValidationFailures <= 0 {
		t.ValidationFailures = def.ValidationFailures
	}
	if t.ValidationWindow <= 0 {
		t.ValidationWindow = def.ValidationWindow
	}
	if t.NetworkFlaps <= 0 {
		t.NetworkFlaps = def.NetworkFlaps
	}
	if t.NetworkWindow <= 0 {
		t.NetworkWindow = def.NetworkWindow
	}
	if t.CorruptionIncidents <= 0 {
		t.CorruptionIncidents = def.CorruptionIncidents
	}
	if t.CorruptionWindow <= 0 {
		t.CorruptionWindow = def.CorruptionWindow
	}
	if t.Retention <= 0 {
		t.Retention = def.Retention
	}
	if t.PurgeInterval <= 0 {
		t.PurgeInterval = def.PurgeInterval
	}
	return t
}

// Observer receives detected events synchronously with recording. Observers
// must not block.
type Observer func(Event)

type loginEntry struct {
	at      time.Time
	success bool
}

type taggedEntry struct {
	at  time.Time
	tag string
}

// Monitor is the stateful detector instance. All methods are safe for
// concurrent use.
type Monitor struct {
	mu         sync.Mutex
	thresholds Thresholds
	now        func() time.Time

	logins      []loginEntry
	validations []taggedEntry
	network     []taggedEntry
	corruption  []taggedEntry

	events    []Event
	lastFired map[EventType]time.Time
	observers []Observer

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a Monitor with the given thresholds. now is injectable for
// tests; nil means time.Now.
func New(th Thresholds, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		thresholds: th.withDefaults(),
		now:        now,
		lastFired:  make(map[EventType]time.Time),
		done:       make(chan struct{}),
	}
}

// Subscribe registers an observer for detected events.
func (m *Monitor) Subscribe(obs Observer) {
	if obs == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// Start launches the periodic purge task. Calling Start twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.thresholds.PurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Purge()
			case <-m.done:
				return
			}
		}
	}()
}

// Stop terminates the purge task and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

// RecordLoginAttempt logs one login attempt and runs detection.
func (m *Monitor) RecordLoginAttempt(success bool) []Event {
	m.mu.Lock()
	now := m.now()
	m.logins = append(m.logins, loginEntry{at: now, success: success})
	fired := m.evaluateLocked(now)
	m.mu.Unlock()

	m.notify(fired)
	return fired
}

// RecordValidationFailure logs one token-validation failure and runs
// detection. reason is free-form evidence, already sanitized by the caller.
func (m *Monitor) RecordValidationFailure(reason string) []Event {
	m.mu.Lock()
	now := m.now()
	m.validations = append(m.validations, taggedEntry{at: now, tag: reason})
	fired := m.evaluateLocked(now)
	m.mu.Unlock()

	m.notify(fired)
	return fired
}

// RecordNetworkQuality logs one network-quality transition and runs
// detection.
func (m *Monitor) RecordNetworkQuality(quality string) []Event {
	m.mu.Lock()
	now := m.now()
	m.network = append(m.network, taggedEntry{at: now, tag: quality})
	fired := m.evaluateLocked(now)
	m.mu.Unlock()

	m.notify(fired)
	return fired
}

// RecordCorruption logs one storage-corruption incident and runs detection.
func (m *Monitor) RecordCorruption(detail string) []Event {
	m.mu.Lock()
	now := m.now()
	m.corruption = append(m.corruption, taggedEntry{at: now, tag: detail})
	fired := m.evaluateLocked(now)
	m.mu.Unlock()

	m.notify(fired)
	return fired
}

func (m *Monitor) notify(fired []Event) {
	if len(fired) == 0 {
		return
	}
	m.mu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, ev := range fired {
		for _, obs := range observers {
			obs(ev)
		}
	}
}

func (m *Monitor) evaluateLocked(now time.Time) []Event {
	var fired []Event

	attempts := m.countLoginsSince(now.Add(-m.thresholds.RapidWindow), false)
	if attempts > m.thresholds.RapidAttempts {
		if ev, ok := m.fireLocked(now, RapidLoginAttempts, SeverityHigh,
			fmt.Sprintf("%d login attempts within %s", attempts, m.thresholds.RapidWindow),
			attempts, m.thresholds.RapidAttempts, m.thresholds.RapidWindow); ok {
			fired = append(fired, ev)
		}
	}

	failures := m.countLoginsSince(now.Add(-m.thresholds.FailedWindow), true)
	if failures > m.thresholds.FailedLogins {
		if ev, ok := m.fireLocked(now, MultipleFailedLogins, SeverityCritical,
			fmt.Sprintf("%d failed logins within %s", failures, m.thresholds.FailedWindow),
			failures, m.thresholds.FailedLogins, m.thresholds.FailedWindow); ok {
			fired = append(fired, ev)
		}
	}

	vf := countSince(m.validations, now.Add(-m.thresholds.ValidationWindow))
	if vf > m.thresholds.ValidationFailures {
		if ev, ok := m.fireLocked(now, TokenManipulation, SeverityCritical,
			fmt.Sprintf("%d token validation failures within %s", vf, m.thresholds.ValidationWindow),
			vf, m.thresholds.ValidationFailures, m.thresholds.ValidationWindow); ok {
			fired = append(fired, ev)
		}
	}

	flaps := countSince(m.network, now.Add(-m.thresholds.NetworkWindow))
	if flaps > m.thresholds.NetworkFlaps {
		if ev, ok := m.fireLocked(now, UnusualNetworkPattern, SeverityMedium,
			fmt.Sprintf("%d network quality transitions within %s", flaps, m.thresholds.NetworkWindow),
			flaps, m.thresholds.NetworkFlaps, m.thresholds.NetworkWindow); ok {
			fired = append(fired, ev)
		}
	}

	ci := countSince(m.corruption, now.Add(-m.thresholds.CorruptionWindow))
	if ci > m.thresholds.CorruptionIncidents {
		if ev, ok := m.fireLocked(now, DataCorruptionPattern, SeverityHigh,
			fmt.Sprintf("%d storage corruption incidents within %s", ci, m.thresholds.CorruptionWindow),
			ci, m.thresholds.CorruptionIncidents, m.thresholds.CorruptionWindow); ok {
			fired = append(fired, ev)
		}
	}

	return fired
}

// fireLocked creates an event unless the same type already fired inside its
// window. Suppression keeps one breach from producing an event per record
// call.
func (m *Monitor) fireLocked(now time.Time, typ EventType, sev Severity, desc string, count, threshold int, window time.Duration) (Event, bool) {
	if last, ok := m.lastFired[typ]; ok && now.Sub(last) < window {
		return Event{}, false
	}

	ev := Event{
		ID:          uuid.NewString(),
		Type:        typ,
		Severity:    sev,
		Description: desc,
		RiskScore:   riskScore(count, threshold),
		DetectedAt:  now,
		Evidence: map[string]string{
			"count":     fmt.Sprintf("%d", count),
			"threshold": fmt.Sprintf("%d", threshold),
			"window":    window.String(),
		},
	}
	m.lastFired[typ] = now
	m.events = append(m.events, ev)
	return ev, true
}

// riskScore maps breach magnitude relative to threshold onto [0,100].
// Crossing the threshold scores 50; each full threshold multiple adds 25.
func riskScore(count, threshold int) int {
	if threshold <= 0 {
		return 100
	}
	ratio := float64(count) / float64(threshold)
	score := 50 + (ratio-1)*25
	return int(math.Max(0, math.Min(100, math.Round(score))))
}

func (m *Monitor) countLoginsSince(cutoff time.Time, failedOnly bool) int {
	n := 0
	for _, e := range m.logins {
		if e.at.Before(cutoff) {
			continue
		}
		if failedOnly && e.success {
			continue
		}
		n++
	}
	return n
}

func countSince(entries []taggedEntry, cutoff time.Time) int {
	n := 0
	for _, e := range entries {
		if !e.at.Before(cutoff) {
			n++
		}
	}
	return n
}

// Purge drops log entries and detected events older than the retention
// window. This is the only garbage collection in the core.
func (m *Monitor) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.thresholds.Retention)

	kept := m.logins[:0]
	for _, e := range m.logins {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	m.logins = kept

	m.validations = purgeTagged(m.validations, cutoff)
	m.network = purgeTagged(m.network, cutoff)
	m.corruption = purgeTagged(m.corruption, cutoff)

	keptEvents := m.events[:0]
	for _, e := range m.events {
		if !e.DetectedAt.Before(cutoff) {
			keptEvents = append(keptEvents, e)
		}
	}
	m.events = keptEvents
}

func purgeTagged(entries []taggedEntry, cutoff time.Time) []taggedEntry {
	kept := entries[:0]
	for _, e := range entries {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}

// Stats returns a snapshot of the rolling log.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		LoginAttempts:       len(m.logins),
		ValidationFailures:  len(m.validations),
		NetworkEvents:       len(m.network),
		CorruptionIncidents: len(m.corruption),
		DetectedEvents:      len(m.events),
	}
	for _, e := range m.logins {
		if !e.success {
			st.FailedLogins++
		}
		if st.OldestEntry.IsZero() || e.at.Before(st.OldestEntry) {
			st.OldestEntry = e.at
		}
	}
	return st
}

// RiskSummary aggregates the last hour of activity into an overall risk
// level with recommendations. It is read-only and has no side effects.
func (m *Monitor) RiskSummary() RiskSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-time.Hour)

	var recent []Event
	maxScore := 0
	haveCritical := false
	haveHigh := false
	for _, e := range m.events {
		if e.DetectedAt.Before(cutoff) {
			continue
		}
		recent = append(recent, e)
		if e.RiskScore > maxScore {
			maxScore = e.RiskScore
		}
		switch e.Severity {
		case SeverityCritical:
			haveCritical = true
		case SeverityHigh:
			haveHigh = true
		}
	}

	summary := RiskSummary{Score: maxScore, RecentEvents: recent}
	switch {
	case haveCritical:
		summary.Level = RiskCritical
		summary.Recommendations = append(summary.Recommendations,
			"verify account ownership before allowing further logins",
			"rotate the device session at next connectivity")
	case haveHigh:
		summary.Level = RiskHigh
		summary.Recommendations = append(summary.Recommendations,
			"throttle interactive login attempts",
			"review recent device activity")
	case len(recent) > 0:
		summary.Level = RiskMedium
		summary.Recommendations = append(summary.Recommendations,
			"continue observing; no action required yet")
	default:
		summary.Level = RiskLow
	}

	return summary
}
