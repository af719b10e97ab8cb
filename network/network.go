// Package network models the device's connectivity state for the retry
// engine and the request interceptor. The core never probes the network
// itself; the host application feeds quality transitions into a Monitor.
package network

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Quality buckets the current connection quality.
type Quality int

const (
	// Offline means no connectivity at all.
	Offline Quality = iota
	// Poor is a barely usable connection (high loss, 2G-class).
	Poor
	// Fair is a usable but slow connection.
	Fair
	// Good is a typical mobile connection.
	Good
	// Excellent is an unconstrained connection.
	Excellent
)

func (q Quality) String() string {
	switch q {
	case Offline:
		return "offline"
	case Poor:
		return "poor"
	case Fair:
		return "fair"
	case Good:
		return "good"
	case Excellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// ErrOfflineTimeout is returned by AwaitOnline when connectivity is not
// restored within the given bound.
var ErrOfflineTimeout = errors.New("network: still offline after wait")

// Monitor reports connectivity to the core. Implementations must be safe for
// concurrent use.
type Monitor interface {
	Quality() Quality
	Online() bool
	// AwaitOnline blocks until the monitor reports any online quality, the
	// timeout elapses, or ctx is cancelled.
	AwaitOnline(ctx context.Context, timeout time.Duration) error
}

// Notifier is implemented by monitors that can push quality transitions to
// subscribers. Callbacks fire once per transition, outside any monitor
// lock, and must not block.
type Notifier interface {
	Subscribe(fn func(Quality))
}

// ManualMonitor is a Monitor whose quality is set by the host application
// (or by tests). The zero value reports Excellent.
type ManualMonitor struct {
	mu      sync.Mutex
	quality Quality
	set     bool
	waiters []chan struct{}
	subs    []func(Quality)
}

// NewManualMonitor returns a ManualMonitor starting at the given quality.
func NewManualMonitor(q Quality) *ManualMonitor {
	return &ManualMonitor{quality: q, set: true}
}

// SetQuality records a connectivity transition, wakes AwaitOnline callers
// when transitioning out of Offline, and notifies subscribers. Setting the
// current quality again is not a transition and notifies nobody.
func (m *ManualMonitor) SetQuality(q Quality) {
	m.mu.Lock()
	prev := Excellent
	if m.set {
		prev = m.quality
	}
	m.quality = q
	m.set = true
	if q != Offline {
		for _, w := range m.waiters {
			close(w)
		}
		m.waiters = nil
	}
	var subs []func(Quality)
	if q != prev {
		subs = append(subs, m.subs...)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(q)
	}
}

// Subscribe registers a callback for quality transitions.
func (m *ManualMonitor) Subscribe(fn func(Quality)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Quality returns the last recorded quality.
func (m *ManualMonitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return Excellent
	}
	return m.quality
}

// Online reports whether the last recorded quality is not Offline.
func (m *ManualMonitor) Online() bool {
	return m.Quality() != Offline
}

// AwaitOnline blocks until SetQuality records an online state.
func (m *ManualMonitor) AwaitOnline(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	if !m.set || m.quality != Offline {
		m.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w:
		return nil
	case <-timer.C:
		return ErrOfflineTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
