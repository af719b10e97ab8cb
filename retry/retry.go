// Package retry executes operations under policy-driven, network-aware
// backoff. Eligibility is decided by error class, never by message text: the
// owner injects a Classifier and each policy names the classes it will retry.
package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/credimobile/authcore/network"
)

// Class buckets an operation error for retry eligibility.
type Class int

const (
	// ClassOther is anything the classifier cannot place. Never retried.
	ClassOther Class = iota
	// ClassNetwork covers connectivity, timeout, DNS, and TLS failures.
	ClassNetwork
	// ClassServer covers 5xx responses and malformed server payloads.
	ClassServer
	// ClassCredential covers bad credentials and signaled account states.
	ClassCredential
	// ClassSecurity covers integrity and transport-policy failures.
	ClassSecurity
	// ClassConfig covers caller misconfiguration.
	ClassConfig
)

// Classifier maps an operation error to its Class.
type Classifier func(error) Class

// Strategy selects the delay curve.
type Strategy int

const (
	// Fixed waits the base delay between every attempt.
	Fixed Strategy = iota
	// Linear waits base*attempt.
	Linear
	// Exponential waits base*multiplier^(attempt-1), capped at the max delay.
	Exponential
	// NetworkAware scales the exponential delay by the current connection
	// quality and, when fully offline, waits (bounded) for connectivity
	// before computing a delay.
	NetworkAware
)

func (s Strategy) String() string {
	switch s {
	case Fixed:
		return "fixed"
	case Linear:
		return "linear"
	case Exponential:
		return "exponential"
	case NetworkAware:
		return "network_aware"
	default:
		return "unknown"
	}
}

// Config is immutable for the duration of a Do call.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// MaxJitter bounds the uniform random jitter added to every delay.
	MaxJitter time.Duration
	// OfflineWait bounds how long NetworkAware blocks for connectivity.
	OfflineWait time.Duration
	// Retryable lists the error classes eligible for another attempt.
	Retryable []Class
	// OnRetry, when set, observes each scheduled retry.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	}
	if c.OfflineWait <= 0 {
		c.OfflineWait = 30 * time.Second
	}
	if c.Retryable == nil {
		c.Retryable = []Class{ClassNetwork, ClassServer}
	}
	return c
}

func (c Config) eligible(class Class) bool {
	for _, r := range c.Retryable {
		if r == class {
			return true
		}
	}
	return false
}

// Result is produced once per Do call and never mutated afterwards.
type Result struct {
	Success  bool
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// LoginPolicy retries network and transient server failures up to 3 attempts.
func LoginPolicy() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		MaxJitter:   250 * time.Millisecond,
		Retryable:   []Class{ClassNetwork, ClassServer},
	}
}

// LogoutPolicy retries network failures only, up to 2 attempts. Local logout
// must succeed even when every attempt is exhausted; that guarantee lives
// with the caller, not here.
func LogoutPolicy() Config {
	return Config{
		MaxAttempts: 2,
		BaseDelay:   300 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2,
		MaxJitter:   150 * time.Millisecond,
		Retryable:   []Class{ClassNetwork},
	}
}

// RefreshPolicy retries network and server failures up to 2 attempts.
func RefreshPolicy() Config {
	return Config{
		MaxAttempts: 2,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
		MaxJitter:   250 * time.Millisecond,
		Retryable:   []Class{ClassNetwork, ClassServer},
	}
}

// Executor runs operations under a Config and Strategy.
type Executor struct {
	monitor  network.Monitor
	classify Classifier
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customizes an Executor.
type Option func(*Executor)

// WithClock injects the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithSleeper injects the delay function. Tests only.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// NewExecutor returns an Executor. monitor may be nil when no strategy in use
// is network-aware; classify may be nil, in which case nothing is retried.
func NewExecutor(monitor network.Monitor, classify Classifier, opts ...Option) *Executor {
	e := &Executor{
		monitor:  monitor,
		classify: classify,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Do runs op until it succeeds, exhausts cfg.MaxAttempts, fails with an
// ineligible error class, or ctx is cancelled.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error, cfg Config, strategy Strategy) Result {
	cfg = cfg.withDefaults()
	start := e.now()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Err: err, Attempts: attempt - 1, Elapsed: e.now().Sub(start)}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return Result{Success: true, Attempts: attempt, Elapsed: e.now().Sub(start)}
		}

		if attempt == cfg.MaxAttempts {
			break
		}
		if e.classify == nil || !cfg.eligible(e.classify(lastErr)) {
			return Result{Err: lastErr, Attempts: attempt, Elapsed: e.now().Sub(start)}
		}

		delay, err := e.delay(ctx, cfg, strategy, attempt)
		if err != nil {
			// Offline wait exhausted or context cancelled.
			return Result{Err: lastErr, Attempts: attempt, Elapsed: e.now().Sub(start)}
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return Result{Err: lastErr, Attempts: attempt, Elapsed: e.now().Sub(start)}
		}
	}

	return Result{Err: lastErr, Attempts: cfg.MaxAttempts, Elapsed: e.now().Sub(start)}
}

// delay computes the wait before attempt+1. attempt is 1-based.
func (e *Executor) delay(ctx context.Context, cfg Config, strategy Strategy, attempt int) (time.Duration, error) {
	var base time.Duration
	switch strategy {
	case Fixed:
		base = cfg.BaseDelay
	case Linear:
		base = cfg.BaseDelay * time.Duration(attempt)
	case Exponential:
		base = scaleExp(cfg, attempt, 1)
	case NetworkAware:
		q := network.Excellent
		if e.monitor != nil {
			q = e.monitor.Quality()
		}
		if q == network.Offline {
			if e.monitor == nil {
				return 0, network.ErrOfflineTimeout
			}
			if err := e.monitor.AwaitOnline(ctx, cfg.OfflineWait); err != nil {
				return 0, err
			}
			q = e.monitor.Quality()
		}
		base = scaleExp(cfg, attempt, qualityMultiplier(q))
	default:
		base = cfg.BaseDelay
	}

	if base > cfg.MaxDelay {
		base = cfg.MaxDelay
	}
	return base + jitter(cfg.MaxJitter), nil
}

func scaleExp(cfg Config, attempt int, mult float64) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1)) * mult
	if d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

// qualityMultiplier stretches delays on weak connections so a struggling
// link is not hammered at full cadence.
func qualityMultiplier(q network.Quality) float64 {
	switch q {
	case network.Poor:
		return 3
	case network.Fair:
		return 2
	case network.Good:
		return 1.2
	default:
		return 1
	}
}

// jitter draws a uniform duration in [0, bound].
func jitter(bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(bound.Nanoseconds()+1))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
