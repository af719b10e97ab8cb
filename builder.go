package authcore

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/credimobile/authcore/internal/audit"
	"github.com/credimobile/authcore/internal/monitor"
	"github.com/credimobile/authcore/network"
	"github.com/credimobile/authcore/retry"
	"github.com/credimobile/authcore/securestore"
	"github.com/credimobile/authcore/session"
	"github.com/credimobile/authcore/signing"
	"github.com/credimobile/authcore/token"
)

// Builder assembles an Engine. Configure it during initialization and call
// Build once.
type Builder struct {
	config    Config
	backend   securestore.Backend
	transport HTTPDoer
	auditSink AuditSink
	netmon    network.Monitor
	clock     func() time.Time
	observers []SecurityObserver

	built bool
}

// New returns a Builder loaded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithBackend sets the at-rest storage backend. Defaults to an in-memory
// backend, which does not survive restarts.
func (b *Builder) WithBackend(backend securestore.Backend) *Builder {
	b.backend = backend
	return b
}

// WithTransport sets the HTTP transport. Defaults to an *http.Client
// honoring the configured request timeout.
func (b *Builder) WithTransport(t HTTPDoer) *Builder {
	b.transport = t
	return b
}

// WithAuditSink sets the telemetry sink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithNetworkMonitor sets the connectivity source. Defaults to a monitor
// that always reports excellent connectivity.
func (b *Builder) WithNetworkMonitor(m network.Monitor) *Builder {
	b.netmon = m
	return b
}

// WithClock injects the time source. Tests only.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// WithSecurityObserver registers an observer for detected security events.
func (b *Builder) WithSecurityObserver(obs SecurityObserver) *Builder {
	if obs != nil {
		b.observers = append(b.observers, obs)
	}
	return b
}

// Build wires the engine, restores any persisted session, and starts the
// background tasks. The builder cannot be reused afterwards.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := b.clock
	if now == nil {
		now = time.Now
	}
	netmon := b.netmon
	if netmon == nil {
		netmon = &network.ManualMonitor{}
	}
	transport := b.transport
	if transport == nil {
		transport = &http.Client{Timeout: cfg.Endpoints.RequestTimeout}
	}

	tokens, err := token.NewManager(token.Config{
		Secret: cfg.Crypto.Secret,
		Leeway: cfg.Crypto.Leeway,
		Now:    now,
	})
	if err != nil {
		return nil, err
	}

	signingSecret := cfg.Signing.Secret
	if len(signingSecret) == 0 {
		signingSecret = cfg.Crypto.Secret
	}
	signer, err := signing.NewSigner(signing.Config{
		Secret:    signingSecret,
		Tolerance: cfg.Signing.OTPTolerance,
		Now:       now,
	})
	if err != nil {
		return nil, err
	}

	storageSecret := cfg.Storage.Secret
	if len(storageSecret) == 0 {
		storageSecret = cfg.Crypto.Secret
	}
	secure, err := securestore.New(securestore.Config{
		Secret:  storageSecret,
		Backend: b.backend,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:    cfg,
		tokens:    tokens,
		signer:    signer,
		netmon:    netmon,
		metrics:   NewMetrics(cfg.Metrics),
		transport: transport,
		now:       now,
		done:      make(chan struct{}),
	}

	sessions, err := session.NewStore(session.Config{
		Secure:   secure,
		Tokens:   tokens,
		DeviceID: cfg.Session.DeviceID,
		Now:      now,
		Hooks: session.Hooks{
			OnCorruption: engine.onCorruption,
			OnRecovered:  engine.onRecovered,
		},
	})
	if err != nil {
		return nil, err
	}
	engine.sessions = sessions

	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	if cfg.Monitor.Enabled {
		engine.monitor = monitor.New(cfg.Monitor.Thresholds, now)
		for _, obs := range b.observers {
			engine.monitor.Subscribe(obs)
		}
		engine.monitor.Subscribe(func(ev SecurityEvent) {
			engine.metricInc(MetricSecurityEvents)
			engine.emitAudit(context.Background(), "security_event", AuditSeverity(ev.Severity), false, "", "", nil, func() map[string]string {
				data := map[string]string{
					"type":       string(ev.Type),
					"risk_score": strconv.Itoa(ev.RiskScore),
				}
				for k, v := range ev.Evidence {
					data[k] = v
				}
				return data
			})
		})
		engine.monitor.Start()

		// Connectivity transitions feed the flap detector when the source
		// can push them.
		if notifier, ok := netmon.(network.Notifier); ok {
			notifier.Subscribe(func(q network.Quality) {
				engine.monitor.RecordNetworkQuality(q.String())
			})
		}
	}

	engine.retryExec = retry.NewExecutor(netmon, classifyRetry)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	engine.restore(ctx)
	cancel()

	if cfg.Session.ValidateInterval > 0 {
		engine.wg.Add(1)
		go engine.validateLoop()
	}

	b.built = true
	return engine, nil
}
