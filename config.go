package authcore

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/credimobile/authcore/internal/monitor"
	"github.com/credimobile/authcore/retry"
)

// EndpointsConfig describes the identity service this client talks to.
type EndpointsConfig struct {
	// BaseURL is the identity service origin, e.g. "https://id.example.com".
	BaseURL string
	// LoginPath is POSTed with the credential body.
	LoginPath string
	// RefreshPath is POSTed with auth headers to obtain a fresh token.
	RefreshPath string
	// InvalidatePathPrefix has the session id appended for the
	// fire-and-forget logout call.
	InvalidatePathPrefix string
	// BasicCredential is the fixed value of the Authorization header,
	// without the "Basic " prefix.
	BasicCredential string
	// Application identifies this client in the login body.
	Application string
	// PublicPaths lists paths that never receive the session header. The
	// login path is always treated as public.
	PublicPaths []string
	// RequestTimeout bounds each HTTP attempt.
	RequestTimeout time.Duration
}

// CryptoConfig holds the pre-shared material for token processing.
type CryptoConfig struct {
	Secret []byte
	// Leeway tolerates clock skew when checking token expiry.
	Leeway time.Duration
}

// SigningConfig tunes request signing.
type SigningConfig struct {
	// Secret defaults to Crypto.Secret when empty.
	Secret []byte
	// OTPTolerance is the accepted drift for anti-replay tokens.
	OTPTolerance time.Duration
}

// StorageConfig tunes the encrypted at-rest store.
type StorageConfig struct {
	// Secret defaults to Crypto.Secret when empty.
	Secret []byte
}

// SessionConfig tunes session handling.
type SessionConfig struct {
	// DeviceID identifies this installation; generated when empty.
	DeviceID string
	// ValidateInterval drives the background observability check of the
	// persisted session. It never invalidates anything.
	ValidateInterval time.Duration
}

// RetryConfig carries the per-operation retry policies.
type RetryConfig struct {
	Login   retry.Config
	Logout  retry.Config
	Refresh retry.Config
}

// MonitorConfig tunes the suspicious-activity monitor.
type MonitorConfig struct {
	Enabled    bool
	Thresholds monitor.Thresholds
}

// AuditConfig tunes the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig tunes in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// Config is the full engine configuration. Treat it as immutable once the
// engine is built; the builder clones it.
type Config struct {
	Endpoints EndpointsConfig
	Crypto    CryptoConfig
	Signing   SigningConfig
	Storage   StorageConfig
	Session   SessionConfig
	Retry     RetryConfig
	Monitor   MonitorConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

func defaultConfig() Config {
	return Config{
		Endpoints: EndpointsConfig{
			LoginPath:            "/auth/login",
			RefreshPath:          "/auth/token/refresh",
			InvalidatePathPrefix: "/management/session/invalidate/request/",
			RequestTimeout:       30 * time.Second,
		},
		Signing: SigningConfig{
			OTPTolerance: time.Minute,
		},
		Session: SessionConfig{
			ValidateInterval: 5 * time.Minute,
		},
		Retry: RetryConfig{
			Login:   retry.LoginPolicy(),
			Logout:  retry.LogoutPolicy(),
			Refresh: retry.RefreshPolicy(),
		},
		Monitor: MonitorConfig{
			Enabled:    true,
			Thresholds: monitor.DefaultThresholds(),
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.Endpoints.BaseURL == "" {
		return errors.New("Endpoints.BaseURL is required")
	}
	u, err := url.Parse(c.Endpoints.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("Endpoints.BaseURL must be an absolute URL")
	}
	if c.Endpoints.LoginPath == "" || !strings.HasPrefix(c.Endpoints.LoginPath, "/") {
		return errors.New("Endpoints.LoginPath must start with /")
	}
	if c.Endpoints.InvalidatePathPrefix == "" || !strings.HasPrefix(c.Endpoints.InvalidatePathPrefix, "/") {
		return errors.New("Endpoints.InvalidatePathPrefix must start with /")
	}
	if c.Endpoints.BasicCredential == "" {
		return errors.New("Endpoints.BasicCredential is required")
	}
	if c.Endpoints.Application == "" {
		return errors.New("Endpoints.Application is required")
	}
	if c.Endpoints.RequestTimeout <= 0 {
		return errors.New("Endpoints.RequestTimeout must be positive")
	}
	if len(c.Crypto.Secret) < 16 {
		return errors.New("Crypto.Secret must be at least 16 bytes")
	}
	if len(c.Signing.Secret) > 0 && len(c.Signing.Secret) < 16 {
		return errors.New("Signing.Secret must be at least 16 bytes when set")
	}
	if len(c.Storage.Secret) > 0 && len(c.Storage.Secret) < 16 {
		return errors.New("Storage.Secret must be at least 16 bytes when set")
	}
	if c.Session.ValidateInterval < 0 {
		return errors.New("Session.ValidateInterval must not be negative")
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Endpoints.PublicPaths = append([]string(nil), cfg.Endpoints.PublicPaths...)
	out.Crypto.Secret = cloneBytes(cfg.Crypto.Secret)
	out.Signing.Secret = cloneBytes(cfg.Signing.Secret)
	out.Storage.Secret = cloneBytes(cfg.Storage.Secret)
	out.Retry.Login.Retryable = append([]retry.Class(nil), cfg.Retry.Login.Retryable...)
	out.Retry.Logout.Retryable = append([]retry.Class(nil), cfg.Retry.Logout.Retryable...)
	out.Retry.Refresh.Retryable = append([]retry.Class(nil), cfg.Retry.Refresh.Retryable...)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
