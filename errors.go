package authcore

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the closed error taxonomy of the core. Every error crossing the
// public boundary carries exactly one Kind, decided where the error is
// created, never inferred from message text.
type Kind int

const (
	// KindUnknown is the zero Kind for errors the core did not produce.
	KindUnknown Kind = iota
	// KindValidation marks malformed caller input.
	KindValidation
	// KindNetwork marks connectivity, timeout, DNS, and TLS failures.
	KindNetwork
	// KindServer marks 5xx responses and malformed server payloads.
	KindServer
	// KindAuthenticationFailed marks bad credentials and first-attempt 401s.
	KindAuthenticationFailed
	// KindAccountLocked marks a server-signaled locked account.
	KindAccountLocked
	// KindCredentialsExpired marks a server-signaled expired credential.
	KindCredentialsExpired
	// KindAccessDenied marks 403 responses.
	KindAccessDenied
	// KindRateLimited marks 429 responses; the error carries RetryAfter.
	KindRateLimited
	// KindTokenDecryption marks a token that failed to decode or verify.
	KindTokenDecryption
	// KindTokenExpired marks a token whose embedded expiry is in the past.
	KindTokenExpired
	// KindDomainNotAllowed marks a transport domain-policy rejection.
	KindDomainNotAllowed
	// KindHTTPSRequired marks a transport scheme-policy rejection.
	KindHTTPSRequired
	// KindDataCorruption marks a storage integrity failure. Always
	// self-healing: the corrupted state has been purged by the time the
	// error is visible.
	KindDataCorruption
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindNetwork:
		return "NETWORK_ERROR"
	case KindServer:
		return "SERVER_ERROR"
	case KindAuthenticationFailed:
		return "AUTHENTICATION_FAILED"
	case KindAccountLocked:
		return "ACCOUNT_LOCKED"
	case KindCredentialsExpired:
		return "CREDENTIALS_EXPIRED"
	case KindAccessDenied:
		return "ACCESS_DENIED"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindTokenDecryption:
		return "TOKEN_DECRYPTION_ERROR"
	case KindTokenExpired:
		return "TOKEN_EXPIRED"
	case KindDomainNotAllowed:
		return "DOMAIN_NOT_ALLOWED"
	case KindHTTPSRequired:
		return "HTTPS_REQUIRED"
	case KindDataCorruption:
		return "DATA_CORRUPTION"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrNotAuthenticated is returned when a protected operation runs
	// without an active session.
	ErrNotAuthenticated = errors.New("authentication required")
	// ErrDomainNotAllowed may be returned by a transport to signal a
	// domain-policy rejection; the core surfaces it as KindDomainNotAllowed.
	ErrDomainNotAllowed = errors.New("target domain is not allowed")
	// ErrHTTPSRequired may be returned by a transport to signal a
	// scheme-policy rejection; the core surfaces it as KindHTTPSRequired.
	ErrHTTPSRequired = errors.New("plain http is not allowed")
	// ErrBuilderUsed is returned when Build is called twice on one Builder.
	ErrBuilderUsed = errors.New("builder already used")
)

// Error is the typed error returned across the public boundary. Messages are
// scrubbed of cipher names and credential material before they are stored.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// RetryAfter is set for KindRateLimited when the server supplied one.
	RetryAfter time.Duration
	// Err is the underlying cause, kept for errors.Is/As chains. Its text
	// is not included in Error().
	Err error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return e.Op + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds a typed Error with a scrubbed message.
func newError(kind Kind, op, msg string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: scrubMessage(kind, msg),
		Err:     cause,
	}
}

func newErrorf(kind Kind, op string, cause error, format string, args ...any) *Error {
	return newError(kind, op, fmt.Sprintf(format, args...), cause)
}

// KindOf extracts the Kind from an error chain. Errors the core did not
// produce report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RetryAfterOf returns the server-supplied retry delay for rate-limited
// errors, zero otherwise.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited {
		return e.RetryAfter
	}
	return 0
}

// blockedTerms must never appear in a message that crosses the public
// boundary. The list covers cipher and digest names plus credential words.
var blockedTerms = []string{
	"aes", "gcm", "hmac", "sha256", "sha-256", "hkdf", "cipher",
	"key", "secret", "crypto", "password", "credential",
}

// scrubMessage replaces a message that leaks internals with a generic one
// for its Kind. Scrubbing whole messages rather than individual words keeps
// the output readable.
func scrubMessage(kind Kind, msg string) string {
	lower := strings.ToLower(msg)
	for _, term := range blockedTerms {
		if strings.Contains(lower, term) {
			return genericMessage(kind)
		}
	}
	return msg
}

func genericMessage(kind Kind) string {
	switch kind {
	case KindValidation:
		return "request input is invalid"
	case KindNetwork:
		return "network request failed"
	case KindServer:
		return "server returned an unexpected response"
	case KindAuthenticationFailed:
		return "authentication failed"
	case KindAccountLocked:
		return "account is locked"
	case KindCredentialsExpired:
		return "sign-in material has expired"
	case KindAccessDenied:
		return "access denied"
	case KindRateLimited:
		return "too many requests"
	case KindTokenDecryption:
		return "session token could not be processed"
	case KindTokenExpired:
		return "session token has expired"
	case KindDomainNotAllowed:
		return "target domain is not allowed"
	case KindHTTPSRequired:
		return "plain http is not allowed"
	case KindDataCorruption:
		return "stored session data was unreadable and has been removed"
	default:
		return "operation failed"
	}
}
