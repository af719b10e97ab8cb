package authcore

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/credimobile/authcore/signing"
)

// Wire header names of the identity service protocol.
const (
	headerOTPToken     = "OTPToken"
	headerXDate        = "X-Date"
	headerXDigest      = "X-Digest"
	headerSessionToken = "bowpi-auth-token"
)

// AuthHeaders assembles the full header set for a request against the
// identity service: the fixed basic credential, no-cache directives, a
// fresh anti-replay token, a body digest for body-bearing methods, and the
// session token for authenticated non-public targets.
func (e *Engine) AuthHeaders(rawURL, method string, body any) (http.Header, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, newError(KindValidation, "auth_headers", "target url is invalid", err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return e.assembleHeaders(method, path, body, e.isPublicPath(path))
}

func (e *Engine) assembleHeaders(method, path string, body any, public bool) (http.Header, error) {
	start := e.now()

	h := http.Header{}
	h.Set("Authorization", "Basic "+e.config.Endpoints.BasicCredential)
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")

	otp, err := e.signer.OTPToken()
	if err != nil {
		return nil, newError(KindServer, "auth_headers", "header assembly failed", err)
	}
	h.Set(headerOTPToken, otp)

	if signing.NeedsDigest(method) {
		digest, xdate, err := e.signer.Digest(method, path, body)
		if err != nil {
			return nil, newError(KindServer, "auth_headers", "header assembly failed", err)
		}
		h.Set("Content-Type", "application/json")
		h.Set(headerXDate, xdate)
		h.Set(headerXDigest, digest)
	}

	if !public {
		if rec := e.cachedRecord(); rec != nil {
			h.Set(headerSessionToken, rec.OpaqueToken)
		}
	}

	e.metrics.Observe(MetricHeaderLatency, e.now().Sub(start))
	return h, nil
}

// isPublicPath reports whether the path never receives the session header.
// The login path is always public.
func (e *Engine) isPublicPath(path string) bool {
	if path == e.config.Endpoints.LoginPath {
		return true
	}
	for _, p := range e.config.Endpoints.PublicPaths {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
