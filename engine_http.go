package authcore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// serverEnvelope is the identity service's uniform response shape.
type serverEnvelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// dataString unwraps a string-typed data field.
func (env *serverEnvelope) dataString() (string, error) {
	var s string
	if err := json.Unmarshal(env.Data, &s); err != nil {
		return "", err
	}
	return s, nil
}

// Account-state codes the server embeds in failed envelopes.
const (
	codeAccountLocked      = "ACCOUNT_LOCKED"
	codeCredentialsExpired = "CREDENTIALS_EXPIRED"
)

// doJSON performs one signed request against the identity service and
// returns the decoded envelope. Every failure is a typed *Error.
func (e *Engine) doJSON(ctx context.Context, method, path string, body any, public bool) (*serverEnvelope, error) {
	return e.doJSONWithToken(ctx, method, path, body, public, "")
}

// doJSONWithToken is doJSON with an explicit session token, used when the
// local session has already been cleared (logout invalidation).
func (e *Engine) doJSONWithToken(ctx context.Context, method, path string, body any, public bool, sessionToken string) (*serverEnvelope, error) {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, newError(KindValidation, op, "request body could not be serialized", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.config.Endpoints.BaseURL+path, reader)
	if err != nil {
		return nil, newError(KindValidation, op, "request could not be constructed", err)
	}

	headers, err := e.assembleHeaders(method, path, body, public)
	if err != nil {
		return nil, err
	}
	if sessionToken != "" {
		headers.Set(headerSessionToken, sessionToken)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := e.transport.Do(req)
	if err != nil {
		return nil, classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var env serverEnvelope
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
			return nil, newError(KindServer, op, "response body could not be decoded", err)
		}
		if !env.Success {
			return nil, classifyEnvelopeFailure(op, &env)
		}
		return &env, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, newError(KindAuthenticationFailed, op, "authentication failed", nil)
	case resp.StatusCode == http.StatusForbidden:
		return nil, newError(KindAccessDenied, op, "access denied", nil)
	case resp.StatusCode == http.StatusLocked:
		return nil, newError(KindAccountLocked, op, "account is locked", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		retryErr := newError(KindRateLimited, op, "too many requests", nil)
		retryErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, retryErr
	case resp.StatusCode >= 500:
		return nil, newErrorf(KindServer, op, nil, "server responded with status %d", resp.StatusCode)
	default:
		return nil, newErrorf(KindValidation, op, nil, "server rejected the request with status %d", resp.StatusCode)
	}
}

func classifyEnvelopeFailure(op string, env *serverEnvelope) *Error {
	switch strings.ToUpper(env.Code) {
	case codeAccountLocked:
		return newError(KindAccountLocked, op, "account is locked", nil)
	case codeCredentialsExpired:
		return newError(KindCredentialsExpired, op, "sign-in material has expired", nil)
	default:
		return newError(KindAuthenticationFailed, op, "authentication failed", nil)
	}
}

func classifyTransportError(op string, err error) *Error {
	switch {
	case errors.Is(err, ErrDomainNotAllowed):
		return newError(KindDomainNotAllowed, op, "target domain is not allowed", err)
	case errors.Is(err, ErrHTTPSRequired):
		return newError(KindHTTPSRequired, op, "plain http is not allowed", err)
	default:
		// Timeouts, DNS, TLS, and refused connections all land here; the
		// retry policies treat them identically.
		return newError(KindNetwork, op, "network request failed", err)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
