package authcore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
)

// Interceptor wraps a transport with the engine's header assembly and the
// refresh-and-retry-once response policy. It implements http.RoundTripper,
// so it drops into an *http.Client unchanged.
//
// Outbound, every request gets the full signed header set; protected
// targets are rejected locally when no session exists. Inbound, a 401 on
// the first attempt while online triggers a single shared token refresh and
// exactly one retry. Offline 401/403 responses are logged and otherwise
// ignored so a flaky network can never destroy a valid session. A repeat
// 401, any online 403, or a failed refresh logs the user out.
type Interceptor struct {
	engine *Engine
	base   http.RoundTripper
}

// Interceptor returns the engine's transport wrapper around base. A nil
// base uses http.DefaultTransport.
func (e *Engine) Interceptor(base http.RoundTripper) *Interceptor {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Interceptor{engine: e, base: base}
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	e := i.engine
	ctx := req.Context()

	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	protected := !e.isPublicPath(path)
	if protected && !e.IsAuthenticated(ctx) {
		return nil, newError(KindAuthenticationFailed, "intercept", "authentication required", ErrNotAuthenticated)
	}

	body, err := requestBody(req)
	if err != nil {
		return nil, newError(KindValidation, "intercept", "request body could not be read", err)
	}

	resp, err := i.send(req, body, protected)
	if err != nil {
		return nil, classifyTransportError("intercept", err)
	}
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}
	// Public targets (the login path itself) carry their own failure
	// semantics; a 401 there is a credential problem, not a session one.
	if !protected {
		return resp, nil
	}

	if resp.StatusCode == http.StatusUnauthorized {
		e.metricInc(MetricInterceptorUnauthorized)
	} else {
		e.metricInc(MetricInterceptorForbidden)
	}

	// Offline-first exception: without connectivity a 401/403 proves
	// nothing about the session, so it is observed and nothing else.
	if !e.netmon.Online() {
		e.metricInc(MetricOfflineAuthPreserved)
		e.emitAudit(ctx, "auth_status_offline_ignored", AuditLow, true, "", e.CurrentSessionID(), nil, func() map[string]string {
			return map[string]string{"status": resp.Status}
		})
		return resp, nil
	}

	if resp.StatusCode == http.StatusUnauthorized && protected {
		if refreshErr := e.refreshShared(ctx); refreshErr == nil {
			drainAndClose(resp.Body)
			retryResp, retryErr := i.send(req, body, protected)
			if retryErr != nil {
				return nil, classifyTransportError("intercept", retryErr)
			}
			if retryResp.StatusCode != http.StatusUnauthorized && retryResp.StatusCode != http.StatusForbidden {
				return retryResp, nil
			}
			// The refreshed token was rejected too.
			resp = retryResp
		}
	}

	e.autoLogout(ctx, resp.StatusCode)
	return resp, nil
}

// send assembles fresh headers and performs one attempt. The body is
// replayed from the captured bytes so a retry sees the same payload.
func (i *Interceptor) send(req *http.Request, body []byte, protected bool) (*http.Response, error) {
	e := i.engine

	attempt := req.Clone(req.Context())
	if body != nil {
		attempt.Body = io.NopCloser(bytes.NewReader(body))
		attempt.ContentLength = int64(len(body))
	}

	path := attempt.URL.Path
	if path == "" {
		path = "/"
	}
	var payload any
	if len(body) > 0 {
		payload = string(body)
	}
	headers, err := e.assembleHeaders(attempt.Method, path, payload, !protected)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			attempt.Header.Set(k, v)
		}
	}

	return i.base.RoundTrip(attempt)
}

// autoLogout tears the session down after a definitive rejection.
func (e *Engine) autoLogout(ctx context.Context, status int) {
	e.metricInc(MetricAutoLogout)
	e.emitAudit(ctx, "auto_logout", AuditHigh, true, "", e.CurrentSessionID(), nil, func() map[string]string {
		return map[string]string{"status": strconv.Itoa(status)}
	})
	e.Logout(ctx)
}

// requestBody captures the request body so it can be replayed for digest
// computation and the single retry.
func requestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<16))
	body.Close()
}
