package authcore

import (
	"context"
	"net/http"

	"github.com/credimobile/authcore/retry"
)

// RefreshToken replaces the session token with a fresh one from the
// identity service. It is best-effort and gated on connectivity: offline,
// it returns nil without touching anything, and a failed refresh leaves the
// existing session intact. A failed refresh is not a logout.
func (e *Engine) RefreshToken(ctx context.Context) error {
	if !e.netmon.Online() {
		e.emitAudit(ctx, "refresh_skipped_offline", AuditInfo, true, "", e.CurrentSessionID(), nil, nil)
		return nil
	}
	if e.cachedRecord() == nil {
		return newError(KindAuthenticationFailed, "refresh", "no active session to refresh", ErrNotAuthenticated)
	}
	err := e.refreshShared(ctx)
	if err != nil {
		// Session stays as it was; the caller decides what to do next.
		return err
	}
	return nil
}

// refreshShared is the single-flight refresh: at most one refresh is in
// flight at a time, and callers arriving while one runs queue behind it in
// FIFO order and share its outcome.
func (e *Engine) refreshShared(ctx context.Context) error {
	e.refreshMu.Lock()
	if e.refreshing {
		ch := make(chan error, 1)
		e.refreshWaiters = append(e.refreshWaiters, ch)
		e.refreshMu.Unlock()

		e.metricInc(MetricRefreshCoalesced)
		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return newError(KindNetwork, "refresh", "network request failed", ctx.Err())
		}
	}
	e.refreshing = true
	e.refreshMu.Unlock()

	prev := e.currentState()
	e.setState(StateRefreshing)

	err := e.doRefresh(ctx)

	if err != nil {
		e.setState(prev)
	}

	e.refreshMu.Lock()
	e.refreshing = false
	waiters := e.refreshWaiters
	e.refreshWaiters = nil
	e.refreshMu.Unlock()

	// Waiters were queued in arrival order; resolve them the same way.
	for _, ch := range waiters {
		ch <- err
	}
	return err
}

func (e *Engine) doRefresh(ctx context.Context) error {
	var opaque string
	result := e.retryExec.Do(ctx, func(ctx context.Context) error {
		env, err := e.doJSON(ctx, http.MethodPost, e.config.Endpoints.RefreshPath, nil, false)
		if err != nil {
			return err
		}
		s, err := env.dataString()
		if err != nil || s == "" {
			return newError(KindServer, "refresh", "server response did not carry a session token", err)
		}
		opaque = s
		return nil
	}, e.config.Retry.Refresh, retry.NetworkAware)

	if !result.Success {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, "refresh_failure", AuditMedium, false, "", e.CurrentSessionID(), result.Err, nil)
		return result.Err
	}

	data, err := e.adoptToken(ctx, opaque, true)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, "refresh_failure", AuditMedium, false, "", e.CurrentSessionID(), err, nil)
		return err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, "refresh_success", AuditInfo, true, data.UserID, data.SessionID(), nil, nil)
	return nil
}
