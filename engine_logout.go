package authcore

import (
	"context"
	"net/http"
	"time"

	"github.com/credimobile/authcore/retry"
)

// Logout clears the local session unconditionally and, when the network is
// available, issues a fire-and-forget server-side invalidation. Logout
// never fails from the caller's perspective; server-side problems are only
// visible in telemetry.
func (e *Engine) Logout(ctx context.Context) {
	rec := e.cachedRecord()
	if rec == nil {
		if loaded, err := e.sessions.Load(ctx); err == nil {
			rec = loaded
		}
	}

	sessionID := ""
	userID := ""
	opaque := ""
	if rec != nil {
		sessionID = rec.SessionID
		userID = rec.Data.UserID
		opaque = rec.OpaqueToken
	}

	_ = e.sessions.Clear(ctx)
	e.setCached(nil)
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, "logout", AuditInfo, true, userID, sessionID, nil, nil)

	if sessionID != "" && e.netmon.Online() {
		e.wg.Add(1)
		go e.invalidateSession(sessionID, opaque)
	}
}

// invalidateSession is the detached server-side half of Logout. Failures
// are logged and swallowed.
func (e *Engine) invalidateSession(sessionID, opaque string) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), e.config.Endpoints.RequestTimeout+10*time.Second)
	defer cancel()

	path := e.config.Endpoints.InvalidatePathPrefix + sessionID
	result := e.retryExec.Do(ctx, func(ctx context.Context) error {
		_, err := e.doJSONWithToken(ctx, http.MethodGet, path, nil, false, opaque)
		return err
	}, e.config.Retry.Logout, retry.NetworkAware)

	if !result.Success {
		e.emitAudit(ctx, "session_invalidate_failed", AuditLow, false, "", sessionID, result.Err, nil)
		return
	}
	e.emitAudit(ctx, "session_invalidated", AuditInfo, true, "", sessionID, nil, nil)
}
