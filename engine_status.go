package authcore

import "context"

// IsAuthenticated reports whether an active session exists. The in-memory
// cache answers first; an empty cache falls back to storage, and a failed
// fallback read means unauthenticated, never an error.
func (e *Engine) IsAuthenticated(ctx context.Context) bool {
	if e == nil {
		return false
	}
	switch e.currentState() {
	case StateAuthenticated, StateRefreshing:
		return true
	}
	rec, err := e.sessions.Load(ctx)
	if err != nil || rec == nil {
		return false
	}
	e.setCached(rec)
	return true
}

// CurrentUser returns the active session's token payload, or nil when
// unauthenticated.
func (e *Engine) CurrentUser(ctx context.Context) *AuthTokenData {
	if e == nil {
		return nil
	}
	if rec := e.cachedRecord(); rec != nil {
		data := rec.Data
		return &data
	}
	rec, err := e.sessions.Load(ctx)
	if err != nil || rec == nil {
		return nil
	}
	e.setCached(rec)
	data := rec.Data
	return &data
}

// CurrentSessionID returns the active session's identifier, or empty when
// unauthenticated.
func (e *Engine) CurrentSessionID() string {
	if e == nil {
		return ""
	}
	if rec := e.cachedRecord(); rec != nil {
		return rec.SessionID
	}
	return ""
}

// State returns the engine's current authentication state.
func (e *Engine) State() State {
	if e == nil {
		return StateUnauthenticated
	}
	return e.currentState()
}

// SessionStats exposes the persisted session's observability snapshot.
func (e *Engine) SessionStats(ctx context.Context) (SessionStats, error) {
	return e.sessions.SessionStats(ctx)
}
