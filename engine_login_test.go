package authcore

import (
	"context"
	"testing"

	"github.com/credimobile/authcore/network"
)

func TestLoginSuccess(t *testing.T) {
	srv := newIdentityServer(t)
	e := newTestEngine(t, srv, nil, nil)
	ctx := context.Background()

	data, err := e.Login(ctx, "alice", "pw")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if data.Email != "alice@example.com" || data.SessionID() != "session-abc" {
		t.Fatalf("token payload: %+v", data)
	}

	if !e.IsAuthenticated(ctx) {
		t.Fatal("not authenticated after login")
	}
	if e.State() != StateAuthenticated {
		t.Fatalf("state = %s", e.State())
	}
	if e.CurrentSessionID() != "session-abc" {
		t.Fatalf("session id = %q", e.CurrentSessionID())
	}

	snap := e.MetricsSnapshot()
	if snap.Counters[MetricLoginSuccess] != 1 {
		t.Fatalf("login success counter = %d", snap.Counters[MetricLoginSuccess])
	}
}

func TestLoginSendsSignedHeaders(t *testing.T) {
	srv := newIdentityServer(t)
	e := newTestEngine(t, srv, nil, nil)

	if _, err := e.Login(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	srv.mu.Lock()
	h := srv.lastLoginHeaders
	srv.mu.Unlock()
	if got := h.Get("Authorization"); got != "Basic "+testBasicCredential {
		t.Fatalf("Authorization = %q", got)
	}
	if h.Get(headerOTPToken) == "" {
		t.Fatal("anti-replay token missing")
	}
	if h.Get(headerXDate) == "" || h.Get(headerXDigest) == "" {
		t.Fatal("digest headers missing")
	}
	if h.Get(headerSessionToken) != "" {
		t.Fatal("session header sent on the login path")
	}
}

func TestLoginBadCredentialsNotRetried(t *testing.T) {
	srv := newIdentityServer(t)
	srv.rejectLogin = true
	e := newTestEngine(t, srv, nil, nil)

	_, err := e.Login(context.Background(), "alice", "wrong")
	if KindOf(err) != KindAuthenticationFailed {
		t.Fatalf("kind = %s, err = %v", KindOf(err), err)
	}

	logins, _, _ := srv.counts()
	if logins != 1 {
		t.Fatalf("server saw %d login attempts, want 1", logins)
	}
	if e.IsAuthenticated(context.Background()) {
		t.Fatal("authenticated after rejected login")
	}
}

func TestLoginRetriesServerFailures(t *testing.T) {
	srv := newIdentityServer(t)
	srv.failNextLogins = 2
	e := newTestEngine(t, srv, nil, nil)

	if _, err := e.Login(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("Login failed after retries: %v", err)
	}

	logins, _, _ := srv.counts()
	if logins != 3 {
		t.Fatalf("server saw %d login attempts, want 3", logins)
	}
	snap := e.MetricsSnapshot()
	if snap.Counters[MetricLoginRetried] != 2 {
		t.Fatalf("retried counter = %d", snap.Counters[MetricLoginRetried])
	}
}

func TestLoginAccountLocked(t *testing.T) {
	srv := newIdentityServer(t)
	srv.lockAccount = true
	e := newTestEngine(t, srv, nil, nil)

	_, err := e.Login(context.Background(), "alice", "pw")
	if KindOf(err) != KindAccountLocked {
		t.Fatalf("kind = %s, err = %v", KindOf(err), err)
	}
	logins, _, _ := srv.counts()
	if logins != 1 {
		t.Fatalf("locked account retried: %d attempts", logins)
	}
}

func TestLoginRejectsEmptyInput(t *testing.T) {
	srv := newIdentityServer(t)
	e := newTestEngine(t, srv, nil, nil)

	_, err := e.Login(context.Background(), "", "")
	if KindOf(err) != KindValidation {
		t.Fatalf("kind = %s", KindOf(err))
	}
	logins, _, _ := srv.counts()
	if logins != 0 {
		t.Fatal("empty input reached the server")
	}
}

func TestLogoutClearsSessionAndInvalidates(t *testing.T) {
	srv := newIdentityServer(t)
	e := newTestEngine(t, srv, nil, nil)
	ctx := context.Background()

	if _, err := e.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	e.Logout(ctx)

	if e.IsAuthenticated(ctx) {
		t.Fatal("authenticated after logout")
	}
	if e.CurrentUser(ctx) != nil {
		t.Fatal("user survived logout")
	}

	// The server-side invalidation is detached; Close waits for it.
	e.Close()
	_, _, invalidates := srv.counts()
	if invalidates != 1 {
		t.Fatalf("invalidate calls = %d, want 1", invalidates)
	}
}

func TestLogoutOfflineSkipsInvalidation(t *testing.T) {
	srv := newIdentityServer(t)
	mon := network.NewManualMonitor(network.Excellent)
	e := newTestEngine(t, srv, nil, mon)
	ctx := context.Background()

	if _, err := e.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	mon.SetQuality(network.Offline)
	e.Logout(ctx)

	if e.IsAuthenticated(ctx) {
		t.Fatal("authenticated after offline logout")
	}
	e.Close()
	_, _, invalidates := srv.counts()
	if invalidates != 0 {
		t.Fatalf("invalidate called while offline: %d", invalidates)
	}
}

func TestRefreshReplacesToken(t *testing.T) {
	srv := newIdentityServer(t)
	e := newTestEngine(t, srv, nil, nil)
	ctx := context.Background()

	if _, err := e.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	before := e.cachedRecord().OpaqueToken

	if err := e.RefreshToken(ctx); err != nil {
		t.Fatalf("RefreshToken failed: %v", err)
	}
	after := e.cachedRecord().OpaqueToken
	if after == before {
		t.Fatal("token unchanged after refresh")
	}
	if !srv.isValid(after) {
		t.Fatal("refreshed token unknown to the server")
	}
	if e.State() != StateAuthenticated {
		t.Fatalf("state = %s", e.State())
	}
}

func TestRefreshOfflineIsNoOp(t *testing.T) {
	srv := newIdentityServer(t)
	mon := network.NewManualMonitor(network.Excellent)
	e := newTestEngine(t, srv, nil, mon)
	ctx := context.Background()

	if _, err := e.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	before := e.cachedRecord().OpaqueToken

	mon.SetQuality(network.Offline)
	if err := e.RefreshToken(ctx); err != nil {
		t.Fatalf("offline refresh errored: %v", err)
	}
	if e.cachedRecord().OpaqueToken != before {
		t.Fatal("offline refresh touched the session")
	}
	_, refreshes, _ := srv.counts()
	if refreshes != 0 {
		t.Fatal("offline refresh reached the server")
	}
}

func TestRefreshWithoutSession(t *testing.T) {
	srv := newIdentityServer(t)
	e := newTestEngine(t, srv, nil, nil)

	err := e.RefreshToken(context.Background())
	if KindOf(err) != KindAuthenticationFailed {
		t.Fatalf("kind = %s, err = %v", KindOf(err), err)
	}
}

func TestRefreshFailureKeepsSession(t *testing.T) {
	srv := newIdentityServer(t)
	e := newTestEngine(t, srv, nil, nil)
	ctx := context.Background()

	if _, err := e.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	before := e.cachedRecord().OpaqueToken

	srv.failRefresh = true
	if err := e.RefreshToken(ctx); err == nil {
		t.Fatal("refresh succeeded against a failing server")
	}
	if !e.IsAuthenticated(ctx) {
		t.Fatal("failed refresh destroyed the session")
	}
	if e.cachedRecord().OpaqueToken != before {
		t.Fatal("failed refresh replaced the token")
	}
	if e.State() != StateAuthenticated {
		t.Fatalf("state = %s after failed refresh", e.State())
	}
}
