package authcore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/credimobile/authcore/network"
)

// apiServer is a protected resource that accepts any token the identity
// server currently considers valid.
type apiServer struct {
	idsrv  *identityServer
	server *httptest.Server

	mu         sync.Mutex
	hits       int
	forbid     bool
	lastBodies [][]byte
	sawDigest  bool
}

func newAPIServer(t *testing.T, idsrv *identityServer) *apiServer {
	t.Helper()

	a := &apiServer{idsrv: idsrv}
	a.server = httptest.NewServer(http.HandlerFunc(a.handle))
	t.Cleanup(a.server.Close)
	return a
}

func (a *apiServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	a.mu.Lock()
	a.hits++
	forbid := a.forbid
	if len(body) > 0 {
		a.lastBodies = append(a.lastBodies, body)
	}
	if r.Header.Get(headerXDigest) != "" {
		a.sawDigest = true
	}
	a.mu.Unlock()

	if forbid {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if !a.idsrv.isValid(r.Header.Get(headerSessionToken)) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (a *apiServer) hitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hits
}

func interceptClient(e *Engine) *http.Client {
	return &http.Client{Transport: e.Interceptor(nil), Timeout: 10 * time.Second}
}

func TestInterceptorPassesValidToken(t *testing.T) {
	srv := newIdentityServer(t)
	api := newAPIServer(t, srv)
	e := newTestEngine(t, srv, nil, nil)
	ctx := context.Background()

	if _, err := e.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	resp, err := interceptClient(e).Get(api.server.URL + "/api/data")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if api.hitCount() != 1 {
		t.Fatalf("api hits = %d", api.hitCount())
	}
}

func TestInterceptorRejectsUnauthenticated(t *testing.T) {
	srv := newIdentityServer(t)
	api := newAPIServer(t, srv)
	e := newTestEngine(t, srv, nil, nil)

	_, err := interceptClient(e).Get(api.server.URL + "/api/data")
	if err == nil {
		t.Fatal("unauthenticated request went through")
	}
	if KindOf(err) != KindAuthenticationFailed {
		t.Fatalf("kind = %s, err = %v", KindOf(err), err)
	}
	if api.hitCount() != 0 {
		t.Fatal("request reached the server")
	}
}

func TestInterceptorRefreshesAndRetriesOnce(t *testing.T) {
	srv := newIdentityServer(t)
	api := newAPIServer(t, srv)
	e := newTestEngine(t, srv, nil, nil)
	ctx := context.Background()

	if _, err := e.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	srv.revokeAll()

	resp, err := interceptClient(e).Get(api.server.URL + "/api/data")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d after refresh", resp.StatusCode)
	}

	_, refreshes, _ := srv.counts()
	if refreshes != 1 {
		t.Fatalf("refresh calls = %d, want 1", refreshes)
	}
	if api.hitCount() != 2 {
		t.Fatalf("api hits = %d, want 2 (original plus one retry)", api.hitCount())
	}
	snap := e.MetricsSnapshot()
	if snap.Counters[MetricInterceptorUnauthorized] != 1 {
		t.Fatalf("unauthorized counter = %d", snap.Counters[MetricInterceptorUnauthorized])
	}
	if e.State() != StateAuthenticated {
		t.Fatalf("state = %s", e.State())
	}
}

func TestInterceptorReplaysBodyOnRetry(t *testing.T) {
	srv := newIdentityServer(t)
	api := newAPIServer(t, srv)
	e := newTestEngine(t, srv, nil, nil)
	ctx := context.Background()

	if _, err := e.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	srv.revokeAll()

	payload := []byte(`{"amount":125}`)
	resp, err := interceptClient(e).Post(api.server.URL+"/api/transfer", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	api.mu.Lock()
	bodies := api.lastBodies
	sawDigest := api.sawDigest
	api.mu.Unlock()

	if len(bodies) != 2 {
		t.Fatalf("server saw %d bodies, want 2", len(bodies))
	}
	for i, b := range bodies {
		if !bytes.Equal(b, payload) {
			t.Fatalf("body %d mutated: %q", i, b)
		}
	}
	if !sawDigest {
		t.Fatal("digest header never sent for POST")
	}
}

func TestInterceptorOfflinePreservesSession(t *testing.T) {
	srv := newIdentityServer(t)
	api := newAPIServer(t, srv)
	mon := network.NewManualMonitor(network.Excellent)
	e := newTestEngine(t, srv, nil, mon)
	ctx := context.Background()

	if _, err := e.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	srv.revokeAll()
	mon.SetQuality(network.Offline)

	resp, err := interceptClient(e).Get(api.server.URL + "/api/data")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want passthrough 401", resp.StatusCode)
	}

	if !e.IsAuthenticated(ctx) {
		t.Fatal("offline 401 destroyed the session")
	}
	_, refreshes, _ := srv.counts()
	if refreshes != 0 {
		t.Fatal("refresh attempted while offline")
	}
	snap := e.MetricsSnapshot()
	if snap.Counters[MetricOfflineAuthPreserved] != 1 {
		t.Fatalf("offline preserved counter = %d", snap.Counters[MetricOfflineAuthPreserved])
	}
}

func TestInterceptorForbiddenLogsOut(t *testing.T) {
	srv := newIdentityServer(t)
	api := newAPIServer(t, srv)
	api.forbid = true
	e := newTestEngine(t, srv, nil, nil)
	ctx := context.Background()

	if _, err := e.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	resp, err := interceptClient(e).Get(api.server.URL + "/api/data")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if e.IsAuthenticated(ctx) {
		t.Fatal("session survived an online 403")
	}
	snap := e.MetricsSnapshot()
	if snap.Counters[MetricAutoLogout] != 1 {
		t.Fatalf("auto logout counter = %d", snap.Counters[MetricAutoLogout])
	}
}

func TestInterceptorFailedRefreshLogsOut(t *testing.T) {
	srv := newIdentityServer(t)
	api := newAPIServer(t, srv)
	e := newTestEngine(t, srv, nil, nil)
	ctx := context.Background()

	if _, err := e.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	srv.revokeAll()
	srv.failRefresh = true

	resp, err := interceptClient(e).Get(api.server.URL + "/api/data")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if e.IsAuthenticated(ctx) {
		t.Fatal("session survived a failed refresh after 401")
	}
}

func TestConcurrentRefreshSingleFlight(t *testing.T) {
	srv := newIdentityServer(t)
	e := newTestEngine(t, srv, nil, nil)
	ctx := context.Background()

	if _, err := e.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// Hold the refresh response until every caller has queued behind the
	// leader.
	gate := make(chan struct{})
	srv.mu.Lock()
	srv.refreshGate = gate
	srv.mu.Unlock()

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			errs <- e.RefreshToken(ctx)
		}()
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := e.MetricsSnapshot()
		if snap.Counters[MetricRefreshCoalesced] == callers-1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("coalesced counter stuck at %d", snap.Counters[MetricRefreshCoalesced])
		}
		time.Sleep(time.Millisecond)
	}
	close(gate)

	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}

	_, refreshes, _ := srv.counts()
	if refreshes != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", refreshes)
	}
	snap := e.MetricsSnapshot()
	if snap.Counters[MetricRefreshSuccess] != 1 {
		t.Fatalf("refresh success counter = %d", snap.Counters[MetricRefreshSuccess])
	}
}
