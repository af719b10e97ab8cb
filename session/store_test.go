package session

import (
	"context"
	"testing"
	"time"

	"github.com/credimobile/authcore/securestore"
	"github.com/credimobile/authcore/token"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testEnv struct {
	store   *Store
	secure  *securestore.Store
	backend *securestore.MemoryBackend
	tokens  *token.Manager
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{now: time.Now()}

	backend := securestore.NewMemoryBackend()
	secure, err := securestore.New(securestore.Config{Secret: testSecret, Backend: backend})
	if err != nil {
		t.Fatalf("securestore.New failed: %v", err)
	}
	tokens, err := token.NewManager(token.Config{Secret: testSecret, Now: func() time.Time { return env.now }})
	if err != nil {
		t.Fatalf("token.NewManager failed: %v", err)
	}
	store, err := NewStore(Config{
		Secure: secure,
		Tokens: tokens,
		Now:    func() time.Time { return env.now },
	})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	env.store = store
	env.secure = secure
	env.backend = backend
	env.tokens = tokens
	return env
}

func (env *testEnv) mintSession(t *testing.T, ttl time.Duration) (string, *token.Data) {
	t.Helper()

	data := &token.Data{
		Issuer:   "identity.test",
		Audience: "mobile",
		Exp:      env.now.Add(ttl).Unix(),
		Iat:      env.now.Unix(),
		Subject:  "user-1",
		TokenID:  "jti-1",
		UserID:   "user-1",
		Username: "alice",
		Email:    "alice@example.com",
		Profile: token.UserProfile{
			RequestID:      "session-abc",
			FirstName:      "Alice",
			LastName:       "Smith",
			DocumentType:   "ID",
			DocumentNumber: "12345",
			Phone:          "555-0100",
			Address:        "1 Main St",
		},
	}
	opaque, err := env.tokens.Mint(data)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	return opaque, data
}

func TestStoreLoadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opaque, data := env.mintSession(t, time.Hour)

	if err := env.store.StoreSession(ctx, opaque, data); err != nil {
		t.Fatalf("StoreSession failed: %v", err)
	}

	rec, err := env.store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.OpaqueToken != opaque {
		t.Fatal("opaque token mismatch")
	}
	if rec.SessionID != "session-abc" {
		t.Fatalf("SessionID = %q", rec.SessionID)
	}
	if rec.Data.Email != "alice@example.com" {
		t.Fatalf("email = %q", rec.Data.Email)
	}
	if rec.DeviceID != env.store.DeviceID() {
		t.Fatal("device id mismatch")
	}
	if rec.ExpiresAt != data.Exp*1000 {
		t.Fatalf("ExpiresAt = %d, want %d", rec.ExpiresAt, data.Exp*1000)
	}
}

func TestLoadWithoutSession(t *testing.T) {
	env := newTestEnv(t)

	rec, err := env.store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestStoreRejectsInvalidPayload(t *testing.T) {
	env := newTestEnv(t)
	opaque, data := env.mintSession(t, time.Hour)

	data.Email = ""
	if err := env.store.StoreSession(context.Background(), opaque, data); err != ErrInvalidTokenData {
		t.Fatalf("got %v, want ErrInvalidTokenData", err)
	}
}

func TestValidityIgnoresExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opaque, data := env.mintSession(t, time.Hour)

	if err := env.store.StoreSession(ctx, opaque, data); err != nil {
		t.Fatalf("StoreSession failed: %v", err)
	}

	// Move well past the token's expiry. The session stays valid; only
	// the expiry flags change.
	env.now = env.now.Add(48 * time.Hour)

	v, err := env.store.Validate(ctx)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !v.IsValid {
		t.Fatal("expired session reported invalid")
	}
	if !v.IsExpired {
		t.Fatal("expected IsExpired")
	}
	if v.TimeUntilExpiry >= 0 {
		t.Fatalf("TimeUntilExpiry = %v, want negative", v.TimeUntilExpiry)
	}

	// Only an explicit clear removes it.
	if err := env.store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	v, err = env.store.Validate(ctx)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if v.IsValid {
		t.Fatal("cleared session reported valid")
	}
}

func TestCorruptionClearsEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opaque, data := env.mintSession(t, time.Hour)

	var corruptions []string
	env.store.hooks.OnCorruption = func(detail string) { corruptions = append(corruptions, detail) }

	if err := env.store.StoreSession(ctx, opaque, data); err != nil {
		t.Fatalf("StoreSession failed: %v", err)
	}

	// Destroy the record blob and its shadow so recovery cannot save it.
	env.backend.Corrupt(keyRecord)
	env.backend.Corrupt(keyRecord + ".shadow")

	rec, err := env.store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec != nil {
		t.Fatal("corrupt session loaded")
	}
	if len(corruptions) == 0 {
		t.Fatal("corruption hook not called")
	}
	if env.backend.Len() != 0 {
		t.Fatalf("expected all storage purged, %d keys remain", env.backend.Len())
	}
}

func TestPartialStateIsCorruption(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opaque, data := env.mintSession(t, time.Hour)

	if err := env.store.StoreSession(ctx, opaque, data); err != nil {
		t.Fatalf("StoreSession failed: %v", err)
	}
	if err := env.secure.Delete(ctx, keySessionID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	rec, err := env.store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec != nil {
		t.Fatal("partial session loaded")
	}
	if env.backend.Len() != 0 {
		t.Fatalf("expected purge, %d keys remain", env.backend.Len())
	}
}

func TestShadowRecoverySurvivesLoad(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opaque, data := env.mintSession(t, time.Hour)

	recovered := false
	env.store.hooks.OnRecovered = func(string) { recovered = true }

	if err := env.store.StoreSession(ctx, opaque, data); err != nil {
		t.Fatalf("StoreSession failed: %v", err)
	}
	env.backend.Corrupt(keyRecord)

	rec, err := env.store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec == nil {
		t.Fatal("recoverable session not loaded")
	}
	if !recovered {
		t.Fatal("recovery hook not called")
	}
}

func TestUpdatePreservesProvenance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opaque, data := env.mintSession(t, time.Hour)

	if err := env.store.StoreSession(ctx, opaque, data); err != nil {
		t.Fatalf("StoreSession failed: %v", err)
	}
	first, err := env.store.Load(ctx)
	if err != nil || first == nil {
		t.Fatalf("Load: rec=%v err=%v", first, err)
	}

	env.now = env.now.Add(30 * time.Minute)
	opaque2, data2 := env.mintSession(t, 2*time.Hour)
	if err := env.store.UpdateSession(ctx, opaque2, data2); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	second, err := env.store.Load(ctx)
	if err != nil || second == nil {
		t.Fatalf("Load: rec=%v err=%v", second, err)
	}
	if second.OpaqueToken != opaque2 {
		t.Fatal("token not replaced")
	}
	if second.StoredAt != first.StoredAt {
		t.Fatal("StoredAt changed on update")
	}
	if second.DeviceID != first.DeviceID {
		t.Fatal("DeviceID changed on update")
	}
	if second.ExpiresAt != data2.Exp*1000 {
		t.Fatal("ExpiresAt not updated")
	}
}

func TestSessionStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stats, err := env.store.SessionStats(ctx)
	if err != nil {
		t.Fatalf("SessionStats failed: %v", err)
	}
	if stats.HasSession {
		t.Fatal("stats report a session before one exists")
	}

	opaque, data := env.mintSession(t, time.Hour)
	if err := env.store.StoreSession(ctx, opaque, data); err != nil {
		t.Fatalf("StoreSession failed: %v", err)
	}

	stats, err = env.store.SessionStats(ctx)
	if err != nil {
		t.Fatalf("SessionStats failed: %v", err)
	}
	if !stats.HasSession || stats.SessionID != "session-abc" || stats.IsExpired {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
