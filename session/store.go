// Package session owns the authenticated session's on-device lifecycle.
//
// The persisted session spans four logical keys (opaque token blob, session
// record, session id, user profile), each independently encrypted by the
// secure store. A record is either fully present or treated as absent:
// partial state is corruption, never "no session".
//
// Offline-first invariant: expiration does not invalidate a session. Only an
// explicit clear, or corruption detected during load, removes one.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/credimobile/authcore/securestore"
	"github.com/credimobile/authcore/token"
	"github.com/credimobile/authcore/validate"
)

const (
	keyToken     = "auth.token"
	keyRecord    = "auth.session"
	keySessionID = "auth.session_id"
	keyProfile   = "auth.profile"

	recordSchemaVersion = 1
)

// ErrInvalidTokenData is returned when a caller tries to persist a payload
// that fails structural validation.
var ErrInvalidTokenData = errors.New("session: token payload failed validation")

// Record is the persisted session in its loaded form.
type Record struct {
	SchemaVersion int        `json:"schemaVersion"`
	OpaqueToken   string     `json:"-"`
	Data          token.Data `json:"data"`
	SessionID     string     `json:"sessionId"`
	// StoredAt and ExpiresAt are epoch milliseconds.
	StoredAt  int64  `json:"storedAt"`
	DeviceID  string `json:"deviceId"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Validity is returned by Validate. IsExpired and TimeUntilExpiry are
// informational; IsValid stays true for any structurally sound record.
type Validity struct {
	IsValid         bool
	IsExpired       bool
	TimeUntilExpiry time.Duration
}

// Stats is a read-only snapshot for observability.
type Stats struct {
	HasSession bool
	SessionID  string
	DeviceID   string
	StoredAt   time.Time
	ExpiresAt  time.Time
	IsExpired  bool
	Recovered  bool
}

// Hooks lets the owner observe storage anomalies without coupling this
// package to the monitor or the audit dispatcher.
type Hooks struct {
	OnCorruption func(detail string)
	OnRecovered  func(key string)
}

// Config tunes a Store.
type Config struct {
	Secure *securestore.Store
	Tokens *token.Manager
	// DeviceID identifies this installation; generated when empty.
	DeviceID string
	Hooks    Hooks
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// Store persists and validates the single authenticated session.
type Store struct {
	secure   *securestore.Store
	tokens   *token.Manager
	deviceID string
	hooks    Hooks
	now      func() time.Time
}

// NewStore returns a session Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Secure == nil || cfg.Tokens == nil {
		return nil, errors.New("session: secure store and token manager required")
	}
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		secure:   cfg.Secure,
		tokens:   cfg.Tokens,
		deviceID: deviceID,
		hooks:    cfg.Hooks,
		now:      now,
	}, nil
}

// DeviceID returns the installation identifier baked into new records.
func (s *Store) DeviceID() string {
	return s.deviceID
}

// StoreSession persists a freshly decrypted session across all four keys.
// If any write fails the others are rolled back and the session is treated
// as not persisted.
func (s *Store) StoreSession(ctx context.Context, opaque string, data *token.Data) error {
	if opaque == "" || !s.tokens.ValidateStructure(data) {
		return ErrInvalidTokenData
	}

	rec := Record{
		SchemaVersion: recordSchemaVersion,
		Data:          *data,
		SessionID:     data.SessionID(),
		StoredAt:      s.now().UnixMilli(),
		DeviceID:      s.deviceID,
		ExpiresAt:     data.Exp * 1000,
	}
	return s.write(ctx, opaque, rec)
}

// UpdateSession replaces the token material after a refresh while keeping
// the original store timestamp and device identifier. Without an existing
// record it behaves like StoreSession.
func (s *Store) UpdateSession(ctx context.Context, opaque string, data *token.Data) error {
	if opaque == "" || !s.tokens.ValidateStructure(data) {
		return ErrInvalidTokenData
	}

	existing, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.StoreSession(ctx, opaque, data)
	}

	rec := Record{
		SchemaVersion: recordSchemaVersion,
		Data:          *data,
		SessionID:     data.SessionID(),
		StoredAt:      existing.StoredAt,
		DeviceID:      existing.DeviceID,
		ExpiresAt:     data.Exp * 1000,
	}
	return s.write(ctx, opaque, rec)
}

func (s *Store) write(ctx context.Context, opaque string, rec Record) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	profileJSON, err := json.Marshal(rec.Data.Profile)
	if err != nil {
		return err
	}

	writes := []struct {
		key   string
		value []byte
	}{
		{keyToken, []byte(opaque)},
		{keyRecord, recJSON},
		{keySessionID, []byte(rec.SessionID)},
		{keyProfile, profileJSON},
	}
	for _, w := range writes {
		if err := s.secure.Set(ctx, w.key, w.value); err != nil {
			// All-or-nothing from the caller's perspective.
			_ = s.Clear(ctx)
			return fmt.Errorf("session: persist failed: %w", err)
		}
	}
	return nil
}

// Load reads and validates the persisted session. Corruption of any kind
// clears all four keys and returns (nil, nil); a missing session is also
// (nil, nil). Errors are reserved for backend I/O failures.
func (s *Store) Load(ctx context.Context) (*Record, error) {
	tokenRes, err := s.secure.Get(ctx, keyToken)
	if err != nil {
		return nil, err
	}
	recordRes, err := s.secure.Get(ctx, keyRecord)
	if err != nil {
		return nil, err
	}
	idRes, err := s.secure.Get(ctx, keySessionID)
	if err != nil {
		return nil, err
	}
	profileRes, err := s.secure.Get(ctx, keyProfile)
	if err != nil {
		return nil, err
	}

	if tokenRes.Corrupted || recordRes.Corrupted || idRes.Corrupted || profileRes.Corrupted {
		return nil, s.clearCorrupt(ctx, "encrypted blob unreadable")
	}

	present := 0
	for _, r := range []securestore.Result{tokenRes, recordRes, idRes, profileRes} {
		if r.Found {
			present++
		}
	}
	if present == 0 {
		return nil, nil
	}
	if present < 4 {
		return nil, s.clearCorrupt(ctx, fmt.Sprintf("partial session state: %d of 4 keys present", present))
	}

	if tokenRes.Recovered || recordRes.Recovered || idRes.Recovered || profileRes.Recovered {
		if s.hooks.OnRecovered != nil {
			s.hooks.OnRecovered(keyRecord)
		}
	}

	var rec Record
	if err := json.Unmarshal(recordRes.Data, &rec); err != nil {
		return nil, s.clearCorrupt(ctx, "session record is not valid JSON")
	}
	rec.OpaqueToken = string(tokenRes.Data)

	if res := s.validateRecord(&rec, string(idRes.Data)); !res.Valid {
		return nil, s.clearCorrupt(ctx, res.Errors[0])
	}

	return &rec, nil
}

// validateRecord runs the structural and semantic checks that distinguish a
// sound record from a tampered or half-written one.
func (s *Store) validateRecord(rec *Record, storedID string) validate.Result {
	res := validate.Result{Valid: true}

	res.Merge(validate.TokenShape(rec.OpaqueToken))
	if !res.Valid {
		return res
	}

	if !s.tokens.ValidateStructure(&rec.Data) {
		res.Valid = false
		res.Errors = append(res.Errors, "token payload structure is invalid")
		return res
	}

	emailRes := validate.Email(rec.Data.Email)
	res.Merge(emailRes)
	if !res.Valid {
		return res
	}

	idRes := validate.SessionID(rec.SessionID)
	res.Merge(idRes)
	if !res.Valid {
		return res
	}

	if rec.SessionID != storedID {
		res.Valid = false
		res.Errors = append(res.Errors, "session id mismatch between record and stored id")
		return res
	}
	if rec.SessionID != rec.Data.SessionID() {
		res.Valid = false
		res.Errors = append(res.Errors, "session id inconsistent with token payload")
		return res
	}

	res.Merge(validate.Timestamp(rec.StoredAt, s.now()))
	return res
}

func (s *Store) clearCorrupt(ctx context.Context, detail string) error {
	if s.hooks.OnCorruption != nil {
		s.hooks.OnCorruption(detail)
	}
	return s.Clear(ctx)
}

// Validate reports the session's validity. A structurally sound record is
// always valid regardless of expiry; IsExpired and TimeUntilExpiry are
// informational only.
func (s *Store) Validate(ctx context.Context) (Validity, error) {
	rec, err := s.Load(ctx)
	if err != nil {
		return Validity{}, err
	}
	if rec == nil {
		return Validity{}, nil
	}

	now := s.now().UnixMilli()
	return Validity{
		IsValid:         true,
		IsExpired:       now >= rec.ExpiresAt,
		TimeUntilExpiry: time.Duration(rec.ExpiresAt-now) * time.Millisecond,
	}, nil
}

// Clear removes all four session keys. Clearing an absent session succeeds.
func (s *Store) Clear(ctx context.Context) error {
	var firstErr error
	for _, key := range []string{keyToken, keyRecord, keySessionID, keyProfile} {
		if err := s.secure.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SessionStats returns a read-only snapshot for observability.
func (s *Store) SessionStats(ctx context.Context) (Stats, error) {
	rec, err := s.Load(ctx)
	if err != nil {
		return Stats{}, err
	}
	if rec == nil {
		return Stats{}, nil
	}
	return Stats{
		HasSession: true,
		SessionID:  rec.SessionID,
		DeviceID:   rec.DeviceID,
		StoredAt:   time.UnixMilli(rec.StoredAt),
		ExpiresAt:  time.UnixMilli(rec.ExpiresAt),
		IsExpired:  s.now().UnixMilli() >= rec.ExpiresAt,
	}, nil
}
