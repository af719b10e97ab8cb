// Package token decrypts and validates the opaque session tokens issued by
// the identity service.
//
// An opaque token has three dot-separated base64url segments:
// nonce.ciphertext.tag. The ciphertext seals an inner signed claims token;
// the tag authenticates the first two segments. Both layers are driven by a
// single pre-shared secret from which independent keys are derived.
//
// Error messages from this package are intentionally vague about mechanism.
// They never name algorithms or keying material; callers can surface them
// verbatim.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrMalformed is returned when a token does not have the expected
	// three-segment shape or a segment fails to decode.
	ErrMalformed = errors.New("token format is invalid")
	// ErrIntegrity is returned when a token fails its integrity check.
	ErrIntegrity = errors.New("token integrity check failed")
	// ErrExpired is returned when the embedded expiry is in the past.
	ErrExpired = errors.New("token has expired")
)

const minSecretLen = 16

// UserProfile is the nested profile carried inside a decrypted token.
// RequestID, when present, is the canonical session identifier.
type UserProfile struct {
	RequestID      string   `json:"requestId,omitempty"`
	FirstName      string   `json:"firstName"`
	LastName       string   `json:"lastName"`
	DocumentType   string   `json:"documentType"`
	DocumentNumber string   `json:"documentNumber"`
	Phone          string   `json:"phone"`
	Address        string   `json:"address"`
	Occupation     string   `json:"occupation,omitempty"`
	Department     string   `json:"department,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
	Roles          []string `json:"roles,omitempty"`
}

// Data is the decrypted session token payload.
type Data struct {
	Issuer   string
	Audience string
	// Exp and Iat are epoch seconds.
	Exp int64
	Iat int64

	Subject  string
	TokenID  string
	UserID   string
	Username string
	Email    string

	Profile     UserProfile
	Permissions []string
	Roles       []string
}

// SessionID returns the canonical session identifier: the profile's
// requestId, or the user id when the profile omits it.
func (d *Data) SessionID() string {
	if d == nil {
		return ""
	}
	if d.Profile.RequestID != "" {
		return d.Profile.RequestID
	}
	return d.UserID
}

type innerClaims struct {
	UserID      string       `json:"userId"`
	Username    string       `json:"username"`
	Email       string       `json:"email"`
	Profile     *UserProfile `json:"userProfile,omitempty"`
	Permissions []string     `json:"permissions,omitempty"`
	Roles       []string     `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Config tunes a Manager.
type Config struct {
	// Secret is the pre-shared secret this client holds for its backend.
	Secret []byte
	// Leeway tolerates small clock skew when checking expiry.
	Leeway time.Duration
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// Manager decrypts and validates opaque session tokens. A Manager is
// immutable after construction and safe for concurrent use.
type Manager struct {
	aeadKey []byte
	signKey []byte
	macKey  []byte
	leeway  time.Duration
	now     func() time.Time
}

// NewManager derives the working keys from cfg.Secret and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, errors.New("token: shared material too short")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		leeway: cfg.Leeway,
		now:    now,
	}
	var err error
	if m.aeadKey, err = deriveKey(cfg.Secret, "authcore/token/seal", 32); err != nil {
		return nil, err
	}
	if m.signKey, err = deriveKey(cfg.Secret, "authcore/token/sign", 32); err != nil {
		return nil, err
	}
	if m.macKey, err = deriveKey(cfg.Secret, "authcore/token/tag", 32); err != nil {
		return nil, err
	}
	return m, nil
}

func deriveKey(secret []byte, label string, size int) ([]byte, error) {
	out := make([]byte, size)
	r := hkdf.New(sha256.New, secret, nil, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decrypt opens an opaque token and returns its payload. It fails with
// ErrMalformed on shape/encoding problems, ErrIntegrity when either
// protection layer rejects the token, and ErrExpired when the embedded
// expiry is in the past.
func (m *Manager) Decrypt(opaque string) (*Data, error) {
	parts := strings.Split(opaque, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, ErrMalformed
	}

	nonce, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrMalformed
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}
	tag, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformed
	}

	expected := m.sealTag(parts[0], parts[1])
	if !hmac.Equal(tag, expected) {
		return nil, ErrIntegrity
	}

	aead, err := m.aead()
	if err != nil {
		return nil, ErrIntegrity
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrMalformed
	}
	inner, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrIntegrity
	}

	return m.parseInner(string(inner))
}

func (m *Manager) parseInner(inner string) (*Data, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.leeway),
		jwt.WithTimeFunc(m.now),
	)

	claims := &innerClaims{}
	_, err := parser.ParseWithClaims(inner, claims, func(*jwt.Token) (any, error) {
		return m.signKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrIntegrity
	}

	d := &Data{
		Issuer:      claims.Issuer,
		Subject:     claims.Subject,
		TokenID:     claims.ID,
		UserID:      claims.UserID,
		Username:    claims.Username,
		Email:       claims.Email,
		Permissions: claims.Permissions,
		Roles:       claims.Roles,
	}
	if len(claims.Audience) > 0 {
		d.Audience = claims.Audience[0]
	}
	if claims.ExpiresAt != nil {
		d.Exp = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		d.Iat = claims.IssuedAt.Unix()
	}
	if claims.Profile != nil {
		d.Profile = *claims.Profile
	}
	return d, nil
}

// ValidateStructure reports whether every required field and profile
// sub-field is present with a sane value. It never panics on bad data.
func (m *Manager) ValidateStructure(d *Data) bool {
	if d == nil {
		return false
	}
	if d.Issuer == "" || d.Audience == "" || d.Subject == "" || d.TokenID == "" {
		return false
	}
	if d.Exp <= 0 || d.Iat <= 0 {
		return false
	}
	if d.UserID == "" || d.Username == "" || d.Email == "" {
		return false
	}
	p := d.Profile
	if p.FirstName == "" || p.LastName == "" {
		return false
	}
	if p.DocumentType == "" || p.DocumentNumber == "" {
		return false
	}
	if p.Phone == "" || p.Address == "" {
		return false
	}
	return true
}

// Mint seals a payload into an opaque token. It exists for development
// backends and tests; production tokens come from the identity service.
func (m *Manager) Mint(d *Data) (string, error) {
	if d == nil {
		return "", ErrMalformed
	}

	profile := d.Profile
	claims := &innerClaims{
		UserID:      d.UserID,
		Username:    d.Username,
		Email:       d.Email,
		Profile:     &profile,
		Permissions: d.Permissions,
		Roles:       d.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    d.Issuer,
			Audience:  jwt.ClaimStrings{d.Audience},
			Subject:   d.Subject,
			ID:        d.TokenID,
			ExpiresAt: jwt.NewNumericDate(time.Unix(d.Exp, 0)),
			IssuedAt:  jwt.NewNumericDate(time.Unix(d.Iat, 0)),
		},
	}

	inner, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signKey)
	if err != nil {
		return "", err
	}

	aead, err := m.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := aead.Seal(nil, nonce, []byte(inner), nil)

	seg1 := base64.RawURLEncoding.EncodeToString(nonce)
	seg2 := base64.RawURLEncoding.EncodeToString(ciphertext)
	seg3 := base64.RawURLEncoding.EncodeToString(m.sealTag(seg1, seg2))
	return seg1 + "." + seg2 + "." + seg3, nil
}

func (m *Manager) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(m.aeadKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (m *Manager) sealTag(seg1, seg2 string) []byte {
	mac := hmac.New(sha256.New, m.macKey)
	mac.Write([]byte(seg1))
	mac.Write([]byte("."))
	mac.Write([]byte(seg2))
	return mac.Sum(nil)
}
