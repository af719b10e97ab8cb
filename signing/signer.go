// Package signing produces the per-request anti-replay token and the HMAC
// digest carried on body-bearing requests.
//
// The digest canonicalization is a wire contract shared with the identity
// service. Do not change it without coordinating a backend release:
//
//  1. serialize the body to JSON
//  2. an empty structure serializes as the literal {}
//  3. strip backslash escaping introduced by serialization
//  4. strip exactly one surrounding quote pair, when present
//  5. append the millisecond timestamp string
//  6. HMAC-SHA256 the result, emit standard base64 of the raw digest
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrReplayTokenMalformed is returned when an anti-replay token cannot
	// be decoded.
	ErrReplayTokenMalformed = errors.New("replay token format is invalid")
	// ErrReplayTokenStale is returned when the embedded timestamp is outside
	// the tolerance window.
	ErrReplayTokenStale = errors.New("replay token is outside the accepted time window")
)

const (
	// otpRandomLen is large enough that the decoded token's empirical
	// entropy stays above 6 bits/byte.
	otpRandomLen = 160
	otpHeaderLen = 8

	// DefaultTolerance bounds how far an anti-replay token's embedded
	// timestamp may deviate from the validator's clock.
	DefaultTolerance = time.Minute
)

// bodyMethods are the HTTP methods that carry a request body and therefore
// get a digest. GET and DELETE are excluded.
var bodyMethods = map[string]bool{
	"POST":  true,
	"PUT":   true,
	"PATCH": true,
}

// NeedsDigest reports whether requests with the given method carry a digest.
func NeedsDigest(method string) bool {
	return bodyMethods[strings.ToUpper(method)]
}

// Config tunes a Signer.
type Config struct {
	// Secret is the shared secret the digest key is derived from.
	Secret []byte
	// Tolerance for anti-replay validation; zero means DefaultTolerance.
	Tolerance time.Duration
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// Signer generates anti-replay tokens and request digests. Immutable after
// construction; safe for concurrent use.
type Signer struct {
	digestKey []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewSigner derives the digest key and returns a Signer.
func NewSigner(cfg Config) (*Signer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("signing: shared material required")
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	key := make([]byte, 32)
	r := hkdf.New(sha256.New, cfg.Secret, nil, []byte("authcore/signing/digest"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	return &Signer{
		digestKey: key,
		tolerance: tolerance,
		now:       now,
	}, nil
}

// OTPToken generates a fresh anti-replay token: base64url of an 8-byte
// big-endian millisecond timestamp followed by random bytes. Tokens are
// unique per call.
func (s *Signer) OTPToken() (string, error) {
	raw := make([]byte, otpHeaderLen+otpRandomLen)
	binary.BigEndian.PutUint64(raw[:otpHeaderLen], uint64(s.now().UnixMilli()))
	if _, err := rand.Read(raw[otpHeaderLen:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ValidateOTPToken checks the embedded timestamp against the tolerance
// window.
func (s *Signer) ValidateOTPToken(tok string) error {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil || len(raw) < otpHeaderLen {
		return ErrReplayTokenMalformed
	}
	embedded := time.UnixMilli(int64(binary.BigEndian.Uint64(raw[:otpHeaderLen])))
	drift := s.now().Sub(embedded)
	if drift < 0 {
		drift = -drift
	}
	if drift > s.tolerance {
		return ErrReplayTokenStale
	}
	return nil
}

// Digest computes the request digest for a body-bearing request and returns
// it together with the millisecond timestamp string that was folded into the
// canonical payload. The caller must send that exact timestamp in the X-Date
// header.
func (s *Signer) Digest(method, path string, body any) (digest string, xdate string, err error) {
	if !NeedsDigest(method) {
		return "", "", errors.New("signing: method does not carry a digest")
	}

	xdate = strconv.FormatInt(s.now().UnixMilli(), 10)
	canonical, err := Canonicalize(body, xdate)
	if err != nil {
		return "", "", err
	}

	mac := hmac.New(sha256.New, s.digestKey)
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), xdate, nil
}

// Canonicalize produces the exact byte sequence the digest covers. Exported
// so conformance tests can pin the wire format.
func Canonicalize(body any, xdate string) (string, error) {
	text, err := serializeBody(body)
	if err != nil {
		return "", err
	}

	text = strings.ReplaceAll(text, `\`, "")
	if len(text) >= 2 && text[0] == '"' && text[len(text)-1] == '"' {
		text = text[1 : len(text)-1]
	}
	return text + xdate, nil
}

func serializeBody(body any) (string, error) {
	if body == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	text := string(raw)
	if text == "{}" || text == "[]" || text == "null" || text == `""` {
		return "{}", nil
	}
	return text, nil
}
