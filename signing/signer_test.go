package signing

import (
	"encoding/base64"
	"errors"
	"math"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestSigner(t *testing.T, now func() time.Time) *Signer {
	t.Helper()

	s, err := NewSigner(Config{Secret: testSecret, Now: now})
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	return s
}

func TestOTPTokensAreDistinct(t *testing.T) {
	s := newTestSigner(t, nil)

	seen := make(map[string]bool, 100)
	for i := 0; i < 100; i++ {
		tok, err := s.OTPToken()
		if err != nil {
			t.Fatalf("OTPToken failed: %v", err)
		}
		if seen[tok] {
			t.Fatalf("duplicate token at iteration %d", i)
		}
		seen[tok] = true
	}
}

func TestOTPTokenEntropy(t *testing.T) {
	s := newTestSigner(t, nil)

	tok, err := s.OTPToken()
	if err != nil {
		t.Fatalf("OTPToken failed: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	// Shannon entropy of the random payload must clear 6 bits per byte.
	payload := raw[otpHeaderLen:]
	var counts [256]float64
	for _, b := range payload {
		counts[b]++
	}
	entropy := 0.0
	total := float64(len(payload))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := c / total
		entropy -= p * math.Log2(p)
	}
	if entropy < 6 {
		t.Fatalf("entropy %.2f bits/byte, want >= 6", entropy)
	}
}

func TestValidateOTPTokenWindow(t *testing.T) {
	now := time.Now()
	s := newTestSigner(t, func() time.Time { return now })

	tok, err := s.OTPToken()
	if err != nil {
		t.Fatalf("OTPToken failed: %v", err)
	}
	if err := s.ValidateOTPToken(tok); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	late, err := NewSigner(Config{Secret: testSecret, Now: func() time.Time { return now.Add(2 * time.Minute) }})
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	if err := late.ValidateOTPToken(tok); !errors.Is(err, ErrReplayTokenStale) {
		t.Fatalf("stale token: got %v, want ErrReplayTokenStale", err)
	}

	if err := s.ValidateOTPToken("not-base64!!"); !errors.Is(err, ErrReplayTokenMalformed) {
		t.Fatalf("garbage token: got %v, want ErrReplayTokenMalformed", err)
	}
}

func TestDigestDeterministic(t *testing.T) {
	now := time.Now()
	s := newTestSigner(t, func() time.Time { return now })

	body := map[string]any{"username": "alice", "application": "mobile"}
	d1, x1, err := s.Digest("POST", "/auth/login", body)
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	d2, x2, err := s.Digest("POST", "/auth/login", body)
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if d1 != d2 || x1 != x2 {
		t.Fatal("identical inputs produced different digests")
	}
}

func TestDigestSensitivity(t *testing.T) {
	now := time.Now()
	s := newTestSigner(t, func() time.Time { return now })

	base, _, err := s.Digest("POST", "/auth/login", map[string]string{"a": "1"})
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}

	changedBody, _, err := s.Digest("POST", "/auth/login", map[string]string{"a": "2"})
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if changedBody == base {
		t.Fatal("body change did not change digest")
	}

	otherSecret, err := NewSigner(Config{Secret: []byte("fedcba9876543210fedcba9876543210"), Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	changedSecret, _, err := otherSecret.Digest("POST", "/auth/login", map[string]string{"a": "1"})
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if changedSecret == base {
		t.Fatal("shared-material change did not change digest")
	}

	laterClock, err := NewSigner(Config{Secret: testSecret, Now: func() time.Time { return now.Add(time.Second) }})
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	changedTime, _, err := laterClock.Digest("POST", "/auth/login", map[string]string{"a": "1"})
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if changedTime == base {
		t.Fatal("timestamp change did not change digest")
	}
}

func TestDigestOnlyForBodyMethods(t *testing.T) {
	s := newTestSigner(t, nil)

	for _, method := range []string{"GET", "DELETE", "HEAD"} {
		if NeedsDigest(method) {
			t.Fatalf("NeedsDigest(%s) = true", method)
		}
		if _, _, err := s.Digest(method, "/x", nil); err == nil {
			t.Fatalf("Digest(%s) succeeded", method)
		}
	}
	for _, method := range []string{"POST", "PUT", "PATCH"} {
		if !NeedsDigest(method) {
			t.Fatalf("NeedsDigest(%s) = false", method)
		}
	}
}

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		name  string
		body  any
		want  string
		xdate string
	}{
		{"nil body", nil, "{}1700000000000", "1700000000000"},
		{"empty map", map[string]string{}, "{}1700000000000", "1700000000000"},
		{"empty slice", []string{}, "{}1700000000000", "1700000000000"},
		{"empty string", "", "{}1700000000000", "1700000000000"},
		{"object", map[string]string{"a": "b"}, `{"a":"b"}1700000000000`, "1700000000000"},
		{"string body", `{"a":"b"}`, `{"a":"b"}1700000000000`, "1700000000000"},
	}
	for _, tc := range cases {
		got, err := Canonicalize(tc.body, tc.xdate)
		if err != nil {
			t.Fatalf("%s: Canonicalize failed: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}
