// Package validate provides the uniform validation result shape used across
// the authentication core, plus small field validators for emails, session
// identifiers, and timestamps.
//
// Validators never panic on malformed input. They return a Result describing
// every problem found; fatal problems populate Errors, non-fatal observations
// populate Warnings.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Result is returned by every validation operation in the core.
type Result struct {
	Valid     bool     `json:"valid"`
	Errors    []string `json:"errors,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Sanitized string   `json:"sanitized,omitempty"`
}

func (r *Result) addError(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Merge folds other into r. r becomes invalid if other is.
func (r *Result) Merge(other Result) {
	if !other.Valid {
		r.Valid = false
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

const (
	maxEmailLength     = 254
	maxSessionIDLength = 128
)

// Email validates an email address and returns the trimmed, lowercased form
// in Sanitized when valid.
func Email(email string) Result {
	res := Result{Valid: true}

	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		res.addError("email is empty")
		return res
	}
	if len(trimmed) > maxEmailLength {
		res.addError("email exceeds %d characters", maxEmailLength)
		return res
	}
	if RemoveControlChars(trimmed) != trimmed {
		res.addError("email contains control characters")
		return res
	}
	if !emailPattern.MatchString(trimmed) {
		res.addError("email format is invalid")
		return res
	}
	if trimmed != email {
		res.addWarning("email had surrounding whitespace")
	}

	res.Sanitized = strings.ToLower(trimmed)
	return res
}

// SessionID validates a session identifier: non-empty, bounded length, and
// limited to URL-safe characters.
func SessionID(id string) Result {
	res := Result{Valid: true}

	if id == "" {
		res.addError("session id is empty")
		return res
	}
	if len(id) > maxSessionIDLength {
		res.addError("session id exceeds %d characters", maxSessionIDLength)
		return res
	}
	for _, r := range id {
		if r > unicode.MaxASCII || (!unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.') {
			res.addError("session id contains invalid characters")
			return res
		}
	}

	res.Sanitized = id
	return res
}

// Timestamp validates an epoch value in either seconds or milliseconds.
// Zero and negative values are errors; values far in the future produce a
// warning rather than an error so clock-skewed devices are not locked out.
func Timestamp(epoch int64, now time.Time) Result {
	res := Result{Valid: true}

	if epoch <= 0 {
		res.addError("timestamp is not positive")
		return res
	}

	ts := time.Unix(epoch, 0)
	if epoch > 1e12 {
		// Treat as milliseconds.
		ts = time.UnixMilli(epoch)
	}

	if ts.After(now.Add(365 * 24 * time.Hour)) {
		res.addWarning("timestamp is more than a year in the future")
	}
	if ts.Before(now.Add(-20 * 365 * 24 * time.Hour)) {
		res.addError("timestamp is implausibly old")
	}

	return res
}

// TokenShape reports whether a raw token string has the expected
// three-segment dotted shape with non-empty segments.
func TokenShape(raw string) Result {
	res := Result{Valid: true}

	if strings.TrimSpace(raw) == "" {
		res.addError("token is empty")
		return res
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		res.addError("token segment count is %d, want 3", len(parts))
		return res
	}
	for i, p := range parts {
		if p == "" {
			res.addError("token segment %d is empty", i)
		}
	}
	return res
}

// RemoveControlChars strips control characters except newline, carriage
// return, and tab.
func RemoveControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
