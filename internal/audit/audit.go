// Package audit carries structured security events from the authentication
// core to an external telemetry sink. Events are sanitized before they are
// handed to a sink; raw tokens, passwords, and key material never cross this
// boundary.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Severity ranks an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is the canonical telemetry record emitted by the core.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Category  string            `json:"category"`
	Action    string            `json:"action"`
	Severity  Severity          `json:"severity"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes audit events into a buffered channel.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan Event, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// ZerologSink forwards events to a zerolog logger, mapping Severity onto
// zerolog levels.
type ZerologSink struct {
	logger zerolog.Logger
}

func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return &ZerologSink{logger: logger}
}

func (s *ZerologSink) Emit(_ context.Context, event Event) {
	if s == nil {
		return
	}

	var entry *zerolog.Event
	switch event.Severity {
	case SeverityCritical:
		entry = s.logger.Error()
	case SeverityHigh, SeverityMedium:
		entry = s.logger.Warn()
	default:
		entry = s.logger.Info()
	}

	entry = entry.
		Time("event_time", event.Timestamp).
		Str("category", event.Category).
		Str("severity", string(event.Severity)).
		Bool("success", event.Success)
	if event.UserID != "" {
		entry = entry.Str("user_id", event.UserID)
	}
	if event.SessionID != "" {
		entry = entry.Str("session_id", event.SessionID)
	}
	if event.Error != "" {
		entry = entry.Str("error", event.Error)
	}
	for k, v := range event.Data {
		entry = entry.Str(k, v)
	}
	entry.Msg(event.Action)
}

var sensitiveKeys = []string{"password", "token", "authorization", "credential", "otp", "digest", "secret"}

// SanitizeData redacts entries whose keys look credential-bearing and trims
// oversized values. The input map is not modified.
func SanitizeData(data map[string]string) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		lower := strings.ToLower(k)
		redacted := false
		for _, s := range sensitiveKeys {
			if strings.Contains(lower, s) {
				redacted = true
				break
			}
		}
		if redacted {
			out[k] = "[redacted]"
			continue
		}
		if len(v) > 256 {
			v = v[:256]
		}
		out[k] = v
	}
	return out
}
