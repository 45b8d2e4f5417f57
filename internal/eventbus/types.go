// Package eventbus publishes guardian events as JSON envelopes.
package eventbus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Event types published by the service.
const (
	TypeDecision   = "guardian.decision"
	TypeAudit      = "audit.appended"
	TypeInnovation = "innovation.evaluated"
	TypeState      = "engine.state"
)

// CanonicalEvent is the envelope every published event uses.
type CanonicalEvent struct {
	EventID   string        `json:"event_id"`
	Source    string        `json:"source"`
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Context   EventContext  `json:"context"`
	Payload   EventPayload  `json:"payload"`
	Security  EventSecurity `json:"security"`
}

type EventContext struct {
	SessionID string `json:"session_id,omitempty"`
	SubjectID string `json:"subject_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type EventPayload struct {
	Text     string         `json:"text,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type EventSecurity struct {
	Sensitivity string `json:"sensitivity,omitempty"` // low|medium|high
}

// NewEventID generates a compact unique event id with a date prefix.
func NewEventID(prefix string, t time.Time) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return prefix + t.UTC().Format("20060102") + "_" + hex.EncodeToString(b)
}

// New builds an event with a fresh id and timestamp.
func New(source, typ string, ctx EventContext, meta map[string]any) CanonicalEvent {
	now := time.Now().UTC()
	return CanonicalEvent{
		EventID:   NewEventID("evt_", now),
		Source:    source,
		Type:      typ,
		Timestamp: now,
		Context:   ctx,
		Payload:   EventPayload{Metadata: meta},
	}
}

// MinimalValidate checks required fields.
func (e *CanonicalEvent) MinimalValidate() bool {
	return e.EventID != "" && e.Source != "" && e.Type != "" && !e.Timestamp.IsZero()
}

// Publisher is implemented by every bus.
type Publisher interface {
	Publish(ctx context.Context, evt CanonicalEvent) error
}

// Nop discards events. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, CanonicalEvent) error { return nil }

// Recorder keeps published events in memory; tests use it to assert on
// emitted events.
type Recorder struct {
	ch chan CanonicalEvent
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan CanonicalEvent, size)}
}

func (r *Recorder) Publish(_ context.Context, evt CanonicalEvent) error {
	select {
	case r.ch <- evt:
	default:
	}
	return nil
}

// Events drains everything recorded so far.
func (r *Recorder) Events() []CanonicalEvent {
	var out []CanonicalEvent
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
