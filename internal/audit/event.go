// Package audit keeps a tamper-evident, hash-chained compliance trail.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// GenesisHash is the PrevHash of the first event in the chain.
var GenesisHash = strings.Repeat("0", 64)

// Event types recorded by the service.
const (
	TypeDecision   = "guardian_decision"
	TypeInnovation = "innovation_evaluation"
	TypeConsent    = "consent_change"
	TypeExport     = "data_export"
	TypeErasure    = "data_erasure"
	TypeRedaction  = "redaction"
	TypeState      = "state_change"
)

// Event is one audit record. Hash covers every field except Details itself:
// details are bound through DetailsDigest so they can be redacted later
// without breaking the chain.
type Event struct {
	ID            string         `json:"id"`
	Sequence      int64          `json:"sequence"`
	Type          string         `json:"type"`
	Actor         string         `json:"actor"`
	Subject       string         `json:"subject,omitempty"`
	Action        string         `json:"action"`
	Outcome       string         `json:"outcome"`
	Details       map[string]any `json:"details,omitempty"`
	DetailsDigest string         `json:"details_digest"`
	Redacted      bool           `json:"redacted,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	PrevHash      string         `json:"prev_hash"`
	Hash          string         `json:"hash"`
}

// digest hashes the stored JSON encoding of the details.
func digest(encoded []byte) string {
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// computeHash returns the chain hash of e.
func computeHash(e Event) string {
	b, _ := json.Marshal(struct {
		ID            string `json:"id"`
		Sequence      int64  `json:"sequence"`
		Type          string `json:"type"`
		Actor         string `json:"actor"`
		Subject       string `json:"subject"`
		Action        string `json:"action"`
		Outcome       string `json:"outcome"`
		DetailsDigest string `json:"details_digest"`
		Timestamp     string `json:"timestamp"`
		PrevHash      string `json:"prev_hash"`
	}{
		ID:            e.ID,
		Sequence:      e.Sequence,
		Type:          e.Type,
		Actor:         e.Actor,
		Subject:       e.Subject,
		Action:        e.Action,
		Outcome:       e.Outcome,
		DetailsDigest: e.DetailsDigest,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:      e.PrevHash,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
