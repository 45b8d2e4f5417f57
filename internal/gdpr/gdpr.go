// Package gdpr stores interaction records and consents and serves data
// subject rights: export, erasure, consent management and retention.
package gdpr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"guardian/internal/audit"
)

// ErrNoConsent is returned when a subject has not granted consent for a purpose.
var ErrNoConsent = errors.New("consent not granted")

// PurposeProcessing is the consent purpose required by /process.
const PurposeProcessing = "processing"

const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one stored interaction. Input is stored redacted.
type Record struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	SessionID string    `json:"session_id,omitempty"`
	Input     string    `json:"input"`
	Verdict   string    `json:"verdict"`
	RiskScore float64   `json:"risk_score"`
	CreatedAt time.Time `json:"created_at"`
}

type Consent struct {
	SubjectID string    `json:"subject_id"`
	Purpose   string    `json:"purpose"`
	Granted   bool      `json:"granted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubjectExport is everything held about one subject.
type SubjectExport struct {
	SubjectID   string        `json:"subject_id"`
	Records     []Record      `json:"records"`
	Consents    []Consent     `json:"consents"`
	AuditEvents []audit.Event `json:"audit_events"`
	ExportedAt  time.Time     `json:"exported_at"`
}

// ErasureReport summarises an Erase call.
type ErasureReport struct {
	SubjectID       string    `json:"subject_id"`
	RecordsDeleted  int64     `json:"records_deleted"`
	ConsentsDeleted int64     `json:"consents_deleted"`
	EventsRedacted  int64     `json:"events_redacted"`
	ErasedAt        time.Time `json:"erased_at"`
}

type Store struct {
	db    *sql.DB
	audit *audit.Store
	now   func() time.Time
}

// NewStore migrates the GDPR tables. Data-rights operations are recorded in
// trail.
func NewStore(db *sql.DB, trail *audit.Store) (*Store, error) {
	s := &Store{db: db, audit: trail, now: time.Now}
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS interaction_records (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			input TEXT NOT NULL,
			verdict TEXT NOT NULL,
			risk_score REAL NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_subject ON interaction_records(subject_id)`,
		`CREATE INDEX IF NOT EXISTS idx_records_created ON interaction_records(created_at)`,
		`CREATE TABLE IF NOT EXISTS consents (
			subject_id TEXT NOT NULL,
			purpose TEXT NOT NULL,
			granted INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (subject_id, purpose)
		)`,
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return nil, fmt.Errorf("gdpr migration failed: %w", err)
		}
	}
	return s, nil
}

func (s *Store) SaveRecord(ctx context.Context, r Record) (Record, error) {
	if r.SubjectID == "" {
		return Record{}, errors.New("gdpr: record subject is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	r.CreatedAt = r.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO interaction_records
		(id, subject_id, session_id, input, verdict, risk_score, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SubjectID, r.SessionID, r.Input, r.Verdict, r.RiskScore, r.CreatedAt.Format(tsLayout))
	if err != nil {
		return Record{}, fmt.Errorf("save record: %w", err)
	}
	return r, nil
}

// Records returns the subject's records, oldest first.
func (s *Store) Records(ctx context.Context, subject string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, subject_id, session_id, input, verdict, risk_score, created_at
		FROM interaction_records WHERE subject_id = ? ORDER BY created_at ASC`, subject)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var r Record
		var created string
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.SessionID, &r.Input, &r.Verdict, &r.RiskScore, &created); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = time.Parse(tsLayout, created); err != nil {
			return nil, fmt.Errorf("parse record timestamp: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetConsent records a consent decision and audits the change.
func (s *Store) SetConsent(ctx context.Context, c Consent, actor string) (Consent, error) {
	if c.SubjectID == "" || c.Purpose == "" {
		return Consent{}, errors.New("gdpr: consent subject and purpose are required")
	}
	c.UpdatedAt = s.now().UTC()
	granted := 0
	if c.Granted {
		granted = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO consents (subject_id, purpose, granted, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(subject_id, purpose) DO UPDATE SET granted = excluded.granted, updated_at = excluded.updated_at`,
		c.SubjectID, c.Purpose, granted, c.UpdatedAt.Format(tsLayout))
	if err != nil {
		return Consent{}, fmt.Errorf("save consent: %w", err)
	}

	outcome := "granted"
	if !c.Granted {
		outcome = "withdrawn"
	}
	if _, err := s.audit.Append(ctx, audit.Event{
		Type:    audit.TypeConsent,
		Actor:   actor,
		Subject: c.SubjectID,
		Action:  "set_consent",
		Outcome: outcome,
		Details: map[string]any{"purpose": c.Purpose},
	}); err != nil {
		return c, err
	}
	return c, nil
}

func (s *Store) Consents(ctx context.Context, subject string) ([]Consent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subject_id, purpose, granted, updated_at
		FROM consents WHERE subject_id = ? ORDER BY purpose`, subject)
	if err != nil {
		return nil, fmt.Errorf("query consents: %w", err)
	}
	defer rows.Close()

	out := []Consent{}
	for rows.Next() {
		var c Consent
		var granted int
		var updated string
		if err := rows.Scan(&c.SubjectID, &c.Purpose, &granted, &updated); err != nil {
			return nil, err
		}
		c.Granted = granted != 0
		if c.UpdatedAt, err = time.Parse(tsLayout, updated); err != nil {
			return nil, fmt.Errorf("parse consent timestamp: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// HasConsent reports whether subject granted purpose. No row means no consent.
func (s *Store) HasConsent(ctx context.Context, subject, purpose string) (bool, error) {
	var granted int
	err := s.db.QueryRowContext(ctx, `SELECT granted FROM consents WHERE subject_id = ? AND purpose = ?`,
		subject, purpose).Scan(&granted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query consent: %w", err)
	}
	return granted != 0, nil
}

// RequireConsent returns ErrNoConsent unless subject granted purpose.
func (s *Store) RequireConsent(ctx context.Context, subject, purpose string) error {
	ok, err := s.HasConsent(ctx, subject, purpose)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: subject %q purpose %q", ErrNoConsent, subject, purpose)
	}
	return nil
}

// Export collects the subject's records, consents and audit events. The
// export itself is audited.
func (s *Store) Export(ctx context.Context, subject, actor string) (SubjectExport, error) {
	exp := SubjectExport{SubjectID: subject, ExportedAt: s.now().UTC()}
	var err error
	if exp.Records, err = s.Records(ctx, subject); err != nil {
		return SubjectExport{}, err
	}
	if exp.Consents, err = s.Consents(ctx, subject); err != nil {
		return SubjectExport{}, err
	}
	if exp.AuditEvents, err = s.audit.List(ctx, audit.Filter{Subject: subject, Limit: 10000}); err != nil {
		return SubjectExport{}, err
	}
	if _, err := s.audit.Append(ctx, audit.Event{
		Type:    audit.TypeExport,
		Actor:   actor,
		Subject: subject,
		Action:  "export",
		Outcome: "success",
		Details: map[string]any{"records": len(exp.Records), "consents": len(exp.Consents), "audit_events": len(exp.AuditEvents)},
	}); err != nil {
		return SubjectExport{}, err
	}
	return exp, nil
}

// Erase deletes the subject's records and consents, redacts the details of
// their audit events and records the erasure.
func (s *Store) Erase(ctx context.Context, subject, actor string) (ErasureReport, error) {
	if subject == "" {
		return ErasureReport{}, errors.New("gdpr: subject is required")
	}
	rep := ErasureReport{SubjectID: subject, ErasedAt: s.now().UTC()}

	// records, consents and audit redaction commit together
	var err error
	rep.EventsRedacted, err = s.audit.RedactTx(ctx, subject, actor, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM interaction_records WHERE subject_id = ?`, subject)
		if err != nil {
			return fmt.Errorf("delete records: %w", err)
		}
		rep.RecordsDeleted, _ = res.RowsAffected()
		res, err = tx.ExecContext(ctx, `DELETE FROM consents WHERE subject_id = ?`, subject)
		if err != nil {
			return fmt.Errorf("delete consents: %w", err)
		}
		rep.ConsentsDeleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return ErasureReport{SubjectID: subject}, err
	}

	if _, err := s.audit.Append(ctx, audit.Event{
		Type:    audit.TypeErasure,
		Actor:   actor,
		Subject: subject,
		Action:  "erase",
		Outcome: "success",
		Details: map[string]any{
			"records_deleted":  rep.RecordsDeleted,
			"consents_deleted": rep.ConsentsDeleted,
			"events_redacted":  rep.EventsRedacted,
		},
	}); err != nil {
		log.Error().Err(err).Str("component", "gdpr").Str("subject", subject).Msg("subject erased but erasure event not recorded")
		return rep, err
	}
	log.Info().Str("component", "gdpr").Str("subject", subject).
		Int64("records", rep.RecordsDeleted).Int64("events_redacted", rep.EventsRedacted).Msg("subject erased")
	return rep, nil
}

// Purge deletes records created before cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM interaction_records WHERE created_at < ?`,
		cutoff.UTC().Format(tsLayout))
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	return res.RowsAffected()
}
