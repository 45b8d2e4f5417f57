package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"guardian/internal/eventbus"
)

var (
	ErrNotFound    = errors.New("audit event not found")
	ErrChainBroken = errors.New("audit chain broken")
)

const redactedDetails = `{"redacted":true}`

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Filter narrows List. Zero values are ignored; Limit defaults to 100.
type Filter struct {
	Subject string
	Type    string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// VerifyReport describes the outcome of a chain verification.
type VerifyReport struct {
	Valid      bool      `json:"valid"`
	Events     int64     `json:"events"`
	BrokenAt   int64     `json:"broken_at,omitempty"`
	Problem    string    `json:"problem,omitempty"`
	Head       string    `json:"head"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Store is the SQLite-backed audit trail. Appends are serialized so every
// event links to its predecessor.
type Store struct {
	db    *sql.DB
	bus   eventbus.Publisher
	now   func() time.Time
	mu    sync.Mutex
	hooks []func(Event)
}

// NewStore migrates the schema and returns a store. bus may be nil.
func NewStore(db *sql.DB, bus eventbus.Publisher) (*Store, error) {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Store{db: db, bus: bus, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("audit migration failed: %w", err)
	}
	return s, nil
}

// OnAppend registers fn to run after every successful append. Register hooks
// before the store is shared.
func (s *Store) OnAppend(fn func(Event)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq INTEGER PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			actor TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			details TEXT NOT NULL,
			details_digest TEXT NOT NULL,
			redacted INTEGER NOT NULL DEFAULT 0,
			ts TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_events(subject)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(type)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Append assigns the sequence number, links the event to the chain head and
// stores it. ID and Timestamp are filled in when empty.
func (s *Store) Append(ctx context.Context, e Event) (Event, error) {
	if e.Type == "" || e.Action == "" {
		return Event{}, errors.New("audit: event type and action are required")
	}
	return s.write(ctx, func(tx *sql.Tx) (Event, error) {
		return s.insert(ctx, tx, e)
	})
}

// write runs fn in a transaction under s.mu. Hooks and the bus see the
// event only after the commit and after the lock is released.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) (Event, error)) (Event, error) {
	s.mu.Lock()
	e, err := func() (Event, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return Event{}, err
		}
		defer tx.Rollback()
		e, err := fn(tx)
		if err != nil {
			return Event{}, err
		}
		return e, tx.Commit()
	}()
	hooks := s.hooks
	s.mu.Unlock()
	if err != nil {
		return Event{}, err
	}

	for _, h := range hooks {
		h(e)
	}
	evt := eventbus.New("guardian.audit", eventbus.TypeAudit,
		eventbus.EventContext{SubjectID: e.Subject},
		map[string]any{"sequence": e.Sequence, "type": e.Type, "action": e.Action, "outcome": e.Outcome, "hash": e.Hash})
	if err := s.bus.Publish(ctx, evt); err != nil {
		log.Warn().Err(err).Str("component", "audit").Int64("sequence", e.Sequence).Msg("failed to publish audit event")
	}
	return e, nil
}

// insert links e to the current head inside tx. Caller holds s.mu.
func (s *Store) insert(ctx context.Context, tx *sql.Tx, e Event) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.Actor == "" {
		e.Actor = "system"
	}
	encoded, err := json.Marshal(e.Details)
	if err != nil {
		return Event{}, fmt.Errorf("encode audit details: %w", err)
	}
	e.DetailsDigest = digest(encoded)
	e.Redacted = false

	var lastSeq sql.NullInt64
	var lastHash sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&lastSeq, &lastHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		e.Sequence = 1
		e.PrevHash = GenesisHash
	case err != nil:
		return Event{}, fmt.Errorf("read chain head: %w", err)
	default:
		e.Sequence = lastSeq.Int64 + 1
		e.PrevHash = lastHash.String
	}
	e.Hash = computeHash(e)

	_, err = tx.ExecContext(ctx, `INSERT INTO audit_events
		(seq, id, type, actor, subject, action, outcome, details, details_digest, redacted, ts, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		e.Sequence, e.ID, e.Type, e.Actor, e.Subject, e.Action, e.Outcome, string(encoded), e.DetailsDigest,
		e.Timestamp.Format(tsLayout), e.PrevHash, e.Hash)
	if err != nil {
		return Event{}, fmt.Errorf("insert audit event: %w", err)
	}
	return e, nil
}

const selectColumns = `seq, id, type, actor, subject, action, outcome, details, details_digest, redacted, ts, prev_hash, hash`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEvent reads one row. raw is the stored details text, needed by Verify.
func scanEvent(row rowScanner) (Event, string, error) {
	var e Event
	var details, ts string
	var redacted int
	if err := row.Scan(&e.Sequence, &e.ID, &e.Type, &e.Actor, &e.Subject, &e.Action, &e.Outcome,
		&details, &e.DetailsDigest, &redacted, &ts, &e.PrevHash, &e.Hash); err != nil {
		return Event{}, "", err
	}
	e.Redacted = redacted != 0
	t, err := time.Parse(tsLayout, ts)
	if err != nil {
		return Event{}, "", fmt.Errorf("parse audit timestamp %q: %w", ts, err)
	}
	e.Timestamp = t
	if details != "" && details != "null" {
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return Event{}, "", fmt.Errorf("decode audit details: %w", err)
		}
	}
	return e, details, nil
}

// Get returns the event with the given id.
func (s *Store) Get(ctx context.Context, id string) (Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM audit_events WHERE id = ?`, id)
	e, _, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return e, err
}

// List returns events matching f in sequence order.
func (s *Store) List(ctx context.Context, f Filter) ([]Event, error) {
	var where []string
	var args []any
	if f.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, f.Subject)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().Format(tsLayout))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.Until.UTC().Format(tsLayout))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT ` + selectColumns + ` FROM audit_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, _, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Verify walks the whole chain, recomputing every hash and digest. A broken
// chain is reported in the returned report together with ErrChainBroken.
func (s *Store) Verify(ctx context.Context) (VerifyReport, error) {
	rep := VerifyReport{Valid: true, Head: GenesisHash, VerifiedAt: s.now().UTC()}

	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM audit_events ORDER BY seq ASC`)
	if err != nil {
		return rep, fmt.Errorf("query audit chain: %w", err)
	}
	defer rows.Close()

	prev := GenesisHash
	expectSeq := int64(1)
	// redacted rows not yet claimed by a later redaction event
	pending := map[int64]bool{}
	broken := func(seq int64, problem string) (VerifyReport, error) {
		rep.Valid = false
		rep.BrokenAt = seq
		rep.Problem = problem
		return rep, fmt.Errorf("%w at sequence %d: %s", ErrChainBroken, seq, problem)
	}
	for rows.Next() {
		e, raw, err := scanEvent(rows)
		if err != nil {
			return rep, err
		}
		rep.Events++

		problem := ""
		switch {
		case e.Sequence != expectSeq:
			problem = fmt.Sprintf("expected sequence %d, found %d", expectSeq, e.Sequence)
		case e.PrevHash != prev:
			problem = "previous hash does not match"
		case computeHash(e) != e.Hash:
			problem = "event hash does not match contents"
		case e.Redacted && e.Type == TypeRedaction:
			problem = "redaction record was redacted"
		case e.Redacted && raw != redactedDetails:
			problem = "redacted details were altered"
		case !e.Redacted && digest([]byte(raw)) != e.DetailsDigest:
			problem = "details do not match digest"
		}
		if problem == "" && e.Type == TypeRedaction {
			for _, seq := range redactedSequences(e.Details) {
				if !pending[seq] {
					problem = fmt.Sprintf("redaction record lists sequence %d which is not redacted", seq)
					break
				}
				delete(pending, seq)
			}
		}
		if problem != "" {
			return broken(e.Sequence, problem)
		}
		if e.Redacted {
			pending[e.Sequence] = true
		}
		prev = e.Hash
		rep.Head = e.Hash
		expectSeq++
	}
	if err := rows.Err(); err != nil {
		return rep, err
	}
	if len(pending) > 0 {
		first := int64(-1)
		for seq := range pending {
			if first < 0 || seq < first {
				first = seq
			}
		}
		return broken(first, "redacted without a redaction record")
	}
	return rep, nil
}

// redactedSequences reads the sequence list of a decoded redaction event.
func redactedSequences(details map[string]any) []int64 {
	list, _ := details["sequences"].([]any)
	out := make([]int64, 0, len(list))
	for _, v := range list {
		if f, ok := v.(float64); ok {
			out = append(out, int64(f))
		}
	}
	return out
}

// Redact blanks the details of every event about subject and records a
// redaction event listing the redacted sequences. The chain stays verifiable
// because hashes bind only the digest of the details. Redaction events are
// never redacted themselves.
func (s *Store) Redact(ctx context.Context, subject, actor string) (int64, error) {
	return s.RedactTx(ctx, subject, actor, nil)
}

// RedactTx is Redact with fn run first in the same transaction, so related
// deletions commit or roll back together with the redaction. fn may be nil.
func (s *Store) RedactTx(ctx context.Context, subject, actor string, fn func(tx *sql.Tx) error) (int64, error) {
	if subject == "" {
		return 0, errors.New("audit: subject is required for redaction")
	}
	var n int64
	_, err := s.write(ctx, func(tx *sql.Tx) (Event, error) {
		if fn != nil {
			if err := fn(tx); err != nil {
				return Event{}, err
			}
		}
		seqs, err := unredacted(ctx, tx, subject)
		if err != nil {
			return Event{}, err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE audit_events SET details = ?, redacted = 1 WHERE subject = ? AND redacted = 0 AND type != ?`,
			redactedDetails, subject, TypeRedaction)
		if err != nil {
			return Event{}, fmt.Errorf("redact audit events: %w", err)
		}
		n, _ = res.RowsAffected()
		return s.insert(ctx, tx, Event{
			Type:    TypeRedaction,
			Actor:   actor,
			Subject: subject,
			Action:  "redact_details",
			Outcome: "success",
			Details: map[string]any{"events_redacted": n, "sequences": seqs},
		})
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func unredacted(ctx context.Context, tx *sql.Tx, subject string) ([]int64, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT seq FROM audit_events WHERE subject = ? AND redacted = 0 AND type != ? ORDER BY seq`,
		subject, TypeRedaction)
	if err != nil {
		return nil, fmt.Errorf("select events to redact: %w", err)
	}
	defer rows.Close()
	seqs := []int64{}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

// Count returns the number of events in the trail.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n)
	return n, err
}
