package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/envelope"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS envelopes (
  envelope_id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  version INTEGER NOT NULL,
  created_by TEXT NOT NULL,
  expiration_deadline TEXT,
  document_json TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS envelopes_status_idx ON envelopes (status)`,
	`CREATE TABLE IF NOT EXISTS envelope_recipients (
  envelope_id TEXT NOT NULL,
  email TEXT NOT NULL,
  PRIMARY KEY (envelope_id, email)
)`,
	`CREATE INDEX IF NOT EXISTS envelope_recipients_email_idx ON envelope_recipients (email)`,
}

// Store persists envelopes in a single SQLite file.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + path
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle without running migrations.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateEnvelope(ctx context.Context, env *envelope.Envelope) error {
	env.Version = 1
	raw, err := storage.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO envelopes (envelope_id, status, version, created_by, expiration_deadline, document_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (envelope_id) DO NOTHING`,
		env.ID, string(env.Status), env.Version, env.CreatedBy, formatTime(env.ExpirationDeadline), string(raw), formatTime(env.CreatedAt), formatTime(env.UpdatedAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, env.ID)
	}
	if err := replaceRecipients(ctx, tx, env); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetEnvelope(ctx context.Context, id string) (*envelope.Envelope, error) {
	var raw string
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT document_json, version FROM envelopes WHERE envelope_id = ?`, id).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return storage.DecodeEnvelope([]byte(raw), version)
}

func (s *Store) UpdateEnvelope(ctx context.Context, env *envelope.Envelope, expectedVersion int64) error {
	next := expectedVersion + 1
	snapshot := *env
	snapshot.Version = next
	raw, err := storage.EncodeEnvelope(&snapshot)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE envelopes
SET status = ?, version = ?, expiration_deadline = ?, document_json = ?, updated_at = ?
WHERE envelope_id = ? AND version = ?`,
		string(env.Status), next, formatTime(env.ExpirationDeadline), string(raw), formatTime(env.UpdatedAt), env.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM envelopes WHERE envelope_id = ?`, env.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, env.ID)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s at version %d, expected %d", storage.ErrVersionConflict, env.ID, current, expectedVersion)
	}
	if err := replaceRecipients(ctx, tx, env); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	env.Version = next
	return nil
}

func (s *Store) ListEnvelopes(ctx context.Context, filter storage.ListFilter) ([]*envelope.Envelope, error) {
	query := `SELECT e.document_json, e.version FROM envelopes e WHERE (? = '' OR e.status = ?)`
	args := []any{string(filter.Status), string(filter.Status)}
	if filter.RecipientEmail != "" {
		query += ` AND EXISTS (SELECT 1 FROM envelope_recipients r WHERE r.envelope_id = e.envelope_id AND r.email = ?)`
		args = append(args, strings.ToLower(filter.RecipientEmail))
	}
	query += ` ORDER BY e.created_at DESC, e.envelope_id ASC LIMIT ?`
	args = append(args, storage.NormalizeLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*envelope.Envelope, 0)
	for rows.Next() {
		var raw string
		var version int64
		if err := rows.Scan(&raw, &version); err != nil {
			return nil, err
		}
		env, err := storage.DecodeEnvelope([]byte(raw), version)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *Store) ListOpenEnvelopeIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT envelope_id FROM envelopes
WHERE status IN ('dispatched', 'partially_signed') AND envelope_id > ?
ORDER BY envelope_id ASC
LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func replaceRecipients(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM envelope_recipients WHERE envelope_id = ?`, env.ID); err != nil {
		return err
	}
	for _, r := range env.Recipients {
		if _, err := tx.ExecContext(ctx, `INSERT INTO envelope_recipients (envelope_id, email) VALUES (?, ?)`, env.ID, r.Email); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
