package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/envelope"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) applyMigrations(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) CreateEnvelope(ctx context.Context, env *envelope.Envelope) error {
	env.Version = 1
	raw, err := storage.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO envelopes (envelope_id, status, version, created_by, expiration_deadline, document_json, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
`, env.ID, string(env.Status), env.Version, env.CreatedBy, nullableTime(env.ExpirationDeadline), raw, env.CreatedAt.UTC(), env.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, env.ID)
	}
	return err
}

func (s *Store) GetEnvelope(ctx context.Context, id string) (*envelope.Envelope, error) {
	var raw []byte
	var version int64
	err := s.pool.QueryRow(ctx, `
SELECT document_json, version
FROM envelopes
WHERE envelope_id = $1
`, id).Scan(&raw, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return storage.DecodeEnvelope(raw, version)
}

func (s *Store) UpdateEnvelope(ctx context.Context, env *envelope.Envelope, expectedVersion int64) error {
	next := expectedVersion + 1
	snapshot := *env
	snapshot.Version = next
	raw, err := storage.EncodeEnvelope(&snapshot)
	if err != nil {
		return err
	}
	cmd, err := s.pool.Exec(ctx, `
UPDATE envelopes
SET status = $2,
    version = $3,
    expiration_deadline = $4,
    document_json = $5::jsonb,
    updated_at = $6
WHERE envelope_id = $1 AND version = $7
`, env.ID, string(env.Status), next, nullableTime(env.ExpirationDeadline), raw, env.UpdatedAt.UTC(), expectedVersion)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		var current int64
		err := s.pool.QueryRow(ctx, `SELECT version FROM envelopes WHERE envelope_id = $1`, env.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, env.ID)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s at version %d, expected %d", storage.ErrVersionConflict, env.ID, current, expectedVersion)
	}
	env.Version = next
	return nil
}

func (s *Store) ListEnvelopes(ctx context.Context, filter storage.ListFilter) ([]*envelope.Envelope, error) {
	var recipientFilter []byte
	if filter.RecipientEmail != "" {
		raw, err := json.Marshal([]map[string]string{{"email": filter.RecipientEmail}})
		if err != nil {
			return nil, err
		}
		recipientFilter = raw
	}
	rows, err := s.pool.Query(ctx, `
SELECT document_json, version
FROM envelopes
WHERE ($1 = '' OR status = $1)
  AND ($2::jsonb IS NULL OR document_json->'recipients' @> $2::jsonb)
ORDER BY created_at DESC, envelope_id ASC
LIMIT $3
`, string(filter.Status), recipientFilter, storage.NormalizeLimit(filter.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*envelope.Envelope, 0)
	for rows.Next() {
		var raw []byte
		var version int64
		if err := rows.Scan(&raw, &version); err != nil {
			return nil, err
		}
		env, err := storage.DecodeEnvelope(raw, version)
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
	rows, err := s.pool.Query(ctx, `
SELECT envelope_id
FROM envelopes
WHERE status IN ('dispatched', 'partially_signed') AND envelope_id > $1
ORDER BY envelope_id ASC
LIMIT $2
`, afterID, limit)
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

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}
