package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/envelope"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage"
)

// createScript inserts an envelope hash unless it already exists.
// KEYS[1] = envelope key, KEYS[2] = created index, KEYS[3] = open set
// ARGV[1] = id, ARGV[2] = status, ARGV[3] = document, ARGV[4] = created score, ARGV[5] = open flag
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "version", 1, "status", ARGV[2], "doc", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[1])
if ARGV[5] == "1" then
  redis.call("SADD", KEYS[3], ARGV[1])
end
return 1
`)

// updateScript swaps the document when the stored version matches.
// KEYS[1] = envelope key, KEYS[2] = open set
// ARGV[1] = id, ARGV[2] = expected version, ARGV[3] = status, ARGV[4] = document, ARGV[5] = open flag
var updateScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if not current then
  return -1
end
if tonumber(current) ~= tonumber(ARGV[2]) then
  return tonumber(current)
end
local nextVersion = tonumber(current) + 1
redis.call("HSET", KEYS[1], "version", nextVersion, "status", ARGV[3], "doc", ARGV[4])
if ARGV[5] == "1" then
  redis.call("SADD", KEYS[2], ARGV[1])
else
  redis.call("SREM", KEYS[2], ARGV[1])
end
return -2
`)

type Store struct {
	client redis.UniversalClient
	prefix string
}

func Open(ctx context.Context, addr, password string, db int, prefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, prefix), nil
}

func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "signoff"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Close() {
	_ = s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) envelopeKey(id string) string { return s.prefix + ":envelope:" + id }
func (s *Store) createdKey() string           { return s.prefix + ":envelopes:created" }
func (s *Store) openKey() string              { return s.prefix + ":envelopes:open" }
func (s *Store) recipientKey(email string) string {
	return s.prefix + ":recipient:" + strings.ToLower(email)
}

func (s *Store) CreateEnvelope(ctx context.Context, env *envelope.Envelope) error {
	env.Version = 1
	raw, err := storage.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	keys := []string{s.envelopeKey(env.ID), s.createdKey(), s.openKey()}
	created, err := createScript.Run(ctx, s.client, keys, env.ID, string(env.Status), string(raw), env.CreatedAt.UnixNano(), openFlag(env)).Int()
	if err != nil {
		return fmt.Errorf("create envelope %s: %w", env.ID, err)
	}
	if created == 0 {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, env.ID)
	}
	return s.indexRecipients(ctx, env)
}

func (s *Store) GetEnvelope(ctx context.Context, id string) (*envelope.Envelope, error) {
	vals, err := s.client.HMGet(ctx, s.envelopeKey(id), "version", "doc").Result()
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	version, err := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse version of %s: %w", id, err)
	}
	return storage.DecodeEnvelope([]byte(fmt.Sprint(vals[1])), version)
}

func (s *Store) UpdateEnvelope(ctx context.Context, env *envelope.Envelope, expectedVersion int64) error {
	snapshot := *env
	snapshot.Version = expectedVersion + 1
	raw, err := storage.EncodeEnvelope(&snapshot)
	if err != nil {
		return err
	}
	keys := []string{s.envelopeKey(env.ID), s.openKey()}
	res, err := updateScript.Run(ctx, s.client, keys, env.ID, expectedVersion, string(env.Status), string(raw), openFlag(env)).Int64()
	if err != nil {
		return fmt.Errorf("update envelope %s: %w", env.ID, err)
	}
	switch {
	case res == -1:
		return fmt.Errorf("%w: %s", storage.ErrNotFound, env.ID)
	case res >= 0:
		return fmt.Errorf("%w: %s at version %d, expected %d", storage.ErrVersionConflict, env.ID, res, expectedVersion)
	}
	env.Version = expectedVersion + 1
	return s.indexRecipients(ctx, env)
}

func (s *Store) ListEnvelopes(ctx context.Context, filter storage.ListFilter) ([]*envelope.Envelope, error) {
	limit := storage.NormalizeLimit(filter.Limit)
	if filter.RecipientEmail == "" {
		return s.listByCreated(ctx, filter, limit)
	}
	ids, err := s.client.SMembers(ctx, s.recipientKey(filter.RecipientEmail)).Result()
	if err != nil {
		return nil, err
	}
	out, err := s.loadMatching(ctx, ids, filter)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// listByCreated walks the created index newest first, one window of limit ids
// at a time, until limit envelopes match or the index is exhausted.
func (s *Store) listByCreated(ctx context.Context, filter storage.ListFilter, limit int) ([]*envelope.Envelope, error) {
	out := make([]*envelope.Envelope, 0, limit)
	for start := int64(0); len(out) < limit; start += int64(limit) {
		ids, err := s.client.ZRevRange(ctx, s.createdKey(), start, start+int64(limit)-1).Result()
		if err != nil {
			return nil, err
		}
		page, err := s.loadMatching(ctx, ids, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(ids) < limit {
			break
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) loadMatching(ctx context.Context, ids []string, filter storage.ListFilter) ([]*envelope.Envelope, error) {
	out := make([]*envelope.Envelope, 0, len(ids))
	for _, id := range ids {
		env, err := s.GetEnvelope(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if storage.MatchesFilter(env, filter) {
			out = append(out, env)
		}
	}
	return out, nil
}

func (s *Store) ListOpenEnvelopeIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.openKey()).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, id := range members {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// indexRecipients is best effort; list reads re-check membership.
func (s *Store) indexRecipients(ctx context.Context, env *envelope.Envelope) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range env.Recipients {
			pipe.SAdd(ctx, s.recipientKey(r.Email), env.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index recipients of %s: %w", env.ID, err)
	}
	return nil
}

func openFlag(env *envelope.Envelope) string {
	if env.Status.Open() {
		return "1"
	}
	return "0"
}
