package mirror

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic-lock retries when a watched key changes
// under an upsert.
const maxTxRetries = 5

// RedisStore keeps the mirror in Redis:
//
//	<prefix>file:<filename>  hash {digest, record_id, updated_at}
//	<prefix>digest:<digest>  sorted set of filenames scored by record id
//	<prefix>files            sorted set of every filename scored by record id
//
// Writes run under WATCH/MULTI on the file hash, so the digest index always
// matches the hash it was derived from.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore. prefix namespaces every key; an empty
// prefix selects "certroot:mirror:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "certroot:mirror:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) fileKey(name string) string { return s.prefix + "file:" + name }
func (s *RedisStore) digestKey(d string) string  { return s.prefix + "digest:" + d }
func (s *RedisStore) filesKey() string           { return s.prefix + "files" }

// Upsert implements Store.
func (s *RedisStore) Upsert(ctx context.Context, rec FileRecord) (Outcome, error) {
	if rec.Filename == "" {
		return 0, fmt.Errorf("upsert: empty filename")
	}
	key := s.fileKey(rec.Filename)

	var outcome Outcome
	txf := func(tx *redis.Tx) error {
		old, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		oldDigest, exists := old["digest"]
		if exists && oldDigest == rec.Digest && old["record_id"] == strconv.FormatUint(rec.RecordID, 10) {
			outcome = Unchanged
			return nil
		}

		score := float64(rec.RecordID)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"digest", rec.Digest,
				"record_id", strconv.FormatUint(rec.RecordID, 10),
				"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
			)
			if exists && oldDigest != rec.Digest {
				pipe.ZRem(ctx, s.digestKey(oldDigest), rec.Filename)
			}
			pipe.ZAdd(ctx, s.digestKey(rec.Digest), redis.Z{Score: score, Member: rec.Filename})
			pipe.ZAdd(ctx, s.filesKey(), redis.Z{Score: score, Member: rec.Filename})
			return nil
		})
		if err != nil {
			return err
		}
		if exists {
			outcome = Updated
		} else {
			outcome = Inserted
		}
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return outcome, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return 0, fmt.Errorf("upsert %s: %w", rec.Filename, err)
	}
	return 0, fmt.Errorf("upsert %s: too many concurrent modifications", rec.Filename)
}

// UpsertBatch implements Store.
func (s *RedisStore) UpsertBatch(ctx context.Context, recs []FileRecord) BatchResult {
	return UpsertEach(ctx, s, recs)
}

// FindByDigest implements Store.
func (s *RedisStore) FindByDigest(ctx context.Context, digest string) (*FileRecord, error) {
	names, err := s.client.ZRange(ctx, s.digestKey(digest), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("query digest index: %w", err)
	}
	if len(names) == 0 {
		return nil, ErrNotFound
	}
	return s.FindByFilename(ctx, names[0])
}

// FindByFilename implements Store.
func (s *RedisStore) FindByFilename(ctx context.Context, filename string) (*FileRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.fileKey(filename)).Result()
	if err != nil {
		return nil, fmt.Errorf("query file record: %w", err)
	}
	return decodeRedisRecord(filename, fields)
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context, limit int) ([]FileRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	names, err := s.client.ZRange(ctx, s.filesKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(names))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, n := range names {
			cmds[i] = pipe.HGetAll(ctx, s.fileKey(n))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load file records: %w", err)
	}

	out := make([]FileRecord, 0, len(names))
	for i, n := range names {
		rec, err := decodeRedisRecord(n, cmds[i].Val())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Count implements Store.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.filesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count file records: %w", err)
	}
	return int(n), nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, filename string) error {
	key := s.fileKey(filename)
	txf := func(tx *redis.Tx) error {
		digest, err := tx.HGet(ctx, key, "digest").Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.digestKey(digest), filename)
			pipe.ZRem(ctx, s.filesKey(), filename)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("delete %s: %w", filename, err)
	}
	return fmt.Errorf("delete %s: too many concurrent modifications", filename)
}

func decodeRedisRecord(filename string, fields map[string]string) (*FileRecord, error) {
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	id, err := strconv.ParseUint(fields["record_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode record id for %s: %w", filename, err)
	}
	rec := &FileRecord{Filename: filename, Digest: fields["digest"], RecordID: id}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}
