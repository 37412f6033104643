// Package redis is a storage.Storage in Redis, letting every node of a
// cluster resume any workflow session.
//
// Each record is a hash holding the value, its revision and its timestamps.
// Writes run as one Lua script so that Swap compares and replaces atomically. Expiring
// records carry a native Redis expiry at their deadline, so Redis reclaims
// them without a sweeper. Keys have the form <prefix>{<bucket>}:<key>; the
// hash tag keeps a bucket in one cluster slot.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/policyhost/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix prefixes every key when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "policyhost:storage:"

const (
	fieldValue    = "v"
	fieldWritten  = "w"
	fieldDeadline = "d"
	fieldRevision = "r"

	removeBatch = 256
)

// Config configures a Storage.
type Config struct {
	// Client is owned by the caller; Close leaves it open.
	Client redis.UniversalClient
	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string
}

// Storage implements storage.Storage on Redis hashes.
type Storage struct {
	client redis.UniversalClient
	prefix string
}

// New returns a Storage using cfg.Client.
func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis storage: client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Storage{client: cfg.Client, prefix: cfg.KeyPrefix}, nil
}

func (s *Storage) Load(ctx context.Context, bucket, key string) (*storage.Record, error) {
	if bucket == "" {
		return nil, storage.ErrNoBucket
	}
	fields, err := s.client.HGetAll(ctx, s.key(bucket, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis storage: load %s/%s: %w", bucket, key, err)
	}
	value, ok := fields[fieldValue]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec := &storage.Record{Value: []byte(value)}
	if rec.Written, err = millis(fields[fieldWritten]); err != nil {
		return nil, fmt.Errorf("redis storage: load %s/%s: %w", bucket, key, err)
	}
	if rec.Deadline, err = millis(fields[fieldDeadline]); err != nil {
		return nil, fmt.Errorf("redis storage: load %s/%s: %w", bucket, key, err)
	}
	if v := fields[fieldRevision]; v != "" {
		if rec.Revision, err = strconv.ParseUint(v, 10, 64); err != nil {
			return nil, fmt.Errorf("redis storage: load %s/%s: bad revision %q: %w", bucket, key, v, err)
		}
	}
	// Redis expires lazily at millisecond resolution.
	if !rec.Live(time.Now()) {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Storage) Store(ctx context.Context, bucket, key string, value []byte, ttl time.Duration) error {
	_, err := s.write(ctx, bucket, key, value, ttl, "")
	return err
}

func (s *Storage) Swap(ctx context.Context, bucket, key string, value []byte, ttl time.Duration, rev uint64) (uint64, error) {
	return s.write(ctx, bucket, key, value, ttl, strconv.FormatUint(rev, 10))
}

// writeScript replaces the hash at KEYS[1] and bumps its revision. ARGV is
// the expected revision (empty for none), the write time, the value and the
// deadline (empty for none). It returns the new revision, or -1 when the
// expected revision does not match.
var writeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[2])
local cur = 0
local f = redis.call('HMGET', key, 'r', 'd')
if f[1] and (not f[2] or tonumber(f[2]) > now) then
  cur = tonumber(f[1])
end
if ARGV[1] ~= '' and tonumber(ARGV[1]) ~= cur then
  return -1
end
local rev = tostring(cur + 1)
redis.call('DEL', key)
redis.call('HSET', key, 'v', ARGV[3], 'w', ARGV[2], 'r', rev)
if ARGV[4] ~= '' then
  redis.call('HSET', key, 'd', ARGV[4])
  redis.call('PEXPIREAT', key, ARGV[4])
end
return cur + 1
`)

func (s *Storage) write(ctx context.Context, bucket, key string, value []byte, ttl time.Duration, expect string) (uint64, error) {
	if bucket == "" {
		return 0, storage.ErrNoBucket
	}
	rec, err := storage.NewRecord(value, time.Now(), ttl)
	if err != nil {
		return 0, err
	}
	deadline := ""
	if !rec.Deadline.IsZero() {
		deadline = strconv.FormatInt(rec.Deadline.UnixMilli(), 10)
	}
	rev, err := writeScript.Run(ctx, s.client, []string{s.key(bucket, key)},
		expect, rec.Written.UnixMilli(), rec.Value, deadline).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis storage: store %s/%s: %w", bucket, key, err)
	}
	if rev < 0 {
		return 0, storage.ErrConflict
	}
	return uint64(rev), nil
}

func (s *Storage) Remove(ctx context.Context, bucket string, keys ...string) error {
	if bucket == "" {
		return storage.ErrNoBucket
	}
	if len(keys) > 0 {
		ks := make([]string, len(keys))
		for i, k := range keys {
			ks[i] = s.key(bucket, k)
		}
		if err := s.client.Del(ctx, ks...).Err(); err != nil {
			return fmt.Errorf("redis storage: remove from %s: %w", bucket, err)
		}
		return nil
	}

	pattern := globEscape(s.prefix+"{"+bucket+"}:") + "*"
	it := s.client.Scan(ctx, 0, pattern, removeBatch).Iterator()
	batch := make([]string, 0, removeBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.client.Del(ctx, batch...).Err()
		batch = batch[:0]
		return err
	}
	for it.Next(ctx) {
		batch = append(batch, it.Val())
		if len(batch) == removeBatch {
			if err := flush(); err != nil {
				return fmt.Errorf("redis storage: empty %s: %w", bucket, err)
			}
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("redis storage: scan %s: %w", bucket, err)
	}
	if err := flush(); err != nil {
		return fmt.Errorf("redis storage: empty %s: %w", bucket, err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (s *Storage) Close() error { return nil }

func (s *Storage) key(bucket, key string) string {
	return s.prefix + "{" + bucket + "}:" + key
}

func millis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms), nil
}

var globMeta = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string { return globMeta.Replace(s) }

var _ storage.Storage = (*Storage)(nil)
