package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., redis://localhost:6379/0).
	URL string

	// Password overrides the password in URL when set.
	Password string

	// KeyPrefix is prepended to all keys, followed by the layer name.
	KeyPrefix string

	// PoolSize is the connection pool size.
	PoolSize int

	// DialTimeout is the connection timeout.
	DialTimeout time.Duration

	// ReadTimeout is the read operation timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the write operation timeout.
	WriteTimeout time.Duration

	// ScanCount is the COUNT hint used when iterating keys.
	ScanCount int64
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:          "redis://localhost:6379/0",
		KeyPrefix:    "ctxcache:",
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		ScanCount:    200,
	}
}

// NewRedisClient builds a go-redis client from cfg.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return redis.NewClient(opts), nil
}

// Hash field names of a stored entry.
const (
	fieldID          = "id"
	fieldKey         = "key"
	fieldValue       = "value"
	fieldEmbedding   = "embedding"
	fieldMetadata    = "metadata"
	fieldCreated     = "created_at"
	fieldExpires     = "expires_at"
	fieldAccessed    = "last_accessed_at"
	fieldAccessCount = "access_count"
	fieldSession     = "session_id"
	fieldImportance  = "importance"
	fieldContextType = "context_type"
)

// touchScript bumps access bookkeeping only when the hash exists, so a
// concurrent delete is never undone by a read.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
redis.call('HINCRBY', KEYS[1], 'access_count', 1)
redis.call('HSET', KEYS[1], 'last_accessed_at', ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

// Redis stores one layer as one hash per entry under "<prefix><layer>:".
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	scanCount int64
	owned     bool
}

// NewRedis creates a backend for layer on an existing client. The client is
// not closed by Close.
func NewRedis(client redis.UniversalClient, cfg RedisConfig, layer string) *Redis {
	scanCount := cfg.ScanCount
	if scanCount <= 0 {
		scanCount = DefaultRedisConfig().ScanCount
	}
	return &Redis{
		client:    client,
		prefix:    cfg.KeyPrefix + layer + ":",
		scanCount: scanCount,
	}
}

// OpenRedis dials Redis, verifies the connection and returns a backend that
// owns its client.
func OpenRedis(ctx context.Context, cfg RedisConfig, layer string) (*Redis, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, Unavailable(fmt.Errorf("ping redis: %w", err))
	}
	r := NewRedis(client, cfg, layer)
	r.owned = true
	return r, nil
}

// prefixKey adds the layer prefix to a key.
func (r *Redis) prefixKey(key string) string {
	return r.prefix + key
}

// Get reads the hash for key.
func (r *Redis) Get(ctx context.Context, key string) (*Entry, error) {
	fields, err := r.client.HGetAll(ctx, r.prefixKey(key)).Result()
	if err != nil {
		return nil, Unavailable(err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRedisEntry(fields)
}

// Put upserts e in a MULTI block. HSETNX keeps id and access_count of an
// existing hash.
func (r *Redis) Put(ctx context.Context, e *Entry) (bool, error) {
	fields, err := encodeRedisEntry(e)
	if err != nil {
		return false, err
	}

	key := r.prefixKey(e.Key)
	var created *redis.BoolCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.HSetNX(ctx, key, fieldAccessCount, 0)
		pipe.HSetNX(ctx, key, fieldID, e.ID)
		pipe.HSet(ctx, key, fields)
		if e.ExpiresAt.IsZero() {
			pipe.Persist(ctx, key)
		} else {
			pipe.PExpireAt(ctx, key, e.ExpiresAt)
		}
		return nil
	})
	if err != nil {
		return false, Unavailable(err)
	}
	return created.Val(), nil
}

// Touch runs touchScript.
func (r *Redis) Touch(ctx context.Context, key string, at time.Time) (*Entry, error) {
	res, err := touchScript.Run(ctx, r.client, []string{r.prefixKey(key)}, formatNanos(at)).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Unavailable(err)
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRedisEntry(fields)
}

// Delete removes the hash for key.
func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.prefixKey(key)).Result()
	if err != nil {
		return false, Unavailable(err)
	}
	return n > 0, nil
}

// DeleteExpired deletes key under WATCH so a Put that lands between the
// expiry check and the delete aborts the transaction.
func (r *Redis) DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	rkey := r.prefixKey(key)
	deleted := false

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, rkey, fieldExpires).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		expires, err := parseNanos(raw)
		if err != nil {
			return err
		}
		probe := Entry{ExpiresAt: expires}
		if !probe.ExpiredAt(now) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, rkey)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, rkey)

	if errors.Is(err, redis.TxFailedErr) {
		// Rewritten concurrently; the newer write wins.
		return false, nil
	}
	if err != nil {
		return false, Unavailable(err)
	}
	return deleted, nil
}

// Scan walks the layer keyspace with SCAN.
func (r *Redis) Scan(ctx context.Context, fn func(*Entry) bool) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", r.scanCount).Iterator()
	for iter.Next(ctx) {
		fields, err := r.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return Unavailable(err)
		}
		if len(fields) == 0 {
			continue
		}
		e, err := decodeRedisEntry(fields)
		if err != nil {
			return err
		}
		if !fn(e) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return Unavailable(err)
	}
	return nil
}

// Count counts the layer keys.
func (r *Redis) Count(ctx context.Context) (int, error) {
	n := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"*", r.scanCount).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, Unavailable(err)
	}
	return n, nil
}

// Clear deletes the layer keyspace in SCAN-sized batches.
func (r *Redis) Clear(ctx context.Context) (int, error) {
	removed := 0
	batch := make([]string, 0, r.scanCount)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			return Unavailable(err)
		}
		removed += int(n)
		batch = batch[:0]
		return nil
	}

	iter := r.client.Scan(ctx, 0, r.prefix+"*", r.scanCount).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if int64(len(batch)) >= r.scanCount {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, Unavailable(err)
	}
	return removed, flush()
}

// Close releases the client when the backend dialed it.
func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}

func encodeRedisEntry(e *Entry) (map[string]any, error) {
	value, err := json.Marshal(e.Value)
	if err != nil {
		return nil, Validationf("value is not serializable: %v", err)
	}
	embedding, err := json.Marshal(e.Embedding)
	if err != nil {
		return nil, Validationf("embedding is not serializable: %v", err)
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, Validationf("metadata is not serializable: %v", err)
	}

	return map[string]any{
		fieldKey:         e.Key,
		fieldValue:       value,
		fieldEmbedding:   embedding,
		fieldMetadata:    metadata,
		fieldCreated:     formatNanos(e.CreatedAt),
		fieldExpires:     formatNanos(e.ExpiresAt),
		fieldAccessed:    formatNanos(e.LastAccessedAt),
		fieldSession:     e.SessionID,
		fieldImportance:  strconv.FormatFloat(e.Importance, 'g', -1, 64),
		fieldContextType: e.ContextType,
	}, nil
}

func decodeRedisEntry(fields map[string]string) (*Entry, error) {
	e := &Entry{
		ID:          fields[fieldID],
		Key:         fields[fieldKey],
		SessionID:   fields[fieldSession],
		ContextType: fields[fieldContextType],
	}

	var err error
	if e.CreatedAt, err = parseNanos(fields[fieldCreated]); err != nil {
		return nil, err
	}
	if e.ExpiresAt, err = parseNanos(fields[fieldExpires]); err != nil {
		return nil, err
	}
	if e.LastAccessedAt, err = parseNanos(fields[fieldAccessed]); err != nil {
		return nil, err
	}
	if raw := fields[fieldAccessCount]; raw != "" {
		if e.AccessCount, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("decode access_count: %w", err)
		}
	}
	if raw := fields[fieldImportance]; raw != "" {
		if e.Importance, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("decode importance: %w", err)
		}
	}
	if raw := fields[fieldValue]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Value); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
	}
	if raw := fields[fieldEmbedding]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &e.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
	}
	if raw := fields[fieldMetadata]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}

func formatNanos(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseNanos(raw string) (time.Time, error) {
	if raw == "" || raw == "0" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp %q: %w", raw, err)
	}
	return time.Unix(0, n), nil
}
