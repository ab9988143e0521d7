// Package postgres stores a cache layer in a PostgreSQL table with a
// pgvector embedding column.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
)

// Config holds the connection settings.
type Config struct {
	DSN          string
	TablePrefix  string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DSN:          "postgres://localhost:5432/ctxcache?sslmode=disable",
		TablePrefix:  "cache_",
		MaxOpenConns: 20,
		MaxIdleConns: 5,
	}
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

const columns = `id, key, value, embedding::float8[] AS embedding, metadata, created_at,
	expires_at, access_count, last_accessed_at, session_id, importance_score, context_type`

type row struct {
	ID             string          `db:"id"`
	Key            string          `db:"key"`
	Value          []byte          `db:"value"`
	Embedding      pq.Float64Array `db:"embedding"`
	Metadata       []byte          `db:"metadata"`
	CreatedAt      time.Time       `db:"created_at"`
	ExpiresAt      sql.NullTime    `db:"expires_at"`
	AccessCount    int64           `db:"access_count"`
	LastAccessedAt time.Time       `db:"last_accessed_at"`
	SessionID      string          `db:"session_id"`
	Importance     float64         `db:"importance_score"`
	ContextType    string          `db:"context_type"`
}

// Store is a cache.Backend over one table.
type Store struct {
	db    *sqlx.DB
	table string
	owned bool
}

// New creates a store for layer on an open database handle.
func New(db *sqlx.DB, cfg Config, layer string) (*Store, error) {
	table := cfg.TablePrefix + layer
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{db: db, table: table}, nil
}

// Open connects to PostgreSQL and optionally creates the layer table.
func Open(ctx context.Context, cfg Config, layer string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, cache.Unavailable(fmt.Errorf("connect postgres: %w", err))
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	s, err := New(db, cfg, layer)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true

	if cfg.AutoMigrate {
		if err := s.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// EnsureSchema creates the pgvector extension, the table and its expiry index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id               TEXT NOT NULL,
			key              TEXT PRIMARY KEY,
			value            JSONB,
			embedding        vector,
			metadata         JSONB,
			created_at       TIMESTAMPTZ NOT NULL,
			expires_at       TIMESTAMPTZ,
			access_count     BIGINT NOT NULL DEFAULT 0,
			last_accessed_at TIMESTAMPTZ NOT NULL,
			session_id       TEXT NOT NULL DEFAULT '',
			importance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			context_type     TEXT NOT NULL DEFAULT ''
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_expires_idx ON %s (expires_at) WHERE expires_at IS NOT NULL`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_session_idx ON %s (session_id)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return cache.Unavailable(fmt.Errorf("ensure schema: %w", err))
		}
	}
	return nil
}

// Get selects the row for key.
func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	var r row
	err := s.db.GetContext(ctx, &r, fmt.Sprintf(`SELECT %s FROM %s WHERE key = $1`, columns, s.table), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, cache.Unavailable(err)
	}
	return r.entry()
}

// Put upserts in one statement; the conflict branch leaves id and
// access_count untouched.
func (s *Store) Put(ctx context.Context, e *cache.Entry) (bool, error) {
	value, metadata, err := encodeJSON(e)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, key, value, embedding, metadata, created_at, expires_at,
			access_count, last_accessed_at, session_id, importance_score, context_type)
		VALUES ($1, $2, $3, $4::float8[]::vector, $5, $6, $7, 0, $8, $9, $10, $11)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			last_accessed_at = EXCLUDED.last_accessed_at,
			session_id = EXCLUDED.session_id,
			importance_score = EXCLUDED.importance_score,
			context_type = EXCLUDED.context_type
		RETURNING (xmax = 0) AS inserted`, s.table)

	var inserted bool
	err = s.db.QueryRowxContext(ctx, query,
		e.ID, e.Key, value, embeddingArg(e.Embedding), metadata,
		e.CreatedAt, nullTime(e.ExpiresAt), e.LastAccessedAt,
		e.SessionID, e.Importance, e.ContextType,
	).Scan(&inserted)
	if err != nil {
		return false, cache.Unavailable(err)
	}
	return inserted, nil
}

// Touch bumps access bookkeeping with a single UPDATE.
func (s *Store) Touch(ctx context.Context, key string, at time.Time) (*cache.Entry, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET access_count = access_count + 1, last_accessed_at = $2
		WHERE key = $1
		RETURNING %s`, s.table, columns)

	var r row
	err := s.db.GetContext(ctx, &r, query, key, at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, cache.Unavailable(err)
	}
	return r.entry()
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key)
	if err != nil {
		return false, cache.Unavailable(err)
	}
	return affected(res)
}

// DeleteExpired deletes key only while its stored expiry has passed.
func (s *Store) DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND expires_at IS NOT NULL AND expires_at <= $2`, s.table),
		key, now)
	if err != nil {
		return false, cache.Unavailable(err)
	}
	return affected(res)
}

// PurgeExpired deletes every expired row.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.table), now)
	if err != nil {
		return 0, cache.Unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, cache.Unavailable(err)
	}
	return int(n), nil
}

// Scan streams every row.
func (s *Store) Scan(ctx context.Context, fn func(*cache.Entry) bool) error {
	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf(`SELECT %s FROM %s`, columns, s.table))
	if err != nil {
		return cache.Unavailable(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r row
		if err := rows.StructScan(&r); err != nil {
			return cache.Unavailable(err)
		}
		e, err := r.entry()
		if err != nil {
			return err
		}
		if !fn(e) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return cache.Unavailable(err)
	}
	return nil
}

// Count returns the number of rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)); err != nil {
		return 0, cache.Unavailable(err)
	}
	return n, nil
}

// Clear deletes every row.
func (s *Store) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table))
	if err != nil {
		return 0, cache.Unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, cache.Unavailable(err)
	}
	return int(n), nil
}

// Nearest orders rows by cosine distance using pgvector.
func (s *Store) Nearest(ctx context.Context, query []float32, limit int) ([]*cache.Entry, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1::float8[]::vector
		LIMIT $2`, columns, s.table)

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, q, vectorArray(query), limit); err != nil {
		return nil, cache.Unavailable(err)
	}

	out := make([]*cache.Entry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Close closes the database handle when Open created it.
func (s *Store) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func (r *row) entry() (*cache.Entry, error) {
	e := &cache.Entry{
		ID:             r.ID,
		Key:            r.Key,
		CreatedAt:      r.CreatedAt,
		LastAccessedAt: r.LastAccessedAt,
		AccessCount:    r.AccessCount,
		SessionID:      r.SessionID,
		Importance:     r.Importance,
		ContextType:    r.ContextType,
	}
	if len(r.Embedding) > 0 {
		e.Embedding = make([]float32, len(r.Embedding))
		for i, v := range r.Embedding {
			e.Embedding[i] = float32(v)
		}
	}
	if r.ExpiresAt.Valid {
		e.ExpiresAt = r.ExpiresAt.Time
	}
	if len(r.Value) > 0 {
		if err := json.Unmarshal(r.Value, &e.Value); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}

func encodeJSON(e *cache.Entry) (value, metadata []byte, err error) {
	value, err = json.Marshal(e.Value)
	if err != nil {
		return nil, nil, cache.Validationf("value is not serializable: %v", err)
	}
	if e.Metadata != nil {
		metadata, err = json.Marshal(e.Metadata)
		if err != nil {
			return nil, nil, cache.Validationf("metadata is not serializable: %v", err)
		}
	}
	return value, metadata, nil
}

func embeddingArg(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return vectorArray(v)
}

func vectorArray(v []float32) pq.Float64Array {
	out := make(pq.Float64Array, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, cache.Unavailable(err)
	}
	return n > 0, nil
}
