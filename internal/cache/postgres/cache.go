// Package postgres provides the Postgres-backed dedup cache.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for cache entries.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Cache implements pipeline.Cache on a Postgres table. Insert atomicity
// across worker processes rests on the fingerprint primary key plus
// ON CONFLICT DO NOTHING.
type Cache struct {
	pool  querier
	table string
}

// New creates a Postgres-backed cache using the provided config.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("cache.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "dedup_entries"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Cache{pool: pool, table: table}, nil
}

// NewWithPool constructs a cache from an existing pool (primarily for testing).
func NewWithPool(pool querier, table string) (*Cache, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "dedup_entries"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Cache{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (c *Cache) Close() {
	if c == nil || c.pool == nil {
		return
	}
	c.pool.Close()
}

// Lookup fetches the entry for the fingerprint, if present.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (pipeline.CacheEntry, bool, error) {
	query := fmt.Sprintf(`
SELECT fingerprint, artifact_ref, first_seen_at, last_served_at
FROM %s WHERE fingerprint = $1`, c.table)

	var entry pipeline.CacheEntry
	err := c.pool.QueryRow(ctx, query, fingerprint).Scan(
		&entry.Fingerprint,
		&entry.ArtifactRef,
		&entry.FirstSeenAt,
		&entry.LastServedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.CacheEntry{}, false, nil
	}
	if err != nil {
		return pipeline.CacheEntry{}, false, fmt.Errorf("lookup fingerprint: %w", err)
	}
	return entry, true, nil
}

// InsertIfAbsent atomically claims the fingerprint. It returns false
// when another worker already holds it.
func (c *Cache) InsertIfAbsent(ctx context.Context, fingerprint, artifactRef string, now time.Time) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (fingerprint, artifact_ref, first_seen_at, last_served_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (fingerprint) DO NOTHING`, c.table)

	tag, err := c.pool.Exec(ctx, query, fingerprint, artifactRef, now)
	if err != nil {
		return false, fmt.Errorf("insert cache entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Touch refreshes last_served_at on a cache hit.
func (c *Cache) Touch(ctx context.Context, fingerprint string, now time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET last_served_at = $2 WHERE fingerprint = $1`, c.table)
	if _, err := c.pool.Exec(ctx, query, fingerprint, now); err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	return nil
}

// Remove deletes a single entry.
func (c *Cache) Remove(ctx context.Context, fingerprint string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE fingerprint = $1`, c.table)
	if _, err := c.pool.Exec(ctx, query, fingerprint); err != nil {
		return fmt.Errorf("remove cache entry: %w", err)
	}
	return nil
}

// Entries returns every cache entry, oldest first.
func (c *Cache) Entries(ctx context.Context) ([]pipeline.CacheEntry, error) {
	query := fmt.Sprintf(`
SELECT fingerprint, artifact_ref, first_seen_at, last_served_at
FROM %s ORDER BY first_seen_at`, c.table)

	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var entries []pipeline.CacheEntry
	for rows.Next() {
		var entry pipeline.CacheEntry
		if err := rows.Scan(
			&entry.Fingerprint,
			&entry.ArtifactRef,
			&entry.FirstSeenAt,
			&entry.LastServedAt,
		); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries: %w", err)
	}
	return entries, nil
}

// Flush clears the whole table and returns how many entries were dropped.
func (c *Cache) Flush(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s`, c.table)
	tag, err := c.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("flush cache: %w", err)
	}
	return tag.RowsAffected(), nil
}
