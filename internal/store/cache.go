package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetCacheRow returns the durable cache entry for a key, or nil.
func (s *Store) GetCacheRow(ctx context.Context, key string) (*CacheRow, error) {
	var row CacheRow
	err := s.DB.QueryRowContext(ctx,
		`SELECT key, payload, content_type, created_at, expires_at
		FROM cache_entries WHERE key = ?`, key).
		Scan(&row.Key, &row.Payload, &row.ContentType, &row.CreatedAt, &row.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// PutCacheRow refreshes a durable cache entry (delete + reinsert semantics
// via upsert: created_at is always the write time).
func (s *Store) PutCacheRow(ctx context.Context, row *CacheRow) error {
	if row.CreatedAt == 0 {
		row.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO cache_entries (key, payload, content_type, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			content_type = excluded.content_type,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		row.Key, row.Payload, row.ContentType, row.CreatedAt, row.ExpiresAt)
	return err
}

// DeleteCacheRow purges one durable entry.
func (s *Store) DeleteCacheRow(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// SweepCacheRows deletes durable entries past their expiry, except
// video-typed entries still within the retention grace of their creation —
// recently-seen live/ephemeral content is kept past nominal expiry.
// Returns the number of rows removed.
func (s *Store) SweepCacheRows(ctx context.Context, now time.Time, videoGrace time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE expires_at <= ?
		  AND NOT (content_type = 'video' AND created_at > ?)`,
		now.UnixMilli(), now.Add(-videoGrace).UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordCacheAccess atomically increments the access counter for a key.
// Counters live in their own table so they survive entry refreshes.
func (s *Store) RecordCacheAccess(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO cache_key_access (key, access_count, last_access) VALUES (?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			access_count = access_count + 1,
			last_access = excluded.last_access`,
		key, time.Now().UnixMilli())
	return err
}

// CacheAccessCount returns how many times a key has been read.
func (s *Store) CacheAccessCount(ctx context.Context, key string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT access_count FROM cache_key_access WHERE key = ?`, key).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// CacheStats summarises the durable tier.
type CacheStats struct {
	Entries int   `json:"entries"`
	Expired int   `json:"expired"`
	Bytes   int64 `json:"bytes"`
}

// CacheTierStats returns durable-tier counts for the ops surface.
func (s *Store) CacheTierStats(ctx context.Context, now time.Time) (CacheStats, error) {
	var st CacheStats
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(expires_at <= ?), 0),
		       COALESCE(SUM(LENGTH(payload)), 0)
		FROM cache_entries`, now.UnixMilli()).
		Scan(&st.Entries, &st.Expired, &st.Bytes)
	return st, err
}
