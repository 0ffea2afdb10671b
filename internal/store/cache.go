package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"extractd/internal/apperrors"
)

// PutCacheEntry inserts a cache entry for (jobID, key). Entries are never
// mutated: writing over a live entry is a no-op, writing over an expired
// entry replaces the dead row.
func (s *Store) PutCacheEntry(ctx context.Context, jobID, key string, payload []byte, expiresAt time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_cache (job_id, cache_key, payload, expires_at, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (job_id, cache_key) DO UPDATE SET
  payload = excluded.payload,
  expires_at = excluded.expires_at,
  created_at = excluded.created_at
WHERE job_cache.expires_at <= excluded.created_at`,
		jobID, key, payload, expiresAt.UTC(), now)
	if err != nil {
		return apperrors.Internal("store.putCacheEntry", err)
	}
	return nil
}

// GetCacheEntry returns the payload for (jobID, key) if the entry has not
// expired. Expired or missing entries report ok=false.
func (s *Store) GetCacheEntry(ctx context.Context, jobID, key string, now time.Time) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT payload FROM job_cache
WHERE job_id = ? AND cache_key = ? AND expires_at > ?`,
		jobID, key, now.UTC())
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, apperrors.Internal("store.getCacheEntry", err)
	}
	return payload, true, nil
}

// PurgeExpiredCache removes cache rows whose expiration has passed.
func (s *Store) PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_cache WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, apperrors.Internal("store.purgeExpiredCache", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
