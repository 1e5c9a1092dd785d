package store

import (
	"context"
	"database/sql"
	"time"
)

// GetCacheEntry returns a persisted cache value and its expiry. Expired
// entries are returned too so callers can serve a last-known value; found is
// false only when no row exists.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (value []byte, expiresAt time.Time, found bool, err error) {
	var expiresMs int64
	err = s.db.QueryRowContext(ctx, `
		SELECT value, expires_at FROM cache_entries WHERE cache_key = ?
	`, key).Scan(&value, &expiresMs)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return value, time.UnixMilli(expiresMs), true, nil
}

func (s *Store) PutCacheEntry(ctx context.Context, key, kind string, value []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_key, kind, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			kind = excluded.kind,
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, kind, value, expiresAt.UnixMilli(), s.now().UnixMilli())
	return err
}

func (s *Store) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key)
	return err
}

func (s *Store) ClearCacheEntries(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	return err
}

// CleanupExpiredCacheEntries deletes entries that expired more than grace
// ago. The grace period keeps recently expired values around for stale serving.
func (s *Store) CleanupExpiredCacheEntries(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := s.now().Add(-grace).UnixMilli()
	result, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CacheEntryCounts returns how many persisted entries are live and expired.
func (s *Store) CacheEntryCounts(ctx context.Context) (live, expired int, err error) {
	now := s.now().UnixMilli()
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0)
		FROM cache_entries
	`, now, now).Scan(&live, &expired)
	return live, expired, err
}
