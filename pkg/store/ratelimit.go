package store

import (
	"context"
	"fmt"
	"time"

	"github.com/inkwell/collabd/pkg/ratelimit"
)

// CheckAndIncrement implements pkg/ratelimit.Store against the
// ratelimit_counters table (spec §4.C), so a multi-process deployment
// shares one counter per key instead of each process keeping its own
// MemoryStore. The upsert does the reset-or-increment decision and the
// increment itself in a single statement, so two requests racing on the
// same key at window rollover still serialize through Postgres's own
// per-row locking rather than needing a Go-side mutex.
func (s *Store) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error) {
	var count int
	seconds := window.Seconds()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ratelimit_counters (key, count, reset_at)
		VALUES ($1, 1, now() + ($2 || ' seconds')::interval)
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN ratelimit_counters.reset_at <= now() THEN 1 ELSE ratelimit_counters.count + 1 END,
			reset_at = CASE WHEN ratelimit_counters.reset_at <= now() THEN now() + ($2 || ' seconds')::interval ELSE ratelimit_counters.reset_at END
		RETURNING count
	`, key, seconds).Scan(&count)
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("store: check_and_increment: %w", err)
	}
	return ratelimit.Result{Allowed: count <= limit, Count: count, Limit: limit}, nil
}
