package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/inkwell/collabd/pkg/model"
)

// RecordAbuse inserts a violation row (spec §4.I).
func (s *Store) RecordAbuse(ctx context.Context, rec model.AbuseRecord) (model.AbuseRecord, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO abuse_records (user_id, reason, severity, detail, job_id, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at
	`, rec.UserID, rec.Reason, rec.Severity, rec.Detail, rec.JobID, rec.IP, rec.UserAgent,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return model.AbuseRecord{}, fmt.Errorf("store: record_abuse: %w", err)
	}
	return rec, nil
}

// CountAbuse returns the number of abuse_records for userID at the given
// severity within the window, used by the threshold evaluation in
// pkg/abuse.
func (s *Store) CountAbuse(ctx context.Context, userID int64, severity model.AbuseSeverity, window time.Duration) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM abuse_records WHERE user_id = $1 AND severity = $2 AND created_at > $3
	`, userID, severity, time.Now().Add(-window)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count_abuse: %w", err)
	}
	return n, nil
}

// UpsertBan implements "update_or_create" semantics (spec §4.I): if a
// prior lifted ban exists for userID, re-violation reinstates it (clears
// lifted_at) rather than erroring on the primary key conflict.
func (s *Store) UpsertBan(ctx context.Context, userID int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bans (user_id, reason) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET reason = $2, lifted_at = NULL, created_at = now()
	`, userID, reason)
	if err != nil {
		return fmt.Errorf("store: upsert_ban: %w", err)
	}
	return nil
}

// IsBanned reports whether userID has an active (not lifted) ban.
func (s *Store) IsBanned(ctx context.Context, userID int64) (bool, error) {
	var liftedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT lifted_at FROM bans WHERE user_id = $1`, userID).Scan(&liftedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: is_banned: %w", err)
	}
	return !liftedAt.Valid, nil
}
