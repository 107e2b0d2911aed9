package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/inkwell/collabd/pkg/model"
)

// AppendUpdate implements append(room_id, blob) -> id (spec §4.B): atomic,
// globally monotonic id. Postgres's own serial sequence gives us the
// monotonicity guarantee for free; the insert itself is the atomic step.
func (s *Store) AppendUpdate(ctx context.Context, roomID string, blob []byte) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO update_log (room_id, blob) VALUES ($1, $2) RETURNING id`,
		roomID, blob,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: append update: %w", err)
	}
	return id, nil
}

// ListSince implements list_since(room_id, since_id) -> ordered blobs.
func (s *Store) ListSince(ctx context.Context, roomID string, sinceID int64) ([]model.UpdateLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, blob, created_at FROM update_log WHERE room_id = $1 AND id > $2 ORDER BY id`,
		roomID, sinceID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list_since: %w", err)
	}
	defer rows.Close()
	var out []model.UpdateLogEntry
	for rows.Next() {
		var e model.UpdateLogEntry
		if err := rows.Scan(&e.ID, &e.RoomID, &e.Blob, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: list_since scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetSnapshot implements get_snapshot(room_id) -> (blob, watermark) or
// none. The bool return is false when no snapshot row exists yet.
func (s *Store) GetSnapshot(ctx context.Context, roomID string) (model.Snapshot, bool, error) {
	var snap model.Snapshot
	snap.RoomID = roomID
	err := s.db.QueryRowContext(ctx,
		`SELECT blob, last_update_id, updated_at FROM snapshots WHERE room_id = $1`,
		roomID,
	).Scan(&snap.Blob, &snap.LastUpdateID, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Snapshot{}, false, nil
		}
		return model.Snapshot{}, false, fmt.Errorf("store: get_snapshot: %w", err)
	}
	return snap, true, nil
}

// PutSnapshot implements put_snapshot(room_id, blob, watermark),
// overwriting any existing row. Spec §4.B's concurrency contract allows
// two writers to race here during quiescence compaction; last write wins,
// and each writer is responsible for computing watermark as the max id it
// actually folded in, so that whichever write lands, the (snapshot,
// watermark) pair it records stays internally consistent.
func (s *Store) PutSnapshot(ctx context.Context, roomID string, blob []byte, watermark int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (room_id, blob, last_update_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (room_id) DO UPDATE SET blob = $2, last_update_id = $3, updated_at = now()
	`, roomID, blob, watermark)
	if err != nil {
		return fmt.Errorf("store: put_snapshot: %w", err)
	}
	return nil
}

// DeleteAll implements delete_all(room_id): erases both the log tail and
// the snapshot, atomically, in a transaction of its own (spec §4.B). It
// cannot join a caller's transaction; SoftDeletePage runs the same two
// deletes inside its own transaction instead (spec §4.G).
func (s *Store) DeleteAll(ctx context.Context, roomID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete_all begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM update_log WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("store: delete_all updates: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("store: delete_all snapshot: %w", err)
	}
	return tx.Commit()
}
