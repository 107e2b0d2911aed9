// Package abuse implements the violation tracker and auto-ban evaluator
// (spec §4.I): record a row per violation, then check whether the
// user's count within the rolling window meets or exceeds the threshold
// for that severity, escalating to a permanent ban.
package abuse

import (
	"context"
	"fmt"
	"time"

	"github.com/inkwell/collabd/pkg/model"
)

// Store is the slice of pkg/store.Store the tracker needs.
type Store interface {
	RecordAbuse(ctx context.Context, rec model.AbuseRecord) (model.AbuseRecord, error)
	CountAbuse(ctx context.Context, userID int64, severity model.AbuseSeverity, window time.Duration) (int, error)
	UpsertBan(ctx context.Context, userID int64, reason string) error
	IsBanned(ctx context.Context, userID int64) (bool, error)
}

// Thresholds is the per-severity violation count allowed within Window
// before an automatic ban (spec §4.I defaults: LOW 50, MEDIUM 10, HIGH 3,
// CRITICAL 1, all per 30 days).
type Thresholds struct {
	Window   time.Duration
	Low      int
	Medium   int
	High     int
	Critical int
}

// Tracker records violations and evaluates the ban thresholds.
type Tracker struct {
	Store      Store
	Thresholds Thresholds
}

func (t *Tracker) thresholdFor(sev model.AbuseSeverity) int {
	switch sev {
	case model.SeverityCritical:
		return t.Thresholds.Critical
	case model.SeverityHigh:
		return t.Thresholds.High
	case model.SeverityMedium:
		return t.Thresholds.Medium
	default:
		return t.Thresholds.Low
	}
}

// Record implements spec §4.I: insert the violation row, then ban the
// user if their count at that severity, within Window, now meets or
// exceeds the configured threshold. UpsertBan's "update_or_create"
// semantics mean a previously lifted ban is reinstated by the same call.
func (t *Tracker) Record(ctx context.Context, rec model.AbuseRecord) error {
	rec, err := t.Store.RecordAbuse(ctx, rec)
	if err != nil {
		return fmt.Errorf("abuse: recording violation: %w", err)
	}
	threshold := t.thresholdFor(rec.Severity)
	if threshold <= 0 {
		return nil
	}
	count, err := t.Store.CountAbuse(ctx, rec.UserID, rec.Severity, t.Thresholds.Window)
	if err != nil {
		return fmt.Errorf("abuse: counting violations: %w", err)
	}
	if count < threshold {
		return nil
	}
	reason := fmt.Sprintf("exceeded %s severity threshold (%d within %s)", rec.Severity, threshold, t.Thresholds.Window)
	if err := t.Store.UpsertBan(ctx, rec.UserID, reason); err != nil {
		return fmt.Errorf("abuse: recording ban: %w", err)
	}
	return nil
}

// ShouldBlock is checked at the entry point of any abuse-prone operation
// (spec §4.I: "currently: start-import").
func (t *Tracker) ShouldBlock(ctx context.Context, userID int64) (bool, error) {
	return t.Store.IsBanned(ctx, userID)
}
