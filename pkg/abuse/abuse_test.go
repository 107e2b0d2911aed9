package abuse

import (
	"context"
	"testing"
	"time"

	"github.com/inkwell/collabd/pkg/model"
)

type fakeStore struct {
	records []model.AbuseRecord
	bans    map[int64]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{bans: make(map[int64]string)}
}

func (s *fakeStore) RecordAbuse(ctx context.Context, rec model.AbuseRecord) (model.AbuseRecord, error) {
	rec.ID = int64(len(s.records) + 1)
	rec.CreatedAt = time.Now()
	s.records = append(s.records, rec)
	return rec, nil
}

func (s *fakeStore) CountAbuse(ctx context.Context, userID int64, severity model.AbuseSeverity, window time.Duration) (int, error) {
	n := 0
	cutoff := time.Now().Add(-window)
	for _, r := range s.records {
		if r.UserID == userID && r.Severity == severity && r.CreatedAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) UpsertBan(ctx context.Context, userID int64, reason string) error {
	s.bans[userID] = reason
	return nil
}

func (s *fakeStore) IsBanned(ctx context.Context, userID int64) (bool, error) {
	_, ok := s.bans[userID]
	return ok, nil
}

func defaultThresholds() Thresholds {
	return Thresholds{
		Window:   30 * 24 * time.Hour,
		Low:      50,
		Medium:   10,
		High:     3,
		Critical: 1,
	}
}

// TestBanOrderCritical is spec §8's "Ban order" property for the CRITICAL
// severity: a single critical violation meets the threshold of 1.
func TestBanOrderCritical(t *testing.T) {
	store := newFakeStore()
	tr := &Tracker{Store: store, Thresholds: defaultThresholds()}
	err := tr.Record(context.Background(), model.AbuseRecord{UserID: 1, Reason: "compression_ratio", Severity: model.SeverityCritical})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	blocked, err := tr.ShouldBlock(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !blocked {
		t.Fatal("a single CRITICAL violation must trigger a ban (threshold=1)")
	}
}

// TestBanOrderHighBelowThreshold verifies a user stays unbanned until the
// HIGH threshold (3) is actually met.
func TestBanOrderHighBelowThreshold(t *testing.T) {
	store := newFakeStore()
	tr := &Tracker{Store: store, Thresholds: defaultThresholds()}
	for i := 0; i < 2; i++ {
		if err := tr.Record(context.Background(), model.AbuseRecord{UserID: 2, Severity: model.SeverityHigh}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	blocked, _ := tr.ShouldBlock(context.Background(), 2)
	if blocked {
		t.Fatal("2 HIGH violations must not yet trigger a ban (threshold=3)")
	}
	if err := tr.Record(context.Background(), model.AbuseRecord{UserID: 2, Severity: model.SeverityHigh}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	blocked, _ = tr.ShouldBlock(context.Background(), 2)
	if !blocked {
		t.Fatal("the 3rd HIGH violation must meet the threshold and trigger a ban")
	}
}

func TestBanOrderMediumAndLowIndependent(t *testing.T) {
	store := newFakeStore()
	tr := &Tracker{Store: store, Thresholds: defaultThresholds()}
	for i := 0; i < 9; i++ {
		tr.Record(context.Background(), model.AbuseRecord{UserID: 3, Severity: model.SeverityMedium})
	}
	if blocked, _ := tr.ShouldBlock(context.Background(), 3); blocked {
		t.Fatal("9 MEDIUM violations must not meet the threshold of 10")
	}
	tr.Record(context.Background(), model.AbuseRecord{UserID: 3, Severity: model.SeverityMedium})
	if blocked, _ := tr.ShouldBlock(context.Background(), 3); !blocked {
		t.Fatal("the 10th MEDIUM violation must trigger a ban")
	}
}

// TestBanReinstatesLiftedBan covers UpsertBan's documented "update_or_create"
// semantics: a fresh violation reinstates a previously-lifted ban.
func TestBanReinstatesLiftedBan(t *testing.T) {
	store := newFakeStore()
	tr := &Tracker{Store: store, Thresholds: defaultThresholds()}
	if err := tr.Record(context.Background(), model.AbuseRecord{UserID: 4, Severity: model.SeverityCritical}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.bans[4]; !ok {
		t.Fatal("ban row should exist after a critical violation")
	}
	// simulate the ban being lifted out of band
	delete(store.bans, 4)
	if err := tr.Record(context.Background(), model.AbuseRecord{UserID: 4, Severity: model.SeverityCritical}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.bans[4]; !ok {
		t.Fatal("a re-violation must reinstate the ban")
	}
}
