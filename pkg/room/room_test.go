package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/inkwell/collabd/pkg/crdtdoc"
	"github.com/inkwell/collabd/pkg/model"
)

type fakePersistence struct {
	mu        sync.Mutex
	nextID    int64
	entries   map[string][]model.UpdateLogEntry
	snapshots map[string]model.Snapshot
	putCalls  int
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		entries:   make(map[string][]model.UpdateLogEntry),
		snapshots: make(map[string]model.Snapshot),
	}
}

func (p *fakePersistence) AppendUpdate(ctx context.Context, roomID string, blob []byte) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.entries[roomID] = append(p.entries[roomID], model.UpdateLogEntry{ID: id, RoomID: roomID, Blob: blob})
	return id, nil
}

func (p *fakePersistence) ListSince(ctx context.Context, roomID string, sinceID int64) ([]model.UpdateLogEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.UpdateLogEntry
	for _, e := range p.entries[roomID] {
		if e.ID > sinceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (p *fakePersistence) GetSnapshot(ctx context.Context, roomID string) (model.Snapshot, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.snapshots[roomID]
	return s, ok, nil
}

func (p *fakePersistence) PutSnapshot(ctx context.Context, roomID string, blob []byte, watermark int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.putCalls++
	p.snapshots[roomID] = model.Snapshot{RoomID: roomID, Blob: blob, LastUpdateID: watermark}
	return nil
}

type fakeSub struct {
	mu       sync.Mutex
	received [][]byte
	notified [][]byte
}

func (s *fakeSub) Send(update []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, update)
}

func (s *fakeSub) Notify(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, frame)
}

func (s *fakeSub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// TestAppendMonotonicity is spec §8's "Append monotonicity" property: the
// sequence of ids returned by successive appends to a room is strictly
// increasing.
func TestAppendMonotonicity(t *testing.T) {
	p := newFakePersistence()
	var lastID int64
	for i := 0; i < 50; i++ {
		id, err := p.AppendUpdate(context.Background(), "page_x", []byte("u"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id <= lastID {
			t.Fatalf("append id %d did not increase past %d", id, lastID)
		}
		lastID = id
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// TestFanOutNeverEchoesSender is spec §8 scenario 1: a CRDT update from
// one connection is relayed to every other connection in the room, never
// back to the sender.
func TestFanOutNeverEchoesSender(t *testing.T) {
	p := newFakePersistence()
	var quiesced []string
	var mu sync.Mutex
	onQuiescence := func(ctx context.Context, pageExtID, text string) {
		mu.Lock()
		quiesced = append(quiesced, text)
		mu.Unlock()
	}

	doc := crdtdoc.Default()
	r := newRoom(context.Background(), "page_P", "P", doc, 0, p, onQuiescence, 50*time.Millisecond, nil)

	a := &fakeSub{}
	b := &fakeSub{}
	if _, err := r.Join(a); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := r.Join(b); err != nil {
		t.Fatalf("join b: %v", err)
	}

	update := crdtdoc.Seed("site-a", "hello")
	r.Apply(a, update)

	waitFor(t, func() bool { return b.count() == 1 })
	if a.count() != 0 {
		t.Fatalf("sender must never receive its own update echoed back, got %d", a.count())
	}

	entries, err := p.ListSince(context.Background(), "page_P", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one persisted entry, got %d", len(entries))
	}

	r.Leave(a)
	r.Leave(b)
}

// TestQuiescenceWritesAtMostOneSnapshotPerIdlePeriod is spec §8's
// quiescence property: two updates arriving within the idle window reset
// the timer, so only one snapshot write happens once things go idle.
func TestQuiescenceWritesAtMostOneSnapshotPerIdlePeriod(t *testing.T) {
	p := newFakePersistence()
	done := make(chan struct{}, 1)
	onQuiescence := func(ctx context.Context, pageExtID, text string) {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	doc := crdtdoc.Default()
	r := newRoom(context.Background(), "page_Q", "Q", doc, 0, p, onQuiescence, 40*time.Millisecond, nil)
	a := &fakeSub{}
	if _, err := r.Join(a); err != nil {
		t.Fatalf("join: %v", err)
	}

	r.Apply(a, crdtdoc.Seed("site-a", "h"))
	time.Sleep(20 * time.Millisecond) // less than the idle window
	r.Apply(a, crdtdoc.Seed("site-a", "i"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("quiescence handler never fired")
	}

	p.mu.Lock()
	puts := p.putCalls
	p.mu.Unlock()
	if puts != 1 {
		t.Fatalf("expected exactly one snapshot write for one idle period, got %d", puts)
	}
	r.Leave(a)
}

// TestEmptyRoomNeverWritesDegenerateSnapshot is spec §4.D's documented edge
// case: a room that never observed a real update must not write a
// snapshot when it goes quiescent.
func TestEmptyRoomNeverWritesDegenerateSnapshot(t *testing.T) {
	p := newFakePersistence()
	doc := crdtdoc.Default()
	stopped := make(chan struct{})
	r := newRoom(context.Background(), "page_E", "E", doc, 0, p, nil, 20*time.Millisecond, func() { close(stopped) })
	a := &fakeSub{}
	if _, err := r.Join(a); err != nil {
		t.Fatalf("join: %v", err)
	}
	r.Leave(a) // empty room: quiescence fires immediately, not on the timer

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("room never stopped after its last subscriber left")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.putCalls != 0 {
		t.Fatalf("a room with no applied updates must never write a snapshot, got %d writes", p.putCalls)
	}
}
