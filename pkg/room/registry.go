package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inkwell/collabd/pkg/crdtdoc"
	"github.com/inkwell/collabd/pkg/model"
)

// Registry is the process-wide room_id -> room mapping (spec §4.D),
// protected by a single fine-grained lock for join/leave so the two
// operations never race each other.
type Registry struct {
	mu           sync.Mutex
	rooms        map[string]*Room
	persistence  Persistence
	factory      crdtdoc.Factory
	loadSnapshot crdtdoc.LoadSnapshotFunc
	onQuiescence QuiescenceFunc
	quiesceIdle  time.Duration
}

// New returns an empty Registry whose rooms always use the package-level
// RGA document (crdtdoc.Default and crdtdoc.DefaultLoadSnapshot).
func New(p Persistence, onQuiescence QuiescenceFunc, quiesceIdle time.Duration) *Registry {
	return &Registry{
		rooms:        make(map[string]*Room),
		persistence:  p,
		factory:      crdtdoc.Default,
		loadSnapshot: crdtdoc.DefaultLoadSnapshot,
		onQuiescence: onQuiescence,
		quiesceIdle:  quiesceIdle,
	}
}

// Join implements spec §4.D's "joining a room" sequence: if the room does
// not yet exist, load the snapshot, replay updates since the watermark
// into a fresh document, and register it; then attach sub and return the
// initial-sync payload.
func (reg *Registry) Join(ctx context.Context, pageExternalID string, sub Subscriber) ([]byte, error) {
	roomID := model.RoomID(pageExternalID)

	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if !ok {
		var err error
		r, err = reg.load(ctx, roomID, pageExternalID)
		if err != nil {
			reg.mu.Unlock()
			return nil, err
		}
		reg.rooms[roomID] = r
	}
	reg.mu.Unlock()

	return r.Join(sub)
}

// Leave detaches sub from pageExternalID's room, if it is currently
// registered. The room itself decides, under its own goroutine, whether
// becoming empty means it should tear down; the registry only forgets the
// room once its onStopped callback fires, so a Leave call that merely
// shrinks a multi-connection room's subscriber set never evicts a room
// that is still serving other connections.
func (reg *Registry) Leave(pageExternalID string, sub Subscriber) {
	roomID := model.RoomID(pageExternalID)
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	if ok {
		r.Leave(sub)
	}
}

// Room returns the live room for pageExternalID, if one is currently
// registered — used by derived-work and revocation broadcasts that need
// to reach connected clients without themselves joining.
func (reg *Registry) Room(pageExternalID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[model.RoomID(pageExternalID)]
	return r, ok
}

func (reg *Registry) load(ctx context.Context, roomID, pageExternalID string) (*Room, error) {
	snap, ok, err := reg.persistence.GetSnapshot(ctx, roomID)
	var doc crdtdoc.Document
	var watermark int64
	if ok {
		doc, err = reg.loadSnapshot(snap.Blob)
		if err != nil {
			return nil, fmt.Errorf("room: decoding snapshot for %s: %w", roomID, err)
		}
		watermark = snap.LastUpdateID
	} else if err != nil {
		return nil, fmt.Errorf("room: loading snapshot for %s: %w", roomID, err)
	} else {
		doc = reg.factory()
	}

	updates, err := reg.persistence.ListSince(ctx, roomID, watermark)
	if err != nil {
		return nil, fmt.Errorf("room: replaying updates for %s: %w", roomID, err)
	}
	for _, u := range updates {
		if err := doc.Apply(u.Blob); err != nil {
			return nil, fmt.Errorf("room: replaying update %d for %s: %w", u.ID, roomID, err)
		}
		watermark = u.ID
	}

	r := newRoom(ctx, roomID, pageExternalID, doc, watermark, reg.persistence, reg.onQuiescence, reg.quiesceIdle, nil)
	r.onStopped = func() {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		// Only remove the entry if it still points at this exact room
		// instance: a fresh Join may have already raced in, loaded, and
		// registered a new room under the same id after this one decided
		// to tear down but before this callback ran.
		if current, ok := reg.rooms[roomID]; ok && current == r {
			delete(reg.rooms, roomID)
		}
	}
	return r, nil
}
