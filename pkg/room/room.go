// Package room implements the per-document in-memory coordinator (spec
// §4.D): one goroutine per active page, owning the authoritative CRDT
// document, fanning out updates to every other connection, coalescing
// persistence, and scheduling quiescence work. It is the direct
// descendant of the teacher's pkg/search wsHub — same register/unregister
// channel pattern, generalized from "one hub for all search subscribers"
// to "one room per page, many short-lived rooms".
package room

import (
	"context"
	"time"

	"github.com/inkwell/collabd/internal/reqlog"
	"github.com/inkwell/collabd/pkg/crdtdoc"
	"github.com/inkwell/collabd/pkg/model"
)

// Persistence is the slice of pkg/store.Store a room needs. Accepting an
// interface here (rather than *store.Store) keeps room testable without a
// database.
type Persistence interface {
	AppendUpdate(ctx context.Context, roomID string, blob []byte) (int64, error)
	ListSince(ctx context.Context, roomID string, sinceID int64) ([]model.UpdateLogEntry, error)
	GetSnapshot(ctx context.Context, roomID string) (model.Snapshot, bool, error)
	PutSnapshot(ctx context.Context, roomID string, blob []byte, watermark int64) error
}

// Subscriber is a connection attached to a room. wsconn.Connection
// implements this; the room package never imports gorilla/websocket.
type Subscriber interface {
	// Send delivers a raw CRDT update frame to this connection. Must not
	// block the room's goroutine; implementations buffer internally (the
	// way wsConn.send is a buffered channel in the teacher).
	Send(update []byte)

	// Notify delivers a control-message frame (links_updated,
	// access_revoked, write_permission_revoked).
	Notify(frame []byte)
}

// QuiescenceFunc is invoked when a room goes idle with at least one
// applied update. It runs in its own goroutine so it never blocks new
// edits (spec §4.D step 3: "without blocking further edits").
type QuiescenceFunc func(ctx context.Context, pageExternalID, text string)

type joinRequest struct {
	sub    Subscriber
	respc  chan joinResult
}

type joinResult struct {
	initialSync []byte
	err         error
}

type applyRequest struct {
	from   Subscriber
	update []byte
}

// Room is one page's live coordinator. All exported behavior is reached
// through Registry; Room itself has no exported constructor.
type Room struct {
	id           string
	pageExtID    string
	persistence  Persistence
	onQuiescence QuiescenceFunc
	quiesceIdle  time.Duration
	logger       reqlog.Logger

	joinc    chan joinRequest
	leavec   chan Subscriber
	applyc   chan applyRequest
	notifyc  chan []byte
	stopc    chan struct{}

	// onStopped is invoked exactly once, after run() has fully exited, so
	// the registry can forget this room without racing a Leave call that
	// merely shrank its subscriber set (spec §4.D: the registry's lock only
	// guards join/leave of the map itself, not a room's own lifecycle
	// decision about when it is actually empty).
	onStopped func()

	// Owned exclusively by run().
	subs         map[Subscriber]bool
	doc          crdtdoc.Document
	lastUpdateID int64
	dirty        bool
}

func newRoom(ctx context.Context, id, pageExtID string, doc crdtdoc.Document, lastUpdateID int64, p Persistence, q QuiescenceFunc, quiesceIdle time.Duration, onStopped func()) *Room {
	r := &Room{
		id:           id,
		pageExtID:    pageExtID,
		persistence:  p,
		onQuiescence: q,
		quiesceIdle:  quiesceIdle,
		logger:       reqlog.New(ctx),
		joinc:        make(chan joinRequest),
		leavec:       make(chan Subscriber),
		applyc:       make(chan applyRequest, 64),
		notifyc:      make(chan []byte, 16),
		stopc:        make(chan struct{}),
		onStopped:    onStopped,
		subs:         make(map[Subscriber]bool),
		doc:          doc,
		lastUpdateID: lastUpdateID,
	}
	go r.run(ctx)
	return r
}

// Join attaches sub to the room and returns the full current CRDT state
// for the initial-sync frame (spec §6).
func (r *Room) Join(sub Subscriber) ([]byte, error) {
	respc := make(chan joinResult, 1)
	r.joinc <- joinRequest{sub: sub, respc: respc}
	res := <-respc
	return res.initialSync, res.err
}

// Leave detaches sub. Safe to call multiple times or after the room has
// already stopped.
func (r *Room) Leave(sub Subscriber) {
	select {
	case r.leavec <- sub:
	case <-r.stopc:
	}
}

// Apply submits an inbound CRDT update from sub for persistence and
// fan-out. The caller (wsconn) is responsible for dropping updates from
// read-only connections before calling this (spec §4.E).
func (r *Room) Apply(from Subscriber, update []byte) {
	select {
	case r.applyc <- applyRequest{from: from, update: update}:
	case <-r.stopc:
	}
}

// Broadcast sends a control frame (links_updated, access_revoked,
// write_permission_revoked) to every connection currently in the room.
func (r *Room) Broadcast(frame []byte) {
	select {
	case r.notifyc <- frame:
	case <-r.stopc:
	}
}

func (r *Room) run(ctx context.Context) {
	timer := time.NewTimer(r.quiesceIdle)
	if !timer.Stop() {
		<-timer.C
	}
	defer func() {
		close(r.stopc)
		if r.onStopped != nil {
			r.onStopped()
		}
	}()
	for {
		select {
		case jr := <-r.joinc:
			r.subs[jr.sub] = true
			jr.respc <- joinResult{initialSync: r.doc.Snapshot()}

		case sub := <-r.leavec:
			delete(r.subs, sub)
			if len(r.subs) == 0 {
				// spec §4.D: leaving an empty room schedules compaction and
				// quiescence immediately rather than waiting for the timer.
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				r.fireQuiescence(ctx)
				return
			}

		case ar := <-r.applyc:
			if err := r.doc.Apply(ar.update); err != nil {
				r.logger.Printf("room %s: dropping unapplicable update: %v", r.id, err)
				continue
			}
			id, err := r.persistence.AppendUpdate(ctx, r.id, ar.update)
			if err != nil {
				r.logger.Printf("room %s: append failed: %v", r.id, err)
				continue
			}
			r.lastUpdateID = id
			r.dirty = true
			for sub := range r.subs {
				if sub != ar.from {
					sub.Send(ar.update)
				}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.quiesceIdle)

		case frame := <-r.notifyc:
			for sub := range r.subs {
				sub.Notify(frame)
			}

		case <-timer.C:
			r.fireQuiescence(ctx)
			if len(r.subs) == 0 {
				return
			}
		}
	}
}

// fireQuiescence implements spec §4.D's quiescence handler: write a
// compacted snapshot (unless nothing was ever applied — the "empty
// snapshot" edge case), then hand the text to the derived-work dispatcher
// without blocking the room.
func (r *Room) fireQuiescence(ctx context.Context) {
	if !r.dirty {
		return
	}
	r.dirty = false
	blob := r.doc.Snapshot()
	watermark := r.lastUpdateID
	if err := r.persistence.PutSnapshot(ctx, r.id, blob, watermark); err != nil {
		r.logger.Printf("room %s: snapshot write failed: %v", r.id, err)
	}
	text := r.doc.Text()
	if r.onQuiescence != nil {
		go r.onQuiescence(ctx, r.pageExtID, text)
	}
}
