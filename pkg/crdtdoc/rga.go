package crdtdoc

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
)

// elemID uniquely identifies one inserted character, across all replicas.
type elemID struct {
	Site    string
	Counter uint64
}

var zeroID elemID

func idGreater(a, b elemID) bool {
	if a.Site != b.Site {
		return a.Site > b.Site
	}
	return a.Counter > b.Counter
}

type opKind byte

const (
	opInsert opKind = 'I'
	opDelete opKind = 'D'
)

// Op is a single RGA mutation: insert a character after a given element,
// or delete a previously inserted one. A wire update blob is a
// gob-encoded []Op.
type Op struct {
	Kind  opKind
	ID    elemID
	After elemID
	Char  rune
}

type element struct {
	ID      elemID
	After   elemID
	Char    rune
	Deleted bool
}

// rgaDocument is the default Document implementation: a Replicated Growable
// Array. Content duplication hazard (spec §4.E): two independently built
// documents that look alike on screen have different element ids, so
// merging concatenates rather than deduplicates — by design, documented at
// the wire boundary, not something this type tries to paper over.
type rgaDocument struct {
	mu    sync.Mutex
	elems []element
	index map[elemID]int // id -> position in elems; rebuilt after each insert
}

func newRGADocument() *rgaDocument {
	return &rgaDocument{index: make(map[elemID]int)}
}

func (d *rgaDocument) Apply(update []byte) error {
	var ops []Op
	if err := gobDecode(update, &ops); err != nil {
		return fmt.Errorf("crdtdoc: decoding update: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case opInsert:
			d.insertLocked(op.ID, op.After, op.Char)
		case opDelete:
			if i, ok := d.index[op.ID]; ok {
				d.elems[i].Deleted = true
			}
		}
	}
	return nil
}

// insertLocked inserts a new element, tie-breaking concurrent inserts at
// the same position by element id (higher id sorts first), the standard
// RGA convergence rule. Idempotent: inserting the same id twice is a
// no-op.
func (d *rgaDocument) insertLocked(id, after elemID, ch rune) {
	if _, exists := d.index[id]; exists {
		return
	}
	pos := 0
	if after != zeroID {
		ai, ok := d.index[after]
		if !ok {
			// Causal predecessor not yet seen (out-of-order delivery); best
			// effort, append at the end rather than drop the character.
			pos = len(d.elems)
		} else {
			pos = ai + 1
		}
	}
	for pos < len(d.elems) && d.elems[pos].After == after && idGreater(d.elems[pos].ID, id) {
		// Skip the greater sibling together with its whole subtree, which
		// sits contiguously right after it.
		skipped := map[elemID]bool{d.elems[pos].ID: true}
		pos++
		for pos < len(d.elems) && skipped[d.elems[pos].After] {
			skipped[d.elems[pos].ID] = true
			pos++
		}
	}
	d.elems = append(d.elems, element{})
	copy(d.elems[pos+1:], d.elems[pos:])
	d.elems[pos] = element{ID: id, After: after, Char: ch}
	d.rebuildIndexLocked()
}

func (d *rgaDocument) rebuildIndexLocked() {
	for i, e := range d.elems {
		d.index[e.ID] = i
	}
}

func (d *rgaDocument) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b []rune
	for _, e := range d.elems {
		if !e.Deleted {
			b = append(b, e.Char)
		}
	}
	return string(b)
}

func (d *rgaDocument) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, err := gobEncode(d.elems)
	if err != nil {
		// gob-encoding a slice of plain structs cannot fail; a panic here
		// would indicate memory corruption, not a recoverable condition.
		panic("crdtdoc: encoding snapshot: " + err.Error())
	}
	return buf
}

func decodeRGASnapshot(snapshot []byte) (Document, error) {
	var elems []element
	if err := gobDecode(snapshot, &elems); err != nil {
		return nil, err
	}
	d := newRGADocument()
	d.elems = elems
	d.rebuildIndexLocked()
	return d, nil
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Seed returns an update blob that inserts text in full, as a sequence of
// appends by a synthetic replica siteID. Archive ingestion uses this to
// give a freshly created page at least one non-empty update before
// quiescence handling fires (spec §3 invariant: "the persisted snapshot is
// never empty for a page that has ever had content").
func Seed(siteID, text string) []byte {
	var ops []Op
	prev := zeroID
	var counter uint64
	for _, ch := range text {
		counter++
		id := elemID{Site: siteID, Counter: counter}
		ops = append(ops, Op{Kind: opInsert, ID: id, After: prev, Char: ch})
		prev = id
	}
	buf, err := gobEncode(ops)
	if err != nil {
		panic("crdtdoc: encoding seed update: " + err.Error())
	}
	return buf
}
