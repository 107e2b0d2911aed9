// Package crdtdoc defines the CRDT document interface the room registry
// relays updates through (spec §4.D), and a default sequence-CRDT (RGA)
// implementation. The core treats updates as opaque binary blobs on the
// wire — it never needs to interpret them to relay or persist them — but
// it does need to apply them to maintain the authoritative in-memory
// document and to extract plain text for the derived-work dispatcher
// (spec §4.F), so a real implementation lives here rather than a stub.
package crdtdoc

import "fmt"

// Document is the authoritative CRDT state for one room. A room task owns
// exactly one Document and serializes all access to it (spec §5).
type Document interface {
	// Apply applies a single update blob, as received from a client or
	// replayed from the update log. Applying the same update twice must
	// be a no-op (CRDT ops are idempotent by construction).
	Apply(update []byte) error

	// Text returns the document's current plain-text content.
	Text() string

	// Snapshot encodes the full current state for persistence
	// (pkg/store.PutSnapshot). It is never called on a document that has
	// applied zero updates — callers must check that separately (spec
	// §4.D's "empty snapshot" edge case).
	Snapshot() []byte
}

// Factory constructs a fresh, empty Document for a new room.
type Factory func() Document

// LoadSnapshotFunc constructs a Document from a previously encoded snapshot.
type LoadSnapshotFunc func(snapshot []byte) (Document, error)

// Default is the factory used when no other is configured: an empty
// RGA-based document. Element ids come from the site ids carried in the
// updates applied to it; the document itself has no replica id.
func Default() Document {
	return newRGADocument()
}

// DefaultLoadSnapshot decodes a Document previously produced by an RGA
// Document's Snapshot method.
func DefaultLoadSnapshot(snapshot []byte) (Document, error) {
	doc, err := decodeRGASnapshot(snapshot)
	if err != nil {
		return nil, fmt.Errorf("crdtdoc: decoding snapshot: %w", err)
	}
	return doc, nil
}
