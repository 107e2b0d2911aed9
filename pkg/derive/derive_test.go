package derive

import (
	"context"
	"testing"

	"github.com/inkwell/collabd/pkg/model"
)

type fakeResolvers struct {
	pages map[string]int64
	files map[string]int64 // key is "projExtID/fileExtID"
	users map[string]int64
}

func (f *fakeResolvers) ResolvePageID(ctx context.Context, externalID string) (int64, bool, error) {
	id, ok := f.pages[externalID]
	return id, ok, nil
}

func (f *fakeResolvers) ResolveFileID(ctx context.Context, projectExternalID, fileExternalID string) (int64, bool, error) {
	id, ok := f.files[projectExternalID+"/"+fileExternalID]
	return id, ok, nil
}

func (f *fakeResolvers) ResolveUserID(ctx context.Context, externalID string) (int64, bool, error) {
	id, ok := f.users[externalID]
	return id, ok, nil
}

type fakeLinks struct {
	pageLinks    []model.PageLink
	fileLinks    []model.FileLink
	mentions     []model.PageMention
	syncCalls    int
}

func (f *fakeLinks) SyncPageLinks(ctx context.Context, sourcePageID int64, want []model.PageLink) (bool, error) {
	f.syncCalls++
	changed := !pageLinksEqual(f.pageLinks, want)
	f.pageLinks = want
	return changed, nil
}

func (f *fakeLinks) SyncFileLinks(ctx context.Context, sourcePageID int64, want []model.FileLink) (bool, error) {
	changed := !fileLinksEqual(f.fileLinks, want)
	f.fileLinks = want
	return changed, nil
}

func (f *fakeLinks) SyncPageMentions(ctx context.Context, sourcePageID int64, want []model.PageMention) (bool, error) {
	changed := !mentionsEqual(f.mentions, want)
	f.mentions = want
	return changed, nil
}

func pageLinksEqual(a, b []model.PageLink) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func fileLinksEqual(a, b []model.FileLink) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mentionsEqual(a, b []model.PageMention) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type fakeNotifier struct {
	notified []string
}

func (n *fakeNotifier) NotifyLinksUpdated(pageExternalID string) {
	n.notified = append(n.notified, pageExternalID)
}

type fakeEnqueuer struct {
	calls []string
}

func (e *fakeEnqueuer) EnqueueEmbedding(ctx context.Context, pageID int64, contentHash string) error {
	e.calls = append(e.calls, contentHash)
	return nil
}

func newDispatcher() (*Dispatcher, *fakeLinks, *fakeNotifier, *fakeEnqueuer) {
	resolvers := &fakeResolvers{
		pages: map[string]int64{"page-b": 2},
		files: map[string]int64{"proj1/11111111-1111-1111-1111-111111111111": 7},
		users: map[string]int64{"userx9": 9},
	}
	links := &fakeLinks{}
	notif := &fakeNotifier{}
	enq := &fakeEnqueuer{}
	d := &Dispatcher{
		Pages:      resolvers,
		Files:      resolvers,
		Users:      resolvers,
		Links:      links,
		Notifier:   notif,
		Embeddings: enq,
	}
	return d, links, notif, enq
}

const sampleText = "see [other](/pages/page-b) and [file](/files/proj1/11111111-1111-1111-1111-111111111111/tok123/) cc @[Bob](@userx9)"

// TestIdempotentDerivation is spec §8's "Idempotent derivation" property:
// running the dispatcher twice on identical text reports changed=false and
// writes nothing the second time.
func TestIdempotentDerivation(t *testing.T) {
	d, links, notif, enq := newDispatcher()
	if err := d.Run(context.Background(), 1, "page-a", sampleText); err != nil {
		t.Fatalf("first run: unexpected error: %v", err)
	}
	if len(notif.notified) != 1 {
		t.Fatalf("first run should notify links_updated once, got %d", len(notif.notified))
	}
	if len(links.pageLinks) != 1 || len(links.fileLinks) != 1 || len(links.mentions) != 1 {
		t.Fatalf("expected one of each link type, got %+v %+v %+v", links.pageLinks, links.fileLinks, links.mentions)
	}
	if len(enq.calls) != 1 {
		t.Fatalf("expected one embedding enqueue, got %d", len(enq.calls))
	}

	// Second run, identical text: nothing should change.
	if err := d.Run(context.Background(), 1, "page-a", sampleText); err != nil {
		t.Fatalf("second run: unexpected error: %v", err)
	}
	if len(notif.notified) != 1 {
		t.Fatalf("second run must not emit another links_updated notification, got %d total", len(notif.notified))
	}
	// Embedding enqueue is unconditional per-call (the worker does the
	// hash short-circuit, spec §4.F) but the hash itself must be identical.
	if len(enq.calls) != 2 || enq.calls[0] != enq.calls[1] {
		t.Fatalf("content hash must be stable across identical runs: %v", enq.calls)
	}
}

func TestUnknownTargetsSilentlyDropped(t *testing.T) {
	d, links, notif, _ := newDispatcher()
	text := "[ghost](/pages/does-not-exist) and @[Nobody](@does-not-exist) and [f](/files/proj1/not-a-uuid/tok/)"
	if err := d.Run(context.Background(), 1, "page-a", text); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(links.pageLinks) != 0 || len(links.fileLinks) != 0 || len(links.mentions) != 0 {
		t.Fatalf("unknown/invalid targets must be silently dropped, got %+v %+v %+v", links.pageLinks, links.fileLinks, links.mentions)
	}
	if len(notif.notified) != 0 {
		t.Fatal("no rows changed, so no notification should fire")
	}
}

func TestContentHashStableForIdenticalText(t *testing.T) {
	if ContentHash("hello") != ContentHash("hello") {
		t.Fatal("ContentHash must be deterministic")
	}
	if ContentHash("hello") == ContentHash("world") {
		t.Fatal("ContentHash must differ for different content")
	}
}
