// Package derive implements the derived-work dispatcher (spec §4.F):
// three idempotent passes over a page's plain text that extract
// PageLink, PageMention, and FileLink rows via the canonical regex
// grammars (spec §6), diff them against what is persisted, and fan out a
// links_updated notification when anything changed.
package derive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sync"

	"github.com/inkwell/collabd/pkg/model"
	"golang.org/x/sync/errgroup"
)

// pageLinkRE matches `[text](/pages/{page_id})`.
var pageLinkRE = regexp.MustCompile(`\[([^\]]+)\]\(/pages/([a-zA-Z0-9_-]+)\)`)

// fileLinkRE matches `[text]((scheme://host)?/files/{project_id}/{file_id}/{token}/)`,
// capture 2 = project id, capture 3 = file id.
var fileLinkRE = regexp.MustCompile(`\[([^\]]+)\]\((?:https?://[^/]+)?/files/([a-zA-Z0-9]+)/([a-zA-Z0-9-]+)/[a-zA-Z0-9_-]+/?\)`)

// userMentionRE matches `@[display](@{user_external_id})`.
var userMentionRE = regexp.MustCompile(`@\[([^\]]+)\]\(@([a-zA-Z0-9]+)\)`)

// uuidRE recognizes a UUID-formatted file id (spec §4.F: "entries with a
// non-UUID file id are skipped, not an error").
var uuidRE = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// PageResolver resolves a page's external id to its internal id, filtering
// out soft-deleted or nonexistent targets.
type PageResolver interface {
	ResolvePageID(ctx context.Context, externalID string) (id int64, ok bool, err error)
}

// FileResolver resolves a (project external id, file external id) pair to
// the file's internal id.
type FileResolver interface {
	ResolveFileID(ctx context.Context, projectExternalID, fileExternalID string) (id int64, ok bool, err error)
}

// UserResolver resolves a user's external id to their internal id.
type UserResolver interface {
	ResolveUserID(ctx context.Context, externalID string) (id int64, ok bool, err error)
}

// Links is the store slice derive needs: sync operations that diff
// against the persisted set and report whether anything changed.
type Links interface {
	SyncPageLinks(ctx context.Context, sourcePageID int64, want []model.PageLink) (bool, error)
	SyncFileLinks(ctx context.Context, sourcePageID int64, want []model.FileLink) (bool, error)
	SyncPageMentions(ctx context.Context, sourcePageID int64, want []model.PageMention) (bool, error)
}

// Notifier delivers a links_updated frame to a room's connected clients.
type Notifier interface {
	NotifyLinksUpdated(pageExternalID string)
}

// EmbeddingEnqueuer enqueues the content-hash-keyed embedding recompute
// job (spec §4.F's final step).
type EmbeddingEnqueuer interface {
	EnqueueEmbedding(ctx context.Context, pageID int64, contentHash string) error
}

// Dispatcher runs the three derivation passes for one page and enqueues
// the embedding job. It is invoked by a room's quiescence handler and
// must never block further edits — callers run it in its own goroutine.
type Dispatcher struct {
	Pages      PageResolver
	Files      FileResolver
	Users      UserResolver
	Links      Links
	Notifier   Notifier
	Embeddings EmbeddingEnqueuer
}

// Run implements spec §4.F in full: parse, diff, sync (idempotent), and
// enqueue. The three passes touch disjoint link tables and share nothing
// but the result-accumulation below, so they run concurrently via
// errgroup rather than one after another — the page-link resolver
// round-tripping to the store is the dominant cost, and three independent
// round-trips in flight beat three in sequence. Errors from any single
// pass are logged by the caller via the returned error; per spec §7
// ("derived-work errors are logged and swallowed"), the room's quiescence
// handler does not propagate failures back into the edit path — it only
// logs what Run returns.
func (d *Dispatcher) Run(ctx context.Context, pageID int64, pageExternalID, text string) error {
	var (
		mu         sync.Mutex
		anyChanged bool
	)
	mark := func(changed bool) {
		if changed {
			mu.Lock()
			anyChanged = true
			mu.Unlock()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pageLinks, err := d.resolvePageLinks(ctx, pageID, text)
		if err != nil {
			return err
		}
		changed, err := d.Links.SyncPageLinks(ctx, pageID, pageLinks)
		if err != nil {
			return err
		}
		mark(changed)
		return nil
	})
	g.Go(func() error {
		fileLinks, err := d.resolveFileLinks(ctx, pageID, text)
		if err != nil {
			return err
		}
		changed, err := d.Links.SyncFileLinks(ctx, pageID, fileLinks)
		if err != nil {
			return err
		}
		mark(changed)
		return nil
	})
	g.Go(func() error {
		mentions, err := d.resolveMentions(ctx, pageID, text)
		if err != nil {
			return err
		}
		changed, err := d.Links.SyncPageMentions(ctx, pageID, mentions)
		if err != nil {
			return err
		}
		mark(changed)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if anyChanged && d.Notifier != nil {
		d.Notifier.NotifyLinksUpdated(pageExternalID)
	}

	if d.Embeddings != nil {
		hash := ContentHash(text)
		if err := d.Embeddings.EnqueueEmbedding(ctx, pageID, hash); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) resolvePageLinks(ctx context.Context, pageID int64, text string) ([]model.PageLink, error) {
	var out []model.PageLink
	for _, m := range pageLinkRE.FindAllStringSubmatch(text, -1) {
		linkText, targetExtID := m[1], m[2]
		targetID, ok, err := d.Pages.ResolvePageID(ctx, targetExtID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // unknown or soft-deleted target: silently dropped
		}
		out = append(out, model.PageLink{SourcePageID: pageID, TargetPageID: targetID, LinkText: linkText})
	}
	return out, nil
}

func (d *Dispatcher) resolveFileLinks(ctx context.Context, pageID int64, text string) ([]model.FileLink, error) {
	var out []model.FileLink
	for _, m := range fileLinkRE.FindAllStringSubmatch(text, -1) {
		linkText, projectExtID, fileExtID := m[1], m[2], m[3]
		if !uuidRE.MatchString(fileExtID) {
			continue // non-UUID file id: skipped, not an error
		}
		targetID, ok, err := d.Files.ResolveFileID(ctx, projectExtID, fileExtID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, model.FileLink{SourcePageID: pageID, TargetFileID: targetID, LinkText: linkText})
	}
	return out, nil
}

func (d *Dispatcher) resolveMentions(ctx context.Context, pageID int64, text string) ([]model.PageMention, error) {
	var out []model.PageMention
	for _, m := range userMentionRE.FindAllStringSubmatch(text, -1) {
		userExtID := m[2]
		userID, ok, err := d.Users.ResolveUserID(ctx, userExtID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // unknown user: silently dropped
		}
		out = append(out, model.PageMention{SourcePageID: pageID, MentionedUserID: userID})
	}
	return out, nil
}

// ContentHash is the short-circuit key the embedding worker compares
// against the last computed hash (spec §4.F, §8 scenario 6).
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
