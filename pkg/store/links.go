package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/inkwell/collabd/pkg/model"
)

// SyncPageLinks diffs want against the currently persisted PageLink rows
// for sourcePageID and issues the minimal add/remove within one
// transaction (spec §4.F step 5). Returns changed=false and writes
// nothing if the sets are already equal — the idempotence the derived-work
// dispatcher depends on.
func (s *Store) SyncPageLinks(ctx context.Context, sourcePageID int64, want []model.PageLink) (changed bool, err error) {
	current, err := s.currentPageLinks(ctx, sourcePageID)
	if err != nil {
		return false, err
	}
	toAdd, toRemove := diffPageLinks(current, want)
	if len(toAdd) == 0 && len(toRemove) == 0 {
		return false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: sync_page_links begin: %w", err)
	}
	defer tx.Rollback()
	for _, l := range toRemove {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM page_links WHERE source_page_id=$1 AND target_page_id=$2 AND link_text=$3`,
			l.SourcePageID, l.TargetPageID, l.LinkText); err != nil {
			return false, fmt.Errorf("store: sync_page_links delete: %w", err)
		}
	}
	for _, l := range toAdd {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO page_links (source_page_id, target_page_id, link_text) VALUES ($1, $2, $3)
			ON CONFLICT (source_page_id, target_page_id, link_text) DO NOTHING
		`, l.SourcePageID, l.TargetPageID, l.LinkText); err != nil {
			return false, fmt.Errorf("store: sync_page_links insert: %w", err)
		}
	}
	return true, tx.Commit()
}

func (s *Store) currentPageLinks(ctx context.Context, sourcePageID int64) ([]model.PageLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_page_id, target_page_id, link_text FROM page_links WHERE source_page_id = $1`, sourcePageID)
	if err != nil {
		return nil, fmt.Errorf("store: current_page_links: %w", err)
	}
	defer rows.Close()
	var out []model.PageLink
	for rows.Next() {
		var l model.PageLink
		if err := rows.Scan(&l.SourcePageID, &l.TargetPageID, &l.LinkText); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func diffPageLinks(current, want []model.PageLink) (toAdd, toRemove []model.PageLink) {
	key := func(l model.PageLink) string { return fmt.Sprintf("%d|%d|%s", l.SourcePageID, l.TargetPageID, l.LinkText) }
	curSet := make(map[string]model.PageLink, len(current))
	for _, l := range current {
		curSet[key(l)] = l
	}
	wantSet := make(map[string]model.PageLink, len(want))
	for _, l := range want {
		wantSet[key(l)] = l
	}
	for k, l := range wantSet {
		if _, ok := curSet[k]; !ok {
			toAdd = append(toAdd, l)
		}
	}
	for k, l := range curSet {
		if _, ok := wantSet[k]; !ok {
			toRemove = append(toRemove, l)
		}
	}
	return toAdd, toRemove
}

// SyncFileLinks is FileLink's counterpart of SyncPageLinks.
func (s *Store) SyncFileLinks(ctx context.Context, sourcePageID int64, want []model.FileLink) (changed bool, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_page_id, target_file_id, link_text FROM file_links WHERE source_page_id = $1`, sourcePageID)
	if err != nil {
		return false, fmt.Errorf("store: sync_file_links current: %w", err)
	}
	var current []model.FileLink
	for rows.Next() {
		var l model.FileLink
		if err := rows.Scan(&l.SourcePageID, &l.TargetFileID, &l.LinkText); err != nil {
			rows.Close()
			return false, err
		}
		current = append(current, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	key := func(l model.FileLink) string { return fmt.Sprintf("%d|%d|%s", l.SourcePageID, l.TargetFileID, l.LinkText) }
	curSet := make(map[string]model.FileLink, len(current))
	for _, l := range current {
		curSet[key(l)] = l
	}
	wantSet := make(map[string]model.FileLink, len(want))
	for _, l := range want {
		wantSet[key(l)] = l
	}
	var toAdd, toRemove []model.FileLink
	for k, l := range wantSet {
		if _, ok := curSet[k]; !ok {
			toAdd = append(toAdd, l)
		}
	}
	for k, l := range curSet {
		if _, ok := wantSet[k]; !ok {
			toRemove = append(toRemove, l)
		}
	}
	if len(toAdd) == 0 && len(toRemove) == 0 {
		return false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: sync_file_links begin: %w", err)
	}
	defer tx.Rollback()
	for _, l := range toRemove {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM file_links WHERE source_page_id=$1 AND target_file_id=$2 AND link_text=$3`,
			l.SourcePageID, l.TargetFileID, l.LinkText); err != nil {
			return false, err
		}
	}
	for _, l := range toAdd {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_links (source_page_id, target_file_id, link_text) VALUES ($1, $2, $3)
			ON CONFLICT (source_page_id, target_file_id, link_text) DO NOTHING
		`, l.SourcePageID, l.TargetFileID, l.LinkText); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// SyncPageMentions is PageMention's counterpart of SyncPageLinks.
func (s *Store) SyncPageMentions(ctx context.Context, sourcePageID int64, want []model.PageMention) (changed bool, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_page_id, mentioned_user_id FROM page_mentions WHERE source_page_id = $1`, sourcePageID)
	if err != nil {
		return false, fmt.Errorf("store: sync_page_mentions current: %w", err)
	}
	var current []model.PageMention
	for rows.Next() {
		var m model.PageMention
		if err := rows.Scan(&m.SourcePageID, &m.MentionedUserID); err != nil {
			rows.Close()
			return false, err
		}
		current = append(current, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	curSet := make(map[int64]bool, len(current))
	for _, m := range current {
		curSet[m.MentionedUserID] = true
	}
	wantSet := make(map[int64]bool, len(want))
	for _, m := range want {
		wantSet[m.MentionedUserID] = true
	}
	var toAdd, toRemove []int64
	for uid := range wantSet {
		if !curSet[uid] {
			toAdd = append(toAdd, uid)
		}
	}
	for uid := range curSet {
		if !wantSet[uid] {
			toRemove = append(toRemove, uid)
		}
	}
	if len(toAdd) == 0 && len(toRemove) == 0 {
		return false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: sync_page_mentions begin: %w", err)
	}
	defer tx.Rollback()
	for _, uid := range toRemove {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM page_mentions WHERE source_page_id=$1 AND mentioned_user_id=$2`, sourcePageID, uid); err != nil {
			return false, err
		}
	}
	for _, uid := range toAdd {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO page_mentions (source_page_id, mentioned_user_id) VALUES ($1, $2)
			ON CONFLICT (source_page_id, mentioned_user_id) DO NOTHING
		`, sourcePageID, uid); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// PageLinksFor returns the outgoing and incoming page references for
// pageID (GET /api/pages/{id}/links/, spec §6). Links whose other end is a
// soft-deleted page are left out.
func (s *Store) PageLinksFor(ctx context.Context, pageID int64) (outgoing, incoming []model.PageLink, err error) {
	o, err := s.db.QueryContext(ctx, `SELECT l.source_page_id, l.target_page_id, l.link_text FROM page_links l
		JOIN pages t ON t.id = l.target_page_id AND t.deleted = false WHERE l.source_page_id = $1`, pageID)
	if err != nil {
		return nil, nil, err
	}
	defer o.Close()
	for o.Next() {
		var l model.PageLink
		if err := o.Scan(&l.SourcePageID, &l.TargetPageID, &l.LinkText); err != nil {
			return nil, nil, err
		}
		outgoing = append(outgoing, l)
	}
	i, err := s.db.QueryContext(ctx, `SELECT l.source_page_id, l.target_page_id, l.link_text FROM page_links l
		JOIN pages src ON src.id = l.source_page_id AND src.deleted = false WHERE l.target_page_id = $1`, pageID)
	if err != nil {
		return nil, nil, err
	}
	defer i.Close()
	for i.Next() {
		var l model.PageLink
		if err := i.Scan(&l.SourcePageID, &l.TargetPageID, &l.LinkText); err != nil {
			return nil, nil, err
		}
		incoming = append(incoming, l)
	}
	return outgoing, incoming, nil
}

// PutEmbedding stores the page's embedding vector and the content hash it
// was computed from, used by the embedding worker's short-circuit check
// (spec §4.F, testable property "embedding derivation is
// hash-short-circuited").
func (s *Store) PutEmbedding(ctx context.Context, pageID int64, contentHash string, vector []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO page_embeddings (page_id, content_hash, vector, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (page_id) DO UPDATE SET content_hash = $2, vector = $3, updated_at = now()
	`, pageID, contentHash, vector)
	return err
}

// EmbeddingContentHash returns the content hash the last stored embedding
// for pageID was computed from, and whether one exists at all.
func (s *Store) EmbeddingContentHash(ctx context.Context, pageID int64) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT content_hash FROM page_embeddings WHERE page_id = $1`, pageID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: embedding_content_hash: %w", err)
	}
	return hash, true, nil
}
