package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/inkwell/collabd/pkg/apierr"
	"github.com/inkwell/collabd/pkg/model"
)

const pageColumns = `id, external_id, project_id, creator_id, title, content, filetype, schema_version, deleted, access_code, parent_id, created_at, updated_at`

func scanPage(row interface{ Scan(dest ...interface{}) error }) (model.Page, error) {
	var p model.Page
	var accessCode sql.NullString
	err := row.Scan(&p.ID, &p.ExternalID, &p.ProjectID, &p.CreatorID, &p.Title,
		&p.Details.Content, &p.Details.FileType, &p.Details.SchemaVersion,
		&p.Deleted, &accessCode, &p.ParentID, &p.CreatedAt, &p.UpdatedAt)
	if accessCode.Valid {
		p.AccessCode = accessCode.String
	}
	return p, err
}

// Page fetches a page by internal id.
func (s *Store) Page(ctx context.Context, id int64) (model.Page, error) {
	p, err := scanPage(s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = $1`, id))
	if err != nil {
		return model.Page{}, fmt.Errorf("store: page: %w", err)
	}
	return p, nil
}

// PageByExternalID fetches a page by its public id.
func (s *Store) PageByExternalID(ctx context.Context, extID string) (model.Page, error) {
	p, err := scanPage(s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE external_id = $1`, extID))
	if err != nil {
		return model.Page{}, fmt.Errorf("store: page_by_external_id: %w", err)
	}
	return p, nil
}

// ResolvePageID implements pkg/derive's PageResolver: looks up a page's
// internal id by its external id, filtering out soft-deleted or
// nonexistent targets so a PageLink pass silently drops them rather than
// erroring (spec §4.F).
func (s *Store) ResolvePageID(ctx context.Context, externalID string) (id int64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM pages WHERE external_id = $1 AND deleted = false`, externalID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: resolve_page_id: %w", err)
	}
	return id, true, nil
}

// CreatePage implements create_page(user, project, title, details,
// copy_from?) (spec §4.G). If copyFromExtID is non-empty, the source page
// is resolved only within the same project; a source in another project,
// or a soft-deleted source, is treated as "not found" and the new page is
// created blank rather than erroring. Title always comes from the
// caller, never from the copy source.
func (s *Store) CreatePage(ctx context.Context, externalID string, projectID, creatorID int64, title string, details model.PageDetails, copyFromExtID string) (model.Page, error) {
	if len(details.Content) > model.MaxContentBytes {
		return model.Page{}, apierr.New(apierr.ContentTooLarge, "page content exceeds 10 MiB")
	}
	if copyFromExtID != "" {
		src, err := s.PageByExternalID(ctx, copyFromExtID)
		if err == nil && !src.Deleted && src.ProjectID == projectID {
			details = src.Details
		}
		// Any other outcome (not found, soft-deleted, wrong project):
		// fall through with the caller-supplied (blank) details.
	}
	p := model.Page{
		ExternalID: externalID,
		ProjectID:  projectID,
		CreatorID:  creatorID,
		Title:      title,
		Details:    details,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO pages (external_id, project_id, creator_id, title, content, filetype, schema_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at
	`, externalID, projectID, creatorID, title, details.Content, details.FileType, details.SchemaVersion,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return model.Page{}, fmt.Errorf("store: create_page: %w", err)
	}
	return p, nil
}

// SetPageParent records the parent/child relationship archive ingestion
// uses to preserve the source tree hierarchy (spec §4.H).
func (s *Store) SetPageParent(ctx context.Context, pageID, parentID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pages SET parent_id = $1 WHERE id = $2`, parentID, pageID)
	if err != nil {
		return fmt.Errorf("store: set_page_parent: %w", err)
	}
	return nil
}

// UpdateMode selects how new content combines with existing content in
// UpdatePage.
type UpdateMode string

const (
	ModeOverwrite UpdateMode = "overwrite"
	ModeAppend    UpdateMode = "append"
	ModePrepend   UpdateMode = "prepend"
)

// UpdatePage implements update_page(user, page, new_details, mode) (spec
// §4.G). Only the creator may call; mode defaults to ModeAppend. The
// caller is responsible for the creator check (authz.CanModifyPageMetadata)
// since this method has no principal to check against.
func (s *Store) UpdatePage(ctx context.Context, pageID int64, newContent string, mode UpdateMode) (model.Page, error) {
	if mode == "" {
		mode = ModeAppend
	}
	p, err := s.Page(ctx, pageID)
	if err != nil {
		return model.Page{}, err
	}
	var final string
	switch mode {
	case ModeOverwrite:
		final = newContent
	case ModePrepend:
		final = newContent + p.Details.Content
	default:
		final = p.Details.Content + newContent
	}
	if len(final) > model.MaxContentBytes {
		return model.Page{}, apierr.New(apierr.ContentTooLarge, "page content exceeds 10 MiB")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE pages SET content = $1, updated_at = now() WHERE id = $2`, final, pageID)
	if err != nil {
		return model.Page{}, fmt.Errorf("store: update_page: %w", err)
	}
	p.Details.Content = final
	return p, nil
}

// SoftDeletePage implements soft_delete_page (spec §4.G): flags the row
// and cascades to DeleteAll on the CRDT log/snapshot, atomically with the
// flag flip. Derived link/mention rows are left as orphans, filtered out
// by listing queries that join on is_deleted = false, per spec.
func (s *Store) SoftDeletePage(ctx context.Context, pageID int64) error {
	p, err := s.Page(ctx, pageID)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: soft_delete_page begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE pages SET deleted = true, updated_at = now() WHERE id = $1`, pageID); err != nil {
		return fmt.Errorf("store: soft_delete_page flag: %w", err)
	}
	roomID := model.RoomID(p.ExternalID)
	if _, err := tx.ExecContext(ctx, `DELETE FROM update_log WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("store: soft_delete_page updates: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("store: soft_delete_page snapshot: %w", err)
	}
	return tx.Commit()
}

// AccessiblePages returns every non-deleted page in projects userID can
// access, the page-level counterpart of AccessibleProjects (spec §9).
func (s *Store) AccessiblePages(ctx context.Context, userID int64) ([]model.Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT `+prefixed("pg", pageColumns)+`
		FROM pages pg
		JOIN projects p ON p.id = pg.project_id AND p.deleted = false
		LEFT JOIN org_members om ON om.org_id = p.org_id AND om.user_id = $1
		LEFT JOIN project_editors pe ON pe.project_id = p.id AND pe.user_id = $1
		WHERE pg.deleted = false
		  AND ((p.org_members_can_access AND om.user_id IS NOT NULL) OR pe.user_id IS NOT NULL)
		ORDER BY pg.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: accessible_pages: %w", err)
	}
	defer rows.Close()
	var out []model.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: accessible_pages scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
