package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/inkwell/collabd/pkg/model"
)

const fileColumns = `id, external_id, access_token, project_id, uploader_id, status, content_type, size_bytes, deleted, created_at`

func scanFile(row interface{ Scan(dest ...interface{}) error }) (model.FileUpload, error) {
	var f model.FileUpload
	err := row.Scan(&f.ID, &f.ExternalID, &f.AccessToken, &f.ProjectID, &f.UploaderID, &f.Status, &f.ContentType, &f.SizeBytes, &f.Deleted, &f.CreatedAt)
	return f, err
}

// CreateFile records a pending upload (POST /api/files/, spec §6).
func (s *Store) CreateFile(ctx context.Context, externalID, accessToken string, projectID, uploaderID int64, contentType string, sizeBytes int64) (model.FileUpload, error) {
	f := model.FileUpload{
		ExternalID:  externalID,
		AccessToken: accessToken,
		ProjectID:   projectID,
		UploaderID:  uploaderID,
		Status:      model.FileStatusPendingURL,
		ContentType: contentType,
		SizeBytes:   sizeBytes,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO files (external_id, access_token, project_id, uploader_id, status, content_type, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at
	`, externalID, accessToken, projectID, uploaderID, f.Status, contentType, sizeBytes).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return model.FileUpload{}, fmt.Errorf("store: create_file: %w", err)
	}
	return f, nil
}

// File fetches a file by internal id.
func (s *Store) File(ctx context.Context, id int64) (model.FileUpload, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if err != nil {
		return model.FileUpload{}, fmt.Errorf("store: file: %w", err)
	}
	return f, nil
}

// FileByExternalID fetches a file by its public id.
func (s *Store) FileByExternalID(ctx context.Context, extID string) (model.FileUpload, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE external_id = $1`, extID))
	if err != nil {
		return model.FileUpload{}, fmt.Errorf("store: file_by_external_id: %w", err)
	}
	return f, nil
}

// ResolveFileID implements pkg/derive's FileResolver: looks up a file's
// internal id by its (project external id, file external id) pair,
// filtering out soft-deleted or nonexistent targets so a FileLink pass
// silently drops them rather than erroring (spec §4.F). Unlike the
// access-token download path, this resolver does not care about the
// file's availability status — a link to a still-uploading file is
// valid, just not yet downloadable.
func (s *Store) ResolveFileID(ctx context.Context, projectExternalID, fileExternalID string) (id int64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT f.id FROM files f
		JOIN projects p ON p.id = f.project_id
		WHERE p.external_id = $1 AND f.external_id = $2 AND f.deleted = false
	`, projectExternalID, fileExternalID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: resolve_file_id: %w", err)
	}
	return id, true, nil
}

// FinalizeUpload implements the status half of POST
// /api/files/{id}/finalize/ (spec §6, §5's locking note): a row-level
// pessimistic lock (SELECT ... FOR UPDATE) is held only long enough to
// flip status and record the verified blob — the storage HEAD call that
// produces etag/size must happen before this method is called, outside
// any lock, per the Open Question decision recorded in SPEC_FULL.md (the
// lock exists to make concurrent finalizes idempotent, not to serialize
// the network round-trip). Calling this twice with the same etag leaves
// the file in "available" with that same etag both times.
func (s *Store) FinalizeUpload(ctx context.Context, fileID int64, provider, key, etag string, sizeBytes int64) (model.FileUpload, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.FileUpload{}, fmt.Errorf("store: finalize_upload begin: %w", err)
	}
	defer tx.Rollback()

	var status model.FileStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM files WHERE id = $1 FOR UPDATE`, fileID).Scan(&status); err != nil {
		return model.FileUpload{}, fmt.Errorf("store: finalize_upload lock: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO file_blobs (file_id, provider, key, etag, status) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (file_id, provider) DO UPDATE SET key = $3, etag = $4, status = $5
	`, fileID, provider, key, etag, model.BlobVerified); err != nil {
		return model.FileUpload{}, fmt.Errorf("store: finalize_upload blob: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE files SET status = $1, size_bytes = $2 WHERE id = $3`,
		model.FileStatusAvailable, sizeBytes, fileID,
	); err != nil {
		return model.FileUpload{}, fmt.Errorf("store: finalize_upload flag: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.FileUpload{}, fmt.Errorf("store: finalize_upload commit: %w", err)
	}
	return s.File(ctx, fileID)
}

// BestBlob resolves the blob to serve for a download (spec §4.J):
// prefers a remote (non-"local") provider over local, honoring an
// optional preferred-provider override. Only verified blobs are
// considered.
func (s *Store) BestBlob(ctx context.Context, fileID int64, preferredProvider string) (model.FileBlob, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_id, provider, key, etag, status FROM file_blobs WHERE file_id = $1 AND status = $2`,
		fileID, model.BlobVerified,
	)
	if err != nil {
		return model.FileBlob{}, false, fmt.Errorf("store: best_blob: %w", err)
	}
	defer rows.Close()
	var candidates []model.FileBlob
	for rows.Next() {
		var b model.FileBlob
		if err := rows.Scan(&b.ID, &b.FileID, &b.Provider, &b.Key, &b.ETag, &b.Status); err != nil {
			return model.FileBlob{}, false, fmt.Errorf("store: best_blob scan: %w", err)
		}
		candidates = append(candidates, b)
	}
	if err := rows.Err(); err != nil {
		return model.FileBlob{}, false, err
	}
	if len(candidates) == 0 {
		return model.FileBlob{}, false, nil
	}
	if preferredProvider != "" {
		for _, b := range candidates {
			if b.Provider == preferredProvider {
				return b, true, nil
			}
		}
	}
	for _, b := range candidates {
		if b.Provider != "local" {
			return b, true, nil
		}
	}
	return candidates[0], true, nil
}

// LookupForDownload implements the §4.J lookup criteria: matching project
// external id, matching file external id, exact access_token equality
// (the caller does the constant-time comparison), file not soft-deleted,
// file status == available.
func (s *Store) LookupForDownload(ctx context.Context, projectExtID, fileExtID string) (model.FileUpload, model.Project, error) {
	f, err := s.FileByExternalID(ctx, fileExtID)
	if err == sql.ErrNoRows {
		return model.FileUpload{}, model.Project{}, sql.ErrNoRows
	}
	if err != nil {
		return model.FileUpload{}, model.Project{}, err
	}
	proj, err := s.Project(ctx, f.ProjectID)
	if err != nil {
		return model.FileUpload{}, model.Project{}, err
	}
	if proj.ExternalID != projectExtID || f.Deleted || f.Status != model.FileStatusAvailable {
		return model.FileUpload{}, model.Project{}, sql.ErrNoRows
	}
	return f, proj, nil
}
