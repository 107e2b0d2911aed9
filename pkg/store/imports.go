package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/inkwell/collabd/pkg/model"
)

// CreateImportJob inserts a new import_jobs row with its one-to-one
// import_archives record, status pending (spec §4.H).
func (s *Store) CreateImportJob(ctx context.Context, externalID string, projectID, userID int64, tempFilePath string, sizeBytes int64) (model.ImportJob, model.ImportArchive, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ImportJob{}, model.ImportArchive{}, fmt.Errorf("store: create_import_job begin: %w", err)
	}
	defer tx.Rollback()

	job := model.ImportJob{ExternalID: externalID, ProjectID: projectID, UserID: userID, Status: model.ImportPending}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO import_jobs (external_id, project_id, user_id, status)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at, updated_at
	`, externalID, projectID, userID, job.Status).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return model.ImportJob{}, model.ImportArchive{}, fmt.Errorf("store: create_import_job: %w", err)
	}

	arc := model.ImportArchive{JobID: job.ID, TempFilePath: tempFilePath, SizeBytes: sizeBytes}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO import_archives (job_id, temp_file_path, size_bytes) VALUES ($1, $2, $3) RETURNING id, created_at
	`, arc.JobID, arc.TempFilePath, arc.SizeBytes).Scan(&arc.ID, &arc.CreatedAt)
	if err != nil {
		return model.ImportJob{}, model.ImportArchive{}, fmt.Errorf("store: create_import_archive: %w", err)
	}
	return job, arc, tx.Commit()
}

// SetImportJobStatus updates status and message for a job.
func (s *Store) SetImportJobStatus(ctx context.Context, jobID int64, status model.ImportJobStatus, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE import_jobs SET status=$1, message=$2, updated_at=now() WHERE id=$3`, status, message, jobID)
	return err
}

// SetImportJobCounters updates the total/imported/skipped/failed counters.
func (s *Store) SetImportJobCounters(ctx context.Context, jobID int64, total, imported, skipped, failed int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE import_jobs SET total=$1, imported=$2, skipped=$3, failed=$4, updated_at=now() WHERE id=$5`,
		total, imported, skipped, failed, jobID)
	return err
}

// ImportJob fetches a job by internal id.
func (s *Store) ImportJob(ctx context.Context, id int64) (model.ImportJob, error) {
	var j model.ImportJob
	j.ID = id
	err := s.db.QueryRowContext(ctx, `
		SELECT external_id, project_id, user_id, status, total, imported, skipped, failed, message, created_at, updated_at
		FROM import_jobs WHERE id = $1
	`, id).Scan(&j.ExternalID, &j.ProjectID, &j.UserID, &j.Status, &j.Total, &j.Imported, &j.Skipped, &j.Failed, &j.Message, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return model.ImportJob{}, fmt.Errorf("store: import_job: %w", err)
	}
	return j, nil
}

// ImportArchiveForJob fetches the archive row owned by jobID.
func (s *Store) ImportArchiveForJob(ctx context.Context, jobID int64) (model.ImportArchive, error) {
	var a model.ImportArchive
	a.JobID = jobID
	err := s.db.QueryRowContext(ctx,
		`SELECT id, temp_file_path, storage_key, size_bytes, created_at FROM import_archives WHERE job_id = $1`, jobID,
	).Scan(&a.ID, &a.TempFilePath, &a.StorageKey, &a.SizeBytes, &a.CreatedAt)
	if err != nil {
		return model.ImportArchive{}, fmt.Errorf("store: import_archive_for_job: %w", err)
	}
	return a, nil
}

// SetArchiveStorageKey records the durable object-storage location after a
// successful re-upload (spec §4.H).
func (s *Store) SetArchiveStorageKey(ctx context.Context, jobID int64, key string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE import_archives SET storage_key = $1 WHERE job_id = $2`, key, jobID)
	return err
}

// ClearArchiveTempPath clears temp_file_path on every exit path (spec
// §4.H's cleanup guarantee).
func (s *Store) ClearArchiveTempPath(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE import_archives SET temp_file_path = '' WHERE job_id = $1`, jobID)
	return err
}

// RecordImportedPage inserts the (source-hash -> new page) mapping used
// for cross-reference remapping.
func (s *Store) RecordImportedPage(ctx context.Context, jobID int64, sourceHash string, pageID int64, pageExtID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO imported_pages (job_id, source_hash, page_id, page_ext_id) VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id, source_hash) DO NOTHING
	`, jobID, sourceHash, pageID, pageExtID)
	return err
}

// ImportedPageExternalID resolves a source hash to the new page's
// external id, for cross-reference remapping during markdown rewriting.
func (s *Store) ImportedPageExternalID(ctx context.Context, jobID int64, sourceHash string) (string, bool, error) {
	var extID string
	err := s.db.QueryRowContext(ctx,
		`SELECT page_ext_id FROM imported_pages WHERE job_id = $1 AND source_hash = $2`, jobID, sourceHash,
	).Scan(&extID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return extID, true, nil
}

// StaleImportArchives returns archives whose temp path is non-empty and
// whose job is older than threshold and still pending/processing — the
// janitor's reconciliation query (spec §4.H).
func (s *Store) StaleImportArchives(ctx context.Context, threshold time.Duration) ([]model.ImportArchive, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.job_id, a.temp_file_path, a.storage_key, a.size_bytes, a.created_at
		FROM import_archives a
		JOIN import_jobs j ON j.id = a.job_id
		WHERE a.temp_file_path != '' AND j.status IN ('pending','processing') AND j.created_at < $1
	`, time.Now().Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("store: stale_import_archives: %w", err)
	}
	defer rows.Close()
	var out []model.ImportArchive
	for rows.Next() {
		var a model.ImportArchive
		if err := rows.Scan(&a.ID, &a.JobID, &a.TempFilePath, &a.StorageKey, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
