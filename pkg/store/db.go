// Package store is the Postgres-backed repository for every persisted
// entity in the data model (spec §3): the update log and snapshot store
// (§4.B), pages/projects/orgs (§4.G), file uploads, derived link tables,
// invitations, import jobs, and abuse records. It talks to the database
// directly with database/sql and github.com/lib/pq — no ORM — the way the
// teacher's pkg/sorted/postgres does, including its schema-version check
// and its $n placeholder convention (Postgres has no "?" substitution).
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// requiredSchemaVersion is bumped whenever createTables changes in a way
// that is not backward compatible, mirroring the teacher's
// requiredSchemaVersion/SchemaVersion pairing in sorted/postgres.
const requiredSchemaVersion = 1

// Store is the Postgres-backed repository. All exported methods on it and
// its per-entity files (pages.go, projects.go, ...) are safe for
// concurrent use; the database itself serializes writes (spec §5: "The
// update log is shared across all rooms but writes are serialised by the
// database").
type Store struct {
	db *sql.DB
}

// Open connects to Postgres at connInfo (a standard lib/pq DSN), creates
// any missing tables, and verifies the schema version matches what this
// binary expects.
func Open(ctx context.Context, connInfo string) (*Store, error) {
	db, err := sql.Open("postgres", connInfo)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: database unreachable: %w", err)
	}
	s := &Store{db: db}
	if err := s.createTables(ctx); err != nil {
		return nil, fmt.Errorf("store: creating tables: %w", err)
	}
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: reading schema version: %w", err)
	}
	if version != requiredSchemaVersion {
		return nil, fmt.Errorf("store: database schema version is %d; expect %d (run migrations)", version, requiredSchemaVersion)
	}
	return s, nil
}

// DB exposes the underlying *sql.DB for components (the job queue,
// archive janitor) that need to participate in a transaction alongside a
// Store call.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM collabd_meta WHERE key='schema_version'`).Scan(&v)
	return v, err
}

func (s *Store) createTables(ctx context.Context) error {
	for _, stmt := range createTableStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt, err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collabd_meta (key, value) VALUES ('schema_version', $1)
		ON CONFLICT (key) DO NOTHING
	`, fmt.Sprint(requiredSchemaVersion))
	return err
}

var createTableStatements = []string{
	`CREATE TABLE IF NOT EXISTS collabd_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orgs (
		id BIGSERIAL PRIMARY KEY,
		external_id TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		domain TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS org_members (
		org_id BIGINT NOT NULL REFERENCES orgs(id),
		user_id BIGINT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (org_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id BIGSERIAL PRIMARY KEY,
		external_id TEXT UNIQUE NOT NULL,
		org_id BIGINT NOT NULL REFERENCES orgs(id),
		creator_id BIGINT NOT NULL,
		name TEXT NOT NULL,
		org_members_can_access BOOLEAN NOT NULL DEFAULT true,
		deleted BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS project_editors (
		project_id BIGINT NOT NULL REFERENCES projects(id),
		user_id BIGINT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (project_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pages (
		id BIGSERIAL PRIMARY KEY,
		external_id TEXT UNIQUE NOT NULL,
		project_id BIGINT NOT NULL REFERENCES projects(id),
		creator_id BIGINT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		filetype TEXT NOT NULL DEFAULT 'md',
		schema_version INT NOT NULL DEFAULT 1,
		deleted BOOLEAN NOT NULL DEFAULT false,
		access_code TEXT,
		parent_id BIGINT REFERENCES pages(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS update_log (
		id BIGSERIAL PRIMARY KEY,
		room_id TEXT NOT NULL,
		blob BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS update_log_room_id_idx ON update_log (room_id, id)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		room_id TEXT PRIMARY KEY,
		blob BYTEA NOT NULL,
		last_update_id BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		id BIGSERIAL PRIMARY KEY,
		external_id TEXT UNIQUE NOT NULL,
		access_token TEXT NOT NULL,
		project_id BIGINT NOT NULL REFERENCES projects(id),
		uploader_id BIGINT NOT NULL,
		status TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		deleted BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS file_blobs (
		id BIGSERIAL PRIMARY KEY,
		file_id BIGINT NOT NULL REFERENCES files(id),
		provider TEXT NOT NULL,
		key TEXT NOT NULL,
		etag TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		UNIQUE (file_id, provider)
	)`,
	`CREATE TABLE IF NOT EXISTS page_links (
		source_page_id BIGINT NOT NULL REFERENCES pages(id),
		target_page_id BIGINT NOT NULL REFERENCES pages(id),
		link_text TEXT NOT NULL,
		PRIMARY KEY (source_page_id, target_page_id, link_text)
	)`,
	`CREATE TABLE IF NOT EXISTS file_links (
		source_page_id BIGINT NOT NULL REFERENCES pages(id),
		target_file_id BIGINT NOT NULL REFERENCES files(id),
		link_text TEXT NOT NULL,
		PRIMARY KEY (source_page_id, target_file_id, link_text)
	)`,
	`CREATE TABLE IF NOT EXISTS page_mentions (
		source_page_id BIGINT NOT NULL REFERENCES pages(id),
		mentioned_user_id BIGINT NOT NULL,
		PRIMARY KEY (source_page_id, mentioned_user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS invitations (
		id BIGSERIAL PRIMARY KEY,
		token TEXT UNIQUE NOT NULL,
		target TEXT NOT NULL,
		target_id BIGINT NOT NULL,
		email TEXT NOT NULL,
		role TEXT NOT NULL,
		inviter_id BIGINT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		accepted BOOLEAN NOT NULL DEFAULT false,
		acceptor_id BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (target, target_id, email)
	)`,
	`CREATE TABLE IF NOT EXISTS import_jobs (
		id BIGSERIAL PRIMARY KEY,
		external_id TEXT UNIQUE NOT NULL,
		project_id BIGINT NOT NULL REFERENCES projects(id),
		user_id BIGINT NOT NULL,
		status TEXT NOT NULL,
		total INT NOT NULL DEFAULT 0,
		imported INT NOT NULL DEFAULT 0,
		skipped INT NOT NULL DEFAULT 0,
		failed INT NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS import_archives (
		id BIGSERIAL PRIMARY KEY,
		job_id BIGINT UNIQUE NOT NULL REFERENCES import_jobs(id),
		temp_file_path TEXT NOT NULL DEFAULT '',
		storage_key TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS imported_pages (
		job_id BIGINT NOT NULL REFERENCES import_jobs(id),
		source_hash TEXT NOT NULL,
		page_id BIGINT NOT NULL REFERENCES pages(id),
		page_ext_id TEXT NOT NULL,
		PRIMARY KEY (job_id, source_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS abuse_records (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		reason TEXT NOT NULL,
		severity TEXT NOT NULL,
		detail JSONB NOT NULL DEFAULT '{}',
		job_id BIGINT,
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS abuse_records_user_created_idx ON abuse_records (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS bans (
		user_id BIGINT PRIMARY KEY,
		reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		lifted_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS ai_credentials (
		id BIGSERIAL PRIMARY KEY,
		scope TEXT NOT NULL,
		owner_id BIGINT NOT NULL,
		provider TEXT NOT NULL,
		api_key TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS ask_requests (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		query TEXT NOT NULL,
		page_ids BIGINT[] NOT NULL DEFAULT '{}',
		answer TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error_code TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS page_embeddings (
		page_id BIGINT PRIMARY KEY REFERENCES pages(id),
		content_hash TEXT NOT NULL,
		vector BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ratelimit_counters (
		key TEXT PRIMARY KEY,
		count INT NOT NULL,
		reset_at TIMESTAMPTZ NOT NULL
	)`,
}
