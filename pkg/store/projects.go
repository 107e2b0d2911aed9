package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/inkwell/collabd/pkg/model"
)

func scanProject(row interface {
	Scan(dest ...interface{}) error
}) (model.Project, error) {
	var p model.Project
	err := row.Scan(&p.ID, &p.ExternalID, &p.OrgID, &p.CreatorID, &p.Name, &p.OrgMembersCanAccess, &p.Deleted, &p.CreatedAt)
	return p, err
}

const projectColumns = `id, external_id, org_id, creator_id, name, org_members_can_access, deleted, created_at`

// Project fetches a project by internal id, including soft-deleted ones
// (callers that must exclude deleted projects use AccessibleProjects or
// check Deleted explicitly).
func (s *Store) Project(ctx context.Context, id int64) (model.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		return model.Project{}, fmt.Errorf("store: project: %w", err)
	}
	return p, nil
}

// ProjectByExternalID fetches a project by its public id.
func (s *Store) ProjectByExternalID(ctx context.Context, extID string) (model.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE external_id = $1`, extID))
	if err == sql.ErrNoRows {
		return model.Project{}, sql.ErrNoRows
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("store: project_by_external_id: %w", err)
	}
	return p, nil
}

// CreateProject inserts a new project owned by orgID.
func (s *Store) CreateProject(ctx context.Context, externalID string, orgID, creatorID int64, name string, orgMembersCanAccess bool) (model.Project, error) {
	p := model.Project{
		ExternalID:          externalID,
		OrgID:               orgID,
		CreatorID:           creatorID,
		Name:                name,
		OrgMembersCanAccess: orgMembersCanAccess,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (external_id, org_id, creator_id, name, org_members_can_access)
		VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at
	`, externalID, orgID, creatorID, name, orgMembersCanAccess).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return model.Project{}, fmt.Errorf("store: create_project: %w", err)
	}
	return p, nil
}

// AddProjectEditor adds userID as a direct editor of projectID with role,
// idempotent on (project, user) per spec §3.
func (s *Store) AddProjectEditor(ctx context.Context, projectID, userID int64, role model.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_editors (project_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = $3
	`, projectID, userID, role)
	if err != nil {
		return fmt.Errorf("store: add_project_editor: %w", err)
	}
	return nil
}

// AccessibleProjects returns every non-deleted project userID can access
// via either tier: org membership (when the project allows it) or a
// direct editor row. This is the query builder spec §9 calls out as
// needing to survive unchanged in shape, reused by ask, autocomplete, and
// embedding search.
func (s *Store) AccessibleProjects(ctx context.Context, userID int64) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT `+prefixed("p", projectColumns)+`
		FROM projects p
		LEFT JOIN org_members om ON om.org_id = p.org_id AND om.user_id = $1
		LEFT JOIN project_editors pe ON pe.project_id = p.id AND pe.user_id = $1
		WHERE p.deleted = false
		  AND ((p.org_members_can_access AND om.user_id IS NOT NULL) OR pe.user_id IS NOT NULL)
		ORDER BY p.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: accessible_projects: %w", err)
	}
	defer rows.Close()
	var out []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("store: accessible_projects scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func prefixed(alias, cols string) string {
	out := ""
	start := 0
	for i := 0; i <= len(cols); i++ {
		if i == len(cols) || cols[i] == ',' {
			col := trimSpace(cols[start:i])
			if out != "" {
				out += ", "
			}
			out += alias + "." + col
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}
