package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/inkwell/collabd/pkg/model"
)

// IsOrgMember implements the org-membership half of authz.Lookups: one
// indexed lookup against org_members.
func (s *Store) IsOrgMember(ctx context.Context, orgID, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM org_members WHERE org_id = $1 AND user_id = $2)`,
		orgID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: is_org_member: %w", err)
	}
	return exists, nil
}

// ProjectEditorRole implements the project-editor half of authz.Lookups:
// one indexed lookup against project_editors.
func (s *Store) ProjectEditorRole(ctx context.Context, projectID, userID int64) (model.Role, bool, error) {
	var role model.Role
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM project_editors WHERE project_id = $1 AND user_id = $2`,
		projectID, userID,
	).Scan(&role)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: project_editor_role: %w", err)
	}
	return role, true, nil
}

// Org fetches an org by internal id.
func (s *Store) Org(ctx context.Context, id int64) (model.Org, error) {
	var o model.Org
	o.ID = id
	err := s.db.QueryRowContext(ctx,
		`SELECT external_id, name, domain, created_at FROM orgs WHERE id = $1`, id,
	).Scan(&o.ExternalID, &o.Name, &o.Domain, &o.CreatedAt)
	if err != nil {
		return model.Org{}, fmt.Errorf("store: org: %w", err)
	}
	return o, nil
}

// AddOrgMember adds userID to orgID with the given role, idempotent.
func (s *Store) AddOrgMember(ctx context.Context, orgID, userID int64, role model.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO org_members (org_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (org_id, user_id) DO UPDATE SET role = $3
	`, orgID, userID, role)
	if err != nil {
		return fmt.Errorf("store: add_org_member: %w", err)
	}
	return nil
}

// CreateOrg inserts a new org row.
func (s *Store) CreateOrg(ctx context.Context, externalID, name string, domain *string) (model.Org, error) {
	o := model.Org{ExternalID: externalID, Name: name, Domain: domain}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO orgs (external_id, name, domain) VALUES ($1, $2, $3) RETURNING id, created_at`,
		externalID, name, domain,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return model.Org{}, fmt.Errorf("store: create_org: %w", err)
	}
	return o, nil
}
