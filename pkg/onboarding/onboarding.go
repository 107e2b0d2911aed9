// Package onboarding implements the post-signup provisioning step
// spec.md §9 names as an open design note ("a single explicit post-signup
// step in an authentication collaborator"): a brand-new user gets a
// default org, a default project in it, and a welcome page, so a fresh
// account isn't an empty shell. Grounded on the note itself, in the
// teacher's style of a single-purpose constructor function (no state,
// takes its store dependency as a parameter) seen throughout
// pkg/importer's account-setup helpers.
package onboarding

import (
	"context"
	"fmt"

	"github.com/inkwell/collabd/internal/extid"
	"github.com/inkwell/collabd/pkg/model"
)

const (
	welcomePageContent = "# Welcome\n\nThis is your first page. Start writing, or invite a teammate.\n"
)

// Store is the slice of pkg/store provisioning needs.
type Store interface {
	CreateOrg(ctx context.Context, externalID, name string, domain *string) (model.Org, error)
	AddOrgMember(ctx context.Context, orgID, userID int64, role model.Role) error
	CreateProject(ctx context.Context, externalID string, orgID, creatorID int64, name string, orgMembersCanAccess bool) (model.Project, error)
	CreatePage(ctx context.Context, externalID string, projectID, creatorID int64, title string, details model.PageDetails, copyFromExtID string) (model.Page, error)
}

// Provisioned is the set of rows ProvisionNewUser created.
type Provisioned struct {
	Org     model.Org
	Project model.Project
	Page    model.Page
}

// ProvisionNewUser creates a new user's default org, project, and welcome
// page, making the user an admin member of the org it creates.
// displayName seeds the org name (e.g. "Jane's Workspace"); the project
// is always named "Getting Started".
func ProvisionNewUser(ctx context.Context, s Store, userID int64, displayName string) (Provisioned, error) {
	org, err := s.CreateOrg(ctx, extid.New(16), fmt.Sprintf("%s's Workspace", displayName), nil)
	if err != nil {
		return Provisioned{}, fmt.Errorf("onboarding: creating org: %w", err)
	}
	if err := s.AddOrgMember(ctx, org.ID, userID, model.RoleAdmin); err != nil {
		return Provisioned{}, fmt.Errorf("onboarding: adding owner to org: %w", err)
	}
	proj, err := s.CreateProject(ctx, extid.New(16), org.ID, userID, "Getting Started", true)
	if err != nil {
		return Provisioned{}, fmt.Errorf("onboarding: creating project: %w", err)
	}
	page, err := s.CreatePage(ctx, extid.New(16), proj.ID, userID, "Welcome", model.PageDetails{
		Content:       welcomePageContent,
		FileType:      model.FileTypeMarkdown,
		SchemaVersion: 1,
	}, "")
	if err != nil {
		return Provisioned{}, fmt.Errorf("onboarding: creating welcome page: %w", err)
	}
	return Provisioned{Org: org, Project: proj, Page: page}, nil
}
