package onboarding

import (
	"context"
	"testing"

	"github.com/inkwell/collabd/pkg/model"
)

type fakeStore struct {
	nextID      int64
	memberRoles map[int64]model.Role
}

func (s *fakeStore) CreateOrg(ctx context.Context, externalID, name string, domain *string) (model.Org, error) {
	s.nextID++
	return model.Org{ID: s.nextID, ExternalID: externalID, Name: name}, nil
}

func (s *fakeStore) AddOrgMember(ctx context.Context, orgID, userID int64, role model.Role) error {
	if s.memberRoles == nil {
		s.memberRoles = make(map[int64]model.Role)
	}
	s.memberRoles[orgID] = role
	return nil
}

func (s *fakeStore) CreateProject(ctx context.Context, externalID string, orgID, creatorID int64, name string, orgMembersCanAccess bool) (model.Project, error) {
	s.nextID++
	return model.Project{ID: s.nextID, ExternalID: externalID, OrgID: orgID, Name: name, OrgMembersCanAccess: orgMembersCanAccess}, nil
}

func (s *fakeStore) CreatePage(ctx context.Context, externalID string, projectID, creatorID int64, title string, details model.PageDetails, copyFromExtID string) (model.Page, error) {
	s.nextID++
	return model.Page{ID: s.nextID, ExternalID: externalID, ProjectID: projectID, CreatorID: creatorID, Title: title, Details: details}, nil
}

func TestProvisionNewUser(t *testing.T) {
	s := &fakeStore{}
	p, err := ProvisionNewUser(context.Background(), s, 42, "Jane")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Org.Name != "Jane's Workspace" {
		t.Fatalf("org name = %q", p.Org.Name)
	}
	if s.memberRoles[p.Org.ID] != model.RoleAdmin {
		t.Fatalf("owner role = %q, want admin", s.memberRoles[p.Org.ID])
	}
	if p.Project.OrgID != p.Org.ID {
		t.Fatalf("project not attached to new org")
	}
	if p.Page.ProjectID != p.Project.ID {
		t.Fatalf("page not attached to new project")
	}
	if p.Page.Details.Content == "" {
		t.Fatal("welcome page has no content")
	}
}
