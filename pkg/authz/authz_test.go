package authz

import (
	"context"
	"testing"

	"github.com/inkwell/collabd/pkg/model"
)

type fakeLookups struct {
	orgMembers     map[int64]map[int64]bool
	projectEditors map[int64]map[int64]model.Role
}

func newFakeLookups() *fakeLookups {
	return &fakeLookups{
		orgMembers:     make(map[int64]map[int64]bool),
		projectEditors: make(map[int64]map[int64]model.Role),
	}
}

func (f *fakeLookups) addOrgMember(orgID, userID int64) {
	if f.orgMembers[orgID] == nil {
		f.orgMembers[orgID] = make(map[int64]bool)
	}
	f.orgMembers[orgID][userID] = true
}

func (f *fakeLookups) addEditor(projectID, userID int64, role model.Role) {
	if f.projectEditors[projectID] == nil {
		f.projectEditors[projectID] = make(map[int64]model.Role)
	}
	f.projectEditors[projectID][userID] = role
}

func (f *fakeLookups) IsOrgMember(ctx context.Context, orgID, userID int64) (bool, error) {
	return f.orgMembers[orgID][userID], nil
}

func (f *fakeLookups) ProjectEditorRole(ctx context.Context, projectID, userID int64) (model.Role, bool, error) {
	role, ok := f.projectEditors[projectID][userID]
	return role, ok, nil
}

// TestAuthorizationTotality is spec §8's "Authorization totality" testable
// property: can() returns false for every principal that is neither an org
// member nor a project editor, regardless of target state.
func TestAuthorizationTotality(t *testing.T) {
	l := newFakeLookups()
	l.addOrgMember(1, 10) // user 10 is an org member
	l.addEditor(1, 20, model.RoleEditor) // user 20 is a direct editor

	proj := model.Project{ID: 1, OrgID: 1, CreatorID: 10}

	strangers := []int64{1, 2, 3, 99, 10000}
	for _, uid := range strangers {
		ok, err := CanAccessProject(context.Background(), l, Principal{UserID: uid}, proj)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatalf("stranger %d should not be able to access project", uid)
		}
	}

	// Both the org member and the direct editor must be allowed.
	for _, uid := range []int64{10, 20} {
		ok, err := CanAccessProject(context.Background(), l, Principal{UserID: uid}, proj)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("authorized user %d should be able to access project", uid)
		}
	}
}

func TestCanAccessProjectDeniesAnonymous(t *testing.T) {
	l := newFakeLookups()
	l.addOrgMember(1, 10)
	proj := model.Project{ID: 1, OrgID: 1}
	ok, err := CanAccessProject(context.Background(), l, Anonymous, proj)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("anonymous principal must never access a project")
	}
}

func TestCanAccessProjectDeniesDeletedProject(t *testing.T) {
	l := newFakeLookups()
	l.addOrgMember(1, 10)
	proj := model.Project{ID: 1, OrgID: 1, Deleted: true}
	ok, err := CanAccessProject(context.Background(), l, Principal{UserID: 10}, proj)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("a soft-deleted project must deny access even to org members")
	}
}

func TestCanDeleteProjectCreatorOnly(t *testing.T) {
	proj := model.Project{ID: 1, CreatorID: 10}
	if !CanDeleteProject(Principal{UserID: 10}, proj) {
		t.Fatal("creator must be able to delete the project")
	}
	if CanDeleteProject(Principal{UserID: 11}, proj) {
		t.Fatal("non-creator must not be able to delete the project")
	}
	if CanDeleteProject(Anonymous, proj) {
		t.Fatal("anonymous must never delete a project")
	}
}

func TestCanModifyPageMetadataCreatorOnly(t *testing.T) {
	page := model.Page{CreatorID: 5}
	if !CanModifyPageMetadata(Principal{UserID: 5}, page) {
		t.Fatal("creator must be able to modify page metadata")
	}
	if CanModifyPageMetadata(Principal{UserID: 6}, page) {
		t.Fatal("non-creator must not be able to modify page metadata")
	}
}

func TestCanAccessPageDeniesSoftDeleted(t *testing.T) {
	l := newFakeLookups()
	l.addOrgMember(1, 10)
	proj := model.Project{ID: 1, OrgID: 1}
	page := model.Page{ProjectID: 1, Deleted: true}
	ok, err := CanAccessPage(context.Background(), l, Principal{UserID: 10}, page, proj)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("a soft-deleted page must never be accessible")
	}
}

func TestCanDownloadByAccessCode(t *testing.T) {
	page := model.Page{ExternalID: "page1", AccessCode: "secret-token"}
	if !CanDownloadByAccessCode(page, "proj1", "page1", "secret-token", "proj1") {
		t.Fatal("matching triple should be allowed")
	}
	if CanDownloadByAccessCode(page, "proj1", "page1", "wrong-token", "proj1") {
		t.Fatal("mismatched token should be denied")
	}
	if CanDownloadByAccessCode(page, "proj1", "page1", "secret-token", "other-proj") {
		t.Fatal("mismatched project external id should be denied")
	}
	deleted := model.Page{ExternalID: "page1", AccessCode: "secret-token", Deleted: true}
	if CanDownloadByAccessCode(deleted, "proj1", "page1", "secret-token", "proj1") {
		t.Fatal("soft-deleted page must never be downloadable")
	}
	noCode := model.Page{ExternalID: "page1"}
	if CanDownloadByAccessCode(noCode, "proj1", "page1", "", "proj1") {
		t.Fatal("an empty access code must never match")
	}
}
