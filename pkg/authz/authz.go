// Package authz implements the two-tier authorization rules (spec §4.A)
// as one exported function per rule (CanAccessProject, CanAccessPage,
// CanDeleteProject, ...). There is no single dispatching can(principal,
// action, target) function, and no function here takes an Action; the
// Action constants only name the rules. Every rule defaults to deny. It
// must be implementable with two indexed
// lookups (org membership, project editor) and one field comparison
// (creator); the Lookups interface below is exactly that pair of queries.
package authz

import (
	"context"
	"crypto/subtle"

	"github.com/inkwell/collabd/pkg/model"
)

// Action is one of the operations named in spec §4.A's rule table.
type Action string

const (
	ActionRead            Action = "read"
	ActionEdit            Action = "edit"
	ActionDelete          Action = "delete"
	ActionChangeSharing   Action = "change-sharing"
	ActionModifyMetadata  Action = "modify-metadata"
	ActionShare           Action = "share"
	ActionDownloadByToken Action = "download-by-access-code"
)

// Lookups is the minimal set of indexed queries the predicate needs.
// pkg/store implements this against Postgres; tests use an in-memory
// fake. Negative results are never cached by the predicate itself (spec
// §4.A); a caller may cache a positive result for the lifetime of one
// request, but that is the caller's responsibility, not authz's.
type Lookups interface {
	IsOrgMember(ctx context.Context, orgID, userID int64) (bool, error)
	ProjectEditorRole(ctx context.Context, projectID, userID int64) (role model.Role, isEditor bool, err error)
}

// Principal identifies the caller. UserID is zero for the anonymous,
// access-code-only download path.
type Principal struct {
	UserID int64
}

// Anonymous is the principal used for the unauthenticated access-token
// download path; every rule except ActionDownloadByToken denies it.
var Anonymous = Principal{UserID: 0}

func (p Principal) isAnonymous() bool { return p.UserID == 0 }

// CanReadOrg reports whether principal may read org (must be a member).
func CanReadOrg(ctx context.Context, l Lookups, p Principal, org model.Org) (bool, error) {
	if p.isAnonymous() {
		return false, nil
	}
	return l.IsOrgMember(ctx, org.ID, p.UserID)
}

// CanAccessProject implements the project read/edit rule: org member of
// the project's org, OR a direct editor (any role). This is the "two-tier"
// predicate referenced throughout the spec and reused by the ask pipeline,
// autocomplete, and embedding search filters (spec §9).
func CanAccessProject(ctx context.Context, l Lookups, p Principal, proj model.Project) (bool, error) {
	if p.isAnonymous() || proj.Deleted {
		return false, nil
	}
	isOrgMember, err := l.IsOrgMember(ctx, proj.OrgID, p.UserID)
	if err != nil {
		return false, err
	}
	if isOrgMember {
		return true, nil
	}
	_, isEditor, err := l.ProjectEditorRole(ctx, proj.ID, p.UserID)
	if err != nil {
		return false, err
	}
	return isEditor, nil
}

// CanEditProject is an alias of CanAccessProject: read and edit share the
// same rule (spec §4.A table row "Project | read/edit").
func CanEditProject(ctx context.Context, l Lookups, p Principal, proj model.Project) (bool, error) {
	return CanAccessProject(ctx, l, p, proj)
}

// CanDeleteProject reports whether principal is the project's creator.
func CanDeleteProject(p Principal, proj model.Project) bool {
	return !p.isAnonymous() && p.UserID == proj.CreatorID
}

// CanChangeProjectSharing delegates to the edit rule (spec §4.A: "Project |
// change-sharing | principal can edit the project").
func CanChangeProjectSharing(ctx context.Context, l Lookups, p Principal, proj model.Project) (bool, error) {
	return CanEditProject(ctx, l, p, proj)
}

// CanAccessPage implements "Page | read/write CRDT | principal can
// read/edit the project" — the rule the room and wsconn admission checks
// call on every connection.
func CanAccessPage(ctx context.Context, l Lookups, p Principal, page model.Page, proj model.Project) (bool, error) {
	if page.Deleted {
		return false, nil
	}
	return CanAccessProject(ctx, l, p, proj)
}

// CanModifyPageMetadata reports whether principal is the page's creator
// (spec §4.A: "Page | modify/delete metadata | principal is creator").
func CanModifyPageMetadata(p Principal, page model.Page) bool {
	return !p.isAnonymous() && p.UserID == page.CreatorID
}

// CanSharePage delegates to the project access rule (spec §4.A: "Page |
// share | principal can read/edit the project").
func CanSharePage(ctx context.Context, l Lookups, p Principal, page model.Page, proj model.Project) (bool, error) {
	return CanAccessProject(ctx, l, p, proj)
}

// CanDownloadByAccessCode implements the one rule that requires no
// principal: the caller must present a matching (project external id,
// page external id, access token) triple. The access code is compared in
// constant time (crypto/subtle); the two external ids are compared with
// ordinary equality.
func CanDownloadByAccessCode(page model.Page, wantProjectExtID, wantPageExtID, wantAccessCode string, projExtID string) bool {
	return page.ExternalID == wantPageExtID &&
		projExtID == wantProjectExtID &&
		page.AccessCode != "" &&
		subtle.ConstantTimeCompare([]byte(page.AccessCode), []byte(wantAccessCode)) == 1 &&
		!page.Deleted
}
