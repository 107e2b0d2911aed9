package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/inkwell/collabd/internal/extid"
	"github.com/inkwell/collabd/pkg/apierr"
	"github.com/inkwell/collabd/pkg/model"
	"github.com/inkwell/collabd/pkg/ratelimit"
)

// externalInviteLimit/Window implement spec §4.G's default external-invite
// rate: 10 invitations per inviter per hour. An invite counts as external
// when the invitee is not already a member of the inviting project's org
// (an unregistered invitee trivially qualifies, since they can't be a
// member of anything yet).
const (
	externalInviteLimit  = 10
	externalInviteWindow = time.Hour
)

// UserResolver resolves an email to an existing user id, if any.
// The real user table lives outside this core's scope (spec §1 names
// identity/OAuth as an external collaborator); callers inject this
// resolver so invite_editor can stay a pure store operation in tests.
type UserResolver interface {
	UserIDByEmail(ctx context.Context, email string) (userID int64, ok bool, err error)
}

// resolveInviteProjectID maps an invitation target to the project whose
// editor set actually grants access. Spec §4.A has no page-level editor
// tier ("Page | share (add/remove editors) | principal can read/edit the
// project"), so a page-target invitation grants editor access on the
// page's parent project, the same as a project-target invitation grants
// it directly.
func (s *Store) resolveInviteProjectID(ctx context.Context, target model.InvitationTarget, targetID int64) (int64, error) {
	switch target {
	case model.InviteTargetProject:
		return targetID, nil
	case model.InviteTargetPage:
		page, err := s.Page(ctx, targetID)
		if err != nil {
			return 0, fmt.Errorf("store: invite_editor resolve page: %w", err)
		}
		return page.ProjectID, nil
	default:
		return 0, fmt.Errorf("store: invite_editor: unknown target %q", target)
	}
}

// InviteEditor implements invite_editor(page_or_project, inviter, email,
// role) (spec §4.G). Email is normalized to lowercase. If it matches an
// existing user, they are added directly to editors (idempotent). Otherwise
// a pending invitation is created or returned (idempotent on email),
// carrying a random opaque token and the default 7-day expiry. An invite to
// someone outside the inviter's org consumes one slot of a per-inviter
// rate counter; exceeding it denies the invite and logs an admin alert.
func (s *Store) InviteEditor(ctx context.Context, resolver UserResolver, target model.InvitationTarget, targetID, inviterID int64, email string, role model.Role) (*model.Invitation, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	projectID, err := s.resolveInviteProjectID(ctx, target, targetID)
	if err != nil {
		return nil, err
	}
	proj, err := s.Project(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: invite_editor resolve project: %w", err)
	}

	userID, foundUser, err := resolver.UserIDByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("store: invite_editor resolve: %w", err)
	}

	external := true
	if foundUser {
		if isMember, err := s.IsOrgMember(ctx, proj.OrgID, userID); err != nil {
			return nil, fmt.Errorf("store: invite_editor org check: %w", err)
		} else if isMember {
			external = false
		}
	}
	if external {
		res, err := s.CheckAndIncrement(ctx, ratelimit.InviteUserKey(inviterID), externalInviteLimit, externalInviteWindow)
		if err != nil {
			return nil, fmt.Errorf("store: invite_editor rate limit: %w", err)
		}
		if !res.Allowed {
			log.Printf("store: admin alert: inviter %d exceeded external invite rate limit (%d/%s), denying invite to %q", inviterID, externalInviteLimit, externalInviteWindow, email)
			return nil, apierr.New(apierr.RateLimited, "external invite rate limit exceeded")
		}
	}

	if foundUser {
		if err := s.AddProjectEditor(ctx, projectID, userID, role); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var inv model.Invitation
	err = s.db.QueryRowContext(ctx, `
		SELECT id, token, target, target_id, email, role, inviter_id, expires_at, accepted, acceptor_id, created_at
		FROM invitations WHERE target = $1 AND target_id = $2 AND email = $3
	`, target, targetID, email).Scan(&inv.ID, &inv.Token, &inv.Target, &inv.TargetID, &inv.Email, &inv.Role,
		&inv.InviterID, &inv.ExpiresAt, &inv.Accepted, &inv.AcceptorID, &inv.CreatedAt)
	if err == nil {
		return &inv, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("store: invite_editor lookup: %w", err)
	}

	inv = model.Invitation{
		Token:     extid.Token(24),
		Target:    target,
		TargetID:  targetID,
		Email:     email,
		Role:      role,
		InviterID: inviterID,
		ExpiresAt: time.Now().Add(model.DefaultInvitationTTL),
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO invitations (token, target, target_id, email, role, inviter_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at
	`, inv.Token, inv.Target, inv.TargetID, inv.Email, inv.Role, inv.InviterID, inv.ExpiresAt,
	).Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: invite_editor create: %w", err)
	}
	return &inv, nil
}

// AcceptInvitation implements accept_invitation(user, token) (spec
// §4.G). Valid iff not accepted AND expiry strictly in the future AND a
// case-insensitive email match between user and invitation. On success,
// the user is added to editors with the invitation's role and the
// invitation is marked accepted. On email mismatch, returns
// apierr.EmailMismatch without mutating anything.
func (s *Store) AcceptInvitation(ctx context.Context, token string, userID int64, userEmail string) (model.Invitation, error) {
	var inv model.Invitation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, token, target, target_id, email, role, inviter_id, expires_at, accepted, acceptor_id, created_at
		FROM invitations WHERE token = $1
	`, token).Scan(&inv.ID, &inv.Token, &inv.Target, &inv.TargetID, &inv.Email, &inv.Role,
		&inv.InviterID, &inv.ExpiresAt, &inv.Accepted, &inv.AcceptorID, &inv.CreatedAt)
	if err == sql.ErrNoRows {
		return model.Invitation{}, apierr.New(apierr.InvalidInvitation, "invitation not found")
	}
	if err != nil {
		return model.Invitation{}, fmt.Errorf("store: accept_invitation lookup: %w", err)
	}
	if !inv.Valid(time.Now()) {
		return model.Invitation{}, apierr.New(apierr.InvalidInvitation, "invitation expired or already accepted")
	}
	if !strings.EqualFold(inv.Email, userEmail) {
		return model.Invitation{}, apierr.New(apierr.EmailMismatch, "invitation email does not match caller")
	}

	projectID, err := s.resolveInviteProjectID(ctx, inv.Target, inv.TargetID)
	if err != nil {
		return model.Invitation{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Invitation{}, fmt.Errorf("store: accept_invitation begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_editors (project_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = $3
	`, projectID, userID, inv.Role); err != nil {
		return model.Invitation{}, fmt.Errorf("store: accept_invitation add_editor: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE invitations SET accepted = true, acceptor_id = $1 WHERE id = $2`, userID, inv.ID,
	); err != nil {
		return model.Invitation{}, fmt.Errorf("store: accept_invitation flag: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Invitation{}, fmt.Errorf("store: accept_invitation commit: %w", err)
	}
	inv.Accepted = true
	inv.AcceptorID = &userID
	return inv, nil
}
