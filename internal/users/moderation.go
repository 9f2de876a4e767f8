package users

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/linkdeal/internal/email"
	"github.com/jmerrifield20/linkdeal/internal/idp"
	"github.com/jmerrifield20/linkdeal/internal/securetoken"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ListUsers returns users for the admin console.
func (s *Service) ListUsers(ctx context.Context, f ListFilter) ([]*User, error) {
	if f.Role != "" && !f.Role.Valid() {
		return nil, ErrInvalidRole
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.ListUsers(ctx, f)
}

// ApproveMentor approves a pending or rejected mentor application.
func (s *Service) ApproveMentor(ctx context.Context, actor *User, userID uuid.UUID) (*MentorProfile, error) {
	return s.setMentorStatus(ctx, actor, userID, ModerationApproved, "",
		ModerationPending, ModerationRejected)
}

// RejectMentor rejects a pending mentor application.
func (s *Service) RejectMentor(ctx context.Context, actor *User, userID uuid.UUID, reason string) (*MentorProfile, error) {
	return s.setMentorStatus(ctx, actor, userID, ModerationRejected, reason,
		ModerationPending)
}

func (s *Service) setMentorStatus(ctx context.Context, actor *User, userID uuid.UUID, to ModerationStatus, reason string, from ...ModerationStatus) (*MentorProfile, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	target, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if target.Role != RoleMentor {
		return nil, ErrInvalidRole
	}
	p, err := s.store.GetMentorProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !statusIn(p.Status, from) {
		return nil, fmt.Errorf("%w: mentor is %s", ErrInvalidTransition, p.Status)
	}

	p.Status = to
	p.StatusReason = reason
	if err := s.store.SaveMentorProfile(ctx, p); err != nil {
		return nil, err
	}
	s.logModeration(actor, target, to)
	s.notifyStatus(ctx, target, to, reason)
	return p, nil
}

// BanUser bans a mentor or mentee. Admin accounts cannot be banned.
func (s *Service) BanUser(ctx context.Context, actor *User, userID uuid.UUID, reason string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if actor.ID == userID {
		return ErrForbidden
	}
	target, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	switch target.Role {
	case RoleMentor:
		p, err := s.store.GetMentorProfile(ctx, userID)
		if err != nil {
			return err
		}
		if p.Status == ModerationBanned {
			return fmt.Errorf("%w: already banned", ErrInvalidTransition)
		}
		p.Status, p.StatusReason = ModerationBanned, reason
		if err := s.store.SaveMentorProfile(ctx, p); err != nil {
			return err
		}
	case RoleMentee:
		p, err := s.store.GetMenteeProfile(ctx, userID)
		if err != nil {
			return err
		}
		if p.Status == ModerationBanned {
			return fmt.Errorf("%w: already banned", ErrInvalidTransition)
		}
		p.Status, p.StatusReason = ModerationBanned, reason
		if err := s.store.SaveMenteeProfile(ctx, p); err != nil {
			return err
		}
	default:
		return ErrInvalidRole
	}

	s.logModeration(actor, target, ModerationBanned)
	s.notifyStatus(ctx, target, ModerationBanned, reason)
	return nil
}

// UnbanUser lifts a ban. Mentors return to approved, mentees to active.
func (s *Service) UnbanUser(ctx context.Context, actor *User, userID uuid.UUID) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	target, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	var to ModerationStatus
	switch target.Role {
	case RoleMentor:
		p, err := s.store.GetMentorProfile(ctx, userID)
		if err != nil {
			return err
		}
		if p.Status != ModerationBanned {
			return fmt.Errorf("%w: mentor is not banned", ErrInvalidTransition)
		}
		to = ModerationApproved
		p.Status, p.StatusReason = to, ""
		if err := s.store.SaveMentorProfile(ctx, p); err != nil {
			return err
		}
	case RoleMentee:
		p, err := s.store.GetMenteeProfile(ctx, userID)
		if err != nil {
			return err
		}
		if p.Status != ModerationBanned {
			return fmt.Errorf("%w: mentee is not banned", ErrInvalidTransition)
		}
		to = ModerationActive
		p.Status, p.StatusReason = to, ""
		if err := s.store.SaveMenteeProfile(ctx, p); err != nil {
			return err
		}
	default:
		return ErrInvalidRole
	}

	s.logModeration(actor, target, to)
	s.notifyStatus(ctx, target, ModerationActive, "")
	return nil
}

// ChangeRole reassigns a user's role. Only super admins may grant or revoke
// admin roles, and nobody may change their own role.
func (s *Service) ChangeRole(ctx context.Context, actor *User, userID uuid.UUID, role Role) (*User, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if actor.ID == userID {
		return nil, ErrForbidden
	}
	target, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if (role.IsAdmin() || target.Role.IsAdmin()) && actor.Role != RoleSuperAdmin {
		return nil, ErrForbidden
	}
	if target.Role == role {
		return target, nil
	}

	if err := s.provider.UpdateAppMetadata(ctx, target.ExternalID, map[string]any{"role": string(role)}); err != nil {
		return nil, fmt.Errorf("update provider role metadata: %w", err)
	}
	if err := s.provider.AssignRole(ctx, target.ExternalID, string(role)); err != nil {
		return nil, fmt.Errorf("assign provider role: %w", err)
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.UpdateRole(ctx, userID, role); err != nil {
			return err
		}
		if role.Registrable() {
			return s.UpsertProfile(ctx, userID, &ProfileInput{Role: role})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("role changed",
		zap.String("actor_id", actor.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("from", string(target.Role)),
		zap.String("to", string(role)),
	)
	target.Role = role
	return target, nil
}

// DeleteUser removes the user at the provider and then locally. Profiles,
// identities, tokens and linking records cascade.
func (s *Service) DeleteUser(ctx context.Context, actor *User, userID uuid.UUID) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if actor.ID == userID {
		return ErrForbidden
	}
	target, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if target.Role.IsAdmin() && actor.Role != RoleSuperAdmin {
		return ErrForbidden
	}

	if err := s.provider.DeleteUser(ctx, target.ExternalID); err != nil && idp.StatusOf(err) != http.StatusNotFound {
		return fmt.Errorf("delete provider user: %w", err)
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("user deleted",
		zap.String("actor_id", actor.ID.String()),
		zap.String("user_id", userID.String()),
	)
	return nil
}

// InviteAdmin creates an admin account in the invited state and emails a
// link to set its password. Only super admins may invite.
func (s *Service) InviteAdmin(ctx context.Context, actor *User, emailAddr, fullName string) (*User, error) {
	if actor == nil || actor.Role != RoleSuperAdmin {
		return nil, ErrForbidden
	}
	emailAddr = normalizeEmail(emailAddr)
	exists, err := s.CheckEmail(ctx, emailAddr)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateEmail
	}

	// The invitee never sees this password; they replace it through the link.
	placeholder, _, err := securetoken.New()
	if err != nil {
		return nil, err
	}
	pu, err := s.provider.CreateUser(ctx, idp.CreateUserRequest{
		Email:       emailAddr,
		Password:    placeholder + "!Aa1",
		Name:        fullName,
		AppMetadata: map[string]any{"role": string(RoleAdmin)},
	})
	if err != nil {
		if idp.StatusOf(err) == http.StatusConflict {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create provider user: %w", err)
	}

	inviter := actor.ID
	u := &User{
		ExternalID: pu.UserID,
		Email:      emailAddr,
		Role:       RoleAdmin,
		Status:     StatusInvited,
		InvitedBy:  &inviter,
		FullName:   fullName,
	}
	var raw string
	err = s.provider.AssignRole(ctx, u.ExternalID, string(RoleAdmin))
	if err == nil {
		err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := s.store.CreateUser(ctx, u); err != nil {
				return err
			}
			var tokErr error
			raw, tokErr = s.issueToken(ctx, u.ID, TokenPasswordReset, InviteTTL)
			return tokErr
		})
	}
	if err != nil {
		return nil, s.compensate(ctx, pu.UserID, err)
	}

	msg := email.AdminInvite(actor.Email, s.link("/auth/reset-password", raw), InviteTTL)
	if err := s.mailer.Send(ctx, u.Email, msg.Subject, msg.Body); err != nil {
		s.logger.Warn("failed to send invite email", zap.String("user_id", u.ID.String()), zap.Error(err))
	}
	s.logger.Info("admin invited",
		zap.String("actor_id", actor.ID.String()),
		zap.String("user_id", u.ID.String()),
	)
	return u, nil
}

// BootstrapSuperAdmin promotes an existing provider user to the first super
// admin. The local account is created when the provider user has none.
// It fails with ErrSuperAdminExists once any super admin is present.
func (s *Service) BootstrapSuperAdmin(ctx context.Context, externalID string) (*User, error) {
	existing, err := s.store.ListUsers(ctx, ListFilter{Role: RoleSuperAdmin, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrSuperAdminExists
	}

	pu, err := s.provider.GetUser(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("get provider user: %w", err)
	}
	if err := s.provider.UpdateAppMetadata(ctx, externalID, map[string]any{"role": string(RoleSuperAdmin)}); err != nil {
		return nil, fmt.Errorf("update provider role metadata: %w", err)
	}
	if err := s.provider.AssignRole(ctx, externalID, string(RoleSuperAdmin)); err != nil {
		return nil, fmt.Errorf("assign provider role: %w", err)
	}

	var u *User
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		found, err := s.store.GetUserByExternalID(ctx, externalID)
		switch {
		case errors.Is(err, ErrNotFound):
			u = &User{
				ExternalID: externalID,
				Email:      normalizeEmail(pu.Email),
				Role:       RoleSuperAdmin,
				Status:     StatusActive,
				FullName:   pu.Name,
			}
			return s.store.CreateUser(ctx, u)
		case err != nil:
			return err
		}
		if err := s.store.UpdateRole(ctx, found.ID, RoleSuperAdmin); err != nil {
			return err
		}
		if err := s.store.UpdateStatus(ctx, found.ID, StatusActive); err != nil {
			return err
		}
		found.Role = RoleSuperAdmin
		found.Status = StatusActive
		u = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("super admin bootstrapped", zap.String("user_id", u.ID.String()))
	return u, nil
}

func (s *Service) logModeration(actor, target *User, to ModerationStatus) {
	s.logger.Info("moderation status changed",
		zap.String("actor_id", actor.ID.String()),
		zap.String("user_id", target.ID.String()),
		zap.String("role", string(target.Role)),
		zap.String("status", string(to)),
	)
}

// notifyStatus emails the user after a status change. Failures are logged only.
func (s *Service) notifyStatus(ctx context.Context, target *User, status ModerationStatus, reason string) {
	msg := email.StatusChanged(string(target.Role), string(status), reason)
	if err := s.mailer.Send(ctx, target.Email, msg.Subject, msg.Body); err != nil {
		s.logger.Warn("failed to send status email", zap.String("user_id", target.ID.String()), zap.Error(err))
	}
}

func requireAdmin(actor *User) error {
	if actor == nil || !actor.Role.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

func statusIn(s ModerationStatus, set []ModerationStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
