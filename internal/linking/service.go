package linking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/linkdeal/internal/database"
	"github.com/jmerrifield20/linkdeal/internal/email"
	"github.com/jmerrifield20/linkdeal/internal/identity"
	"github.com/jmerrifield20/linkdeal/internal/idp"
	"github.com/jmerrifield20/linkdeal/internal/securetoken"
	"github.com/jmerrifield20/linkdeal/internal/users"
)

// Directory is the part of the users service the workflow depends on.
type Directory interface {
	FindByEmail(ctx context.Context, email string) (*users.User, error)
	FindByExternalID(ctx context.Context, externalID string) (*users.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*users.User, error)
	ModerationStatus(ctx context.Context, u *users.User) (users.ModerationStatus, error)
	AttachIdentity(ctx context.Context, userID uuid.UUID, externalID string) error
	UpsertProfile(ctx context.Context, userID uuid.UUID, in *users.ProfileInput) error
	SyncRole(ctx context.Context, u *users.User, role users.Role) (*users.User, error)
	Activate(ctx context.Context, u *users.User) (*users.User, error)
}

// Provider is the part of the identity provider API the workflow depends on.
type Provider interface {
	GetUser(ctx context.Context, userID string) (*idp.User, error)
	LinkIdentity(ctx context.Context, primaryID, secondaryID string) error
}

// Service runs the account linking workflow.
type Service struct {
	store       Store
	tx          database.Transactor
	users       Directory
	provider    Provider
	mailer      email.Sender
	frontendURL string
	logger      *zap.Logger
	now         func() time.Time
}

// NewService creates a new Service.
func NewService(store Store, tx database.Transactor, dir Directory, provider Provider, mailer email.Sender, frontendURL string, logger *zap.Logger) *Service {
	return &Service{
		store:       store,
		tx:          tx,
		users:       dir,
		provider:    provider,
		mailer:      mailer,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// RequestInput is the caller-supplied part of a linking request.
type RequestInput struct {
	Consent bool           `json:"consent"`
	Role    users.Role     `json:"role"`
	Payload map[string]any `json:"payload"`
}

// RequestResult describes the pending verification.
type RequestResult struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
	Resent    bool      `json:"resent"`
}

// RequestLinking asks the owner of the account registered under the token's
// email to confirm attaching the token's identity. Preconditions are checked
// in order and nothing is stored or sent until all of them pass.
func (s *Service) RequestLinking(ctx context.Context, claims *identity.Claims, in RequestInput) (res *RequestResult, err error) {
	defer func() { requestsTotal.WithLabelValues(outcome(err)).Inc() }()

	if !in.Consent {
		return nil, ErrConsentRequired
	}
	if claims == nil || claims.Subject == "" || claims.Email == "" {
		return nil, ErrNothingToLink
	}

	existing, err := s.users.FindByEmail(ctx, claims.Email)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, ErrNothingToLink
		}
		return nil, err
	}
	if existing.ExternalID == claims.Subject {
		return nil, ErrNothingToLink
	}
	if _, err := s.users.FindByExternalID(ctx, claims.Subject); err == nil {
		return nil, ErrAlreadyLinked
	} else if !errors.Is(err, users.ErrNotFound) {
		return nil, err
	}

	role := in.Role
	if role == "" {
		role = users.Role(claims.Role)
	}
	// Only mentor and mentee accounts link identities; admin accounts are
	// provisioned by invitation.
	if !role.Registrable() || role != existing.Role {
		return nil, ErrRoleMismatch
	}

	if err := s.checkNotBanned(ctx, existing); err != nil {
		return nil, err
	}
	if err := s.checkExistingEmailVerified(ctx, existing); err != nil {
		return nil, err
	}

	// An empty payload links the identity without touching the profile.
	var payload []byte
	if len(in.Payload) > 0 {
		if _, err := users.DecodeProfileInput(role, in.Payload); err != nil {
			return nil, err
		}
		if payload, err = json.Marshal(in.Payload); err != nil {
			return nil, fmt.Errorf("encode pending payload: %w", err)
		}
	}

	raw, hash, err := securetoken.New()
	if err != nil {
		return nil, err
	}

	v, created, err := s.upsertPending(ctx, existing, claims, role, hash, payload)
	if err != nil {
		return nil, err
	}

	provider, _ := identity.SplitSubject(claims.Subject)
	msg := email.LinkingRequest(provider, s.frontendURL+"/auth/verify-linking/"+url.PathEscape(raw), TTL)
	if err := s.mailer.Send(ctx, existing.Email, msg.Subject, msg.Body); err != nil {
		s.logger.Error("failed to send linking email",
			zap.String("user_id", existing.ID.String()),
			zap.Error(err),
		)
		if created {
			if delErr := s.store.Delete(ctx, v.ID); delErr != nil {
				s.logger.Error("failed to delete linking record after email failure",
					zap.String("verification_id", v.ID.String()),
					zap.Error(delErr),
				)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrEmailDelivery, err)
	}

	s.logger.Info("linking requested",
		zap.String("user_id", existing.ID.String()),
		zap.String("new_external_id", claims.Subject),
		zap.Bool("resent", !created),
	)
	return &RequestResult{Email: existing.Email, ExpiresAt: v.ExpiresAt, Resent: !created}, nil
}

// upsertPending reuses the active record for the pair, rotating its token,
// or creates a new one. created reports which happened.
func (s *Service) upsertPending(ctx context.Context, existing *users.User, claims *identity.Claims, role users.Role, hash string, payload []byte) (*Verification, bool, error) {
	now := s.now().UTC()
	for attempt := 0; attempt < 2; attempt++ {
		v, err := s.store.FindActive(ctx, existing.ID, claims.Subject, now)
		switch {
		case err == nil:
			if err := s.store.UpdateToken(ctx, v.ID, hash, payload); err != nil {
				return nil, false, err
			}
			v.TokenHash = hash
			v.PendingPayload = payload
			return v, false, nil
		case !errors.Is(err, ErrTokenNotFound):
			return nil, false, err
		}

		v = &Verification{
			TokenHash:      hash,
			ExistingUserID: existing.ID,
			NewExternalID:  claims.Subject,
			NewEmail:       strings.ToLower(claims.Email),
			PendingPayload: payload,
			Role:           role,
			ExpiresAt:      now.Add(TTL),
		}
		err = s.store.Create(ctx, v)
		if err == nil {
			return v, true, nil
		}
		if !errors.Is(err, ErrActiveExists) {
			return nil, false, err
		}
	}
	return nil, false, ErrActiveExists
}

// VerifyLinking completes a linking request from its emailed token.
//
// The provider merge runs with no transaction open and its success is
// recorded on the row before the local state changes, so a failed local
// commit can be retried without merging twice. A failed merge leaves the
// record unverified and retryable.
func (s *Service) VerifyLinking(ctx context.Context, raw string) (u *users.User, err error) {
	defer func() { verificationsTotal.WithLabelValues(outcome(err)).Inc() }()

	if raw == "" {
		return nil, ErrTokenNotFound
	}
	v, err := s.store.GetByTokenHash(ctx, securetoken.Hash(raw))
	if err != nil {
		return nil, err
	}
	if v.Verified {
		return nil, ErrAlreadyVerified
	}
	now := s.now().UTC()
	if v.ExpiredAt(now) {
		if !v.Expired {
			if err := s.store.MarkExpired(ctx, v.ID); err != nil {
				return nil, err
			}
		}
		return nil, ErrExpired
	}

	existing, err := s.users.GetByID(ctx, v.ExistingUserID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	if existing.Role != v.Role {
		return nil, ErrRoleMismatch
	}
	if err := s.checkNotBanned(ctx, existing); err != nil {
		return nil, err
	}

	if v.ProviderMergedAt == nil {
		if err := s.provider.LinkIdentity(ctx, existing.ExternalID, v.NewExternalID); err != nil {
			if !s.mergedAtProvider(ctx, existing.ExternalID, v.NewExternalID) {
				s.logger.Warn("provider identity merge failed",
					zap.String("verification_id", v.ID.String()),
					zap.Error(err),
				)
				return nil, fmt.Errorf("merge identities: %w", err)
			}
			s.logger.Info("identity already attached at provider",
				zap.String("verification_id", v.ID.String()),
			)
		}
		if err := s.store.MarkProviderMerged(ctx, v.ID, now); err != nil {
			return nil, err
		}
	}

	profile, err := decodePending(v)
	if err != nil {
		return nil, err
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := s.store.MarkVerified(ctx, v.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyVerified
		}
		if err := s.users.AttachIdentity(ctx, existing.ID, v.NewExternalID); err != nil {
			return err
		}
		if profile != nil {
			if err := s.users.UpsertProfile(ctx, existing.ID, profile); err != nil {
				return err
			}
		}
		if u, err = s.users.SyncRole(ctx, existing, v.Role); err != nil {
			return err
		}
		u, err = s.users.Activate(ctx, u)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("accounts linked",
		zap.String("user_id", existing.ID.String()),
		zap.String("linked_external_id", v.NewExternalID),
	)
	return u, nil
}

// PurgeExpired removes records whose expiry is older than retention.
func (s *Service) PurgeExpired(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	return s.store.PurgeExpired(ctx, now.Add(-retention))
}

func (s *Service) checkNotBanned(ctx context.Context, u *users.User) error {
	status, err := s.users.ModerationStatus(ctx, u)
	if err != nil && !errors.Is(err, users.ErrProfileNotFound) {
		return err
	}
	if status == users.ModerationBanned {
		return ErrAccountBanned
	}
	return nil
}

// checkExistingEmailVerified requires password accounts to have proven their
// email before a new identity can be attached. Any failure to check refuses.
func (s *Service) checkExistingEmailVerified(ctx context.Context, u *users.User) error {
	if identity.ConnectionFromSubject(u.ExternalID) != identity.ConnectionPassword {
		return nil
	}
	pu, err := s.provider.GetUser(ctx, u.ExternalID)
	if err != nil {
		s.logger.Warn("could not check existing email verification",
			zap.String("user_id", u.ID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	if !pu.EmailVerified {
		return ErrExistingEmailUnverified
	}
	return nil
}

// mergedAtProvider reports whether secondaryID is already attached to the
// primary provider user. A failed lookup counts as not merged.
func (s *Service) mergedAtProvider(ctx context.Context, primaryID, secondaryID string) bool {
	pu, err := s.provider.GetUser(ctx, primaryID)
	if err != nil {
		return false
	}
	return pu.HasIdentity(secondaryID)
}

func decodePending(v *Verification) (*users.ProfileInput, error) {
	if len(v.PendingPayload) == 0 || !v.Role.Registrable() {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(v.PendingPayload, &payload); err != nil {
		return nil, fmt.Errorf("decode pending payload: %w", err)
	}
	if len(payload) == 0 {
		return nil, nil
	}
	return users.DecodeProfileInput(v.Role, payload)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrConsentRequired):
		return "consent_required"
	case errors.Is(err, ErrNothingToLink), errors.Is(err, ErrAlreadyLinked):
		return "nothing_to_link"
	case errors.Is(err, ErrRoleMismatch):
		return "role_mismatch"
	case errors.Is(err, ErrAccountBanned):
		return "banned"
	case errors.Is(err, ErrExistingEmailUnverified), errors.Is(err, ErrVerificationUnavailable):
		return "email_unverified"
	case errors.Is(err, ErrEmailDelivery):
		return "email_failed"
	case errors.Is(err, ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyVerified):
		return "already_verified"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, users.ErrInvalidInput):
		return "invalid_input"
	case idp.IsExternal(err):
		return "provider_error"
	default:
		return "error"
	}
}
