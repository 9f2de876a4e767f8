package linking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/linkdeal/internal/database"
	"github.com/jmerrifield20/linkdeal/internal/users"
)

// Store persists linking verifications.
type Store interface {
	FindActive(ctx context.Context, existingUserID uuid.UUID, newExternalID string, now time.Time) (*Verification, error)
	Create(ctx context.Context, v *Verification) error
	Delete(ctx context.Context, id uuid.UUID) error
	GetByTokenHash(ctx context.Context, hash string) (*Verification, error)
	UpdateToken(ctx context.Context, id uuid.UUID, hash string, payload []byte) error
	MarkExpired(ctx context.Context, id uuid.UUID) error
	MarkProviderMerged(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// Repository implements Store on PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) conn(ctx context.Context) database.DBTX {
	return database.Conn(ctx, r.db)
}

const verificationColumns = `id, token_hash, existing_user_id, new_external_id, new_email, pending_payload, role,
	verified, expired, provider_merged_at, created_at, expires_at, verified_at`

// FindActive returns the unverified, unexpired record for the pair. Stale
// records for the pair are flagged expired first so they stop counting as
// active.
func (r *Repository) FindActive(ctx context.Context, existingUserID uuid.UUID, newExternalID string, now time.Time) (*Verification, error) {
	db := r.conn(ctx)
	if _, err := db.Exec(ctx, `
		UPDATE account_linking_verifications SET expired = true
		WHERE existing_user_id = $1 AND new_external_id = $2
		  AND verified = false AND expired = false AND expires_at <= $3`,
		existingUserID, newExternalID, now); err != nil {
		return nil, fmt.Errorf("expire stale linking records: %w", err)
	}
	return r.scanOne(ctx, `SELECT `+verificationColumns+` FROM account_linking_verifications
		WHERE existing_user_id = $1 AND new_external_id = $2 AND verified = false AND expired = false
		LIMIT 1`, existingUserID, newExternalID)
}

// Create inserts v. Sets ID and CreatedAt.
func (r *Repository) Create(ctx context.Context, v *Verification) error {
	v.ID = uuid.New()
	v.CreatedAt = time.Now().UTC()
	payload := []byte(v.PendingPayload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO account_linking_verifications
			(id, token_hash, existing_user_id, new_external_id, new_email, pending_payload, role, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, v.TokenHash, v.ExistingUserID, v.NewExternalID, v.NewEmail, payload, string(v.Role),
		v.CreatedAt, v.ExpiresAt)
	if err != nil {
		if _, ok := database.UniqueViolation(err); ok {
			return ErrActiveExists
		}
		return fmt.Errorf("create linking record: %w", err)
	}
	return nil
}

// Delete removes a record.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM account_linking_verifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete linking record: %w", err)
	}
	return nil
}

// GetByTokenHash returns the record for a token hash or ErrTokenNotFound.
func (r *Repository) GetByTokenHash(ctx context.Context, hash string) (*Verification, error) {
	return r.scanOne(ctx, `SELECT `+verificationColumns+` FROM account_linking_verifications WHERE token_hash = $1`, hash)
}

// UpdateToken replaces the token hash and pending payload of an active
// record. The expiry is unchanged.
func (r *Repository) UpdateToken(ctx context.Context, id uuid.UUID, hash string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE account_linking_verifications SET token_hash = $2, pending_payload = $3 WHERE id = $1`,
		id, hash, payload)
	if err != nil {
		return fmt.Errorf("rotate linking token: %w", err)
	}
	return nil
}

// MarkExpired flags the record expired.
func (r *Repository) MarkExpired(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE account_linking_verifications SET expired = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark linking record expired: %w", err)
	}
	return nil
}

// MarkProviderMerged records that the provider-side merge succeeded.
func (r *Repository) MarkProviderMerged(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE account_linking_verifications SET provider_merged_at = $2 WHERE id = $1 AND provider_merged_at IS NULL`,
		id, at)
	if err != nil {
		return fmt.Errorf("mark provider merged: %w", err)
	}
	return nil
}

// MarkVerified flips verified on a record that is unverified and still
// unexpired at at. It reports false when another request got there first or
// the record has lapsed.
func (r *Repository) MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE account_linking_verifications SET verified = true, verified_at = $2
		WHERE id = $1 AND verified = false AND expired = false AND expires_at > $2`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark linking record verified: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeExpired deletes records whose expiry is before the cutoff.
func (r *Repository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM account_linking_verifications WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge linking records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) scanOne(ctx context.Context, q string, args ...any) (*Verification, error) {
	var v Verification
	var role string
	var payload []byte
	err := r.conn(ctx).QueryRow(ctx, q, args...).Scan(
		&v.ID, &v.TokenHash, &v.ExistingUserID, &v.NewExternalID, &v.NewEmail, &payload, &role,
		&v.Verified, &v.Expired, &v.ProviderMergedAt, &v.CreatedAt, &v.ExpiresAt, &v.VerifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("scan linking record: %w", err)
	}
	v.Role = users.Role(role)
	v.PendingPayload = payload
	return &v, nil
}
