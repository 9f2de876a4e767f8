package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/linkdeal/internal/database"
)

// Store is the persistence interface consumed by Service.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	ListUsers(ctx context.Context, f ListFilter) ([]*User, error)
	SetRoleIfEmpty(ctx context.Context, id uuid.UUID, role Role) (bool, error)
	UpdateRole(ctx context.Context, id uuid.UUID, role Role) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status AccountStatus) error
	UpdateFullName(ctx context.Context, id uuid.UUID, name string) error
	DeleteUser(ctx context.Context, id uuid.UUID) error

	AddLinkedIdentity(ctx context.Context, userID uuid.UUID, externalID string) error
	ListLinkedIdentities(ctx context.Context, userID uuid.UUID) ([]LinkedIdentity, error)

	GetMentorProfile(ctx context.Context, userID uuid.UUID) (*MentorProfile, error)
	SaveMentorProfile(ctx context.Context, p *MentorProfile) error
	GetMenteeProfile(ctx context.Context, userID uuid.UUID) (*MenteeProfile, error)
	SaveMenteeProfile(ctx context.Context, p *MenteeProfile) error

	CreateToken(ctx context.Context, t *Token) error
	GetToken(ctx context.Context, kind TokenKind, hash string) (*Token, error)
	MarkTokenUsed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// Repository implements Store on PostgreSQL. Calls made with a context from
// database.Transactor.WithinTx run inside that transaction.
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

const userColumns = `id, external_id, email, COALESCE(role, ''), status, invited_by, full_name, created_at, updated_at`

// CreateUser inserts u. Sets ID, CreatedAt and UpdatedAt.
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	u.Email = strings.ToLower(u.Email)

	q := `
		INSERT INTO users (id, external_id, email, role, status, invited_by, full_name, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)`
	_, err := r.conn(ctx).Exec(ctx, q,
		u.ID, u.ExternalID, u.Email, string(u.Role), string(u.Status), u.InvitedBy, u.FullName,
		u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if constraint, ok := database.UniqueViolation(err); ok {
			if constraint == "users_email_key" {
				return ErrDuplicateEmail
			}
			return ErrDuplicateExternalID
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by internal id.
func (r *Repository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.scanUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetUserByEmail retrieves a user by (case-insensitive) email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return r.scanUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(email))
}

// GetUserByExternalID resolves a provider subject through the primary
// external id and then the linked identities. It never creates rows.
func (r *Repository) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	q := `
		SELECT ` + userColumns + ` FROM users
		WHERE external_id = $1
		   OR id = (SELECT user_id FROM user_identities WHERE external_id = $1)
		LIMIT 1`
	return r.scanUser(ctx, q, externalID)
}

// ListUsers returns users matching f, newest first.
func (r *Repository) ListUsers(ctx context.Context, f ListFilter) ([]*User, error) {
	var (
		where []string
		args  []any
	)
	if f.Role != "" {
		args = append(args, string(f.Role))
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Email != "" {
		args = append(args, "%"+strings.ToLower(f.Email)+"%")
		where = append(where, fmt.Sprintf("email LIKE $%d", len(args)))
	}

	q := `SELECT ` + userColumns + ` FROM users`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetRoleIfEmpty assigns role only when the user has none. It reports whether
// the row changed.
func (r *Repository) SetRoleIfEmpty(ctx context.Context, id uuid.UUID, role Role) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE users SET role = $2, updated_at = $3 WHERE id = $1 AND role IS NULL`,
		id, string(role), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("set role: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateRole overwrites the user's role.
func (r *Repository) UpdateRole(ctx context.Context, id uuid.UUID, role Role) error {
	return r.execOne(ctx, "update role",
		`UPDATE users SET role = $2, updated_at = $3 WHERE id = $1`, id, string(role), time.Now().UTC())
}

// UpdateStatus sets the account status.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status AccountStatus) error {
	return r.execOne(ctx, "update status",
		`UPDATE users SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), time.Now().UTC())
}

// UpdateFullName sets the display name.
func (r *Repository) UpdateFullName(ctx context.Context, id uuid.UUID, name string) error {
	return r.execOne(ctx, "update name",
		`UPDATE users SET full_name = $2, updated_at = $3 WHERE id = $1`, id, name, time.Now().UTC())
}

// DeleteUser removes the user; profiles, identities and tokens cascade.
func (r *Repository) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, "delete user", `DELETE FROM users WHERE id = $1`, id)
}

// AddLinkedIdentity attaches externalID to userID. Attaching the same pair
// twice is a no-op; attaching an identity owned by another user returns
// ErrDuplicateExternalID.
func (r *Repository) AddLinkedIdentity(ctx context.Context, userID uuid.UUID, externalID string) error {
	db := r.conn(ctx)
	tag, err := db.Exec(ctx, `
		INSERT INTO user_identities (external_id, user_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (external_id) DO NOTHING`,
		externalID, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("add identity: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var owner uuid.UUID
	if err := db.QueryRow(ctx, `SELECT user_id FROM user_identities WHERE external_id = $1`, externalID).Scan(&owner); err != nil {
		return fmt.Errorf("lookup identity owner: %w", err)
	}
	if owner != userID {
		return ErrDuplicateExternalID
	}
	return nil
}

// ListLinkedIdentities returns the identities attached to userID.
func (r *Repository) ListLinkedIdentities(ctx context.Context, userID uuid.UUID) ([]LinkedIdentity, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT external_id, user_id, created_at FROM user_identities WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []LinkedIdentity
	for rows.Next() {
		var li LinkedIdentity
		if err := rows.Scan(&li.ExternalID, &li.UserID, &li.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

// GetMentorProfile returns the mentor profile or ErrProfileNotFound.
func (r *Repository) GetMentorProfile(ctx context.Context, userID uuid.UUID) (*MentorProfile, error) {
	var p MentorProfile
	var status string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT user_id, bio, skills, hourly_rate, bank_name, bank_account, status, status_reason, created_at, updated_at
		FROM mentor_profiles WHERE user_id = $1`, userID).Scan(
		&p.UserID, &p.Bio, &p.Skills, &p.HourlyRate, &p.BankName, &p.BankAccount,
		&status, &p.StatusReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("get mentor profile: %w", err)
	}
	p.Status = ModerationStatus(status)
	return &p, nil
}

// SaveMentorProfile inserts or updates the mentor profile.
func (r *Repository) SaveMentorProfile(ctx context.Context, p *MentorProfile) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Skills == nil {
		p.Skills = []string{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO mentor_profiles (user_id, bio, skills, hourly_rate, bank_name, bank_account, status, status_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			bio = EXCLUDED.bio,
			skills = EXCLUDED.skills,
			hourly_rate = EXCLUDED.hourly_rate,
			bank_name = EXCLUDED.bank_name,
			bank_account = EXCLUDED.bank_account,
			status = EXCLUDED.status,
			status_reason = EXCLUDED.status_reason,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Bio, p.Skills, p.HourlyRate, p.BankName, p.BankAccount,
		string(p.Status), p.StatusReason, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save mentor profile: %w", err)
	}
	return nil
}

// GetMenteeProfile returns the mentee profile or ErrProfileNotFound.
func (r *Repository) GetMenteeProfile(ctx context.Context, userID uuid.UUID) (*MenteeProfile, error) {
	var p MenteeProfile
	var status string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT user_id, bio, interests, goals, status, status_reason, created_at, updated_at
		FROM mentee_profiles WHERE user_id = $1`, userID).Scan(
		&p.UserID, &p.Bio, &p.Interests, &p.Goals, &status, &p.StatusReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("get mentee profile: %w", err)
	}
	p.Status = ModerationStatus(status)
	return &p, nil
}

// SaveMenteeProfile inserts or updates the mentee profile.
func (r *Repository) SaveMenteeProfile(ctx context.Context, p *MenteeProfile) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Interests == nil {
		p.Interests = []string{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO mentee_profiles (user_id, bio, interests, goals, status, status_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			bio = EXCLUDED.bio,
			interests = EXCLUDED.interests,
			goals = EXCLUDED.goals,
			status = EXCLUDED.status,
			status_reason = EXCLUDED.status_reason,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Bio, p.Interests, p.Goals, string(p.Status), p.StatusReason, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save mentee profile: %w", err)
	}
	return nil
}

// CreateToken stores t. Sets ID and CreatedAt.
func (r *Repository) CreateToken(ctx context.Context, t *Token) error {
	t.ID = uuid.New()
	t.CreatedAt = time.Now().UTC()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO user_tokens (id, user_id, kind, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.UserID, string(t.Kind), t.Hash, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

// GetToken looks up a token by kind and hash. Returns ErrTokenInvalid when
// there is none.
func (r *Repository) GetToken(ctx context.Context, kind TokenKind, hash string) (*Token, error) {
	var t Token
	var k string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, user_id, kind, token_hash, expires_at, used_at, created_at
		FROM user_tokens WHERE kind = $1 AND token_hash = $2`, string(kind), hash).Scan(
		&t.ID, &t.UserID, &k, &t.Hash, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	t.Kind = TokenKind(k)
	return &t, nil
}

// MarkTokenUsed consumes the token. It reports false when another request
// already used it.
func (r *Repository) MarkTokenUsed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE user_tokens SET used_at = $2 WHERE id = $1 AND used_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark token used: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteExpiredTokens removes tokens that expired or were used before now.
func (r *Repository) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM user_tokens WHERE expires_at <= $1 OR used_at IS NOT NULL`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) execOne(ctx context.Context, op, q string, args ...any) error {
	tag, err := r.conn(ctx).Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) scanUser(ctx context.Context, q string, args ...any) (*User, error) {
	u, err := scanUserRow(r.conn(ctx).QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func scanUserRow(row pgx.Row) (*User, error) {
	var u User
	var role, status string
	if err := row.Scan(
		&u.ID, &u.ExternalID, &u.Email, &role, &status, &u.InvitedBy, &u.FullName,
		&u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	u.Status = AccountStatus(status)
	return &u, nil
}
