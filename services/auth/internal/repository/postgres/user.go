package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Mega-0064/Learning-Platform/pkg/database"
	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
)

const (
	constraintUsersEmail    = "users_email_key"
	constraintUsersUsername = "users_username_key"

	userColumns = `id, username, email, password_hash, first_name, last_name, role,
		is_verified, is_active, is_locked, last_login_at, created_at, updated_at`
)

// UserRepository implements repository.UserRepository using PostgreSQL.
type UserRepository struct {
	db database.DBTX
}

// NewUserRepository creates a new PostgreSQL-backed user repository.
func NewUserRepository(db database.DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user.
func (r *UserRepository) Create(ctx context.Context, u *domain.User) (err error) {
	ctx, end := database.TraceQuery(ctx, "users.Create", "INSERT INTO users")
	defer func() { end(err) }()

	return insertUser(ctx, r.db, u)
}

func insertUser(ctx context.Context, db database.DBTX, u *domain.User) error {
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := db.Exec(ctx, query,
		u.ID,
		u.Username,
		u.Email,
		u.PasswordHash,
		u.FirstName,
		u.LastName,
		u.Role,
		u.IsVerified,
		u.IsActive,
		u.IsLocked,
		u.LastLoginAt,
		u.CreatedAt,
		u.UpdatedAt,
	)
	if err != nil {
		return mapUserWriteError(err, "insert user")
	}
	return nil
}

// GetByID retrieves a user by id.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.scanUser(ctx, "users.GetByID", `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByEmail retrieves a user by normalized email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.scanUser(ctx, "users.GetByEmail", `SELECT `+userColumns+` FROM users WHERE email = $1`, domain.NormalizeEmail(email))
}

// GetByUsername retrieves a user by username, case-insensitively.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.scanUser(ctx, "users.GetByUsername", `SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username)
}

// UpdateLastLogin stamps last_login_at.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, "users.UpdateLastLogin", id,
		`UPDATE users SET last_login_at = $1, updated_at = $1 WHERE id = $2`, at, id)
}

// UpdatePassword replaces the password hash.
func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return r.update(ctx, "users.UpdatePassword", id,
		`UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3`, passwordHash, time.Now().UTC(), id)
}

// MarkVerified sets is_verified.
func (r *UserRepository) MarkVerified(ctx context.Context, id string) error {
	return r.update(ctx, "users.MarkVerified", id,
		`UPDATE users SET is_verified = true, updated_at = $1 WHERE id = $2`, time.Now().UTC(), id)
}

func (r *UserRepository) update(ctx context.Context, op, id, query string, args ...any) (err error) {
	ctx, end := database.TraceQuery(ctx, op, query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("user", id)
	}
	return nil
}

func (r *UserRepository) scanUser(ctx context.Context, op, query string, args ...any) (u *domain.User, err error) {
	ctx, end := database.TraceQuery(ctx, op, query)
	defer func() {
		if errors.Is(err, apperrors.ErrNotFound) {
			end(nil)
			return
		}
		end(err)
	}()

	return scanUserRow(r.db.QueryRow(ctx, query, args...))
}

func scanUserRow(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.FirstName,
		&u.LastName,
		&u.Role,
		&u.IsVerified,
		&u.IsActive,
		&u.IsLocked,
		&u.LastLoginAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func mapUserWriteError(err error, what string) error {
	if constraint, ok := database.IsUniqueViolation(err); ok {
		switch constraint {
		case constraintUsersUsername:
			return domain.ErrDuplicateUsername
		case constraintUsersEmail:
			return domain.ErrDuplicateEmail
		}
		return fmt.Errorf("%s: %w", what, apperrors.ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", what, err)
}
