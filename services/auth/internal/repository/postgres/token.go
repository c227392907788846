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

// SingleUseTokenRepository implements repository.SingleUseTokenRepository
// using PostgreSQL.
type SingleUseTokenRepository struct {
	db database.DBTX
}

// NewSingleUseTokenRepository creates a new PostgreSQL-backed token repository.
func NewSingleUseTokenRepository(db database.DBTX) *SingleUseTokenRepository {
	return &SingleUseTokenRepository{db: db}
}

// Create stores a token record.
func (r *SingleUseTokenRepository) Create(ctx context.Context, t *domain.SingleUseToken) (err error) {
	query := `
		INSERT INTO single_use_tokens (id, user_id, kind, token_hash, expires_at, is_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	ctx, end := database.TraceQuery(ctx, "single_use_tokens.Create", query)
	defer func() { end(err) }()

	_, err = r.db.Exec(ctx, query, t.ID, t.UserID, string(t.Kind), t.TokenHash, t.ExpiresAt, t.IsUsed, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert single-use token: %w", err)
	}
	return nil
}

// Consume marks the token used if, and only if, it is unused and unexpired.
// The row lock taken by UPDATE serializes concurrent consumers; later ones
// see is_used = true and match nothing.
func (r *SingleUseTokenRepository) Consume(ctx context.Context, tokenHash string, kind domain.TokenKind, now time.Time) (userID string, err error) {
	query := `
		UPDATE single_use_tokens
		SET is_used = true, used_at = $1
		WHERE token_hash = $2 AND kind = $3 AND is_used = false AND expires_at >= $1
		RETURNING user_id`

	ctx, end := database.TraceQuery(ctx, "single_use_tokens.Consume", query)
	defer func() { end(err) }()

	err = r.db.QueryRow(ctx, query, now, tokenHash, string(kind)).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.ErrNotFound
		}
		return "", fmt.Errorf("consume single-use token: %w", err)
	}
	return userID, nil
}

// GetByHash retrieves a token record by digest and kind.
func (r *SingleUseTokenRepository) GetByHash(ctx context.Context, tokenHash string, kind domain.TokenKind) (t *domain.SingleUseToken, err error) {
	query := `
		SELECT id, user_id, kind, token_hash, expires_at, is_used, used_at, created_at
		FROM single_use_tokens
		WHERE token_hash = $1 AND kind = $2`

	ctx, end := database.TraceQuery(ctx, "single_use_tokens.GetByHash", query)
	defer func() { end(err) }()

	var tok domain.SingleUseToken
	err = r.db.QueryRow(ctx, query, tokenHash, string(kind)).Scan(
		&tok.ID,
		&tok.UserID,
		&tok.Kind,
		&tok.TokenHash,
		&tok.ExpiresAt,
		&tok.IsUsed,
		&tok.UsedAt,
		&tok.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan single-use token: %w", err)
	}
	return &tok, nil
}

// DeleteExpired removes tokens whose expiry is before cutoff.
func (r *SingleUseTokenRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (n int64, err error) {
	query := `DELETE FROM single_use_tokens WHERE expires_at < $1`

	ctx, end := database.TraceQuery(ctx, "single_use_tokens.DeleteExpired", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired single-use tokens: %w", err)
	}
	return ct.RowsAffected(), nil
}
