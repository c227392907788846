package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Mega-0064/Learning-Platform/pkg/database"
	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
)

const constraintIdentityProvider = "external_identities_provider_key"

// ExternalIdentityRepository implements repository.ExternalIdentityRepository
// using PostgreSQL.
type ExternalIdentityRepository struct {
	db database.DBTX
}

// NewExternalIdentityRepository creates a new PostgreSQL-backed link repository.
func NewExternalIdentityRepository(db database.DBTX) *ExternalIdentityRepository {
	return &ExternalIdentityRepository{db: db}
}

// GetByProvider retrieves the link for a provider account.
func (r *ExternalIdentityRepository) GetByProvider(ctx context.Context, provider, providerUserID string) (link *domain.ExternalIdentity, err error) {
	query := `
		SELECT id, user_id, provider, provider_user_id, access_token, profile, created_at, updated_at
		FROM external_identities
		WHERE provider = $1 AND provider_user_id = $2`

	ctx, end := database.TraceQuery(ctx, "external_identities.GetByProvider", query)
	defer func() { end(err) }()

	var l domain.ExternalIdentity
	err = r.db.QueryRow(ctx, query, provider, providerUserID).Scan(
		&l.ID,
		&l.UserID,
		&l.Provider,
		&l.ProviderUserID,
		&l.AccessToken,
		&l.Profile,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan external identity: %w", err)
	}
	return &l, nil
}

// Upsert inserts or refreshes a link. user_id is never reassigned on conflict.
func (r *ExternalIdentityRepository) Upsert(ctx context.Context, l *domain.ExternalIdentity) (err error) {
	ctx, end := database.TraceQuery(ctx, "external_identities.Upsert", "INSERT INTO external_identities ON CONFLICT")
	defer func() { end(err) }()

	return upsertIdentity(ctx, r.db, l)
}

func upsertIdentity(ctx context.Context, db database.DBTX, l *domain.ExternalIdentity) error {
	query := `
		INSERT INTO external_identities (id, user_id, provider, provider_user_id, access_token, profile, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider, provider_user_id)
		DO UPDATE SET access_token = EXCLUDED.access_token, profile = EXCLUDED.profile, updated_at = EXCLUDED.updated_at
		RETURNING id, user_id, created_at`

	err := db.QueryRow(ctx, query,
		l.ID,
		l.UserID,
		l.Provider,
		l.ProviderUserID,
		l.AccessToken,
		l.Profile,
		l.CreatedAt,
		l.UpdatedAt,
	).Scan(&l.ID, &l.UserID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert external identity: %w", err)
	}
	return nil
}

// CreateWithUser inserts a user and its first link in one transaction.
func (r *ExternalIdentityRepository) CreateWithUser(ctx context.Context, u *domain.User, l *domain.ExternalIdentity) (err error) {
	ctx, end := database.TraceQuery(ctx, "external_identities.CreateWithUser", "INSERT INTO users; INSERT INTO external_identities")
	defer func() { end(err) }()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err = insertUser(ctx, tx, u); err != nil {
		return err
	}

	query := `
		INSERT INTO external_identities (id, user_id, provider, provider_user_id, access_token, profile, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = tx.Exec(ctx, query, l.ID, u.ID, l.Provider, l.ProviderUserID, l.AccessToken, l.Profile, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		if constraint, ok := database.IsUniqueViolation(err); ok && constraint == constraintIdentityProvider {
			return fmt.Errorf("insert external identity: %w", apperrors.ErrAlreadyExists)
		}
		return fmt.Errorf("insert external identity: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	l.UserID = u.ID
	return nil
}
