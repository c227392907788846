package repository

import (
	"context"
	"time"

	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
)

// UserRepository persists identities. Lookups that match nothing return
// apperrors.ErrNotFound; unique violations on create or update return
// domain.ErrDuplicateEmail or domain.ErrDuplicateUsername.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)

	// UpdateLastLogin stamps a successful login.
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error

	// UpdatePassword replaces the stored password hash.
	UpdatePassword(ctx context.Context, id, passwordHash string) error

	// MarkVerified sets is_verified on the identity.
	MarkVerified(ctx context.Context, id string) error
}

// SingleUseTokenRepository persists verification and reset tokens by digest.
type SingleUseTokenRepository interface {
	Create(ctx context.Context, token *domain.SingleUseToken) error

	// Consume marks the matching token used in one conditional write and
	// returns its owner. It succeeds only if the token is unused and not
	// expired at now; otherwise it returns apperrors.ErrNotFound and the
	// caller inspects the record with GetByHash.
	Consume(ctx context.Context, tokenHash string, kind domain.TokenKind, now time.Time) (userID string, err error)

	GetByHash(ctx context.Context, tokenHash string, kind domain.TokenKind) (*domain.SingleUseToken, error)

	// DeleteExpired removes tokens that expired before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// ExternalIdentityRepository persists social identity links.
type ExternalIdentityRepository interface {
	GetByProvider(ctx context.Context, provider, providerUserID string) (*domain.ExternalIdentity, error)

	// Upsert inserts the link or, when (provider, providerUserID) exists,
	// refreshes its cached token and profile. The stored row is written back
	// into link, so link.UserID reflects the owner that won.
	Upsert(ctx context.Context, link *domain.ExternalIdentity) error

	// CreateWithUser inserts a new identity and its first link atomically.
	// A link conflict returns apperrors.ErrAlreadyExists.
	CreateWithUser(ctx context.Context, user *domain.User, link *domain.ExternalIdentity) error
}

// RevocationStore records revoked refresh tokens.
type RevocationStore interface {
	// Revoke marks jti revoked for ttl. It reports true only for the first
	// caller, which makes it the arbiter of refresh rotation races.
	Revoke(ctx context.Context, jti string, ttl time.Duration) (bool, error)

	IsRevoked(ctx context.Context, jti string) (bool, error)

	// RevokeUser invalidates every refresh token of userID issued before at.
	RevokeUser(ctx context.Context, userID string, at time.Time, ttl time.Duration) error

	// UserRevokedAt returns the watermark set by RevokeUser, or the zero time.
	UserRevokedAt(ctx context.Context, userID string) (time.Time, error)
}
