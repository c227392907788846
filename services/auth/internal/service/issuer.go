package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/auth"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/repository"
)

// TokenIssuer mints access/refresh pairs and rotates refresh tokens.
// Rotated and logged-out refresh tokens are recorded in the revocation store
// until they would have expired anyway.
type TokenIssuer struct {
	jwt         *auth.JWTManager
	users       repository.UserRepository
	revocations repository.RevocationStore
	logger      *slog.Logger
	now         func() time.Time
}

// NewTokenIssuer creates a new token issuer.
func NewTokenIssuer(
	jwt *auth.JWTManager,
	users repository.UserRepository,
	revocations repository.RevocationStore,
	logger *slog.Logger,
) *TokenIssuer {
	return &TokenIssuer{
		jwt:         jwt,
		users:       users,
		revocations: revocations,
		logger:      logger,
		now:         time.Now,
	}
}

// Issue signs a fresh pair for user.
func (i *TokenIssuer) Issue(_ context.Context, user *domain.User) (*domain.TokenPair, error) {
	access, err := i.jwt.GenerateAccessToken(user.ID, user.Email, user.Role)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	refresh, _, err := i.jwt.GenerateRefreshToken(user.ID)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	return &domain.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(i.jwt.AccessExpiry() / time.Second),
	}, nil
}

// Refresh verifies refreshToken, revokes it and returns a new pair for its
// owner. Of two concurrent refreshes with the same token only one succeeds.
func (i *TokenIssuer) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	pair, result, err := i.refresh(ctx, refreshToken)
	tokenRefreshes.WithLabelValues(result).Inc()
	return pair, err
}

func (i *TokenIssuer) refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, string, error) {
	if refreshToken == "" {
		return nil, resultInvalid, errInvalidBearer
	}

	claims, err := i.jwt.ValidateRefreshToken(refreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrTokenExpired) {
			return nil, resultExpired, errExpiredBearer
		}
		return nil, resultInvalid, errInvalidBearer
	}

	revoked, err := i.isRevoked(ctx, claims)
	if err != nil {
		return nil, resultError, err
	}
	if revoked {
		i.logger.WarnContext(ctx, "revoked refresh token presented",
			slog.String("user_id", claims.UserID),
			slog.String("jti", claims.ID),
		)
		return nil, resultRevoked, errInvalidBearer
	}

	user, err := i.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, resultInvalid, errUserGone
		}
		return nil, resultError, fmt.Errorf("get user for token refresh: %w", err)
	}
	if err := user.CheckAccess(); err != nil {
		return nil, resultBlocked, accessError(err)
	}

	won, err := i.revocations.Revoke(ctx, claims.ID, i.remaining(claims))
	if err != nil {
		return nil, resultError, fmt.Errorf("revoke rotated refresh token: %w", err)
	}
	if !won {
		return nil, resultRevoked, errInvalidBearer
	}

	pair, err := i.Issue(ctx, user)
	if err != nil {
		return nil, resultError, err
	}

	i.logger.InfoContext(ctx, "tokens refreshed",
		slog.String("user_id", user.ID),
	)
	return pair, resultSuccess, nil
}

// isRevoked checks both the token's own jti and the owner's watermark.
// Issued-at has second precision, so only tokens from whole seconds before
// the watermark are rejected.
func (i *TokenIssuer) isRevoked(ctx context.Context, claims *auth.RefreshClaims) (bool, error) {
	revoked, err := i.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return false, fmt.Errorf("check refresh token revocation: %w", err)
	}
	if revoked {
		return true, nil
	}

	watermark, err := i.revocations.UserRevokedAt(ctx, claims.UserID)
	if err != nil {
		return false, fmt.Errorf("check user revocation: %w", err)
	}
	if watermark.IsZero() || claims.IssuedAt == nil {
		return false, nil
	}
	return claims.IssuedAt.Time.Before(watermark.Truncate(time.Second)), nil
}

// Revoke invalidates refreshToken if it is valid and belongs to userID.
// Tokens that fail validation are already unusable and are ignored.
func (i *TokenIssuer) Revoke(ctx context.Context, userID, refreshToken string) error {
	claims, err := i.jwt.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil
	}
	if claims.UserID != userID {
		return apperrors.Forbidden("refresh token belongs to another user")
	}
	if _, err := i.revocations.Revoke(ctx, claims.ID, i.remaining(claims)); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAll invalidates every refresh token issued to userID so far.
func (i *TokenIssuer) RevokeAll(ctx context.Context, userID string) error {
	if err := i.revocations.RevokeUser(ctx, userID, i.now(), i.jwt.RefreshExpiry()); err != nil {
		return fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return nil
}

func (i *TokenIssuer) remaining(claims *auth.RefreshClaims) time.Duration {
	if claims.ExpiresAt == nil {
		return i.jwt.RefreshExpiry()
	}
	if d := claims.ExpiresAt.Time.Sub(i.now()); d > time.Second {
		return d
	}
	return time.Second
}
