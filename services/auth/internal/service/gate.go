package service

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
	"github.com/Mega-0064/Learning-Platform/pkg/middleware"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/auth"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/repository"
)

// Gate authenticates bearer access tokens for middleware.Auth. The principal
// reflects the stored user, not the claims, so role changes and locks apply
// before the token expires.
type Gate struct {
	jwt   *auth.JWTManager
	users repository.UserRepository
}

var _ middleware.Authenticator = (*Gate)(nil)

// NewGate creates a new authorization gate.
func NewGate(jwt *auth.JWTManager, users repository.UserRepository) *Gate {
	return &Gate{jwt: jwt, users: users}
}

// Authenticate verifies an access token and loads its user.
func (g *Gate) Authenticate(ctx context.Context, bearer string) (*middleware.Principal, error) {
	claims, err := g.jwt.ValidateAccessToken(bearer)
	if err != nil {
		return nil, bearerError(err)
	}

	user, err := g.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, errUserGone
		}
		return nil, fmt.Errorf("load principal: %w", err)
	}
	if err := user.CheckAccess(); err != nil {
		return nil, accessError(err)
	}

	return &middleware.Principal{
		UserID:     user.ID,
		Email:      user.Email,
		Role:       user.Role,
		IsVerified: user.IsVerified,
	}, nil
}
