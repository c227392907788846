package service

import (
	"context"

	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
)

// Mailer delivers single-use token values to the user's inbox. Delivery is a
// side effect: the credential service logs failures and carries on.
type Mailer interface {
	SendVerificationEmail(ctx context.Context, user *domain.User, token string) error
	SendPasswordResetEmail(ctx context.Context, user *domain.User, token string) error
}
