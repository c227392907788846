// Package mailer holds Mailer implementations that do not leave the process.
package mailer

import (
	"context"
	"log/slog"

	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/event"
)

// LogMailer writes the links it would have emailed to the log. It is meant
// for local development, where no notification service is running.
type LogMailer struct {
	baseURL string
	logger  *slog.Logger
}

// NewLogMailer creates a new log mailer.
func NewLogMailer(baseURL string, logger *slog.Logger) *LogMailer {
	return &LogMailer{baseURL: baseURL, logger: logger}
}

// SendVerificationEmail logs the verification link.
func (m *LogMailer) SendVerificationEmail(ctx context.Context, user *domain.User, token string) error {
	m.logger.InfoContext(ctx, "verification email",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
		slog.String("link", event.Link(m.baseURL, "/verify-email", token)),
	)
	return nil
}

// SendPasswordResetEmail logs the password reset link.
func (m *LogMailer) SendPasswordResetEmail(ctx context.Context, user *domain.User, token string) error {
	m.logger.InfoContext(ctx, "password reset email",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
		slog.String("link", event.Link(m.baseURL, "/reset-password", token)),
	)
	return nil
}
