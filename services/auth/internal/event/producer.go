package event

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	pkgkafka "github.com/Mega-0064/Learning-Platform/pkg/kafka"
	"github.com/Mega-0064/Learning-Platform/pkg/logger"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
)

// Kafka topics consumed by the notification service.
var (
	TopicVerificationRequested  = pkgkafka.Topic("auth", "verification_requested")
	TopicPasswordResetRequested = pkgkafka.Topic("auth", "password_reset_requested")
)

// Event types carried in the envelope.
const (
	TypeVerificationRequested  = "auth.verification_requested"
	TypePasswordResetRequested = "auth.password_reset_requested"
)

// SourceAuthService identifies events originating from the auth service.
const SourceAuthService = "auth-service"

// Front-end paths that accept a token query parameter.
const (
	verifyEmailPath   = "/verify-email"
	resetPasswordPath = "/reset-password"
)

// EmailRequestedData is the payload of both email events. Link is a
// ready-to-send front-end URL embedding Token.
type EmailRequestedData struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"firstName,omitempty"`
	Token     string `json:"token"`
	Link      string `json:"link"`
}

// Publisher is the part of pkg/kafka.Producer the email producer needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// EmailProducer hands verification and reset emails to the notification
// service over Kafka. It implements service.Mailer.
type EmailProducer struct {
	publisher Publisher
	baseURL   string
	logger    *slog.Logger
}

// NewEmailProducer creates a new email producer. baseURL is the public
// front-end origin used to build links.
func NewEmailProducer(publisher Publisher, baseURL string, logger *slog.Logger) *EmailProducer {
	return &EmailProducer{
		publisher: publisher,
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger,
	}
}

// SendVerificationEmail publishes a verification_requested event.
func (p *EmailProducer) SendVerificationEmail(ctx context.Context, user *domain.User, token string) error {
	return p.publish(ctx, TopicVerificationRequested, TypeVerificationRequested, user, token, verifyEmailPath)
}

// SendPasswordResetEmail publishes a password_reset_requested event.
func (p *EmailProducer) SendPasswordResetEmail(ctx context.Context, user *domain.User, token string) error {
	return p.publish(ctx, TopicPasswordResetRequested, TypePasswordResetRequested, user, token, resetPasswordPath)
}

func (p *EmailProducer) publish(ctx context.Context, topic, eventType string, user *domain.User, token, path string) error {
	data := EmailRequestedData{
		UserID:    user.ID,
		Email:     user.Email,
		Username:  user.Username,
		FirstName: user.FirstName,
		Token:     token,
		Link:      Link(p.baseURL, path, token),
	}

	event, err := pkgkafka.NewEvent(eventType, user.ID, SourceAuthService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", eventType, err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}

	if err := p.publisher.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	p.logger.DebugContext(ctx, "published email event",
		slog.String("event_type", eventType),
		slog.String("user_id", user.ID),
	)
	return nil
}

// Link joins baseURL and path and sets the token query parameter.
func Link(baseURL, path, token string) string {
	return strings.TrimRight(baseURL, "/") + path + "?" + url.Values{"token": {token}}.Encode()
}
