package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/repository"
)

// singleUseTokenBytes is the entropy of a token value (256 bits).
const singleUseTokenBytes = 32

// SingleUseTokenStore issues and consumes email verification and password
// reset tokens. Values are handed to the user once; only their digest is
// persisted.
type SingleUseTokenStore struct {
	tokens repository.SingleUseTokenRepository
	users  repository.UserRepository
	ttl    map[domain.TokenKind]time.Duration
	logger *slog.Logger
	now    func() time.Time
	rand   io.Reader
}

// NewSingleUseTokenStore creates a store with the given lifetimes per kind.
func NewSingleUseTokenStore(
	tokens repository.SingleUseTokenRepository,
	users repository.UserRepository,
	verificationTTL, resetTTL time.Duration,
	logger *slog.Logger,
) *SingleUseTokenStore {
	return &SingleUseTokenStore{
		tokens: tokens,
		users:  users,
		ttl: map[domain.TokenKind]time.Duration{
			domain.TokenKindEmailVerification: verificationTTL,
			domain.TokenKindPasswordReset:     resetTTL,
		},
		logger: logger,
		now:    time.Now,
		rand:   rand.Reader,
	}
}

// WithClock replaces the store's clock.
func (s *SingleUseTokenStore) WithClock(now func() time.Time) *SingleUseTokenStore {
	s.now = now
	return s
}

// Create persists a new token of kind for user and returns its value.
func (s *SingleUseTokenStore) Create(ctx context.Context, user *domain.User, kind domain.TokenKind) (string, *domain.SingleUseToken, error) {
	if !kind.Valid() {
		return "", nil, fmt.Errorf("create single-use token: unknown kind %q", kind)
	}

	raw := make([]byte, singleUseTokenBytes)
	if _, err := io.ReadFull(s.rand, raw); err != nil {
		return "", nil, fmt.Errorf("generate single-use token: %w", err)
	}
	value := hex.EncodeToString(raw)

	now := s.now().UTC()
	token := &domain.SingleUseToken{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Kind:      kind,
		TokenHash: domain.HashToken(value),
		ExpiresAt: now.Add(s.ttl[kind]),
		CreatedAt: now,
	}

	if err := s.tokens.Create(ctx, token); err != nil {
		singleUseTokens.WithLabelValues(string(kind), operationIssue, resultError).Inc()
		return "", nil, fmt.Errorf("store single-use token: %w", err)
	}
	singleUseTokens.WithLabelValues(string(kind), operationIssue, resultSuccess).Inc()

	return value, token, nil
}

// Consume marks the token used and returns its owner. Failures are
// classified as invalid, expired, then already used.
func (s *SingleUseTokenStore) Consume(ctx context.Context, value string, kind domain.TokenKind) (*domain.User, error) {
	user, result, err := s.consume(ctx, value, kind)
	singleUseTokens.WithLabelValues(string(kind), operationUse, result).Inc()
	return user, err
}

func (s *SingleUseTokenStore) consume(ctx context.Context, value string, kind domain.TokenKind) (*domain.User, string, error) {
	if value == "" {
		return nil, resultInvalid, errInvalidSingleUse
	}

	now := s.now().UTC()
	hash := domain.HashToken(value)

	userID, err := s.tokens.Consume(ctx, hash, kind, now)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, resultError, fmt.Errorf("consume single-use token: %w", err)
		}
		result, err := s.classify(ctx, hash, kind, now)
		return nil, result, err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, resultInvalid, errInvalidSingleUse
		}
		return nil, resultError, fmt.Errorf("get token owner: %w", err)
	}
	return user, resultSuccess, nil
}

// classify explains why a conditional consume matched nothing. It only
// reads, so it can never turn a lost race into a success.
func (s *SingleUseTokenStore) classify(ctx context.Context, hash string, kind domain.TokenKind, now time.Time) (string, error) {
	token, err := s.tokens.GetByHash(ctx, hash, kind)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return resultInvalid, errInvalidSingleUse
		}
		return resultError, fmt.Errorf("inspect single-use token: %w", err)
	}

	switch cause := token.ConsumeError(now); {
	case errors.Is(cause, domain.ErrTokenExpired):
		return resultExpired, singleUseError(cause)
	case errors.Is(cause, domain.ErrAlreadyUsed):
		return resultUsed, singleUseError(cause)
	default:
		s.logger.WarnContext(ctx, "single-use token consumable on inspection but not on update",
			slog.String("token_id", token.ID),
			slog.String("kind", string(kind)),
		)
		return resultInvalid, errInvalidSingleUse
	}
}

// PurgeExpired deletes tokens that expired more than grace ago.
func (s *SingleUseTokenStore) PurgeExpired(ctx context.Context, grace time.Duration) (int64, error) {
	n, err := s.tokens.DeleteExpired(ctx, s.now().UTC().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("purge expired single-use tokens: %w", err)
	}
	return n, nil
}
