package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/auth"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/repository/memory"
)

// --- Clock ---

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// --- Mailer ---

type sentMail struct {
	Kind  domain.TokenKind
	Email string
	Token string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) SendVerificationEmail(_ context.Context, user *domain.User, token string) error {
	return m.record(domain.TokenKindEmailVerification, user, token)
}

func (m *fakeMailer) SendPasswordResetEmail(_ context.Context, user *domain.User, token string) error {
	return m.record(domain.TokenKindPasswordReset, user, token)
}

func (m *fakeMailer) record(kind domain.TokenKind, user *domain.User, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{Kind: kind, Email: user.Email, Token: token})
	return nil
}

// last returns the most recent token of kind mailed to email.
func (m *fakeMailer) last(t *testing.T, kind domain.TokenKind, email string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].Kind == kind && m.sent[i].Email == email {
			return m.sent[i].Token
		}
	}
	t.Fatalf("no %s mail sent to %s", kind, email)
	return ""
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// --- Environment ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestJWTManager(clock *testClock) *auth.JWTManager {
	return auth.NewJWTManager(auth.Config{
		AccessSecret:  "test-access-secret-0123456789abcdef",
		RefreshSecret: "test-refresh-secret-0123456789abcdef",
		AccessExpiry:  time.Hour,
		RefreshExpiry: 7 * 24 * time.Hour,
		Issuer:        "learnhub-auth",
	}).WithClock(clock.Now)
}

type testEnv struct {
	clock  *testClock
	store  *memory.Store
	jwt    *auth.JWTManager
	issuer *TokenIssuer
	tokens *SingleUseTokenStore
	mailer *fakeMailer
	svc    *CredentialService
	gate   *Gate
}

func newTestEnv(t *testing.T, requireVerification bool) *testEnv {
	t.Helper()
	clock := newTestClock()
	store := memory.New().WithClock(clock.Now)
	logger := newTestLogger()
	jwt := newTestJWTManager(clock)

	issuer := NewTokenIssuer(jwt, store.Users(), store.Revocations(), logger)
	issuer.now = clock.Now

	tokens := NewSingleUseTokenStore(store.Tokens(), store.Users(), 24*time.Hour, time.Hour, logger).
		WithClock(clock.Now)

	mailer := &fakeMailer{}
	svc := NewCredentialService(CredentialDeps{
		Users:                    store.Users(),
		Identities:               store.Identities(),
		Tokens:                   tokens,
		Issuer:                   issuer,
		Hasher:                   NewPasswordHasher(bcrypt.MinCost),
		Mailer:                   mailer,
		Logger:                   logger,
		RequireEmailVerification: requireVerification,
	})
	svc.now = clock.Now

	return &testEnv{
		clock:  clock,
		store:  store,
		jwt:    jwt,
		issuer: issuer,
		tokens: tokens,
		mailer: mailer,
		svc:    svc,
		gate:   NewGate(jwt, store.Users()),
	}
}

// seedUser stores a user with password directly, bypassing Register.
func (e *testEnv) seedUser(t *testing.T, username, email, password string, mutate ...func(*domain.User)) *domain.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	now := e.clock.Now()
	u := &domain.User{
		ID:           "id-" + username,
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         domain.RoleLearner,
		IsVerified:   true,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, fn := range mutate {
		fn(u)
	}
	require.NoError(t, e.store.Users().Create(context.Background(), u))
	return u
}

func assertAppError(t *testing.T, err error, code string, status int) {
	t.Helper()
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %T: %v", err, err)
	assert.Equal(t, code, appErr.Code)
	assert.Equal(t, status, appErr.Status)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

// --- Mock repositories ---

type mockUserRepository struct {
	mock.Mock
}

func (m *mockUserRepository) Create(ctx context.Context, user *domain.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *mockUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *mockUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *mockUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *mockUserRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *mockUserRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	args := m.Called(ctx, id, passwordHash)
	return args.Error(0)
}

func (m *mockUserRepository) MarkVerified(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type mockTokenRepository struct {
	mock.Mock
}

func (m *mockTokenRepository) Create(ctx context.Context, token *domain.SingleUseToken) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *mockTokenRepository) Consume(ctx context.Context, tokenHash string, kind domain.TokenKind, now time.Time) (string, error) {
	args := m.Called(ctx, tokenHash, kind, now)
	return args.String(0), args.Error(1)
}

func (m *mockTokenRepository) GetByHash(ctx context.Context, tokenHash string, kind domain.TokenKind) (*domain.SingleUseToken, error) {
	args := m.Called(ctx, tokenHash, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SingleUseToken), args.Error(1)
}

func (m *mockTokenRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}
