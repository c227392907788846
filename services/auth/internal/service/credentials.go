package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
	"github.com/Mega-0064/Learning-Platform/pkg/validator"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/repository"
)

// socialAuthAttempts bounds retries when concurrent first logins race on
// the same link, email or generated username.
const socialAuthAttempts = 3

// CredentialService implements registration, login, password and social
// authentication flows.
type CredentialService struct {
	users      repository.UserRepository
	identities repository.ExternalIdentityRepository
	tokens     *SingleUseTokenStore
	issuer     *TokenIssuer
	hasher     *PasswordHasher
	mailer     Mailer
	logger     *slog.Logger

	requireVerification bool
	now                 func() time.Time
}

// CredentialDeps groups the collaborators of a CredentialService.
type CredentialDeps struct {
	Users      repository.UserRepository
	Identities repository.ExternalIdentityRepository
	Tokens     *SingleUseTokenStore
	Issuer     *TokenIssuer
	Hasher     *PasswordHasher
	Mailer     Mailer
	Logger     *slog.Logger

	// RequireEmailVerification blocks password login for unverified users.
	RequireEmailVerification bool
}

// NewCredentialService creates a new credential service.
func NewCredentialService(deps CredentialDeps) *CredentialService {
	return &CredentialService{
		users:               deps.Users,
		identities:          deps.Identities,
		tokens:              deps.Tokens,
		issuer:              deps.Issuer,
		hasher:              deps.Hasher,
		mailer:              deps.Mailer,
		logger:              deps.Logger,
		requireVerification: deps.RequireEmailVerification,
		now:                 time.Now,
	}
}

// --- Input types ---

// RegisterInput holds the parameters for registering a new user.
type RegisterInput struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// ResetPasswordInput holds the parameters for completing a password reset.
type ResetPasswordInput struct {
	Token           string
	Password        string
	ConfirmPassword string
}

// ChangePasswordInput holds the parameters for an authenticated password change.
type ChangePasswordInput struct {
	CurrentPassword string
	NewPassword     string
	ConfirmPassword string
}

// SocialAuthInput holds a provider token and the profile it vouches for.
type SocialAuthInput struct {
	Provider string
	Token    string
	Profile  domain.SocialProfile
}

// --- Registration and login ---

// Register creates an unverified learner account, sends a verification
// email and returns a token pair. Tokens are issued before verification.
func (s *CredentialService) Register(ctx context.Context, input RegisterInput) (*domain.AuthResult, error) {
	input.Username = strings.TrimSpace(input.Username)
	input.Email = domain.NormalizeEmail(input.Email)

	if !validator.ValidUsername(input.Username) {
		return nil, apperrors.InvalidInput("username must be 3-30 characters of letters, digits, '_', '.' or '-'")
	}
	if input.Email == "" {
		return nil, apperrors.InvalidInput("email is required")
	}
	if !validator.StrongPassword(input.Password) {
		return nil, errWeakPassword
	}

	if err := s.ensureAvailable(ctx, input.Email, input.Username); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(ctx, input.Password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	user := &domain.User{
		ID:           uuid.New().String(),
		Username:     input.Username,
		Email:        input.Email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(input.FirstName),
		LastName:     strings.TrimSpace(input.LastName),
		Role:         domain.RoleLearner,
		IsVerified:   false,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", userWriteError(err))
	}

	s.sendVerification(ctx, user)

	tokens, err := s.issuer.Issue(ctx, user)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "user registered",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
	)

	return &domain.AuthResult{User: user, Tokens: tokens, IsNewUser: true}, nil
}

// ensureAvailable rejects a taken email or username before anything is written.
func (s *CredentialService) ensureAvailable(ctx context.Context, email, username string) error {
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return errDuplicateEmail
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("check email: %w", err)
	}

	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return errDuplicateUsername
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("check username: %w", err)
	}
	return nil
}

// Login authenticates by email and password. Unknown emails and wrong
// passwords fail identically.
func (s *CredentialService) Login(ctx context.Context, email, password string) (*domain.AuthResult, error) {
	result, outcome, err := s.login(ctx, email, password)
	loginAttempts.WithLabelValues(outcome).Inc()
	return result, err
}

func (s *CredentialService) login(ctx context.Context, email, password string) (*domain.AuthResult, string, error) {
	user, err := s.users.GetByEmail(ctx, domain.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.hasher.CompareDummy(ctx, password)
			return nil, resultInvalid, errInvalidCredentials
		}
		return nil, resultError, fmt.Errorf("get user for login: %w", err)
	}

	ok, err := s.hasher.Compare(ctx, user.PasswordHash, password)
	if err != nil {
		return nil, resultError, err
	}
	if !ok {
		s.logger.InfoContext(ctx, "login failed", slog.String("user_id", user.ID))
		return nil, resultInvalid, errInvalidCredentials
	}

	if err := user.CheckAccess(); err != nil {
		return nil, resultBlocked, accessError(err)
	}
	if s.requireVerification && !user.IsVerified {
		return nil, resultBlocked, errEmailNotVerified
	}

	now := s.now().UTC()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.ErrorContext(ctx, "failed to record last login",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	} else {
		user.LastLoginAt = &now
	}

	tokens, err := s.issuer.Issue(ctx, user)
	if err != nil {
		return nil, resultError, err
	}

	s.logger.InfoContext(ctx, "user logged in", slog.String("user_id", user.ID))
	return &domain.AuthResult{User: user, Tokens: tokens}, resultSuccess, nil
}

// Refresh rotates a refresh token.
func (s *CredentialService) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	return s.issuer.Refresh(ctx, refreshToken)
}

// Logout revokes refreshToken when one is supplied. It never fails the
// caller for revocation problems.
func (s *CredentialService) Logout(ctx context.Context, userID, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	if err := s.issuer.Revoke(ctx, userID, refreshToken); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeForbidden {
			return err
		}
		s.logger.ErrorContext(ctx, "failed to revoke refresh token on logout",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	s.logger.InfoContext(ctx, "user logged out", slog.String("user_id", userID))
	return nil
}

// Me returns the current profile of userID.
func (s *CredentialService) Me(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, errProfileNotFound
		}
		return nil, fmt.Errorf("get user profile: %w", err)
	}
	return user, nil
}

// --- Email verification ---

// VerifyEmail consumes a verification token and marks its owner verified.
func (s *CredentialService) VerifyEmail(ctx context.Context, token string) (*domain.User, error) {
	user, err := s.tokens.Consume(ctx, token, domain.TokenKindEmailVerification)
	if err != nil {
		return nil, err
	}

	if !user.IsVerified {
		if err := s.users.MarkVerified(ctx, user.ID); err != nil {
			return nil, fmt.Errorf("mark user verified: %w", err)
		}
		user.IsVerified = true
	}

	s.logger.InfoContext(ctx, "email verified", slog.String("user_id", user.ID))
	return user, nil
}

// ResendVerification sends a new verification token to an unverified
// account. The reply does not depend on whether the email exists.
func (s *CredentialService) ResendVerification(ctx context.Context, email string) error {
	user, ok := s.lookupQuietly(ctx, email, "resend verification")
	if !ok || user.IsVerified {
		return nil
	}
	s.sendVerification(ctx, user)
	return nil
}

func (s *CredentialService) sendVerification(ctx context.Context, user *domain.User) {
	token, _, err := s.tokens.Create(ctx, user, domain.TokenKindEmailVerification)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create verification token",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.mailer.SendVerificationEmail(ctx, user, token); err != nil {
		s.logger.ErrorContext(ctx, "failed to send verification email",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
}

// --- Passwords ---

// ForgotPassword sends a reset token if the email belongs to an account.
// The reply does not depend on whether it does.
func (s *CredentialService) ForgotPassword(ctx context.Context, email string) error {
	user, ok := s.lookupQuietly(ctx, email, "forgot password")
	if !ok {
		return nil
	}

	token, _, err := s.tokens.Create(ctx, user, domain.TokenKindPasswordReset)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create password reset token",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := s.mailer.SendPasswordResetEmail(ctx, user, token); err != nil {
		s.logger.ErrorContext(ctx, "failed to send password reset email",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "password reset requested", slog.String("user_id", user.ID))
	return nil
}

// lookupQuietly finds a user by email, logging rather than returning errors.
func (s *CredentialService) lookupQuietly(ctx context.Context, email, op string) (*domain.User, bool) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return nil, false
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			s.logger.ErrorContext(ctx, "user lookup failed",
				slog.String("operation", op),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return user, true
}

// ResetPassword consumes a reset token and replaces its owner's password.
// Every refresh token issued before the reset stops working.
func (s *CredentialService) ResetPassword(ctx context.Context, input ResetPasswordInput) error {
	if input.Password != input.ConfirmPassword {
		return errPasswordMismatch
	}
	if !validator.StrongPassword(input.Password) {
		return errWeakPassword
	}

	user, err := s.tokens.Consume(ctx, input.Token, domain.TokenKindPasswordReset)
	if err != nil {
		return err
	}

	if err := s.setPassword(ctx, user.ID, input.Password); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "password reset completed", slog.String("user_id", user.ID))
	return nil
}

// ChangePassword replaces the password of an authenticated user after
// checking the current one.
func (s *CredentialService) ChangePassword(ctx context.Context, userID string, input ChangePasswordInput) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return errUserGone
		}
		return fmt.Errorf("get user for password change: %w", err)
	}

	ok, err := s.hasher.Compare(ctx, user.PasswordHash, input.CurrentPassword)
	if err != nil {
		return err
	}
	if !ok {
		return errInvalidCredentials
	}
	if input.NewPassword != input.ConfirmPassword {
		return errPasswordMismatch
	}
	if !validator.StrongPassword(input.NewPassword) {
		return errWeakPassword
	}

	if err := s.setPassword(ctx, user.ID, input.NewPassword); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "password changed", slog.String("user_id", user.ID))
	return nil
}

func (s *CredentialService) setPassword(ctx context.Context, userID, password string) error {
	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	if err := s.issuer.RevokeAll(ctx, userID); err != nil {
		s.logger.ErrorContext(ctx, "failed to revoke refresh tokens after password update",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// --- Social authentication ---

// SocialAuth signs in with a provider identity, linking it to an existing
// account by email or creating a verified account on first use.
func (s *CredentialService) SocialAuth(ctx context.Context, input SocialAuthInput) (*domain.AuthResult, error) {
	if !domain.IsValidProvider(input.Provider) {
		return nil, errUnsupportedProvider
	}
	if input.Token == "" {
		return nil, apperrors.Unauthorized("provider token is required")
	}
	if input.Profile.ID == "" || input.Profile.Email == "" {
		return nil, apperrors.InvalidInput("profile id and email are required")
	}
	input.Profile.Email = domain.NormalizeEmail(input.Profile.Email)

	profile, err := json.Marshal(input.Profile)
	if err != nil {
		return nil, fmt.Errorf("marshal social profile: %w", err)
	}

	var (
		user  *domain.User
		isNew bool
	)
	for attempt := 0; ; attempt++ {
		user, isNew, err = s.resolveSocialUser(ctx, input, profile, attempt)
		if err == nil {
			break
		}
		if !errors.Is(err, errSocialRetry) || attempt+1 >= socialAuthAttempts {
			return nil, err
		}
	}

	if err := user.CheckAccess(); err != nil {
		return nil, accessError(err)
	}

	now := s.now().UTC()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.ErrorContext(ctx, "failed to record last login",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	} else {
		user.LastLoginAt = &now
	}

	tokens, err := s.issuer.Issue(ctx, user)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "social login",
		slog.String("user_id", user.ID),
		slog.String("provider", input.Provider),
		slog.Bool("new_user", isNew),
	)
	return &domain.AuthResult{User: user, Tokens: tokens, IsNewUser: isNew}, nil
}

var errSocialRetry = errors.New("social auth lost a race, retry")

// resolveSocialUser finds or creates the local user behind a provider
// identity and refreshes the stored link.
func (s *CredentialService) resolveSocialUser(ctx context.Context, input SocialAuthInput, profile []byte, attempt int) (*domain.User, bool, error) {
	now := s.now().UTC()
	link := &domain.ExternalIdentity{
		ID:             uuid.New().String(),
		Provider:       input.Provider,
		ProviderUserID: input.Profile.ID,
		AccessToken:    input.Token,
		Profile:        profile,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	existing, err := s.identities.GetByProvider(ctx, input.Provider, input.Profile.ID)
	switch {
	case err == nil:
		link.UserID = existing.UserID
		return s.linkedUser(ctx, link)
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, false, fmt.Errorf("get external identity: %w", err)
	}

	user, err := s.users.GetByEmail(ctx, input.Profile.Email)
	switch {
	case err == nil:
		link.UserID = user.ID
		return s.linkedUser(ctx, link)
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, false, fmt.Errorf("get user by email: %w", err)
	}

	user, err = s.newSocialUser(ctx, input.Profile, attempt)
	if err != nil {
		return nil, false, err
	}
	if err := s.identities.CreateWithUser(ctx, user, link); err != nil {
		if errors.Is(err, apperrors.ErrAlreadyExists) ||
			errors.Is(err, domain.ErrDuplicateEmail) ||
			errors.Is(err, domain.ErrDuplicateUsername) {
			return nil, false, fmt.Errorf("%w: %v", errSocialRetry, err)
		}
		return nil, false, fmt.Errorf("create social user: %w", err)
	}
	return user, true, nil
}

// linkedUser upserts link and loads the user that owns it. The stored owner
// wins if another request linked the identity first.
func (s *CredentialService) linkedUser(ctx context.Context, link *domain.ExternalIdentity) (*domain.User, bool, error) {
	if err := s.identities.Upsert(ctx, link); err != nil {
		return nil, false, fmt.Errorf("upsert external identity: %w", err)
	}
	user, err := s.users.GetByID(ctx, link.UserID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, false, errUserGone
		}
		return nil, false, fmt.Errorf("get linked user: %w", err)
	}
	return user, false, nil
}

// newSocialUser builds a verified learner with a password nobody knows.
func (s *CredentialService) newSocialUser(ctx context.Context, p domain.SocialProfile, attempt int) (*domain.User, error) {
	username, err := s.socialUsername(ctx, p, attempt)
	if err != nil {
		return nil, err
	}

	secret, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(ctx, secret)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	return &domain.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        p.Email,
		PasswordHash: hash,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		Role:         domain.RoleLearner,
		IsVerified:   true,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// socialUsername derives a username from the profile, adding a random
// suffix when the base is taken or a previous attempt collided.
func (s *CredentialService) socialUsername(ctx context.Context, p domain.SocialProfile, attempt int) (string, error) {
	base := sanitizeUsername(p.Username)
	if base == "" {
		local, _, _ := strings.Cut(p.Email, "@")
		base = sanitizeUsername(local)
	}
	for len(base) < 3 {
		base += "user"
	}
	if len(base) > 20 {
		base = base[:20]
	}

	if attempt == 0 {
		_, err := s.users.GetByUsername(ctx, base)
		if errors.Is(err, apperrors.ErrNotFound) {
			return base, nil
		}
		if err != nil {
			return "", fmt.Errorf("check username: %w", err)
		}
	}

	suffix, err := randomHex(3)
	if err != nil {
		return "", err
	}
	return base + "_" + suffix, nil
}

func sanitizeUsername(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
