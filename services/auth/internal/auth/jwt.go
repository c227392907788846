package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
)

// Claims represents the JWT claims for an access token.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// RefreshClaims represents the JWT claims for a refresh token. ID (jti) is
// the handle used for revocation.
type RefreshClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Config configures a JWTManager. Access and refresh tokens are signed with
// distinct secrets so neither can stand in for the other.
type Config struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	Issuer        string
}

// JWTManager signs and validates HS256 access and refresh tokens.
type JWTManager struct {
	accessSecret  []byte
	refreshSecret []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	issuer        string
	now           func() time.Time
}

// NewJWTManager creates a JWT manager from cfg.
func NewJWTManager(cfg Config) *JWTManager {
	return &JWTManager{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		issuer:        cfg.Issuer,
		now:           time.Now,
	}
}

// WithClock returns a copy of m that reads time from now.
func (m *JWTManager) WithClock(now func() time.Time) *JWTManager {
	cpy := *m
	cpy.now = now
	return &cpy
}

// AccessExpiry returns the configured access token lifetime.
func (m *JWTManager) AccessExpiry() time.Duration { return m.accessExpiry }

// RefreshExpiry returns the configured refresh token lifetime.
func (m *JWTManager) RefreshExpiry() time.Duration { return m.refreshExpiry }

// GenerateAccessToken signs an access token for the given identity.
func (m *JWTManager) GenerateAccessToken(userID, email, role string) (string, error) {
	now := m.now().UTC()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		Role:   role,
		RegisteredClaims: m.registered(userID, now, m.accessExpiry),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.accessSecret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// GenerateRefreshToken signs a refresh token carrying only the user id and
// returns its claims alongside.
func (m *JWTManager) GenerateRefreshToken(userID string) (string, *RefreshClaims, error) {
	now := m.now().UTC()
	claims := &RefreshClaims{
		UserID:           userID,
		RegisteredClaims: m.registered(userID, now, m.refreshExpiry),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.refreshSecret)
	if err != nil {
		return "", nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, claims, nil
}

func (m *JWTManager) registered(subject string, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

// ValidateAccessToken parses an access token. Failures wrap
// domain.ErrTokenExpired or domain.ErrInvalidToken.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if err := m.parse(tokenString, claims, m.accessSecret); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("parse access token: missing user_id: %w", domain.ErrInvalidToken)
	}
	return claims, nil
}

// ValidateRefreshToken parses a refresh token. Failures wrap
// domain.ErrTokenExpired or domain.ErrInvalidToken.
func (m *JWTManager) ValidateRefreshToken(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := m.parse(tokenString, claims, m.refreshSecret); err != nil {
		return nil, fmt.Errorf("parse refresh token: %w", err)
	}
	if claims.UserID == "" || claims.ID == "" {
		return nil, fmt.Errorf("parse refresh token: missing user_id or jti: %w", domain.ErrInvalidToken)
	}
	return claims, nil
}

func (m *JWTManager) parse(tokenString string, claims jwt.Claims, secret []byte) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", domain.ErrTokenExpired, err)
	case err != nil:
		return fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	case !token.Valid:
		return domain.ErrInvalidToken
	}
	return nil
}
