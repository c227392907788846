package domain

import (
	"strings"
	"time"
)

// User is a LearnHub identity. It is never hard-deleted by the auth service.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	FirstName    string     `json:"firstName"`
	LastName     string     `json:"lastName"`
	Role         string     `json:"role"`
	IsVerified   bool       `json:"isVerified"`
	IsActive     bool       `json:"isActive"`
	IsLocked     bool       `json:"isLocked"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// CheckAccess returns the account-state error that prevents u from
// authenticating, or nil. Locked takes precedence over inactive.
func (u *User) CheckAccess() error {
	switch {
	case u.IsLocked:
		return ErrAccountLocked
	case !u.IsActive:
		return ErrAccountInactive
	default:
		return nil
	}
}

// NormalizeEmail lower-cases and trims an email address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// TokenPair is the access/refresh pair returned on every successful
// authentication. ExpiresIn is the access token lifetime in whole seconds.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// AuthResult is returned by register, login and social authentication.
type AuthResult struct {
	User      *User      `json:"user"`
	Tokens    *TokenPair `json:"tokens"`
	IsNewUser bool       `json:"isNewUser"`
}
