package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// TokenKind distinguishes the two single-use token flows.
type TokenKind string

const (
	TokenKindEmailVerification TokenKind = "email_verification"
	TokenKindPasswordReset     TokenKind = "password_reset"
)

// Valid reports whether k is a known kind.
func (k TokenKind) Valid() bool {
	return k == TokenKindEmailVerification || k == TokenKindPasswordReset
}

// SingleUseToken is the persisted record of a verification or reset token.
// Only the SHA-256 digest of the value handed to the user is stored.
type SingleUseToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Kind      TokenKind  `json:"kind"`
	TokenHash string     `json:"-"`
	ExpiresAt time.Time  `json:"expiresAt"`
	IsUsed    bool       `json:"isUsed"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ValidAt reports whether the token can still be consumed at now. The expiry
// instant itself is still valid.
func (t *SingleUseToken) ValidAt(now time.Time) bool {
	return !t.IsUsed && !now.After(t.ExpiresAt)
}

// ConsumeError classifies why t cannot be consumed at now, in the order
// expired before used. It returns nil for a consumable token.
func (t *SingleUseToken) ConsumeError(now time.Time) error {
	switch {
	case now.After(t.ExpiresAt):
		return ErrTokenExpired
	case t.IsUsed:
		return ErrAlreadyUsed
	default:
		return nil
	}
}

// HashToken returns the hex SHA-256 digest under which a token value is stored.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
