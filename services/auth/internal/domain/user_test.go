package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Roles and providers
// ============================================================================

func TestValidRoles_ContainsAll(t *testing.T) {
	assert.ElementsMatch(t, []string{RoleLearner, RoleInstructor, RoleAdmin}, ValidRoles())
}

func TestIsValidRole(t *testing.T) {
	for _, r := range ValidRoles() {
		assert.True(t, IsValidRole(r), "expected %q to be valid", r)
	}
	assert.False(t, IsValidRole(""))
	assert.False(t, IsValidRole("ADMIN"))
	assert.False(t, IsValidRole("customer"))
}

func TestIsValidProvider(t *testing.T) {
	assert.True(t, IsValidProvider(ProviderGoogle))
	assert.True(t, IsValidProvider(ProviderFacebook))
	assert.True(t, IsValidProvider(ProviderGitHub))
	assert.False(t, IsValidProvider("twitter"))
}

// ============================================================================
// User
// ============================================================================

func TestUser_JSONOmitsPasswordHash(t *testing.T) {
	u := User{ID: "u-1", Email: "ada@example.com", PasswordHash: "$2a$12$secret", Role: RoleLearner}

	raw, err := json.Marshal(u)
	require.NoError(t, err)

	assert.NotContains(t, string(raw), "secret")
	assert.NotContains(t, string(raw), "password")
	assert.Contains(t, string(raw), `"isVerified":false`)
}

func TestUser_CheckAccess(t *testing.T) {
	assert.NoError(t, (&User{IsActive: true}).CheckAccess())
	assert.ErrorIs(t, (&User{IsActive: false}).CheckAccess(), ErrAccountInactive)
	assert.ErrorIs(t, (&User{IsActive: true, IsLocked: true}).CheckAccess(), ErrAccountLocked)
	assert.ErrorIs(t, (&User{IsActive: false, IsLocked: true}).CheckAccess(), ErrAccountLocked)
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "ada@example.com", NormalizeEmail("  Ada@Example.COM "))
}

// ============================================================================
// Single-use tokens
// ============================================================================

func TestSingleUseToken_ValidAtBoundary(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok := &SingleUseToken{ExpiresAt: created.Add(24 * time.Hour)}

	assert.True(t, tok.ValidAt(created))
	assert.True(t, tok.ValidAt(created.Add(24*time.Hour-time.Millisecond)))
	assert.True(t, tok.ValidAt(created.Add(24*time.Hour)))
	assert.False(t, tok.ValidAt(created.Add(24*time.Hour+time.Millisecond)))
}

func TestSingleUseToken_UsedIsNeverValid(t *testing.T) {
	now := time.Now()
	tok := &SingleUseToken{ExpiresAt: now.Add(time.Hour), IsUsed: true}
	assert.False(t, tok.ValidAt(now))
	assert.ErrorIs(t, tok.ConsumeError(now), ErrAlreadyUsed)
}

func TestSingleUseToken_ConsumeErrorOrder(t *testing.T) {
	now := time.Now()
	expiredAndUsed := &SingleUseToken{ExpiresAt: now.Add(-time.Minute), IsUsed: true}
	assert.ErrorIs(t, expiredAndUsed.ConsumeError(now), ErrTokenExpired)

	fresh := &SingleUseToken{ExpiresAt: now.Add(time.Minute)}
	assert.NoError(t, fresh.ConsumeError(now))
}

func TestTokenKind_Valid(t *testing.T) {
	assert.True(t, TokenKindEmailVerification.Valid())
	assert.True(t, TokenKindPasswordReset.Valid())
	assert.False(t, TokenKind("magic_link").Valid())
}

func TestHashToken(t *testing.T) {
	h := HashToken("abc")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashToken("abc"))
	assert.NotEqual(t, h, HashToken("abd"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h)
}

func TestTokenPair_WireFormat(t *testing.T) {
	raw, err := json.Marshal(TokenPair{AccessToken: "a", RefreshToken: "r", ExpiresIn: 3600})
	require.NoError(t, err)
	assert.JSONEq(t, `{"accessToken":"a","refreshToken":"r","expiresIn":3600}`, string(raw))
}

func TestExternalIdentity_JSONOmitsProviderToken(t *testing.T) {
	raw, err := json.Marshal(ExternalIdentity{Provider: ProviderGitHub, AccessToken: "gho_secret"})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "gho_secret")
}
