package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/repository/memory"
)

func TestTokenIssuer_Issue(t *testing.T) {
	env := newTestEnv(t, false)
	user := env.seedUser(t, "ada", "ada@example.com", "Secr3t!pass", func(u *domain.User) {
		u.Role = domain.RoleInstructor
	})

	pair, err := env.issuer.Issue(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), pair.ExpiresIn)

	claims, err := env.jwt.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, "ada@example.com", claims.Email)
	assert.Equal(t, domain.RoleInstructor, claims.Role)

	refresh, err := env.jwt.ValidateRefreshToken(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, refresh.UserID)
	assert.NotEmpty(t, refresh.ID)
}

func TestTokenIssuer_Refresh_Rotates(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	user := env.seedUser(t, "ada", "ada@example.com", "Secr3t!pass")

	first, err := env.issuer.Issue(ctx, user)
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	second, err := env.issuer.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, int64(3600), second.ExpiresIn)

	// The rotated token cannot be replayed.
	_, err = env.issuer.Refresh(ctx, first.RefreshToken)
	assertAppError(t, err, apperrors.CodeInvalidToken, http.StatusUnauthorized)

	_, err = env.issuer.Refresh(ctx, second.RefreshToken)
	assert.NoError(t, err)
}

func TestTokenIssuer_Refresh_ConcurrentSameToken(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	user := env.seedUser(t, "ada", "ada@example.com", "Secr3t!pass")

	pair, err := env.issuer.Issue(ctx, user)
	require.NoError(t, err)

	const workers = 10
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.issuer.Refresh(ctx, pair.RefreshToken)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, domain.ErrInvalidToken)
		}
	}
	assert.Equal(t, 1, successes)
}

func TestTokenIssuer_Refresh_Failures(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	user := env.seedUser(t, "ada", "ada@example.com", "Secr3t!pass")
	pair, err := env.issuer.Issue(ctx, user)
	require.NoError(t, err)

	t.Run("empty", func(t *testing.T) {
		_, err := env.issuer.Refresh(ctx, "")
		assertAppError(t, err, apperrors.CodeInvalidToken, http.StatusUnauthorized)
	})
	t.Run("garbage", func(t *testing.T) {
		_, err := env.issuer.Refresh(ctx, "not.a.jwt")
		assertAppError(t, err, apperrors.CodeInvalidToken, http.StatusUnauthorized)
	})
	t.Run("access token", func(t *testing.T) {
		_, err := env.issuer.Refresh(ctx, pair.AccessToken)
		assertAppError(t, err, apperrors.CodeInvalidToken, http.StatusUnauthorized)
	})
}

func TestTokenIssuer_Refresh_Expired(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	user := env.seedUser(t, "ada", "ada@example.com", "Secr3t!pass")
	pair, err := env.issuer.Issue(ctx, user)
	require.NoError(t, err)

	env.clock.Advance(7*24*time.Hour + time.Second)
	_, err = env.issuer.Refresh(ctx, pair.RefreshToken)
	assertAppError(t, err, apperrors.CodeTokenExpired, http.StatusUnauthorized)
}

func TestTokenIssuer_Refresh_UserState(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.User)
		code   string
		status int
	}{
		{"locked", func(u *domain.User) { u.IsLocked = true }, apperrors.CodeAccountLocked, http.StatusForbidden},
		{"inactive", func(u *domain.User) { u.IsActive = false }, apperrors.CodeAccountInactive, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, false)
			user := env.seedUser(t, "ada", "ada@example.com", "Secr3t!pass", tt.mutate)
			pair, err := env.issuer.Issue(context.Background(), user)
			require.NoError(t, err)

			_, err = env.issuer.Refresh(context.Background(), pair.RefreshToken)
			assertAppError(t, err, tt.code, tt.status)
		})
	}
}

func TestTokenIssuer_Refresh_UserGone(t *testing.T) {
	env := newTestEnv(t, false)
	ghost := &domain.User{ID: "u-ghost", Email: "ghost@example.com", Role: domain.RoleLearner}
	pair, err := env.issuer.Issue(context.Background(), ghost)
	require.NoError(t, err)

	_, err = env.issuer.Refresh(context.Background(), pair.RefreshToken)
	assertAppError(t, err, apperrors.CodeUserNotFound, http.StatusUnauthorized)
}

func TestTokenIssuer_RevokeAll(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	user := env.seedUser(t, "ada", "ada@example.com", "Secr3t!pass")

	before, err := env.issuer.Issue(ctx, user)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Second)
	require.NoError(t, env.issuer.RevokeAll(ctx, user.ID))

	env.clock.Advance(time.Second)
	after, err := env.issuer.Issue(ctx, user)
	require.NoError(t, err)

	_, err = env.issuer.Refresh(ctx, before.RefreshToken)
	assertAppError(t, err, apperrors.CodeInvalidToken, http.StatusUnauthorized)

	_, err = env.issuer.Refresh(ctx, after.RefreshToken)
	assert.NoError(t, err)
}

func TestTokenIssuer_Revoke(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	user := env.seedUser(t, "ada", "ada@example.com", "Secr3t!pass")
	pair, err := env.issuer.Issue(ctx, user)
	require.NoError(t, err)

	err = env.issuer.Revoke(ctx, "someone-else", pair.RefreshToken)
	assertAppError(t, err, apperrors.CodeForbidden, http.StatusForbidden)

	require.NoError(t, env.issuer.Revoke(ctx, user.ID, pair.RefreshToken))
	_, err = env.issuer.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrInvalidToken)

	assert.NoError(t, env.issuer.Revoke(ctx, user.ID, "garbage"))
}

// failingRevocations reports an outage on every call.
type failingRevocations struct {
	*memory.RevocationStore
}

func (failingRevocations) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestTokenIssuer_Refresh_RevocationStoreDown(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	user := env.seedUser(t, "ada", "ada@example.com", "Secr3t!pass")

	issuer := NewTokenIssuer(env.jwt, env.store.Users(), failingRevocations{env.store.Revocations()}, newTestLogger())
	pair, err := issuer.Issue(ctx, user)
	require.NoError(t, err)

	_, err = issuer.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, apperrors.HTTPStatus(err))
}
