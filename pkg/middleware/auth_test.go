package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
	"github.com/Mega-0064/Learning-Platform/pkg/httputil"
	"github.com/Mega-0064/Learning-Platform/pkg/logger"
)

// stubAuthenticator accepts "good" and "unverified" and rejects anything else.
func stubAuthenticator() Authenticator {
	return AuthenticatorFunc(func(_ context.Context, bearer string) (*Principal, error) {
		switch bearer {
		case "good":
			return &Principal{UserID: "user-1", Email: "ada@example.com", Role: "instructor", IsVerified: true}, nil
		case "unverified":
			return &Principal{UserID: "user-2", Role: "learner"}, nil
		case "locked":
			return nil, apperrors.New(apperrors.CodeAccountLocked, "account is locked", http.StatusForbidden, apperrors.ErrForbidden)
		case "db-down":
			return nil, errors.New("connection refused")
		default:
			return nil, apperrors.New(apperrors.CodeInvalidToken, "invalid token", http.StatusUnauthorized, apperrors.ErrUnauthorized)
		}
	})
}

func okHandler(seen **Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen = PrincipalFromContext(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp httputil.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func request(bearer string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req
}

// --- BearerToken ---

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"valid", "Bearer abc.def", "abc.def", true},
		{"case insensitive scheme", "bearer abc", "abc", true},
		{"missing", "", "", false},
		{"basic scheme", "Basic dXNlcjpwYXNz", "", false},
		{"no token", "Bearer ", "", false},
		{"no separator", "Bearerabc", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := BearerToken(req)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// --- Auth ---

func TestAuth_AcceptsValidToken(t *testing.T) {
	var seen *Principal
	rec := httptest.NewRecorder()
	Auth(stubAuthenticator())(okHandler(&seen)).ServeHTTP(rec, request("good"))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.UserID)
	assert.Equal(t, "instructor", seen.Role)
}

func TestAuth_MissingHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth(stubAuthenticator())(okHandler(nil)).ServeHTTP(rec, request(""))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))
}

func TestAuth_RejectedToken(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth(stubAuthenticator())(okHandler(nil)).ServeHTTP(rec, request("forged"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, rec))
}

func TestAuth_LockedAccount(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth(stubAuthenticator())(okHandler(nil)).ServeHTTP(rec, request("locked"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "ACCOUNT_LOCKED", errorCode(t, rec))
}

func TestAuth_AuthenticatorFailureIsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth(stubAuthenticator())(okHandler(nil)).ServeHTTP(rec, request("db-down"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAuth_EnrichesLoggingContext(t *testing.T) {
	var userID, role string
	h := Auth(stubAuthenticator())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID = logger.UserIDFromContext(r.Context())
		role = logger.RoleFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), request("good"))

	assert.Equal(t, "user-1", userID)
	assert.Equal(t, "instructor", role)
}

// --- OptionalAuth ---

func TestOptionalAuth(t *testing.T) {
	tests := []struct {
		name     string
		bearer   string
		wantUser string
	}{
		{"valid token attaches principal", "good", "user-1"},
		{"no token stays anonymous", "", ""},
		{"bad token stays anonymous", "forged", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen *Principal
			rec := httptest.NewRecorder()
			OptionalAuth(stubAuthenticator())(okHandler(&seen)).ServeHTTP(rec, request(tt.bearer))

			assert.Equal(t, http.StatusOK, rec.Code)
			if tt.wantUser == "" {
				assert.Nil(t, seen)
			} else {
				require.NotNil(t, seen)
				assert.Equal(t, tt.wantUser, seen.UserID)
			}
		})
	}
}

// --- RequireVerified / RequireRole ---

func TestRequireVerified(t *testing.T) {
	chain := func(h http.Handler) http.Handler {
		return Auth(stubAuthenticator())(RequireVerified()(h))
	}

	rec := httptest.NewRecorder()
	chain(okHandler(nil)).ServeHTTP(rec, request("good"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	chain(okHandler(nil)).ServeHTTP(rec, request("unverified"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "EMAIL_NOT_VERIFIED", errorCode(t, rec))
}

func TestRequireVerified_WithoutAuth(t *testing.T) {
	rec := httptest.NewRecorder()
	RequireVerified()(okHandler(nil)).ServeHTTP(rec, request(""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole(t *testing.T) {
	chain := func(roles ...string) http.Handler {
		return Auth(stubAuthenticator())(RequireRole(roles...)(okHandler(nil)))
	}

	rec := httptest.NewRecorder()
	chain("instructor", "admin").ServeHTTP(rec, request("good"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	chain("admin").ServeHTTP(rec, request("good"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, rec))
}

func TestRequireRole_WithoutAuth(t *testing.T) {
	rec := httptest.NewRecorder()
	RequireRole("admin")(okHandler(nil)).ServeHTTP(rec, request(""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// --- Accessors ---

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, PrincipalFromContext(ctx))
	assert.Empty(t, UserIDFromContext(ctx))
	assert.Empty(t, RoleFromContext(ctx))

	ctx = WithPrincipal(ctx, &Principal{UserID: "u", Role: "admin"})
	assert.Equal(t, "u", UserIDFromContext(ctx))
	assert.Equal(t, "admin", RoleFromContext(ctx))
}
