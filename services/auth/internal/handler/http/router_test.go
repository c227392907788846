package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Mega-0064/Learning-Platform/pkg/health"
	"github.com/Mega-0064/Learning-Platform/pkg/middleware"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/auth"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/repository/memory"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/service"
)

// --- Fixtures ---

type outbox struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (o *outbox) SendVerificationEmail(_ context.Context, u *domain.User, token string) error {
	o.put("verify:"+u.Email, token)
	return nil
}

func (o *outbox) SendPasswordResetEmail(_ context.Context, u *domain.User, token string) error {
	o.put("reset:"+u.Email, token)
	return nil
}

func (o *outbox) put(key, token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tokens[key] = token
}

func (o *outbox) get(key string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tokens[key]
}

type testServer struct {
	handler http.Handler
	outbox  *outbox
	store   *memory.Store
}

func newTestServer(t *testing.T, requireVerification bool) *testServer {
	t.Helper()
	return newLimitedTestServer(t, requireVerification, middleware.RateLimitConfig{})
}

func newLimitedTestServer(t *testing.T, requireVerification bool, limit middleware.RateLimitConfig) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	jwt := auth.NewJWTManager(auth.Config{
		AccessSecret:  "handler-access-secret-0123456789abcdef",
		RefreshSecret: "handler-refresh-secret-0123456789abcdef",
		AccessExpiry:  time.Hour,
		RefreshExpiry: 7 * 24 * time.Hour,
		Issuer:        "learnhub-auth",
	})
	box := &outbox{tokens: make(map[string]string)}

	issuer := service.NewTokenIssuer(jwt, store.Users(), store.Revocations(), log)
	svc := service.NewCredentialService(service.CredentialDeps{
		Users:                    store.Users(),
		Identities:               store.Identities(),
		Tokens:                   service.NewSingleUseTokenStore(store.Tokens(), store.Users(), 24*time.Hour, time.Hour, log),
		Issuer:                   issuer,
		Hasher:                   service.NewPasswordHasher(bcrypt.MinCost),
		Mailer:                   box,
		Logger:                   log,
		RequireEmailVerification: requireVerification,
	})

	return &testServer{
		handler: NewRouter(RouterDeps{
			Credentials: svc,
			Gate:        service.NewGate(jwt, store.Users()),
			Health:      health.NewHandler(),
			Logger:      log,
			CORS:        middleware.DefaultCORSConfig(),
			RateLimit:   limit,
		}),
		outbox: box,
		store:  store,
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields"`
	} `json:"error"`
}

type authPayload struct {
	User      map[string]any   `json:"user"`
	Tokens    domain.TokenPair `json:"tokens"`
	IsNewUser bool             `json:"isNewUser"`
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func registerAlice(t *testing.T, s *testServer) authPayload {
	t.Helper()
	rec, env := s.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "alice", "email": "alice@x.com", "password": "Abc12345!",
		"firstName": "Alice", "lastName": "Liddell",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeData[authPayload](t, env)
}

// --- Scenarios ---

func TestRegister_ReturnsUserAndTokens(t *testing.T) {
	s := newTestServer(t, false)

	got := registerAlice(t, s)
	assert.Equal(t, "alice", got.User["username"])
	assert.Equal(t, false, got.User["isVerified"])
	assert.NotContains(t, got.User, "passwordHash")
	assert.NotContains(t, got.User, "PasswordHash")
	assert.Equal(t, int64(3600), got.Tokens.ExpiresIn)
	assert.NotEmpty(t, got.Tokens.AccessToken)
	assert.NotEmpty(t, got.Tokens.RefreshToken)
	assert.True(t, got.IsNewUser)
}

func TestLogin_ReportsExistingUser(t *testing.T) {
	s := newTestServer(t, false)
	registerAlice(t, s)

	rec, env := s.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "alice@x.com", "password": "Abc12345!",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	payload := decodeData[map[string]any](t, env)
	require.Contains(t, payload, "isNewUser")
	assert.Equal(t, false, payload["isNewUser"])
}

func TestRegister_Rejections(t *testing.T) {
	s := newTestServer(t, false)
	registerAlice(t, s)

	tests := []struct {
		name   string
		body   map[string]string
		status int
		code   string
		field  string
	}{
		{"duplicate email", map[string]string{"username": "alice2", "email": "alice@x.com", "password": "Abc12345!"}, http.StatusBadRequest, "DUPLICATE_EMAIL", ""},
		{"duplicate username", map[string]string{"username": "alice", "email": "other@x.com", "password": "Abc12345!"}, http.StatusBadRequest, "DUPLICATE_USERNAME", ""},
		{"weak password", map[string]string{"username": "bob", "email": "bob@x.com", "password": "abcdefgh"}, http.StatusBadRequest, "VALIDATION_ERROR", "password"},
		{"bad email", map[string]string{"username": "bob", "email": "bob", "password": "Abc12345!"}, http.StatusBadRequest, "VALIDATION_ERROR", "email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := s.do(t, http.MethodPost, "/auth/register", "", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
			if tt.field != "" {
				assert.Contains(t, env.Error.Fields, tt.field)
			}
		})
	}
}

func TestRegisterVerifyLogin_WithVerificationRequired(t *testing.T) {
	s := newTestServer(t, true)
	registered := registerAlice(t, s)
	assert.Equal(t, false, registered.User["isVerified"])

	login := map[string]string{"email": "alice@x.com", "password": "Abc12345!"}
	rec, env := s.do(t, http.MethodPost, "/auth/login", "", login)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "EMAIL_NOT_VERIFIED", env.Error.Code)

	token := s.outbox.get("verify:alice@x.com")
	require.NotEmpty(t, token)
	rec, env = s.do(t, http.MethodPost, "/auth/verify-email", "", map[string]string{"token": token})
	require.Equal(t, http.StatusOK, rec.Code)
	ack := decodeData[MessageResponse](t, env)
	assert.True(t, ack.Success)

	rec, env = s.do(t, http.MethodPost, "/auth/login", "", login)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[authPayload](t, env)
	assert.Equal(t, true, got.User["isVerified"])
	assert.Equal(t, int64(3600), got.Tokens.ExpiresIn)
}

func TestLogin_UniformFailure(t *testing.T) {
	s := newTestServer(t, false)
	registerAlice(t, s)

	recUnknown, unknown := s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "nobody@x.com", "password": "Abc12345!"})
	recWrong, wrong := s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "alice@x.com", "password": "Wrong123!"})

	assert.Equal(t, http.StatusUnauthorized, recUnknown.Code)
	assert.Equal(t, http.StatusUnauthorized, recWrong.Code)
	assert.Equal(t, "Invalid credentials", unknown.Error.Message)
	assert.Equal(t, unknown.Error, wrong.Error)
}

func TestRefreshToken_Rotation(t *testing.T) {
	s := newTestServer(t, false)
	session := registerAlice(t, s)

	rec, env := s.do(t, http.MethodPost, "/auth/refresh-token", "", map[string]string{"refreshToken": session.Tokens.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)
	pair := decodeData[domain.TokenPair](t, env)
	assert.NotEqual(t, session.Tokens.RefreshToken, pair.RefreshToken)
	assert.Equal(t, int64(3600), pair.ExpiresIn)

	rec, env = s.do(t, http.MethodPost, "/auth/refresh-token", "", map[string]string{"refreshToken": session.Tokens.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", env.Error.Code)
}

func TestForgotAndResetPassword(t *testing.T) {
	s := newTestServer(t, false)
	registerAlice(t, s)

	for _, email := range []string{"alice@x.com", "nobody@x.com"} {
		rec, env := s.do(t, http.MethodPost, "/auth/forgot-password", "", map[string]string{"email": email})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decodeData[MessageResponse](t, env).Success)
	}

	reset := map[string]string{
		"token":           s.outbox.get("reset:alice@x.com"),
		"password":        "N3w!Passw0rd",
		"confirmPassword": "N3w!Passw0rd",
	}
	rec, _ := s.do(t, http.MethodPost, "/auth/reset-password", "", reset)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := s.do(t, http.MethodPost, "/auth/reset-password", "", reset)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ALREADY_USED", env.Error.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "alice@x.com", "password": "N3w!Passw0rd"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResetPassword_Mismatch(t *testing.T) {
	s := newTestServer(t, false)

	rec, env := s.do(t, http.MethodPost, "/auth/reset-password", "", map[string]string{
		"token": "whatever", "password": "N3w!Passw0rd", "confirmPassword": "Other!Passw0rd",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "PASSWORD_MISMATCH", env.Error.Code)
}

func TestResendVerification_Uniform(t *testing.T) {
	s := newTestServer(t, false)
	registerAlice(t, s)

	var bodies []string
	for _, email := range []string{"alice@x.com", "nobody@x.com"} {
		rec, _ := s.do(t, http.MethodPost, "/auth/resend-verification", "", map[string]string{"email": email})
		require.Equal(t, http.StatusOK, rec.Code)
		bodies = append(bodies, rec.Body.String())
	}
	assert.Equal(t, bodies[0], bodies[1])
}

func TestMeAndChangePassword(t *testing.T) {
	s := newTestServer(t, false)
	session := registerAlice(t, s)

	rec, env := s.do(t, http.MethodGet, "/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	rec, env = s.do(t, http.MethodGet, "/api/v1/auth/me", session.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeData[map[string]any](t, env)
	assert.Equal(t, "alice@x.com", me["email"])
	assert.NotContains(t, me, "passwordHash")

	rec, env = s.do(t, http.MethodPost, "/auth/change-password", session.Tokens.AccessToken, map[string]string{
		"currentPassword": "wrong", "newPassword": "N3w!Passw0rd", "confirmPassword": "N3w!Passw0rd",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", env.Error.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/change-password", session.Tokens.AccessToken, map[string]string{
		"currentPassword": "Abc12345!", "newPassword": "N3w!Passw0rd", "confirmPassword": "N3w!Passw0rd",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSocialAuth_Endpoint(t *testing.T) {
	s := newTestServer(t, false)
	body := map[string]any{
		"token":   "ya29.provider",
		"profile": map[string]string{"id": "g-1", "email": "sam@x.com", "username": "sam"},
	}

	rec, env := s.do(t, http.MethodPost, "/auth/social/google", "", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeData[authPayload](t, env)
	assert.True(t, first.IsNewUser)
	assert.Equal(t, true, first.User["isVerified"])

	rec, env = s.do(t, http.MethodPost, "/auth/social/google", "", body)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeData[map[string]any](t, env)
	require.Contains(t, second, "isNewUser")
	assert.Equal(t, false, second["isNewUser"])
	assert.Contains(t, second, "tokens")
	assert.Equal(t, first.User["id"], second["user"].(map[string]any)["id"])

	rec, env = s.do(t, http.MethodPost, "/auth/social/google", "", map[string]any{"profile": body["profile"]})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/social/myspace", "", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogout_RevokesRefreshToken(t *testing.T) {
	s := newTestServer(t, false)
	session := registerAlice(t, s)

	rec, _ := s.do(t, http.MethodPost, "/auth/logout", session.Tokens.AccessToken, map[string]string{
		"refreshToken": session.Tokens.RefreshToken,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/refresh-token", "", map[string]string{"refreshToken": session.Tokens.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/auth/logout", session.Tokens.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOperationalRoutes(t *testing.T) {
	s := newTestServer(t, false)

	rec, _ := s.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	s.handler.ServeHTTP(mrec, req)
	assert.Equal(t, http.StatusOK, mrec.Code)
	assert.Contains(t, mrec.Body.String(), "http_requests_total")
}

func TestAuthResponses_AreNotCached(t *testing.T) {
	s := newTestServer(t, false)

	rec, _ := s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "nobody@x.com", "password": "x"})
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get(middleware.CorrelationHeader))
}

func TestCredentialRoutes_AreRateLimited(t *testing.T) {
	s := newLimitedTestServer(t, false, middleware.RateLimitConfig{RPS: 1, Burst: 2})
	creds := map[string]string{"email": "nobody@x.com", "password": "Wrong12345!"}

	rec, _ := s.do(t, http.MethodPost, "/auth/login", "", creds)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/login", "", creds)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env := s.do(t, http.MethodPost, "/auth/forgot-password", "", map[string]string{"email": "nobody@x.com"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "both prefixes share one bucket")
	require.NotNil(t, env.Error)
	assert.Equal(t, "RATE_LIMITED", env.Error.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec, _ = s.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "operational routes are not limited")
}
