package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mega-0064/Learning-Platform/pkg/logger"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/config"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Environment:          "test",
		LogLevel:             "error",
		HTTPPort:             0,
		ShutdownTimeout:      time.Second,
		StorageDriver:        config.StorageDriverMemory,
		MailerDriver:         config.MailerDriverLog,
		JWTAccessSecret:      "test-access-secret",
		JWTRefreshSecret:     "test-refresh-secret",
		JWTAccessExpiry:      time.Hour,
		JWTRefreshExpiry:     7 * 24 * time.Hour,
		JWTIssuer:            "learnhub-auth",
		VerificationTokenTTL: 24 * time.Hour,
		ResetTokenTTL:        time.Hour,
		TokenPurgeInterval:   time.Hour,
		TokenPurgeGrace:      24 * time.Hour,
		BcryptCost:           4,
		AppBaseURL:           "http://localhost:3000",
		CORSAllowedOrigins:   []string{"*"},
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := NewApp(memoryConfig(), logger.NewWithWriter("auth-service", "error", io.Discard))
	require.NoError(t, err)
	return a
}

func TestNewApp_MemoryDriverServesAuthRoutes(t *testing.T) {
	a := newTestApp(t)
	t.Cleanup(func() { _ = a.Shutdown() })

	body, err := json.Marshal(map[string]string{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "Abc12345!",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	a.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "accessToken")
}

func TestNewApp_ReadinessWithoutBackingServices(t *testing.T) {
	a := newTestApp(t)
	t.Cleanup(func() { _ = a.Shutdown() })

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, a.pool)
	assert.Nil(t, a.redis)
	assert.Nil(t, a.producer)
}

func TestApp_PurgeExpiredTokensOnEmptyStore(t *testing.T) {
	a := newTestApp(t)
	t.Cleanup(func() { _ = a.Shutdown() })

	assert.NotPanics(t, func() { a.purgeExpiredTokens(context.Background()) })
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
