package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric result labels.
const (
	resultSuccess  = "success"
	resultInvalid  = "invalid"
	resultExpired  = "expired"
	resultUsed     = "already_used"
	resultRevoked  = "revoked"
	resultBlocked  = "blocked"
	resultError    = "error"
	operationIssue = "issue"
	operationUse   = "consume"
)

var (
	loginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Password login attempts by outcome.",
		},
		[]string{"result"},
	)

	tokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_refresh_total",
			Help: "Refresh token rotations by outcome.",
		},
		[]string{"result"},
	)

	singleUseTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_single_use_token_total",
			Help: "Verification and reset token operations by kind and outcome.",
		},
		[]string{"kind", "operation", "result"},
	)
)
