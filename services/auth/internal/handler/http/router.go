package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mega-0064/Learning-Platform/pkg/health"
	"github.com/Mega-0064/Learning-Platform/pkg/middleware"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/service"
)

// ServiceName labels HTTP metrics and spans.
const ServiceName = "auth"

// RouterDeps groups what NewRouter wires together.
type RouterDeps struct {
	Credentials *service.CredentialService
	Gate        middleware.Authenticator
	Health      *health.Handler
	Logger      *slog.Logger
	CORS        middleware.CORSConfig
	RateLimit   middleware.RateLimitConfig
}

// NewRouter creates a chi router with all auth service routes registered.
// Auth routes are mounted under both /auth and /api/v1/auth.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CORS(deps.CORS))
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogging(deps.Logger))
	r.Use(middleware.Tracing(ServiceName))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.PrometheusMetrics(ServiceName))

	// Health check endpoints
	r.Get("/health/live", deps.Health.LivenessHandler())
	r.Get("/health/ready", deps.Health.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	h := NewAuthHandler(deps.Credentials, deps.Logger)
	// One limiter shared by both prefixes.
	limit := middleware.RateLimit(deps.RateLimit, deps.Logger)

	routes := func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(middleware.NoStore())

		r.Group(func(r chi.Router) {
			r.Use(limit)

			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Post("/refresh-token", h.RefreshToken)
			r.Post("/verify-email", h.VerifyEmail)
			r.Post("/resend-verification", h.ResendVerification)
			r.Post("/forgot-password", h.ForgotPassword)
			r.Post("/reset-password", h.ResetPassword)
			r.Post("/social/{provider}", h.SocialAuth)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(deps.Gate))

			r.Get("/me", h.Me)
			r.Post("/change-password", h.ChangePassword)
			r.Post("/logout", h.Logout)
		})
	}

	r.Route("/auth", routes)
	r.Route("/api/v1/auth", routes)

	return r
}
