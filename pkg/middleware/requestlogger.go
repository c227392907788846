package middleware

import (
	"log/slog"
	"net/http"

	"github.com/Mega-0064/Learning-Platform/pkg/logger"
)

// RequestLogger stores a request-scoped logger in context, enriched with
// correlation_id, trace_id and span_id. Mount it after RequestLogging and
// Tracing. Auth later adds user_id and role to the same logger.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
