package middleware

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
	"github.com/Mega-0064/Learning-Platform/pkg/httputil"
	"github.com/Mega-0064/Learning-Platform/pkg/logger"
)

type contextKeyType string

const principalKey contextKeyType = "principal"

// Principal is the authenticated identity attached to a request.
type Principal struct {
	UserID     string `json:"userId"`
	Email      string `json:"email"`
	Role       string `json:"role"`
	IsVerified bool   `json:"isVerified"`
}

// Authenticator resolves a bearer access token into a Principal. Returned
// errors are written with httputil.WriteError, so an *apperrors.AppError keeps
// its code and status and an unclassified error becomes a 500.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (*Principal, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, bearer string) (*Principal, error)

// Authenticate calls f(ctx, bearer).
func (f AuthenticatorFunc) Authenticate(ctx context.Context, bearer string) (*Principal, error) {
	return f(ctx, bearer)
}

var (
	errMissingBearer = apperrors.Unauthorized("missing authorization header")
	errMalformed     = apperrors.Unauthorized("invalid authorization header format")
)

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errMissingBearer
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", errMalformed
	}
	return token, nil
}

// Auth rejects requests that do not carry an access token accepted by a.
// Accepted requests continue with the Principal in context.
func Auth(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err != nil {
				httputil.WriteError(w, r, err, nil)
				return
			}

			p, err := a.Authenticate(r.Context(), token)
			if err != nil {
				httputil.WriteError(w, r, err, nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

// OptionalAuth attaches a Principal when the request carries an acceptable
// token and otherwise lets the request through anonymously.
func OptionalAuth(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err == nil {
				if p, authErr := a.Authenticate(r.Context(), token); authErr == nil {
					r = r.WithContext(withPrincipal(r.Context(), p))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireVerified rejects principals whose email is not verified. It must be
// mounted after Auth.
func RequireVerified() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if p == nil {
				httputil.WriteError(w, r, apperrors.Unauthorized("authentication required"), nil)
				return
			}
			if !p.IsVerified {
				httputil.WriteError(w, r, apperrors.New(apperrors.CodeEmailNotVerified,
					"email address is not verified", http.StatusForbidden, apperrors.ErrForbidden), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole rejects principals whose role is not among roles. It must be
// mounted after Auth.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	roleSet := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		roleSet[r] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if p == nil {
				httputil.WriteError(w, r, apperrors.Unauthorized("authentication required"), nil)
				return
			}
			if _, ok := roleSet[p.Role]; !ok {
				httputil.WriteError(w, r, apperrors.Forbidden("insufficient permissions"), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	ctx = context.WithValue(ctx, principalKey, p)
	ctx = logger.WithUserID(ctx, p.UserID)
	ctx = logger.WithRole(ctx, p.Role)
	return logger.NewContext(ctx, logger.FromContext(ctx).With(
		"user_id", p.UserID,
		"role", p.Role,
	))
}

// WithPrincipal returns ctx carrying p, as Auth would attach it.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return withPrincipal(ctx, p)
}

// PrincipalFromContext returns the authenticated principal, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey).(*Principal); ok {
		return p
	}
	return nil
}

// UserIDFromContext extracts the authenticated user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.UserID
	}
	return ""
}

// RoleFromContext extracts the authenticated role from the request context.
func RoleFromContext(ctx context.Context) string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.Role
	}
	return ""
}
