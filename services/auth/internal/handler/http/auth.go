package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Mega-0064/Learning-Platform/pkg/httputil"
	"github.com/Mega-0064/Learning-Platform/pkg/middleware"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/service"
)

// AuthHandler handles HTTP requests for auth endpoints.
type AuthHandler struct {
	service *service.CredentialService
	logger  *slog.Logger
}

// NewAuthHandler creates a new auth HTTP handler.
func NewAuthHandler(svc *service.CredentialService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{service: svc, logger: logger}
}

// --- Request DTOs ---

// RegisterRequest is the JSON request body for registration.
type RegisterRequest struct {
	Username  string `json:"username" validate:"required,username"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,strongpassword,max=72"`
	FirstName string `json:"firstName" validate:"max=100"`
	LastName  string `json:"lastName" validate:"max=100"`
}

// LoginRequest is the JSON request body for login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RefreshTokenRequest is the JSON request body for token refresh.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// TokenRequest carries a single-use token.
type TokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// EmailRequest carries an email address for resend and forgot flows.
type EmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetPasswordRequest is the JSON request body for completing a reset.
// Strength and confirmation are checked by the service so their error codes
// reach the client.
type ResetPasswordRequest struct {
	Token           string `json:"token" validate:"required"`
	Password        string `json:"password" validate:"required"`
	ConfirmPassword string `json:"confirmPassword" validate:"required"`
}

// ChangePasswordRequest is the JSON request body for a password change.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required"`
	ConfirmPassword string `json:"confirmPassword" validate:"required"`
}

// SocialAuthRequest carries the provider token and the profile it vouches
// for. A missing token is reported as 401 by the service.
type SocialAuthRequest struct {
	Token   string               `json:"token"`
	Profile domain.SocialProfile `json:"profile"`
}

// LogoutRequest optionally names the refresh token to revoke.
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// --- Response types ---

// MessageResponse acknowledges flows that return no resource.
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// --- Handlers ---

// Register handles POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Register(r.Context(), service.RegisterInput{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusCreated, result)
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, result)
}

// RefreshToken handles POST /auth/refresh-token
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, tokens)
}

// VerifyEmail handles POST /auth/verify-email
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	if _, err := h.service.VerifyEmail(r.Context(), req.Token); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, MessageResponse{Success: true, Message: "email verified successfully"})
}

// ResendVerification handles POST /auth/resend-verification
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	if err := h.service.ResendVerification(r.Context(), req.Email); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, MessageResponse{
		Success: true,
		Message: "if the account exists and is not verified, a verification email has been sent",
	})
}

// ForgotPassword handles POST /auth/forgot-password
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	if err := h.service.ForgotPassword(r.Context(), req.Email); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, MessageResponse{
		Success: true,
		Message: "if the email exists, a password reset link has been sent",
	})
}

// ResetPassword handles POST /auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	err := h.service.ResetPassword(r.Context(), service.ResetPasswordInput{
		Token:           req.Token,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, MessageResponse{Success: true, Message: "password has been reset successfully"})
}

// ChangePassword handles POST /auth/change-password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	err := h.service.ChangePassword(r.Context(), middleware.UserIDFromContext(r.Context()), service.ChangePasswordInput{
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, MessageResponse{Success: true, Message: "password changed successfully"})
}

// Me handles GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.Me(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, user)
}

// SocialAuth handles POST /auth/social/{provider}
func (h *AuthHandler) SocialAuth(w http.ResponseWriter, r *http.Request) {
	var req SocialAuthRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.SocialAuth(r.Context(), service.SocialAuthInput{
		Provider: chi.URLParam(r, "provider"),
		Token:    req.Token,
		Profile:  req.Profile,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, result)
}

// Logout handles POST /auth/logout. The body is optional.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	r.Body = http.MaxBytesReader(w, r.Body, httputil.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteValidationError(w, errors.New("invalid request body: "+err.Error()))
		return
	}

	if err := h.service.Logout(r.Context(), middleware.UserIDFromContext(r.Context()), req.RefreshToken); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, MessageResponse{Success: true, Message: "logged out"})
}
