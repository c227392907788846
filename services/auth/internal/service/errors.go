package service

import (
	"errors"
	"net/http"

	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
	"github.com/Mega-0064/Learning-Platform/services/auth/internal/domain"
)

const weakPasswordMessage = "password must be at least 8 characters and contain upper-case, lower-case, digit and symbol characters"

// Wire errors returned by the service layer. Each wraps its domain sentinel
// so callers can match with errors.Is.
var (
	errInvalidCredentials  = apperrors.New(apperrors.CodeInvalidCredentials, "Invalid credentials", http.StatusUnauthorized, domain.ErrInvalidCredentials)
	errDuplicateEmail      = apperrors.New(apperrors.CodeDuplicateEmail, "email is already registered", http.StatusBadRequest, domain.ErrDuplicateEmail)
	errDuplicateUsername   = apperrors.New(apperrors.CodeDuplicateUsername, "username is already taken", http.StatusBadRequest, domain.ErrDuplicateUsername)
	errAccountLocked       = apperrors.New(apperrors.CodeAccountLocked, "account is locked", http.StatusForbidden, domain.ErrAccountLocked)
	errAccountInactive     = apperrors.New(apperrors.CodeAccountInactive, "account is inactive", http.StatusForbidden, domain.ErrAccountInactive)
	errEmailNotVerified    = apperrors.New(apperrors.CodeEmailNotVerified, "email address has not been verified", http.StatusForbidden, domain.ErrEmailNotVerified)
	errPasswordMismatch    = apperrors.New(apperrors.CodePasswordMismatch, "passwords do not match", http.StatusBadRequest, domain.ErrPasswordMismatch)
	errWeakPassword        = apperrors.New(apperrors.CodeInvalidInput, weakPasswordMessage, http.StatusBadRequest, domain.ErrWeakPassword)
	errUnsupportedProvider = apperrors.New(apperrors.CodeInvalidInput, "unsupported identity provider", http.StatusBadRequest, domain.ErrUnsupportedProvider)

	// Bearer token failures.
	errInvalidBearer = apperrors.New(apperrors.CodeInvalidToken, "invalid token", http.StatusUnauthorized, domain.ErrInvalidToken)
	errExpiredBearer = apperrors.New(apperrors.CodeTokenExpired, "token has expired", http.StatusUnauthorized, domain.ErrTokenExpired)
	errUserGone      = apperrors.New(apperrors.CodeUserNotFound, "user not found", http.StatusUnauthorized, domain.ErrUserNotFound)

	errProfileNotFound = apperrors.New(apperrors.CodeUserNotFound, "user not found", http.StatusNotFound, domain.ErrUserNotFound)

	// Single-use token failures.
	errInvalidSingleUse = apperrors.New(apperrors.CodeInvalidToken, "invalid token", http.StatusBadRequest, domain.ErrInvalidToken)
	errExpiredSingleUse = apperrors.New(apperrors.CodeTokenExpired, "token has expired", http.StatusBadRequest, domain.ErrTokenExpired)
	errAlreadyUsed      = apperrors.New(apperrors.CodeAlreadyUsed, "token has already been used", http.StatusBadRequest, domain.ErrAlreadyUsed)
)

// accessError maps an account-state sentinel to its wire error.
func accessError(err error) error {
	switch {
	case errors.Is(err, domain.ErrAccountLocked):
		return errAccountLocked
	case errors.Is(err, domain.ErrAccountInactive):
		return errAccountInactive
	default:
		return err
	}
}

// bearerError maps a JWT validation failure to a 401.
func bearerError(err error) error {
	if errors.Is(err, domain.ErrTokenExpired) {
		return errExpiredBearer
	}
	return errInvalidBearer
}

// singleUseError maps a single-use token failure to a 400.
func singleUseError(err error) error {
	switch {
	case errors.Is(err, domain.ErrTokenExpired):
		return errExpiredSingleUse
	case errors.Is(err, domain.ErrAlreadyUsed):
		return errAlreadyUsed
	default:
		return errInvalidSingleUse
	}
}

// userWriteError maps repository unique violations on users.
func userWriteError(err error) error {
	switch {
	case errors.Is(err, domain.ErrDuplicateEmail):
		return errDuplicateEmail
	case errors.Is(err, domain.ErrDuplicateUsername):
		return errDuplicateUsername
	default:
		return err
	}
}
