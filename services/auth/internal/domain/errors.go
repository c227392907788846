package domain

import "errors"

// Credential lifecycle failures. Handlers map them to wire codes.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrDuplicateEmail      = errors.New("email already registered")
	ErrDuplicateUsername   = errors.New("username already taken")
	ErrAccountLocked       = errors.New("account is locked")
	ErrAccountInactive     = errors.New("account is inactive")
	ErrEmailNotVerified    = errors.New("email address not verified")
	ErrInvalidToken        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token has expired")
	ErrAlreadyUsed         = errors.New("token has already been used")
	ErrPasswordMismatch    = errors.New("passwords do not match")
	ErrUserNotFound        = errors.New("user not found")
	ErrWeakPassword        = errors.New("password does not meet strength requirements")
	ErrUnsupportedProvider = errors.New("unsupported identity provider")
)
