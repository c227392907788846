package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
	"github.com/Mega-0064/Learning-Platform/pkg/logger"
	"github.com/Mega-0064/Learning-Platform/pkg/validator"
)

// MaxBodyBytes caps JSON request bodies read through DecodeJSON.
const MaxBodyBytes = 1 << 20

// Response is the standard JSON response envelope used across all services.
type Response struct {
	Data  any            `json:"data,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse represents an error in the standard response format.
type ErrorResponse struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
// Responses may carry credentials, so intermediaries are told not to cache them.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	// Headers are already sent; nothing meaningful can be done if encoding fails.
	_ = json.NewEncoder(w).Encode(v)
}

// WriteData writes v inside the data envelope.
func WriteData(w http.ResponseWriter, status int, v any) {
	WriteJSON(w, status, Response{Data: v})
}

// WriteError writes a standardized error response based on the error type.
// AppErrors keep their own code and status; bare sentinels are mapped through
// apperrors.HTTPStatus; anything else becomes a logged 500. It prefers the
// request-scoped logger from context over the fallback logger.
func WriteError(w http.ResponseWriter, r *http.Request, err error, fallback *slog.Logger) {
	l := logger.FromContext(r.Context())
	if l == slog.Default() && fallback != nil {
		l = fallback
	}
	requestID := logger.CorrelationIDFromContext(r.Context())

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		if appErr.Status >= http.StatusInternalServerError {
			logInternal(l, r, err)
		}
		WriteJSON(w, appErr.Status, Response{
			Error: &ErrorResponse{Code: appErr.Code, Message: appErr.Message, RequestID: requestID},
		})
		return
	}

	status := apperrors.HTTPStatus(err)
	code := apperrors.CodeInternal
	message := "an internal error occurred"

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		code, message = apperrors.CodeNotFound, "resource not found"
	case errors.Is(err, apperrors.ErrAlreadyExists):
		code, message = apperrors.CodeAlreadyExists, "resource already exists"
	case errors.Is(err, apperrors.ErrInvalidInput):
		code, message = apperrors.CodeInvalidInput, err.Error()
	case errors.Is(err, apperrors.ErrUnauthorized):
		code, message = apperrors.CodeUnauthorized, "authentication required"
	case errors.Is(err, apperrors.ErrForbidden):
		code, message = apperrors.CodeForbidden, "access denied"
	case errors.Is(err, apperrors.ErrServiceUnavail):
		code, message = apperrors.CodeServiceUnavail, "service temporarily unavailable"
	}

	if status >= http.StatusInternalServerError {
		logInternal(l, r, err)
	}

	WriteJSON(w, status, Response{
		Error: &ErrorResponse{Code: code, Message: message, RequestID: requestID},
	})
}

func logInternal(l *slog.Logger, r *http.Request, err error) {
	l.ErrorContext(r.Context(), "internal error",
		slog.String("error", err.Error()),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)
}

// WriteValidationError writes a standardized validation error response.
// It handles ValidationError from the validator package and returns field-level errors.
func WriteValidationError(w http.ResponseWriter, err error) {
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		WriteJSON(w, http.StatusBadRequest, Response{
			Error: &ErrorResponse{
				Code:    apperrors.CodeValidation,
				Message: "request validation failed",
				Fields:  valErr.Fields(),
			},
		})
		return
	}

	WriteJSON(w, http.StatusBadRequest, Response{
		Error: &ErrorResponse{Code: apperrors.CodeInvalidInput, Message: err.Error()},
	})
}

// DecodeJSON reads at most MaxBodyBytes of JSON from r into dst and validates it.
// On failure it writes the 400 response itself and returns false.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteJSON(w, http.StatusBadRequest, Response{
			Error: &ErrorResponse{
				Code:      apperrors.CodeInvalidInput,
				Message:   fmt.Sprintf("invalid request body: %v", err),
				RequestID: logger.CorrelationIDFromContext(r.Context()),
			},
		})
		return false
	}
	if err := validator.Validate(dst); err != nil {
		WriteValidationError(w, err)
		return false
	}
	return true
}
