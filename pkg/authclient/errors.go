package authclient

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
	"github.com/Mega-0064/Learning-Platform/pkg/httpclient"
)

var (
	// ErrNetwork reports that the auth service could not be reached.
	ErrNetwork = errors.New("authclient: network error")
	// ErrServer reports a 5xx response from the auth service.
	ErrServer = errors.New("authclient: server error")
	// ErrUnknown reports a response the client could not interpret.
	ErrUnknown = errors.New("authclient: unknown error")
	// ErrNoSession is returned when an operation needs tokens and none are held.
	ErrNoSession = errors.New("authclient: no session")
	// ErrSessionExpired is returned when a refresh failed and the session was cleared.
	ErrSessionExpired = errors.New("authclient: session expired")
)

// APIError is a non-2xx response carrying the server's wire code,
// e.g. INVALID_CREDENTIALS or EMAIL_NOT_VERIFIED.
type APIError struct {
	StatusCode int
	Code       string
	Message    string

	err error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("authclient: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap exposes the underlying *apperrors.AppError so callers can match
// the shared sentinels.
func (e *APIError) Unwrap() error { return e.err }

// Is makes every 5xx APIError match ErrServer.
func (e *APIError) Is(target error) bool {
	return target == ErrServer && e.StatusCode >= http.StatusInternalServerError
}

// parseAPIError consumes resp and converts it into an *APIError.
func parseAPIError(resp *http.Response) error {
	err := httpclient.ParseResponseError(resp, "auth-service")

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return fmt.Errorf("%w: %w", ErrUnknown, err)
	}
	return &APIError{
		StatusCode: appErr.Status,
		Code:       appErr.Code,
		Message:    appErr.Message,
		err:        appErr,
	}
}

// IsCode reports whether err is an *APIError with the given wire code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
