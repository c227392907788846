package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 1 << 20

// errorEnvelope mirrors httputil.ErrorResponse.
type errorEnvelope struct {
	Error *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields,omitempty"`
	} `json:"error"`
}

// ParseResponseError turns a non-2xx response into an *apperrors.AppError
// that keeps the server's status and wire code. Bodies that are not the
// LearnHub error envelope yield a code derived from the status. The body is
// consumed and closed.
func ParseResponseError(resp *http.Response, serviceName string) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("%s returned status %d (failed to read body: %w)", serviceName, resp.StatusCode, err)
	}

	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil && env.Error.Code != "" {
		return apperrors.New(env.Error.Code, env.Error.Message, resp.StatusCode, sentinelFor(resp.StatusCode))
	}

	msg := fmt.Sprintf("%s returned status %d", serviceName, resp.StatusCode)
	return apperrors.New(codeFor(resp.StatusCode), msg, resp.StatusCode, sentinelFor(resp.StatusCode))
}

func sentinelFor(status int) error {
	switch {
	case status == http.StatusNotFound:
		return apperrors.ErrNotFound
	case status == http.StatusConflict:
		return apperrors.ErrAlreadyExists
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return apperrors.ErrInvalidInput
	case status == http.StatusUnauthorized:
		return apperrors.ErrUnauthorized
	case status == http.StatusForbidden:
		return apperrors.ErrForbidden
	case status == http.StatusServiceUnavailable:
		return apperrors.ErrServiceUnavail
	case status >= 500:
		return apperrors.ErrInternal
	default:
		return nil
	}
}

func codeFor(status int) string {
	switch {
	case status == http.StatusNotFound:
		return apperrors.CodeNotFound
	case status == http.StatusConflict:
		return apperrors.CodeAlreadyExists
	case status == http.StatusUnauthorized:
		return apperrors.CodeUnauthorized
	case status == http.StatusForbidden:
		return apperrors.CodeForbidden
	case status == http.StatusServiceUnavailable:
		return apperrors.CodeServiceUnavail
	case status >= 500:
		return apperrors.CodeInternal
	default:
		return apperrors.CodeInvalidInput
	}
}

// IsClientError reports whether status is 4xx.
func IsClientError(status int) bool {
	return status >= 400 && status < 500
}

// IsServerError reports whether err came from a 5xx response.
func IsServerError(err error) bool {
	var appErr *apperrors.AppError
	return errors.As(err, &appErr) && appErr.Status >= 500
}
