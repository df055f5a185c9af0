package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// statusErr is an error that carries an HTTP status code. Any error chain
// that wraps one of these is surfaced to the client with that status.
type statusErr int

func (e statusErr) Error() string { return http.StatusText(int(e)) }

// Status returns the HTTP status code for this error.
func (e statusErr) Status() int { return int(e) }

var (
	errBadRequest      = statusErr(http.StatusBadRequest)
	errUnauthorized    = statusErr(http.StatusUnauthorized)
	errForbidden       = statusErr(http.StatusForbidden)
	errNotFound        = statusErr(http.StatusNotFound)
	errConflict        = statusErr(http.StatusConflict)
	errTooManyRequests = statusErr(http.StatusTooManyRequests)
	errBadGateway      = statusErr(http.StatusBadGateway)
)

// Stable error codes clients can switch on.
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeInvalidISBN          = "INVALID_ISBN"
	CodeInvalidPhotoIndex    = "INVALID_PHOTO_INDEX"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeNotFound             = "NOT_FOUND"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeProviderError        = "PROVIDER_ERROR"
	CodeTerminalState        = "TERMINAL_STATE"
	CodeConflictingInit      = "CONFLICTING_INIT"
	CodeRefreshWindowNotOpen = "REFRESH_WINDOW_NOT_OPEN"
	CodeCanceled             = "CANCELED"
	CodeUpstreamBudget       = "UPSTREAM_BUDGET_EXCEEDED"
	CodeInternal             = "INTERNAL_ERROR"
)

// apiError is the wire shape of a failed response.
type apiError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

func (e *apiError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// apiErr builds an error that renders with a stable code. The status is
// derived from the code unless the chain carries its own statusErr.
func apiErr(code, message string) *apiError {
	return &apiError{Code: code, Message: message, StatusCode: statusForCode(code)}
}

func statusForCode(code string) int {
	switch code {
	case CodeInvalidRequest, CodeInvalidISBN, CodeInvalidPhotoIndex, CodeConflictingInit:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRefreshWindowNotOpen:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTerminalState:
		return http.StatusConflict
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// asAPIError converts any error into the wire shape. Messages for internal
// errors are replaced wholesale so provider bodies and secrets can't leak.
func asAPIError(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	var se statusErr
	if errors.As(err, &se) {
		switch se {
		case errBadRequest:
			return &apiError{Code: CodeInvalidRequest, Message: err.Error(), StatusCode: 400}
		case errUnauthorized:
			return &apiError{Code: CodeUnauthorized, Message: "unauthorized", StatusCode: 401}
		case errForbidden:
			return &apiError{Code: CodeRefreshWindowNotOpen, Message: err.Error(), StatusCode: 403}
		case errNotFound:
			return &apiError{Code: CodeNotFound, Message: "not found", StatusCode: 404}
		case errConflict:
			return &apiError{Code: CodeTerminalState, Message: err.Error(), StatusCode: 409}
		case errTooManyRequests:
			return &apiError{Code: CodeRateLimitExceeded, Message: "rate limit exceeded", StatusCode: 429}
		case errBadGateway:
			return &apiError{Code: CodeProviderError, Message: "all providers failed", StatusCode: 502}
		}
	}
	return &apiError{Code: CodeInternal, Message: "internal error", StatusCode: 500}
}

// errKind classifies upstream failures so callers can apply chain policy
// without parsing provider-specific errors.
type errKind int

const (
	kindTimeout errKind = iota + 1
	kindUnavailable
	kindRateLimited
	kindNotFound
	kindInvalidResponse
	kindAuthMissing
	kindTransport
)

func (k errKind) String() string {
	switch k {
	case kindTimeout:
		return "timeout"
	case kindUnavailable:
		return "unavailable"
	case kindRateLimited:
		return "rate_limited"
	case kindNotFound:
		return "not_found"
	case kindInvalidResponse:
		return "invalid_response"
	case kindAuthMissing:
		return "auth_missing"
	case kindTransport:
		return "transport"
	}
	return "unknown"
}

// providerErr wraps an upstream failure with its classification.
type providerErr struct {
	provider   Provider
	kind       errKind
	retryAfter time.Duration
	err        error
}

func (e *providerErr) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.provider, e.kind, e.err)
}

func (e *providerErr) Unwrap() error { return e.err }

// Is maps a not-found classification onto the shared sentinel so callers
// can use errors.Is(err, errNotFound) across provider boundaries.
func (e *providerErr) Is(target error) bool {
	if target == errNotFound {
		return e.kind == kindNotFound
	}
	return false
}

func upstreamErr(p Provider, kind errKind, err error) *providerErr {
	return &providerErr{provider: p, kind: kind, err: err}
}

// transportErr classifies a failed round trip, distinguishing deadline
// expiry from plain transport trouble.
func transportErr(p Provider, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return upstreamErr(p, kindTimeout, err)
	}
	return upstreamErr(p, kindTransport, err)
}

// classifyHTTP maps a response status to an error kind. A nil error is
// returned for 2xx.
func classifyHTTP(p Provider, status int, retryAfter time.Duration) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusNotFound:
		return upstreamErr(p, kindNotFound, fmt.Errorf("status %d", status))
	case status == http.StatusTooManyRequests:
		return &providerErr{provider: p, kind: kindRateLimited, retryAfter: retryAfter, err: fmt.Errorf("status %d", status)}
	case status >= 500:
		return upstreamErr(p, kindUnavailable, fmt.Errorf("status %d", status))
	default:
		return upstreamErr(p, kindInvalidResponse, fmt.Errorf("status %d", status))
	}
}

// kindOf extracts the classification from an error chain, defaulting to
// transport for plain errors and timeout for deadline expiry.
func kindOf(err error) errKind {
	var pe *providerErr
	if errors.As(err, &pe) {
		return pe.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kindTimeout
	}
	return kindTransport
}
