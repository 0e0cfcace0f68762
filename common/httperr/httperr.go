// Package httperr defines the API error kinds and the shared JSON envelope
// every error response uses: {error, message, request_id?, details?}.
package httperr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind is the machine-readable error code surfaced to API callers.
type Kind string

const (
	KindBadRequest               Kind = "bad_request"
	KindUnauthorized             Kind = "unauthorized"
	KindForbidden                Kind = "forbidden"
	KindNotFound                 Kind = "not_found"
	KindConflict                 Kind = "conflict"
	KindInvalidWorkflow          Kind = "invalid_workflow"
	KindWorkerUnavailable        Kind = "worker_unavailable"
	KindDispatchTimeout          Kind = "dispatch_timeout"
	KindWorkerCancelledTransient Kind = "worker_cancelled_transient"
	KindWorkerCancelledPermanent Kind = "worker_cancelled_permanent"
	KindRateLimited              Kind = "rate_limited"
	KindInternal                 Kind = "internal_error"
)

// status maps kinds to HTTP status codes.
var status = map[Kind]int{
	KindBadRequest:               http.StatusBadRequest,
	KindUnauthorized:             http.StatusUnauthorized,
	KindForbidden:                http.StatusForbidden,
	KindNotFound:                 http.StatusNotFound,
	KindConflict:                 http.StatusConflict,
	KindInvalidWorkflow:          http.StatusUnprocessableEntity,
	KindWorkerUnavailable:        http.StatusServiceUnavailable,
	KindDispatchTimeout:          http.StatusGatewayTimeout,
	KindWorkerCancelledTransient: http.StatusConflict,
	KindWorkerCancelledPermanent: http.StatusBadGateway,
	KindRateLimited:              http.StatusTooManyRequests,
	KindInternal:                 http.StatusInternalServerError,
}

// Error is a typed API error. Wrapping an underlying cause keeps internal
// detail in logs while the envelope stays stable for callers.
type Error struct {
	Kind    Kind                   `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap exposes the cause to errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// StatusCode returns the HTTP status for the error's kind.
func (e *Error) StatusCode() int {
	if code, ok := status[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// New builds a typed error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a typed error around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches structured detail fields.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// BadRequest, NotFound, Conflict and Internal are the shorthand constructors
// handlers reach for most.
func BadRequest(message string) *Error { return New(KindBadRequest, message) }
func NotFound(message string) *Error   { return New(KindNotFound, message) }
func Conflict(message string) *Error   { return New(KindConflict, message) }
func Internal(cause error) *Error      { return Wrap(KindInternal, "internal error", cause) }

// envelope is the wire shape of every error response.
type envelope struct {
	Error     Kind                   `json:"error"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Render writes the error envelope for any error. Typed errors keep their
// kind and details; everything else is masked as internal_error so stray
// stack detail never leaks to callers.
func Render(c echo.Context, err error) error {
	reqID := c.Response().Header().Get(echo.HeaderXRequestID)

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return c.JSON(apiErr.StatusCode(), envelope{
			Error:     apiErr.Kind,
			Message:   apiErr.Message,
			RequestID: reqID,
			Details:   apiErr.Details,
		})
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		msg := http.StatusText(echoErr.Code)
		if s, ok := echoErr.Message.(string); ok {
			msg = s
		}
		kind := KindInternal
		switch echoErr.Code {
		case http.StatusNotFound:
			kind = KindNotFound
		case http.StatusBadRequest:
			kind = KindBadRequest
		case http.StatusUnauthorized:
			kind = KindUnauthorized
		case http.StatusForbidden:
			kind = KindForbidden
		case http.StatusMethodNotAllowed:
			kind = KindBadRequest
			msg = "method not allowed"
		}
		return c.JSON(echoErr.Code, envelope{Error: kind, Message: msg, RequestID: reqID})
	}

	return c.JSON(http.StatusInternalServerError, envelope{
		Error:     KindInternal,
		Message:   "internal error",
		RequestID: reqID,
	})
}

// ErrorHandler adapts Render into echo's central error hook.
func ErrorHandler() echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		_ = Render(c, err)
	}
}

// DetailsFrom round-trips any JSON-marshalable value into detail fields.
// Serialization failures degrade to a marker instead of dropping the error.
func DetailsFrom(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{"error": "serialization_failed"}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{"error": "serialization_failed"}
	}
	return out
}
