// Package errors defines the structured error taxonomy shared by the discovery engine,
// the relay transport and the HTTP presentation layer.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	// CodeInvalidCode marks a malformed geohash or an out-of-range coordinate.
	CodeInvalidCode Code = "INVALID_CODE"
	// CodeMissingLocation marks an event without any decodable geo tag.
	CodeMissingLocation Code = "MISSING_LOCATION"
	// CodeMalformedContent marks content that does not carry a structured payload.
	CodeMalformedContent Code = "MALFORMED_CONTENT"
	// CodePublishFailure marks a publish rejected by every endpoint.
	CodePublishFailure Code = "PUBLISH_FAILURE"
	// CodeNotAuthenticated marks a publish attempted without a signer.
	CodeNotAuthenticated Code = "NOT_AUTHENTICATED"
	// CodeInvalidKey marks an unparsable secret key.
	CodeInvalidKey Code = "INVALID_KEY"
	// CodeInvalidDraft marks a check-in draft that fails validation.
	CodeInvalidDraft Code = "INVALID_DRAFT"
	// CodeInvalidRelay marks a relay URL that is not a websocket endpoint.
	CodeInvalidRelay Code = "INVALID_RELAY"
)

// AppError represents a structured application error.
type AppError struct {
	// HTTPStatusCode is the HTTP status code to return.
	HTTPStatusCode int `json:"-"`
	// Code is an internal error code string.
	Code Code `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Details provides additional error context (optional).
	Details map[string]interface{} `json:"details,omitempty"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code, so sentinel
// values below work with errors.Is regardless of message or cause.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok || t == nil {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// ToJSON returns the JSON byte representation of the error.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// WithDetail returns a copy of e carrying an extra detail entry.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// New creates a new AppError. The HTTP status is derived from the code.
func New(code Code, message string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: statusFor(code),
		Code:           code,
		Message:        message,
		Err:            err,
	}
}

// Newf is New with a formatted message and no wrapped cause.
func Newf(code Code, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

func statusFor(code Code) int {
	switch code {
	case CodeInvalidCode, CodeInvalidDraft, CodeInvalidKey, CodeInvalidRelay, CodeMalformedContent, CodeMissingLocation:
		return http.StatusBadRequest
	case CodeNotAuthenticated:
		return http.StatusUnauthorized
	case CodePublishFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidCode      = &AppError{Code: CodeInvalidCode, Message: "invalid geohash"}
	ErrMissingLocation  = &AppError{Code: CodeMissingLocation, Message: "event has no decodable location"}
	ErrMalformedContent = &AppError{Code: CodeMalformedContent, Message: "content has no structured payload"}
	ErrPublishFailure   = &AppError{Code: CodePublishFailure, Message: "all relays rejected the event"}
	ErrNotAuthenticated = &AppError{Code: CodeNotAuthenticated, Message: "not logged in"}
	ErrInvalidKey       = &AppError{Code: CodeInvalidKey, Message: "invalid key"}
	ErrInvalidDraft     = &AppError{Code: CodeInvalidDraft, Message: "invalid check-in"}
	ErrInvalidRelay     = &AppError{Code: CodeInvalidRelay, Message: "invalid relay url"}
)
