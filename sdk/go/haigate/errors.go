// Package haigate provides a Go client for the haigate chat gateway.
package haigate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the haigate API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// Moderation is set when the message was refused by moderation.
	Moderation *ModerationResult
}

func (e *Error) Error() string {
	return fmt.Sprintf("haigate: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// StreamError is an error event received after a stream started.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "haigate: stream: " + e.Message
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, http.StatusUnauthorized) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return statusIs(err, http.StatusForbidden) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsUnavailable returns true if the error is a 503.
func IsUnavailable(err error) bool { return statusIs(err, http.StatusServiceUnavailable) }

// IsModerated returns true if the message was refused by moderation.
func IsModerated(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "MODERATED"
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		if envelope.Error.Code == "MODERATED" && len(envelope.Error.Details) > 0 {
			var res ModerationResult
			if json.Unmarshal(envelope.Error.Details, &res) == nil {
				apiErr.Moderation = &res
			}
		}
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
