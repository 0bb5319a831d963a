package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/pwseal/internal/crypto"
)

// APIError represents an error response of the HTTP API.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WithRequestID returns a copy of e carrying requestID.
func (e *APIError) WithRequestID(requestID string) *APIError {
	out := *e
	out.RequestID = requestID
	return &out
}

// WriteJSON writes the error response as JSON.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)

	if err := json.NewEncoder(w).Encode(e); err != nil {
		// Headers are already sent; nothing left to report to the client.
		return
	}
}

// TranslateError maps core and transport errors to API errors. The message
// for authentication failures is fixed so that a wrong password and a
// tampered container look identical to the caller.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return &APIError{
			Code:       "PayloadTooLarge",
			Message:    fmt.Sprintf("Request body exceeds the %d byte limit.", maxBytesErr.Limit),
			HTTPStatus: http.StatusRequestEntityTooLarge,
		}
	}

	switch crypto.ErrorKind(err) {
	case crypto.KindAuthentication:
		return &APIError{
			Code:       "AuthenticationFailed",
			Message:    crypto.ErrAuthentication.Error(),
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	case crypto.KindMalformedContainer:
		return &APIError{
			Code:       "MalformedContainer",
			Message:    "The container is not valid base64 or is too short.",
			HTTPStatus: http.StatusBadRequest,
		}
	case crypto.KindMalformedEnvelope:
		return &APIError{
			Code:       "MalformedEnvelope",
			Message:    "The container does not hold a file.",
			HTTPStatus: http.StatusBadRequest,
		}
	}

	// Internal details stay in the server log.
	return &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Predefined API errors
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "The request body could not be parsed.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingPassword = &APIError{
		Code:       "MissingPassword",
		Message:    "A non-empty password is required.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingFile = &APIError{
		Code:       "MissingFile",
		Message:    "The multipart field \"file\" is required.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingContainer = &APIError{
		Code:       "MissingContainer",
		Message:    "The \"container\" field is required.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNotFound = &APIError{
		Code:       "NotFound",
		Message:    "The requested resource does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrMethodNotAllowed = &APIError{
		Code:       "MethodNotAllowed",
		Message:    "The specified method is not allowed against this resource.",
		HTTPStatus: http.StatusMethodNotAllowed,
	}
)
