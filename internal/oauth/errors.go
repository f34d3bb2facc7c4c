// Package oauth orchestrates the OAuth 2.1 grant flows over the client
// authenticator, PKCE, the code store, the refresh rotator and the token
// engine.
package oauth

import (
	"encoding/json"
	"net/http"
)

// Error is an RFC 6749 5.2 protocol error with its HTTP status.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Standard error constructors. Descriptions stay generic where detail would
// leak which validation step failed.

func ErrInvalidRequest(desc string) *Error {
	return &Error{Code: "invalid_request", Description: desc, Status: http.StatusBadRequest}
}

func ErrInvalidClient() *Error {
	return &Error{Code: "invalid_client", Description: "client authentication failed", Status: http.StatusUnauthorized}
}

func ErrInvalidGrant(desc string) *Error {
	return &Error{Code: "invalid_grant", Description: desc, Status: http.StatusBadRequest}
}

func ErrUnauthorizedClient() *Error {
	return &Error{Code: "unauthorized_client", Description: "client is not authorized for this grant type", Status: http.StatusBadRequest}
}

func ErrUnsupportedGrantType() *Error {
	return &Error{Code: "unsupported_grant_type", Status: http.StatusBadRequest}
}

func ErrInvalidScope(desc string) *Error {
	return &Error{Code: "invalid_scope", Description: desc, Status: http.StatusBadRequest}
}

func ErrAccessDenied() *Error {
	return &Error{Code: "access_denied", Description: "the resource owner denied the request", Status: http.StatusForbidden}
}

func ErrServerError() *Error {
	return &Error{Code: "server_error", Status: http.StatusInternalServerError}
}

func ErrTemporarilyUnavailable(desc string) *Error {
	return &Error{Code: "temporarily_unavailable", Description: desc, Status: http.StatusTooManyRequests}
}

// WriteError writes a protocol error response. Token endpoint responses
// must not be cached (RFC 6749 5.1).
func WriteError(w http.ResponseWriter, oerr *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if oerr.Code == "invalid_client" {
		// RFC 6749 5.2: 401 responses carry a challenge.
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth", charset="UTF-8"`)
	}
	w.WriteHeader(oerr.Status)
	_ = json.NewEncoder(w).Encode(oerr)
}

// AsError coerces any error into a protocol error, mapping unknown errors
// to server_error so internals never leak.
func AsError(err error) *Error {
	if oerr, ok := err.(*Error); ok {
		return oerr
	}
	return ErrServerError()
}
