package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind enumerates the OAuth2 error codes surfaced by every endpoint.
type ErrorKind string

const (
	ErrInvalidRequest          ErrorKind = "invalid_request"
	ErrInvalidClient           ErrorKind = "invalid_client"
	ErrInvalidGrant            ErrorKind = "invalid_grant"
	ErrUnauthorizedClient      ErrorKind = "unauthorized_client"
	ErrUnsupportedGrantType    ErrorKind = "unsupported_grant_type"
	ErrUnsupportedResponseType ErrorKind = "unsupported_response_type"
	ErrUnsupportedResponseMode ErrorKind = "unsupported_response_mode"
	ErrInvalidScope            ErrorKind = "invalid_scope"
	ErrMissingClaim            ErrorKind = "missing_claim"
	ErrMFARequired             ErrorKind = "mfa_required"
	ErrPasswordExpired         ErrorKind = "password_expired"
	ErrUnspecified             ErrorKind = "unspecified_error"
)

// RequestError is the structured error object returned by the endpoints.
type RequestError struct {
	Kind        ErrorKind      `json:"error"`
	Description string         `json:"error_description,omitempty"`
	Detail      string         `json:"error_detail,omitempty"`
	State       string         `json:"state,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

func (e *RequestError) Error() string {
	if e.Description == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

func reqError(kind ErrorKind, description string) *RequestError {
	return &RequestError{Kind: kind, Description: description}
}

// asRequestError converts any error into a RequestError, classifying the
// authentication sentinels and falling back to unspecified_error.
func asRequestError(err error) *RequestError {
	var re *RequestError
	if errors.As(err, &re) {
		return re
	}
	var mc *MissingClaimError
	if errors.As(err, &mc) {
		return &RequestError{
			Kind:        ErrMissingClaim,
			Description: mc.Error(),
			Data:        map[string]any{"claim": mc.Claim},
		}
	}
	switch {
	case errors.Is(err, ErrSecondFactorRequired):
		return reqError(ErrMFARequired, err.Error())
	case errors.Is(err, ErrCredentialExpired):
		return reqError(ErrPasswordExpired, err.Error())
	case errors.Is(err, ErrBadCredentials):
		return reqError(ErrInvalidGrant, err.Error())
	}
	return reqError(ErrUnspecified, err.Error())
}

func writeError(w http.ResponseWriter, e *RequestError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(e)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(v)
}
