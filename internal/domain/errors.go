package domain

import (
	"errors"
	"fmt"
)

// ErrNotSupported is returned by provider capabilities the vendor does not
// offer (e.g. credential refresh on a session-based provider).
var ErrNotSupported = errors.New("not supported by provider")

// ConfigurationError means a provider config is missing or inactive.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

// AuthorizationError means an authorization state token is invalid, expired,
// or its ledger/account binding does not match the request. These propagate
// to the caller: they are bad requests, not integration faults.
type AuthorizationError struct {
	Msg string
}

func (e *AuthorizationError) Error() string {
	return "authorization error: " + e.Msg
}

// SessionExpiredError means the remote session resolved to expired, closed
// or revoked. It is a distinct signal that the connection needs
// re-authorization, never a generic failure.
type SessionExpiredError struct {
	Status string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("provider session %s: re-authorization required", e.Status)
}

// ProtocolError is a non-success response from the provider, carrying the
// vendor's own error code when it supplied one.
type ProtocolError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *ProtocolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.HTTPStatus, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.HTTPStatus, e.Message)
}

// ValidationError means a request broke a ledger invariant: wrong entry
// count, non-DRAFT status, missing required field.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Msg
}
