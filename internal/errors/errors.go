package errors

import "errors"

// Session errors.
var (
	ErrAuthRejected     = errors.New("authentication rejected by server")
	ErrSessionInvalid   = errors.New("session is no longer valid")
	ErrIdentityMismatch = errors.New("session identity mismatch")
	ErrNoToken          = errors.New("no auth token available")
)

// Connection errors.
var (
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrNotReady           = errors.New("connection not ready")
)

// API errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
