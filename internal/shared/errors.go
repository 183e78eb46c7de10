// Package shared provides common utilities used across the codebase.
package shared

import "errors"

// Outcomes surfaced by the session and message stores and the exchange.
var (
	// ErrAdmissionRejected means the source address is still in its cooldown window.
	ErrAdmissionRejected = errors.New("session creation rejected: cooldown active")
	// ErrNotFound means the session or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalid means the session expired or exhausted its message budget.
	ErrInvalid = errors.New("session expired or message limit reached")
	// ErrStorageFailure means a write did not take effect.
	ErrStorageFailure = errors.New("storage failure")
	// ErrExternalService means the completion provider failed or timed out.
	ErrExternalService = errors.New("external service failure")
)
