// Package service implements credential provisioning and subscription
// lifecycle on top of the engine client and the database.
package service

import (
	"errors"
	"fmt"
)

// Sentinel errors callers can match with errors.Is to tell user mistakes
// apart from infrastructure failures.
var (
	// ErrQuotaExceeded: the owner is at the active-credential limit.
	ErrQuotaExceeded = errors.New("credential quota exceeded")
	// ErrNotFound: the credential is absent, foreign or already inactive.
	ErrNotFound = errors.New("credential not found")
	// ErrValidation: malformed create/update input.
	ErrValidation = errors.New("invalid input")
)

// ConnectivityError wraps an engine control RPC failure. Retryable by the
// caller; the underlying RPC error is preserved.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// IsConnectivity reports whether err is an engine connectivity failure.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
