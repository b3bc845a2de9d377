// Package apperr holds the error kinds shared by the messaging core.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrAuthorization    = errors.New("not a member of room")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrTransportFailure = errors.New("transport failure")
	ErrDisconnected     = errors.New("connection is disconnected")
)

// Unavailable wraps a driver error so callers can match ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// Code maps an error to the code sent to clients in error events.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthorization):
		return "not_a_member"
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return "store_unavailable"
	case errors.Is(err, ErrDisconnected):
		return "disconnected"
	case errors.Is(err, ErrTransportFailure):
		return "transport"
	default:
		return "internal"
	}
}
