package store

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired is returned by a backend when its auth session is no
	// longer accepted. The gateway recovers from it once per call.
	ErrSessionExpired = errors.New("store: session expired")

	// ErrSessionExhausted means the session expired again right after a refresh.
	ErrSessionExhausted = errors.New("store: session expired after refresh")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: record not found")
)

// ValidationError reports a record the store rejected as malformed.
type ValidationError struct {
	Collection string
	Detail     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("store: invalid %s record: %s", e.Collection, e.Detail)
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
