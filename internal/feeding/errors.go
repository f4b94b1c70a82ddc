package feeding

import (
	"errors"
	"fmt"

	"snackloader-backend/internal/store"
)

var (
	// ErrValidation marks malformed input: unknown pet, non-positive amount,
	// missing identifiers.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when the other pet's feeder is still active.
	ErrConflict = errors.New("feeder active")

	// ErrNotFound is returned for unknown devices and commands.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when registering a device id twice.
	ErrAlreadyExists = errors.New("device already exists")

	// ErrUpstream wraps failures of the persistent store.
	ErrUpstream = errors.New("upstream failure")
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// translate maps store errors onto the coordinator taxonomy. Errors that
// already belong to it pass through.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConflict),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrUpstream):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, store.ErrAlreadyExists):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	default:
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
}
