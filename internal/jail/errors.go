package jail

import (
	"errors"
	"fmt"

	"github.com/jailkeeper/jailkeeper/internal/iocage"
)

var (
	// ErrNotFound is returned when a jail, template or release does not exist
	// and the operation requires it to.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned when a request is structurally invalid.
	// It is always returned before any mutation is attempted.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState is returned when a lifecycle transition is requested
	// against a jail that cannot make it (start when running, stop when stopped).
	ErrInvalidState = errors.New("invalid state")

	// ErrExecution is returned when the jail manager reports a real failure.
	ErrExecution = errors.New("jail manager failure")
)

// managerError classifies an error returned by the jail manager.
func managerError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, iocage.ErrJailNotFound) {
		return fmt.Errorf("%w: %s %s: %w", ErrNotFound, op, name, err)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrExecution, op, name, err)
}
