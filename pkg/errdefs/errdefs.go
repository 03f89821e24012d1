// Package errdefs defines the closed set of error kinds raised by the task
// broker. Callers branch on the kind; humans read the wrapped message.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameter marks a request with missing or malformed fields.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrUnauthorized marks an ownership mismatch.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound marks an unknown task id or Slurm job id.
	ErrNotFound = errors.New("not found")

	// ErrSubmission marks a failed sbatch, unparseable sbatch output, or a
	// failed rsync push. The task row is already `failed` when it surfaces.
	ErrSubmission = errors.New("submission failed")

	// ErrRemoteUnavailable marks a transport failure talking to the Remote
	// Server.
	ErrRemoteUnavailable = errors.New("remote server unavailable")

	// ErrTimeout marks a subprocess that exceeded its deadline. Treated the
	// same as a non-zero exit by every caller.
	ErrTimeout = errors.New("operation timed out")

	// ErrTerminalState marks an attempted transition out of a terminal
	// status. Store writes swallow it; cancel surfaces it to the client.
	ErrTerminalState = errors.New("task is in a terminal state")
)

// Wrap attaches a formatted message to a kind.
func Wrap(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

func IsInvalidParameter(err error) bool { return errors.Is(err, ErrInvalidParameter) }
func IsUnauthorized(err error) bool     { return errors.Is(err, ErrUnauthorized) }
func IsNotFound(err error) bool         { return errors.Is(err, ErrNotFound) }
func IsSubmission(err error) bool       { return errors.Is(err, ErrSubmission) }
func IsRemoteUnavailable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}
func IsTimeout(err error) bool       { return errors.Is(err, ErrTimeout) }
func IsTerminalState(err error) bool { return errors.Is(err, ErrTerminalState) }
