package job

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrTerminal          = errors.New("job is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrProviderThrottled = errors.New("provider throttled")
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
)

// Invalid wraps ErrValidation with a description of the offending input.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// StageError is a failure of one pipeline stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Truncate shortens an error message before it is persisted on a job.
func Truncate(msg string) string {
	if len(msg) > 1024 {
		return msg[:1024]
	}
	return msg
}
