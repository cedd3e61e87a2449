package tools

import (
	"errors"
	"fmt"
)

// ErrUnknownTool is returned when a call names a tool that is not
// registered. It is permanent; retrying cannot help.
var ErrUnknownTool = errors.New("unknown tool")

// ValidationError marks arguments rejected by a tool's input schema.
// It is permanent.
type ValidationError struct {
	Tool   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Detail)
}

// TransientError wraps a handler failure that is worth retrying, such
// as a timeout or an upstream outage.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string   { return e.Err.Error() }
func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Transient() bool { return true }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
