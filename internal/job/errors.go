package job

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyInState = errors.New("already in requested state")
	ErrProvisioning   = errors.New("provisioning failed")
	ErrSpawn          = errors.New("spawn failed")
	ErrCrashed        = errors.New("crashed")
	ErrPersistence    = errors.New("persistence failed")
	ErrInvalid        = errors.New("invalid request")
	ErrInternal       = errors.New("internal error")
)

// Error is a lifecycle failure of a single job operation.
type Error struct {
	Kind   error
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Detail
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// IsInformational reports errors that describe a no-op rather than a failure.
func IsInformational(err error) bool { return errors.Is(err, ErrAlreadyInState) }

// Message returns the human readable part of err without the op prefix.
func Message(err error) string {
	var je *Error
	if errors.As(err, &je) {
		if je.Detail != "" {
			if je.Err != nil {
				return fmt.Sprintf("%s: %v", je.Detail, je.Err)
			}
			return je.Detail
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
