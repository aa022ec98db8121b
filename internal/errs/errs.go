// Package errs defines the node's error kinds (spec §7) so callers can
// branch on category (e.g. "was this a SourceError?") without parsing
// strings, while still composing with fmt.Errorf/%w and errors.As the
// way the rest of the module does.
package errs

import "fmt"

// Kind categorizes a failure the way spec §7 enumerates them.
type Kind string

const (
	ConfigError    Kind = "config"
	SourceError    Kind = "source"
	ModelError     Kind = "model"
	TransportError Kind = "transport"
	ExamStateError Kind = "exam_state"
	IOError        Kind = "io"
)

// Error wraps an underlying cause with a Kind and a short message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error around an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
