package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure raised by the orchestration core
type Kind string

const (
	KindUnknown            Kind = "unknown"
	KindGateway            Kind = "gateway"
	KindTool               Kind = "tool"
	KindToolNotFound       Kind = "tool_not_found"
	KindValidation         Kind = "validation"
	KindArgumentParse      Kind = "argument_parse"
	KindParse              Kind = "parse"
	KindTimeout            Kind = "timeout"
	KindIterationLimit     Kind = "iteration_limit"
	KindMissingCorrelation Kind = "missing_correlation"
)

// Error is a classified failure with a human-readable message
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// New creates a classified error without an underlying cause
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates a classified error with a formatted message
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. Wrapping nil returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
