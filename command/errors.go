package command

import (
	"errors"
	"fmt"
)

var (
	// ErrSyntax is returned when a value isn't shaped like a command at all.
	ErrSyntax = errors.New("syntax error")

	// ErrType is returned when a name or argument isn't a string.
	ErrType = errors.New("invalid argument type")

	// ErrUTF8 is returned when a name or argument isn't valid UTF-8.
	ErrUTF8 = errors.New("invalid utf-8 string")

	// ErrArity is returned when a command gets more arguments than it accepts.
	ErrArity = errors.New("wrong number of arguments")

	// ErrUnknownCommand is returned for command names that aren't recognised.
	ErrUnknownCommand = errors.New("unknown command")
)

// ParseError describes why a value could not be decoded into a Command.
//
// Err is always one of the sentinel errors of this package, so callers can
// match on it with errors.Is.
type ParseError struct {
	// Err is the kind of failure.
	Err error

	// Command is the lowercased command name, when one was read.
	Command string
}

func (e *ParseError) Error() string {
	switch {
	case e.Err == ErrArity:
		return fmt.Sprintf("wrong number of arguments for '%s' command", e.Command)

	case e.Err == ErrUnknownCommand:
		return fmt.Sprintf("unknown command '%s'", e.Command)

	case e.Command != "":
		return fmt.Sprintf("%s for '%s' command", e.Err, e.Command)

	default:
		return e.Err.Error()
	}
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseError(err error, name string) *ParseError {
	return &ParseError{Err: err, Command: name}
}
