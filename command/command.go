// Package command turns protocol values into typed commands and typed
// responses back into protocol values.
package command

import (
	"strings"
	"unicode/utf8"

	"github.com/ewrogers/postgredis/protocol"
)

// Name identifies a command. Names are always lowercase.
type Name string

const (
	PING Name = "ping"
)

// Command is a validated client command.
//
// The set of implementations is closed, today it is only Ping.
type Command interface {
	// Name returns the command name.
	Name() Name

	command()
}

// Ping asks the server to reply PONG, or PONG followed by Message.
type Ping struct {
	Message *string
}

func (Ping) Name() Name {
	return PING
}

func (Ping) command() {}

var _ Command = Ping{}

// Decode validates v and converts it into a Command.
//
// v must be a non-empty array whose first element is the command name and
// whose remaining elements are its arguments, or a simple string naming a
// command that takes no arguments. Names are matched case-insensitively.
//
// Failures are returned as a *ParseError.
func Decode(v protocol.Value) (Command, error) {
	switch v := v.(type) {
	case protocol.Array:
		if len(v) == 0 {
			return nil, parseError(ErrSyntax, "")
		}

		name, err := commandName(v[0])
		if err != nil {
			return nil, err
		}

		return decodeArgs(name, args(v[1:]))

	case protocol.SimpleString:
		if !utf8.ValidString(string(v)) {
			return nil, parseError(ErrUTF8, "")
		}

		return decodeArgs(Name(strings.ToLower(string(v))), nil)

	default:
		return nil, parseError(ErrSyntax, "")
	}
}

func decodeArgs(name Name, a args) (Command, error) {
	switch name {
	case PING:
		if len(a) > 1 {
			return nil, parseError(ErrArity, string(name))
		}

		msg, err := a.optString(0, name)
		if err != nil {
			return nil, err
		}

		return Ping{Message: msg}, nil

	default:
		return nil, parseError(ErrUnknownCommand, string(name))
	}
}

func commandName(v protocol.Value) (Name, error) {
	var raw []byte

	switch v := v.(type) {
	case protocol.BulkString:
		raw = v
	case protocol.SimpleString:
		raw = []byte(v)
	default:
		return "", parseError(ErrType, "")
	}

	if !utf8.Valid(raw) {
		return "", parseError(ErrUTF8, "")
	}

	return Name(strings.ToLower(string(raw))), nil
}
