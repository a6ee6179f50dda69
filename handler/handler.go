// Package handler implements command semantics.
//
// A Handler is only ever called from the router goroutine, so it may keep
// state without locking.
package handler

import (
	"fmt"

	"github.com/ewrogers/postgredis/command"
)

// Handler maps a command to its response.
type Handler interface {
	Handle(cmd command.Command) command.Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(cmd command.Command) command.Response

func (f HandlerFunc) Handle(cmd command.Command) command.Response {
	return f(cmd)
}

// Echo answers PING and nothing else.
type Echo struct{}

func NewEcho() *Echo {
	return &Echo{}
}

func (e *Echo) Handle(cmd command.Command) command.Response {
	switch c := cmd.(type) {
	case command.Ping:
		return command.Pong{Message: c.Message}

	default:
		return command.Error{
			Message: fmt.Sprintf("ERR command '%s' is not supported", commandName(cmd)),
		}
	}
}

func commandName(cmd command.Command) string {
	if cmd == nil {
		return "<nil>"
	}

	return string(cmd.Name())
}

var _ Handler = (*Echo)(nil)
