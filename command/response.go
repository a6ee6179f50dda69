package command

import (
	"fmt"
	"strings"

	"github.com/ewrogers/postgredis/protocol"
)

// Response is the result of handling a Command.
//
// The set of implementations is closed: Pong, Reply and Error.
type Response interface {
	response()
}

// Pong answers a Ping, echoing its message if it had one.
type Pong struct {
	Message *string
}

// Reply carries an arbitrary protocol value back to the client.
type Reply struct {
	Value protocol.Value
}

// Error is an error reply. Message should start with an error code such as
// ERR, the way Redis does.
type Error struct {
	Message string
}

func (Pong) response()  {}
func (Reply) response() {}
func (Error) response() {}

var (
	_ Response = Pong{}
	_ Response = Reply{}
	_ Response = Error{}
)

// ErrorResponse turns err into a generic ERR reply. Line breaks in the
// message, which may echo client input, are replaced with spaces.
func ErrorResponse(err error) Error {
	return Error{Message: "ERR " + lineBreaks.Replace(err.Error())}
}

var lineBreaks = strings.NewReplacer("\r", " ", "\n", " ")

// ToValue converts r into the protocol value written to the client.
func ToValue(r Response) protocol.Value {
	switch r := r.(type) {
	case Pong:
		if r.Message == nil {
			return protocol.SimpleString("PONG")
		}
		return protocol.BulkString("PONG " + *r.Message)

	case Reply:
		return r.Value

	case Error:
		return protocol.Error(r.Message)

	default:
		// Response is sealed, so this is a programming error.
		panic(fmt.Sprintf("command: cannot convert %T to a protocol value", r))
	}
}
