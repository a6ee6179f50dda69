package command

import (
	"unicode/utf8"

	"github.com/ewrogers/postgredis/protocol"
)

// args are the values following the command name.
type args []protocol.Value

func (a args) bytes(i int, name Name) ([]byte, error) {
	if i >= len(a) {
		return nil, parseError(ErrArity, string(name))
	}

	switch v := a[i].(type) {
	case protocol.BulkString:
		return v, nil
	case protocol.SimpleString:
		return []byte(v), nil
	default:
		return nil, parseError(ErrType, string(name))
	}
}

func (a args) text(i int, name Name) (string, error) {
	b, err := a.bytes(i, name)
	if err != nil {
		return "", err
	}

	if !utf8.Valid(b) {
		return "", parseError(ErrUTF8, string(name))
	}

	return string(b), nil
}

// optString returns nil when argument i wasn't supplied.
func (a args) optString(i int, name Name) (*string, error) {
	if i >= len(a) {
		return nil, nil
	}

	s, err := a.text(i, name)
	if err != nil {
		return nil, err
	}

	return &s, nil
}
