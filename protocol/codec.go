package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Codec accumulates bytes read from a client and decodes complete values out
// of them. Decoding is resumable: a value that has only partially arrived is
// left in the buffer untouched until the rest of it is appended.
//
// A Codec is not safe for concurrent use, each connection owns its own.
type Codec struct {
	buf []byte

	maxBulkLen  int
	maxArrayLen int
	maxLineLen  int
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithMaxBulkLen limits the declared length of a bulk string.
func WithMaxBulkLen(n int) CodecOption {
	return func(c *Codec) {
		c.maxBulkLen = n
	}
}

// WithMaxArrayLen limits the declared element count of an array.
func WithMaxArrayLen(n int) CodecOption {
	return func(c *Codec) {
		c.maxArrayLen = n
	}
}

// WithMaxLineLen limits the length of a single header or inline line.
func WithMaxLineLen(n int) CodecOption {
	return func(c *Codec) {
		c.maxLineLen = n
	}
}

// NewCodec returns an empty Codec using the default limits unless overridden.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{
		maxBulkLen:  DefaultMaxBulkLen,
		maxArrayLen: DefaultMaxArrayLen,
		maxLineLen:  DefaultMaxLineLen,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Append adds data to the end of the buffer. It never parses anything.
func (c *Codec) Append(data []byte) {
	c.buf = append(c.buf, data...)
}

// Buffered returns the bytes not yet consumed by a decoded value. The slice is
// only valid until the next call to Append or TryDecode and must not be
// modified.
func (c *Codec) Buffered() []byte {
	return c.buf
}

// Len returns the number of buffered bytes.
func (c *Codec) Len() int {
	return len(c.buf)
}

// TryDecode attempts to decode the next value from the buffer.
//
// It returns the value and true when a complete value was available, and the
// buffer is advanced past exactly the bytes of that value. When more bytes are
// needed it returns false and a nil error, and the buffer is unchanged.
//
// A malformed value produces an error wrapping ErrProtocol or
// ErrLimitExceeded. In that case the bytes of the value up to and including
// the token that failed to decode are discarded, so the next call resumes on
// fresh input instead of failing on the same bytes forever.
func (c *Codec) TryDecode() (Value, bool, error) {
	// Blank inline lines are only consumed together with the value after them.
	offset := 0

	for offset < len(c.buf) {
		v, n, err := c.decode(c.buf[offset:], true)
		if err != nil {
			c.advance(offset + n)
			return nil, false, err
		}

		if n == 0 {
			return nil, false, nil
		}

		offset += n

		if v != nil {
			c.advance(offset)
			return v, true, nil
		}

		if offset > c.maxLineLen {
			c.advance(offset)
			return nil, false, fmt.Errorf("%w: more than %d bytes of blank lines", ErrLimitExceeded, c.maxLineLen)
		}
	}

	return nil, false, nil
}

func (c *Codec) advance(n int) {
	if n >= len(c.buf) {
		c.buf = c.buf[:0]
		return
	}

	c.buf = append(c.buf[:0], c.buf[n:]...)
}

// decode decodes the value at the start of b without modifying it.
//
// On success it returns the value and the number of bytes it spans. A zero
// length with a nil error means b does not hold a complete value yet. On
// failure the length is the number of bytes to discard to get past the bad
// token.
func (c *Codec) decode(b []byte, topLevel bool) (Value, int, error) {
	if len(b) == 0 {
		return nil, 0, nil
	}

	switch b[0] {
	case SigilSimpleString:
		line, n, err := c.readLine(b)
		if err != nil || n == 0 {
			return nil, n, err
		}

		if !utf8.Valid(line[1:]) {
			return nil, n, fmt.Errorf("%w: invalid utf-8 in simple string", ErrProtocol)
		}

		return SimpleString(line[1:]), n, nil

	case SigilError:
		line, n, err := c.readLine(b)
		if err != nil || n == 0 {
			return nil, n, err
		}

		if !utf8.Valid(line[1:]) {
			return nil, n, fmt.Errorf("%w: invalid utf-8 in error", ErrProtocol)
		}

		return Error(line[1:]), n, nil

	case SigilInteger:
		line, n, err := c.readLine(b)
		if err != nil || n == 0 {
			return nil, n, err
		}

		i, err := strconv.ParseInt(string(line[1:]), 10, 64)
		if err != nil {
			return nil, n, fmt.Errorf("%w: invalid integer %q", ErrProtocol, line[1:])
		}

		return Integer(i), n, nil

	case SigilBulkString:
		return c.decodeBulkString(b)

	case SigilArray:
		return c.decodeArray(b)
	}

	if !topLevel {
		return nil, c.lineLen(b), fmt.Errorf("%w: expected '$', got '%c'", ErrProtocol, b[0])
	}

	return c.decodeInline(b)
}

// readLine returns the line at the start of b, sigil included and terminator
// excluded, plus the number of bytes through the terminator.
func (c *Codec) readLine(b []byte) ([]byte, int, error) {
	i := bytes.Index(b, Terminal)
	if i < 0 {
		if len(b) > c.maxLineLen {
			return nil, len(b), fmt.Errorf("%w: line longer than %d bytes", ErrLimitExceeded, c.maxLineLen)
		}

		return nil, 0, nil
	}

	if i > c.maxLineLen {
		return nil, i + 2, fmt.Errorf("%w: line longer than %d bytes", ErrLimitExceeded, c.maxLineLen)
	}

	return b[:i], i + 2, nil
}

// lineLen returns the number of bytes through the first terminator in b, or
// all of b when there is none.
func (c *Codec) lineLen(b []byte) int {
	if i := bytes.Index(b, Terminal); i >= 0 {
		return i + 2
	}

	return len(b)
}

func (c *Codec) decodeBulkString(b []byte) (Value, int, error) {
	line, header, err := c.readLine(b)
	if err != nil || header == 0 {
		return nil, header, err
	}

	size, err := parseLength(line[1:], "bulk")
	if err != nil {
		return nil, header, err
	}

	if size < 0 {
		return NullBulkString{}, header, nil
	}

	if size > c.maxBulkLen {
		return nil, header, fmt.Errorf("%w: bulk length %d exceeds %d", ErrLimitExceeded, size, c.maxBulkLen)
	}

	end := header + size
	if len(b) < end+2 {
		return nil, 0, nil
	}

	if b[end] != '\r' || b[end+1] != '\n' {
		return nil, end + 2, fmt.Errorf("%w: bulk string of length %d not followed by CRLF", ErrProtocol, size)
	}

	data := make([]byte, size)
	copy(data, b[header:end])

	return BulkString(data), end + 2, nil
}

func (c *Codec) decodeArray(b []byte) (Value, int, error) {
	line, header, err := c.readLine(b)
	if err != nil || header == 0 {
		return nil, header, err
	}

	count, err := parseLength(line[1:], "multibulk")
	if err != nil {
		return nil, header, err
	}

	if count < 0 {
		return NullArray{}, header, nil
	}

	if count > c.maxArrayLen {
		return nil, header, fmt.Errorf("%w: multibulk length %d exceeds %d", ErrLimitExceeded, count, c.maxArrayLen)
	}

	// The declared count is client controlled, only trust it so far.
	arr := make(Array, 0, min(count, 64))
	offset := header

	for len(arr) < count {
		v, n, err := c.decode(b[offset:], false)
		if err != nil {
			return nil, offset + n, err
		}

		if n == 0 {
			return nil, 0, nil
		}

		arr = append(arr, v)
		offset += n
	}

	return arr, offset, nil
}

// decodeInline decodes a line that doesn't start with a sigil as a command
// split on whitespace, the way redis-cli and telnet sessions send them. The
// line may end in a bare LF.
func (c *Codec) decodeInline(b []byte) (Value, int, error) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		if len(b) > c.maxLineLen {
			return nil, len(b), fmt.Errorf("%w: inline command longer than %d bytes", ErrLimitExceeded, c.maxLineLen)
		}

		return nil, 0, nil
	}

	if i > c.maxLineLen {
		return nil, i + 1, fmt.Errorf("%w: inline command longer than %d bytes", ErrLimitExceeded, c.maxLineLen)
	}

	fields := bytes.Fields(b[:i])
	if len(fields) == 0 {
		return nil, i + 1, nil
	}

	arr := make(Array, 0, len(fields))
	for _, field := range fields {
		arr = append(arr, BulkString(append([]byte{}, field...)))
	}

	return arr, i + 1, nil
}

func parseLength(token []byte, kind string) (int, error) {
	n, err := strconv.Atoi(string(token))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s length %q", ErrProtocol, kind, token)
	}

	return n, nil
}
