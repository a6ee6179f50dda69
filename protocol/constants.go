package protocol

import "errors"

// Type sigils, the first byte of every encoded value.
const (
	SigilSimpleString byte = '+'
	SigilError        byte = '-'
	SigilInteger      byte = ':'
	SigilBulkString   byte = '$'
	SigilArray        byte = '*'
)

// Default protocol limits. They match the Redis server defaults for
// proto-max-bulk-len and the inline buffer size.
const (
	DefaultMaxBulkLen  = 512 * 1024 * 1024
	DefaultMaxArrayLen = 1 << 20
	DefaultMaxLineLen  = 64 * 1024
)

var (
	// ErrProtocol is wrapped by every decode error caused by malformed input.
	// Its text is sent to clients after "ERR ", so it's capitalised the way
	// Redis words its protocol errors.
	ErrProtocol = errors.New("Protocol error") //nolint:stylecheck

	// ErrLimitExceeded is wrapped by decode errors caused by a length, count or
	// line exceeding the codec limits.
	ErrLimitExceeded = errors.New("Protocol error: limit exceeded") //nolint:stylecheck

	// Terminal ends every line of the protocol.
	Terminal = []byte("\r\n")

	nullBulkBytes  = []byte("$-1\r\n")
	nullArrayBytes = []byte("*-1\r\n")
)
