package protocol

// Value is a single RESP protocol value.
//
// The set of implementations is closed: SimpleString, Error, Integer,
// BulkString, NullBulkString, Array and NullArray. Code that switches on a
// Value should handle every one of them.
type Value interface {
	respValue()
}

// SimpleString is a single line of text, `+<text>\r\n`.
type SimpleString string

// Error is a single line error message, `-<text>\r\n`.
type Error string

// Integer is a signed 64 bit integer, `:<int>\r\n`.
type Integer int64

// BulkString is a length prefixed, binary safe string, `$<len>\r\n<bytes>\r\n`.
type BulkString []byte

// NullBulkString is the null bulk string sentinel, `$-1\r\n`.
type NullBulkString struct{}

// Array is an ordered sequence of values, `*<count>\r\n<values>`.
type Array []Value

// NullArray is the null array sentinel, `*-1\r\n`.
type NullArray struct{}

func (SimpleString) respValue()   {}
func (Error) respValue()          {}
func (Integer) respValue()        {}
func (BulkString) respValue()     {}
func (NullBulkString) respValue() {}
func (Array) respValue()          {}
func (NullArray) respValue()      {}

var (
	_ Value = SimpleString("")
	_ Value = Error("")
	_ Value = Integer(0)
	_ Value = BulkString(nil)
	_ Value = NullBulkString{}
	_ Value = Array(nil)
	_ Value = NullArray{}
)

// BulkStrings builds an Array of bulk strings, the shape every client uses to
// send a command.
func BulkStrings(args ...string) Array {
	arr := make(Array, 0, len(args))
	for _, arg := range args {
		arr = append(arr, BulkString(arg))
	}

	return arr
}
