package protocol

import (
	"fmt"
	"io"
	"strconv"
)

// AppendValue appends the wire encoding of v to dst and returns the extended
// slice.
func AppendValue(dst []byte, v Value) []byte {
	switch v := v.(type) {
	case SimpleString:
		return appendLine(dst, SigilSimpleString, string(v))

	case Error:
		return appendLine(dst, SigilError, string(v))

	case Integer:
		dst = append(dst, SigilInteger)
		dst = strconv.AppendInt(dst, int64(v), 10)
		return append(dst, Terminal...)

	case BulkString:
		dst = append(dst, SigilBulkString)
		dst = strconv.AppendInt(dst, int64(len(v)), 10)
		dst = append(dst, Terminal...)
		dst = append(dst, v...)
		return append(dst, Terminal...)

	case NullBulkString:
		return append(dst, nullBulkBytes...)

	case Array:
		dst = append(dst, SigilArray)
		dst = strconv.AppendInt(dst, int64(len(v)), 10)
		dst = append(dst, Terminal...)
		for _, item := range v {
			dst = AppendValue(dst, item)
		}
		return dst

	case NullArray:
		return append(dst, nullArrayBytes...)

	default:
		// Value is sealed, so this is a programming error.
		panic(fmt.Sprintf("protocol: cannot encode %T", v))
	}
}

// Marshal returns the wire encoding of v.
func Marshal(v Value) []byte {
	return AppendValue(nil, v)
}

// WriteValue writes the wire encoding of v to w.
func WriteValue(w io.Writer, v Value) error {
	_, err := w.Write(Marshal(v))
	return err
}

func appendLine(dst []byte, sigil byte, s string) []byte {
	dst = append(dst, sigil)
	dst = append(dst, s...)
	return append(dst, Terminal...)
}
