// Package protocol implements the wire codec for the Redis serialization
// protocol (RESP2) that postgredis speaks with its clients.
//
// Every value starts with a one byte sigil that identifies its type and every
// line ends in `\r\n`.
//
//   +<text>\r\n                  simple string
//   -<text>\r\n                  error
//   :<integer>\r\n               integer
//   $<len>\r\n<len bytes>\r\n    bulk string, binary safe
//   $-1\r\n                      null bulk string
//   *<count>\r\n<count values>   array, elements encoded back to back
//   *-1\r\n                      null array
//
// A client normally sends a command as an array of bulk strings
//
//   *2\r\n$4\r\nPING\r\n$5\r\nhello\r\n
//
// but a line that doesn't start with a sigil is accepted as an inline command,
// split on whitespace, so `PING hello\r\n` typed into telnet decodes to the same
// array.
//
// The package knows nothing about commands. Codec turns a stream of bytes,
// which can arrive split at any point, into Values, and AppendValue and
// friends turn Values back into bytes.
package protocol
