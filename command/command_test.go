package command_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/ewrogers/postgredis/command"
	"github.com/ewrogers/postgredis/protocol"
)

func strPtr(s string) *string {
	return &s
}

var _ = Describe("Decode", func() {
	table.DescribeTable("decodes PING",
		func(v protocol.Value, expected command.Ping) {
			cmd, err := command.Decode(v)
			Expect(err).To(Succeed())
			Expect(cmd).To(Equal(expected))
			Expect(cmd.Name()).To(Equal(command.PING))
		},
		table.Entry("with no message", protocol.BulkStrings("PING"), command.Ping{}),
		table.Entry("with a message", protocol.BulkStrings("PING", "hello"), command.Ping{Message: strPtr("hello")}),
		table.Entry("with an empty message", protocol.BulkStrings("PING", ""), command.Ping{Message: strPtr("")}),
		table.Entry("with a lowercase name", protocol.BulkStrings("ping"), command.Ping{}),
		table.Entry("with a mixed case name", protocol.BulkStrings("PiNg", "x"), command.Ping{Message: strPtr("x")}),
		table.Entry("with a simple string name", protocol.Array{protocol.SimpleString("PING")}, command.Ping{}),
		table.Entry("with a simple string message",
			protocol.Array{protocol.BulkString("PING"), protocol.SimpleString("hi")},
			command.Ping{Message: strPtr("hi")}),
		table.Entry("from a bare simple string", protocol.SimpleString("PING"), command.Ping{}),
	)

	table.DescribeTable("rejects invalid commands",
		func(v protocol.Value, kind error, message string) {
			_, err := command.Decode(v)
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, kind)).To(BeTrue(), "expected %v, got %v", kind, err)
			Expect(err.Error()).To(Equal(message))

			var perr *command.ParseError
			Expect(errors.As(err, &perr)).To(BeTrue())
		},
		table.Entry("empty array", protocol.Array{}, command.ErrSyntax, "syntax error"),
		table.Entry("null array", protocol.NullArray{}, command.ErrSyntax, "syntax error"),
		table.Entry("integer", protocol.Integer(1), command.ErrSyntax, "syntax error"),
		table.Entry("bulk string", protocol.BulkString("PING"), command.ErrSyntax, "syntax error"),
		table.Entry("error", protocol.Error("PING"), command.ErrSyntax, "syntax error"),
		table.Entry("integer name",
			protocol.Array{protocol.Integer(1)},
			command.ErrType, "invalid argument type"),
		table.Entry("null name",
			protocol.Array{protocol.NullBulkString{}},
			command.ErrType, "invalid argument type"),
		table.Entry("non utf-8 name",
			protocol.Array{protocol.BulkString("\xff\xfe")},
			command.ErrUTF8, "invalid utf-8 string"),
		table.Entry("too many PING arguments",
			protocol.BulkStrings("PING", "a", "b"),
			command.ErrArity, "wrong number of arguments for 'ping' command"),
		table.Entry("integer PING argument",
			protocol.Array{protocol.BulkString("PING"), protocol.Integer(3)},
			command.ErrType, "invalid argument type for 'ping' command"),
		table.Entry("array PING argument",
			protocol.Array{protocol.BulkString("PING"), protocol.BulkStrings("x")},
			command.ErrType, "invalid argument type for 'ping' command"),
		table.Entry("non utf-8 PING argument",
			protocol.Array{protocol.BulkString("PING"), protocol.BulkString("\xc3\x28")},
			command.ErrUTF8, "invalid utf-8 string for 'ping' command"),
		table.Entry("unknown command",
			protocol.BulkStrings("FOOO"),
			command.ErrUnknownCommand, "unknown command 'fooo'"),
		table.Entry("unknown bare simple string",
			protocol.SimpleString("Hello"),
			command.ErrUnknownCommand, "unknown command 'hello'"),
	)

	It("reports the attempted name for unknown commands", func() {
		_, err := command.Decode(protocol.BulkStrings("GET", "key"))

		var perr *command.ParseError
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Command).To(Equal("get"))
		Expect(perr.Err).To(Equal(command.ErrUnknownCommand))
	})

	It("does not alias the message to the decoded bytes", func() {
		arg := protocol.BulkString("hello")
		cmd, err := command.Decode(protocol.Array{protocol.BulkString("PING"), arg})
		Expect(err).To(Succeed())

		arg[0] = 'j'
		Expect(*cmd.(command.Ping).Message).To(Equal("hello"))
	})
})
