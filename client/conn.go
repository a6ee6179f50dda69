// Package client is a small client for the server's wire protocol.
//
// The protocol has no request IDs: replies come back in the order requests
// were sent, so a Conn matches them to callers with a FIFO queue.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ewrogers/postgredis/protocol"
)

// ErrClosed is returned for requests on a connection that has been closed.
var ErrClosed = errors.New("client: connection closed")

// ServerError is an error reply from the server.
type ServerError string

func (e ServerError) Error() string {
	return string(e)
}

// Code is the first word of the error, ERR for most errors.
func (e ServerError) Code() string {
	code, _, _ := strings.Cut(string(e), " ")
	return code
}

type result struct {
	value protocol.Value
	err   error
}

type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	conn net.Conn

	// writeMu keeps the order of pending the same as the order of writes.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   []chan result
	err       error

	log *zap.Logger
}

// Dial connects to addr. ctx only bounds the dial, not the connection.
func Dial(ctx context.Context, addr string, log *zap.Logger) (*Conn, error) {
	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return NewConn(conn, log), nil
}

// NewConn wraps an established connection and starts reading replies.
func NewConn(conn net.Conn, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		conn:   conn,
		log:    log.With(zap.Stringer("server", conn.RemoteAddr())),
	}

	go c.readLoop()

	return c
}

// Close closes the connection. Requests waiting for replies fail with
// ErrClosed.
func (c *Conn) Close() error {
	c.cancel()
	err := c.conn.Close()
	<-c.done

	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

// Err returns the error that broke the connection, if any.
func (c *Conn) Err() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	return c.err
}

// Do sends a command made of args and waits for its reply. Error replies are
// returned as a ServerError.
func (c *Conn) Do(ctx context.Context, args ...string) (protocol.Value, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("client: no command given")
	}

	v, err := c.Send(ctx, protocol.BulkStrings(args...))
	if err != nil {
		return nil, err
	}

	if e, ok := v.(protocol.Error); ok {
		return nil, ServerError(e)
	}

	return v, nil
}

// Send writes v as is and waits for the reply, error replies included.
func (c *Conn) Send(ctx context.Context, v protocol.Value) (protocol.Value, error) {
	replyChan, err := c.write(protocol.Marshal(v))
	if err != nil {
		return nil, err
	}

	select {
	case res := <-replyChan:
		return res.value, res.err

	case <-ctx.Done():
		// The reply still arrives and is discarded, the channel is buffered.
		return nil, ctx.Err()
	}
}

// Ping sends PING, with message if one is given, and returns the reply text.
func (c *Conn) Ping(ctx context.Context, message ...string) (string, error) {
	args, err := pingArgs(message)
	if err != nil {
		return "", err
	}

	v, err := c.Do(ctx, args...)
	if err != nil {
		return "", err
	}

	return pingText(v)
}

func pingArgs(message []string) ([]string, error) {
	if len(message) > 1 {
		return nil, fmt.Errorf("client: PING takes at most one message")
	}

	return append([]string{"PING"}, message...), nil
}

func pingText(v protocol.Value) (string, error) {
	switch v := v.(type) {
	case protocol.SimpleString:
		return string(v), nil
	case protocol.BulkString:
		return string(v), nil
	default:
		return "", fmt.Errorf("client: unexpected PING reply %T", v)
	}
}

func (c *Conn) write(data []byte) (<-chan result, error) {
	replyChan := make(chan result, 1)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.pendingMu.Lock()
	if c.err != nil {
		err := c.err
		c.pendingMu.Unlock()
		return nil, err
	}
	c.pending = append(c.pending, replyChan)
	c.pendingMu.Unlock()

	if _, err := c.conn.Write(data); err != nil {
		c.fail(fmt.Errorf("client: write: %w", err))
		return nil, err
	}

	return replyChan, nil
}

func (c *Conn) readLoop() {
	defer close(c.done)

	log := c.log.Named("readLoop")
	codec := protocol.NewCodec()
	buf := make([]byte, 4096)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			codec.Append(buf[:n])

			for {
				v, ok, derr := codec.TryDecode()
				if derr != nil {
					// Replies can no longer be matched to requests.
					c.fail(fmt.Errorf("client: decode reply: %w", derr))
					return
				}

				if !ok {
					break
				}

				c.deliver(log, v)
			}
		}

		if err != nil {
			if c.ctx.Err() != nil {
				c.fail(ErrClosed)
			} else {
				log.Debug("Connection lost", zap.Error(err))
				c.fail(fmt.Errorf("client: read: %w", err))
			}
			return
		}
	}
}

func (c *Conn) deliver(log *zap.Logger, v protocol.Value) {
	c.pendingMu.Lock()
	if len(c.pending) == 0 {
		c.pendingMu.Unlock()
		log.Warn("Received a reply nobody asked for")
		return
	}

	replyChan := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	c.pendingMu.Unlock()

	replyChan <- result{value: v}
}

// fail breaks the connection, failing every request still waiting.
func (c *Conn) fail(err error) {
	c.pendingMu.Lock()
	if c.err == nil {
		c.err = err
	}
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	for _, replyChan := range pending {
		replyChan <- result{err: err}
	}

	c.cancel()
	_ = c.conn.Close()
}
