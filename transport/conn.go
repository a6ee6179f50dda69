package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ewrogers/postgredis/command"
	"github.com/ewrogers/postgredis/internal/metrics"
	"github.com/ewrogers/postgredis/protocol"
	"github.com/ewrogers/postgredis/router"
)

const readBufferSize = 16 * 1024

// Write buffers larger than this aren't returned to the pool.
const maxPooledBuffer = 64 * 1024

var writeBuffers = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// TCPConn is a single client connection.
//
// A read goroutine decodes requests and submits them to the router, a write
// goroutine writes the replies. The two only share the replies channel.
type TCPConn struct {
	id ulid.ULID

	ctx    context.Context
	cancel context.CancelFunc

	conn    *net.TCPConn
	codec   *protocol.Codec
	limiter *rate.Limiter

	replies chan command.Response

	// inflight holds a slot for every submitted event until the write loop
	// takes its reply off the replies channel, so replies never outgrow the
	// channel and the router never waits on this connection.
	inflight *semaphore.Weighted

	// pending counts events submitted but not yet answered. Once reading has
	// finished and it drops to zero, drained is closed.
	pending   atomic.Int64
	readDone  atomic.Bool
	drained   chan struct{}
	drainOnce sync.Once

	router       Submitter
	replyTimeout time.Duration
	idleTimeout  time.Duration
	writeTimeout time.Duration
	trace        bool

	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewTCPConn(
	parentCtx context.Context,
	conn *net.TCPConn,
	options Options,
	log *zap.Logger,
) *TCPConn {
	ctx, cancel := context.WithCancel(parentCtx)
	id := ulid.Make()

	var limiter *rate.Limiter
	if options.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(options.RateLimit), options.RateBurst)
	}

	return &TCPConn{
		id:           id,
		ctx:          ctx,
		cancel:       cancel,
		conn:         conn,
		codec:        protocol.NewCodec(options.Codec...),
		limiter:      limiter,
		replies:      make(chan command.Response, options.ReplyBuffer),
		inflight:     semaphore.NewWeighted(int64(options.ReplyBuffer)),
		drained:      make(chan struct{}),
		router:       options.Router,
		replyTimeout: options.ReplyTimeout,
		idleTimeout:  options.IdleTimeout,
		writeTimeout: options.WriteTimeout,
		trace:        options.Trace,
		log: log.With(
			zap.Stringer("conn", id),
			zap.Stringer("remote", conn.RemoteAddr())),
		metrics: options.Metrics,
	}
}

func (t *TCPConn) ID() ulid.ULID {
	return t.id
}

// Close cancels both loops. Start returns once they have exited.
func (t *TCPConn) Close() error {
	t.cancel()
	return nil
}

// Start runs the read and write loops and blocks until both have exited and
// the socket is closed.
func (t *TCPConn) Start() {
	t.metrics.ConnOpened()
	t.log.Debug("Client connected")

	var loopWaiter sync.WaitGroup
	loopWaiter.Add(2)

	go func() {
		defer loopWaiter.Done()
		t.ReadLoop()
	}()

	go func() {
		defer loopWaiter.Done()
		t.WriteLoop()
	}()

	loopWaiter.Wait()
	t.cancel()

	if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		t.log.Warn("Failed to close connection cleanly", zap.Error(err))
	}

	t.metrics.ConnClosed()
	t.log.Debug("Client disconnected")
}

// ReadLoop reads and decodes requests until the client closes its end, a read
// fails or the connection is cancelled.
//
// After a clean end of stream, replies to requests already submitted are
// still written before the connection closes.
func (t *TCPConn) ReadLoop() {
	log := t.log.Named("readLoop")

	// Unblock a pending Read when the connection is cancelled.
	stop := context.AfterFunc(t.ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	defer t.finishReads()

	buf := make([]byte, readBufferSize)

	for {
		if t.idleTimeout > 0 {
			if err := t.conn.SetReadDeadline(time.Now().Add(t.idleTimeout)); err != nil {
				log.Warn("Failed to set read deadline", zap.Error(err))
				return
			}
		}

		if t.ctx.Err() != nil {
			return
		}

		n, err := t.conn.Read(buf)
		if n > 0 {
			t.metrics.Read(n)

			if t.trace {
				log.Info("Read", zap.ByteString("data", buf[:n]))
			}

			t.codec.Append(buf[:n])

			if serr := t.submitDecoded(log); serr != nil {
				if !errors.Is(serr, context.Canceled) {
					log.Info("Stopped submitting requests", zap.Error(serr))
				}
				return
			}
		}

		if err != nil {
			t.logReadError(log, err)
			return
		}
	}
}

func (t *TCPConn) logReadError(log *zap.Logger, err error) {
	var netErr net.Error

	switch {
	case t.ctx.Err() != nil:
		// Cancelled, the deadline was ours.

	case errors.Is(err, io.EOF):
		log.Debug("Client closed connection")

	case errors.As(err, &netErr) && netErr.Timeout():
		log.Info("Closing idle connection", zap.Duration("idleTimeout", t.idleTimeout))

	default:
		log.Warn("Failed to read from client", zap.Error(err))
	}
}

// submitDecoded submits every complete request in the codec buffer. Requests
// that fail to decode are submitted as error events so their replies keep
// their place in the reply order.
func (t *TCPConn) submitDecoded(log *zap.Logger) error {
	for {
		value, ok, err := t.codec.TryDecode()
		if err != nil {
			t.metrics.DecodeError(metrics.LayerWire)
			log.Warn("Failed to decode client request", zap.Error(err))

			if err := t.submit(router.Event{Err: err}); err != nil {
				return err
			}
			continue
		}

		if !ok {
			return nil
		}

		cmd, err := command.Decode(value)
		if err != nil {
			t.metrics.DecodeError(metrics.LayerCommand)
			log.Info("Invalid client command", zap.Error(err))

			if err := t.submit(router.Event{Err: err}); err != nil {
				return err
			}
			continue
		}

		if err := t.waitForRateLimit(); err != nil {
			return err
		}

		if err := t.submit(router.Event{Command: cmd}); err != nil {
			return err
		}
	}
}

func (t *TCPConn) waitForRateLimit() error {
	if t.limiter == nil {
		return nil
	}

	if t.limiter.Tokens() < 1 {
		t.metrics.RateLimited()
	}

	return t.limiter.Wait(t.ctx)
}

func (t *TCPConn) submit(ev router.Event) error {
	if err := t.reserveReply(); err != nil {
		return err
	}

	ev.Reply = &replySink{conn: t}
	t.pending.Add(1)

	if err := t.router.Submit(t.ctx, ev); err != nil {
		t.inflight.Release(1)
		t.settle()
		return err
	}

	return nil
}

// reserveReply waits for room for one more reply. A client that leaves
// ReplyBuffer replies unread for longer than the reply timeout is
// disconnected.
func (t *TCPConn) reserveReply() error {
	if t.inflight.TryAcquire(1) {
		return nil
	}

	ctx := t.ctx
	if t.replyTimeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(t.ctx, t.replyTimeout)
		defer cancel()
	}

	if err := t.inflight.Acquire(ctx, 1); err != nil {
		if t.ctx.Err() == nil {
			t.metrics.SlowConsumer()
			t.log.Warn("Closing slow consumer",
				zap.Int("queued", len(t.replies)),
				zap.Duration("replyTimeout", t.replyTimeout))
			t.cancel()
		}

		return t.ctx.Err()
	}

	return nil
}

// settle marks one submitted event as answered.
func (t *TCPConn) settle() {
	if t.pending.Add(-1) == 0 && t.readDone.Load() {
		t.drainOnce.Do(func() { close(t.drained) })
	}
}

// finishReads stops reading and, once every submitted event has been
// answered, closes the replies channel so the write loop can drain it and
// exit. If the connection is cancelled first the write loop exits on its own.
func (t *TCPConn) finishReads() {
	if err := t.conn.CloseRead(); err != nil && !isNotConnected(err) {
		t.log.Debug("Failed to close reads on connection cleanly", zap.Error(err))
	}

	t.readDone.Store(true)
	if t.pending.Load() == 0 {
		t.drainOnce.Do(func() { close(t.drained) })
	}

	select {
	case <-t.drained:
		close(t.replies)
	case <-t.ctx.Done():
	}
}

// enqueueReply queues resp for the write loop. The reply slot taken on submit
// guarantees there is room, so this only waits when the connection is gone.
func (t *TCPConn) enqueueReply(resp command.Response) bool {
	select {
	case t.replies <- resp:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// WriteLoop writes replies in the order they were queued until the replies
// channel is closed or a write fails.
func (t *TCPConn) WriteLoop() {
	log := t.log.Named("writeLoop")

	buf := writeBuffers.Get().(*bytes.Buffer)
	defer func() {
		if buf.Cap() <= maxPooledBuffer {
			buf.Reset()
			writeBuffers.Put(buf)
		}
	}()

	for {
		select {
		case <-t.ctx.Done():
			return

		case resp, ok := <-t.replies:
			if !ok {
				t.closeWrite(log)
				return
			}

			t.inflight.Release(1)

			buf.Reset()
			appendReply(buf, resp)

			// Coalesce whatever else is already queued into the same write.
			open := true
		coalesce:
			for buf.Len() < maxPooledBuffer {
				select {
				case resp, ok := <-t.replies:
					if !ok {
						open = false
						break coalesce
					}
					t.inflight.Release(1)
					appendReply(buf, resp)
				default:
					break coalesce
				}
			}

			if err := t.write(buf.Bytes()); err != nil {
				if t.ctx.Err() == nil {
					log.Warn("Failed to write to client", zap.Error(err))
				}
				t.cancel()
				return
			}

			if t.trace {
				log.Info("Wrote", zap.ByteString("data", buf.Bytes()))
			}

			if !open {
				t.closeWrite(log)
				return
			}
		}
	}
}

func appendReply(buf *bytes.Buffer, resp command.Response) {
	buf.Write(protocol.AppendValue(buf.AvailableBuffer(), command.ToValue(resp)))
}

func (t *TCPConn) write(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}

	n, err := t.conn.Write(data)
	t.metrics.Written(n)

	return err
}

func (t *TCPConn) closeWrite(log *zap.Logger) {
	if err := t.conn.CloseWrite(); err != nil && !isNotConnected(err) {
		log.Debug("Failed to close writes on connection cleanly", zap.Error(err))
	}
}

func isNotConnected(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, errNotConnected)
}

// replySink delivers a single reply to its connection.
type replySink struct {
	conn *TCPConn
	used atomic.Bool
}

func (s *replySink) Deliver(resp command.Response) bool {
	if !s.used.CompareAndSwap(false, true) {
		return false
	}

	defer s.conn.settle()
	return s.conn.enqueueReply(resp)
}

var _ router.ReplySink = (*replySink)(nil)
