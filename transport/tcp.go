package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrNotStarted = errors.New("tcp server not started")

type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr    string
	options Options

	numListeners int

	mu        sync.Mutex
	listeners []*TCPListener
	closed    bool

	log *zap.Logger
}

func NewTCP(options Options) *TCP {
	options = options.withDefaults()

	numListeners := options.NumListeners

	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	if !options.Reuseport {
		numListeners = 1
	}

	return &TCP{
		addr:         net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		options:      options,
		numListeners: numListeners,
		listeners:    make([]*TCPListener, 0, numListeners),
		log:          options.Log,
	}
}

// Start binds every listener and starts accepting connections. The server is
// listening by the time Start returns.
func (t *TCP) Start(parentCtx context.Context) error {
	if t.options.Router == nil {
		return fmt.Errorf("tcp: no router configured")
	}

	ctx, cancel := context.WithCancel(parentCtx)
	t.cancel = cancel

	t.log.Info("Starting tcp listeners",
		zap.String("addr", t.addr),
		zap.Int("count", t.numListeners))

	addr := t.addr

	for i := 0; i < t.numListeners; i++ {
		listener, err := t.listen(addr)
		if err != nil {
			cancel()
			return multierr.Append(fmt.Errorf("tcp: listen on %s: %w", addr, err), t.closeListeners())
		}

		// With port 0 every listener must share the port the first one got.
		addr = listener.Addr().String()

		t.startListener(ctx, listener)
	}

	return nil
}

func (t *TCP) listen(addr string) (net.Listener, error) {
	if t.options.Reuseport {
		return reuseport.Listen("tcp", addr)
	}

	return net.Listen("tcp", addr)
}

func (t *TCP) startListener(ctx context.Context, l net.Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	listener := NewTCPListener(
		ctx,
		l,
		t.options,
		t.log.Named("listener").With(zap.Int("listener", len(t.listeners))),
	)

	t.listeners = append(t.listeners, listener)

	t.stopWaiter.Add(1)
	go func() {
		defer t.stopWaiter.Done()

		if err := listener.Listen(); err != nil {
			t.log.Error("Listener stopped accepting connections", zap.Error(err))
		}
	}()
}

// Addr is the address the server is listening on, or nil before Start.
func (t *TCP) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.listeners) == 0 {
		return nil
	}

	return t.listeners[0].Addr()
}

// NumConns is the number of open client connections across all listeners.
func (t *TCP) NumConns() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, listener := range t.listeners {
		n += listener.NumConns()
	}

	return n
}

// Close immediately closes all listeners and connections.
//
// For a graceful shutdown, use Shutdown()
func (t *TCP) Close() error {
	if t.cancel == nil {
		return ErrNotStarted
	}

	t.log.Info("Stopping TCP server")
	t.cancel()

	err := t.closeListeners()

	t.stopWaiter.Wait()
	t.log.Info("TCP server stopped")

	return err
}

// Shutdown stops accepting new connections and waits for clients to
// disconnect, until ctx is done. Whatever is still open then is closed.
func (t *TCP) Shutdown(ctx context.Context) error {
	if t.cancel == nil {
		return ErrNotStarted
	}

	t.log.Info("Shutting down TCP server", zap.Int("conns", t.NumConns()))

	err := t.closeListeners()

	drained := make(chan struct{})
	go func() {
		t.stopWaiter.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		t.log.Warn("Shutdown timed out, closing remaining connections",
			zap.Int("conns", t.NumConns()))
	}

	return multierr.Append(err, t.Close())
}

func (t *TCP) closeListeners() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var err error
	for _, listener := range t.listeners {
		err = multierr.Append(err, listener.Close())
	}

	return err
}

type TCPListener struct {
	ctx      context.Context
	listener net.Listener
	options  Options

	log *zap.Logger

	connWaiter  sync.WaitGroup
	mu          sync.Mutex
	activeConns map[*TCPConn]struct{}
}

func NewTCPListener(
	ctx context.Context,
	listener net.Listener,
	options Options,
	log *zap.Logger,
) *TCPListener {
	return &TCPListener{
		ctx:         ctx,
		listener:    listener,
		options:     options,
		activeConns: make(map[*TCPConn]struct{}),
		log:         log,
	}
}

func (t *TCPListener) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *TCPListener) NumConns() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.activeConns)
}

// Close stops accepting connections. Open connections are left alone, they
// finish when their client leaves or the server context is cancelled.
func (t *TCPListener) Close() error {
	err := t.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

// Listen accepts connections until the listener is closed, then waits for
// the connections it accepted to finish.
func (t *TCPListener) Listen() error {
	defer func() {
		t.log.Info("Waiting for connections to close", zap.Int("conns", t.NumConns()))
		t.connWaiter.Wait()
		t.log.Info("Listener stopped")
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.log.Warn("Temporary accept failure", zap.Error(err))
				continue
			}

			return err
		}

		tcpConn := NewTCPConn(t.ctx, conn.(*net.TCPConn), t.options, t.log.Named("conn"))
		t.addConn(tcpConn)

		t.connWaiter.Add(1)
		go func() {
			defer t.connWaiter.Done()
			defer t.removeConn(tcpConn)

			tcpConn.Start()
		}()
	}
}

func (t *TCPListener) addConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeConns[conn] = struct{}{}
}

func (t *TCPListener) removeConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
}
