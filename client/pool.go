package client

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/ewrogers/postgredis/protocol"
)

type PoolConfig struct {
	Addr string

	// MaxSize is the maximum number of connections. Defaults to 4.
	MaxSize int32

	// ConsecutiveFailures trips the circuit breaker. Defaults to 5.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before letting a
	// request through again. Defaults to 10s.
	OpenTimeout time.Duration

	Log *zap.Logger
}

// Pool shares connections to one server between goroutines. Requests go
// through a circuit breaker that opens after repeated connection failures.
// Error replies from the server don't count as failures.
type Pool struct {
	pool    *puddle.Pool[*Conn]
	breaker *gobreaker.CircuitBreaker[protocol.Value]

	createdConns   atomic.Int64
	destroyedConns atomic.Int64

	log *zap.Logger
}

type PoolStats struct {
	TotalConns     int32
	IdleConns      int32
	ActiveConns    int32
	AcquireCount   int64
	CreatedConns   int64
	DestroyedConns int64
	BreakerState   gobreaker.State
	BreakerCounts  gobreaker.Counts
}

func NewPool(config PoolConfig) (*Pool, error) {
	if config.MaxSize < 1 {
		config.MaxSize = 4
	}

	if config.ConsecutiveFailures < 1 {
		config.ConsecutiveFailures = 5
	}

	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 10 * time.Second
	}

	log := config.Log
	if log == nil {
		log = zap.NewNop()
	}

	p := &Pool{log: log.Named("pool")}

	pool, err := puddle.NewPool(&puddle.Config[*Conn]{
		Constructor: func(ctx context.Context) (*Conn, error) {
			conn, err := Dial(ctx, config.Addr, log)
			if err == nil {
				p.createdConns.Add(1)
			}
			return conn, err
		},
		Destructor: func(c *Conn) {
			p.destroyedConns.Add(1)
			_ = c.Close()
		},
		MaxSize: config.MaxSize,
	})
	if err != nil {
		return nil, err
	}
	p.pool = pool

	p.breaker = gobreaker.NewCircuitBreaker[protocol.Value](gobreaker.Settings{
		Name:    config.Addr,
		Timeout: config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn("Circuit breaker changed state",
				zap.String("server", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
		IsSuccessful: func(err error) bool {
			var serverErr ServerError
			return err == nil || errors.As(err, &serverErr)
		},
	})

	return p, nil
}

// Do runs a command on a pooled connection.
func (p *Pool) Do(ctx context.Context, args ...string) (protocol.Value, error) {
	return p.breaker.Execute(func() (protocol.Value, error) {
		res, err := p.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		v, err := res.Value().Do(ctx, args...)

		var serverErr ServerError
		switch {
		case err == nil, errors.As(err, &serverErr):
			res.Release()
		default:
			// The reply may still be on its way, the connection can't be reused.
			res.Destroy()
		}

		return v, err
	})
}

// Ping sends PING on a pooled connection, with message if one is given, and
// returns the reply text.
func (p *Pool) Ping(ctx context.Context, message ...string) (string, error) {
	args, err := pingArgs(message)
	if err != nil {
		return "", err
	}

	v, err := p.Do(ctx, args...)
	if err != nil {
		return "", err
	}

	return pingText(v)
}

func (p *Pool) Stats() PoolStats {
	s := p.pool.Stat()

	return PoolStats{
		TotalConns:     s.TotalResources(),
		IdleConns:      s.IdleResources(),
		ActiveConns:    s.AcquiredResources(),
		AcquireCount:   s.AcquireCount(),
		CreatedConns:   p.createdConns.Load(),
		DestroyedConns: p.destroyedConns.Load(),
		BreakerState:   p.breaker.State(),
		BreakerCounts:  p.breaker.Counts(),
	}
}

// Close closes every connection, waiting for acquired ones to be released.
func (p *Pool) Close() {
	p.pool.Close()
}
