package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ewrogers/postgredis/internal/metrics"
	"github.com/ewrogers/postgredis/protocol"
	"github.com/ewrogers/postgredis/router"
)

const (
	DefaultReplyBuffer  = 128
	DefaultReplyTimeout = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Submitter accepts events for handling. *router.Router implements it.
type Submitter interface {
	Submit(ctx context.Context, ev router.Event) error
}

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on. Zero picks a free port, see TCP.Addr.
	Port int

	// Reuseport controls setting SO_REUSEPORT. Without it only a single
	// listener is started.
	Reuseport bool

	// Trace logs every byte read and written. This is only useful in local
	// debugging.
	Trace bool

	// NumListeners is the number of accept loops when Reuseport is set.
	// Defaults to the number of CPUs.
	NumListeners int

	// Router receives the events decoded from every connection.
	Router Submitter

	// ReplyBuffer is the number of requests a connection can have waiting for
	// their replies to be written. Once it's reached the connection stops
	// reading until the client catches up.
	ReplyBuffer int

	// ReplyTimeout is how long a connection waits for the client to catch up
	// once ReplyBuffer replies are outstanding, before closing it as a slow
	// consumer. Negative waits forever.
	ReplyTimeout time.Duration

	// IdleTimeout closes connections that send nothing for this long. Zero
	// disables it.
	IdleTimeout time.Duration

	// WriteTimeout bounds each socket write.
	WriteTimeout time.Duration

	// RateLimit is the number of commands per second each connection may
	// send, with bursts of up to RateBurst. Zero disables it.
	RateLimit float64
	RateBurst int

	// Codec options applied to every connection's decoder.
	Codec []protocol.CodecOption

	Log     *zap.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.ReplyBuffer < 1 {
		o.ReplyBuffer = DefaultReplyBuffer
	}

	if o.ReplyTimeout == 0 {
		o.ReplyTimeout = DefaultReplyTimeout
	}

	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}

	if o.RateLimit > 0 && o.RateBurst < 1 {
		o.RateBurst = 1
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	return o
}
