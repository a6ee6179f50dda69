// Package router serialises command handling.
//
// Every connection submits its events to a single Router. One goroutine,
// Run, takes them off a bounded queue in order and calls the Handler, so
// handler state is only ever touched from that goroutine. Events are handled
// in strict global FIFO order: the order in which Submit calls completed,
// regardless of which connection made them.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ewrogers/postgredis/command"
	"github.com/ewrogers/postgredis/handler"
	"github.com/ewrogers/postgredis/internal/metrics"
)

const DefaultQueueSize = 1024

var (
	// ErrStopped is returned by Submit once the router has stopped running.
	ErrStopped = errors.New("router stopped")

	// ErrRunning is returned by Run when the router is already running.
	ErrRunning = errors.New("router already running")
)

// ReplySink receives the response to one event.
type ReplySink interface {
	// Deliver hands over the response. It returns false if the reply could not
	// be delivered, usually because the connection has gone.
	Deliver(resp command.Response) bool
}

// ReplyFunc adapts a function to the ReplySink interface.
type ReplyFunc func(resp command.Response) bool

func (f ReplyFunc) Deliver(resp command.Response) bool {
	return f(resp)
}

// Event is a single request waiting to be handled.
//
// Exactly one of Command and Err is set. An event with Err set is a request
// that failed to decode; its error reply still goes through the router so
// that it's written in order with the replies around it.
type Event struct {
	Command command.Command
	Err     error

	// Reply is used exactly once, for this event only.
	Reply ReplySink
}

type Options struct {
	Handler handler.Handler

	// QueueSize is the number of events that can wait to be handled before
	// Submit blocks.
	QueueSize int

	Log     *zap.Logger
	Metrics *metrics.Metrics
}

type Router struct {
	handler handler.Handler
	queue   chan Event

	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once

	submitted atomic.Uint64
	handled   atomic.Uint64
	rejected  atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64

	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(options Options) *Router {
	queueSize := options.QueueSize
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Router{
		handler: options.Handler,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
		log:     log,
		metrics: options.Metrics,
	}
}

// Submit queues ev for handling. It blocks while the queue is full.
//
// It returns ErrStopped once the router has stopped, or ctx's error if ctx
// is done first. The event's sink is not called when Submit fails.
func (r *Router) Submit(ctx context.Context, ev Event) error {
	if ev.Reply == nil {
		return fmt.Errorf("router: event has no reply sink")
	}

	// Don't race a full queue against a router that has already stopped.
	select {
	case <-r.done:
		return ErrStopped
	default:
	}

	select {
	case r.queue <- ev:
		r.submitted.Add(1)
		r.metrics.SetQueueDepth(len(r.queue))
		return nil

	case <-r.done:
		return ErrStopped

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run handles events until ctx is done. It may only be called once.
//
// Events still queued when Run returns are never handled; their submitters
// stop waiting for replies when their own contexts end.
func (r *Router) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunning
	}

	defer r.stop()

	r.log.Info("Router started", zap.Int("queueSize", cap(r.queue)))

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Router stopped",
				zap.Int("pending", len(r.queue)),
				zap.Uint64("handled", r.handled.Load()))
			return nil

		case ev := <-r.queue:
			r.metrics.SetQueueDepth(len(r.queue))
			r.dispatch(ev)
		}
	}
}

// Done is closed once Run has returned.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

func (r *Router) stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *Router) dispatch(ev Event) {
	start := time.Now()

	resp, outcome := r.handle(ev)

	if !ev.Reply.Deliver(resp) {
		r.dropped.Add(1)
		r.metrics.ReplyDropped()
		r.log.Debug("Dropped reply, connection is gone")
	}

	r.metrics.EventHandled(outcome, time.Since(start))
}

func (r *Router) handle(ev Event) (resp command.Response, outcome string) {
	if ev.Err != nil {
		r.rejected.Add(1)
		return command.ErrorResponse(ev.Err), metrics.OutcomeRejected
	}

	defer func() {
		if p := recover(); p != nil {
			r.panics.Add(1)
			r.log.Error("Handler panicked",
				zap.Any("panic", p),
				zap.String("command", commandName(ev.Command)),
				zap.Stack("stack"))

			resp = command.Error{Message: "ERR internal error"}
			outcome = metrics.OutcomePanicked
		}
	}()

	resp = r.handler.Handle(ev.Command)
	if resp == nil {
		// A missing response would leave the client waiting forever.
		resp = command.Error{Message: "ERR no response"}
	}

	r.handled.Add(1)
	return resp, metrics.OutcomeHandled
}

func commandName(cmd command.Command) string {
	if cmd == nil {
		return ""
	}

	return string(cmd.Name())
}

// Stats is a point in time view of the router's counters.
type Stats struct {
	Submitted     uint64 `json:"submitted"`
	Handled       uint64 `json:"handled"`
	Rejected      uint64 `json:"rejected"`
	Dropped       uint64 `json:"dropped"`
	Panics        uint64 `json:"panics"`
	QueueDepth    int    `json:"queueDepth"`
	QueueCapacity int    `json:"queueCapacity"`
}

func (r *Router) Stats() Stats {
	return Stats{
		Submitted:     r.submitted.Load(),
		Handled:       r.handled.Load(),
		Rejected:      r.rejected.Load(),
		Dropped:       r.dropped.Load(),
		Panics:        r.panics.Load(),
		QueueDepth:    len(r.queue),
		QueueCapacity: cap(r.queue),
	}
}
