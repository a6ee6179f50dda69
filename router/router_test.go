package router_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ewrogers/postgredis/command"
	"github.com/ewrogers/postgredis/handler"
	"github.com/ewrogers/postgredis/internal/metrics"
	"github.com/ewrogers/postgredis/router"
)

// sink records what was delivered to it.
type sink struct {
	replies chan command.Response
	closed  bool
}

func newSink() *sink {
	return &sink{replies: make(chan command.Response, 1)}
}

func (s *sink) Deliver(resp command.Response) bool {
	if s.closed {
		return false
	}

	s.replies <- resp
	return true
}

func ping(msg string) command.Ping {
	return command.Ping{Message: &msg}
}

var _ = Describe("Router", func() {
	var (
		r      *router.Router
		ctx    context.Context
		cancel context.CancelFunc
		runErr chan error
	)

	start := func(h handler.Handler, queueSize int) {
		r = router.New(router.Options{
			Handler:   h,
			QueueSize: queueSize,
			Metrics:   metrics.New(prometheus.NewRegistry()),
		})

		runErr = make(chan error, 1)
		go func() {
			runErr <- r.Run(ctx)
		}()
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		if runErr != nil {
			Eventually(runErr).Should(Receive(BeNil()))
		}
		runErr = nil
	})

	It("delivers each response only to the sink of its own event", func() {
		start(handler.NewEcho(), 16)

		first, second := newSink(), newSink()
		Expect(r.Submit(ctx, router.Event{Command: ping("one"), Reply: first})).To(Succeed())
		Expect(r.Submit(ctx, router.Event{Command: ping("two"), Reply: second})).To(Succeed())

		Eventually(first.replies).Should(Receive(Equal(command.Pong{Message: ping("one").Message})))
		Eventually(second.replies).Should(Receive(Equal(command.Pong{Message: ping("two").Message})))
		Consistently(first.replies, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("handles events in the order they were submitted", func() {
		var (
			mu   sync.Mutex
			seen []string
		)

		start(handler.HandlerFunc(func(cmd command.Command) command.Response {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, *cmd.(command.Ping).Message)
			return command.Pong{}
		}), 4)

		var expected []string
		sinks := make([]*sink, 0, 100)
		for i := 0; i < 100; i++ {
			msg := fmt.Sprintf("%d", i)
			expected = append(expected, msg)

			s := newSink()
			sinks = append(sinks, s)
			Expect(r.Submit(ctx, router.Event{Command: ping(msg), Reply: s})).To(Succeed())
		}

		for _, s := range sinks {
			Eventually(s.replies).Should(Receive())
		}

		mu.Lock()
		defer mu.Unlock()
		Expect(seen).To(Equal(expected))
	})

	It("keeps each connection's events in order when connections submit concurrently", func() {
		const conns, perConn = 8, 50

		var (
			mu   sync.Mutex
			seen = map[int][]int{}
		)

		start(handler.HandlerFunc(func(cmd command.Command) command.Response {
			var conn, seq int
			_, err := fmt.Sscanf(*cmd.(command.Ping).Message, "%d/%d", &conn, &seq)
			Expect(err).To(Succeed())

			mu.Lock()
			seen[conn] = append(seen[conn], seq)
			mu.Unlock()

			return command.Pong{}
		}), 8)

		var wg sync.WaitGroup
		for c := 0; c < conns; c++ {
			wg.Add(1)
			go func(c int) {
				defer GinkgoRecover()
				defer wg.Done()

				for i := 0; i < perConn; i++ {
					s := newSink()
					Expect(r.Submit(ctx, router.Event{Command: ping(fmt.Sprintf("%d/%d", c, i)), Reply: s})).To(Succeed())
				}
			}(c)
		}
		wg.Wait()

		Eventually(func() uint64 { return r.Stats().Handled }).Should(BeEquivalentTo(conns * perConn))

		mu.Lock()
		defer mu.Unlock()
		for c := 0; c < conns; c++ {
			Expect(seen[c]).To(HaveLen(perConn))
			for i, seq := range seen[c] {
				Expect(seq).To(Equal(i))
			}
		}
	})

	It("only ever calls the handler from one goroutine at a time", func() {
		var inside, maxInside int32
		var mu sync.Mutex

		start(handler.HandlerFunc(func(command.Command) command.Response {
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			return command.Pong{}
		}), 64)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(r.Submit(ctx, router.Event{Command: command.Ping{}, Reply: newSink()})).To(Succeed())
			}()
		}
		wg.Wait()

		Eventually(func() uint64 { return r.Stats().Handled }).Should(BeEquivalentTo(20))

		mu.Lock()
		defer mu.Unlock()
		Expect(maxInside).To(BeEquivalentTo(1))
	})

	It("answers decode errors without calling the handler", func() {
		called := false
		start(handler.HandlerFunc(func(command.Command) command.Response {
			called = true
			return command.Pong{}
		}), 4)

		s := newSink()
		Expect(r.Submit(ctx, router.Event{Err: errors.New("unknown command 'fooo'"), Reply: s})).To(Succeed())

		Eventually(s.replies).Should(Receive(Equal(command.Error{Message: "ERR unknown command 'fooo'"})))
		Expect(called).To(BeFalse())
		Expect(r.Stats().Rejected).To(BeEquivalentTo(1))
	})

	It("drops replies for sinks that are gone and keeps running", func() {
		start(handler.NewEcho(), 4)

		gone := newSink()
		gone.closed = true
		Expect(r.Submit(ctx, router.Event{Command: command.Ping{}, Reply: gone})).To(Succeed())

		alive := newSink()
		Expect(r.Submit(ctx, router.Event{Command: command.Ping{}, Reply: alive})).To(Succeed())

		Eventually(alive.replies).Should(Receive(Equal(command.Pong{})))
		Expect(r.Stats().Dropped).To(BeEquivalentTo(1))
	})

	It("recovers from a panicking handler", func() {
		start(handler.HandlerFunc(func(cmd command.Command) command.Response {
			if cmd.(command.Ping).Message != nil {
				panic("boom")
			}
			return command.Pong{}
		}), 4)

		bad, good := newSink(), newSink()
		Expect(r.Submit(ctx, router.Event{Command: ping("x"), Reply: bad})).To(Succeed())
		Expect(r.Submit(ctx, router.Event{Command: command.Ping{}, Reply: good})).To(Succeed())

		Eventually(bad.replies).Should(Receive(BeAssignableToTypeOf(command.Error{})))
		Eventually(good.replies).Should(Receive(Equal(command.Pong{})))
		Expect(r.Stats().Panics).To(BeEquivalentTo(1))
	})

	It("replies with an error when the handler returns nothing", func() {
		start(handler.HandlerFunc(func(command.Command) command.Response {
			return nil
		}), 4)

		s := newSink()
		Expect(r.Submit(ctx, router.Event{Command: command.Ping{}, Reply: s})).To(Succeed())
		Eventually(s.replies).Should(Receive(Equal(command.Error{Message: "ERR no response"})))
	})

	It("blocks submitters while the queue is full", func() {
		release := make(chan struct{})
		start(handler.HandlerFunc(func(command.Command) command.Response {
			<-release
			return command.Pong{}
		}), 1)

		// The first event is being handled, the second fills the queue.
		Expect(r.Submit(ctx, router.Event{Command: command.Ping{}, Reply: newSink()})).To(Succeed())
		Eventually(func() int { return r.Stats().QueueDepth }).Should(BeZero())
		Expect(r.Submit(ctx, router.Event{Command: command.Ping{}, Reply: newSink()})).To(Succeed())

		submitCtx, submitCancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer submitCancel()
		err := r.Submit(submitCtx, router.Event{Command: command.Ping{}, Reply: newSink()})
		Expect(err).To(MatchError(context.DeadlineExceeded))

		close(release)
		Eventually(func() uint64 { return r.Stats().Handled }).Should(BeEquivalentTo(2))
	})

	It("rejects submissions once stopped", func() {
		start(handler.NewEcho(), 4)

		cancel()
		Eventually(r.Done()).Should(BeClosed())

		err := r.Submit(context.Background(), router.Event{Command: command.Ping{}, Reply: newSink()})
		Expect(err).To(MatchError(router.ErrStopped))
	})

	It("refuses to run twice", func() {
		start(handler.NewEcho(), 4)

		Eventually(func() error {
			return r.Submit(ctx, router.Event{Command: command.Ping{}, Reply: newSink()})
		}).Should(Succeed())
		Eventually(func() uint64 { return r.Stats().Handled }).Should(BeEquivalentTo(1))

		Expect(r.Run(ctx)).To(MatchError(router.ErrRunning))
	})

	It("rejects events without a reply sink", func() {
		start(handler.NewEcho(), 4)

		Expect(r.Submit(ctx, router.Event{Command: command.Ping{}})).NotTo(Succeed())
	})

	It("reports its queue capacity", func() {
		start(handler.NewEcho(), 7)

		Expect(r.Stats().QueueCapacity).To(Equal(7))
	})
})

var _ = Describe("ReplyFunc", func() {
	It("calls the wrapped function", func() {
		var got command.Response
		f := router.ReplyFunc(func(resp command.Response) bool {
			got = resp
			return true
		})

		Expect(f.Deliver(command.Pong{})).To(BeTrue())
		Expect(got).To(Equal(command.Pong{}))
	})
})
