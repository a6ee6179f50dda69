package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ewrogers/postgredis/internal/metrics"
)

var _ = Describe("Metrics", func() {
	var (
		registry *prometheus.Registry
		m        *metrics.Metrics
	)

	BeforeEach(func() {
		registry = prometheus.NewRegistry()
		m = metrics.New(registry)
	})

	It("counts events by outcome", func() {
		m.EventHandled(metrics.OutcomeHandled, time.Millisecond)
		m.EventHandled(metrics.OutcomeHandled, time.Millisecond)
		m.EventHandled(metrics.OutcomeRejected, time.Millisecond)

		expected := `
# HELP postgredis_router_events_total Total number of events taken off the router queue
# TYPE postgredis_router_events_total counter
postgredis_router_events_total{outcome="handled"} 2
postgredis_router_events_total{outcome="rejected"} 1
`
		Expect(testutil.GatherAndCompare(registry, strings.NewReader(expected),
			"postgredis_router_events_total")).To(Succeed())
	})

	It("tracks active connections", func() {
		m.ConnOpened()
		m.ConnOpened()
		m.ConnClosed()

		Expect(gathered(registry, "postgredis_tcp_connections_active")).To(Equal(1.0))
		Expect(gathered(registry, "postgredis_tcp_connections_total")).To(Equal(2.0))
	})

	It("ignores non-positive byte counts", func() {
		m.Read(10)
		m.Read(0)
		m.Read(-1)

		Expect(gathered(registry, "postgredis_tcp_read_bytes_total")).To(Equal(10.0))
	})

	It("is a no-op on a nil receiver", func() {
		var nilMetrics *metrics.Metrics

		Expect(func() {
			nilMetrics.EventHandled(metrics.OutcomePanicked, time.Second)
			nilMetrics.ReplyDropped()
			nilMetrics.SetQueueDepth(3)
			nilMetrics.ConnOpened()
			nilMetrics.ConnClosed()
			nilMetrics.SlowConsumer()
			nilMetrics.DecodeError(metrics.LayerWire)
			nilMetrics.Read(1)
			nilMetrics.Written(1)
			nilMetrics.RateLimited()
		}).NotTo(Panic())
	})

	It("serves the text exposition format", func() {
		m.DecodeError(metrics.LayerCommand)

		rec := httptest.NewRecorder()
		metrics.Handler(registry).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		Expect(rec.Code).To(Equal(200))
		body, err := io.ReadAll(rec.Body)
		Expect(err).To(Succeed())
		Expect(string(body)).To(ContainSubstring(`postgredis_tcp_decode_errors_total{layer="command"} 1`))
	})
})

func gathered(registry *prometheus.Registry, name string) float64 {
	families, err := registry.Gather()
	Expect(err).To(Succeed())

	for _, f := range families {
		if f.GetName() != name {
			continue
		}

		metric := f.GetMetric()[0]
		if metric.GetCounter() != nil {
			return metric.GetCounter().GetValue()
		}
		return metric.GetGauge().GetValue()
	}

	Fail("no metric named " + name)
	return 0
}
