package stats_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"

	"github.com/ewrogers/postgredis/internal/stats"
	"github.com/ewrogers/postgredis/router"
)

type fakeRouter router.Stats

func (f fakeRouter) Stats() router.Stats {
	return router.Stats(f)
}

type fakeConns int

func (f fakeConns) NumConns() int {
	return int(f)
}

var _ = Describe("Reporter", func() {
	var snapshot []byte

	BeforeEach(func() {
		reporter := stats.NewReporter(fakeRouter{
			Submitted:     10,
			Handled:       7,
			Rejected:      2,
			Dropped:       1,
			QueueDepth:    3,
			QueueCapacity: 1024,
		}, fakeConns(4))

		var err error
		snapshot, err = reporter.Snapshot()
		Expect(err).To(Succeed())
	})

	It("renders valid JSON", func() {
		Expect(json.Valid(snapshot)).To(BeTrue())
		Expect(gjson.ValidBytes(snapshot)).To(BeTrue())
	})

	table.DescribeTable("includes",
		func(path string, expected string) {
			raw, ok := stats.Lookup(snapshot, path)
			Expect(ok).To(BeTrue())
			Expect(string(raw)).To(Equal(expected))
		},
		table.Entry("submitted events", "router.submitted", "10"),
		table.Entry("handled events", "router.handled", "7"),
		table.Entry("rejected events", "router.rejected", "2"),
		table.Entry("dropped replies", "router.dropped", "1"),
		table.Entry("panics", "router.panics", "0"),
		table.Entry("queue depth", "router.queue.depth", "3"),
		table.Entry("queue capacity", "router.queue.capacity", "1024"),
		table.Entry("connections", "tcp.connections", "4"),
		table.Entry("uptime", "uptimeSeconds", "0"),
	)

	It("includes build information", func() {
		Expect(gjson.GetBytes(snapshot, "build.goVersion").String()).To(HavePrefix("go"))
		Expect(gjson.GetBytes(snapshot, "build.platform").String()).NotTo(BeEmpty())
	})

	It("returns objects for intermediate paths", func() {
		raw, ok := stats.Lookup(snapshot, "router.queue")
		Expect(ok).To(BeTrue())
		Expect(string(raw)).To(MatchJSON(`{"depth":3,"capacity":1024}`))
	})

	It("reports missing paths", func() {
		_, ok := stats.Lookup(snapshot, "router.nope")
		Expect(ok).To(BeFalse())
	})
})
