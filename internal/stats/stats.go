// Package stats renders the JSON document served by the admin /stats
// endpoint.
package stats

import (
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ewrogers/postgredis/internal/meta"
	"github.com/ewrogers/postgredis/router"
)

type RouterStats interface {
	Stats() router.Stats
}

type ConnCounter interface {
	NumConns() int
}

type Reporter struct {
	router  RouterStats
	conns   ConnCounter
	started time.Time
	now     func() time.Time
}

func NewReporter(router RouterStats, conns ConnCounter) *Reporter {
	return &Reporter{
		router:  router,
		conns:   conns,
		started: time.Now(),
		now:     time.Now,
	}
}

// Snapshot returns the current stats as a JSON object.
func (r *Reporter) Snapshot() ([]byte, error) {
	rs := r.router.Stats()
	info := meta.GetInfo()

	fields := []struct {
		path  string
		value interface{}
	}{
		{"router.submitted", rs.Submitted},
		{"router.handled", rs.Handled},
		{"router.rejected", rs.Rejected},
		{"router.dropped", rs.Dropped},
		{"router.panics", rs.Panics},
		{"router.queue.depth", rs.QueueDepth},
		{"router.queue.capacity", rs.QueueCapacity},
		{"tcp.connections", r.conns.NumConns()},
		{"uptimeSeconds", int64(r.now().Sub(r.started).Seconds())},
		{"build.version", info.Version},
		{"build.build", info.Build},
		{"build.branch", info.Branch},
		{"build.platform", info.Platform},
		{"build.goVersion", info.GoVersion},
	}

	doc := []byte("{}")

	for _, f := range fields {
		var err error
		if doc, err = sjson.SetBytes(doc, f.path, f.value); err != nil {
			return nil, err
		}
	}

	return doc, nil
}

// Lookup returns the raw JSON at path in a snapshot, using gjson path syntax.
// ok is false when nothing is there.
func Lookup(snapshot []byte, path string) (raw []byte, ok bool) {
	result := gjson.GetBytes(snapshot, path)
	if !result.Exists() {
		return nil, false
	}

	return []byte(result.Raw), true
}
