package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionCounter exposes the number of registered extensions.
type ConnectionCounter interface {
	Count() int
}

// StateCounter exposes live objects grouped by state. The call session
// manager and the queue call bridge each provide one.
type StateCounter interface {
	Counts() map[string]int
}

// StateCounterFunc adapts a function to StateCounter.
type StateCounterFunc func() map[string]int

// Counts implements StateCounter.
func (f StateCounterFunc) Counts() map[string]int { return f() }

// DropCounter exposes the number of lifecycle events dropped because the
// dispatch queue was full.
type DropCounter interface {
	Dropped() int64
}

// Collector is a prometheus.Collector that gathers signaling metrics at scrape time.
type Collector struct {
	connections ConnectionCounter
	calls       StateCounter
	queueCalls  StateCounter
	events      DropCounter
	callStates  []string
	queueStates []string
	startTime   time.Time

	// Metric descriptors.
	connectedDesc     *prometheus.Desc
	callsDesc         *prometheus.Desc
	queueCallsDesc    *prometheus.Desc
	eventsDroppedDesc *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// Options configures a Collector. Any provider may be nil if unavailable.
// CallStates and QueueStates list every label value reported, so a state
// with no live objects still exports a zero.
type Options struct {
	Connections ConnectionCounter
	Calls       StateCounter
	CallStates  []string
	QueueCalls  StateCounter
	QueueStates []string
	Events      DropCounter
	StartTime   time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(opts Options) *Collector {
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}
	return &Collector{
		connections: opts.Connections,
		calls:       opts.Calls,
		queueCalls:  opts.QueueCalls,
		events:      opts.Events,
		callStates:  opts.CallStates,
		queueStates: opts.QueueStates,
		startTime:   opts.StartTime,

		connectedDesc: prometheus.NewDesc(
			"pbxsignal_connected_extensions",
			"Number of extensions with a live signaling connection",
			nil, nil,
		),
		callsDesc: prometheus.NewDesc(
			"pbxsignal_active_calls",
			"Number of non-terminal direct calls by state",
			[]string{"state"}, nil,
		),
		queueCallsDesc: prometheus.NewDesc(
			"pbxsignal_active_queue_calls",
			"Number of non-terminal queue calls by state",
			[]string{"state"}, nil,
		),
		eventsDroppedDesc: prometheus.NewDesc(
			"pbxsignal_events_dropped_total",
			"Lifecycle events dropped because the dispatch queue was full",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"pbxsignal_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectedDesc
	ch <- c.callsDesc
	ch <- c.queueCallsDesc
	ch <- c.eventsDroppedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.connections != nil {
		ch <- prometheus.MustNewConstMetric(
			c.connectedDesc, prometheus.GaugeValue,
			float64(c.connections.Count()),
		)
	}

	if c.calls != nil {
		c.collectStates(ch, c.callsDesc, c.calls.Counts(), c.callStates)
	}
	if c.queueCalls != nil {
		c.collectStates(ch, c.queueCallsDesc, c.queueCalls.Counts(), c.queueStates)
	}

	if c.events != nil {
		ch <- prometheus.MustNewConstMetric(
			c.eventsDroppedDesc, prometheus.CounterValue,
			float64(c.events.Dropped()),
		)
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func (c *Collector) collectStates(ch chan<- prometheus.Metric, desc *prometheus.Desc, counts map[string]int, states []string) {
	seen := make(map[string]bool, len(states))
	for _, s := range states {
		seen[s] = true
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(counts[s]), s)
	}
	for s, n := range counts {
		if seen[s] {
			continue
		}
		slog.Debug("metrics: unlisted state", "state", s)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(n), s)
	}
}
