package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeConns int

func (f fakeConns) Count() int { return int(f) }

type fakeDrops int64

func (f fakeDrops) Dropped() int64 { return int64(f) }

func TestCollector(t *testing.T) {
	c := NewCollector(Options{
		Connections: fakeConns(3),
		Calls: StateCounterFunc(func() map[string]int {
			return map[string]int{"ringing": 2}
		}),
		CallStates: []string{"ringing", "connected"},
		QueueCalls: StateCounterFunc(func() map[string]int {
			return map[string]int{"offered": 1, "taken": 1}
		}),
		QueueStates: []string{"offered", "taken", "connected"},
		Events:      fakeDrops(4),
		StartTime:   time.Now().Add(-time.Minute),
	})

	expected := `
# HELP pbxsignal_active_calls Number of non-terminal direct calls by state
# TYPE pbxsignal_active_calls gauge
pbxsignal_active_calls{state="connected"} 0
pbxsignal_active_calls{state="ringing"} 2
# HELP pbxsignal_active_queue_calls Number of non-terminal queue calls by state
# TYPE pbxsignal_active_queue_calls gauge
pbxsignal_active_queue_calls{state="connected"} 0
pbxsignal_active_queue_calls{state="offered"} 1
pbxsignal_active_queue_calls{state="taken"} 1
# HELP pbxsignal_connected_extensions Number of extensions with a live signaling connection
# TYPE pbxsignal_connected_extensions gauge
pbxsignal_connected_extensions 3
# HELP pbxsignal_events_dropped_total Lifecycle events dropped because the dispatch queue was full
# TYPE pbxsignal_events_dropped_total counter
pbxsignal_events_dropped_total 4
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"pbxsignal_active_calls",
		"pbxsignal_active_queue_calls",
		"pbxsignal_connected_extensions",
		"pbxsignal_events_dropped_total",
	)
	if err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	if n := testutil.CollectAndCount(c, "pbxsignal_uptime_seconds"); n != 1 {
		t.Errorf("uptime series = %d, want 1", n)
	}
}

func TestCollectorNilProviders(t *testing.T) {
	c := NewCollector(Options{})
	if n := testutil.CollectAndCount(c); n != 1 {
		t.Errorf("series = %d, want only uptime", n)
	}
}

func TestCollectorUnlistedState(t *testing.T) {
	c := NewCollector(Options{
		Calls: StateCounterFunc(func() map[string]int {
			return map[string]int{"ringing": 1, "held": 1}
		}),
		CallStates: []string{"ringing"},
	})
	if n := testutil.CollectAndCount(c, "pbxsignal_active_calls"); n != 2 {
		t.Errorf("active call series = %d, want 2", n)
	}
}
