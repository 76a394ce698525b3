// Package telemetry is the in-process observability bus: events fan out
// synchronously to subscribers, land in a bounded ring buffer, and bump a
// per-type prometheus counter.
package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Event types emitted by the orchestrator.
const (
	EventTickStarted        = "tick_started"
	EventTickCompleted      = "tick_completed"
	EventTickHalted         = "tick_halted"
	EventBidPlaced          = "bid_placed"
	EventBidWithdrawn       = "bid_withdrawn"
	EventSubmitAttempted    = "submit_attempted"
	EventSubmitSucceeded    = "submit_succeeded"
	EventSubmitFailed       = "submit_failed"
	EventSettlementRecorded = "settlement_recorded"
)

// ringCapacity bounds the event buffer.
const ringCapacity = 1000

// Event is one observable occurrence.
type Event struct {
	Type   string         `json:"type"`
	At     string         `json:"at"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Bus delivers events to subscribers in registration order, synchronously.
type Bus struct {
	mu       sync.Mutex
	ring     []Event
	counters map[string]uint64
	subs     []func(Event)
	events   *prometheus.CounterVec
}

// NewBus creates a bus and registers its counter with reg (nil skips
// registration; useful in tests).
func NewBus(reg prometheus.Registerer) *Bus {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_event_total",
		Help: "Total autopilot events by type.",
	}, []string{"type"})
	if reg != nil {
		reg.MustRegister(events)
	}
	return &Bus{
		counters: make(map[string]uint64),
		events:   events,
	}
}

// Subscribe registers fn for every subsequent event.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

// Emit records the event and delivers it to all subscribers before
// returning.
func (b *Bus) Emit(evt Event) {
	b.mu.Lock()
	b.ring = append(b.ring, evt)
	if len(b.ring) > ringCapacity {
		b.ring = b.ring[len(b.ring)-ringCapacity:]
	}
	b.counters[evt.Type]++
	subs := make([]func(Event), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	b.events.WithLabelValues(evt.Type).Inc()
	for _, fn := range subs {
		fn(evt)
	}
}

// Events returns a copy of the buffered events, oldest first.
func (b *Bus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.ring))
	copy(out, b.ring)
	return out
}

// Count returns how many events of type have been emitted.
func (b *Bus) Count(eventType string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters[eventType]
}

// Exposition renders the counters in text exposition format, one counter
// per event type, sorted by type.
func (b *Bus) Exposition() string {
	b.mu.Lock()
	types := make([]string, 0, len(b.counters))
	for t := range b.counters {
		types = append(types, t)
	}
	counts := make(map[string]uint64, len(b.counters))
	for t, n := range b.counters {
		counts[t] = n
	}
	b.mu.Unlock()

	sort.Strings(types)
	var sb strings.Builder
	sb.WriteString("# HELP autopilot_event_total Total autopilot events by type.\n")
	sb.WriteString("# TYPE autopilot_event_total counter\n")
	for _, t := range types {
		fmt.Fprintf(&sb, "autopilot_event_total{type=%q} %d\n", t, counts[t])
	}
	return sb.String()
}
