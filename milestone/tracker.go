// Package milestone implements the MilestoneTracker (C10): records the
// first instant each page-lifecycle milestone occurs per epoch and
// dispatches subscriber callbacks exactly once, in monotonic recorded
// order. Counters/histograms are exported to Prometheus so the surrounding
// control plane can graph latencies without re-deriving them from events.
package milestone

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Kind enumerates the lifecycle milestones.
type Kind string

const (
	KindTTFB   Kind = "ttfb"
	KindDCL    Kind = "dcl"
	KindFP     Kind = "fp"
	KindFCP    Kind = "fcp"
	KindTTI    Kind = "tti"
	KindLoad   Kind = "load"
	KindFailed Kind = "failed"
)

// order fixes the fixed dispatch precedence used to break ties when two
// milestones are recorded in the same instant (rare, but time.Now() has
// finite resolution on some platforms).
var order = map[Kind]int{
	KindTTFB: 0, KindFP: 1, KindFCP: 2, KindDCL: 3, KindTTI: 4, KindLoad: 5, KindFailed: 6,
}

// Event is delivered to subscribers when a milestone is recorded.
type Event struct {
	Epoch uint64
	Kind  Kind
	At    time.Time
}

// Callback is a subscriber registered via Tracker.Subscribe.
type Callback func(Event)

var (
	latencyHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pageengine",
		Subsystem: "milestone",
		Name:      "latency_seconds",
		Help:      "Time from navigation start to each lifecycle milestone.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	recordedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pageengine",
		Subsystem: "milestone",
		Name:      "recorded_total",
		Help:      "Count of milestones recorded, by kind.",
	}, []string{"kind"})
)

// MustRegister registers the package's collectors on reg. Call once at
// startup; a nil reg uses the default Prometheus registerer.
func MustRegister(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(latencyHistogram, recordedTotal)
}

// Tracker is the per-page MilestoneTracker. A fresh Tracker (or Reset call)
// is required for every navigation epoch so late callbacks from a stale
// epoch are never observable.
type Tracker struct {
	mu sync.Mutex

	epoch     uint64
	navStart  time.Time
	recorded  map[Kind]time.Time
	subs      []Callback
	dispatched map[Kind]bool
}

// New creates a Tracker for the given epoch, with navStart as the
// navigation-start instant milestone latencies are measured from.
func New(epoch uint64, navStart time.Time) *Tracker {
	return &Tracker{
		epoch:      epoch,
		navStart:   navStart,
		recorded:   make(map[Kind]time.Time),
		dispatched: make(map[Kind]bool),
	}
}

// Subscribe registers cb to be invoked whenever a new milestone is recorded.
func (t *Tracker) Subscribe(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, cb)
}

// Record records kind occurring at `at`, the first time only; later calls
// for a kind already recorded this epoch are ignored ("late occurrences are
// ignored"). Returns true if this call was the one that
// recorded it.
func (t *Tracker) Record(kind Kind, at time.Time) bool {
	t.mu.Lock()
	if _, already := t.recorded[kind]; already {
		t.mu.Unlock()
		return false
	}
	t.recorded[kind] = at
	t.dispatched[kind] = true
	epoch := t.epoch
	subs := append([]Callback(nil), t.subs...)
	t.mu.Unlock()

	latencyHistogram.WithLabelValues(string(kind)).Observe(at.Sub(t.navStart).Seconds())
	recordedTotal.WithLabelValues(string(kind)).Inc()

	ev := Event{Epoch: epoch, Kind: kind, At: at}
	for _, cb := range subs {
		cb(ev)
	}
	return true
}

// At returns the recorded instant for kind, if any.
func (t *Tracker) At(kind Kind) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.recorded[kind]
	return at, ok
}

// Invariant checks the cross-milestone ordering constraints:
// FCP >= FP whenever both recorded, Load >= DCL whenever
// both recorded. Returns false if an ordering constraint is violated.
func (t *Tracker) Invariant() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fp, ok := t.recorded[KindFP]; ok {
		if fcp, ok := t.recorded[KindFCP]; ok && fcp.Before(fp) {
			return false
		}
	}
	if dcl, ok := t.recorded[KindDCL]; ok {
		if load, ok := t.recorded[KindLoad]; ok && load.Before(dcl) {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of every milestone recorded so far, epoch-scoped.
func (t *Tracker) Snapshot() map[Kind]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Kind]time.Time, len(t.recorded))
	for k, v := range t.recorded {
		out[k] = v
	}
	return out
}

// orderOf exposes the fixed dispatch precedence for callers that need to
// sort a batch of pending events (e.g. the scheduler coalescing same-tick
// milestones before notifying webhook fan-out).
func orderOf(k Kind) int { return order[k] }

// SortByOrder sorts events by their fixed Kind precedence, not by At, which
// matters only when two milestones land in the same tick.
func SortByOrder(events []Event) []Event {
	out := append([]Event(nil), events...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && orderOf(out[j].Kind) < orderOf(out[j-1].Kind); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
