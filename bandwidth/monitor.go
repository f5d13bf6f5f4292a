// Package bandwidth implements the BandwidthMonitor: a rolling sample window
// that publishes an EWMA current-throughput estimate plus decayed
// available-throughput estimate, and per-resource timing spans.
package bandwidth

import (
	"sync"
	"time"
)

// Sample is one observed (timestamp, bytes, duration) transfer measurement.
type Sample struct {
	At       time.Time
	Bytes    int64
	Duration time.Duration
}

// TimingSpans records the per-phase timing breakdown for a single resource
// fetch, as supplied by the Transport collaborator when it has the data.
type TimingSpans struct {
	DNS      time.Duration
	Connect  time.Duration
	TLS      time.Duration
	Request  time.Duration
	Response time.Duration
}

// Monitor tracks available bandwidth with EWMA decay. Safe for concurrent use;
// it is read from multiple workers and written to by the scheduler only.
type Monitor struct {
	mu sync.Mutex

	window int
	smooth float64
	decay  float64

	samples []Sample
	next    int
	filled  bool

	currentBps   float64
	availableBps float64

	timings map[string]TimingSpans // url -> spans
}

// New creates a Monitor with the given ring size, EWMA smoothing factor, and
// available-bandwidth decay factor (defaults: 30, 0.3, 0.9).
func New(window int, smoothing, decay float64) *Monitor {
	if window <= 0 {
		window = 30
	}
	return &Monitor{
		window:  window,
		smooth:  smoothing,
		decay:   decay,
		samples: make([]Sample, window),
		timings: make(map[string]TimingSpans),
	}
}

// SeedAvailable sets the initial available_bps estimate from an out-of-band
// signal (NetworkContext.DownlinkMbps), before any samples have arrived.
func (m *Monitor) SeedAvailable(downlinkMbps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.availableBps = downlinkMbps * 1_000_000 / 8
}

// RecordSample ingests one (bytes, duration) observation and recomputes the
// EWMA current_bps and the decayed available_bps:
//
//	available_bps = max(current_bps, 0.9*prev_available_bps)
func (m *Monitor) RecordSample(bytesTransferred int64, duration time.Duration) {
	if duration <= 0 {
		return
	}
	instBps := float64(bytesTransferred) / duration.Seconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples[m.next] = Sample{At: time.Now(), Bytes: bytesTransferred, Duration: duration}
	m.next = (m.next + 1) % m.window
	if m.next == 0 {
		m.filled = true
	}

	if m.currentBps == 0 {
		m.currentBps = instBps
	} else {
		m.currentBps = m.smooth*instBps + (1-m.smooth)*m.currentBps
	}

	decayed := m.decay * m.availableBps
	if m.currentBps > decayed {
		m.availableBps = m.currentBps
	} else {
		m.availableBps = decayed
	}
}

// CurrentBps returns the EWMA current throughput estimate.
func (m *Monitor) CurrentBps() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentBps
}

// AvailableBps returns the decayed available-bandwidth estimate.
func (m *Monitor) AvailableBps() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableBps
}

// Utilization returns current_bps / available_bps, used by the scheduler's
// backpressure check: throttle admission if > 0.85.
func (m *Monitor) Utilization() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.availableBps <= 0 {
		return 0
	}
	return m.currentBps / m.availableBps
}

// RecordTiming stores the per-phase span breakdown for a resource, when the
// Transport collaborator supplies one.
func (m *Monitor) RecordTiming(url string, spans TimingSpans) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings[url] = spans
}

// Timing returns the recorded spans for a URL, if any.
func (m *Monitor) Timing(url string) (TimingSpans, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timings[url]
	return t, ok
}

// Reset clears sample history and timings (called on ResetEpoch) but keeps
// the learned available_bps estimate; network conditions don't reset just
// because the page did.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = make([]Sample, m.window)
	m.next = 0
	m.filled = false
	m.timings = make(map[string]TimingSpans)
}
