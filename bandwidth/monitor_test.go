package bandwidth

import (
	"testing"
	"time"
)

func TestRecordSample_EWMAConverges(t *testing.T) {
	m := New(30, 0.3, 0.9)
	for i := 0; i < 50; i++ {
		m.RecordSample(1_000_000, 1*time.Second) // 1 MB/s steady state
	}
	got := m.CurrentBps()
	if got < 900_000 || got > 1_100_000 {
		t.Fatalf("expected EWMA to converge near 1,000,000 bps, got %f", got)
	}
}

func TestAvailableBps_DecaysTowardCurrent(t *testing.T) {
	m := New(30, 0.3, 0.9)
	m.SeedAvailable(10) // 10 Mbps
	seeded := m.AvailableBps()
	if seeded <= 0 {
		t.Fatalf("expected seeded available bps to be positive")
	}

	// Feed much lower throughput; available should decay downward, never
	// dropping below current_bps.
	for i := 0; i < 10; i++ {
		m.RecordSample(10_000, 1*time.Second) // 10 KB/s
	}
	if m.AvailableBps() < m.CurrentBps() {
		t.Fatalf("available_bps must never be less than current_bps")
	}
}

func TestUtilization_ZeroWhenNoAvailable(t *testing.T) {
	m := New(30, 0.3, 0.9)
	if u := m.Utilization(); u != 0 {
		t.Fatalf("expected zero utilization with no available estimate, got %f", u)
	}
}
