package netprofile

import (
	"testing"
	"time"

	"github.com/use-agent/pageengine/models"
)

func excellentCtx() models.NetworkContext {
	return models.NetworkContext{DownlinkMbps: 20, RTTMs: 10, JitterMs: 0, Loss: 0}
}

func offlineCtx() models.NetworkContext {
	return models.NetworkContext{DownlinkMbps: 0, RTTMs: 2000, JitterMs: 500, Loss: 1}
}

func TestScore_Thresholds(t *testing.T) {
	if got := classify(Score(excellentCtx())); got != models.ClassExcellent {
		t.Fatalf("expected Excellent, got %s", got)
	}
	if got := classify(Score(offlineCtx())); got != models.ClassOffline {
		t.Fatalf("expected Offline, got %s", got)
	}
}

func TestEvaluate_DebouncesTransientBlip(t *testing.T) {
	p := New()
	base := time.Unix(1_700_000_000, 0)

	// Settle on Excellent first.
	for i := 0; i < 3; i++ {
		p.Evaluate(excellentCtx(), base.Add(time.Duration(i)*20*time.Second))
	}
	if p.Committed() != models.ClassExcellent {
		t.Fatalf("expected committed class Excellent, got %s", p.Committed())
	}

	// A single bad reading should not flip the committed class.
	got := p.Evaluate(offlineCtx(), base.Add(70*time.Second))
	if got != models.ClassExcellent {
		t.Fatalf("expected single blip to be debounced, got %s", got)
	}
}

func TestEvaluate_CommitsAfterTwoConsecutiveSpacedReadings(t *testing.T) {
	p := New()
	base := time.Unix(1_700_000_000, 0)

	first := p.Evaluate(offlineCtx(), base)
	if first != models.ClassOffline {
		t.Fatalf("expected initial committed class Offline, got %s", first)
	}

	// Move to Excellent: first sighting doesn't commit...
	got := p.Evaluate(excellentCtx(), base.Add(1*time.Second))
	if got != models.ClassOffline {
		t.Fatalf("expected no transition yet, got %s", got)
	}

	// ...second sighting less than 10s later still doesn't commit...
	got = p.Evaluate(excellentCtx(), base.Add(5*time.Second))
	if got != models.ClassOffline {
		t.Fatalf("expected no transition before debounce gap elapses, got %s", got)
	}

	// ...but once 10s have passed since the first sighting, it commits.
	got = p.Evaluate(excellentCtx(), base.Add(12*time.Second))
	if got != models.ClassExcellent {
		t.Fatalf("expected committed transition to Excellent, got %s", got)
	}
}
