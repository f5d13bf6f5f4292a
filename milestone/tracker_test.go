package milestone

import (
	"testing"
	"time"
)

func TestRecord_FirstOccurrenceWins(t *testing.T) {
	start := time.Now()
	tr := New(1, start)

	first := start.Add(50 * time.Millisecond)
	second := start.Add(60 * time.Millisecond)

	if !tr.Record(KindTTFB, first) {
		t.Fatalf("expected first Record to report recorded")
	}
	if tr.Record(KindTTFB, second) {
		t.Fatalf("expected late Record for same kind to be ignored")
	}
	at, ok := tr.At(KindTTFB)
	if !ok || !at.Equal(first) {
		t.Fatalf("expected TTFB pinned to first occurrence, got %v", at)
	}
}

func TestSubscribe_FiresExactlyOncePerKind(t *testing.T) {
	start := time.Now()
	tr := New(1, start)

	var got []Event
	tr.Subscribe(func(e Event) { got = append(got, e) })

	tr.Record(KindTTFB, start.Add(10*time.Millisecond))
	tr.Record(KindTTFB, start.Add(20*time.Millisecond))
	tr.Record(KindDCL, start.Add(30*time.Millisecond))

	if len(got) != 2 {
		t.Fatalf("expected 2 dispatched events, got %d", len(got))
	}
}

func TestInvariant_FCPBeforeFPFails(t *testing.T) {
	start := time.Now()
	tr := New(1, start)
	tr.Record(KindFP, start.Add(100*time.Millisecond))
	tr.Record(KindFCP, start.Add(50*time.Millisecond))
	if tr.Invariant() {
		t.Fatalf("expected invariant violation: FCP before FP")
	}
}

func TestInvariant_HoldsForOrderedMilestones(t *testing.T) {
	start := time.Now()
	tr := New(1, start)
	tr.Record(KindFP, start.Add(50*time.Millisecond))
	tr.Record(KindFCP, start.Add(60*time.Millisecond))
	tr.Record(KindDCL, start.Add(70*time.Millisecond))
	tr.Record(KindLoad, start.Add(80*time.Millisecond))
	if !tr.Invariant() {
		t.Fatalf("expected invariant to hold for monotonically ordered milestones")
	}
}

func TestSortByOrder_FixesSameInstantTies(t *testing.T) {
	now := time.Now()
	events := []Event{
		{Kind: KindLoad, At: now},
		{Kind: KindTTFB, At: now},
		{Kind: KindDCL, At: now},
	}
	sorted := SortByOrder(events)
	if sorted[0].Kind != KindTTFB || sorted[len(sorted)-1].Kind != KindLoad {
		t.Fatalf("expected TTFB first and Load last, got %+v", sorted)
	}
}
