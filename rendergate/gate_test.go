package rendergate

import (
	"testing"
	"time"
)

func TestShouldRenderIntermediate_RequiresAllConditions(t *testing.T) {
	g := New(true, 100*time.Millisecond)
	now := time.Now()
	if g.ShouldRenderIntermediate(now) {
		t.Fatalf("expected false before layout complete or critical loaded")
	}
	g.SetLayoutComplete(true)
	if g.ShouldRenderIntermediate(now) {
		t.Fatalf("expected false until critical resources loaded too")
	}
	g.SetCriticalLoaded(true)
	if !g.ShouldRenderIntermediate(now) {
		t.Fatalf("expected true once layout complete and critical loaded")
	}
}

func TestShouldRenderIntermediate_RespectsMinInterval(t *testing.T) {
	g := New(true, 100*time.Millisecond)
	g.SetLayoutComplete(true)
	g.SetCriticalLoaded(true)

	now := time.Now()
	g.RecordRender(now)
	if g.ShouldRenderIntermediate(now.Add(50 * time.Millisecond)) {
		t.Fatalf("expected render suppressed before min_interval elapses")
	}
	if !g.ShouldRenderIntermediate(now.Add(150 * time.Millisecond)) {
		t.Fatalf("expected render allowed once min_interval elapses")
	}
}

func TestShouldRenderIntermediate_SuppressedWhileRenderingInProgress(t *testing.T) {
	g := New(true, 100*time.Millisecond)
	g.SetLayoutComplete(true)
	g.SetCriticalLoaded(true)
	g.SetRenderingInProgress(true)
	if g.ShouldRenderIntermediate(time.Now()) {
		t.Fatalf("expected suppressed while a paint is in progress")
	}
}

func TestRecordRender_FirstCallTriggersFCP(t *testing.T) {
	g := New(true, 0)
	if triggers := g.RecordRender(time.Now()); !triggers {
		t.Fatalf("expected first intermediate render to trigger FCP")
	}
	if triggers := g.RecordRender(time.Now()); triggers {
		t.Fatalf("expected second intermediate render to not re-trigger FCP")
	}
	if g.Count() != 2 {
		t.Fatalf("expected render count 2, got %d", g.Count())
	}
}

func TestDisabledGate_NeverRenders(t *testing.T) {
	g := New(false, 0)
	g.SetLayoutComplete(true)
	g.SetCriticalLoaded(true)
	if g.ShouldRenderIntermediate(time.Now()) {
		t.Fatalf("expected disabled gate to never allow intermediate render")
	}
}
