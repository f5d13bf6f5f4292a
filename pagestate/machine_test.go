package pagestate

import (
	"testing"

	"github.com/use-agent/pageengine/models"
)

func TestStartNavigation_Navigate_AppendsHistory(t *testing.T) {
	m := New()
	if err := m.StartNavigation(1, "https://example.com/a", models.NavNavigate); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hist, cursor := m.History()
	if len(hist) != 1 || cursor != 0 {
		t.Fatalf("expected 1 history entry at cursor 0, got %d entries cursor %d", len(hist), cursor)
	}
}

func TestFullLifecycle_ReachesComplete(t *testing.T) {
	m := New()
	if err := m.StartNavigation(1, "https://example.com/a", models.NavNavigate); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.MarkInteractive(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.MarkComplete(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Current().State != models.LoadComplete {
		t.Fatalf("expected Complete, got %s", m.Current().State)
	}
}

func TestMarkComplete_RejectsFromLoading(t *testing.T) {
	m := New()
	m.StartNavigation(1, "https://example.com/a", models.NavNavigate)
	if err := m.MarkComplete(); err == nil {
		t.Fatalf("expected illegal transition error going Loading -> Complete directly")
	}
}

func TestRestoreState_RejectedBeforeInteractive(t *testing.T) {
	m := New()
	m.StartNavigation(1, "https://example.com/a", models.NavNavigate)
	if err := m.RestoreState(models.PageState{}); err == nil {
		t.Fatalf("expected restore_state to be rejected while Loading")
	}
}

func TestNavigate_TruncatesForwardHistoryOnNewNavigation(t *testing.T) {
	m := New()
	m.StartNavigation(1, "https://example.com/a", models.NavNavigate)
	m.MarkInteractive()
	m.MarkComplete()
	m.StartNavigation(2, "https://example.com/b", models.NavNavigate)
	m.MarkInteractive()
	m.MarkComplete()

	if _, ok := m.Back(); !ok {
		t.Fatalf("expected Back to succeed")
	}

	// A fresh Navigate from here must drop the forward entry for b.
	m.StartNavigation(3, "https://example.com/c", models.NavNavigate)
	hist, cursor := m.History()
	if len(hist) != 2 {
		t.Fatalf("expected forward entry truncated, got %d entries: %+v", len(hist), hist)
	}
	if hist[cursor].URL != "https://example.com/c" {
		t.Fatalf("expected cursor on new entry c, got %s", hist[cursor].URL)
	}
}

func TestStartNavigation_AllowedWhileLoading(t *testing.T) {
	m := New()
	m.StartNavigation(1, "https://example.com/a", models.NavNavigate)
	if err := m.StartNavigation(2, "https://example.com/b", models.NavNavigate); err != nil {
		t.Fatalf("navigation while Loading should succeed: %v", err)
	}
	if got := m.Current(); got.Epoch != 2 || got.URL != "https://example.com/b" {
		t.Fatalf("expected epoch 2 at b, got %+v", got)
	}
}

func TestBackForwardNavigation_RestoresUserState(t *testing.T) {
	m := New()
	m.StartNavigation(1, "https://example.com/a", models.NavNavigate)
	m.MarkInteractive()
	m.MarkComplete()
	m.SetUserState([2]float64{0, 120}, map[string]string{"q": "x"}, []string{"row-3"}, nil)

	// Navigating away snapshots a's state into its history entry.
	m.StartNavigation(2, "https://example.com/b", models.NavNavigate)
	m.MarkInteractive()
	m.MarkComplete()

	// go_back: state is restored once the new load reaches Interactive.
	m.StartNavigation(3, "https://example.com/a", models.NavBackForward)
	if got := m.Current(); got.Form != nil {
		t.Fatalf("restore must wait for Interactive, got form %v while Loading", got.Form)
	}
	m.MarkInteractive()

	got := m.Current()
	if got.URL != "https://example.com/a" || got.Epoch != 3 {
		t.Fatalf("expected epoch 3 back at a, got %+v", got)
	}
	if got.Form["q"] != "x" {
		t.Fatalf("expected form q=x restored, got %v", got.Form)
	}
	if got.Scroll != [2]float64{0, 120} {
		t.Fatalf("expected scroll restored, got %v", got.Scroll)
	}
	if len(got.Selected) != 1 || got.Selected[0] != "row-3" {
		t.Fatalf("expected selection restored, got %v", got.Selected)
	}
}

func TestBackForward_RestoresPriorEntry(t *testing.T) {
	m := New()
	m.StartNavigation(1, "https://example.com/a", models.NavNavigate)
	m.MarkInteractive()
	m.MarkComplete()
	m.StartNavigation(2, "https://example.com/b", models.NavNavigate)
	m.MarkInteractive()
	m.MarkComplete()

	entry, ok := m.Back()
	if !ok {
		t.Fatalf("expected Back to succeed")
	}
	if entry.URL != "https://example.com/a" {
		t.Fatalf("expected entry a, got %s", entry.URL)
	}

	fwd, ok := m.Forward()
	if !ok {
		t.Fatalf("expected Forward to succeed")
	}
	if fwd.URL != "https://example.com/b" {
		t.Fatalf("expected entry b, got %s", fwd.URL)
	}
}
