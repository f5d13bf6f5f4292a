package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/use-agent/pageengine/models"
)

func TestRoundTrip_PreservesFields(t *testing.T) {
	ps := models.PageState{
		Epoch:       7,
		URL:         "https://example.com/a",
		State:       models.LoadComplete,
		NavKind:     "", // NavKind is not persisted; history owns it
		Scroll:      [2]float64{12.5, 900},
		Form:        map[string]string{"q": "hello"},
		Selected:    []string{"item-1", "item-2"},
		ScriptState: []byte{0x01, 0x02, 0x03},
	}

	data, err := Marshal(ps)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Epoch != ps.Epoch || got.URL != ps.URL || got.State != ps.State {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, ps)
	}
	if got.Scroll != ps.Scroll {
		t.Fatalf("scroll mismatch: %+v vs %+v", got.Scroll, ps.Scroll)
	}
	if got.Form["q"] != "hello" {
		t.Fatalf("form mismatch: %+v", got.Form)
	}
	if len(got.ScriptState) != 3 {
		t.Fatalf("script state mismatch: %v", got.ScriptState)
	}
}

func TestUnmarshal_RejectsUnknownVersion(t *testing.T) {
	raw := []byte(`{"v": 2, "epoch": 1, "url": "https://example.com"}`)
	_, err := Unmarshal(raw)
	if err == nil {
		t.Fatalf("expected IncompatibleSnapshotError for v=2")
	}
	if _, ok := err.(*IncompatibleSnapshotError); !ok {
		t.Fatalf("expected *IncompatibleSnapshotError, got %T", err)
	}
}

func TestMarshal_WritesCurrentVersion(t *testing.T) {
	data, err := Marshal(models.PageState{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if _, ok := m["v"]; !ok {
		t.Fatalf("expected 'v' field in wire format")
	}
}
