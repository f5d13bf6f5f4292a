// Package snapshot implements the versioned JSON codec for PageState
// persistence. Version 1 is the only format
// understood; anything else is rejected rather than guessed at.
package snapshot

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/use-agent/pageengine/models"
)

// CurrentVersion is the only snapshot format this codec writes or accepts.
const CurrentVersion = 1

// wire is the on-the-wire JSON shape.
type wire struct {
	Version int               `json:"v"`
	Epoch   uint64            `json:"epoch"`
	URL     string            `json:"url"`
	State   string            `json:"state"`
	Scroll  scrollWire        `json:"scroll"`
	Form    map[string]string `json:"form"`
	Selected []string         `json:"selected"`
	ScriptState string        `json:"script_state"`
	Timestamp string          `json:"timestamp"`
}

type scrollWire struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// IncompatibleSnapshotError is returned when the "v" field is missing or
// not CurrentVersion (IncompatibleSnapshot).
type IncompatibleSnapshotError struct {
	Got int
}

func (e *IncompatibleSnapshotError) Error() string {
	return "snapshot: incompatible version"
}

// Marshal serializes a PageState into the versioned wire format.
func Marshal(ps models.PageState) ([]byte, error) {
	w := wire{
		Version:     CurrentVersion,
		Epoch:       ps.Epoch,
		URL:         ps.URL,
		State:       string(ps.State),
		Scroll:      scrollWire{X: ps.Scroll[0], Y: ps.Scroll[1]},
		Form:        ps.Form,
		Selected:    ps.Selected,
		ScriptState: base64.StdEncoding.EncodeToString(ps.ScriptState),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	return json.Marshal(w)
}

// Unmarshal decodes data into a PageState, rejecting any version other than
// CurrentVersion with IncompatibleSnapshotError so the caller can decide to
// start fresh.
func Unmarshal(data []byte) (models.PageState, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return models.PageState{}, err
	}
	if w.Version != CurrentVersion {
		return models.PageState{}, &IncompatibleSnapshotError{Got: w.Version}
	}
	scriptState, err := base64.StdEncoding.DecodeString(w.ScriptState)
	if err != nil {
		return models.PageState{}, err
	}
	return models.PageState{
		Epoch:       w.Epoch,
		URL:         w.URL,
		State:       models.LoadState(w.State),
		Scroll:      [2]float64{w.Scroll.X, w.Scroll.Y},
		Form:        w.Form,
		Selected:    w.Selected,
		ScriptState: scriptState,
	}, nil
}
