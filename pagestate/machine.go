// Package pagestate implements the PageStateMachine (C9): the coarse
// page-load state transitions, the cursor-addressed navigation history, and
// state snapshot/restore.
package pagestate

import (
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/pageengine/models"
)

// maxHistory bounds the history list; oldest entries are dropped once the
// cursor-addressable window would otherwise grow unbounded across a very
// long browsing session.
const maxHistory = 50

// Machine owns the current PageState and the navigation history.
type Machine struct {
	current models.PageState

	history []models.HistoryEntry
	cursor  int // index into history of the current entry, -1 if empty

	// pendingRestore holds the snapshot a BackForward navigation should
	// reapply once the page reaches Interactive (restore_state is only
	// valid from Interactive on).
	pendingRestore *models.PageState
}

// New creates a Machine in LoadInitial with empty history.
func New() *Machine {
	return &Machine{
		current: models.PageState{State: models.LoadInitial},
		cursor:  -1,
	}
}

// Current returns the current page state.
func (m *Machine) Current() models.PageState {
	return m.current
}

// StartNavigation transitions Initial|Interactive|Complete|Failed → Loading
// for the given URL/NavKind/epoch, and manages the history list per
// Navigate appends (truncating any forward entries under the
// cursor), Reload leaves history untouched, BackForward repositions the
// cursor and restores the snapshot at that position.
func (m *Machine) StartNavigation(epoch uint64, url string, kind models.NavKind) error {
	// A navigation may interrupt a page that is still Loading; the epoch
	// bump isolates the abandoned load's state. Whatever user state the
	// outgoing page accumulated is captured into its history entry first.
	m.snapshotCurrentEntry()
	m.pendingRestore = nil

	switch kind {
	case models.NavNavigate:
		m.appendHistory(url)
	case models.NavReload:
		// History untouched.
	case models.NavBackForward:
		if entry, ok := m.seekTo(url); ok {
			snap := entry.Snapshot
			m.pendingRestore = &snap
		}
	}

	m.current = models.PageState{
		Epoch:   epoch,
		URL:     url,
		State:   models.LoadLoading,
		NavKind: kind,
	}
	return nil
}

// seekTo repositions the cursor onto the history entry for url, searching
// backward from the cursor first, then forward. Returns the entry found.
func (m *Machine) seekTo(url string) (models.HistoryEntry, bool) {
	for i := m.cursor - 1; i >= 0; i-- {
		if m.history[i].URL == url {
			m.cursor = i
			return m.history[i], true
		}
	}
	for i := m.cursor + 1; i < len(m.history); i++ {
		if m.history[i].URL == url {
			m.cursor = i
			return m.history[i], true
		}
	}
	return models.HistoryEntry{}, false
}

// appendHistory truncates any entries past the current cursor and appends a
// fresh entry for url: new entries truncate forward
// entries."
func (m *Machine) appendHistory(url string) {
	if m.cursor >= 0 {
		m.history = m.history[:m.cursor+1]
	}
	m.history = append(m.history, models.HistoryEntry{
		ID:        uuid.NewString(),
		URL:       url,
		Timestamp: time.Now(),
	})
	m.cursor = len(m.history) - 1
	if len(m.history) > maxHistory {
		drop := len(m.history) - maxHistory
		m.history = m.history[drop:]
		m.cursor -= drop
	}
}

// MarkInteractive transitions Loading → Interactive, fired by the
// scheduler on DomBuilder's dom_content_loaded signal.
func (m *Machine) MarkInteractive() error {
	if m.current.State != models.LoadLoading {
		return illegalTransition(m.current.State, models.LoadInteractive)
	}
	m.current.State = models.LoadInteractive
	if m.pendingRestore != nil {
		m.current.Scroll = m.pendingRestore.Scroll
		m.current.Form = m.pendingRestore.Form
		m.current.Selected = m.pendingRestore.Selected
		m.current.ScriptState = m.pendingRestore.ScriptState
		m.pendingRestore = nil
	}
	return nil
}

// SetUserState records the user-visible page state (scroll position, form
// field values, selection, serialized script state) onto the current
// PageState, so a later navigation-away snapshots it into history.
func (m *Machine) SetUserState(scroll [2]float64, form map[string]string, selected []string, scriptState []byte) {
	m.current.Scroll = scroll
	if form != nil {
		m.current.Form = form
	}
	if selected != nil {
		m.current.Selected = selected
	}
	if scriptState != nil {
		m.current.ScriptState = scriptState
	}
}

// MarkComplete transitions Interactive → Complete, fired once all critical
// resources are Loaded and the Load event has dispatched.
func (m *Machine) MarkComplete() error {
	if m.current.State != models.LoadInteractive {
		return illegalTransition(m.current.State, models.LoadComplete)
	}
	m.current.State = models.LoadComplete
	m.snapshotCurrentEntry()
	return nil
}

// MarkFailed transitions Loading or Interactive → Failed on a fatal
// NetworkError or unrecoverable ParseError, or an explicit
// navigation_stopped(reason).
func (m *Machine) MarkFailed() error {
	if m.current.State != models.LoadLoading && m.current.State != models.LoadInteractive {
		return illegalTransition(m.current.State, models.LoadFailed)
	}
	m.current.State = models.LoadFailed
	return nil
}

func illegalTransition(from, to models.LoadState) error {
	return models.NewEngineError(models.ErrCodeIllegalTransition,
		"illegal page-load transition from "+string(from)+" to "+string(to), nil)
}

// RestoreState restores snapshot onto the current PageState. Valid only in
// Interactive or later.
func (m *Machine) RestoreState(snapshot models.PageState) error {
	if m.current.State == models.LoadInitial || m.current.State == models.LoadLoading {
		return models.NewEngineError(models.ErrCodeIllegalTransition,
			"restore_state is only valid in Interactive or later", nil)
	}
	m.current = snapshot
	return nil
}

// snapshotCurrentEntry records the current PageState into the history entry
// at the cursor, so a later Back/Forward can restore it.
func (m *Machine) snapshotCurrentEntry() {
	if m.cursor < 0 || m.cursor >= len(m.history) {
		return
	}
	m.history[m.cursor].Snapshot = m.current
}

// Back repositions the cursor one entry earlier and returns the entry to
// restore, if any.
func (m *Machine) Back() (models.HistoryEntry, bool) {
	if m.cursor <= 0 {
		return models.HistoryEntry{}, false
	}
	m.cursor--
	return m.history[m.cursor], true
}

// Forward repositions the cursor one entry later and returns the entry to
// restore, if any.
func (m *Machine) Forward() (models.HistoryEntry, bool) {
	if m.cursor < 0 || m.cursor >= len(m.history)-1 {
		return models.HistoryEntry{}, false
	}
	m.cursor++
	return m.history[m.cursor], true
}

// History returns a copy of the current history list and cursor position.
func (m *Machine) History() ([]models.HistoryEntry, int) {
	out := make([]models.HistoryEntry, len(m.history))
	copy(out, m.history)
	return out, m.cursor
}
