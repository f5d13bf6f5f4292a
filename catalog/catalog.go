// Package catalog implements the ResourceCatalog: the scheduler's
// arena-of-records mapping from URL to ResourceRecord, with O(1) lookup and
// priority-ordered iteration.
package catalog

import (
	"container/heap"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/use-agent/pageengine/models"
)

// Mutation is a typed transition applied to a single record via Update.
// Only the fields a given mutation cares about are read; zero values mean
// "leave unchanged" except where noted on the specific constructor.
type Mutation struct {
	State            models.ResourceState
	BytesTransferred *int64
	BytesTotal       *int64
	Mime             string
	FirstByte        bool
	Completed        bool
	Err              *models.EngineError
	AddDependent     string
}

// bucket resolves xxhash collisions: multiple canonical URLs may hash to the
// same 64-bit digest, so each bucket holds every record id that collided.
type bucket struct {
	ids []models.RecordId
}

// Catalog is the single-owner, non-shared arena of ResourceRecords for the
// current navigation epoch. It is NOT safe for unsynchronized concurrent
// mutation; the scheduler is its only writer; everything else reads a
// snapshot. The mutex exists only to let read-only views (iter_by_state,
// iter_by_priority) be taken safely from the scheduler's own goroutine
// between command processing, not to support concurrent writers.
type Catalog struct {
	mu sync.RWMutex

	epoch   uint64
	arena   []models.ResourceRecord
	index   map[uint64]*bucket
	urlToID map[string]models.RecordId // authoritative within an epoch; index above is the hash-bucket acceleration structure
	seq     uint64
}

// New creates an empty Catalog at epoch 0.
func New() *Catalog {
	return &Catalog{
		index:   make(map[uint64]*bucket),
		urlToID: make(map[string]models.RecordId),
	}
}

// AlreadyPresentError is returned (wrapped around the existing RecordId) by
// Insert when the URL is already tracked in the current epoch.
type AlreadyPresentError struct {
	Id models.RecordId
}

func (e *AlreadyPresentError) Error() string {
	return fmt.Sprintf("catalog: already present as record %d", e.Id)
}

// canonicalize normalizes a URL string so that equivalent URLs (differing
// only in fragment, or default-port notation) map to one record.
func canonicalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	return u.String()
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

// Insert adds url to the catalog, or returns the existing RecordId if it was
// already discovered this epoch (idempotent per epoch).
func (c *Catalog) Insert(rawURL string, kind models.ResourceKind, priorityHint models.Priority) (models.RecordId, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	canon := canonicalize(rawURL)
	if id, ok := c.urlToID[canon]; ok {
		return id, &AlreadyPresentError{Id: id}
	}

	id := models.RecordId(len(c.arena))
	c.seq++
	rec := models.ResourceRecord{
		Id:           id,
		Epoch:        c.epoch,
		URL:          canon,
		Origin:       originOf(canon),
		Kind:         kind,
		Priority:     priorityHint,
		State:        models.StateDiscovered,
		Dependents:   make(map[string]struct{}),
		InsertionSeq: c.seq,
	}
	c.arena = append(c.arena, rec)
	c.urlToID[canon] = id

	h := xxhash.Sum64String(canon)
	b, ok := c.index[h]
	if !ok {
		b = &bucket{}
		c.index[h] = b
	}
	b.ids = append(b.ids, id)

	return id, nil
}

// Lookup resolves a URL to its RecordId using the xxhash bucket index,
// verifying the canonical URL on every candidate to resolve collisions.
func (c *Catalog) Lookup(rawURL string) (models.RecordId, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupLocked(rawURL)
}

func (c *Catalog) lookupLocked(rawURL string) (models.RecordId, bool) {
	canon := canonicalize(rawURL)
	h := xxhash.Sum64String(canon)
	b, ok := c.index[h]
	if !ok {
		return 0, false
	}
	for _, id := range b.ids {
		if int(id) < len(c.arena) && c.arena[id].URL == canon && c.arena[id].Epoch == c.epoch {
			return id, true
		}
	}
	return 0, false
}

// IllegalTransitionError reports an attempted state change that violates the
// monotonic progression invariant.
type IllegalTransitionError struct {
	From, To models.ResourceState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("catalog: illegal transition %s -> %s", e.From, e.To)
}

// legalTransitions enumerates every allowed State -> State edge, including
// the two explicit exceptions to "monotonic except these":
// Queued->Canceled and Failed->Queued (retry).
var legalTransitions = map[models.ResourceState]map[models.ResourceState]bool{
	models.StateDiscovered: {
		models.StateQueued:   true,
		models.StateCanceled: true,
	},
	models.StateQueued: {
		models.StateConnecting: true,
		models.StateCanceled:   true,
		models.StateFailed:     true,
	},
	models.StateConnecting: {
		models.StateTransferring: true,
		models.StateFailed:       true,
		models.StateCanceled:     true,
	},
	models.StateTransferring: {
		models.StateLoaded:   true,
		models.StateFailed:   true,
		models.StateCanceled: true,
	},
	models.StateFailed: {
		models.StateQueued: true, // retry
	},
	models.StateLoaded:   {},
	models.StateCanceled: {},
}

// Update applies a typed mutation to the record, enforcing legal transitions
// and the bytes_transferred <= bytes_total invariant.
func (c *Catalog) Update(id models.RecordId, m Mutation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int(id) >= len(c.arena) {
		return fmt.Errorf("catalog: unknown record %d", id)
	}
	rec := &c.arena[id]
	if rec.Epoch != c.epoch {
		return nil // stale-epoch mutation: silently ignored
	}

	if m.State != "" && m.State != rec.State {
		allowed := legalTransitions[rec.State]
		if !allowed[m.State] {
			return &IllegalTransitionError{From: rec.State, To: m.State}
		}
		rec.State = m.State
	}

	if m.BytesTotal != nil {
		rec.BytesTotal = m.BytesTotal
	}
	if m.BytesTransferred != nil {
		if rec.BytesTotal != nil && *m.BytesTransferred > *rec.BytesTotal {
			return fmt.Errorf("catalog: bytes_transferred exceeds bytes_total for %s", rec.URL)
		}
		rec.BytesTransferred = *m.BytesTransferred
	}
	if m.Mime != "" {
		rec.Mime = m.Mime
	}
	if m.AddDependent != "" {
		rec.Dependents[m.AddDependent] = struct{}{}
	}
	if m.Err != nil {
		rec.LastError = m.Err
		rec.AttemptCount++
	}

	now := time.Now()
	if m.FirstByte && rec.FirstByteAt == nil {
		rec.FirstByteAt = &now
	}
	if rec.RequestedAt == nil && (rec.State == models.StateConnecting || rec.State == models.StateQueued) {
		rec.RequestedAt = &now
	}
	if m.Completed || rec.State == models.StateLoaded || rec.State == models.StateFailed {
		if rec.CompletedAt == nil && (rec.State == models.StateLoaded || rec.State == models.StateFailed) {
			rec.CompletedAt = &now
		}
	}

	return nil
}

// Get returns a copy of the record (never a pointer into the arena; callers
// outside the scheduler must not be able to mutate catalog state directly).
func (c *Catalog) Get(id models.RecordId) (models.ResourceRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if int(id) >= len(c.arena) || c.arena[id].Epoch != c.epoch {
		return models.ResourceRecord{}, false
	}
	return c.arena[id], true
}

// GetByURL resolves and returns a record by URL.
func (c *Catalog) GetByURL(rawURL string) (models.ResourceRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.lookupLocked(rawURL)
	if !ok {
		return models.ResourceRecord{}, false
	}
	return c.arena[id], true
}

// StateOf is a convenience lookup used by ResourceRecord.HasOutstandingDependents.
func (c *Catalog) StateOf(rawURL string) models.ResourceState {
	rec, ok := c.GetByURL(rawURL)
	if !ok {
		return ""
	}
	return rec.State
}

// IterByState returns copies of every current-epoch record in the given state.
func (c *Catalog) IterByState(state models.ResourceState) []models.ResourceRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.ResourceRecord
	for i := range c.arena {
		if c.arena[i].Epoch == c.epoch && c.arena[i].State == state {
			out = append(out, c.arena[i])
		}
	}
	return out
}

// IterByPriority returns every current-epoch Queued record in priority
// order (highest-priority first), using a pairing-style binary heap keyed
// on the priority tuple. O(n log n) amortized.
func (c *Catalog) IterByPriority() []models.ResourceRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h := &priorityHeap{}
	for i := range c.arena {
		if c.arena[i].Epoch == c.epoch && c.arena[i].State == models.StateQueued {
			heap.Push(h, c.arena[i])
		}
	}
	out := make([]models.ResourceRecord, 0, h.Len())
	for h.Len() > 0 {
		out = append(out, heap.Pop(h).(models.ResourceRecord))
	}
	return out
}

// ResetEpoch bumps the epoch, lazily abandoning records of the previous
// epoch (they remain in the arena until GC'd by NewEpochCatalog/GC, but are
// never again visible through any read path since every accessor checks
// rec.Epoch == c.epoch).
func (c *Catalog) ResetEpoch(newEpoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch = newEpoch
	c.urlToID = make(map[string]models.RecordId)
	c.index = make(map[uint64]*bucket)
	// arena entries from prior epochs are left in place (cheap append-only
	// growth); Get/IterByState/IterByPriority all gate on rec.Epoch.
}

// GC drops arena storage for records strictly older than the current epoch,
// compacting the slice. Call once all outstanding futures referencing old
// ids have been canceled/drained.
func (c *Catalog) GC() {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.arena[:0]
	remap := make(map[models.RecordId]models.RecordId, len(c.arena))
	for _, rec := range c.arena {
		if rec.Epoch == c.epoch {
			newID := models.RecordId(len(kept))
			remap[rec.Id] = newID
			rec.Id = newID
			kept = append(kept, rec)
		}
	}
	c.arena = kept
	// Rebuild the hash index against the compacted arena.
	c.index = make(map[uint64]*bucket)
	for i := range c.arena {
		h := xxhash.Sum64String(c.arena[i].URL)
		b, ok := c.index[h]
		if !ok {
			b = &bucket{}
			c.index[h] = b
		}
		b.ids = append(b.ids, c.arena[i].Id)
		c.urlToID[c.arena[i].URL] = c.arena[i].Id
	}
}

// Epoch returns the catalog's current epoch.
func (c *Catalog) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// Len returns the number of current-epoch records.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for i := range c.arena {
		if c.arena[i].Epoch == c.epoch {
			n++
		}
	}
	return n
}
