package models

import "time"

// ResourceKind classifies the kind of resource a ResourceRecord tracks.
type ResourceKind string

const (
	KindHtml   ResourceKind = "html"
	KindCss    ResourceKind = "css"
	KindScript ResourceKind = "script"
	KindFont   ResourceKind = "font"
	KindImage  ResourceKind = "image"
	KindMedia  ResourceKind = "media"
	KindXhr    ResourceKind = "xhr"
	KindOther  ResourceKind = "other"
)

// ResourceState is the lifecycle state of a single resource within an epoch.
type ResourceState string

const (
	StateDiscovered  ResourceState = "discovered"
	StateQueued      ResourceState = "queued"
	StateConnecting  ResourceState = "connecting"
	StateTransferring ResourceState = "transferring"
	StateLoaded      ResourceState = "loaded"
	StateFailed      ResourceState = "failed"
	StateCanceled    ResourceState = "canceled"
)

// PriorityLevel is the coarse admission tier assigned by the Prioritizer.
type PriorityLevel int

const (
	PriorityLazy PriorityLevel = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p PriorityLevel) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "lazy"
	}
}

// Priority is the structured priority attached to every ResourceRecord.
type Priority struct {
	Level          PriorityLevel
	InViewport     bool
	RenderBlocking bool
	Score          float32
}

// Less implements the total priority order:
// (level desc, !in_viewport desc, !render_blocking desc, score desc, insertion_seq asc).
// Returns true if a must be admitted strictly before b.
func Less(a, b Priority, aSeq, bSeq uint64) bool {
	if a.Level != b.Level {
		return a.Level > b.Level
	}
	if a.InViewport != b.InViewport {
		return a.InViewport
	}
	if a.RenderBlocking != b.RenderBlocking {
		return a.RenderBlocking
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return aSeq < bSeq
}

// RecordId is a stable arena index into the Catalog's record slice.
type RecordId uint32

// ResourceRecord is one per distinct canonical URL in the current navigation
// epoch.
type ResourceRecord struct {
	Id     RecordId
	Epoch  uint64
	URL    string
	Origin string
	Kind   ResourceKind

	Priority Priority
	State    ResourceState

	RequestedAt *time.Time
	FirstByteAt *time.Time
	CompletedAt *time.Time

	BytesTransferred int64
	BytesTotal       *int64
	Mime             string

	Dependents map[string]struct{}

	AttemptCount int
	LastError    *EngineError

	InsertionSeq uint64
}

// HasOutstandingDependents reports whether any dependent is still
// Transferring, which forbids this record from being Queued again while
// RenderBlocking is true.
func (r *ResourceRecord) HasOutstandingDependents(lookup func(url string) ResourceState) bool {
	for dep := range r.Dependents {
		if lookup(dep) == StateTransferring {
			return true
		}
	}
	return false
}
