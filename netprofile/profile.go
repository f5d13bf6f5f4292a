// Package netprofile classifies the current NetworkContext into a coarse
// NetworkClass, debounced so that transient blips don't thrash the
// scheduler's policy decisions.
package netprofile

import (
	"sync"
	"time"

	"github.com/use-agent/pageengine/models"
)

// clamp restricts x to [0, 1].
func clamp(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// Score computes a weighted link-quality score in [0, 100].
func Score(ctx models.NetworkContext) float64 {
	downlinkTerm := 40 * clamp(ctx.DownlinkMbps/10)
	rttTerm := 30 * clamp(1-(ctx.RTTMs-10)/490)
	jitterTerm := 15 * clamp(1-ctx.JitterMs/100)
	lossTerm := 15 * clamp(1-10*ctx.Loss)
	return downlinkTerm + rttTerm + jitterTerm + lossTerm
}

// classify maps a raw score to a NetworkClass.
func classify(score float64) models.NetworkClass {
	switch {
	case score >= 85:
		return models.ClassExcellent
	case score >= 65:
		return models.ClassGood
	case score >= 40:
		return models.ClassModerate
	case score > 0:
		return models.ClassPoor
	default:
		return models.ClassOffline
	}
}

// minDebounceGap guards class transitions: two consecutive evaluations of
// the SAME new class, at least 10s apart, before the scheduler is told the
// class changed.
const minDebounceGap = 10 * time.Second

// Profile is the NetworkProfile (C3): current committed class plus the
// debounce state machine that guards transitions.
type Profile struct {
	mu sync.Mutex

	committed models.NetworkClass

	pendingClass models.NetworkClass
	pendingSince time.Time
	pendingSeen  int
}

// New creates a Profile with no committed class yet (Offline until the
// first evaluation commits one).
func New() *Profile {
	return &Profile{committed: models.ClassOffline}
}

// Evaluate scores ctx, applies the debounce rule, and returns the class the
// scheduler should currently act on (the last committed class, NOT
// necessarily this evaluation's raw class).
func (p *Profile) Evaluate(ctx models.NetworkContext, now time.Time) models.NetworkClass {
	raw := classify(Score(ctx))

	p.mu.Lock()
	defer p.mu.Unlock()

	if raw == p.committed {
		// Already settled on this class; clear any in-progress pending
		// transition to a third class.
		p.pendingClass = ""
		p.pendingSeen = 0
		return p.committed
	}

	if raw != p.pendingClass {
		// First sighting of a candidate transition.
		p.pendingClass = raw
		p.pendingSince = now
		p.pendingSeen = 1
		return p.committed
	}

	// Second (or later) consecutive sighting of the same candidate class.
	p.pendingSeen++
	if p.pendingSeen >= 2 && now.Sub(p.pendingSince) >= minDebounceGap {
		p.committed = raw
		p.pendingClass = ""
		p.pendingSeen = 0
	}
	return p.committed
}

// Committed returns the last committed class without evaluating new context.
func (p *Profile) Committed() models.NetworkClass {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.committed
}
