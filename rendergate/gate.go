// Package rendergate implements the ProgressiveRenderGate (C11): decides
// when the scheduler should ask the Rasterizer for an intermediate paint
// while a page is still loading.
package rendergate

import (
	"sync"
	"time"
)

// DefaultMinInterval is the default cooldown between
// intermediate renders.
const DefaultMinInterval = 100 * time.Millisecond

// Gate tracks the inputs to the should_render_intermediate decision and the
// count of intermediate renders fired, for metrics.
type Gate struct {
	mu sync.Mutex

	enabled     bool
	minInterval time.Duration

	layoutComplete      bool
	criticalLoaded      bool
	renderingInProgress bool

	lastRender time.Time
	count      int
	firedFCP   bool
}

// New creates a Gate. enabled mirrors RenderGateConfig.Enabled;
// minInterval defaults to 100ms if zero.
func New(enabled bool, minInterval time.Duration) *Gate {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Gate{enabled: enabled, minInterval: minInterval}
}

// SetLayoutComplete updates the layout-complete input.
func (g *Gate) SetLayoutComplete(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.layoutComplete = v
}

// SetCriticalLoaded updates the critical-resources-loaded input.
func (g *Gate) SetCriticalLoaded(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.criticalLoaded = v
}

// SetRenderingInProgress marks whether a paint is currently underway;
// should_render_intermediate is false while true.
func (g *Gate) SetRenderingInProgress(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.renderingInProgress = v
}

// ShouldRenderIntermediate evaluates the progressive-render predicate at `now`.
func (g *Gate) ShouldRenderIntermediate(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled || !g.layoutComplete || !g.criticalLoaded || g.renderingInProgress {
		return false
	}
	if g.lastRender.IsZero() {
		return true
	}
	return now.Sub(g.lastRender) >= g.minInterval
}

// RecordRender records that an intermediate render was dispatched at now,
// incrementing the metrics counter. Returns true the first time this is
// called per epoch, signalling the caller that FCP should be triggered if
// not already recorded (the first intermediate render
// triggers FCP if not already recorded").
func (g *Gate) RecordRender(now time.Time) (triggersFCP bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastRender = now
	g.count++
	if !g.firedFCP {
		g.firedFCP = true
		return true
	}
	return false
}

// Count reports the number of intermediate renders dispatched so far.
func (g *Gate) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Reset clears per-epoch state (called on ResetEpoch). The enabled/
// minInterval configuration survives.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.layoutComplete = false
	g.criticalLoaded = false
	g.renderingInProgress = false
	g.lastRender = time.Time{}
	g.count = 0
	g.firedFCP = false
}
