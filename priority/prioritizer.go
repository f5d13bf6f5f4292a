// Package priority implements the Prioritizer (C6): assigns the base
// PriorityLevel and adjusts the continuous Score for a discovered resource
// from its kind, document position, and render-blocking/viewport hints.
package priority

import "github.com/use-agent/pageengine/models"

// ViewportBoost is the default multiplier applied to in-viewport resources.
const ViewportBoost = 1.5

// ParentContext carries the hints a discovered resource's containing
// context provides, as surfaced by the DomBuilder/LayoutSolver
// collaborators.
type ParentContext struct {
	InHead           bool // CSS discovered inside <head>
	MainThreadBlocking bool // script without async/defer
	ParserInserted   bool // script inserted by the HTML parser, not injected later
	UsedBeforeFirstPaint bool // font referenced by a render-blocking rule
	PreloadAs        string // "as" attribute on a <link rel=preload>, if any
}

// Hints are the layout-derived signals the Prioritizer factors in.
type Hints struct {
	InViewport bool
	Lazy       bool // loading="lazy" or equivalent
}

// Prioritizer computes priority for newly discovered resources. It also
// tracks strict mode: while any Critical resource is outstanding, Low/Lazy
// admission is suppressed.
type Prioritizer struct {
	strictMode bool
}

// New creates a Prioritizer with strict mode off.
func New() *Prioritizer {
	return &Prioritizer{}
}

// SetStrictMode enables or disables critical-path-focus mode.
func (p *Prioritizer) SetStrictMode(on bool) {
	p.strictMode = on
}

// StrictMode reports the current strict-mode setting.
func (p *Prioritizer) StrictMode() bool {
	return p.strictMode
}

// Assign computes the Priority for a resource per the base-level
// table plus the viewport-boost and strict-mode adjustments.
func (p *Prioritizer) Assign(kind models.ResourceKind, ctx ParentContext, hints Hints) models.Priority {
	level := baseLevel(kind, ctx, hints)

	pr := models.Priority{
		Level:          level,
		InViewport:     hints.InViewport,
		RenderBlocking: isRenderBlocking(kind, ctx),
		Score:          1.0,
	}
	if hints.InViewport {
		pr.Score *= ViewportBoost
	}

	// Strict mode: while a Critical resource is outstanding, Low/Lazy
	// resources are suppressed from admission entirely by reporting them
	// as Lazy regardless of their computed base level, so the scheduler's
	// admission gate (which checks strict mode + level) holds them back.
	if p.strictMode && (level == models.PriorityLow || level == models.PriorityLazy) {
		pr.Level = models.PriorityLazy
	}

	return pr
}

// baseLevel implements the base-level table.
func baseLevel(kind models.ResourceKind, ctx ParentContext, hints Hints) models.PriorityLevel {
	switch kind {
	case models.KindHtml:
		return models.PriorityCritical
	case models.KindCss:
		if ctx.InHead {
			return models.PriorityCritical
		}
		return models.PriorityHigh
	case models.KindScript:
		if ctx.MainThreadBlocking {
			return models.PriorityCritical
		}
		if ctx.ParserInserted {
			return models.PriorityHigh
		}
		return models.PriorityMedium
	case models.KindFont:
		if ctx.UsedBeforeFirstPaint {
			return models.PriorityHigh
		}
		return models.PriorityMedium
	case models.KindImage:
		if hints.Lazy {
			return models.PriorityLazy
		}
		if hints.InViewport {
			return models.PriorityHigh
		}
		return models.PriorityLow
	case models.KindXhr:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// isRenderBlocking reports whether a resource of this kind, in this
// context, blocks first paint.
func isRenderBlocking(kind models.ResourceKind, ctx ParentContext) bool {
	switch kind {
	case models.KindHtml:
		return true
	case models.KindCss:
		return ctx.InHead
	case models.KindScript:
		return ctx.MainThreadBlocking
	default:
		return false
	}
}

// AdmissionAllowed reports whether a resource at this priority level may be
// admitted given the current strict-mode state. Used by the scheduler's
// admission gate alongside PolicyEngine effects.
func (p *Prioritizer) AdmissionAllowed(level models.PriorityLevel) bool {
	if !p.strictMode {
		return true
	}
	return level >= models.PriorityMedium
}
