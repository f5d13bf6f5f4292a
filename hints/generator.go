// Package hints implements the HintGenerator (C8): turns the Prioritizer's
// and NetworkProfile's current read of the page into a capped batch of
// preload/preconnect/dns-prefetch/prefetch directives the Transport
// collaborator can act on.
package hints

import (
	"sort"

	"github.com/use-agent/pageengine/models"
	"github.com/use-agent/pageengine/simhash"
)

// Kind is the hint directive type.
type Kind string

const (
	KindPreload      Kind = "preload"
	KindPreconnect   Kind = "preconnect"
	KindDNSPrefetch  Kind = "dns-prefetch"
	KindPrefetch     Kind = "prefetch"
)

// Per-tick emission caps.
const (
	CapPreload     = 10
	CapPreconnect  = 8
	CapPrefetch    = 5
	CapDNSPrefetch = 10
)

// Preconnect/dns-prefetch confidence thresholds.
const (
	PreconnectConfidence  = 0.7
	DNSPrefetchConfidence = 0.5
)

// allowedPreloadKinds is the default set of resource kinds HintGenerator
// will emit <link rel=preload> hints for ("fonts, critical
// CSS, main-thread scripts").
var allowedPreloadKinds = map[models.ResourceKind]bool{
	models.KindFont:   true,
	models.KindCss:    true,
	models.KindScript: true,
}

// Hint is one emitted directive.
type Hint struct {
	Kind         Kind
	URL          string
	As           string // "font", "style", "script"; empty for non-preload kinds
	CrossOrigin  bool
	Origin       string // for Preconnect/DNSPrefetch
}

// HostPrediction is a candidate origin with the generator's confidence that
// the page will need a connection to it (derived by the scheduler from
// observed same-origin subresource patterns and speculative-navigation
// signals).
type HostPrediction struct {
	Origin     string
	Confidence float64
	SameOrigin bool
}

// NavigationPrediction is a candidate next-document URL with a confidence
// score. DocSimhash is the fingerprint of the current document's visible
// text, used to bias confidence toward documents that look structurally
// similar to ones the user has previously followed through from this page
// (a cheap proxy for "this is the kind of link this user clicks").
type NavigationPrediction struct {
	URL           string
	Confidence    float64
	DocSimhash    uint64
	PriorSimhash  uint64 // fingerprint of a previously-followed link's target, 0 if none
}

// PreloadCandidate is a resource eligible for a preload hint.
type PreloadCandidate struct {
	URL  string
	Kind models.ResourceKind
	As   string
	SameOrigin bool
	Priority models.Priority
}

// Generator emits capped hint batches. Stateless across ticks except for
// the caps, which reset every call.
type Generator struct {
	speculationThreshold float64
}

// New creates a Generator using threshold as the
// speculation_confidence_threshold for prefetch-worthy next-document
// predictions.
func New(speculationThreshold float64) *Generator {
	return &Generator{speculationThreshold: speculationThreshold}
}

// Generate produces one tick's capped hint batch from the current
// candidates. Preload candidates of Critical/High priority and an allowed
// kind come first (sorted by priority), then preconnect/dns-prefetch by
// confidence, then prefetch for next-document predictions whose confidence
// (optionally boosted by document-similarity) clears the threshold.
func (g *Generator) Generate(preloads []PreloadCandidate, hosts []HostPrediction, navs []NavigationPrediction, pageOrigin string) []Hint {
	var out []Hint

	out = append(out, g.generatePreloads(preloads, pageOrigin)...)
	out = append(out, g.generatePreconnects(hosts, pageOrigin)...)
	out = append(out, g.generateDNSPrefetches(hosts, pageOrigin)...)
	out = append(out, g.generatePrefetches(navs, pageOrigin)...)

	return out
}

func (g *Generator) generatePreloads(candidates []PreloadCandidate, pageOrigin string) []Hint {
	eligible := make([]PreloadCandidate, 0, len(candidates))
	for _, c := range candidates {
		if !allowedPreloadKinds[c.Kind] {
			continue
		}
		if c.Priority.Level != models.PriorityCritical && c.Priority.Level != models.PriorityHigh {
			continue
		}
		eligible = append(eligible, c)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return models.Less(eligible[i].Priority, eligible[j].Priority, uint64(i), uint64(j))
	})
	if len(eligible) > CapPreload {
		eligible = eligible[:CapPreload]
	}

	hints := make([]Hint, 0, len(eligible))
	for _, c := range eligible {
		hints = append(hints, Hint{
			Kind:        KindPreload,
			URL:         c.URL,
			As:          c.As,
			CrossOrigin: !c.SameOrigin,
		})
	}
	return hints
}

func (g *Generator) generatePreconnects(hosts []HostPrediction, pageOrigin string) []Hint {
	sorted := sortedByConfidenceDesc(hosts)
	var hints []Hint
	for _, h := range sorted {
		if h.Confidence < PreconnectConfidence {
			continue
		}
		if len(hints) >= CapPreconnect {
			break
		}
		hints = append(hints, Hint{
			Kind:        KindPreconnect,
			Origin:      h.Origin,
			CrossOrigin: h.Origin != pageOrigin,
		})
	}
	return hints
}

func (g *Generator) generateDNSPrefetches(hosts []HostPrediction, pageOrigin string) []Hint {
	sorted := sortedByConfidenceDesc(hosts)
	var hints []Hint
	for _, h := range sorted {
		if h.Confidence < DNSPrefetchConfidence || h.Confidence >= PreconnectConfidence {
			continue
		}
		if len(hints) >= CapDNSPrefetch {
			break
		}
		hints = append(hints, Hint{
			Kind:        KindDNSPrefetch,
			Origin:      h.Origin,
			CrossOrigin: h.Origin != pageOrigin,
		})
	}
	return hints
}

func (g *Generator) generatePrefetches(navs []NavigationPrediction, pageOrigin string) []Hint {
	type scored struct {
		nav       NavigationPrediction
		confidence float64
	}
	var candidates []scored
	for _, n := range navs {
		confidence := n.Confidence
		if n.PriorSimhash != 0 {
			confidence = boostBySimilarity(confidence, n.DocSimhash, n.PriorSimhash)
		}
		if confidence >= g.speculationThreshold {
			candidates = append(candidates, scored{nav: n, confidence: confidence})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].confidence > candidates[j].confidence
	})
	if len(candidates) > CapPrefetch {
		candidates = candidates[:CapPrefetch]
	}

	hints := make([]Hint, 0, len(candidates))
	for _, c := range candidates {
		hints = append(hints, Hint{Kind: KindPrefetch, URL: c.nav.URL})
	}
	return hints
}

// boostBySimilarity raises confidence toward 1.0 when the target document's
// structural fingerprint closely matches a previously-followed link's
// fingerprint; a close SimHash match (Hamming distance <= 6 of 64 bits)
// suggests the same template/listing page, which is the common case for a
// user following the "next" link in a paginated series.
func boostBySimilarity(confidence float64, a, b uint64) float64 {
	if simhash.Similar(a, b, 6) {
		boosted := confidence * 1.15
		if boosted > 1.0 {
			return 1.0
		}
		return boosted
	}
	return confidence
}

func sortedByConfidenceDesc(hosts []HostPrediction) []HostPrediction {
	out := make([]HostPrediction, len(hosts))
	copy(out, hosts)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}
