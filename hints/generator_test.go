package hints

import (
	"testing"

	"github.com/use-agent/pageengine/models"
)

func TestGenerate_PreloadOnlyHighAndCriticalAllowedKinds(t *testing.T) {
	g := New(0.6)
	candidates := []PreloadCandidate{
		{URL: "https://example.com/font.woff2", Kind: models.KindFont, As: "font", SameOrigin: true, Priority: models.Priority{Level: models.PriorityHigh}},
		{URL: "https://example.com/lazy.png", Kind: models.KindImage, As: "image", SameOrigin: true, Priority: models.Priority{Level: models.PriorityCritical}},
		{URL: "https://example.com/low.js", Kind: models.KindScript, As: "script", SameOrigin: true, Priority: models.Priority{Level: models.PriorityLow}},
	}
	out := g.Generate(candidates, nil, nil, "https://example.com")

	if len(out) != 1 {
		t.Fatalf("expected exactly 1 preload hint (font), got %d: %+v", len(out), out)
	}
	if out[0].URL != "https://example.com/font.woff2" {
		t.Fatalf("expected font preload, got %s", out[0].URL)
	}
}

func TestGenerate_PreloadCapEnforced(t *testing.T) {
	g := New(0.6)
	var candidates []PreloadCandidate
	for i := 0; i < 15; i++ {
		candidates = append(candidates, PreloadCandidate{
			URL: "https://example.com/s.js", Kind: models.KindScript, As: "script",
			SameOrigin: true, Priority: models.Priority{Level: models.PriorityCritical},
		})
	}
	out := g.Generate(candidates, nil, nil, "https://example.com")
	if len(out) != CapPreload {
		t.Fatalf("expected preload cap of %d, got %d", CapPreload, len(out))
	}
}

func TestGenerate_PreconnectVsDNSPrefetchThresholds(t *testing.T) {
	g := New(0.6)
	hosts := []HostPrediction{
		{Origin: "https://cdn.example.com", Confidence: 0.8},
		{Origin: "https://analytics.example.com", Confidence: 0.55},
		{Origin: "https://unlikely.example.com", Confidence: 0.2},
	}
	out := g.Generate(nil, hosts, nil, "https://example.com")

	var preconnects, dnsPrefetches int
	for _, h := range out {
		switch h.Kind {
		case KindPreconnect:
			preconnects++
		case KindDNSPrefetch:
			dnsPrefetches++
		}
	}
	if preconnects != 1 {
		t.Fatalf("expected 1 preconnect hint, got %d", preconnects)
	}
	if dnsPrefetches != 1 {
		t.Fatalf("expected 1 dns-prefetch hint, got %d", dnsPrefetches)
	}
}

func TestGenerate_PrefetchRequiresThreshold(t *testing.T) {
	g := New(0.75)
	navs := []NavigationPrediction{
		{URL: "https://example.com/next", Confidence: 0.8},
		{URL: "https://example.com/unlikely", Confidence: 0.3},
	}
	out := g.Generate(nil, nil, navs, "https://example.com")
	if len(out) != 1 {
		t.Fatalf("expected exactly 1 prefetch hint, got %d", len(out))
	}
	if out[0].URL != "https://example.com/next" {
		t.Fatalf("expected the high-confidence nav, got %s", out[0].URL)
	}
}
