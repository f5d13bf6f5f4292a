package priority

import (
	"testing"

	"github.com/use-agent/pageengine/models"
)

func TestAssign_HtmlAlwaysCritical(t *testing.T) {
	p := New()
	pr := p.Assign(models.KindHtml, ParentContext{}, Hints{})
	if pr.Level != models.PriorityCritical {
		t.Fatalf("expected Critical, got %s", pr.Level)
	}
	if !pr.RenderBlocking {
		t.Fatalf("expected html to be render-blocking")
	}
}

func TestAssign_ImageLazyOverridesViewport(t *testing.T) {
	p := New()
	pr := p.Assign(models.KindImage, ParentContext{}, Hints{InViewport: true, Lazy: true})
	if pr.Level != models.PriorityLazy {
		t.Fatalf("expected Lazy for loading=lazy image, got %s", pr.Level)
	}
}

func TestAssign_ViewportBoostAppliedToScore(t *testing.T) {
	p := New()
	boosted := p.Assign(models.KindImage, ParentContext{}, Hints{InViewport: true})
	unboosted := p.Assign(models.KindImage, ParentContext{}, Hints{InViewport: false})
	if boosted.Score <= unboosted.Score {
		t.Fatalf("expected in-viewport score %f to exceed out-of-viewport score %f", boosted.Score, unboosted.Score)
	}
}

func TestStrictMode_SuppressesLowPriority(t *testing.T) {
	p := New()
	p.SetStrictMode(true)
	pr := p.Assign(models.KindImage, ParentContext{}, Hints{})
	if pr.Level != models.PriorityLazy {
		t.Fatalf("expected Low downgraded to Lazy in strict mode, got %s", pr.Level)
	}
	if p.AdmissionAllowed(models.PriorityLazy) {
		t.Fatalf("expected Lazy admission to be suppressed in strict mode")
	}
	if !p.AdmissionAllowed(models.PriorityCritical) {
		t.Fatalf("expected Critical admission to remain allowed in strict mode")
	}
}
