package policy

import (
	"testing"

	"github.com/use-agent/pageengine/models"
)

func TestEvaluate_CriticalOutstandingDisablesPrefetch(t *testing.T) {
	e := New()
	settings := e.Evaluate(
		models.NetworkContext{DownlinkMbps: 20},
		models.ClassExcellent,
		models.SchedulerView{CriticalOutstanding: 1},
		models.SchedulerSettings{PrefetchEnabled: true, PrefetchConcurrency: 6},
	)
	if settings.PrefetchEnabled {
		t.Fatalf("expected prefetch disabled while a critical resource is outstanding")
	}
}

func TestEvaluate_S4_LimitPrefetchOnSlowNetworks(t *testing.T) {
	e := New()
	settings := e.Evaluate(
		models.NetworkContext{DownlinkMbps: 0.8, RTTMs: 600},
		models.ClassPoor,
		models.SchedulerView{},
		models.SchedulerSettings{PrefetchConcurrency: 6},
	)
	if settings.PrefetchConcurrency != 1 {
		t.Fatalf("expected concurrency clamped to 1, got %d", settings.PrefetchConcurrency)
	}
	if !settings.HighOnly {
		t.Fatalf("expected high-only mode enabled")
	}
}

func TestEvaluate_SaveDataDisablesPrefetch(t *testing.T) {
	e := New()
	settings := e.Evaluate(
		models.NetworkContext{DownlinkMbps: 20, SaveData: true},
		models.ClassExcellent,
		models.SchedulerView{},
		models.SchedulerSettings{PrefetchEnabled: true},
	)
	if settings.PrefetchEnabled {
		t.Fatalf("expected prefetch disabled when save_data is set")
	}
}

func TestEvaluate_IsIdempotent(t *testing.T) {
	e := New()
	ctx := models.NetworkContext{DownlinkMbps: 1, SaveData: true, BatteryLevel: 0.1}
	view := models.SchedulerView{CriticalOutstanding: 1}
	base := models.SchedulerSettings{PrefetchConcurrency: 6, PrefetchEnabled: true}

	once := e.Evaluate(ctx, models.ClassPoor, view, base)
	twice := e.Evaluate(ctx, models.ClassPoor, view, once)
	if once != twice {
		t.Fatalf("expected re-applying policies to be idempotent, got %+v then %+v", once, twice)
	}
}

func TestRegisterExpr_UserRuleFires(t *testing.T) {
	e := New()
	high := true
	if err := e.RegisterExpr("CustomThrottle", 95, "Loss > 0.1", ExprAction{SetHighOnly: &high}); err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	settings := e.Evaluate(
		models.NetworkContext{DownlinkMbps: 20, Loss: 0.2},
		models.ClassGood,
		models.SchedulerView{},
		models.SchedulerSettings{},
	)
	if !settings.HighOnly {
		t.Fatalf("expected user expr rule to set HighOnly")
	}
}
