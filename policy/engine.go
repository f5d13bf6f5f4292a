// Package policy implements the PolicyEngine (C7): an ordered set of pure
// rules, each a function of (NetworkContext, SchedulerView), whose effects
// mutate a copy of SchedulerSettings each tick. Built-in policies are plain
// Go; operators may additionally register expr-lang expressions that
// evaluate against the same two inputs and flip a fixed set of settings,
// compiled once at registration and run on every tick.
package policy

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/use-agent/pageengine/models"
)

// Effect mutates a SchedulerSettings copy in place. Effects must be
// idempotent: applying the same policy twice against the same inputs must
// not compound the result.
type Effect func(ctx models.NetworkContext, class models.NetworkClass, view models.SchedulerView, settings *models.SchedulerSettings)

// Policy is one registered rule: a priority and its effect.
type Policy struct {
	Name     string
	Priority int
	Effect   Effect
}

// Engine holds the registered policies, applied in descending priority
// order on every context tick.
type Engine struct {
	policies []Policy
	exprs    []exprPolicy
}

type exprPolicy struct {
	name     string
	priority int
	program  *vm.Program
	action   ExprAction
}

// ExprEnv is the evaluation environment exposed to user-supplied
// expressions: the same two read-only inputs every built-in policy sees.
type ExprEnv struct {
	Downlink float64
	RTTMs    float64
	Jitter   float64
	Loss     float64
	SaveData bool
	Battery  float64
	Charging bool
	Class    string

	QueuedCount         int
	InFlightCount       int
	CriticalOutstanding int
	PrefetchConcurrency int
	RemainingBudget     int64
}

// ExprAction is the fixed set of settings an expr-lang rule may flip when
// its expression evaluates true. Unlike built-in Effects, a user rule
// cannot run arbitrary Go; it can only set these knobs, which keeps
// idempotency and safety guaranteed by construction.
type ExprAction struct {
	DisablePrefetch    bool
	DisableSpeculative bool
	ForcePreconnectOnly bool
	SetConcurrency     *int
	SetHighOnly        *bool
}

// New creates an Engine preloaded with the five required built-in
// policies.
func New() *Engine {
	e := &Engine{}
	e.Register(Policy{Name: "CriticalResourcesFirst", Priority: 100, Effect: criticalResourcesFirst})
	e.Register(Policy{Name: "LimitPrefetchOnSlowNetworks", Priority: 90, Effect: limitPrefetchOnSlowNetworks})
	e.Register(Policy{Name: "ViewportBoost", Priority: 85, Effect: viewportBoost})
	e.Register(Policy{Name: "BatterySaving", Priority: 80, Effect: batterySaving})
	e.Register(Policy{Name: "SaveDataRespect", Priority: 75, Effect: saveDataRespect})
	return e
}

// Register adds a policy and re-sorts by descending priority.
func (e *Engine) Register(p Policy) {
	e.policies = append(e.policies, p)
	for i := len(e.policies) - 1; i > 0 && e.policies[i].Priority > e.policies[i-1].Priority; i-- {
		e.policies[i], e.policies[i-1] = e.policies[i-1], e.policies[i]
	}
}

// RegisterExpr compiles and registers a user-supplied expr-lang rule.
func (e *Engine) RegisterExpr(name string, priority int, expression string, action ExprAction) error {
	program, err := expr.Compile(expression, expr.Env(ExprEnv{}), expr.AsBool())
	if err != nil {
		return fmt.Errorf("policy %s: failed to compile expression: %w", name, err)
	}
	e.exprs = append(e.exprs, exprPolicy{name: name, priority: priority, program: program, action: action})
	for i := len(e.exprs) - 1; i > 0 && e.exprs[i].priority > e.exprs[i-1].priority; i-- {
		e.exprs[i], e.exprs[i-1] = e.exprs[i-1], e.exprs[i]
	}
	return nil
}

// Evaluate applies every registered policy, in descending priority order,
// against a fresh copy of base and returns the resulting settings. Built-in
// policies and expr-lang policies are merged by priority so a user rule can
// sit anywhere in the built-in ordering. class is the NetworkProfile's
// current committed classification.
func (e *Engine) Evaluate(ctx models.NetworkContext, class models.NetworkClass, view models.SchedulerView, base models.SchedulerSettings) models.SchedulerSettings {
	settings := base

	bi, ei := 0, 0
	for bi < len(e.policies) || ei < len(e.exprs) {
		if ei >= len(e.exprs) || (bi < len(e.policies) && e.policies[bi].Priority >= e.exprs[ei].priority) {
			e.policies[bi].Effect(ctx, class, view, &settings)
			bi++
			continue
		}
		applyExpr(e.exprs[ei], ctx, class, view, &settings)
		ei++
	}
	return settings
}

func applyExpr(ep exprPolicy, ctx models.NetworkContext, class models.NetworkClass, view models.SchedulerView, settings *models.SchedulerSettings) {
	env := ExprEnv{
		Downlink: ctx.DownlinkMbps,
		RTTMs:    ctx.RTTMs,
		Jitter:   ctx.JitterMs,
		Loss:     ctx.Loss,
		SaveData: ctx.SaveData,
		Battery:  ctx.BatteryLevel,
		Charging: ctx.Charging,
		Class:    string(class),

		QueuedCount:         view.QueuedCount,
		InFlightCount:       view.InFlightCount,
		CriticalOutstanding: view.CriticalOutstanding,
		PrefetchConcurrency: view.PrefetchConcurrency,
		RemainingBudget:     view.RemainingBudget,
	}
	out, err := expr.Run(ep.program, env)
	if err != nil {
		return
	}
	matched, ok := out.(bool)
	if !ok || !matched {
		return
	}
	a := ep.action
	if a.DisablePrefetch {
		settings.PrefetchEnabled = false
	}
	if a.DisableSpeculative {
		settings.SpeculativeEnabled = false
	}
	if a.ForcePreconnectOnly {
		settings.PreconnectOnly = true
	}
	if a.SetConcurrency != nil {
		settings.PrefetchConcurrency = *a.SetConcurrency
	}
	if a.SetHighOnly != nil {
		settings.HighOnly = *a.SetHighOnly
	}
}

func criticalResourcesFirst(_ models.NetworkContext, _ models.NetworkClass, view models.SchedulerView, settings *models.SchedulerSettings) {
	if view.CriticalOutstanding > 0 {
		settings.PrefetchEnabled = false
	}
}

func limitPrefetchOnSlowNetworks(ctx models.NetworkContext, class models.NetworkClass, _ models.SchedulerView, settings *models.SchedulerSettings) {
	slow := (class == models.ClassPoor || class == models.ClassModerate) && ctx.DownlinkMbps < 3
	if slow {
		settings.PrefetchConcurrency = 1
		settings.HighOnly = true
	}
}

func viewportBoost(_ models.NetworkContext, _ models.NetworkClass, _ models.SchedulerView, _ *models.SchedulerSettings) {
	// Always on: the viewport-boost effect lives in the Prioritizer's
	// score adjustment, not in scheduler settings. This policy exists as
	// a named, always-applied entry so the registration order and
	// priority table match the documented defaults exactly.
}

func batterySaving(ctx models.NetworkContext, _ models.NetworkClass, _ models.SchedulerView, settings *models.SchedulerSettings) {
	if !ctx.Charging && ctx.BatteryLevel < 0.2 {
		settings.PrefetchEnabled = false
		settings.SpeculativeEnabled = false
	}
}

func saveDataRespect(ctx models.NetworkContext, _ models.NetworkClass, _ models.SchedulerView, settings *models.SchedulerSettings) {
	if ctx.SaveData {
		settings.PrefetchEnabled = false
	}
}
