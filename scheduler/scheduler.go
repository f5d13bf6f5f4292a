// Package scheduler implements the Scheduler (C12): the single-owner root
// that composes the catalog, bandwidth monitor, network profile, preconnect
// pool, prefetch queue, prioritizer, policy engine, hint generator, page
// state machine, milestone tracker and render gate behind one serialized
// command channel.
package scheduler

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/use-agent/pageengine/bandwidth"
	"github.com/use-agent/pageengine/catalog"
	"github.com/use-agent/pageengine/collab"
	"github.com/use-agent/pageengine/config"
	"github.com/use-agent/pageengine/hints"
	"github.com/use-agent/pageengine/milestone"
	"github.com/use-agent/pageengine/models"
	"github.com/use-agent/pageengine/netprofile"
	"github.com/use-agent/pageengine/pagestate"
	"github.com/use-agent/pageengine/policy"
	"github.com/use-agent/pageengine/preconnect"
	"github.com/use-agent/pageengine/prefetch"
	"github.com/use-agent/pageengine/priority"
	"github.com/use-agent/pageengine/rendergate"
)

// HostPolicy vets whether origin may be fetched at all (the CSP
// collaborator's verdict). A nil policy allows everything.
type HostPolicy func(origin string) bool

// inflight tracks one main-catalog fetch the scheduler has admitted.
type inflight struct {
	id       models.RecordId
	url      string
	startAt  time.Time
	cancel   context.CancelFunc
	handle   collab.StreamHandle
}

// Scheduler is the command-channel-driven page lifecycle core. Every field
// below is owned exclusively by the goroutine running loop(); nothing else
// may touch them directly.
type Scheduler struct {
	cfg       *config.Config
	transport collab.Transport
	hostAllowed HostPolicy
	log       *slog.Logger

	cmdCh chan command
	done  chan struct{}
	once  sync.Once

	catalog        *catalog.Catalog
	bw             *bandwidth.Monitor
	netProfile     *netprofile.Profile
	preconnectPool *preconnect.Pool
	prefetchQueue  *prefetch.Queue
	prioritizer    *priority.Prioritizer
	policyEngine   *policy.Engine
	hintGen        *hints.Generator
	pageMachine    *pagestate.Machine
	renderGate     *rendergate.Gate
	milestones     *milestone.Tracker

	epoch    uint64
	navStart time.Time
	pageOrigin string

	netCtx   models.NetworkContext
	netClass models.NetworkClass
	settings models.SchedulerSettings

	mainInFlight map[models.RecordId]*inflight
	specInFlight map[string]*inflight
	bwSeeded       bool
	layoutComplete bool
	domContentLoaded bool
	loadDispatched bool
	ttiChecked     bool

	navPredictions map[string]float64 // url -> confidence, decayed by hover/click signals
	subs           []milestone.Callback
}

// New creates a Scheduler wired to transport for network I/O and hostAllowed
// for CSP-style admission vetoes (nil allows everything), and starts its
// command-processing goroutine. Call Close to stop it.
func New(cfg *config.Config, transport collab.Transport, hostAllowed HostPolicy) *Scheduler {
	var prefetchHostPolicy prefetch.HostPolicy
	if hostAllowed != nil {
		prefetchHostPolicy = prefetch.HostPolicy(hostAllowed)
	}

	s := &Scheduler{
		cfg:         cfg,
		transport:   transport,
		hostAllowed: hostAllowed,
		log:         slog.Default(),

		cmdCh: make(chan command, cfg.Scheduler.CommandChannelCapacity),
		done:  make(chan struct{}),

		catalog:      catalog.New(),
		bw:           bandwidth.New(cfg.Bandwidth.SampleWindow, cfg.Bandwidth.SmoothingFactor, cfg.Bandwidth.AvailableDecay),
		netProfile:   netprofile.New(),
		prefetchQueue: prefetch.New(cfg.Prefetch.ByteBudget, cfg.Prefetch.Concurrency, prefetchHostPolicy),
		prioritizer:  priority.New(),
		policyEngine: policy.New(),
		hintGen:      hints.New(cfg.Hints.SpeculationConfidenceThreshold),
		pageMachine:  pagestate.New(),
		renderGate:   rendergate.New(cfg.RenderGate.Enabled, cfg.RenderGate.MinInterval),
		milestones:   milestone.New(0, time.Now()),

		mainInFlight:   make(map[models.RecordId]*inflight),
		specInFlight:   make(map[string]*inflight),
		navPredictions: make(map[string]float64),
	}
	s.settings = s.defaultSettings()

	for _, r := range cfg.Policy.ExprRules {
		if err := registerExprRule(s.policyEngine, r); err != nil {
			s.log.Warn("failed to register policy rule", "name", r.Name, "error", err)
		}
	}

	s.preconnectPool = preconnect.New(preconnect.Settings{
		MaxWarming:         cfg.Preconnect.MaxWarming,
		Expiry:             cfg.Preconnect.ExpiryDefault,
		BreakerMaxFailures: cfg.Preconnect.BreakerMaxFailures,
		BreakerOpenTimeout: cfg.Preconnect.BreakerOpenTimeout,
	}, func(origin string) error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Transport.PreconnectTimeout)
		defer cancel()
		return transport.Preconnect(ctx, origin)
	})

	go s.loop()
	return s
}

// registerExprRule compiles one config.ExprRule into a policy.ExprAction.
func registerExprRule(e *policy.Engine, r config.ExprRule) error {
	action := policy.ExprAction{}
	switch r.Effect {
	case "disable_prefetch":
		action.DisablePrefetch = true
	case "preconnect_only":
		action.ForcePreconnectOnly = true
	case "high_only":
		highOnly := true
		action.SetHighOnly = &highOnly
	default:
		if n, ok := parseConcurrencyEffect(r.Effect); ok {
			action.SetConcurrency = &n
		}
	}
	return e.RegisterExpr(r.Name, int(r.Priority), r.Expression, action)
}

func parseConcurrencyEffect(effect string) (int, bool) {
	const prefix = "concurrency:"
	if len(effect) <= len(prefix) || effect[:len(prefix)] != prefix {
		return 0, false
	}
	n := 0
	for _, c := range effect[len(prefix):] {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

func (s *Scheduler) loop() {
	for {
		select {
		case cmd := <-s.cmdCh:
			cmd.apply(s)
		case <-s.done:
			return
		}
	}
}

// send submits cmd on the command channel, applying the documented backpressure
// rule: once the channel is at least BackpressureThreshold full, callers
// yield before enqueueing so already-running transfers are not starved by a
// flood of discoveries. Returns false if the scheduler has been stopped, so
// callers waiting on a response channel don't block forever.
func (s *Scheduler) send(cmd command) bool {
	if float64(len(s.cmdCh))/float64(cap(s.cmdCh)) >= s.cfg.Scheduler.BackpressureThreshold {
		runtime.Gosched()
	}
	select {
	case s.cmdCh <- cmd:
		return true
	case <-s.done:
		return false
	}
}

// StartNavigation resets the catalog/prefetch/milestones for a new epoch and
// transitions the page to Loading.
func (s *Scheduler) StartNavigation(url string, kind models.NavKind) (uint64, error) {
	resp := make(chan startNavigationResult, 1)
	if !s.send(&startNavigationCmd{url: url, kind: kind, resp: resp}) {
		return 0, models.NewEngineError(models.ErrCodeIllegalTransition, "scheduler stopped", nil)
	}
	select {
	case r := <-resp:
		return r.epoch, r.err
	case <-s.done:
		return 0, models.NewEngineError(models.ErrCodeIllegalTransition, "scheduler stopped", nil)
	}
}

// Stop cancels all in-flight fetches of the current epoch and tears down the
// scheduler's background goroutine. Idempotent; later calls return false.
func (s *Scheduler) Stop() bool {
	resp := make(chan bool, 1)
	if !s.send(&stopCmd{resp: resp}) {
		return false
	}
	ok := false
	select {
	case ok = <-resp:
	case <-s.done:
	}
	s.once.Do(func() { close(s.done) })
	return ok
}

// Discover records a newly found resource reference and lets the scheduler
// admit it on the next tick.
func (s *Scheduler) Discover(url string, kind models.ResourceKind, hint DiscoverHint) error {
	resp := make(chan error, 1)
	if !s.send(&discoverCmd{url: url, kind: kind, hint: hint, resp: resp}) {
		return models.NewEngineError(models.ErrCodeIllegalTransition, "scheduler stopped", nil)
	}
	select {
	case err := <-resp:
		return err
	case <-s.done:
		return models.NewEngineError(models.ErrCodeIllegalTransition, "scheduler stopped", nil)
	}
}

// UpdateNetwork feeds a fresh NetworkContext reading into the scheduler.
func (s *Scheduler) UpdateNetwork(ctx models.NetworkContext) {
	s.send(&updateNetworkCmd{ctx: ctx})
}

// OnHover records a speculative-navigation signal for url at moderate
// confidence, feeding the HintGenerator's next-document prediction.
func (s *Scheduler) OnHover(url string) {
	s.send(&hoverCmd{url: url})
}

// OnClick records a speculative-navigation signal for url at high
// confidence.
func (s *Scheduler) OnClick(url string) {
	s.send(&clickCmd{url: url})
}

// TickPolicies forces a policy re-evaluation and admission pass without any
// other state change, matching the explicit command model.
func (s *Scheduler) TickPolicies() {
	s.send(&tickPoliciesCmd{})
}

// Subscribe registers cb to be invoked for every milestone event dispatched
// from now on, across epoch resets.
func (s *Scheduler) Subscribe(cb milestone.Callback) {
	resp := make(chan struct{}, 1)
	if !s.send(&subscribeCmd{cb: cb, resp: resp}) {
		return
	}
	select {
	case <-resp:
	case <-s.done:
	}
}

// SetUserState records the page's user-visible state (scroll, form fields,
// selection, script state) so the next navigation-away snapshots it into
// history and a later back/forward restore can reapply it.
func (s *Scheduler) SetUserState(scroll [2]float64, form map[string]string, selected []string, scriptState []byte) {
	s.send(&setUserStateCmd{scroll: scroll, form: form, selected: selected, scriptState: scriptState})
}

// Snapshot returns the current PageState (snapshot() →
// PageStateSnapshot).
func (s *Scheduler) Snapshot() models.PageState {
	resp := make(chan models.PageState, 1)
	if !s.send(&snapshotCmd{resp: resp}) {
		return models.PageState{}
	}
	select {
	case ps := <-resp:
		return ps
	case <-s.done:
		return models.PageState{}
	}
}

// Hints returns the current tick's capped hint batch (hints() →
// ResourceHint[]).
func (s *Scheduler) Hints() []hints.Hint {
	resp := make(chan []hints.Hint, 1)
	if !s.send(&hintsCmd{resp: resp}) {
		return nil
	}
	select {
	case h := <-resp:
		return h
	case <-s.done:
		return nil
	}
}
