package scheduler

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/use-agent/pageengine/catalog"
	"github.com/use-agent/pageengine/collab"
	"github.com/use-agent/pageengine/hints"
	"github.com/use-agent/pageengine/milestone"
	"github.com/use-agent/pageengine/models"
	"github.com/use-agent/pageengine/prefetch"
	"github.com/use-agent/pageengine/priority"
	"github.com/use-agent/pageengine/simhash"
)

// afterCommand is the admission tick run after every command that might
// have changed queue/network/catalog state: it re-evaluates policy, admits
// as many fetches as current concurrency/bandwidth/strict-mode allow, and
// checks whether any lifecycle milestone just became reachable.
func (s *Scheduler) afterCommand() {
	s.evaluatePolicy()
	s.admitFetches()
	s.checkRenderGate()
	s.checkLifecycleMilestones()
}

// doStartNavigation bumps the epoch, resets every epoch-scoped subsystem,
// and admits the root document fetch.
func (s *Scheduler) doStartNavigation(rawURL string, kind models.NavKind) uint64 {
	s.cancelAllInFlight()

	s.epoch++
	s.catalog.ResetEpoch(s.epoch)
	s.catalog.GC()
	s.bw.Reset()

	var hostPolicy prefetch.HostPolicy
	if s.hostAllowed != nil {
		hostPolicy = prefetch.HostPolicy(s.hostAllowed)
	}
	s.prefetchQueue = prefetch.New(s.cfg.Prefetch.ByteBudget, s.cfg.Prefetch.Concurrency, hostPolicy)

	s.navStart = time.Now()
	s.pageOrigin = originOf(rawURL)
	s.layoutComplete = false
	s.domContentLoaded = false
	s.loadDispatched = false
	s.ttiChecked = false
	s.navPredictions = make(map[string]float64)
	s.prioritizer.SetStrictMode(false)
	s.renderGate.Reset()
	s.preconnectPool.Reset()

	epoch := s.epoch
	s.milestones = milestone.New(epoch, s.navStart)
	for _, cb := range s.subs {
		s.milestones.Subscribe(cb)
	}

	if err := s.pageMachine.StartNavigation(epoch, rawURL, kind); err != nil {
		s.log.Warn("start navigation rejected by page state machine", "url", rawURL, "error", err)
		return epoch
	}

	pr := s.prioritizer.Assign(models.KindHtml, priority.ParentContext{}, priority.Hints{InViewport: true})
	id, err := s.catalog.Insert(rawURL, models.KindHtml, pr)
	if err != nil {
		s.log.Warn("root document insert failed", "url", rawURL, "error", err)
		return epoch
	}
	if err := s.catalog.Update(id, catalog.Mutation{State: models.StateQueued}); err != nil {
		s.log.Warn("root document queue transition failed", "url", rawURL, "error", err)
	}

	go func(origin string) { _, _ = s.preconnectPool.Preconnect(origin) }(s.pageOrigin)

	return epoch
}

// doStop cancels every in-flight fetch of the current epoch. Stopping a
// page that is still Loading is a navigation_stopped: the page fails.
func (s *Scheduler) doStop() bool {
	s.cancelAllInFlight()
	if s.pageMachine.Current().State == models.LoadLoading {
		s.milestones.Record(milestone.KindFailed, time.Now())
		if err := s.pageMachine.MarkFailed(); err != nil {
			s.log.Warn("page state mark-failed rejected on stop", "error", err)
		}
	}
	return true
}

func (s *Scheduler) cancelAllInFlight() {
	for id, inf := range s.mainInFlight {
		inf.cancel()
		s.transport.Cancel(inf.handle)
		delete(s.mainInFlight, id)
	}
	for url, inf := range s.specInFlight {
		inf.cancel()
		s.transport.Cancel(inf.handle)
		delete(s.specInFlight, url)
	}
}

// doDiscover records a newly-discovered resource reference, routing it
// through the main catalog or the speculative PrefetchQueue.
func (s *Scheduler) doDiscover(rawURL string, kind models.ResourceKind, hint DiscoverHint) error {
	pr := s.prioritizer.Assign(kind, hint.Parent, hint.Hints)

	if hint.Speculative {
		host := originOf(rawURL)
		if _, reject := s.prefetchQueue.Enqueue(rawURL, host, prefetch.KindFull, pr, hint.EstimatedBytes); reject != prefetch.RejectNone {
			return models.NewEngineError(models.ErrCodePolicyViolation, string(reject), nil)
		}
		return nil
	}

	id, err := s.catalog.Insert(rawURL, kind, pr)
	if err != nil {
		if already, ok := err.(*catalog.AlreadyPresentError); ok {
			if hint.ParentURL != "" {
				_ = s.catalog.Update(already.Id, catalog.Mutation{AddDependent: hint.ParentURL})
			}
			return nil
		}
		return err
	}

	if s.hostAllowed != nil && !s.hostAllowed(originOf(rawURL)) {
		return s.catalog.Update(id, catalog.Mutation{State: models.StateCanceled})
	}
	if err := s.catalog.Update(id, catalog.Mutation{State: models.StateQueued}); err != nil {
		return err
	}
	if hint.ParentURL != "" {
		return s.catalog.Update(id, catalog.Mutation{AddDependent: hint.ParentURL})
	}
	return nil
}

// doFirstByte marks the instant a dispatched fetch's first response byte
// arrived, and records TTFB the first time the root document does.
func (s *Scheduler) doFirstByte(epoch uint64, id models.RecordId, at time.Time) {
	if epoch != s.epoch {
		return
	}
	rec, ok := s.catalog.Get(id)
	if !ok {
		return
	}
	if err := s.catalog.Update(id, catalog.Mutation{FirstByte: true}); err != nil {
		s.log.Warn("first-byte update failed", "id", id, "error", err)
	}
	if rec.Kind == models.KindHtml {
		s.milestones.Record(milestone.KindTTFB, at)
	}
}

// doRecordByte accumulates a byte-count sample against a fetch already
// marked Connecting/Transferring.
func (s *Scheduler) doRecordByte(epoch uint64, id models.RecordId, n int64, at time.Time) {
	if epoch != s.epoch {
		return
	}
	rec, ok := s.catalog.Get(id)
	if !ok {
		return
	}
	newTotal := rec.BytesTransferred + n
	if err := s.catalog.Update(id, catalog.Mutation{State: models.StateTransferring, BytesTransferred: &newTotal}); err != nil {
		s.log.Warn("byte-count update failed", "id", id, "error", err)
	}
}

// doCompleteFetch transitions a fetch to Loaded, feeds the bandwidth
// monitor, and releases its in-flight slot.
func (s *Scheduler) doCompleteFetch(epoch uint64, id models.RecordId, totalBytes int64, mime string, duration time.Duration) {
	if epoch != s.epoch {
		return
	}
	rec, ok := s.catalog.Get(id)
	if !ok {
		return
	}
	if rec.State == models.StateConnecting {
		// Zero-byte responses complete without ever reporting a byte.
		if err := s.catalog.Update(id, catalog.Mutation{State: models.StateTransferring}); err != nil {
			s.log.Warn("complete-fetch transfer transition failed", "id", id, "error", err)
		}
	}
	if err := s.catalog.Update(id, catalog.Mutation{State: models.StateLoaded, BytesTransferred: &totalBytes, Mime: mime, Completed: true}); err != nil {
		s.log.Warn("complete-fetch update failed", "id", id, "error", err)
	}
	if inf, ok := s.mainInFlight[id]; ok {
		s.bw.RecordSample(totalBytes, duration)
		s.transport.Close(inf.handle)
		delete(s.mainInFlight, id)
	}
	if rec.Kind == models.KindHtml {
		s.layoutComplete = true
		s.renderGate.SetLayoutComplete(true)
	}
}

// doFailFetch marks a fetch Failed and, for retriable errors under the
// attempt cap, schedules a backoff-delayed requeue. A permanent failure of
// the root document fails the whole navigation.
func (s *Scheduler) doFailFetch(epoch uint64, id models.RecordId, engErr *models.EngineError) {
	if epoch != s.epoch {
		return
	}
	rec, ok := s.catalog.Get(id)
	if !ok {
		return
	}
	if inf, ok := s.mainInFlight[id]; ok {
		s.transport.Close(inf.handle)
		delete(s.mainInFlight, id)
	}
	if err := s.catalog.Update(id, catalog.Mutation{State: models.StateFailed, Err: engErr}); err != nil {
		s.log.Warn("fail-fetch update failed", "id", id, "error", err)
		return
	}

	updated, _ := s.catalog.Get(id)
	if engErr.Retriable() && updated.AttemptCount <= s.cfg.Scheduler.MaxRetries {
		delay := retryDelay(s.cfg.Scheduler.RetryBaseDelay, s.cfg.Scheduler.RetryJitter, updated.AttemptCount)
		capturedEpoch := epoch
		time.AfterFunc(delay, func() { s.send(&retryRecordCmd{epoch: capturedEpoch, id: id}) })
		return
	}

	if rec.Kind == models.KindHtml {
		s.milestones.Record(milestone.KindFailed, time.Now())
		if err := s.pageMachine.MarkFailed(); err != nil {
			s.log.Warn("page state mark-failed rejected", "error", err)
		}
		s.cancelAllInFlight()
	}
}

// doRetryRecord requeues a record that finished its backoff wait.
func (s *Scheduler) doRetryRecord(epoch uint64, id models.RecordId) {
	if epoch != s.epoch {
		return
	}
	if err := s.catalog.Update(id, catalog.Mutation{State: models.StateQueued}); err != nil {
		s.log.Warn("retry requeue failed", "id", id, "error", err)
	}
}

// doCompleteSpec/doFailSpec report the outcome of a speculative
// PrefetchQueue-driven fetch back to the queue's bookkeeping.
func (s *Scheduler) doCompleteSpec(epoch uint64, rawURL string, totalBytes int64) {
	if epoch != s.epoch {
		return
	}
	if inf, ok := s.specInFlight[rawURL]; ok {
		s.transport.Close(inf.handle)
		delete(s.specInFlight, rawURL)
	}
	s.prefetchQueue.CompleteFull(rawURL, totalBytes)
}

func (s *Scheduler) doFailSpec(epoch uint64, rawURL string) {
	if epoch != s.epoch {
		return
	}
	if inf, ok := s.specInFlight[rawURL]; ok {
		s.transport.Close(inf.handle)
		delete(s.specInFlight, rawURL)
	}
	s.prefetchQueue.Cancel(rawURL)
}

// doSpeculativeSignal records a hover/click prediction for use by
// currentHints' next-document forecasting.
func (s *Scheduler) doSpeculativeSignal(rawURL string, confidence float64) {
	s.navPredictions[rawURL] = confidence
}

// doUpdateNetwork feeds a fresh reading into the network profile and seeds
// the bandwidth monitor's available-bandwidth estimate once.
func (s *Scheduler) doUpdateNetwork(ctx models.NetworkContext) {
	s.netCtx = ctx
	s.netClass = s.netProfile.Evaluate(ctx, time.Now())
	if !s.bwSeeded {
		s.bw.SeedAvailable(ctx.DownlinkMbps)
		s.bwSeeded = true
	}
}

// doCheckTTI records Time-to-Interactive once the network has gone quiet
// for the configured window, rescheduling itself if it hasn't yet.
func (s *Scheduler) doCheckTTI(epoch uint64, deadline time.Time) {
	if epoch != s.epoch || s.ttiChecked {
		return
	}
	view := s.buildView()
	if view.InFlightCount <= s.cfg.Milestone.TTIMaxInFlight {
		s.ttiChecked = true
		s.milestones.Record(milestone.KindTTI, time.Now())
		return
	}
	time.AfterFunc(s.cfg.Milestone.TTIQuietWindow, func() { s.send(&checkTTICmd{epoch: epoch, deadline: time.Now()}) })
}

// currentHints assembles the candidate lists from live catalog/prediction
// state and delegates capping/thresholding to the HintGenerator.
func (s *Scheduler) currentHints() []hints.Hint {
	var preloads []hints.PreloadCandidate
	for _, st := range []models.ResourceState{models.StateDiscovered, models.StateQueued, models.StateConnecting} {
		for _, rec := range s.catalog.IterByState(st) {
			preloads = append(preloads, hints.PreloadCandidate{
				URL:        rec.URL,
				Kind:       rec.Kind,
				SameOrigin: rec.Origin == s.pageOrigin,
				Priority:   rec.Priority,
			})
		}
	}

	// Fingerprint each prediction against visited history: a predicted URL
	// structurally similar to a page the user already followed (the common
	// shape of a paginated "next" link) gets its confidence boosted by the
	// generator.
	history, _ := s.pageMachine.History()
	seenOrigin := make(map[string]bool)
	var hostPreds []hints.HostPrediction
	var navs []hints.NavigationPrediction
	for predURL, confidence := range s.navPredictions {
		predFP := simhash.Fingerprint(urlTokens(predURL))
		var priorFP uint64
		bestDist := 65
		for _, entry := range history {
			fp := simhash.Fingerprint(urlTokens(entry.URL))
			if d := simhash.Distance(predFP, fp); d < bestDist {
				bestDist = d
				priorFP = fp
			}
		}
		navs = append(navs, hints.NavigationPrediction{
			URL:          predURL,
			Confidence:   confidence,
			DocSimhash:   predFP,
			PriorSimhash: priorFP,
		})
		origin := originOf(predURL)
		if !seenOrigin[origin] {
			seenOrigin[origin] = true
			hostPreds = append(hostPreds, hints.HostPrediction{
				Origin:     origin,
				Confidence: confidence,
				SameOrigin: origin == s.pageOrigin,
			})
		}
	}

	return s.hintGen.Generate(preloads, hostPreds, navs, s.pageOrigin)
}

// defaultSettings is the pristine settings base every policy tick starts
// from. Deriving each tick from defaults rather than from the previous
// tick's output keeps the engine a pure function of (context, view): a
// policy that disabled prefetch while a critical resource was outstanding
// stops disabling it the moment the condition clears.
func (s *Scheduler) defaultSettings() models.SchedulerSettings {
	return models.SchedulerSettings{
		PrefetchConcurrency: s.cfg.Prefetch.Concurrency,
		PrefetchEnabled:     true,
		SpeculativeEnabled:  true,
	}
}

// evaluatePolicy re-derives SchedulerSettings from the current network
// class and view, then pushes the result down into the PrefetchQueue and
// Prioritizer's strict-mode flag.
func (s *Scheduler) evaluatePolicy() {
	view := s.buildView()
	s.settings = s.policyEngine.Evaluate(s.netCtx, s.netClass, view, s.defaultSettings())
	s.prioritizer.SetStrictMode(view.CriticalOutstanding > 0)
	s.prefetchQueue.ApplySettings(s.settings.PrefetchConcurrency, s.settings.HighOnly, s.cfg.Prefetch.DisableOnSaveData, s.netCtx.SaveData)
}

func (s *Scheduler) buildView() models.SchedulerView {
	critical := 0
	for _, st := range []models.ResourceState{models.StateQueued, models.StateConnecting, models.StateTransferring} {
		for _, rec := range s.catalog.IterByState(st) {
			if rec.Priority.Level == models.PriorityCritical {
				critical++
			}
		}
	}
	return models.SchedulerView{
		QueuedCount:         len(s.catalog.IterByState(models.StateQueued)),
		InFlightCount:       len(s.mainInFlight) + len(s.specInFlight),
		CriticalOutstanding: critical,
		PrefetchConcurrency: s.settings.PrefetchConcurrency,
		RemainingBudget:     s.prefetchQueue.RemainingBudget(),
	}
}

// admitFetches is the admission gate: it dispatches main-catalog fetches in
// priority order up to the configured concurrency, then drains whatever the
// PrefetchQueue allows. Speculative admission pauses while observed
// utilization exceeds the throttle ratio; running transfers continue.
func (s *Scheduler) admitFetches() {
	maxConcurrent := s.cfg.Catalog.MaxConcurrentConnections
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	throttled := len(s.mainInFlight)+len(s.specInFlight) > 0 &&
		s.bw.Utilization() > s.cfg.Scheduler.BandwidthThrottleRatio

	for _, rec := range s.catalog.IterByPriority() {
		if len(s.mainInFlight) >= maxConcurrent {
			// A Critical arrival may evict the lowest-priority in-flight
			// fetch rather than wait behind it. A render-blocking resource
			// whose dependents are already Transferring gets the same
			// treatment: it must not sit Queued behind the resources that
			// depend on it.
			mustRun := rec.Priority.Level == models.PriorityCritical ||
				(rec.Priority.RenderBlocking && rec.HasOutstandingDependents(s.catalog.StateOf))
			if !mustRun || !s.cancelLowestPriority(rec.Priority) {
				break
			}
		}
		if !s.prioritizer.AdmissionAllowed(rec.Priority.Level) {
			continue
		}
		if s.hostAllowed != nil && !s.hostAllowed(rec.Origin) {
			_ = s.catalog.Update(rec.Id, catalog.Mutation{State: models.StateCanceled})
			continue
		}
		if s.settings.PreconnectOnly {
			go func(origin string) { _, _ = s.preconnectPool.Preconnect(origin) }(rec.Origin)
			continue
		}
		s.dispatchMain(rec)
	}

	if !s.settings.PrefetchEnabled || s.settings.PreconnectOnly || throttled {
		return
	}
	for {
		url, kind, ok := s.prefetchQueue.Dequeue()
		if !ok {
			break
		}
		s.dispatchSpeculative(url, kind)
	}
}

// cancelLowestPriority evicts the in-flight fetch with the lowest priority
// tuple (ties broken by most-recent start) to free a slot for incoming,
// provided the victim actually ranks below it. The canceled worker's
// partial bytes are dropped; late commands it posts are ignored because its
// record is already Canceled.
func (s *Scheduler) cancelLowestPriority(incoming models.Priority) bool {
	var victim *inflight
	var victimPr models.Priority
	for _, inf := range s.mainInFlight {
		rec, ok := s.catalog.Get(inf.id)
		if !ok {
			continue
		}
		if victim == nil ||
			models.Less(victimPr, rec.Priority, 0, 0) ||
			(victimPr == rec.Priority && inf.startAt.After(victim.startAt)) {
			victim = inf
			victimPr = rec.Priority
		}
	}
	if victim == nil || !models.Less(incoming, victimPr, 0, 0) {
		return false
	}

	victim.cancel()
	s.transport.Cancel(victim.handle)
	delete(s.mainInFlight, victim.id)
	if err := s.catalog.Update(victim.id, catalog.Mutation{State: models.StateCanceled}); err != nil {
		s.log.Warn("cancel transition failed", "url", victim.url, "error", err)
	}
	s.log.Debug("canceled lowest-priority fetch for critical arrival", "url", victim.url)
	return true
}

func (s *Scheduler) dispatchMain(rec models.ResourceRecord) {
	if err := s.catalog.Update(rec.Id, catalog.Mutation{State: models.StateConnecting}); err != nil {
		s.log.Warn("admission transition failed", "url", rec.URL, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	epoch, id, startAt := s.epoch, rec.Id, time.Now()

	cb := collab.TransportCallbacks{
		OnFirstByte: func(at time.Time) { s.send(&firstByteCmd{epoch: epoch, id: id, at: at}) },
		OnBytes:     func(n int64) { s.send(&recordByteCmd{epoch: epoch, id: id, n: n, at: time.Now()}) },
		OnComplete: func(totalBytes int64, mime string) {
			s.send(&completeFetchCmd{epoch: epoch, id: id, totalBytes: totalBytes, mime: mime, duration: time.Since(startAt)})
		},
		OnError: func(terr *collab.TransportError) {
			s.send(&failFetchCmd{epoch: epoch, id: id, err: translateTransportError(terr)})
		},
	}

	handle, err := s.transport.Open(ctx, rec.URL, collab.OpenOptions{
		Timeout:  s.cfg.Transport.RequestTimeout,
		Document: rec.Kind == models.KindHtml,
	}, cb)
	if err != nil {
		cancel()
		s.send(&failFetchCmd{epoch: epoch, id: id, err: models.NewEngineError(models.ErrCodeNetworkPermanent, "open failed", err)})
		return
	}
	s.mainInFlight[id] = &inflight{id: id, url: rec.URL, startAt: startAt, cancel: cancel, handle: handle}
}

// dispatchSpeculative starts a PrefetchQueue-driven fetch. PreconnectOnly
// items never touch the catalog or record byte progress; they just warm a
// connection and free their bookkeeping slot via Cancel, which (unlike for
// a failed Full fetch) is a normal non-error completion here since
// PreconnectOnly items were never charged against the byte budget.
func (s *Scheduler) dispatchSpeculative(rawURL string, kind prefetch.Kind) {
	if kind == prefetch.KindPreconnectOnly {
		origin := originOf(rawURL)
		go func() {
			_, _ = s.preconnectPool.Preconnect(origin)
			s.send(&releaseSpecSlotCmd{url: rawURL})
		}()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	epoch, startAt := s.epoch, time.Now()

	cb := collab.TransportCallbacks{
		OnFirstByte: func(time.Time) {},
		OnBytes:     func(int64) {},
		OnComplete: func(totalBytes int64, _ string) {
			s.send(&completeSpecCmd{epoch: epoch, url: rawURL, totalBytes: totalBytes})
		},
		OnError: func(*collab.TransportError) { s.send(&failSpecCmd{epoch: epoch, url: rawURL}) },
	}

	handle, err := s.transport.Open(ctx, rawURL, collab.OpenOptions{Timeout: s.cfg.Transport.RequestTimeout}, cb)
	if err != nil {
		cancel()
		s.prefetchQueue.Cancel(rawURL)
		return
	}
	s.specInFlight[rawURL] = &inflight{url: rawURL, startAt: startAt, cancel: cancel, handle: handle}
}

// checkRenderGate advances the ProgressiveRenderGate and, on a render that
// triggers first paint, records FP/FCP (recorded together: this engine has
// no separate paint-vs-contentful-paint signal of its own to distinguish
// them).
func (s *Scheduler) checkRenderGate() {
	if s.pageMachine.Current().State == models.LoadFailed {
		return
	}
	now := time.Now()
	if !s.renderGate.ShouldRenderIntermediate(now) {
		return
	}
	if s.renderGate.RecordRender(now) {
		s.milestones.Record(milestone.KindFP, now)
		s.milestones.Record(milestone.KindFCP, now)
	}
}

// checkLifecycleMilestones records DCL once no Critical resource remains
// outstanding, schedules the TTI quiet-window check, and records Load once
// the catalog has fully drained.
func (s *Scheduler) checkLifecycleMilestones() {
	// Lifecycle milestones only advance while a navigation is actually
	// underway; a tick before the first StartNavigation (or after a fatal
	// failure) must not record DCL/Load against an idle page.
	st := s.pageMachine.Current().State
	if st != models.LoadLoading && st != models.LoadInteractive {
		return
	}
	if !s.domContentLoaded {
		if s.buildView().CriticalOutstanding == 0 {
			s.domContentLoaded = true
			s.renderGate.SetCriticalLoaded(true)
			s.milestones.Record(milestone.KindDCL, time.Now())
			if err := s.pageMachine.MarkInteractive(); err != nil {
				s.log.Warn("page state mark-interactive rejected", "error", err)
			}
			epoch := s.epoch
			time.AfterFunc(s.cfg.Milestone.TTIQuietWindow, func() {
				s.send(&checkTTICmd{epoch: epoch, deadline: time.Now()})
			})
		}
		return
	}

	if s.loadDispatched {
		return
	}
	outstanding := len(s.catalog.IterByState(models.StateQueued)) +
		len(s.catalog.IterByState(models.StateConnecting)) +
		len(s.catalog.IterByState(models.StateTransferring))
	if outstanding == 0 && len(s.mainInFlight) == 0 {
		s.loadDispatched = true
		s.milestones.Record(milestone.KindLoad, time.Now())
		if err := s.pageMachine.MarkComplete(); err != nil {
			s.log.Warn("page state mark-complete rejected", "error", err)
		}
	}
}

// translateTransportError maps a collab.TransportError onto the engine's
// error taxonomy.
func translateTransportError(terr *collab.TransportError) *models.EngineError {
	code := models.ErrCodeNetworkPermanent
	if terr.Kind == "transient" {
		code = models.ErrCodeNetworkTransient
	}
	return models.NewEngineError(code, terr.Error(), terr.Err)
}

// retryDelay computes the backoff-delayed requeue interval for the given
// attempt count, using the configured base delay and jitter.
func retryDelay(base time.Duration, jitter float64, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = jitter
	b.Multiplier = 2
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = base
	}
	return d
}

// urlTokens flattens a URL into whitespace-separated alphanumeric tokens so
// it can be fingerprinted like any other text.
func urlTokens(raw string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return ' '
		}
	}, raw)
}

// originOf extracts the scheme://host origin from a URL string, falling
// back to the raw string if it doesn't parse.
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}
