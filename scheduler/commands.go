package scheduler

import (
	"time"

	"github.com/use-agent/pageengine/hints"
	"github.com/use-agent/pageengine/milestone"
	"github.com/use-agent/pageengine/models"
	"github.com/use-agent/pageengine/priority"
)

// command is one message on the scheduler's command channel. Every command
// is applied synchronously by the single scheduler goroutine; apply must
// never block on I/O.
type command interface {
	apply(s *Scheduler)
}

// DiscoverHint carries the priority-relevant context a caller already knows
// about a discovered resource.
type DiscoverHint struct {
	Parent         priority.ParentContext
	Hints          priority.Hints
	EstimatedBytes int64
	Speculative    bool   // route through the PrefetchQueue instead of the main catalog
	ParentURL      string // document this resource was discovered inside, if any
}

type startNavigationCmd struct {
	url  string
	kind models.NavKind
	resp chan startNavigationResult
}

type startNavigationResult struct {
	epoch uint64
	err   error
}

func (c *startNavigationCmd) apply(s *Scheduler) {
	epoch := s.doStartNavigation(c.url, c.kind)
	s.afterCommand()
	c.resp <- startNavigationResult{epoch: epoch}
}

type stopCmd struct {
	resp chan bool
}

func (c *stopCmd) apply(s *Scheduler) {
	c.resp <- s.doStop()
}

type discoverCmd struct {
	url  string
	kind models.ResourceKind
	hint DiscoverHint
	resp chan error
}

func (c *discoverCmd) apply(s *Scheduler) {
	err := s.doDiscover(c.url, c.kind, c.hint)
	s.afterCommand()
	c.resp <- err
}

type recordByteCmd struct {
	epoch uint64
	id    models.RecordId
	n     int64
	at    time.Time
}

func (c *recordByteCmd) apply(s *Scheduler) {
	s.doRecordByte(c.epoch, c.id, c.n, c.at)
	s.afterCommand()
}

type completeFetchCmd struct {
	epoch     uint64
	id        models.RecordId
	totalBytes int64
	mime      string
	duration  time.Duration
}

func (c *completeFetchCmd) apply(s *Scheduler) {
	s.doCompleteFetch(c.epoch, c.id, c.totalBytes, c.mime, c.duration)
	s.afterCommand()
}

type failFetchCmd struct {
	epoch uint64
	id    models.RecordId
	err   *models.EngineError
}

func (c *failFetchCmd) apply(s *Scheduler) {
	s.doFailFetch(c.epoch, c.id, c.err)
	s.afterCommand()
}

// firstByteCmd marks the instant a dispatched fetch received its first
// response byte, distinct from recordByteCmd's running byte count.
type firstByteCmd struct {
	epoch uint64
	id    models.RecordId
	at    time.Time
}

func (c *firstByteCmd) apply(s *Scheduler) {
	s.doFirstByte(c.epoch, c.id, c.at)
}

// retryRecordCmd requeues a Failed record after its backoff delay elapses.
type retryRecordCmd struct {
	epoch uint64
	id    models.RecordId
}

func (c *retryRecordCmd) apply(s *Scheduler) {
	s.doRetryRecord(c.epoch, c.id)
	s.afterCommand()
}

// completeSpecCmd/failSpecCmd report the outcome of a speculative
// (PrefetchQueue-driven) fetch, which has no catalog record of its own.
type completeSpecCmd struct {
	epoch      uint64
	url        string
	totalBytes int64
}

func (c *completeSpecCmd) apply(s *Scheduler) {
	s.doCompleteSpec(c.epoch, c.url, c.totalBytes)
	s.afterCommand()
}

type failSpecCmd struct {
	epoch uint64
	url   string
}

func (c *failSpecCmd) apply(s *Scheduler) {
	s.doFailSpec(c.epoch, c.url)
	s.afterCommand()
}

// releaseSpecSlotCmd frees a PrefetchQueue bookkeeping slot for a
// PreconnectOnly item once its warm-up attempt finishes, successful or not.
type releaseSpecSlotCmd struct {
	url string
}

func (c *releaseSpecSlotCmd) apply(s *Scheduler) {
	s.prefetchQueue.Cancel(c.url)
}

type hoverCmd struct {
	url string
}

func (c *hoverCmd) apply(s *Scheduler) {
	s.doSpeculativeSignal(c.url, 0.6)
}

type clickCmd struct {
	url string
}

func (c *clickCmd) apply(s *Scheduler) {
	s.doSpeculativeSignal(c.url, 0.9)
}

type updateNetworkCmd struct {
	ctx models.NetworkContext
}

func (c *updateNetworkCmd) apply(s *Scheduler) {
	s.doUpdateNetwork(c.ctx)
	s.afterCommand()
}

type tickPoliciesCmd struct{}

func (c *tickPoliciesCmd) apply(s *Scheduler) {
	s.afterCommand()
}

type checkTTICmd struct {
	epoch    uint64
	deadline time.Time
}

func (c *checkTTICmd) apply(s *Scheduler) {
	s.doCheckTTI(c.epoch, c.deadline)
}

type subscribeCmd struct {
	cb   milestone.Callback
	resp chan struct{}
}

func (c *subscribeCmd) apply(s *Scheduler) {
	s.subs = append(s.subs, c.cb)
	s.milestones.Subscribe(c.cb)
	c.resp <- struct{}{}
}

type setUserStateCmd struct {
	scroll      [2]float64
	form        map[string]string
	selected    []string
	scriptState []byte
}

func (c *setUserStateCmd) apply(s *Scheduler) {
	s.pageMachine.SetUserState(c.scroll, c.form, c.selected, c.scriptState)
}

type snapshotCmd struct {
	resp chan models.PageState
}

func (c *snapshotCmd) apply(s *Scheduler) {
	c.resp <- s.pageMachine.Current()
}

type hintsCmd struct {
	resp chan []hints.Hint
}

func (c *hintsCmd) apply(s *Scheduler) {
	c.resp <- s.currentHints()
}
