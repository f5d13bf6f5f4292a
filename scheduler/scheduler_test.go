package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/use-agent/pageengine/collab"
	"github.com/use-agent/pageengine/config"
	"github.com/use-agent/pageengine/hints"
	"github.com/use-agent/pageengine/milestone"
	"github.com/use-agent/pageengine/models"
	"github.com/use-agent/pageengine/priority"
)

// fakeStream is one open fetch the fake transport is holding.
type fakeStream struct {
	handle collab.StreamHandle
	url    string
	cb     collab.TransportCallbacks
}

// fakeTransport implements collab.Transport for tests. Streams hang until
// completed through their callbacks, unless completeNow matches the URL, in
// which case Open drives first-byte/bytes/complete synchronously.
type fakeTransport struct {
	mu          sync.Mutex
	handleSeq   uint64
	streams     map[collab.StreamHandle]*fakeStream
	opensByURL  map[string][]*fakeStream
	canceled    map[collab.StreamHandle]string
	preconnects []string

	completeNow   func(url string) bool
	failFirstOpen map[string]bool
	bodyBytes     int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		streams:       make(map[collab.StreamHandle]*fakeStream),
		opensByURL:    make(map[string][]*fakeStream),
		canceled:      make(map[collab.StreamHandle]string),
		failFirstOpen: make(map[string]bool),
		bodyBytes:     1500,
	}
}

func (f *fakeTransport) Open(_ context.Context, url string, _ collab.OpenOptions, cb collab.TransportCallbacks) (collab.StreamHandle, error) {
	f.mu.Lock()
	f.handleSeq++
	h := collab.StreamHandle(f.handleSeq)
	st := &fakeStream{handle: h, url: url, cb: cb}
	f.streams[h] = st
	f.opensByURL[url] = append(f.opensByURL[url], st)
	firstOpen := len(f.opensByURL[url]) == 1
	failFirst := f.failFirstOpen[url]
	complete := f.completeNow != nil && f.completeNow(url)
	body := f.bodyBytes
	f.mu.Unlock()

	if failFirst && firstOpen {
		cb.OnError(&collab.TransportError{Kind: "transient", Retriable: true, Err: errors.New("connection reset")})
		return h, nil
	}
	if complete {
		now := time.Now()
		cb.OnFirstByte(now)
		cb.OnBytes(body)
		cb.OnComplete(body, "text/html")
	}
	return h, nil
}

func (f *fakeTransport) Close(collab.StreamHandle) {}

func (f *fakeTransport) Cancel(h collab.StreamHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.streams[h]; ok {
		f.canceled[h] = st.url
	}
}

func (f *fakeTransport) Preconnect(_ context.Context, origin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preconnects = append(f.preconnects, origin)
	return nil
}

func (f *fakeTransport) openCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opensByURL[url])
}

func (f *fakeTransport) stream(url string, i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.opensByURL[url]) {
		return nil
	}
	return f.opensByURL[url][i]
}

func (f *fakeTransport) canceledURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.canceled))
	for _, url := range f.canceled {
		out = append(out, url)
	}
	return out
}

// eventLog is a thread-safe milestone collector.
type eventLog struct {
	mu     sync.Mutex
	events []milestone.Event
}

func (l *eventLog) record(ev milestone.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(epoch uint64, kind milestone.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Epoch == epoch && ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) at(epoch uint64, kind milestone.Kind) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Epoch == epoch && ev.Kind == kind {
			return ev.At, true
		}
	}
	return time.Time{}, false
}

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.Milestone.TTIQuietWindow = 15 * time.Millisecond
	cfg.Scheduler.RetryBaseDelay = 2 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestNavigation_SimplePageReachesCompleteWithMilestones(t *testing.T) {
	ft := newFakeTransport()
	ft.completeNow = func(string) bool { return true }
	log := &eventLog{}

	s := New(testConfig(), ft, nil)
	defer s.Stop()
	s.Subscribe(log.record)

	epoch, err := s.StartNavigation("http://ex/", models.NavNavigate)
	if err != nil {
		t.Fatalf("start navigation: %v", err)
	}

	waitFor(t, 2*time.Second, "page Complete", func() bool {
		s.TickPolicies()
		return s.Snapshot().State == models.LoadComplete
	})
	waitFor(t, 2*time.Second, "TTI recorded", func() bool {
		return log.count(epoch, milestone.KindTTI) == 1
	})

	for _, kind := range []milestone.Kind{
		milestone.KindTTFB, milestone.KindDCL, milestone.KindFP,
		milestone.KindFCP, milestone.KindLoad, milestone.KindTTI,
	} {
		if got := log.count(epoch, kind); got != 1 {
			t.Fatalf("expected %s dispatched exactly once, got %d", kind, got)
		}
	}

	fp, _ := log.at(epoch, milestone.KindFP)
	fcp, _ := log.at(epoch, milestone.KindFCP)
	if fcp.Before(fp) {
		t.Fatalf("FCP %v must not precede FP %v", fcp, fp)
	}
	dcl, _ := log.at(epoch, milestone.KindDCL)
	load, _ := log.at(epoch, milestone.KindLoad)
	if load.Before(dcl) {
		t.Fatalf("Load %v must not precede DCL %v", load, dcl)
	}
}

func TestCriticalArrival_CancelsLowestPriorityInFlight(t *testing.T) {
	const (
		root   = "http://ex/"
		img1   = "http://ex/one.png"
		img2   = "http://ex/two.png"
		script = "http://ex/app.js"
	)
	ft := newFakeTransport()
	ft.completeNow = func(url string) bool { return url == root }

	cfg := testConfig()
	cfg.Catalog.MaxConcurrentConnections = 2
	s := New(cfg, ft, nil)
	defer s.Stop()

	if _, err := s.StartNavigation(root, models.NavNavigate); err != nil {
		t.Fatalf("start navigation: %v", err)
	}

	for _, img := range []string{img1, img2} {
		if err := s.Discover(img, models.KindImage, DiscoverHint{}); err != nil {
			t.Fatalf("discover %s: %v", img, err)
		}
	}
	waitFor(t, time.Second, "both images in flight", func() bool {
		return ft.openCount(img1) == 1 && ft.openCount(img2) == 1
	})

	hint := DiscoverHint{Parent: priority.ParentContext{MainThreadBlocking: true}}
	if err := s.Discover(script, models.KindScript, hint); err != nil {
		t.Fatalf("discover script: %v", err)
	}

	waitFor(t, time.Second, "script admitted", func() bool {
		return ft.openCount(script) == 1
	})
	waitFor(t, time.Second, "one image canceled", func() bool {
		for _, url := range ft.canceledURLs() {
			if url == img1 || url == img2 {
				return true
			}
		}
		return false
	})
}

func TestEpochIsolation_LateCallbacksFromPriorEpochDropped(t *testing.T) {
	const (
		pageA = "http://a.example/"
		pageB = "http://b.example/"
	)
	ft := newFakeTransport()
	log := &eventLog{}

	s := New(testConfig(), ft, nil)
	defer s.Stop()
	s.Subscribe(log.record)

	epochA, err := s.StartNavigation(pageA, models.NavNavigate)
	if err != nil {
		t.Fatalf("start navigation A: %v", err)
	}
	waitFor(t, time.Second, "A's root fetch opened", func() bool {
		return ft.openCount(pageA) == 1
	})

	epochB, err := s.StartNavigation(pageB, models.NavNavigate)
	if err != nil {
		t.Fatalf("start navigation B: %v", err)
	}
	if epochB != epochA+1 {
		t.Fatalf("expected epoch bump %d -> %d, got %d", epochA, epochA+1, epochB)
	}

	stA := ft.stream(pageA, 0)
	waitFor(t, time.Second, "A's fetch canceled", func() bool {
		for _, url := range ft.canceledURLs() {
			if url == pageA {
				return true
			}
		}
		return false
	})

	// Late transport callbacks for the abandoned epoch must be dropped.
	stA.cb.OnComplete(1500, "text/html")
	s.TickPolicies()

	snap := s.Snapshot()
	if snap.URL != pageB || snap.State != models.LoadLoading {
		t.Fatalf("expected B still Loading, got %+v", snap)
	}
	if n := log.count(epochA, milestone.KindDCL); n != 0 {
		t.Fatalf("expected no DCL for abandoned epoch %d, got %d", epochA, n)
	}
	if n := log.count(epochA, milestone.KindLoad); n != 0 {
		t.Fatalf("expected no Load for abandoned epoch %d, got %d", epochA, n)
	}

	stB := ft.stream(pageB, 0)
	now := time.Now()
	stB.cb.OnFirstByte(now)
	stB.cb.OnBytes(1500)
	stB.cb.OnComplete(1500, "text/html")

	waitFor(t, 2*time.Second, "B Complete", func() bool {
		s.TickPolicies()
		return s.Snapshot().State == models.LoadComplete
	})
	if n := log.count(epochB, milestone.KindLoad); n != 1 {
		t.Fatalf("expected exactly one Load for epoch %d, got %d", epochB, n)
	}
}

func TestTransientFailure_RetriesWithBackoff(t *testing.T) {
	const root = "http://ex/"
	ft := newFakeTransport()
	ft.completeNow = func(string) bool { return true }
	ft.failFirstOpen[root] = true

	s := New(testConfig(), ft, nil)
	defer s.Stop()

	if _, err := s.StartNavigation(root, models.NavNavigate); err != nil {
		t.Fatalf("start navigation: %v", err)
	}

	waitFor(t, 2*time.Second, "page Complete after retry", func() bool {
		s.TickPolicies()
		return s.Snapshot().State == models.LoadComplete
	})
	if got := ft.openCount(root); got != 2 {
		t.Fatalf("expected 2 opens (initial + retry), got %d", got)
	}
}

func TestBackForward_RestoresUserState(t *testing.T) {
	const (
		pageA = "http://a.example/"
		pageB = "http://b.example/"
	)
	ft := newFakeTransport()
	ft.completeNow = func(string) bool { return true }

	s := New(testConfig(), ft, nil)
	defer s.Stop()

	if _, err := s.StartNavigation(pageA, models.NavNavigate); err != nil {
		t.Fatalf("start navigation A: %v", err)
	}
	waitFor(t, 2*time.Second, "A Complete", func() bool {
		s.TickPolicies()
		return s.Snapshot().State == models.LoadComplete
	})
	s.SetUserState([2]float64{0, 42}, map[string]string{"q": "x"}, nil, nil)

	if _, err := s.StartNavigation(pageB, models.NavNavigate); err != nil {
		t.Fatalf("start navigation B: %v", err)
	}
	waitFor(t, 2*time.Second, "B Complete", func() bool {
		s.TickPolicies()
		snap := s.Snapshot()
		return snap.URL == pageB && snap.State == models.LoadComplete
	})

	epoch, err := s.StartNavigation(pageA, models.NavBackForward)
	if err != nil {
		t.Fatalf("go back: %v", err)
	}
	waitFor(t, 2*time.Second, "back navigation Complete", func() bool {
		s.TickPolicies()
		snap := s.Snapshot()
		return snap.URL == pageA && snap.State == models.LoadComplete
	})

	snap := s.Snapshot()
	if snap.Epoch != epoch {
		t.Fatalf("expected epoch %d, got %d", epoch, snap.Epoch)
	}
	if snap.Form["q"] != "x" {
		t.Fatalf("expected form q=x restored, got %v", snap.Form)
	}
	if snap.Scroll != [2]float64{0, 42} {
		t.Fatalf("expected scroll restored, got %v", snap.Scroll)
	}
}

func TestStop_CancelsInFlightFetches(t *testing.T) {
	const root = "http://ex/"
	ft := newFakeTransport()

	s := New(testConfig(), ft, nil)

	if _, err := s.StartNavigation(root, models.NavNavigate); err != nil {
		t.Fatalf("start navigation: %v", err)
	}
	waitFor(t, time.Second, "root fetch opened", func() bool {
		return ft.openCount(root) == 1
	})

	if !s.Stop() {
		t.Fatalf("expected Stop to report true")
	}
	found := false
	for _, url := range ft.canceledURLs() {
		if url == root {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected in-flight root fetch canceled on Stop, canceled: %v", ft.canceledURLs())
	}
}

func TestHints_SpeculativeSignalsSurfaceAsHints(t *testing.T) {
	ft := newFakeTransport()
	ft.completeNow = func(string) bool { return true }

	s := New(testConfig(), ft, nil)
	defer s.Stop()

	if _, err := s.StartNavigation("http://ex/", models.NavNavigate); err != nil {
		t.Fatalf("start navigation: %v", err)
	}
	waitFor(t, 2*time.Second, "page Complete", func() bool {
		s.TickPolicies()
		return s.Snapshot().State == models.LoadComplete
	})

	// Hover lands in the dns-prefetch confidence band; click clears the
	// preconnect and speculation thresholds.
	s.OnHover("http://hovered.example/next")
	s.OnClick("http://clicked.example/checkout")

	var got []hints.Hint
	waitFor(t, time.Second, "hints emitted", func() bool {
		got = s.Hints()
		return len(got) > 0
	})

	var sawDNSPrefetch, sawPreconnect, sawPrefetch bool
	for _, h := range got {
		switch h.Kind {
		case hints.KindDNSPrefetch:
			if h.Origin == "http://hovered.example" {
				sawDNSPrefetch = true
			}
		case hints.KindPreconnect:
			if h.Origin == "http://clicked.example" {
				sawPreconnect = true
			}
		case hints.KindPrefetch:
			if h.URL == "http://clicked.example/checkout" {
				sawPrefetch = true
			}
		}
	}
	if !sawDNSPrefetch {
		t.Fatalf("expected dns-prefetch for hovered origin, hints: %+v", got)
	}
	if !sawPreconnect {
		t.Fatalf("expected preconnect for clicked origin, hints: %+v", got)
	}
	if !sawPrefetch {
		t.Fatalf("expected prefetch for clicked URL, hints: %+v", got)
	}
}
