// Package webhook fans milestone events out to an external HTTP endpoint.
// Events are buffered per epoch and flushed as batches on an interval, so a
// page that records TTFB/FP/FCP/DCL within a few milliseconds costs the
// endpoint one request, not five. Batches are HMAC-SHA256 signed and
// delivery is retried with exponential backoff; a 4xx response is treated
// as a permanent rejection, a 5xx or transport error as retriable.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Event is one milestone occurrence inside a delivery batch.
type Event struct {
	Type string `json:"type"` // e.g. "milestone.ttfb", "milestone.load", "page.failed"
	At   int64  `json:"at_unix_ms"`
}

// Batch is the request body: every event buffered for one epoch since the
// previous flush, in occurrence order.
type Batch struct {
	Epoch  uint64  `json:"epoch"`
	SentAt string  `json:"sent_at"`
	Events []Event `json:"events"`
}

// Settings configures a Dispatcher; zero values fall back to the defaults.
type Settings struct {
	URL        string
	Secret     string
	FlushEvery time.Duration // default: 500ms
	MaxRetries uint64        // default: 3
	Timeout    time.Duration // per-attempt request timeout; default: 10s
}

// Dispatcher buffers events and flushes them to the configured endpoint.
// Safe for concurrent Enqueue; flushing and delivery happen off the
// caller's goroutine so the scheduler's synchronous milestone dispatch is
// never blocked on a slow endpoint.
type Dispatcher struct {
	url        string
	secret     string
	flushEvery time.Duration
	maxRetries uint64
	client     *http.Client

	mu      sync.Mutex
	pending map[uint64][]Event

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Dispatcher and starts its flush loop. Call Close on
// shutdown to deliver whatever is still buffered.
func New(s Settings) *Dispatcher {
	if s.FlushEvery <= 0 {
		s.FlushEvery = 500 * time.Millisecond
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 3
	}
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	d := &Dispatcher{
		url:        s.URL,
		secret:     s.Secret,
		flushEvery: s.FlushEvery,
		maxRetries: s.MaxRetries,
		client:     &http.Client{Timeout: s.Timeout},
		pending:    make(map[uint64][]Event),
		stop:       make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue buffers one event for the next flush.
func (d *Dispatcher) Enqueue(epoch uint64, eventType string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[epoch] = append(d.pending[epoch], Event{Type: eventType, At: at.UnixMilli()})
}

// Close stops the flush loop and synchronously delivers anything still
// buffered.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
	for _, b := range d.drain() {
		d.deliver(b)
	}
}

func (d *Dispatcher) run() {
	ticker := time.NewTicker(d.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			for _, b := range d.drain() {
				go d.deliver(b)
			}
		}
	}
}

// drain swaps out the pending buffer and shapes it into per-epoch batches.
func (d *Dispatcher) drain() []Batch {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[uint64][]Event)
	d.mu.Unlock()

	batches := make([]Batch, 0, len(pending))
	for epoch, events := range pending {
		sort.SliceStable(events, func(i, j int) bool { return events[i].At < events[j].At })
		batches = append(batches, Batch{
			Epoch:  epoch,
			SentAt: time.Now().UTC().Format(time.RFC3339),
			Events: events,
		})
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].Epoch < batches[j].Epoch })
	return batches
}

// deliver posts one batch, retrying transport errors and 5xx responses with
// exponential backoff up to maxRetries. A 4xx response means the endpoint
// understood us and said no; retrying an identical body would not change
// its mind.
func (d *Dispatcher) deliver(b Batch) {
	body, err := json.Marshal(b)
	if err != nil {
		slog.Error("webhook: marshal batch", "epoch", b.Epoch, "error", err)
		return
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.maxRetries)
	err = backoff.Retry(func() error { return d.post(body) }, bo)
	if err != nil {
		slog.Warn("webhook: batch delivery abandoned",
			"url", d.url, "epoch", b.Epoch, "events", len(b.Events), "error", err)
		return
	}
	slog.Debug("webhook: batch delivered", "url", d.url, "epoch", b.Epoch, "events", len(b.Events))
}

func (d *Dispatcher) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("webhook: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if d.secret != "" {
		mac := hmac.New(sha256.New, []byte(d.secret))
		mac.Write(body)
		req.Header.Set("X-PageEngine-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("webhook: endpoint rejected batch with %d", resp.StatusCode))
	}
	return nil
}
