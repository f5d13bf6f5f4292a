// Package transport is the concrete collab.Transport implementation: a
// uTLS-fingerprinted net/http engine for the cheap path and a pooled
// headless-Chrome (go-rod) engine for the path that needs real script
// execution, raced against each other per navigation via dispatcher.go.
//
// Everything here is a boundary the scheduler calls through the
// collab.Transport interface; it never reaches into rod's CDP session or
// uTLS's record layer directly.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/use-agent/pageengine/collab"
	"github.com/use-agent/pageengine/config"
)

// Transport implements collab.Transport.
type Transport struct {
	cfg config.TransportConfig
	http *httpEngine
	rod  *rodEngine
	disp *dispatcher

	mu      sync.Mutex
	streams map[collab.StreamHandle]*streamState
	nextID  atomic.Uint64
}

type streamState struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New launches the rod browser and builds the uTLS HTTP engine. Close must
// be called on shutdown to terminate the browser process.
func New(cfg config.TransportConfig) (*Transport, error) {
	httpEng := newHTTPEngine()
	rodEng, err := newRodEngine(cfg)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:     cfg,
		http:    httpEng,
		rod:     rodEng,
		streams: make(map[collab.StreamHandle]*streamState),
	}
	t.disp = newDispatcher(httpEng, rodEng, 250*time.Millisecond, 30*time.Minute)
	return t, nil
}

// Shutdown terminates the browser process. In-flight streams are not waited on.
func (t *Transport) Shutdown() {
	t.rod.close()
}

// Open starts a fetch for url, racing the http and rod engines, and returns
// immediately with a handle; cb fires asynchronously as the fetch progresses.
func (t *Transport) Open(ctx context.Context, url string, opts collab.OpenOptions, cb collab.TransportCallbacks) (collab.StreamHandle, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = t.cfg.RequestTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)

	handle := collab.StreamHandle(t.nextID.Add(1))
	state := &streamState{cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	t.streams[handle] = state
	t.mu.Unlock()

	go func() {
		defer close(state.done)
		defer cancel()

		firstByteOnce := sync.Once{}
		progress := dispatchCallbacks{
			onFirstByte: func() {
				firstByteOnce.Do(func() {
					if cb.OnFirstByte != nil {
						cb.OnFirstByte(time.Now())
					}
				})
			},
			onBytes: func(n int64) {
				if cb.OnBytes != nil {
					cb.OnBytes(n)
				}
			},
		}

		// Only document navigations race the rod engine; subresources
		// (images, CSS, scripts, fonts) never need script execution, so they
		// take the uTLS HTTP path directly and accept any content type.
		var (
			totalBytes int64
			mime       string
			err        error
		)
		if opts.Document {
			var res *fetchResult
			res, err = t.disp.dispatch(fetchCtx, url, opts.Headers, progress)
			if err == nil {
				totalBytes, mime = int64(len(res.html)), res.mime
			}
		} else {
			totalBytes, mime, err = t.http.fetchResource(fetchCtx, url, opts.Headers, progress.onFirstByte, progress.onBytes)
		}

		t.mu.Lock()
		_, stillOpen := t.streams[handle]
		t.mu.Unlock()
		if !stillOpen {
			return // Cancel() already ran; don't post late callbacks.
		}

		if err != nil {
			if cb.OnError != nil {
				cb.OnError(classifyError(err))
			}
			return
		}
		if cb.OnComplete != nil {
			cb.OnComplete(totalBytes, mime)
		}
	}()

	return handle, nil
}

// Close releases bookkeeping for a handle whose fetch has finished. It does
// not cancel an in-flight fetch; use Cancel for that.
func (t *Transport) Close(h collab.StreamHandle) {
	t.mu.Lock()
	delete(t.streams, h)
	t.mu.Unlock()
}

// Cancel stops an in-flight fetch cooperatively: the underlying context is
// canceled and the handle is removed so any late callback from the worker
// goroutine is dropped rather than delivered.
func (t *Transport) Cancel(h collab.StreamHandle) {
	t.mu.Lock()
	state, ok := t.streams[h]
	delete(t.streams, h)
	t.mu.Unlock()
	if ok {
		state.cancel()
	}
}

// Preconnect warms a connection to origin by issuing a cheap HEAD request
// through the http engine's own *http.Transport, so the resulting idle
// connection sits in its standard-library connection pool ready for the
// next real GET to the same origin.
func (t *Transport) Preconnect(ctx context.Context, origin string) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PreconnectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, origin, nil)
	if err != nil {
		return fmt.Errorf("transport: preconnect build request: %w", err)
	}
	resp, err := t.http.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: preconnect: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

func classifyError(err error) *collab.TransportError {
	// Timeouts and connection-refused/reset conditions are transient; 4xx
	// content-type/status rejections from the http engine (and rod
	// navigation failures that reach here) are treated as permanent since a
	// retry with the same inputs will fail identically.
	kind := "permanent"
	retriable := false
	if isTimeoutErr(err) {
		kind = "transient"
		retriable = true
	}
	return &collab.TransportError{Kind: kind, Retriable: retriable, Err: err}
}

func isTimeoutErr(err error) bool {
	type timeout interface{ Timeout() bool }
	if t, ok := err.(timeout); ok {
		return t.Timeout()
	}
	msg := err.Error()
	for _, sub := range []string{"deadline exceeded", "context canceled", "connection reset", "connection refused", "EOF"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
