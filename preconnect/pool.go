// Package preconnect implements the PreconnectPool (C4): per-origin
// connection warm-up tracking, gated by a circuit breaker so that an origin
// which keeps failing its TLS/TCP handshake stops being retried on every
// hint.
package preconnect

import (
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// State is an origin's current warm-up state.
type State string

const (
	StateCold    State = "cold"
	StateWarming State = "warming"
	StateWarm    State = "warm"
	StateFailed  State = "failed"
)

// DefaultExpiry is how long a warm connection is assumed to stay usable
// before it needs re-warming.
const DefaultExpiry = 45 * time.Second

// Dialer opens (and immediately may close) a connection to origin, used to
// warm TLS/TCP state. Supplied by the Transport collaborator.
type Dialer func(origin string) error

// entry is the bookkeeping kept for one origin.
type entry struct {
	state     State
	expiresAt time.Time
	retryAfter time.Time
	breaker   *gobreaker.CircuitBreaker[struct{}]
}

// Settings configures a Pool; zero values fall back to the defaults.
type Settings struct {
	MaxWarming         int
	Expiry             time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

// Pool is the PreconnectPool. Safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry

	cap            int
	expiry         time.Duration
	breakerMaxFail uint32
	breakerTimeout time.Duration
	dial           Dialer
}

// New creates a Pool capped at s.MaxWarming origins held warm at once,
// using dial to perform the actual warm-up connection.
func New(s Settings, dial Dialer) *Pool {
	if s.MaxWarming <= 0 {
		s.MaxWarming = 6
	}
	if s.Expiry <= 0 {
		s.Expiry = DefaultExpiry
	}
	if s.BreakerMaxFailures == 0 {
		s.BreakerMaxFailures = 3
	}
	if s.BreakerOpenTimeout <= 0 {
		s.BreakerOpenTimeout = 30 * time.Second
	}
	return &Pool{
		entries:        make(map[string]*entry),
		cap:            s.MaxWarming,
		expiry:         s.Expiry,
		breakerMaxFail: s.BreakerMaxFailures,
		breakerTimeout: s.BreakerOpenTimeout,
		dial:           dial,
	}
}

func normalizeOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", &url.Error{Op: "parse", URL: raw, Err: url.InvalidHostError("missing scheme or host")}
	}
	return u.Scheme + "://" + u.Host, nil
}

func (p *Pool) entryFor(origin string) *entry {
	e, ok := p.entries[origin]
	if !ok {
		e = &entry{state: StateCold}
		maxFail := p.breakerMaxFail
		e.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        origin,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     p.breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFail
			},
		})
		p.entries[origin] = e
	}
	return e
}

// Preconnect warms rawOrigin idempotently: a call against an already-Warm,
// unexpired origin is a no-op; a call against a Failed origin whose
// retry_after has not elapsed is also a no-op.
func (p *Pool) Preconnect(rawOrigin string) (State, error) {
	origin, err := normalizeOrigin(rawOrigin)
	if err != nil {
		return StateFailed, err
	}

	p.mu.Lock()
	e := p.entryFor(origin)
	now := time.Now()

	if e.state == StateWarming {
		// At most one in-flight warming per origin.
		p.mu.Unlock()
		return StateWarming, nil
	}
	if e.state == StateWarm && now.Before(e.expiresAt) {
		p.mu.Unlock()
		return StateWarm, nil
	}
	if e.state == StateFailed && now.Before(e.retryAfter) {
		p.mu.Unlock()
		return StateFailed, nil
	}
	if p.overCapacityLocked() {
		p.mu.Unlock()
		return e.state, nil
	}
	e.state = StateWarming
	breaker := e.breaker
	p.mu.Unlock()

	_, err = breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.dial(origin)
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		e.state = StateFailed
		e.retryAfter = time.Now().Add(backoffFor(breaker.Counts().ConsecutiveFailures))
		return StateFailed, err
	}
	e.state = StateWarm
	e.expiresAt = time.Now().Add(p.expiry)
	return StateWarm, nil
}

// overCapacityLocked reports whether the number of currently Warm/Warming
// origins is already at the pool cap. Must be called with mu held.
func (p *Pool) overCapacityLocked() bool {
	active := 0
	for _, e := range p.entries {
		if e.state == StateWarm || e.state == StateWarming {
			active++
		}
	}
	return active >= p.cap
}

// backoffFor returns an exponentially increasing retry-after delay, capped
// at 60s, keyed on the breaker's consecutive-failure count.
func backoffFor(consecutiveFailures uint32) time.Duration {
	d := time.Duration(1<<min(consecutiveFailures, 6)) * time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

// StateOf reports the current state of an origin without triggering a
// preconnect attempt.
func (p *Pool) StateOf(rawOrigin string) State {
	origin, err := normalizeOrigin(rawOrigin)
	if err != nil {
		return StateFailed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[origin]
	if !ok {
		return StateCold
	}
	if e.state == StateWarm && time.Now().After(e.expiresAt) {
		return StateCold
	}
	return e.state
}

// Reset drops all tracked origins (called on ResetEpoch; warm connections
// are a network-layer resource, not page-scoped, but epoch reset also
// clears hint-driven preconnects so stale epoch's choices don't linger).
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*entry)
}
