package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// domainMemory remembers which engine last won the race for a given origin,
// so repeat navigations to the same site skip straight to the engine that
// worked instead of racing from scratch every time.
type domainMemory struct {
	store sync.Map // domain -> *domainEntry
	ttl   time.Duration
}

type domainEntry struct {
	engine    string
	expiresAt time.Time
}

func newDomainMemory(ttl time.Duration) *domainMemory {
	return &domainMemory{ttl: ttl}
}

func (dm *domainMemory) get(domain string) string {
	v, ok := dm.store.Load(domain)
	if !ok {
		return ""
	}
	e := v.(*domainEntry)
	if time.Now().After(e.expiresAt) {
		dm.store.Delete(domain)
		return ""
	}
	return e.engine
}

func (dm *domainMemory) set(domain, engine string) {
	dm.store.Store(domain, &domainEntry{engine: engine, expiresAt: time.Now().Add(dm.ttl)})
}

func (dm *domainMemory) delete(domain string) {
	dm.store.Delete(domain)
}

// raceResult is one contender's outcome in the staged-escalation race.
type raceResult struct {
	result *fetchResult
	engine string
	err    error
}

// dispatcher races the http engine and the rod engine with staged
// escalation: http starts immediately, rod starts after escalationDelay
// (giving the cheap path a head start) unless stealth/JS is already known
// to be required for the domain. First success wins and cancels the other.
type dispatcher struct {
	http             *httpEngine
	rod              *rodEngine
	escalationDelay  time.Duration
	memory           *domainMemory
}

func newDispatcher(http *httpEngine, rod *rodEngine, escalationDelay time.Duration, memTTL time.Duration) *dispatcher {
	return &dispatcher{
		http:            http,
		rod:             rod,
		escalationDelay: escalationDelay,
		memory:          newDomainMemory(memTTL),
	}
}

type dispatchCallbacks struct {
	onFirstByte func()
	onBytes     func(int64)
}

func (d *dispatcher) dispatch(ctx context.Context, targetURL string, headers map[string]string, cb dispatchCallbacks) (*fetchResult, error) {
	domain := hostOf(targetURL)

	if remembered := d.memory.get(domain); remembered != "" {
		result, err := d.runEngine(ctx, remembered, targetURL, headers, cb)
		if err == nil {
			return result, nil
		}
		slog.Info("transport: domain memory miss, running full race", "domain", domain, "engine", remembered, "error", err)
		d.memory.delete(domain)
	}

	return d.race(ctx, targetURL, headers, domain, cb)
}

func (d *dispatcher) runEngine(ctx context.Context, name, targetURL string, headers map[string]string, cb dispatchCallbacks) (*fetchResult, error) {
	switch name {
	case "http":
		return d.http.fetch(ctx, targetURL, headers, cb.onFirstByte, cb.onBytes)
	case "rod":
		return d.rod.fetch(ctx, targetURL, headers, false, cb.onFirstByte, cb.onBytes)
	default:
		return nil, fmt.Errorf("transport: unknown remembered engine %q", name)
	}
}

func (d *dispatcher) race(ctx context.Context, targetURL string, headers map[string]string, domain string, cb dispatchCallbacks) (*fetchResult, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult, 2)
	var wg sync.WaitGroup
	var once sync.Once // first-byte callback must fire exactly once across both contenders

	fireFirstByte := func() { once.Do(cb.onFirstByte) }

	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := d.http.fetch(raceCtx, targetURL, headers, fireFirstByte, cb.onBytes)
		results <- raceResult{result: res, engine: "http", err: err}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-raceCtx.Done():
			return
		case <-time.After(d.escalationDelay):
		}
		select {
		case <-raceCtx.Done():
			return
		default:
		}
		res, err := d.rod.fetch(raceCtx, targetURL, headers, false, fireFirstByte, cb.onBytes)
		results <- raceResult{result: res, engine: "rod", err: err}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr error
	for rr := range results {
		if rr.err != nil {
			lastErr = rr.err
			continue
		}
		cancel()
		d.memory.set(domain, rr.engine)
		return rr.result, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("transport: all engines failed for %s", targetURL)
	}
	return nil, lastErr
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}
