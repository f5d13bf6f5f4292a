package transport

import (
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"

	"github.com/use-agent/pageengine/config"
)

// pageHandle wraps a pooled rod.Page with health-tracking metadata so the
// pool can retire a tab before it accumulates enough errors or age to start
// poisoning results, instead of recycling it forever.
type pageHandle struct {
	page     *rod.Page
	errScore float64
	useCount int
	created  time.Time
	mu       sync.Mutex
}

func (h *pageHandle) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useCount++
	h.errScore = math.Max(0, h.errScore-0.5)
}

func (h *pageHandle) recordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useCount++
	h.errScore += 1.0
}

func (h *pageHandle) shouldRetire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.errScore >= 3.0 {
		return true
	}
	if h.useCount >= 50 {
		return true
	}
	return time.Since(h.created) >= 50*time.Minute
}

// pagePool manages a set of rod.Page tabs with automatic scaling based on
// memory pressure and utilization, so a burst of navigations doesn't spawn
// an unbounded number of renderer processes.
type pagePool struct {
	cfg       config.AdaptivePoolConfig
	factory   func() (*rod.Page, error)
	destroyer func(*rod.Page)

	idle    chan *pageHandle
	mu      sync.Mutex
	all     map[*rod.Page]*pageHandle
	active  atomic.Int32
	stopped chan struct{}
}

func newPagePool(cfg config.AdaptivePoolConfig, factory func() (*rod.Page, error), destroyer func(*rod.Page)) (*pagePool, error) {
	if cfg.MinPages < 1 {
		cfg.MinPages = 1
	}
	if cfg.HardMax < cfg.MinPages {
		cfg.HardMax = cfg.MinPages
	}
	if cfg.MemThreshold <= 0 {
		cfg.MemThreshold = 0.9
	}
	if cfg.ScaleStep <= 0 {
		cfg.ScaleStep = 0.05
	}

	p := &pagePool{
		cfg:       cfg,
		factory:   factory,
		destroyer: destroyer,
		idle:      make(chan *pageHandle, cfg.HardMax),
		all:       make(map[*rod.Page]*pageHandle),
		stopped:   make(chan struct{}),
	}

	for i := 0; i < cfg.MinPages; i++ {
		p.mu.Lock()
		h, err := p.createLocked()
		p.mu.Unlock()
		if err != nil {
			slog.Warn("transport: pool: failed to pre-create page", "error", err)
			continue
		}
		p.idle <- h
	}

	go p.scalingLoop()
	return p, nil
}

func (p *pagePool) get() (*rod.Page, error) {
	select {
	case h := <-p.idle:
		p.active.Add(1)
		return h.page, nil
	default:
	}

	p.mu.Lock()
	if len(p.all) < p.cfg.HardMax {
		h, err := p.createLocked()
		p.mu.Unlock()
		if err == nil {
			p.active.Add(1)
			return h.page, nil
		}
	} else {
		p.mu.Unlock()
	}

	h := <-p.idle
	p.active.Add(1)
	return h.page, nil
}

func (p *pagePool) put(page *rod.Page, success bool) {
	p.active.Add(-1)

	p.mu.Lock()
	h, ok := p.all[page]
	p.mu.Unlock()
	if !ok {
		return
	}

	if success {
		h.recordSuccess()
	} else {
		h.recordFailure()
	}

	if h.shouldRetire() {
		slog.Debug("transport: pool: retiring page", "errScore", h.errScore, "useCount", h.useCount)
		p.destroy(h)

		p.mu.Lock()
		if len(p.all) < p.cfg.MinPages {
			if nh, err := p.createLocked(); err == nil {
				p.mu.Unlock()
				p.idle <- nh
				return
			}
		}
		p.mu.Unlock()
		return
	}

	p.idle <- h
}

func (p *pagePool) stop() {
	close(p.stopped)

drainLoop:
	for {
		select {
		case h := <-p.idle:
			p.destroy(h)
		default:
			break drainLoop
		}
	}

	p.mu.Lock()
	for _, h := range p.all {
		p.destroyer(h.page)
	}
	p.all = make(map[*rod.Page]*pageHandle)
	p.mu.Unlock()
}

// createLocked spawns a fresh page and registers it. Must be called with mu
// held.
func (p *pagePool) createLocked() (*pageHandle, error) {
	page, err := p.factory()
	if err != nil {
		return nil, err
	}
	h := &pageHandle{page: page, created: time.Now()}
	p.all[page] = h
	return h, nil
}

func (p *pagePool) destroy(h *pageHandle) {
	p.mu.Lock()
	delete(p.all, h.page)
	p.mu.Unlock()
	p.destroyer(h.page)
}

func (p *pagePool) scalingLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopped:
			return
		case <-ticker.C:
			p.scaleCheck()
		}
	}
}

func (p *pagePool) scaleCheck() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	var memPressure float64
	if m.HeapSys > 0 {
		memPressure = float64(m.HeapInuse) / float64(m.HeapSys)
	}

	p.mu.Lock()
	total := len(p.all)
	p.mu.Unlock()

	active := int(p.active.Load())
	var activeRate float64
	if total > 0 {
		activeRate = float64(active) / float64(total)
	}

	switch {
	case memPressure > p.cfg.MemThreshold:
		shrink := int(math.Ceil(float64(total) * p.cfg.ScaleStep))
		for i := 0; i < shrink; i++ {
			p.mu.Lock()
			if len(p.all) <= p.cfg.MinPages {
				p.mu.Unlock()
				break
			}
			p.mu.Unlock()
			select {
			case h := <-p.idle:
				p.destroy(h)
			default:
				return
			}
		}
	case activeRate > 0.8:
		grow := int(math.Ceil(float64(total) * p.cfg.ScaleStep))
		for i := 0; i < grow; i++ {
			p.mu.Lock()
			if len(p.all) >= p.cfg.HardMax {
				p.mu.Unlock()
				break
			}
			h, err := p.createLocked()
			p.mu.Unlock()
			if err != nil {
				slog.Warn("transport: pool: failed to grow", "error", err)
				break
			}
			p.idle <- h
		}
	}
}
