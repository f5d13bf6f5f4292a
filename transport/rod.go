package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/use-agent/pageengine/config"
)

// rodEngine drives a real headless Chrome tab per fetch: the heavy path
// used when the HTTP engine loses the race or a page is known to need
// script execution. The scheduler never touches rod directly: it only sees
// this through the Transport interface.
type rodEngine struct {
	browser *rod.Browser
	pool    *pagePool
	cfg     config.TransportConfig
}

func newRodEngine(cfg config.TransportConfig) (*rodEngine, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)
	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.DefaultProxy != "" {
		l = l.Proxy(cfg.DefaultProxy)
	}

	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-ipc-flooding-protection"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-prompt-on-repost"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("transport: launch browser: %w", err)
	}
	slog.Info("transport: browser launched", "controlURL", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("transport: connect to browser: %w", err)
	}

	e := &rodEngine{browser: browser, cfg: cfg}
	pool, err := newPagePool(cfg.AdaptivePool, func() (*rod.Page, error) {
		return browser.Page(proto.TargetCreateTarget{})
	}, func(p *rod.Page) {
		_ = p.Close()
	})
	if err != nil {
		browser.MustClose()
		return nil, fmt.Errorf("transport: create page pool: %w", err)
	}
	e.pool = pool
	return e, nil
}

func (e *rodEngine) name() string { return "rod" }

func (e *rodEngine) close() {
	e.pool.stop()
	e.browser.MustClose()
}

// fetch navigates a pooled page to url and extracts the rendered document.
// onFirstByte/onBytes are best-effort progress signals: rod does not expose
// a byte-granular stream, so the callback fires once after navigation
// settles and once more with the full document size; coarser than the HTTP
// engine's callback, but it keeps both engines behind one Transport shape.
func (e *rodEngine) fetch(ctx context.Context, targetURL string, headers map[string]string, stealthMode bool, onFirstByte func(), onBytes func(int64)) (res *fetchResult, retErr error) {
	page, err := e.pool.get()
	if err != nil {
		return nil, fmt.Errorf("transport: acquire page: %w", err)
	}
	success := false
	defer func() {
		if navErr := page.Navigate("about:blank"); navErr != nil {
			slog.Warn("transport: cleanup navigate to blank failed", "error", navErr)
		}
		e.pool.put(page, success)
	}()

	if stealthMode {
		if _, evalErr := page.EvalOnNewDocument(stealth.JS); evalErr != nil {
			slog.Warn("transport: stealth injection failed, continuing", "error", evalErr)
		}
	}

	extraHeaders := make(map[string]string, len(headers)+1)
	if _, hasReferer := headers["Referer"]; !hasReferer {
		if u, perr := url.Parse(targetURL); perr == nil {
			extraHeaders["Referer"] = "https://www.google.com/search?q=" + url.QueryEscape(u.Hostname())
		}
	}
	for k, v := range headers {
		extraHeaders[k] = v
	}
	if len(extraHeaders) > 0 {
		netHeaders := make(proto.NetworkHeaders, len(extraHeaders))
		for k, v := range extraHeaders {
			netHeaders[k] = gson.New(v)
		}
		_ = proto.NetworkSetExtraHTTPHeaders{Headers: netHeaders}.Call(page)
	}

	p := page.Context(ctx)

	nav := p
	if e.cfg.NavigationTimeout > 0 {
		nav = p.Timeout(e.cfg.NavigationTimeout)
	}
	if err := nav.Navigate(targetURL); err != nil {
		return nil, categorizeNavError(err)
	}
	onFirstByte()

	if stableErr := p.WaitDOMStable(300*time.Millisecond, 0.1); stableErr != nil {
		slog.Debug("transport: WaitDOMStable did not converge, proceeding", "error", stableErr)
	}

	statusCode := 0
	if r, err := p.Eval(`() => {
		try {
			const e = performance.getEntriesByType("navigation");
			if (e.length > 0) return e[0].responseStatus || 0;
		} catch (err) {}
		return 0;
	}`); err == nil {
		statusCode = r.Value.Int()
	}

	rawHTML, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("transport: extract html: %w", err)
	}
	onBytes(int64(len(rawHTML)))

	title := evalStringOrEmpty(p, `() => document.title`)
	finalURL := evalStringOrEmpty(p, `() => window.location.href`)
	if finalURL == "" {
		finalURL = targetURL
	}

	success = true
	return &fetchResult{
		html:       rawHTML,
		title:      title,
		statusCode: statusCode,
		finalURL:   finalURL,
		mime:       "text/html",
		engine:     e.name(),
	}, nil
}

func evalStringOrEmpty(page *rod.Page, js string) string {
	res, err := page.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.String()
}

// categorizeNavError wraps a rod navigation failure; fine-grained
// transient/permanent classification happens in dispatcher.go where the
// dispatcher knows whether another engine can still be tried.
func categorizeNavError(err error) error {
	return fmt.Errorf("transport: navigation failed: %w", err)
}
