package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	tls "github.com/refraction-networking/utls"
	"golang.org/x/net/html"
)

// httpEngine is the lightweight no-JavaScript fetch path: a net/http client
// dialed through a Chrome-shaped uTLS ClientHello, used for the Excellent/Good
// network-profile fast path and as the first contender in the race in
// dispatcher.go.
type httpEngine struct {
	client *http.Client
}

// chromeH1Spec is computed once and reused for every connection; ALPN is
// pinned to http/1.1 because Go's http.Transport cannot speak h2 over a
// uTLS-wrapped conn.
var chromeH1Spec tls.ClientHelloSpec

func init() {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return
	}
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	chromeH1Spec = spec
}

func newHTTPEngine() *httpEngine {
	tr := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: 10 * time.Second}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, _ := net.SplitHostPort(addr)
			tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloCustom)
			if err := tlsConn.ApplyPreset(&chromeH1Spec); err != nil {
				conn.Close()
				return nil, fmt.Errorf("transport: apply tls spec: %w", err)
			}
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return tlsConn, nil
		},
		ForceAttemptHTTP2: false,
	}
	return &httpEngine{
		client: &http.Client{
			Transport: tr,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

func (e *httpEngine) name() string { return "http" }

// dial opens the uTLS connection and issues the request; the caller drives
// streaming by reading off the returned body with a byte-count callback so
// the scheduler sees incremental progress rather than one final blob.
func (e *httpEngine) fetch(ctx context.Context, url string, headers map[string]string, onFirstByte func(), onBytes func(int64)) (*fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "identity")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: do request: %w", err)
	}
	defer resp.Body.Close()

	onFirstByte()

	const maxBody = 10 << 20
	lr := io.LimitReader(resp.Body, maxBody)
	var body strings.Builder
	buf := make([]byte, 32*1024)
	for {
		n, rerr := lr.Read(buf)
		if n > 0 {
			body.Write(buf[:n])
			onBytes(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("transport: read body: %w", rerr)
		}
	}

	ct := resp.Header.Get("Content-Type")
	if resp.StatusCode >= 400 || !isHTMLContentType(ct) {
		return nil, fmt.Errorf("transport: non-html or error status %d (content-type: %s)", resp.StatusCode, ct)
	}

	return &fetchResult{
		html:       body.String(),
		title:      extractTitle(body.String()),
		statusCode: resp.StatusCode,
		finalURL:   resp.Request.URL.String(),
		mime:       ct,
		engine:     e.name(),
	}, nil
}

// fetchResource is the subresource path: a plain streaming GET that accepts
// any content type and discards the body after counting it. The scheduler
// only needs byte progress and the final (size, mime); decoding is the
// relevant collaborator's job.
func (e *httpEngine) fetchResource(ctx context.Context, url string, headers map[string]string, onFirstByte func(), onBytes func(int64)) (int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("transport: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, "", fmt.Errorf("transport: error status %d for %s", resp.StatusCode, url)
	}

	onFirstByte()

	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			onBytes(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return total, "", fmt.Errorf("transport: read body: %w", rerr)
		}
	}
	return total, resp.Header.Get("Content-Type"), nil
}

func isHTMLContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}

// extractTitle uses the stdlib tokenizer purely to sniff <title>; DomBuilder
// owns real tree construction; this is only used to classify a discovered
// main-thread-blocking <title>/<script> for the Prioritizer's benefit before
// the real DomBuilder collaborator has had a chance to parse anything.
func extractTitle(htmlStr string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(htmlStr))
	inTitle := false
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = true
			}
		case html.TextToken:
			if inTitle {
				return strings.TrimSpace(string(tokenizer.Text()))
			}
		case html.EndTagToken:
			if inTitle {
				return ""
			}
		}
	}
}

// fetchResult is the internal, engine-agnostic outcome of one document fetch.
type fetchResult struct {
	html       string
	title      string
	statusCode int
	finalURL   string
	mime       string
	engine     string
}
