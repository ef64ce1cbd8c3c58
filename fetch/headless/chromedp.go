// Package headless fetches JavaScript-heavy pages with a real browser.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/spinneret/spinneret/session"
	"github.com/spinneret/spinneret/spider"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Chromedp renders pages with headless Chrome. It only supports GET
// tasks; body-carrying tasks belong on the plain HTTP fetcher.
type Chromedp struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp starts a browser allocator shared by all fetches.
func NewChromedp(cfg Config) (*Chromedp, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Chromedp{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context and with it every browser tab.
func (f *Chromedp) Close() {
	f.allocCancel()
}

// Fetch navigates to the task URL and returns the rendered DOM. Status
// and headers come from the document's network response when the browser
// reports one.
func (f *Chromedp) Fetch(ctx context.Context, t *spider.Task, sess *session.State) (*spider.Response, error) {
	if t.Method != "" && t.Method != http.MethodGet {
		return nil, fmt.Errorf("headless fetch supports GET only, task is %s %s", t.Method, t.URL)
	}
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.release()

	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	defer tabCancel()

	tabCtx, cancel := context.WithTimeout(tabCtx, f.timeoutFor(t, sess))
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.render(tabCtx, t, sess)
	if err != nil {
		return nil, err
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(t.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	respURL, err := url.Parse(responseURL)
	if err != nil {
		return nil, fmt.Errorf("parse rendered url %q: %w", responseURL, err)
	}

	return &spider.Response{
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Elapsed:    time.Since(start),
		URL:        respURL,
		Task:       t,
		State:      t.State,
	}, nil
}

func (f *Chromedp) render(ctx context.Context, t *spider.Task, sess *session.State) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(requestHeaders(t, sess)),
		chromedp.Navigate(t.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Chromedp) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// requestHeaders layers explicit task headers over the session defaults.
func requestHeaders(t *spider.Task, sess *session.State) http.Header {
	merged := http.Header{}
	if sess != nil && sess.Defaults != nil {
		for key, vals := range sess.Defaults.Headers {
			for _, v := range vals {
				merged.Add(key, v)
			}
		}
	}
	for key, vals := range t.Headers {
		merged.Del(key)
		for _, v := range vals {
			merged.Add(key, v)
		}
	}
	return merged
}

func (f *Chromedp) timeoutFor(t *spider.Task, sess *session.State) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	if sess != nil && sess.Defaults != nil && sess.Defaults.Timeout > 0 {
		return sess.Defaults.Timeout
	}
	return f.cfg.NavigationTimeout
}

func (f *Chromedp) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Chromedp) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

// snapshotWithFallbacks fills gaps the browser left: the final location
// when no document response was seen, the request URL when navigation
// never moved, and 200 when no status was captured.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, u := m.snapshot()
	switch {
	case u != "":
	case finalURL != "":
		u = finalURL
	default:
		u = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, u
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
