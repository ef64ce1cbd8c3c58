package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spinneret/spinneret/session"
	"github.com/spinneret/spinneret/spider"
)

// Config tunes the default HTTP fetcher.
type Config struct {
	// Timeout bounds a fetch when neither the task nor its session sets
	// one. Zero means no deadline beyond the run context.
	Timeout time.Duration

	// DefaultHeaders are applied to every request that does not already
	// carry the key, below session defaults and explicit task headers.
	DefaultHeaders http.Header

	// MaxBodyBytes caps how much of a response body is read. Zero means
	// no cap.
	MaxBodyBytes int64
}

// Client is the default Fetcher built on net/http. Transports are shared
// and cached per proxy so connection pools survive across tasks; the
// thin http.Client wrapper is rebuilt per fetch to carry the session's
// cookie jar.
type Client struct {
	cfg Config
	log *zap.Logger

	base     *http.Transport
	insecure *http.Transport

	mu         sync.Mutex
	transports map[transportKey]*http.Transport
}

type transportKey struct {
	proxy    string
	insecure bool
}

// NewClient builds a Client. A nil logger is replaced with a no-op one.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		log:        logger,
		base:       newTransport(false),
		insecure:   newTransport(true),
		transports: make(map[transportKey]*http.Transport),
	}
}

// Fetch builds the request from the task, merged over its session
// defaults, and executes it. Redirects are followed; the final URL is
// recorded on the response.
func (c *Client) Fetch(ctx context.Context, t *spider.Task, sess *session.State) (*spider.Response, error) {
	var defaults *session.Defaults
	var jar http.CookieJar
	if sess != nil {
		defaults = sess.Defaults
		jar = sess.Jar
	}

	if timeout := c.timeoutFor(t, defaults); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := c.buildRequest(ctx, t, defaults)
	if err != nil {
		return nil, err
	}
	transport, err := c.transportFor(t, defaults)
	if err != nil {
		return nil, err
	}
	hc := &http.Client{Transport: transport, Jar: jar}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, t.URL, err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if c.cfg.MaxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, c.cfg.MaxBodyBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", t.URL, err)
	}
	elapsed := time.Since(start)

	c.log.Debug("fetched",
		zap.String("method", req.Method),
		zap.String("url", t.URL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed),
	)

	return &spider.Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
		Elapsed:    elapsed,
		URL:        resp.Request.URL,
		Task:       t,
		State:      t.State,
	}, nil
}

// timeoutFor picks the task timeout, then the session default, then the
// configured one.
func (c *Client) timeoutFor(t *spider.Task, defaults *session.Defaults) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	if defaults != nil && defaults.Timeout > 0 {
		return defaults.Timeout
	}
	return c.cfg.Timeout
}

func (c *Client) buildRequest(ctx context.Context, t *spider.Task, defaults *session.Defaults) (*http.Request, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("parse task url %q: %w", t.URL, err)
	}
	if len(t.Query) > 0 {
		q := u.Query()
		for key, vals := range t.Query {
			for _, v := range vals {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	body, contentType, err := encodeBody(t)
	if err != nil {
		return nil, err
	}

	method := t.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request for %q: %w", t.URL, err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, vals := range t.Headers {
		req.Header.Del(key)
		for _, v := range vals {
			req.Header.Add(key, v)
		}
	}
	if defaults != nil {
		setMissingHeaders(req.Header, defaults.Headers)
	}
	setMissingHeaders(req.Header, c.cfg.DefaultHeaders)
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}

	var defaultCookies []*http.Cookie
	if defaults != nil {
		defaultCookies = defaults.Cookies
	}
	for _, ck := range mergeCookies(defaultCookies, t.Cookies) {
		req.AddCookie(ck)
	}
	return req, nil
}

// encodeBody picks the task body encoding: multipart when files are
// attached, else JSON, else an urlencoded form.
func encodeBody(t *spider.Task) (io.Reader, string, error) {
	switch {
	case len(t.Files) > 0:
		return multipartBody(t)
	case t.JSON != nil:
		b, err := json.Marshal(t.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("marshal json body: %w", err)
		}
		return bytes.NewReader(b), "application/json", nil
	case len(t.Form) > 0:
		return strings.NewReader(t.Form.Encode()), "application/x-www-form-urlencoded", nil
	default:
		return nil, "", nil
	}
}

func multipartBody(t *spider.Task) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, vals := range t.Form {
		for _, v := range vals {
			if err := w.WriteField(key, v); err != nil {
				return nil, "", fmt.Errorf("write multipart field %q: %w", key, err)
			}
		}
	}
	for _, f := range t.Files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.Field, f.Name))
		if f.MIMEType != "" {
			header.Set("Content-Type", f.MIMEType)
		}
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("create multipart part %q: %w", f.Field, err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, "", fmt.Errorf("write multipart part %q: %w", f.Field, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("finish multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// setMissingHeaders copies each key from src that dst does not already carry.
func setMissingHeaders(dst, src http.Header) {
	for key, vals := range src {
		if len(dst.Values(key)) > 0 {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// mergeCookies layers session default cookies under task cookies; a task
// cookie replaces a default with the same name.
func mergeCookies(defaults, task []*http.Cookie) []*http.Cookie {
	if len(defaults) == 0 {
		return task
	}
	overridden := make(map[string]bool, len(task))
	for _, ck := range task {
		overridden[ck.Name] = true
	}
	merged := make([]*http.Cookie, 0, len(defaults)+len(task))
	for _, ck := range defaults {
		if !overridden[ck.Name] {
			merged = append(merged, ck)
		}
	}
	return append(merged, task...)
}

// transportFor returns the shared transport for the task's proxy and TLS
// settings, creating and caching proxied variants on first use.
func (c *Client) transportFor(t *spider.Task, defaults *session.Defaults) (*http.Transport, error) {
	proxy := t.Proxy
	if proxy == "" && defaults != nil {
		proxy = defaults.Proxy
	}
	if proxy == "" {
		if t.InsecureSkipVerify {
			return c.insecure, nil
		}
		return c.base, nil
	}

	key := transportKey{proxy: proxy, insecure: t.InsecureSkipVerify}
	c.mu.Lock()
	defer c.mu.Unlock()
	if tr, ok := c.transports[key]; ok {
		return tr, nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url %q: %w", proxy, err)
	}
	tr := newTransport(t.InsecureSkipVerify)
	tr.Proxy = http.ProxyURL(proxyURL)
	c.transports[key] = tr
	return tr, nil
}

func newTransport(insecure bool) *http.Transport {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        128,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return tr
}
