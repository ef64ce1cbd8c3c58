package middleware

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/spinneret/spinneret/spider"
)

// ErrDisallowed is the cause attached to tasks vetoed by robots.txt.
var ErrDisallowed = errors.New("disallowed by robots.txt")

const maxRobotsBytes = 512 << 10

// Robots returns a request hook that vetoes tasks whose path the target
// host's robots.txt disallows for agent. Rules are fetched once per host
// and cached for the lifetime of the hook; hosts whose robots.txt cannot
// be fetched or parsed allow everything. Non-HTTP tasks pass through.
func Robots(agent string, logger *zap.Logger) spider.RequestHook {
	if agent == "" {
		agent = "spinneret"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := &robotsCache{
		agent:  agent,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger,
		rules:  make(map[string]*robotstxt.RobotsData),
	}
	return rc.check
}

type robotsCache struct {
	agent  string
	client *http.Client
	log    *zap.Logger
	group  singleflight.Group

	mu    sync.Mutex
	rules map[string]*robotstxt.RobotsData
}

func (rc *robotsCache) check(t *spider.Task) spider.RequestVerdict {
	u, err := url.Parse(t.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return spider.KeepRequest(t)
	}
	rules := rc.lookup(u)
	if rules == nil || rules.TestAgent(u.RequestURI(), rc.agent) {
		return spider.KeepRequest(t)
	}
	return spider.DropRequest(fmt.Errorf("%s%s: %w", u.Host, u.RequestURI(), ErrDisallowed))
}

// lookup returns the rules for u's host, fetching them on first sight.
// Concurrent first lookups share one fetch.
func (rc *robotsCache) lookup(u *url.URL) *robotstxt.RobotsData {
	rc.mu.Lock()
	rules, ok := rc.rules[u.Host]
	rc.mu.Unlock()
	if ok {
		return rules
	}
	v, _, _ := rc.group.Do(u.Host, func() (any, error) {
		fetched := rc.fetch(u)
		rc.mu.Lock()
		rc.rules[u.Host] = fetched
		rc.mu.Unlock()
		return fetched, nil
	})
	rules, _ = v.(*robotstxt.RobotsData)
	return rules
}

// fetch downloads and parses robots.txt for u's host. Every failure mode
// is cached as nil, which allows everything.
func (rc *robotsCache) fetch(u *url.URL) *robotstxt.RobotsData {
	target := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}).String()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", rc.agent)

	resp, err := rc.client.Do(req)
	if err != nil {
		rc.log.Warn("robots.txt fetch failed", zap.String("url", target), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rc.log.Debug("robots.txt unavailable", zap.String("url", target), zap.Int("status", resp.StatusCode))
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		rc.log.Warn("robots.txt read failed", zap.String("url", target), zap.Error(err))
		return nil
	}
	rules, err := robotstxt.FromBytes(body)
	if err != nil {
		rc.log.Warn("robots.txt parse failed", zap.String("url", target), zap.Error(err))
		return nil
	}
	rc.log.Debug("robots.txt cached", zap.String("host", u.Host))
	return rules
}
