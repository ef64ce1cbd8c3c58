package cmd

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/spinneret/spinneret/spider"
)

// pageItem is one crawled page in the link map.
type pageItem struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Depth int    `json:"depth"`
	Links int    `json:"links"`
}

// linkSpider walks same-host links from the seeds down to a depth limit.
// URL dedup lives here, not in the engine: the engine schedules whatever
// it is given.
type linkSpider struct {
	seeds    []*spider.Task
	maxDepth int
	allowed  map[string]bool
	log      *zap.Logger

	mu    sync.Mutex
	seen  map[string]bool
	pages int
}

func newLinkSpider(seeds, extraHosts []string, maxDepth int, logger *zap.Logger) (*linkSpider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxDepth < 0 {
		maxDepth = 0
	}
	s := &linkSpider{
		maxDepth: maxDepth,
		allowed:  make(map[string]bool),
		log:      logger,
		seen:     make(map[string]bool),
	}
	for _, raw := range seeds {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse seed %q: %w", raw, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("seed %q is not an absolute http(s) url", raw)
		}
		target := normalizeTarget(u)
		s.allowed[normalizeHost(u.Scheme, u.Host)] = true
		s.seen[target] = true
		s.seeds = append(s.seeds, spider.NewTask(target).WithState(0))
	}
	for _, host := range extraHosts {
		s.allowed[strings.ToLower(host)] = true
	}
	return s, nil
}

func (s *linkSpider) Entry(context.Context) ([]*spider.Task, error) {
	return s.seeds, nil
}

func (s *linkSpider) Parse(res *spider.Response) ([]spider.Yield, error) {
	depth, _ := res.State.(int)
	doc, err := res.Document()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", res.URL, err)
	}

	links := 0
	var yields []spider.Yield
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		links++
		if depth >= s.maxDepth {
			return
		}
		child := s.childURL(res.URL, href)
		if child == "" {
			return
		}
		yields = append(yields, spider.Follow(spider.NewTask(child).WithState(depth+1)))
	})

	title := strings.TrimSpace(doc.Find("title").First().Text())
	yields = append(yields, spider.Emit(pageItem{
		URL:   res.URL.String(),
		Title: title,
		Depth: depth,
		Links: links,
	}))
	return yields, nil
}

// childURL resolves href against the page URL and filters it down to
// unseen same-host pages. Returns "" for anything else.
func (s *linkSpider) childURL(base *url.URL, href string) string {
	u, err := base.Parse(href)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if !s.allowed[normalizeHost(u.Scheme, u.Host)] {
		return ""
	}
	target := normalizeTarget(u)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[target] {
		return ""
	}
	s.seen[target] = true
	return target
}

// normalizeTarget canonicalizes a URL for dedup: lowercased host, default
// port stripped, fragment dropped, query keys sorted. Without it the same
// page shows up under http://Example.com:80/?b=2&a=1 and
// http://example.com/?a=1&b=2 and gets crawled twice.
func normalizeTarget(u *url.URL) string {
	c := *u
	c.Host = normalizeHost(c.Scheme, c.Host)
	c.Fragment = ""
	if c.RawQuery != "" {
		c.RawQuery = c.Query().Encode()
	}
	return c.String()
}

func normalizeHost(scheme, host string) string {
	host = strings.ToLower(host)
	if scheme == "http" {
		return strings.TrimSuffix(host, ":80")
	}
	if scheme == "https" {
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

func (s *linkSpider) Collect(item any, _ *spider.Response) error {
	page, ok := item.(pageItem)
	if !ok {
		return fmt.Errorf("unexpected item type %T", item)
	}
	s.mu.Lock()
	s.pages++
	s.mu.Unlock()
	s.log.Info("page mapped",
		zap.String("url", page.URL),
		zap.String("title", page.Title),
		zap.Int("depth", page.Depth),
		zap.Int("links", page.Links),
	)
	return nil
}

func (s *linkSpider) OnFinish() {
	s.mu.Lock()
	pages := s.pages
	s.mu.Unlock()
	s.log.Info("link map complete", zap.Int("pages", pages))
}
