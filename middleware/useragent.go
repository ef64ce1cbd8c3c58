// Package middleware ships stock request hooks: user agent rotation,
// robots.txt checks, host blocklists. Install them with the engine's
// OnRequest.
package middleware

import (
	"math/rand"

	"github.com/spinneret/spinneret/spider"
)

// DefaultUserAgents are common desktop browser identities.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:131.0) Gecko/20100101 Firefox/131.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:131.0) Gecko/20100101 Firefox/131.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
}

// RandomUserAgent returns a request hook that stamps each task with a
// User-Agent drawn from DefaultUserAgents. Tasks that are part of a
// session are left untouched, keeping one identity per session.
func RandomUserAgent() spider.RequestHook {
	return RandomUserAgentFrom(DefaultUserAgents)
}

// RandomUserAgentFrom is RandomUserAgent with a caller-supplied pool.
func RandomUserAgentFrom(agents []string) spider.RequestHook {
	return func(t *spider.Task) spider.RequestVerdict {
		if len(agents) == 0 || t.Session != nil {
			return spider.KeepRequest(t)
		}
		return spider.KeepRequest(t.WithHeader("User-Agent", agents[rand.Intn(len(agents))]))
	}
}
