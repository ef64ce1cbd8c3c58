package middleware

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spinneret/spinneret/spider"
)

// ErrHostBlocked marks tasks vetoed by a BlockHosts hook.
var ErrHostBlocked = errors.New("host is blocklisted")

// BlockHosts returns a request hook that vetoes tasks whose host matches
// one of the given patterns. A pattern is either an exact host or a
// suffix wildcard: "*.example.com" and ".example.com" both match every
// subdomain as well as example.com itself. Matching ignores case and
// ports. With no usable patterns the hook keeps everything.
func BlockHosts(patterns ...string) spider.RequestHook {
	list := newHostBlocklist(patterns)
	return func(t *spider.Task) spider.RequestVerdict {
		if list == nil {
			return spider.KeepRequest(t)
		}
		u, err := url.Parse(t.URL)
		if err != nil || u.Hostname() == "" {
			return spider.KeepRequest(t)
		}
		if list.blocked(u.Hostname()) {
			return spider.DropRequest(fmt.Errorf("%s: %w", u.Hostname(), ErrHostBlocked))
		}
		return spider.KeepRequest(t)
	}
}

// hostBlocklist splits patterns into exact hosts and domain suffixes.
type hostBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostBlocklist(patterns []string) *hostBlocklist {
	list := &hostBlocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		pattern := strings.TrimSpace(strings.ToLower(raw))
		if pattern == "" {
			continue
		}
		switch {
		case strings.HasPrefix(pattern, "*."):
			list.addSuffix(strings.TrimPrefix(pattern, "*."))
		case strings.HasPrefix(pattern, "."):
			list.addSuffix(strings.TrimPrefix(pattern, "."))
		default:
			list.exact[pattern] = struct{}{}
		}
	}
	if len(list.exact) == 0 && len(list.suffixes) == 0 {
		return nil
	}
	return list
}

func (b *hostBlocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

func (b *hostBlocklist) blocked(host string) bool {
	host = strings.ToLower(host)
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
