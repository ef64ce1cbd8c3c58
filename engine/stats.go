package engine

import (
	"sync/atomic"

	"github.com/spinneret/spinneret/spider"
)

// Stats is a point-in-time snapshot of run counters.
type Stats struct {
	Queued   int   `json:"queued"`
	InFlight int64 `json:"in_flight"`
	Fetches  int64 `json:"fetches"`
	Retries  int64 `json:"retries"`
	Items    int64 `json:"items"`

	RequestsIgnored  int64 `json:"requests_ignored"`
	ResponsesIgnored int64 `json:"responses_ignored"`
	DownloadErrors   int64 `json:"download_errors"`
	ParseErrors      int64 `json:"parse_errors"`
}

// Errors sums the terminal error counters.
func (s Stats) Errors() int64 {
	return s.RequestsIgnored + s.ResponsesIgnored + s.DownloadErrors + s.ParseErrors
}

// counters aggregates run activity with atomics so workers never contend.
type counters struct {
	inFlight atomic.Int64
	fetches  atomic.Int64
	retries  atomic.Int64
	items    atomic.Int64

	requestsIgnored  atomic.Int64
	responsesIgnored atomic.Int64
	downloadErrors   atomic.Int64
	parseErrors      atomic.Int64
}

func (c *counters) recordError(kind spider.Kind) {
	switch kind {
	case spider.KindRequestIgnored:
		c.requestsIgnored.Add(1)
	case spider.KindResponseIgnored:
		c.responsesIgnored.Add(1)
	case spider.KindDownloadError:
		c.downloadErrors.Add(1)
	case spider.KindParseError:
		c.parseErrors.Add(1)
	}
}

func (c *counters) snapshot(queued int) Stats {
	return Stats{
		Queued:           queued,
		InFlight:         c.inFlight.Load(),
		Fetches:          c.fetches.Load(),
		Retries:          c.retries.Load(),
		Items:            c.items.Load(),
		RequestsIgnored:  c.requestsIgnored.Load(),
		ResponsesIgnored: c.responsesIgnored.Load(),
		DownloadErrors:   c.downloadErrors.Load(),
		ParseErrors:      c.parseErrors.Load(),
	}
}
