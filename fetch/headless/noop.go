package headless

import (
	"context"
	"errors"

	"github.com/spinneret/spinneret/session"
	"github.com/spinneret/spinneret/spider"
)

// Noop stands in for the browser fetcher when rendering is disabled and
// always reports that headless browsing is unavailable.
type Noop struct{}

// NewNoop creates a Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails.
func (Noop) Fetch(context.Context, *spider.Task, *session.State) (*spider.Response, error) {
	return nil, errors.New("headless fetcher not configured")
}
