// Package fetch executes tasks as HTTP requests.
package fetch

import (
	"context"

	"github.com/spinneret/spinneret/session"
	"github.com/spinneret/spinneret/spider"
)

// Fetcher performs one fetch attempt. A non-nil error means the
// transport failed before a response was read and the attempt may be
// retried; HTTP status problems are expressed in the Response instead.
type Fetcher interface {
	Fetch(ctx context.Context, t *spider.Task, sess *session.State) (*spider.Response, error)
}
