package headless

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/spinneret/spinneret/session"
	"github.com/spinneret/spinneret/spider"
)

// Fetcher is the contract both the plain client and the renderer satisfy.
// Declared locally so Fallback can wrap any pair of implementations.
type Fetcher interface {
	Fetch(ctx context.Context, t *spider.Task, sess *session.State) (*spider.Response, error)
}

// Detector spots responses whose real content only exists after
// JavaScript runs: empty documents, known SPA shells, and small pages
// that are mostly script.
type Detector struct {
	// BodyThreshold is the size in bytes under which a script-heavy
	// body counts as a shell. Zero means 2048.
	BodyThreshold int
}

var shellMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// NeedsRender reports whether res looks like an unrendered application
// shell. Only 200 responses qualify.
func (d Detector) NeedsRender(res *spider.Response) bool {
	if res == nil || res.StatusCode != http.StatusOK {
		return false
	}
	if len(res.Body) == 0 {
		return true
	}
	for i := 0; i < len(shellMarkers); i++ {
		if bytes.Contains(res.Body, shellMarkers[i]) {
			return true
		}
	}
	return len(res.Body) < d.threshold() && scriptShare(res.Body) >= 25
}

func (d Detector) threshold() int {
	if d.BodyThreshold > 0 {
		return d.BodyThreshold
	}
	return 2048
}

// scriptShare returns the percentage of the document covered by script
// elements. Unterminated tags count through to the end.
func scriptShare(body []byte) int {
	doc := strings.ToLower(string(body))
	if len(doc) == 0 {
		return 0
	}
	covered := 0
	pos := 0
	for {
		i := strings.Index(doc[pos:], "<script")
		if i < 0 {
			break
		}
		start := pos + i
		gt := strings.IndexByte(doc[start:], '>')
		if gt < 0 {
			covered += len(doc) - start
			break
		}
		end := strings.Index(doc[start+gt+1:], "</script>")
		if end < 0 {
			covered += len(doc) - start
			break
		}
		next := start + gt + 1 + end + len("</script>")
		covered += next - start
		pos = next
	}
	return covered * 100 / len(doc)
}

// Fallback fetches with the plain client first and refetches through
// the renderer when the result needs one. Renderer failures fall back
// to the plain response rather than failing the task.
type Fallback struct {
	plain    Fetcher
	renderer Fetcher
	detect   Detector
	log      *zap.Logger
}

// NewFallback wraps a plain fetcher and a renderer. The detector runs
// with its default threshold.
func NewFallback(plain, renderer Fetcher, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{plain: plain, renderer: renderer, log: logger}
}

// Fetch returns the rendered response when promotion fires, otherwise
// the plain one. Promotion applies to GET tasks only; the renderer
// cannot replay bodies.
func (f *Fallback) Fetch(ctx context.Context, t *spider.Task, sess *session.State) (*spider.Response, error) {
	res, err := f.plain.Fetch(ctx, t, sess)
	if err != nil {
		return nil, err
	}
	if t.Method != "" && t.Method != http.MethodGet {
		return res, nil
	}
	if !f.detect.NeedsRender(res) {
		return res, nil
	}
	f.log.Debug("promoting fetch to headless", zap.String("url", t.URL))
	rendered, rerr := f.renderer.Fetch(ctx, t, sess)
	if rerr != nil {
		if ctx.Err() != nil {
			return nil, rerr
		}
		f.log.Warn("headless promotion failed, keeping plain response",
			zap.String("url", t.URL),
			zap.Error(rerr),
		)
		return res, nil
	}
	return rendered, nil
}
