// Package export writes crawl output items to durable form.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/spinneret/spinneret/spider"
)

// JSONL writes items as JSON, one object per line. It is safe for
// concurrent use by several workers.
type JSONL struct {
	log *zap.Logger

	mu    sync.Mutex
	enc   *json.Encoder
	c     io.Closer
	items int64
}

// NewJSONL creates (or truncates) the file at path, making parent
// directories as needed.
func NewJSONL(path string, logger *zap.Logger) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create export dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open export file %s: %w", path, err)
	}
	j := NewJSONLWriter(f, logger)
	j.c = f
	return j, nil
}

// NewJSONLWriter writes to w instead of a file. Close does not close w.
func NewJSONLWriter(w io.Writer, logger *zap.Logger) *JSONL {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONL{log: logger, enc: json.NewEncoder(w)}
}

// Write appends one item line.
func (j *JSONL) Write(item any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(item); err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	j.items++
	return nil
}

// Pipe adapts the writer into a pass-through output pipe: every item is
// written and handed on unchanged.
func (j *JSONL) Pipe() spider.Pipe {
	return func(item any, _ *spider.Response) (any, error) {
		if err := j.Write(item); err != nil {
			return nil, err
		}
		return item, nil
	}
}

// Close flushes the underlying file. Safe to call once the run is done.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.log.Debug("export closed", zap.Int64("items", j.items))
	if j.c == nil {
		return nil
	}
	if err := j.c.Close(); err != nil {
		return fmt.Errorf("close export file: %w", err)
	}
	return nil
}
