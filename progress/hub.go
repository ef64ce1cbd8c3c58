package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropReportEvery       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	return c
}

// Hub aggregates Event streams and fans them out to registered sinks. It
// is safe for concurrent use by multiple goroutines and never blocks
// callers: under backpressure events are dropped, not queued unboundedly.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	logger *zap.Logger

	quit     chan struct{}
	finished chan struct{}
	stop     sync.Once
	closing  atomic.Bool

	shutdownCtx context.Context

	dropped    atomic.Int64
	lastReport atomic.Int64
}

// NewHub starts the collector goroutine over the supplied sinks and
// returns a Hub that immediately accepts events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:      cfg,
		sinks:    append([]Sink(nil), sinks...),
		events:   make(chan Event, cfg.BufferSize),
		logger:   logger,
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go h.collect()
	return h
}

// Emit enqueues an Event for batching. It never blocks; if the buffer is
// full the event is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.maybeReportDrops()
	}
}

// maybeReportDrops logs the accumulated drop count at most once per
// dropReportEvery, resetting the counter when it does.
func (h *Hub) maybeReportDrops() {
	now := time.Now().UnixNano()
	last := h.lastReport.Load()
	if now-last < int64(dropReportEvery) || !h.lastReport.CompareAndSwap(last, now) {
		return
	}
	h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
}

// Close drains remaining events, flushes sinks, and blocks until the
// collector exits. Safe to call multiple times; subsequent calls are
// ignored once shutdown begins.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stop.Do(func() {
		h.closing.Store(true)
		h.shutdownCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// collect gathers events into batches and delivers them on size or on
// the MaxBatchWait tick, whichever comes first. A tick with nothing
// pending is a no-op, so idle hubs cost one timer wakeup.
func (h *Hub) collect() {
	defer close(h.finished)

	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	tick := time.NewTicker(h.cfg.MaxBatchWait)
	defer tick.Stop()

	for {
		select {
		case evt := <-h.events:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				pending = h.deliver(pending)
			}
		case <-tick.C:
			pending = h.deliver(pending)
		case <-h.quit:
			h.deliver(h.drainBuffered(pending))
			h.shutSinks()
			return
		}
	}
}

// drainBuffered empties whatever Emit queued before shutdown began,
// delivering full batches along the way. Events arriving later are
// already rejected by the closing flag.
func (h *Hub) drainBuffered(pending []Event) []Event {
	for {
		select {
		case evt := <-h.events:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				pending = h.deliver(pending)
			}
		default:
			return pending
		}
	}
}

// deliver hands a copy of the pending batch to every sink and returns
// the slice emptied for reuse. Sink failures are logged, never fatal.
func (h *Hub) deliver(pending []Event) []Event {
	if len(pending) == 0 {
		return pending
	}
	batch := make([]Event, len(pending))
	copy(batch, pending)
	for _, s := range h.sinks {
		if s == nil {
			continue
		}
		h.feedSink(s, batch)
	}
	return pending[:0]
}

func (h *Hub) feedSink(s Sink, batch []Event) {
	ctx := h.cfg.BaseContext
	if h.cfg.SinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.SinkTimeout)
		defer cancel()
	}
	if err := s.Consume(ctx, batch); err != nil {
		h.logger.Warn("progress sink consume failed", zap.Error(err))
	}
}

func (h *Hub) shutSinks() {
	ctx := h.shutdownCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, s := range h.sinks {
		if s == nil {
			continue
		}
		if err := s.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
