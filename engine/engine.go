// Package engine schedules tasks across a worker pool and drives each
// one through the hook, fetch, retry, and extraction pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spinneret/spinneret/fetch"
	systemclock "github.com/spinneret/spinneret/internal/clock/system"
	idgen "github.com/spinneret/spinneret/internal/id/uuid"
	"github.com/spinneret/spinneret/progress"
	"github.com/spinneret/spinneret/ratelimit"
	"github.com/spinneret/spinneret/retry"
	"github.com/spinneret/spinneret/session"
	"github.com/spinneret/spinneret/spider"
)

// Clock returns the current time (swappable in tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Config holds the settings for a crawl run, decoupled from any
// configuration source. Workers defaults to twice GOMAXPROCS; the other
// zero values are taken literally (no delay, no retries, no timeout).
type Config struct {
	Workers int

	Timeout        time.Duration
	DefaultHeaders http.Header
	MaxBodyBytes   int64

	DownloadDelay  time.Duration
	RandomizeDelay bool
	JitterMin      float64
	JitterMax      float64
	PerHostRPS     float64
	PerHostBurst   int

	RetryTimes int
	RetryDelay time.Duration
	RetryCodes []int
}

// Engine owns one crawl run: it seeds the queue from the spider's entry
// tasks, fans work out to a fixed pool of workers, and ends the run once
// the queue is empty and no task is in flight or parked for retry.
type Engine struct {
	cfg     Config
	sp      spider.Spider
	hooks   spider.Hooks
	fetcher fetch.Fetcher
	emitter progress.Emitter
	logger  *zap.Logger

	policy   *retry.Policy
	limiter  *ratelimit.Limiter
	sessions *session.Store
	clock    Clock
	ids      IDGenerator

	queue    *taskQueue
	pending  sync.WaitGroup
	counters counters

	runID   uuid.UUID
	started atomic.Bool

	mu     sync.Mutex
	failed []string
	cancel context.CancelFunc
}

// New constructs an Engine for one run. A nil fetcher falls back to the
// default HTTP client built from cfg; a nil emitter disables progress
// events; a nil logger disables logging.
func New(cfg Config, sp spider.Spider, fetcher fetch.Fetcher, emitter progress.Emitter, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2 * runtime.GOMAXPROCS(0)
	}
	if fetcher == nil {
		fetcher = fetch.NewClient(fetch.Config{
			Timeout:        cfg.Timeout,
			DefaultHeaders: cfg.DefaultHeaders,
			MaxBodyBytes:   cfg.MaxBodyBytes,
		}, logger)
	}
	return &Engine{
		cfg:     cfg,
		sp:      sp,
		fetcher: fetcher,
		emitter: emitter,
		logger:  logger,
		policy:  retry.NewPolicy(cfg.RetryTimes, cfg.RetryDelay, cfg.RetryCodes),
		limiter: ratelimit.New(ratelimit.Config{
			Delay:        cfg.DownloadDelay,
			Randomize:    cfg.RandomizeDelay,
			JitterMin:    cfg.JitterMin,
			JitterMax:    cfg.JitterMax,
			PerHostRPS:   cfg.PerHostRPS,
			PerHostBurst: cfg.PerHostBurst,
		}),
		sessions: session.NewStore(),
		clock:    systemclock.New(),
		ids:      idgen.New(),
		queue:    newTaskQueue(),
	}
}

// OnRequest registers a pre-fetch hook, run in registration order before
// every fetch, including retries.
func (e *Engine) OnRequest(h spider.RequestHook) {
	e.hooks.OnRequest(h)
}

// OnResponse registers a post-fetch hook, run in registration order on
// responses that survived retry classification.
func (e *Engine) OnResponse(h spider.ResponseHook) {
	e.hooks.OnResponse(h)
}

// OnItem appends an output pipe, run in registration order on every
// yielded item before the spider's Collect.
func (e *Engine) OnItem(p spider.Pipe) {
	e.hooks.OnItem(p)
}

// Stats returns a snapshot of the run counters.
func (e *Engine) Stats() Stats {
	return e.counters.snapshot(e.queue.Len())
}

// Stop aborts the active run the same way canceling Run's context does:
// workers stop pulling, parked retries are released, OnFinish still
// runs. A no-op before Run.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the spider until every task and its descendants settle,
// or ctx is canceled. An Engine runs once; subsequent calls fail.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine: run already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	rawID, err := e.ids.NewRawID()
	if err != nil {
		return fmt.Errorf("new run id: %w", err)
	}
	e.runID = rawID
	start := e.clock.Now()

	e.logger.Info("run starting",
		zap.String("run_id", rawID.String()),
		zap.Int("workers", e.cfg.Workers),
	)
	e.emit(progress.Event{Stage: progress.StageRunStart})

	if starter, ok := e.sp.(spider.Starter); ok {
		if err := starter.OnStart(ctx); err != nil {
			werr := fmt.Errorf("spider on_start: %w", err)
			e.logger.Error("run aborted", zap.Error(werr))
			e.emit(progress.Event{Stage: progress.StageRunDone, Kind: "error", Dur: e.clock.Now().Sub(start)})
			return werr
		}
	}

	entries, err := e.sp.Entry(ctx)
	if err != nil {
		runErr := fmt.Errorf("spider entry: %w", err)
		e.finish(start, runErr)
		return runErr
	}
	for _, t := range entries {
		if t != nil {
			e.submit(t)
		}
	}

	var workers sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			e.worker(ctx, id)
		}(i)
	}

	// The queue closes once every accounted task has settled; that is
	// the run's single termination point.
	go func() {
		e.pending.Wait()
		e.queue.Close()
	}()

	workers.Wait()

	runErr := ctx.Err()
	e.finish(start, runErr)
	return runErr
}

// submit accounts for a task and enqueues it. Every accepted task holds
// one slot in the pending group until it settles.
func (e *Engine) submit(t *spider.Task) bool {
	e.pending.Add(1)
	if !e.queue.Push(t) {
		e.pending.Done()
		return false
	}
	return true
}

// worker consumes tasks until the queue closes. After cancellation it
// keeps popping to release stranded tasks so the run can settle.
func (e *Engine) worker(ctx context.Context, id int) {
	for {
		t, ok := e.queue.Pop()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			e.logger.Debug("discarding task after cancel",
				zap.Int("worker", id),
				zap.String("url", t.URL),
			)
			e.pending.Done()
			continue
		}
		e.counters.inFlight.Add(1)
		e.runTask(ctx, t)
		e.counters.inFlight.Add(-1)
		e.pending.Done()
	}
}

// runTask drives one task through the full pipeline: request hooks,
// politeness wait, session resolution, fetch, retry classification,
// response hooks, then extraction.
func (e *Engine) runTask(ctx context.Context, t *spider.Task) {
	t, verr := e.hooks.RunRequest(t)
	if verr != nil {
		e.report(verr)
		return
	}

	target, err := url.Parse(t.URL)
	if err == nil {
		if err := e.limiter.Wait(ctx, target); err != nil {
			e.report(spider.NewDownloadError(t, nil, err))
			return
		}
	}

	sess, err := e.sessions.Resolve(t.Session)
	if err != nil {
		e.report(spider.NewDownloadError(t, nil, err))
		return
	}

	res, err := e.fetcher.Fetch(ctx, t, sess)
	if err != nil {
		if e.policy.ShouldRetry(t.Attempt, 0, err) {
			e.scheduleRetry(ctx, t, err.Error())
			return
		}
		e.report(spider.NewDownloadError(t, nil, err))
		return
	}

	e.counters.fetches.Add(1)
	e.logger.Info("fetched",
		zap.String("method", t.Method),
		zap.String("url", t.URL),
		zap.Int("status", res.StatusCode),
		zap.Int("attempt", t.Attempt),
		zap.Duration("elapsed", res.Elapsed),
	)
	e.emit(progress.Event{
		Stage:       progress.StageFetch,
		Host:        t.Host(),
		URL:         t.URL,
		Method:      t.Method,
		Attempt:     t.Attempt,
		Bytes:       int64(len(res.Body)),
		StatusClass: progress.ClassifyStatus(res.StatusCode),
		Dur:         res.Elapsed,
	})

	if e.policy.RetryStatus(res.StatusCode) {
		if e.policy.ShouldRetry(t.Attempt, res.StatusCode, nil) {
			e.scheduleRetry(ctx, t, fmt.Sprintf("status %d", res.StatusCode))
			return
		}
		e.report(spider.NewDownloadError(t, res,
			fmt.Errorf("giving up after %d attempts: status %d", t.Attempt, res.StatusCode)))
		return
	}

	keep, follow, verr := e.hooks.RunResponse(res)
	if verr != nil {
		e.report(verr)
		return
	}
	if follow != nil {
		e.follow(res, follow)
		return
	}

	e.extract(keep)
}

// scheduleRetry parks the next attempt on its own goroutine for the
// backoff window. The accounting slot moves to the retry before the
// current task releases its own, so the run cannot end in between.
func (e *Engine) scheduleRetry(ctx context.Context, t *spider.Task, reason string) {
	next := t.Retry()
	delay := e.policy.Backoff(t.Attempt)
	e.counters.retries.Add(1)
	e.logger.Warn("retrying task",
		zap.String("url", t.URL),
		zap.Int("next_attempt", next.Attempt),
		zap.Duration("delay", delay),
		zap.String("reason", reason),
	)
	e.emit(progress.Event{
		Stage:   progress.StageRetry,
		Host:    t.Host(),
		URL:     t.URL,
		Attempt: next.Attempt,
	})
	e.pending.Add(1)
	go e.retryLater(ctx, next, delay)
}

// retryLater waits out the backoff and requeues the task. The slot is
// held for the whole wait so the run cannot end while a retry is
// pending; on cancellation the slot is released without a requeue.
func (e *Engine) retryLater(ctx context.Context, t *spider.Task, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		if !e.queue.Push(t) {
			e.pending.Done()
		}
	case <-ctx.Done():
		e.pending.Done()
	}
}

// extract runs the task's extraction callback (or the spider's Parse,
// or the default yield-the-response) and feeds the yields back into the
// queue and the output pipeline.
func (e *Engine) extract(res *spider.Response) {
	yields, err := e.parse(res)
	if err != nil {
		e.report(spider.NewParseError(res.Task, res, err))
		return
	}
	for _, y := range yields {
		if y.Task != nil {
			e.follow(res, y.Task)
			continue
		}
		if y.Item != nil {
			e.pipeline(res, y.Item)
		}
	}
}

func (e *Engine) parse(res *spider.Response) (yields []spider.Yield, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("extract panic: %v", rec)
		}
	}()
	if res.Task != nil && res.Task.Extract != nil {
		return res.Task.Extract(res)
	}
	if p, ok := e.sp.(spider.Parser); ok {
		return p.Parse(res)
	}
	return []spider.Yield{spider.Emit(res)}, nil
}

// follow enqueues a child task: its URL is resolved against the final
// response URL and it inherits the parent's session unless it declares
// its own.
func (e *Engine) follow(res *spider.Response, child *spider.Task) {
	child.ResolveAgainst(res.URL)
	if child.Session == nil && res.Task != nil {
		child.Session = res.Task.Session
	}
	e.submit(child)
}

// pipeline pushes one item through the output pipes and then the
// spider's Collect.
func (e *Engine) pipeline(res *spider.Response, item any) {
	out, dropped, err := e.hooks.RunOutput(item, res)
	if err != nil {
		e.report(spider.NewParseError(res.Task, res, err))
		return
	}
	if dropped {
		return
	}
	if collector, ok := e.sp.(spider.Collector); ok {
		if err := e.collect(collector, out, res); err != nil {
			e.report(spider.NewParseError(res.Task, res, err))
			return
		}
	}
	e.counters.items.Add(1)
	e.emit(progress.Event{Stage: progress.StageItem, Host: hostOf(res), URL: urlOf(res)})
}

func (e *Engine) collect(c spider.Collector, item any, res *spider.Response) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("collect panic: %v", rec)
		}
	}()
	return c.Collect(item, res)
}

// report records a terminal task error exactly once: counters, log,
// progress event, failed-URL list, then the spider's OnError.
func (e *Engine) report(serr *spider.Error) {
	e.counters.recordError(serr.Kind)

	taskURL := ""
	host := ""
	if serr.Task != nil {
		taskURL = serr.Task.URL
		host = serr.Task.Host()
	}
	e.logger.Warn("task failed",
		zap.String("kind", serr.Kind.String()),
		zap.String("url", taskURL),
		zap.Error(serr),
	)
	if serr.Kind == spider.KindDownloadError && taskURL != "" {
		e.mu.Lock()
		e.failed = append(e.failed, taskURL)
		e.mu.Unlock()
	}
	e.emit(progress.Event{
		Stage: progress.StageError,
		Host:  host,
		URL:   taskURL,
		Kind:  serr.Kind.String(),
	})

	if handler, ok := e.sp.(spider.ErrorHandler); ok {
		e.callOnError(handler, serr)
	}
}

// callOnError shields the run from a panicking error handler.
func (e *Engine) callOnError(h spider.ErrorHandler, serr *spider.Error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("spider on_error panicked", zap.Any("panic", rec))
		}
	}()
	h.OnError(serr)
}

// finish closes the run bracket: the spider's OnFinish, the failed-URL
// summary, the end-of-run banner, and the final progress event.
func (e *Engine) finish(start time.Time, runErr error) {
	if finisher, ok := e.sp.(spider.Finisher); ok {
		finisher.OnFinish()
	}

	e.mu.Lock()
	failed := append([]string(nil), e.failed...)
	e.mu.Unlock()
	if len(failed) > 0 {
		e.logger.Warn("failed urls", zap.Int("count", len(failed)), zap.Strings("urls", failed))
	}

	elapsed := e.clock.Now().Sub(start)
	stats := e.Stats()
	e.logger.Info("run finished",
		zap.Duration("elapsed", elapsed),
		zap.Int64("fetches", stats.Fetches),
		zap.Int64("retries", stats.Retries),
		zap.Int64("items", stats.Items),
		zap.Int64("errors", stats.Errors()),
	)
	e.emit(progress.Event{Stage: progress.StageRunDone, Dur: elapsed, Kind: resultKind(runErr)})
}

func resultKind(runErr error) string {
	switch {
	case runErr == nil:
		return ""
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func (e *Engine) emit(evt progress.Event) {
	if e.emitter == nil {
		return
	}
	evt.RunID = progress.UUIDToBytes(e.runID)
	evt.TS = e.clock.Now()
	e.emitter.Emit(evt)
}

func hostOf(res *spider.Response) string {
	if res == nil || res.URL == nil {
		return ""
	}
	return res.URL.Host
}

func urlOf(res *spider.Response) string {
	if res == nil || res.URL == nil {
		return ""
	}
	return res.URL.String()
}
