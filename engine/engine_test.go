package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spinneret/spinneret/session"
	"github.com/spinneret/spinneret/spider"
)

// runLog records milestones from fakes so ordering can be asserted.
type runLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *runLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *runLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type fetchCall struct {
	task *spider.Task
	sess *session.State
}

// scriptedFetcher answers fetches from a function and records every call.
type scriptedFetcher struct {
	mu     sync.Mutex
	calls  []fetchCall
	fn     func(t *spider.Task, sess *session.State) (*spider.Response, error)
	record func(string)
}

func (f *scriptedFetcher) Fetch(_ context.Context, t *spider.Task, sess *session.State) (*spider.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{task: t, sess: sess})
	f.mu.Unlock()
	if f.record != nil {
		f.record("fetch:" + t.URL)
	}
	return f.fn(t, sess)
}

func (f *scriptedFetcher) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.task.URL
	}
	return out
}

func (f *scriptedFetcher) attempts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.task.Attempt
	}
	return out
}

func (f *scriptedFetcher) states() []*session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*session.State, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.sess
	}
	return out
}

func okResponse(t *spider.Task, body string) (*spider.Response, error) {
	return statusResponse(t, http.StatusOK, body)
}

func statusResponse(t *spider.Task, code int, body string) (*spider.Response, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, err
	}
	return &spider.Response{
		StatusCode: code,
		Headers:    http.Header{},
		Body:       []byte(body),
		URL:        u,
		Task:       t,
		State:      t.State,
	}, nil
}

// stubSpider implements every optional capability with recording fields.
type stubSpider struct {
	entry      []*spider.Task
	entryErr   error
	startErr   error
	parse      func(res *spider.Response) ([]spider.Yield, error)
	collectErr error
	panicOnErr bool
	log        *runLog

	mu       sync.Mutex
	entries  int
	starts   int
	finishes int
	errs     []*spider.Error
	items    []any
}

func (s *stubSpider) Entry(context.Context) ([]*spider.Task, error) {
	s.mu.Lock()
	s.entries++
	s.mu.Unlock()
	return s.entry, s.entryErr
}

func (s *stubSpider) OnStart(context.Context) error {
	s.mu.Lock()
	s.starts++
	s.mu.Unlock()
	return s.startErr
}

func (s *stubSpider) OnFinish() {
	s.mu.Lock()
	s.finishes++
	s.mu.Unlock()
	if s.log != nil {
		s.log.add("finish")
	}
}

func (s *stubSpider) OnError(err *spider.Error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	if s.panicOnErr {
		panic("handler exploded")
	}
}

func (s *stubSpider) Parse(res *spider.Response) ([]spider.Yield, error) {
	if s.parse == nil {
		return nil, nil
	}
	return s.parse(res)
}

func (s *stubSpider) Collect(item any, _ *spider.Response) error {
	if s.collectErr != nil {
		return s.collectErr
	}
	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()
	return nil
}

func (s *stubSpider) errorKinds() []spider.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]spider.Kind, len(s.errs))
	for i, e := range s.errs {
		out[i] = e.Kind
	}
	return out
}

func (s *stubSpider) collected() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.items...)
}

func (s *stubSpider) finished() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishes
}

// bareSpider has no optional capabilities at all.
type bareSpider struct {
	entry []*spider.Task
}

func (s *bareSpider) Entry(context.Context) ([]*spider.Task, error) {
	return s.entry, nil
}

func TestRunCollectsItems(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "body")
	}}
	sp := &stubSpider{
		entry: spider.Tasks("http://example.com/start"),
		parse: func(res *spider.Response) ([]spider.Yield, error) {
			return []spider.Yield{spider.Emit("first"), spider.Emit("second")}, nil
		},
	}
	eng := New(Config{Workers: 2}, sp, fetcher, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	require.Equal(t, []any{"first", "second"}, sp.collected())
	require.Empty(t, sp.errorKinds())
	require.Equal(t, 1, sp.starts)
	require.Equal(t, 1, sp.finished())

	stats := eng.Stats()
	require.EqualValues(t, 1, stats.Fetches)
	require.EqualValues(t, 2, stats.Items)
	require.EqualValues(t, 0, stats.Errors())
}

func TestDefaultParseEmitsResponse(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "body")
	}}
	sp := &bareSpider{entry: spider.Tasks("http://example.com/")}
	eng := New(Config{Workers: 1}, sp, fetcher, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	stats := eng.Stats()
	require.EqualValues(t, 1, stats.Items)
	require.EqualValues(t, 0, stats.Errors())
}

func TestTransportRetryExhaustionReportsOneDownloadError(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("connection refused")
	fetcher := &scriptedFetcher{fn: func(*spider.Task, *session.State) (*spider.Response, error) {
		return nil, errBoom
	}}
	sp := &stubSpider{entry: spider.Tasks("http://example.com/")}
	eng := New(Config{Workers: 1, RetryTimes: 2, RetryDelay: 2 * time.Millisecond}, sp, fetcher, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	require.Equal(t, []int{1, 2, 3}, fetcher.attempts())
	require.Equal(t, []spider.Kind{spider.KindDownloadError}, sp.errorKinds())
	require.ErrorIs(t, sp.errs[0], errBoom)

	stats := eng.Stats()
	require.EqualValues(t, 2, stats.Retries)
	require.EqualValues(t, 1, stats.DownloadErrors)
}

func TestStatus503RetriedThreeTimesWithRetryTimesTwo(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return statusResponse(task, http.StatusServiceUnavailable, "overloaded")
	}}
	sp := &stubSpider{entry: spider.Tasks("http://example.com/busy")}
	eng := New(Config{Workers: 1, RetryTimes: 2, RetryDelay: 2 * time.Millisecond}, sp, fetcher, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	require.Equal(t, []int{1, 2, 3}, fetcher.attempts())
	require.Equal(t, []spider.Kind{spider.KindDownloadError}, sp.errorKinds())
	require.NotNil(t, sp.errs[0].Response)
	require.Equal(t, http.StatusServiceUnavailable, sp.errs[0].Response.StatusCode)
}

func TestRetryStopsOnSuccess(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		if task.Attempt < 3 {
			return statusResponse(task, http.StatusBadGateway, "")
		}
		return okResponse(task, "finally")
	}}
	sp := &stubSpider{
		entry: spider.Tasks("http://example.com/flaky"),
		parse: func(res *spider.Response) ([]spider.Yield, error) {
			return []spider.Yield{spider.Emit(res.Text())}, nil
		},
	}
	eng := New(Config{Workers: 1, RetryTimes: 3, RetryDelay: 2 * time.Millisecond}, sp, fetcher, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	require.Equal(t, []int{1, 2, 3}, fetcher.attempts())
	require.Empty(t, sp.errorKinds())
	require.Equal(t, []any{"finally"}, sp.collected())
}

func TestNonRetryStatusPassesThrough(t *testing.T) {
	t.Parallel()

	var seen int
	var mu sync.Mutex
	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return statusResponse(task, http.StatusNotFound, "gone")
	}}
	sp := &stubSpider{
		entry: spider.Tasks("http://example.com/missing"),
		parse: func(res *spider.Response) ([]spider.Yield, error) {
			mu.Lock()
			seen = res.StatusCode
			mu.Unlock()
			return nil, nil
		},
	}
	eng := New(Config{Workers: 1, RetryTimes: 2, RetryDelay: time.Millisecond}, sp, fetcher, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	require.Len(t, fetcher.urls(), 1)
	require.Equal(t, http.StatusNotFound, seen)
	require.Empty(t, sp.errorKinds())
}

func TestCustomRetryCodes(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		if task.Attempt == 1 {
			return statusResponse(task, http.StatusTeapot, "")
		}
		return okResponse(task, "")
	}}
	sp := &stubSpider{entry: spider.Tasks("http://example.com/teapot")}
	eng := New(Config{
		Workers:    1,
		RetryTimes: 2,
		RetryDelay: time.Millisecond,
		RetryCodes: []int{http.StatusTeapot},
	}, sp, fetcher, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	require.Equal(t, []int{1, 2}, fetcher.attempts())
	require.Empty(t, sp.errorKinds())
}

func TestPreFetchVetoSkipsFetch(t *testing.T) {
	t.Parallel()

	errBlocked := errors.New("blocked by policy")
	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}
	sp := &stubSpider{entry: spider.Tasks("http://example.com/forbidden")}
	eng := New(Config{Workers: 1}, sp, fetcher, nil, nil)
	eng.OnRequest(func(*spider.Task) spider.RequestVerdict {
		return spider.DropRequest(errBlocked)
	})

	require.NoError(t, eng.Run(context.Background()))
	require.Empty(t, fetcher.urls())
	require.Equal(t, []spider.Kind{spider.KindRequestIgnored}, sp.errorKinds())
	require.ErrorIs(t, sp.errs[0], errBlocked)
}

func TestRequestHookRewriteReachesFetch(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}
	sp := &stubSpider{entry: spider.Tasks("http://example.com/")}
	eng := New(Config{Workers: 1}, sp, fetcher, nil, nil)
	eng.OnRequest(func(task *spider.Task) spider.RequestVerdict {
		return spider.KeepRequest(task.WithHeader("X-Marked", "yes"))
	})

	require.NoError(t, eng.Run(context.Background()))
	require.Len(t, fetcher.calls, 1)
	require.Equal(t, "yes", fetcher.calls[0].task.Headers.Get("X-Marked"))
}

func TestResponseVetoReportsResponseIgnored(t *testing.T) {
	t.Parallel()

	errStale := errors.New("stale content")
	var parsed bool
	var mu sync.Mutex
	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}
	sp := &stubSpider{
		entry: spider.Tasks("http://example.com/"),
		parse: func(*spider.Response) ([]spider.Yield, error) {
			mu.Lock()
			parsed = true
			mu.Unlock()
			return nil, nil
		},
	}
	eng := New(Config{Workers: 1}, sp, fetcher, nil, nil)
	eng.OnResponse(func(*spider.Response) spider.ResponseVerdict {
		return spider.DropResponse(errStale)
	})

	require.NoError(t, eng.Run(context.Background()))
	require.Equal(t, []spider.Kind{spider.KindResponseIgnored}, sp.errorKinds())
	require.ErrorIs(t, sp.errs[0], errStale)
	require.False(t, parsed)
}

func TestFollowInsteadEnqueuesReplacement(t *testing.T) {
	t.Parallel()

	var parsedURLs []string
	var mu sync.Mutex
	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}
	sp := &stubSpider{
		entry: spider.Tasks("http://example.com/old"),
		parse: func(res *spider.Response) ([]spider.Yield, error) {
			mu.Lock()
			parsedURLs = append(parsedURLs, res.URL.String())
			mu.Unlock()
			return nil, nil
		},
	}
	eng := New(Config{Workers: 1}, sp, fetcher, nil, nil)
	eng.OnResponse(func(res *spider.Response) spider.ResponseVerdict {
		if res.Task.URL == "http://example.com/old" {
			return spider.FollowInstead(spider.NewTask("/new"))
		}
		return spider.KeepResponse(res)
	})

	require.NoError(t, eng.Run(context.Background()))
	require.Equal(t, []string{"http://example.com/old", "http://example.com/new"}, fetcher.urls())
	require.Equal(t, []string{"http://example.com/new"}, parsedURLs)
	require.Empty(t, sp.errorKinds())
}

func TestNilPipeDropsItemBeforeCollect(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}
	sp := &stubSpider{
		entry: spider.Tasks("http://example.com/"),
		parse: func(*spider.Response) ([]spider.Yield, error) {
			return []spider.Yield{spider.Emit("doomed")}, nil
		},
	}
	eng := New(Config{Workers: 1}, sp, fetcher, nil, nil)
	eng.OnItem(func(any, *spider.Response) (any, error) {
		return nil, nil
	})

	require.NoError(t, eng.Run(context.Background()))
	require.Empty(t, sp.collected())
	require.Empty(t, sp.errorKinds())
	require.EqualValues(t, 0, eng.Stats().Items)
}

func TestPipeErrorReportsParseError(t *testing.T) {
	t.Parallel()

	errPipe := errors.New("malformed item")
	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}
	sp := &stubSpider{
		entry: spider.Tasks("http://example.com/"),
		parse: func(*spider.Response) ([]spider.Yield, error) {
			return []spider.Yield{spider.Emit("bad")}, nil
		},
	}
	eng := New(Config{Workers: 1}, sp, fetcher, nil, nil)
	eng.OnItem(func(any, *spider.Response) (any, error) {
		return nil, errPipe
	})

	require.NoError(t, eng.Run(context.Background()))
	require.Empty(t, sp.collected())
	require.Equal(t, []spider.Kind{spider.KindParseError}, sp.errorKinds())
	require.ErrorIs(t, sp.errs[0], errPipe)
}

func TestPipesTransformInOrder(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}
	sp := &stubSpider{
		entry: spider.Tasks("http://example.com/"),
		parse: func(*spider.Response) ([]spider.Yield, error) {
			return []spider.Yield{spider.Emit("x")}, nil
		},
	}
	eng := New(Config{Workers: 1}, sp, fetcher, nil, nil)
	eng.OnItem(func(item any, _ *spider.Response) (any, error) {
		return item.(string) + "-a", nil
	})
	eng.OnItem(func(item any, _ *spider.Response) (any, error) {
		return item.(string) + "-b", nil
	})

	require.NoError(t, eng.Run(context.Background()))
	require.Equal(t, []any{"x-a-b"}, sp.collected())
}

func TestParseErrorNeverRetried(t *testing.T) {
	t.Parallel()

	errParse := errors.New("unexpected markup")
	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}
	sp := &stubSpider{
		entry: spider.Tasks("http://example.com/"),
		parse: func(*spider.Response) ([]spider.Yield, error) {
			return nil, errParse
		},
	}
	eng := New(Config{Workers: 1, RetryTimes: 3, RetryDelay: time.Millisecond}, sp, fetcher, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	require.Len(t, fetcher.urls(), 1)
	require.Equal(t, []spider.Kind{spider.KindParseError}, sp.errorKinds())
	require.ErrorIs(t, sp.errs[0], errParse)
}

func TestParsePanicBecomesParseError(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}
	sp := &stubSpider{
		entry: spider.Tasks("http://example.com/"),
		parse: func(*spider.Response) ([]spider.Yield, error) {
			panic("parser exploded")
		},
	}
	eng := New(Config{Workers: 1}, sp, fetcher, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	require.Equal(t, []spider.Kind{spider.KindParseError}, sp.errorKinds())
}

func TestCollectErrorReportsParseError(t *testing.T) {
	t.Parallel()

	errSink := errors.New("sink full")
	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}
	sp := &stubSpider{
		entry: spider.Tasks("http://example.com/"),
		parse: func(*spider.Response) ([]spider.Yield, error) {
			return []spider.Yield{spider.Emit("item")}, nil
		},
		collectErr: errSink,
	}
	eng := New(Config{Workers: 1}, sp, fetcher, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	require.Equal(t, []spider.Kind{spider.KindParseError}, sp.errorKinds())
	require.ErrorIs(t, sp.errs[0], errSink)
	require.EqualValues(t, 0, eng.Stats().Items)
}

func TestChildURLsResolvedAgainstResponse(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}
	sp := &stubSpider{
		entry: spider.Tasks("http://example.com/section/index.html"),
		parse: func(res *spider.Response) ([]spider.Yield, error) {
			if res.Task.URL != "http://example.com/section/index.html" {
				return nil, nil
			}
			return []spider.Yield{spider.FollowURL("page2.html"), spider.FollowURL("/about")}, nil
		},
	}
	eng := New(Config{Workers: 1}, sp, fetcher, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	require.Equal(t, []string{
		"http://example.com/section/index.html",
		"http://example.com/section/page2.html",
		"http://example.com/about",
	}, fetcher.urls())
}

func TestChildrenInheritParentSession(t *testing.T) {
	t.Parallel()

	ref := session.New()
	other := session.New()
	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}
	sp := &stubSpider{
		entry: []*spider.Task{spider.NewTask("http://example.com/login").WithSession(ref)},
		parse: func(res *spider.Response) ([]spider.Yield, error) {
			if res.Task.URL != "http://example.com/login" {
				return nil, nil
			}
			return []spider.Yield{
				spider.FollowURL("/inherited"),
				spider.Follow(spider.NewTask("/separate").WithSession(other)),
			}, nil
		},
	}
	eng := New(Config{Workers: 1}, sp, fetcher, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	states := fetcher.states()
	require.Len(t, states, 3)
	require.NotNil(t, states[0])
	require.Same(t, states[0], states[1])
	require.NotSame(t, states[0], states[2])
}

func TestSessionCookiesSharedAcrossTasks(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got string
	mux := http.NewServeMux()
	mux.HandleFunc("/set", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc123"})
	})
	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		if ck, err := r.Cookie("sid"); err == nil {
			mu.Lock()
			got = ck.Value
			mu.Unlock()
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ref := session.New()
	sp := &stubSpider{entry: []*spider.Task{
		spider.NewTask(srv.URL + "/set").WithSession(ref),
		spider.NewTask(srv.URL + "/check").WithSession(ref),
	}}
	eng := New(Config{Workers: 1}, sp, nil, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	require.Empty(t, sp.errorKinds())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "abc123", got)
}

func TestSingleWorkerRunsFIFOWithFinishLast(t *testing.T) {
	t.Parallel()

	log := &runLog{}
	fetcher := &scriptedFetcher{
		fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
			return okResponse(task, "")
		},
		record: log.add,
	}
	sp := &stubSpider{
		entry: spider.Tasks("http://example.com/a"),
		parse: func(res *spider.Response) ([]spider.Yield, error) {
			if res.Task.URL != "http://example.com/a" {
				return nil, nil
			}
			return []spider.Yield{spider.FollowURL("/b"), spider.FollowURL("/c")}, nil
		},
		log: log,
	}
	eng := New(Config{Workers: 1}, sp, fetcher, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	require.Equal(t, []string{
		"fetch:http://example.com/a",
		"fetch:http://example.com/b",
		"fetch:http://example.com/c",
		"finish",
	}, log.all())
}

func TestCancellationStopsRunAndStillFinishes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	fetcher := &scriptedFetcher{fn: func(*spider.Task, *session.State) (*spider.Response, error) {
		cancel()
		<-release
		return nil, context.Canceled
	}}
	sp := &stubSpider{entry: spider.Tasks(
		"http://example.com/1",
		"http://example.com/2",
		"http://example.com/3",
	)}
	eng := New(Config{Workers: 1}, sp, fetcher, nil, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	err := eng.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, sp.finished())
	// The in-flight task fails terminally; the queued ones are discarded.
	require.Equal(t, []spider.Kind{spider.KindDownloadError}, sp.errorKinds())
	require.Len(t, fetcher.urls(), 1)
}

func TestStopAbortsRun(t *testing.T) {
	t.Parallel()

	var eng *Engine
	fetcher := &scriptedFetcher{fn: func(*spider.Task, *session.State) (*spider.Response, error) {
		eng.Stop()
		return nil, context.Canceled
	}}
	sp := &stubSpider{entry: spider.Tasks(
		"http://example.com/1",
		"http://example.com/2",
		"http://example.com/3",
	)}
	eng = New(Config{Workers: 1}, sp, fetcher, nil, nil)

	err := eng.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, sp.finished())
	require.Len(t, fetcher.urls(), 1)
}

func TestOnStartErrorAbortsBeforeEntry(t *testing.T) {
	t.Parallel()

	errStart := errors.New("warmup failed")
	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}
	sp := &stubSpider{entry: spider.Tasks("http://example.com/"), startErr: errStart}
	eng := New(Config{Workers: 1}, sp, fetcher, nil, nil)

	err := eng.Run(context.Background())
	require.ErrorIs(t, err, errStart)
	require.Equal(t, 0, sp.entries)
	require.Equal(t, 0, sp.finished())
	require.Empty(t, fetcher.urls())
}

func TestEntryErrorStillRunsFinish(t *testing.T) {
	t.Parallel()

	errEntry := errors.New("no seeds")
	sp := &stubSpider{entryErr: errEntry}
	eng := New(Config{Workers: 1}, sp, &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}, nil, nil)

	err := eng.Run(context.Background())
	require.ErrorIs(t, err, errEntry)
	require.Equal(t, 1, sp.finished())
}

func TestOnErrorPanicIsSwallowed(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(*spider.Task, *session.State) (*spider.Response, error) {
		return nil, errors.New("down")
	}}
	sp := &stubSpider{entry: spider.Tasks("http://example.com/"), panicOnErr: true}
	eng := New(Config{Workers: 1, RetryTimes: 0}, sp, fetcher, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	require.Equal(t, []spider.Kind{spider.KindDownloadError}, sp.errorKinds())
}

func TestEngineRunsOnlyOnce(t *testing.T) {
	t.Parallel()

	sp := &stubSpider{}
	eng := New(Config{Workers: 1}, sp, &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	err := eng.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "already started")
}

func TestWorkersDefaultToTwiceGOMAXPROCS(t *testing.T) {
	t.Parallel()

	eng := New(Config{}, &bareSpider{}, &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}, nil, nil)
	require.Equal(t, 2*runtime.GOMAXPROCS(0), eng.cfg.Workers)
}

func TestManyTasksAcrossWorkersAllSettle(t *testing.T) {
	t.Parallel()

	const seeds = 40
	urls := make([]string, seeds)
	for i := range urls {
		urls[i] = fmt.Sprintf("http://example.com/page/%d", i)
	}
	fetcher := &scriptedFetcher{fn: func(task *spider.Task, _ *session.State) (*spider.Response, error) {
		return okResponse(task, "")
	}}
	sp := &stubSpider{
		entry: spider.Tasks(urls...),
		parse: func(res *spider.Response) ([]spider.Yield, error) {
			return []spider.Yield{spider.Emit(res.URL.Path)}, nil
		},
	}
	eng := New(Config{Workers: 8}, sp, fetcher, nil, nil)

	require.NoError(t, eng.Run(context.Background()))
	require.Len(t, fetcher.urls(), seeds)
	require.Len(t, sp.collected(), seeds)
	require.Empty(t, sp.errorKinds())
	require.EqualValues(t, 0, eng.Stats().InFlight)
	require.EqualValues(t, 0, eng.Stats().Queued)
}
