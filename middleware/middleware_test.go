package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spinneret/spinneret/session"
	"github.com/spinneret/spinneret/spider"
)

func runHook(t *testing.T, h spider.RequestHook, task *spider.Task) (*spider.Task, *spider.Error) {
	t.Helper()
	var hooks spider.Hooks
	hooks.OnRequest(h)
	return hooks.RunRequest(task)
}

func TestRandomUserAgentStampsTask(t *testing.T) {
	t.Parallel()

	got, verr := runHook(t, RandomUserAgent(), spider.NewTask("http://example.com/"))
	require.Nil(t, verr)
	require.Contains(t, DefaultUserAgents, got.Headers.Get("User-Agent"))
}

func TestRandomUserAgentSkipsSessionedTasks(t *testing.T) {
	t.Parallel()

	task := spider.NewTask("http://example.com/").WithSession(session.New())
	got, verr := runHook(t, RandomUserAgent(), task)
	require.Nil(t, verr)
	require.Empty(t, got.Headers.Get("User-Agent"))
}

func TestRandomUserAgentFromEmptyPool(t *testing.T) {
	t.Parallel()

	got, verr := runHook(t, RandomUserAgentFrom(nil), spider.NewTask("http://example.com/"))
	require.Nil(t, verr)
	require.Empty(t, got.Headers.Get("User-Agent"))
}

func TestRobotsBlocksDisallowedPath(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	hook := Robots("", nil)

	got, verr := runHook(t, hook, spider.NewTask(srv.URL+"/public/page"))
	require.Nil(t, verr)
	require.NotNil(t, got)

	_, verr = runHook(t, hook, spider.NewTask(srv.URL+"/private/page"))
	require.NotNil(t, verr)
	require.Equal(t, spider.KindRequestIgnored, verr.Kind)
	require.ErrorIs(t, verr, ErrDisallowed)
}

func TestRobotsAllowsWhenRobotsMissing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, verr := runHook(t, Robots("", nil), spider.NewTask(srv.URL+"/anything"))
	require.Nil(t, verr)
}

func TestRobotsAllowsWhenHostUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, verr := runHook(t, Robots("", nil), spider.NewTask(srv.URL+"/anything"))
	require.Nil(t, verr)
}

func TestRobotsFetchesRulesOncePerHost(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write([]byte("User-agent: *\nDisallow:\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	hook := Robots("", nil)
	for i := 0; i < 5; i++ {
		_, verr := runHook(t, hook, spider.NewTask(srv.URL+"/page"))
		require.Nil(t, verr)
	}
	require.EqualValues(t, 1, fetches.Load())
}

func TestRobotsMatchesConfiguredAgent(t *testing.T) {
	t.Parallel()

	var robotsUA atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		robotsUA.Store(r.Header.Get("User-Agent"))
		w.Write([]byte("User-agent: greedybot\nDisallow: /\n\nUser-agent: *\nDisallow:\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, verr := runHook(t, Robots("greedybot", nil), spider.NewTask(srv.URL+"/page"))
	require.NotNil(t, verr)
	require.ErrorIs(t, verr, ErrDisallowed)
	require.Equal(t, "greedybot", robotsUA.Load())

	_, verr = runHook(t, Robots("politebot", nil), spider.NewTask(srv.URL+"/page"))
	require.Nil(t, verr)
}

func TestRobotsKeepsNonHTTPTasks(t *testing.T) {
	t.Parallel()

	hook := Robots("", nil)
	for _, raw := range []string{"mailto:someone@example.com", "ftp://example.com/file", "not a url"} {
		got, verr := runHook(t, hook, spider.NewTask(raw))
		require.Nil(t, verr)
		require.NotNil(t, got)
	}
}
