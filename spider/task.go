package spider

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spinneret/spinneret/session"
)

// ExtractFunc turns a response into follow-up tasks and output items.
type ExtractFunc func(*Response) ([]Yield, error)

// FormFile is one file part of a multipart request body. Content is held
// in memory so retries can resend the body.
type FormFile struct {
	Field    string
	Name     string
	MIMEType string
	Content  []byte
}

// Task describes one unit of fetch work. Build it with NewTask and the
// With helpers, then treat it as read-only once enqueued; the engine
// clones it with an incremented Attempt when scheduling a retry.
//
// Body selection: Files triggers a multipart body, otherwise JSON is
// marshaled when set, otherwise Form is sent urlencoded.
type Task struct {
	URL     string
	Method  string
	Headers http.Header
	Cookies []*http.Cookie
	Query   url.Values

	Form  url.Values
	JSON  any
	Files []FormFile

	Proxy              string
	InsecureSkipVerify bool
	Timeout            time.Duration

	// Extract overrides the spider's Parse for this task's response.
	Extract ExtractFunc

	// Session shares cookies and defaults with every task holding the
	// same reference. Tasks yielded from a sessioned response inherit it
	// unless they declare their own.
	Session *session.Ref

	// State rides along to the response unchanged. Tasks must not share
	// one state value unless the user synchronizes access.
	State any

	// Attempt starts at 1 and only the engine increments it.
	Attempt int
}

// NewTask creates a GET task for rawurl.
func NewTask(rawurl string) *Task {
	return &Task{
		URL:     rawurl,
		Method:  http.MethodGet,
		Headers: http.Header{},
		Attempt: 1,
	}
}

// Tasks builds entry tasks from bare URLs.
func Tasks(urls ...string) []*Task {
	out := make([]*Task, 0, len(urls))
	for _, u := range urls {
		out = append(out, NewTask(u))
	}
	return out
}

// WithMethod sets the HTTP method.
func (t *Task) WithMethod(method string) *Task {
	t.Method = method
	return t
}

// WithHeader sets one header value.
func (t *Task) WithHeader(key, value string) *Task {
	if t.Headers == nil {
		t.Headers = http.Header{}
	}
	t.Headers.Set(key, value)
	return t
}

// WithCookie attaches a request cookie.
func (t *Task) WithCookie(c *http.Cookie) *Task {
	t.Cookies = append(t.Cookies, c)
	return t
}

// WithQuery adds a query parameter merged into the URL at fetch time.
func (t *Task) WithQuery(key, value string) *Task {
	if t.Query == nil {
		t.Query = url.Values{}
	}
	t.Query.Add(key, value)
	return t
}

// WithForm sets an urlencoded form body and switches the method to POST
// when it is still the default.
func (t *Task) WithForm(form url.Values) *Task {
	t.Form = form
	if t.Method == "" || t.Method == http.MethodGet {
		t.Method = http.MethodPost
	}
	return t
}

// WithJSON sets a JSON body and switches the method to POST when it is
// still the default.
func (t *Task) WithJSON(v any) *Task {
	t.JSON = v
	if t.Method == "" || t.Method == http.MethodGet {
		t.Method = http.MethodPost
	}
	return t
}

// WithFile adds a multipart file part; form fields are carried alongside
// when Form is also set.
func (t *Task) WithFile(f FormFile) *Task {
	t.Files = append(t.Files, f)
	if t.Method == "" || t.Method == http.MethodGet {
		t.Method = http.MethodPost
	}
	return t
}

// WithProxy routes the fetch through the given proxy URL.
func (t *Task) WithProxy(proxy string) *Task {
	t.Proxy = proxy
	return t
}

// WithTimeout sets a per-task deadline, overriding the configured default.
func (t *Task) WithTimeout(d time.Duration) *Task {
	t.Timeout = d
	return t
}

// WithExtract sets the extraction callback for this task's response.
func (t *Task) WithExtract(f ExtractFunc) *Task {
	t.Extract = f
	return t
}

// WithSession attaches the task to a session.
func (t *Task) WithSession(ref *session.Ref) *Task {
	t.Session = ref
	return t
}

// WithState attaches an opaque user value passed through to the response.
func (t *Task) WithState(v any) *Task {
	t.State = v
	return t
}

// Insecure disables TLS certificate verification for this task.
func (t *Task) Insecure() *Task {
	t.InsecureSkipVerify = true
	return t
}

// Retry returns a copy of the task scheduled as the next attempt.
func (t *Task) Retry() *Task {
	next := *t
	next.Attempt = t.Attempt + 1
	return &next
}

// ResolveAgainst rewrites a relative task URL against base, typically
// the final URL of the response that yielded this task. Absolute URLs
// pass through unchanged.
func (t *Task) ResolveAgainst(base *url.URL) {
	if base == nil || t.URL == "" {
		return
	}
	ref, err := url.Parse(t.URL)
	if err != nil {
		return
	}
	t.URL = base.ResolveReference(ref).String()
}

// Host returns the host portion of the task URL, empty when the URL does
// not parse.
func (t *Task) Host() string {
	u, err := url.Parse(t.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

// String identifies the task for logs.
func (t *Task) String() string {
	return fmt.Sprintf("%s %s (attempt %d)", t.Method, t.URL, t.Attempt)
}
