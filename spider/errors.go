package spider

import "fmt"

// Kind classifies a terminal task failure.
type Kind int

const (
	// KindRequestIgnored marks a task vetoed by a request hook before
	// any fetch was attempted.
	KindRequestIgnored Kind = iota + 1
	// KindResponseIgnored marks a response abandoned by a response hook.
	KindResponseIgnored
	// KindDownloadError marks a transport or status failure that
	// exhausted its retries.
	KindDownloadError
	// KindParseError marks a failure inside extraction or an output
	// pipe; never retried.
	KindParseError
)

// String names the kind for logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindRequestIgnored:
		return "request_ignored"
	case KindResponseIgnored:
		return "response_ignored"
	case KindDownloadError:
		return "download_error"
	case KindParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}

// Error is a terminal task failure reported to the error hook. It is
// data handed to the spider; the engine never branches on it beyond
// retry classification.
type Error struct {
	Kind     Kind
	Task     *Task
	Response *Response
	Cause    error
}

// Error formats the failure with its task URL and cause.
func (e *Error) Error() string {
	target := ""
	if e.Task != nil {
		target = e.Task.URL
	}
	var msg string
	switch e.Kind {
	case KindRequestIgnored:
		msg = fmt.Sprintf("request ignored: %s", target)
	case KindResponseIgnored:
		msg = fmt.Sprintf("response ignored: %s", target)
	case KindDownloadError:
		msg = fmt.Sprintf("download failed: %s", target)
	case KindParseError:
		msg = fmt.Sprintf("extraction failed: %s", target)
	default:
		msg = fmt.Sprintf("task failed: %s", target)
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewRequestIgnored builds a request-veto error.
func NewRequestIgnored(t *Task, cause error) *Error {
	return &Error{Kind: KindRequestIgnored, Task: t, Cause: cause}
}

// NewResponseIgnored builds a response-veto error.
func NewResponseIgnored(t *Task, res *Response, cause error) *Error {
	return &Error{Kind: KindResponseIgnored, Task: t, Response: res, Cause: cause}
}

// NewDownloadError builds a terminal download failure. The response is
// present when the failure was a retryable status rather than a
// transport error.
func NewDownloadError(t *Task, res *Response, cause error) *Error {
	return &Error{Kind: KindDownloadError, Task: t, Response: res, Cause: cause}
}

// NewParseError builds a terminal extraction failure.
func NewParseError(t *Task, res *Response, cause error) *Error {
	return &Error{Kind: KindParseError, Task: t, Response: res, Cause: cause}
}
