package spider

import "context"

// Spider seeds a crawl. Implement the optional capability interfaces
// below to hook the rest of the lifecycle; the engine detects them with
// type assertions.
type Spider interface {
	// Entry produces the initial tasks. Use Tasks to build them from
	// bare URLs.
	Entry(ctx context.Context) ([]*Task, error)
}

// Parser produces follow-up tasks and output items from a response.
// Spiders without it have each response emitted as a single item.
type Parser interface {
	Parse(res *Response) ([]Yield, error)
}

// Starter runs before any task is enqueued. An error aborts the run.
type Starter interface {
	OnStart(ctx context.Context) error
}

// Finisher runs exactly once after the run drains, failures included.
type Finisher interface {
	OnFinish()
}

// ErrorHandler receives every terminal task failure. It may be called
// concurrently from several workers and must be reentrant.
type ErrorHandler interface {
	OnError(err *Error)
}

// Collector is the implicit final output pipe. An error is reported like
// a pipe failure, terminal for that item only.
type Collector interface {
	Collect(item any, res *Response) error
}

// Yield is one extraction result: a task to follow or an item to emit.
// When both are set the task wins.
type Yield struct {
	Task *Task
	Item any
}

// Follow yields a task for the scheduler. Relative task URLs are
// resolved against the response URL before enqueueing.
func Follow(t *Task) Yield {
	return Yield{Task: t}
}

// FollowURL yields a GET task for u.
func FollowURL(u string) Yield {
	return Yield{Task: NewTask(u)}
}

// Emit yields an output item.
func Emit(item any) Yield {
	return Yield{Item: item}
}
