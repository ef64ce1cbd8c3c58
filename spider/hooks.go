package spider

import "fmt"

// RequestHook inspects or rewrites a task before the fetch. Return
// KeepRequest to continue the chain, DropRequest to veto the task.
type RequestHook func(*Task) RequestVerdict

// ResponseHook inspects or rewrites a response after the fetch. Return
// KeepResponse to continue, FollowInstead to abandon the response and
// enqueue a replacement task, DropResponse to veto.
type ResponseHook func(*Response) ResponseVerdict

// Pipe transforms one output item. Returning a nil item with a nil error
// drops the item silently; an error is terminal for that item only.
type Pipe func(item any, res *Response) (any, error)

// RequestVerdict is the discriminated result of a request hook.
type RequestVerdict struct {
	task  *Task
	cause error
	drop  bool
}

// KeepRequest continues the chain with t, the hook's input or a
// replacement. A nil task counts as a veto.
func KeepRequest(t *Task) RequestVerdict {
	if t == nil {
		return RequestVerdict{drop: true}
	}
	return RequestVerdict{task: t}
}

// DropRequest vetoes the task; the engine reports one RequestIgnored
// carrying cause and never fetches.
func DropRequest(cause error) RequestVerdict {
	return RequestVerdict{drop: true, cause: cause}
}

// ResponseVerdict is the discriminated result of a response hook.
type ResponseVerdict struct {
	res    *Response
	follow *Task
	cause  error
	drop   bool
}

// KeepResponse continues the chain with r, the hook's input or a
// replacement. A nil response counts as a veto.
func KeepResponse(r *Response) ResponseVerdict {
	if r == nil {
		return ResponseVerdict{drop: true}
	}
	return ResponseVerdict{res: r}
}

// FollowInstead abandons the current response and enqueues t as new
// work. Later response hooks and extraction do not run; no error is
// reported.
func FollowInstead(t *Task) ResponseVerdict {
	if t == nil {
		return ResponseVerdict{drop: true}
	}
	return ResponseVerdict{follow: t}
}

// DropResponse vetoes the response; the engine reports one
// ResponseIgnored carrying cause.
func DropResponse(cause error) ResponseVerdict {
	return ResponseVerdict{drop: true, cause: cause}
}

// Hooks holds the three ordered chains. Registration order is execution
// order; hooks may mutate the task or response in place and later hooks
// in the same chain observe the mutation.
type Hooks struct {
	requests  []RequestHook
	responses []ResponseHook
	pipes     []Pipe
}

// OnRequest appends a request hook.
func (h *Hooks) OnRequest(f RequestHook) {
	h.requests = append(h.requests, f)
}

// OnResponse appends a response hook.
func (h *Hooks) OnResponse(f ResponseHook) {
	h.responses = append(h.responses, f)
}

// OnItem appends an output pipe.
func (h *Hooks) OnItem(f Pipe) {
	h.pipes = append(h.pipes, f)
}

// RunRequest applies the request chain and returns the task to fetch, or
// a RequestIgnored error when a hook vetoed or panicked.
func (h *Hooks) RunRequest(t *Task) (*Task, *Error) {
	cur := t
	for _, f := range h.requests {
		v := runRequestHook(f, cur)
		if v.drop {
			return nil, NewRequestIgnored(cur, v.cause)
		}
		cur = v.task
	}
	return cur, nil
}

// RunResponse applies the response chain. Exactly one of the returns is
// set: the response to extract, a follow-up task to enqueue, or a
// ResponseIgnored error.
func (h *Hooks) RunResponse(r *Response) (*Response, *Task, *Error) {
	cur := r
	for _, f := range h.responses {
		v := runResponseHook(f, cur)
		if v.follow != nil {
			return nil, v.follow, nil
		}
		if v.drop {
			return nil, nil, NewResponseIgnored(r.Task, cur, v.cause)
		}
		cur = v.res
	}
	return cur, nil, nil
}

// RunOutput applies the pipe chain to one item. dropped is true when a
// pipe absorbed the item; err reports a pipe failure, terminal for this
// item only.
func (h *Hooks) RunOutput(item any, res *Response) (out any, dropped bool, err error) {
	cur := item
	for _, f := range h.pipes {
		next, perr := runPipe(f, cur, res)
		if perr != nil {
			return nil, false, perr
		}
		if next == nil {
			return nil, true, nil
		}
		cur = next
	}
	return cur, false, nil
}

func runRequestHook(f RequestHook, t *Task) (v RequestVerdict) {
	defer func() {
		if rec := recover(); rec != nil {
			v = DropRequest(fmt.Errorf("request hook panic: %v", rec))
		}
	}()
	return f(t)
}

func runResponseHook(f ResponseHook, r *Response) (v ResponseVerdict) {
	defer func() {
		if rec := recover(); rec != nil {
			v = DropResponse(fmt.Errorf("response hook panic: %v", rec))
		}
	}()
	return f(r)
}

func runPipe(f Pipe, item any, res *Response) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("output pipe panic: %v", rec)
		}
	}()
	return f(item, res)
}
