// Package retry classifies fetch failures and paces resubmission.
package retry

import (
	"context"
	"errors"
	"time"
)

// DefaultCodes are the HTTP statuses retried out of the box.
var DefaultCodes = []int{500, 502, 503, 504, 408, 429}

// Policy decides whether a failed fetch is resubmitted and how long to
// wait before the next attempt. Transport errors are always retryable;
// status failures retry only while the status is registered.
type Policy struct {
	times int
	delay time.Duration
	codes map[int]struct{}
}

// NewPolicy builds a policy. Negative times or delay are clamped to
// zero; nil codes fall back to DefaultCodes.
func NewPolicy(times int, delay time.Duration, codes []int) *Policy {
	if times < 0 {
		times = 0
	}
	if delay < 0 {
		delay = 0
	}
	if codes == nil {
		codes = DefaultCodes
	}
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return &Policy{times: times, delay: delay, codes: set}
}

// Times returns the maximum number of retries per task.
func (p *Policy) Times() int {
	return p.times
}

// RetryStatus reports whether the status code is in the retry set.
func (p *Policy) RetryStatus(status int) bool {
	_, ok := p.codes[status]
	return ok
}

// ShouldRetry decides whether the attempt is resubmitted. err carries
// the transport error when the fetch itself failed; status holds the
// response code otherwise. Run cancellation is never retried.
func (p *Policy) ShouldRetry(attempt, status int, err error) bool {
	if attempt > p.times {
		return false
	}
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	return p.RetryStatus(status)
}

// Backoff returns the wait before the next attempt.
func (p *Policy) Backoff(attempt int) time.Duration {
	return p.delay
}
