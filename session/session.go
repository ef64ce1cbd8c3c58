// Package session provides shared connection and cookie state for tasks
// that declare the same session key.
package session

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Defaults are partial task fields applied to every fetch made through a
// session. Explicit task fields win over these values.
type Defaults struct {
	Headers http.Header
	Cookies []*http.Cookie
	Proxy   string
	Timeout time.Duration
}

// Ref identifies a session. Construct one per logical session when the
// spider is built and attach it to every task that should share cookies
// and connection state.
type Ref struct {
	key      string
	defaults *Defaults
}

// New creates a session reference with a unique key.
func New() *Ref {
	return &Ref{key: uuid.NewString()}
}

// WithDefaults creates a session reference whose defaults are merged
// under the fields of every task that uses it.
func WithDefaults(d Defaults) *Ref {
	return &Ref{key: uuid.NewString(), defaults: &d}
}

// Keyed creates a reference with an explicit key. References built from
// the same key resolve to the same shared state; the defaults of the
// first one resolved win.
func Keyed(key string) *Ref {
	return &Ref{key: key}
}

// KeyedWithDefaults combines Keyed and WithDefaults.
func KeyedWithDefaults(key string, d Defaults) *Ref {
	return &Ref{key: key, defaults: &d}
}

// Key returns the session key, empty for a nil reference.
func (r *Ref) Key() string {
	if r == nil {
		return ""
	}
	return r.key
}
