package session

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
)

// State is the shared connection context behind one session key. The
// cookie jar is shared by every task in the session; the fetcher builds
// its HTTP client around it.
type State struct {
	Key      string
	Jar      http.CookieJar
	Defaults *Defaults
}

// Store maps session keys to lazily created shared state. A store lives
// for one crawl run and is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*State
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*State)}
}

// Resolve returns the shared state for ref, creating it on first
// reference. A nil reference resolves to nil: the fetch runs on a bare
// one-shot context instead.
func (s *Store) Resolve(ref *Ref) (*State, error) {
	key := ref.Key()
	if key == "" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.sessions[key]; ok {
		return st, nil
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	st := &State{Key: key, Jar: jar, Defaults: ref.defaults}
	s.sessions[key] = st
	return st, nil
}

// Len reports how many sessions have been materialized so far.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
