package auth

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

const stateTTL = 10 * time.Minute

type pendingState struct {
	externalRef string
	expiresAt   time.Time
}

// stateStore holds short-lived OAuth state nonces. Each nonce binds the
// callback to the external user reference that started the flow and is
// consumed exactly once.
type stateStore struct {
	mu     sync.Mutex
	states map[string]pendingState
	now    func() time.Time
}

func newStateStore() *stateStore {
	return &stateStore{states: make(map[string]pendingState), now: time.Now}
}

func (s *stateStore) issue(externalRef string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.states {
		if now.After(v.expiresAt) {
			delete(s.states, k)
		}
	}
	s.states[state] = pendingState{externalRef: externalRef, expiresAt: now.Add(stateTTL)}
	return state, nil
}

// consume returns the external reference bound to the state and forgets it.
func (s *stateStore) consume(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.states[state]
	if !ok {
		return "", false
	}
	delete(s.states, state)
	if s.now().After(p.expiresAt) {
		return "", false
	}
	return p.externalRef, true
}
