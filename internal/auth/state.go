package auth

import (
	"context"
	"sync"
	"time"
)

// StateTTL is how long a login state stays valid.
const StateTTL = 10 * time.Minute

// StateStore manages CSRF state parameters and PKCE verifiers (simple in-memory)
type StateStore struct {
	states sync.Map // map[state]StateData
	now    func() time.Time
}

// NewStateStore creates a new state store. Expired states are swept until ctx is done.
func NewStateStore(ctx context.Context) *StateStore {
	store := &StateStore{now: time.Now}
	go store.cleanup(ctx, 5*time.Minute)
	return store
}

// Save stores a state for ttl
func (s *StateStore) Save(state string, ttl time.Duration, data StateData) {
	data.Expiry = s.now().Add(ttl)
	s.states.Store(state, data)
}

// Consume checks and removes a state (one-time use). A state issued to
// another browser session is rejected.
func (s *StateStore) Consume(state, sessionID string) (StateData, bool) {
	val, ok := s.states.LoadAndDelete(state)
	if !ok {
		return StateData{}, false
	}
	data := val.(StateData)
	if s.now().After(data.Expiry) || data.SessionID != sessionID {
		return StateData{}, false
	}
	return data, true
}

func (s *StateStore) cleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.now()
			s.states.Range(func(key, value any) bool {
				if now.After(value.(StateData).Expiry) {
					s.states.Delete(key)
				}
				return true
			})
		}
	}
}
