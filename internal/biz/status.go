package biz

import (
	"sync"
	"time"
)

// SessionStatus is a snapshot of the identity client connection.
type SessionStatus struct {
	Seq           uint64    `json:"seq"`
	Connected     bool      `json:"connected"`
	Initialized   bool      `json:"initialized"`
	Authenticated bool      `json:"authenticated"`
	Error         string    `json:"error,omitempty"`
	Token         string    `json:"-"`
	TokenExpiry   time.Time `json:"tokenExpiry,omitzero"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TokenExpiresIn returns the seconds left on the token at now, or nil if there is no token.
func (s SessionStatus) TokenExpiresIn(now time.Time) *int64 {
	if s.Token == "" || s.TokenExpiry.IsZero() {
		return nil
	}
	left := int64(s.TokenExpiry.Sub(now) / time.Second)
	return &left
}

// sameState compares snapshots ignoring sequence and timestamp.
func (s SessionStatus) sameState(o SessionStatus) bool {
	return s.Connected == o.Connected &&
		s.Initialized == o.Initialized &&
		s.Authenticated == o.Authenticated &&
		s.Error == o.Error &&
		s.Token == o.Token &&
		s.TokenExpiry.Equal(o.TokenExpiry)
}

// StatusChannel holds the latest snapshot and fans it out to subscribers.
type StatusChannel struct {
	mu      sync.Mutex
	current SessionStatus
	subs    map[int]chan SessionStatus
	nextSub int
}

// NewStatusChannel creates a channel seeded with the initial snapshot.
func NewStatusChannel(initial SessionStatus) *StatusChannel {
	return &StatusChannel{current: initial, subs: make(map[int]chan SessionStatus)}
}

// Current returns the latest snapshot.
func (c *StatusChannel) Current() SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Publish offers s and returns the snapshot in effect afterwards.
// A snapshot with a lower sequence number than the current one was computed
// before it and is discarded. A snapshot with the same state as the current
// one only raises the current sequence number; subscribers are not notified.
func (c *StatusChannel) Publish(s SessionStatus) (SessionStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.Seq < c.current.Seq {
		return c.current, false
	}
	if s.sameState(c.current) {
		c.current.Seq = s.Seq
		return c.current, false
	}
	c.current = s
	for _, ch := range c.subs {
		// drop the stale value a slow subscriber has not read yet
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
	return s, true
}

// Subscribe returns a channel that receives the current snapshot and every later one.
// Slow subscribers only see the latest value.
func (c *StatusChannel) Subscribe() (<-chan SessionStatus, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan SessionStatus, 1)
	ch <- c.current
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

// Close drops every subscriber.
func (c *StatusChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}
