package biz

import (
	"sync"
	"time"

	"keycloak-portal/internal/metrics"
	"keycloak-portal/internal/platform"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// AdapterFactory binds an identity adapter to a browser session boundary.
type AdapterFactory func(boundary platform.Boundary) IdentityAdapter

// CoordinatorPool keeps one coordinator per browser session and a shared
// one for server renders. Idle browser coordinators are evicted and closed.
type CoordinatorPool struct {
	mu         sync.Mutex
	cache      *expirable.LRU[string, *Coordinator]
	server     *Coordinator
	newAdapter AdapterFactory
	cfg        CoordinatorConfig
}

// NewCoordinatorPool creates a pool holding at most size browser coordinators,
// each evicted after idle without use.
func NewCoordinatorPool(size int, idle time.Duration, newAdapter AdapterFactory, cfg CoordinatorConfig) *CoordinatorPool {
	p := &CoordinatorPool{
		newAdapter: newAdapter,
		cfg:        cfg,
		server:     NewCoordinator(platform.ServerBoundary(), nil, cfg),
	}
	p.cache = expirable.NewLRU[string, *Coordinator](size, func(_ string, c *Coordinator) {
		metrics.ActiveCoordinators.Dec()
		// Close waits for the refresh loop; keep it off the cache lock
		go c.Close()
	}, idle)
	return p
}

// For returns the coordinator serving boundary, creating and starting it on first use.
func (p *CoordinatorPool) For(boundary platform.Boundary) *Coordinator {
	if !boundary.IsBrowser() {
		return p.server
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := boundary.SessionID()
	if c, ok := p.cache.Get(id); ok {
		// re-adding renews the idle deadline
		p.cache.Add(id, c)
		return c
	}

	c := NewCoordinator(boundary, p.newAdapter(boundary), p.cfg)
	c.Start()
	p.cache.Add(id, c)
	metrics.ActiveCoordinators.Inc()
	return c
}

// Forget drops the coordinator of a browser session, eg: after logout.
func (p *CoordinatorPool) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Remove(sessionID)
}

// Len returns the number of browser coordinators held.
func (p *CoordinatorPool) Len() int {
	return p.cache.Len()
}

// Close evicts every coordinator.
func (p *CoordinatorPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
	p.server.Close()
}
