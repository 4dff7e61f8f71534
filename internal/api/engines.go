package api

import (
	"context"
	"sync"

	"github.com/zentech/yunzhi/internal/chat"
)

// EngineSource creates engines with an empty timeline and takes back the
// ones the server no longer needs.
type EngineSource interface {
	NewEngine() *chat.Engine
	Release(*chat.Engine)
}

// engineCache keeps one engine per stored session. Engines for new chats
// are cached once their first turn has created the session.
type engineCache struct {
	source EngineSource

	mu      sync.Mutex
	engines map[string]*chat.Engine
}

func newEngineCache(source EngineSource) *engineCache {
	return &engineCache{source: source, engines: make(map[string]*chat.Engine)}
}

// acquire returns the engine of session id, loading it on first use. An
// empty id yields a fresh engine for a new chat.
func (c *engineCache) acquire(ctx context.Context, id string) (*chat.Engine, error) {
	if id == "" {
		return c.source.NewEngine(), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.engines[id]; ok {
		return e, nil
	}
	e := c.source.NewEngine()
	if err := e.LoadSession(ctx, id); err != nil {
		c.source.Release(e)
		return nil, err
	}
	c.engines[id] = e
	return e, nil
}

// register caches e under its session id. It returns false when the
// engine has no session or another engine already owns the id.
func (c *engineCache) register(e *chat.Engine) bool {
	id := e.SessionID()
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.engines[id]; ok {
		return existing == e
	}
	c.engines[id] = e
	return true
}

func (c *engineCache) lookup(id string) (*chat.Engine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.engines[id]
	return e, ok
}

func (c *engineCache) forget(id string) {
	c.mu.Lock()
	e, ok := c.engines[id]
	delete(c.engines, id)
	c.mu.Unlock()
	if ok {
		c.source.Release(e)
	}
}

func (c *engineCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.engines)
}

func (c *engineCache) closeAll() {
	c.mu.Lock()
	engines := c.engines
	c.engines = make(map[string]*chat.Engine)
	c.mu.Unlock()
	for _, e := range engines {
		c.source.Release(e)
	}
}

// release hands an uncached engine back to the source.
func (c *engineCache) release(e *chat.Engine) {
	c.source.Release(e)
}
