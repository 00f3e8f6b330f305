package agent

import (
	"log/slog"
	"sync"
	"time"

	"threadsage/internal/config"
	"threadsage/internal/domain"
	"threadsage/internal/metrics"
	"threadsage/internal/provider"
)

// CacheConfig configures the agent cache.
type CacheConfig struct {
	Agent  config.AgentConfig
	Logger *slog.Logger
	// Now overrides the clock used for idle accounting.
	Now func() time.Time
}

// Cache holds one agent per provider:model pair. Cached agents share a memory
// that lives as long as the entry. Idle agents are evicted by a periodic sweep.
type Cache struct {
	cfg      config.AgentConfig
	logger   *slog.Logger
	now      func() time.Time
	prompt   *PromptBuilder
	limiters *limiterSet

	mu     sync.Mutex
	agents map[string]*Agent

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewCache creates the cache and starts its sweep goroutine.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Cache{
		cfg:      cfg.Agent,
		logger:   cfg.Logger,
		now:      cfg.Now,
		prompt:   NewPromptBuilder(cfg.Agent.SystemPromptExtra),
		limiters: newLimiterSet(),
		agents:   make(map[string]*Agent),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func cacheKey(providerName, model string) string {
	return providerName + ":" + model
}

// Get returns an agent for the handle and model. A non-nil session yields a
// fresh agent bound to that memory which is never cached. An empty model
// means the provider's default.
func (c *Cache) Get(h provider.Handle, model string, session *Memory) (*Agent, error) {
	if model == "" && h.Provider != nil {
		model = h.Provider.DefaultModel()
	}
	if session != nil {
		return c.build(h, model, session)
	}

	key := cacheKey(h.Name, model)
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.agents[key]; ok {
		a.touch()
		return a, nil
	}
	a, err := c.build(h, model, c.newMemory())
	if err != nil {
		return nil, err
	}
	c.agents[key] = a
	metrics.CachedAgents.Set(int64(len(c.agents)))
	c.logger.Info("agent created", "key", key, "agent", a.ID())
	return a, nil
}

// NewMemory returns an empty memory sized by the agent config.
func (c *Cache) NewMemory() *Memory { return c.newMemory() }

func (c *Cache) newMemory() *Memory {
	return NewMemory(c.cfg.MemoryMaxMessages, c.cfg.MemoryMaxTokens)
}

func (c *Cache) build(h provider.Handle, model string, mem *Memory) (*Agent, error) {
	a, err := New(Options{
		ProviderName:  h.Name,
		Model:         model,
		Provider:      h.Provider,
		Memory:        mem,
		Prompt:        c.prompt,
		Limiter:       c.limiters.get(h.Name, h.RateLimitPerMin),
		Logger:        c.logger,
		MaxIterations: c.cfg.MaxIterations,
		MaxTokens:     c.cfg.MaxTokens,
		Temperature:   c.cfg.Temperature,
		Now:           c.now,
	})
	if err != nil {
		return nil, &domain.AgentCreationError{Provider: h.Name, Model: model, Err: err}
	}
	return a, nil
}

// Refresh evicts the agent for provider:model. It reports whether one existed.
func (c *Cache) Refresh(providerName, model string) bool {
	key := cacheKey(providerName, model)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.agents[key]; !ok {
		return false
	}
	delete(c.agents, key)
	metrics.CachedAgents.Set(int64(len(c.agents)))
	c.logger.Info("agent refreshed", "key", key)
	return true
}

// Sweep evicts agents idle for longer than the TTL that have no invocation in
// flight. It returns the number evicted.
func (c *Cache) Sweep() int {
	ttl := c.cfg.IdleTTL()
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, a := range c.agents {
		if a.InFlight() > 0 || now.Sub(a.LastUsed()) <= ttl {
			continue
		}
		delete(c.agents, key)
		evicted++
		c.logger.Debug("agent evicted", "key", key, "idle", now.Sub(a.LastUsed()))
	}
	if evicted > 0 {
		metrics.CachedAgents.Set(int64(len(c.agents)))
		c.logger.Info("agent cache swept", "evicted", evicted, "remaining", len(c.agents))
	}
	return evicted
}

func (c *Cache) sweepLoop() {
	defer close(c.done)
	interval := c.cfg.SweepInterval()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Len returns the number of cached agents.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.agents)
}

// ClearMemory empties the memory of every cached agent.
func (c *Cache) ClearMemory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.agents {
		a.memory.Clear()
	}
}

// Dispose clears every cached agent's memory, stops the sweep and empties
// the cache. Safe to call more than once.
func (c *Cache) Dispose() {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done

		c.mu.Lock()
		defer c.mu.Unlock()
		for _, a := range c.agents {
			a.memory.Clear()
		}
		c.agents = make(map[string]*Agent)
		metrics.CachedAgents.Set(0)
	})
}
