package worker

import (
	"strings"
	"sync"
)

// Registry hands out one Pool per converter identity (executable plus
// arguments). Pools shut themselves down when their last session ends; a
// later Get for the same identity reuses the idle pool.
type Registry struct {
	mu    sync.Mutex
	pools map[string]*Pool
}

// NewRegistry 建立空的 Registry
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// Get returns the pool for cfg's converter, creating it on first use. Later
// calls with the same identity ignore the rest of cfg.
func (r *Registry) Get(cfg PoolConfig) *Pool {
	id := identity(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[id]; ok {
		return p
	}
	p := NewPool(cfg)
	r.pools[id] = p
	return p
}

// Len 返回已建立的 Pool 數量
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Close force-closes every pool and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}

func identity(cfg PoolConfig) string {
	return cfg.Process.Executable + "\x00" + strings.Join(cfg.Process.Args, "\x00")
}
