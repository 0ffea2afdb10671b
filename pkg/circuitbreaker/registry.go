package circuitbreaker

import "sync"

// Registry holds one breaker per destination host, created lazily on the
// first delivery to that host.
type Registry struct {
	mu     sync.RWMutex
	hosts  map[string]*Breaker
	config Config
}

// NewRegistry creates a registry whose breakers all share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		hosts:  make(map[string]*Breaker),
		config: cfg,
	}
}

// Get returns the breaker for host, creating it if this is the first
// delivery there.
func (r *Registry) Get(host string) *Breaker {
	r.mu.RLock()
	b, ok := r.hosts[host]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.hosts[host]; ok {
		return b
	}
	b = New(r.config)
	r.hosts[host] = b
	return b
}

// Stats counts breakers by state across all hosts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.hosts)}
	for _, b := range r.hosts {
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	return stats
}

// Stats is a snapshot of breaker states across the registry.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Reset force-closes every breaker, re-enabling all hosts.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.hosts {
		b.Reset()
	}
}
