package supplier

import (
	"fmt"
	"sort"
	"sync"

	"gemdex/internal/config"
)

// Registry holds one constructed adapter per configured feed. Adapters are
// process-scoped (count caches, auth tokens) so they are built once at
// startup and shared.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry constructs adapters for every configured feed. An unknown
// adapter kind is a configuration-fatal error at startup.
func NewRegistry(feeds map[string]config.FeedConfig) (*Registry, error) {
	reg := &Registry{adapters: make(map[string]Adapter, len(feeds))}
	for feedID, fc := range feeds {
		switch fc.Adapter {
		case "synthetic":
			reg.adapters[feedID] = NewSynthetic(feedID, fc)
		case "rest":
			reg.adapters[feedID] = NewREST(feedID, fc)
		default:
			return nil, fmt.Errorf("feed %s: unknown adapter kind %q", feedID, fc.Adapter)
		}
	}
	return reg, nil
}

// Get resolves a feed's adapter. Unknown feed IDs fail the trigger.
func (r *Registry) Get(feedID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[feedID]
	if !ok {
		return nil, fmt.Errorf("unknown feed %q", feedID)
	}
	return a, nil
}

// Register adds or replaces an adapter; tests use this to install fakes.
func (r *Registry) Register(feedID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[feedID] = a
}

// FeedIDs lists registered feeds in stable order.
func (r *Registry) FeedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
