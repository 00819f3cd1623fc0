package rescon

import (
	"context"
	"sync"
)

// standaloneResolver implements resolver by round-robining a fixed
// candidate list, advancing to the next address on every call — matching
// spec.md §4.4's "connect to the first that accepts; on failure,
// round-robin to the next" behavior, since Resolve is called once per
// connection attempt by the manager's loop.
type standaloneResolver struct {
	mu        sync.Mutex
	endpoints []Endpoint
	next      int
}

func newStandaloneResolver(endpoints []Endpoint) *standaloneResolver {
	return &standaloneResolver{endpoints: endpoints}
}

func (r *standaloneResolver) Resolve(ctx context.Context) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.endpoints) == 0 {
		return Endpoint{}, newError(KindConfig, "no endpoints configured", nil)
	}
	ep := r.endpoints[r.next%len(r.endpoints)]
	r.next++
	return ep, nil
}
