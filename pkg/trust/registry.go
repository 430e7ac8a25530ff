package trust

import (
	"sort"
	"sync/atomic"
)

// PoolRegistry holds the configured identity pools and providers for the
// validation and exchange path. Readers always see a complete snapshot:
// mutation happens only through Publish, which swaps the whole snapshot
// atomically, so a reconciliation pass is never observed half-applied.
type PoolRegistry struct {
	snap atomic.Pointer[registrySnapshot]
}

type registrySnapshot struct {
	pools     map[string]IdentityPool
	providers map[string]*IdentityProvider
	byIssuer  map[string][]*IdentityProvider
}

// NewPoolRegistry creates an empty registry.
func NewPoolRegistry() *PoolRegistry {
	r := &PoolRegistry{}
	r.snap.Store(&registrySnapshot{
		pools:     make(map[string]IdentityPool),
		providers: make(map[string]*IdentityProvider),
		byIssuer:  make(map[string][]*IdentityProvider),
	})
	return r
}

// Publish replaces the registry contents with the given pools and
// providers in one atomic swap.
func (r *PoolRegistry) Publish(pools []IdentityPool, providers []IdentityProvider) {
	s := &registrySnapshot{
		pools:     make(map[string]IdentityPool, len(pools)),
		providers: make(map[string]*IdentityProvider, len(providers)),
		byIssuer:  make(map[string][]*IdentityProvider),
	}
	for _, p := range pools {
		s.pools[p.ID] = p
	}
	for i := range providers {
		p := providers[i]
		s.providers[p.Name()] = &p
		s.byIssuer[p.IssuerURI] = append(s.byIssuer[p.IssuerURI], &p)
	}
	r.snap.Store(s)
}

// Pool returns the pool with the given ID.
func (r *PoolRegistry) Pool(id string) (IdentityPool, bool) {
	p, ok := r.snap.Load().pools[id]
	return p, ok
}

// Pools returns all pools sorted by ID.
func (r *PoolRegistry) Pools() []IdentityPool {
	s := r.snap.Load()
	pools := make([]IdentityPool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return pools
}

// Provider returns the provider with the given pool-qualified name.
func (r *PoolRegistry) Provider(pool, id string) (*IdentityProvider, bool) {
	p, ok := r.snap.Load().providers[pool+"/"+id]
	return p, ok
}

// ProvidersForIssuer returns every provider trusting the given issuer
// URI, in publication order.
func (r *PoolRegistry) ProvidersForIssuer(issuer string) []*IdentityProvider {
	return r.snap.Load().byIssuer[issuer]
}
