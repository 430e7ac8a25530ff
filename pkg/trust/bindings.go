package trust

import (
	"sync/atomic"

	"github.com/samber/lo"
)

// BindingStore is the declarative mapping from principals to permitted
// actions. Like the pool registry it is read-mostly: the exchange path
// reads immutable snapshots, and a reconciliation pass publishes a new
// snapshot atomically after a successful apply. Readers never observe a
// partially applied state.
type BindingStore struct {
	snap atomic.Pointer[BindingSnapshot]
}

// BindingSnapshot is one immutable view of grants and role bindings.
type BindingSnapshot struct {
	grants   map[string]ImpersonationGrant
	bindings map[string][]RoleBinding
}

// NewBindingStore creates an empty store.
func NewBindingStore() *BindingStore {
	s := &BindingStore{}
	s.snap.Store(&BindingSnapshot{
		grants:   make(map[string]ImpersonationGrant),
		bindings: make(map[string][]RoleBinding),
	})
	return s
}

// Publish replaces the store contents in one atomic swap. Grants are
// keyed by the principal-set identifier they apply to.
func (s *BindingStore) Publish(grants map[string]ImpersonationGrant, bindings []RoleBinding) {
	snap := &BindingSnapshot{
		grants:   make(map[string]ImpersonationGrant, len(grants)),
		bindings: make(map[string][]RoleBinding),
	}
	for ps, g := range grants {
		snap.grants[ps] = g
	}
	for _, b := range bindings {
		snap.bindings[b.Principal] = append(snap.bindings[b.Principal], b)
	}
	s.snap.Store(snap)
}

// Snapshot returns the last published view. The returned snapshot is
// immutable and safe for concurrent use.
func (s *BindingStore) Snapshot() *BindingSnapshot {
	return s.snap.Load()
}

// Grant returns the impersonation grant for a principal set.
func (s *BindingSnapshot) Grant(principalSet string) (ImpersonationGrant, bool) {
	g, ok := s.grants[principalSet]
	return g, ok
}

// Bindings returns the role bindings of a service principal.
func (s *BindingSnapshot) Bindings(principal string) []RoleBinding {
	return s.bindings[principal]
}

// Roles returns the distinct roles a service principal is bound to.
func (s *BindingSnapshot) Roles(principal string) []Role {
	return lo.Uniq(lo.Map(s.bindings[principal], func(b RoleBinding, _ int) Role {
		return b.Role
	}))
}
