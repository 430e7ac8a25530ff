package reconcile

import (
	"fmt"

	"github.com/jokeworks/deploytrust/pkg/trust"
)

// Verb is the action an operation performs.
type Verb string

const (
	VerbCreate Verb = "create"
	VerbUpdate Verb = "update"
	VerbDelete Verb = "delete"
	VerbNoop   Verb = "no-op"

	// VerbPendingDelete marks an owned resource that left the document
	// but is protected from deletion until explicitly confirmed.
	VerbPendingDelete Verb = "pending-delete"
)

// Kind is the resource class an operation targets.
type Kind string

const (
	KindService          Kind = "service"
	KindPool             Kind = "pool"
	KindProvider         Kind = "provider"
	KindServicePrincipal Kind = "service-principal"
	KindRoleBinding      Kind = "role-binding"
	KindGrant            Kind = "grant"
	KindRepository       Kind = "repository"
	KindCluster          Kind = "cluster"
)

// Operation is one planned mutation or observation. Exactly one payload
// pointer is set, matching Kind.
type Operation struct {
	Verb   Verb
	Kind   Kind
	ID     string
	Level  int
	Reason string

	Service   string
	Pool      *trust.IdentityPool
	Provider  *trust.IdentityProvider
	Principal *trust.ServicePrincipal
	Binding   *trust.RoleBinding
	Grant     *trust.ImpersonationGrant
	Resource  *trust.ManagedResource
}

// Mutating reports whether applying the operation changes cloud state.
func (o Operation) Mutating() bool {
	return o.Verb == VerbCreate || o.Verb == VerbUpdate || o.Verb == VerbDelete
}

// String renders the operation for reports.
func (o Operation) String() string {
	if o.Reason != "" {
		return fmt.Sprintf("%-14s %-18s %s (%s)", o.Verb, o.Kind, o.ID, o.Reason)
	}
	return fmt.Sprintf("%-14s %-18s %s", o.Verb, o.Kind, o.ID)
}

// Plan is the ordered set of operations one reconciliation pass would
// apply. Operations within a level are independent.
type Plan struct {
	Operations []Operation

	// PendingDeletions lists owned resources absent from the document
	// that a pass will not delete without confirmation.
	PendingDeletions []Operation
}

// Mutations returns only the operations that change cloud state.
func (p *Plan) Mutations() []Operation {
	var out []Operation
	for _, op := range p.Operations {
		if op.Mutating() {
			out = append(out, op)
		}
	}
	return out
}

// Converged reports whether the plan contains no mutations and no
// pending deletions.
func (p *Plan) Converged() bool {
	return len(p.Mutations()) == 0 && len(p.PendingDeletions) == 0
}

// Levels groups the plan's operations by dependency level, ascending.
func (p *Plan) Levels() [][]Operation {
	maxLevel := -1
	for _, op := range p.Operations {
		if op.Level > maxLevel {
			maxLevel = op.Level
		}
	}
	levels := make([][]Operation, maxLevel+1)
	for _, op := range p.Operations {
		levels[op.Level] = append(levels[op.Level], op)
	}
	return levels
}
