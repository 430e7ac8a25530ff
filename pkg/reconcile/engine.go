package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/jokeworks/deploytrust/pkg/trust"
)

// Engine plans and applies reconciliation passes. It compares a
// desired-state document against observed cloud state and converges the
// difference in dependency order. Repeating a pass against converged
// state performs no mutations.
type Engine struct {
	cloud  CloudState
	state  *StateFile
	logger *log.Logger
}

// NewEngine creates a reconciliation engine.
func NewEngine(cloud CloudState, state *StateFile, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{cloud: cloud, state: state, logger: logger}
}

// ApplyOptions controls one reconciliation pass.
type ApplyOptions struct {
	// DryRun plans without mutating anything.
	DryRun bool

	// ConfirmDeletions allows deletion of owned pools, principals, and
	// managed resources that left the document. Without it they are only
	// flagged as pending deletion.
	ConfirmDeletions bool
}

// Result is the outcome of one applied operation.
type Result struct {
	Operation Operation
	Err       error
}

// Report summarizes one reconciliation pass.
type Report struct {
	Results          []Result
	PendingDeletions []Operation
	DryRun           bool
}

// Failed returns the results that carry errors.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Lines renders per-resource outcome lines for CLI output. Results are
// ordered by dependency level, kind, and ID: operations within a level
// run concurrently, so their completion order is not stable.
func (r *Report) Lines() []string {
	results := make([]Result, len(r.Results))
	copy(results, r.Results)
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i].Operation, results[j].Operation
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.ID < b.ID
	})

	var lines []string
	for _, res := range results {
		status := "ok"
		if res.Err != nil {
			status = "failed: " + res.Err.Error()
		} else if r.DryRun && res.Operation.Mutating() {
			status = "planned"
		}
		lines = append(lines, fmt.Sprintf("%s [%s]", res.Operation, status))
	}
	for _, op := range r.PendingDeletions {
		lines = append(lines, fmt.Sprintf("%s [requires --confirm-deletions]", op))
	}
	return lines
}

// Summary renders a one-line tally.
func (r *Report) Summary() string {
	var created, updated, deleted, unchanged, failed int
	for _, res := range r.Results {
		if res.Err != nil {
			failed++
			continue
		}
		switch res.Operation.Verb {
		case VerbCreate:
			created++
		case VerbUpdate:
			updated++
		case VerbDelete:
			deleted++
		default:
			unchanged++
		}
	}
	parts := []string{
		fmt.Sprintf("%d created", created),
		fmt.Sprintf("%d updated", updated),
		fmt.Sprintf("%d deleted", deleted),
		fmt.Sprintf("%d unchanged", unchanged),
	}
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", failed))
	}
	if n := len(r.PendingDeletions); n > 0 {
		parts = append(parts, fmt.Sprintf("%d pending deletion", n))
	}
	return strings.Join(parts, ", ")
}

// Plan validates the document, fetches observed state, and computes the
// operations a pass would apply. Plan never mutates cloud state.
func (e *Engine) Plan(ctx context.Context, doc *Document) (*Plan, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	keys, err := e.observedKeys(doc)
	if err != nil {
		return nil, err
	}
	observed, err := e.cloud.Fetch(ctx, keys)
	if err != nil {
		return nil, err
	}
	return e.buildPlan(doc, observed)
}

// observedKeys unions the document's declarations with everything the
// ownership ledger records, so resources that left the document still
// get looked at.
func (e *Engine) observedKeys(doc *Document) (ObservedKeys, error) {
	var keys ObservedKeys

	for _, c := range doc.Capabilities() {
		keys.Services = append(keys.Services, string(c))
	}

	pools := map[string]bool{}
	for _, p := range doc.Pools {
		keys.Pools = append(keys.Pools, p.ID)
		pools[p.ID] = true
	}
	for _, rec := range e.state.OwnedOfKind(KindPool) {
		if !pools[rec.ID] {
			keys.Pools = append(keys.Pools, rec.ID)
		}
	}

	providers := map[string]bool{}
	for _, p := range doc.Providers() {
		keys.Providers = append(keys.Providers, p.Name())
		providers[p.Name()] = true
	}
	for _, rec := range e.state.OwnedOfKind(KindProvider) {
		if !providers[rec.ID] {
			keys.Providers = append(keys.Providers, rec.ID)
		}
	}

	principals := map[string]bool{}
	for _, sp := range doc.ServicePrincipals {
		keys.Principals = append(keys.Principals, sp.AccountID)
		principals[sp.AccountID] = true
	}
	for _, rec := range e.state.OwnedOfKind(KindServicePrincipal) {
		if !principals[rec.ID] {
			keys.Principals = append(keys.Principals, rec.ID)
		}
	}

	resources := map[string]bool{}
	for _, r := range doc.Resources {
		keys.Resources = append(keys.Resources, r)
		resources[r.Key()] = true
	}
	for _, kind := range []Kind{KindRepository, KindCluster} {
		for _, rec := range e.state.OwnedOfKind(kind) {
			if resources[rec.ID] {
				continue
			}
			var r trust.ManagedResource
			if err := e.state.OwnedObject(kind, rec.ID, &r); err != nil {
				return keys, trust.ErrInternal(fmt.Sprintf("state file records %s %s without a payload", kind, rec.ID)).WithCause(err)
			}
			keys.Resources = append(keys.Resources, r)
		}
	}

	bindings := map[string]bool{}
	for _, b := range doc.RoleBindings {
		keys.Bindings = append(keys.Bindings, b)
		bindings[b.Key()] = true
	}
	for _, rec := range e.state.OwnedOfKind(KindRoleBinding) {
		if bindings[rec.ID] {
			continue
		}
		var b trust.RoleBinding
		if err := e.state.OwnedObject(KindRoleBinding, rec.ID, &b); err != nil {
			return keys, trust.ErrInternal(fmt.Sprintf("state file records role binding %s without a payload", rec.ID)).WithCause(err)
		}
		keys.Bindings = append(keys.Bindings, b)
	}

	grants := map[string]bool{}
	for _, g := range doc.ResolvedGrants() {
		keys.Grants = append(keys.Grants, g)
		grants[g.Key()] = true
	}
	for _, rec := range e.state.OwnedOfKind(KindGrant) {
		if grants[rec.ID] {
			continue
		}
		var g trust.ImpersonationGrant
		if err := e.state.OwnedObject(KindGrant, rec.ID, &g); err != nil {
			return keys, trust.ErrInternal(fmt.Sprintf("state file records grant %s without a payload", rec.ID)).WithCause(err)
		}
		keys.Grants = append(keys.Grants, g)
	}

	return keys, nil
}

func (e *Engine) buildPlan(doc *Document, observed *Observed) (*Plan, error) {
	g := NewGraph()
	ops := map[string]*Operation{}

	add := func(node string, op Operation, deps ...string) {
		g.Add(node, deps...)
		o := op
		ops[node] = &o
	}

	// Platform capabilities come first; everything else depends on one.
	for _, c := range doc.Capabilities() {
		verb := VerbNoop
		if !observed.Services[string(c)] {
			verb = VerbCreate
		}
		add("service:"+string(c), Operation{
			Verb: verb, Kind: KindService, ID: string(c), Service: string(c),
		})
	}

	for i := range doc.Pools {
		pool := doc.Pools[i].IdentityPool
		verb := VerbNoop
		if !observed.Pools[pool.ID] {
			verb = VerbCreate
		}
		add("pool:"+pool.ID, Operation{
			Verb: verb, Kind: KindPool, ID: pool.ID, Pool: &pool,
		}, "service:"+string(CapabilityFederation))
	}

	for i := range doc.ServicePrincipals {
		sp := doc.ServicePrincipals[i]
		verb := VerbNoop
		if !observed.Principals[sp.AccountID] {
			verb = VerbCreate
		}
		add("principal:"+sp.AccountID, Operation{
			Verb: verb, Kind: KindServicePrincipal, ID: sp.AccountID, Principal: &sp,
		}, "service:"+string(CapabilityMinting))
	}

	for i := range doc.Resources {
		r := doc.Resources[i]
		kind, capability := resourceKind(r.Kind)
		// The cloud is only consulted at the declared location, so a moved
		// resource looks absent there. The ownership ledger still knows
		// where it was created; a location change requires replacement,
		// which the engine refuses to do implicitly.
		if owned, ok := e.ownedResourceLocation(kind, r.Key()); ok && owned != r.Location {
			return nil, trust.NewError(trust.CategoryConflict, trust.CodeDuplicateResource,
				fmt.Sprintf("%s is managed in location %s, document declares %s", r.Key(), owned, r.Location)).
				WithResource(string(r.Kind), r.Name)
		}
		verb := VerbNoop
		if _, ok := observed.Resources[r.Key()]; !ok {
			verb = VerbCreate
		}
		add("resource:"+r.Key(), Operation{
			Verb: verb, Kind: kind, ID: r.Key(), Resource: &r,
		}, "service:"+string(capability))
	}

	for _, p := range doc.Providers() {
		prov := p
		verb := VerbNoop
		reason := ""
		if got, ok := observed.Providers[prov.Name()]; !ok {
			verb = VerbCreate
		} else if drift := providerDrift(&prov, got); drift != "" {
			verb = VerbUpdate
			reason = drift
		}
		add("provider:"+prov.Name(), Operation{
			Verb: verb, Kind: KindProvider, ID: prov.Name(), Provider: &prov, Reason: reason,
		}, "pool:"+prov.Pool)
	}

	for i := range doc.RoleBindings {
		b := doc.RoleBindings[i]
		verb := VerbNoop
		if !observed.Bindings[b.Key()] {
			verb = VerbCreate
		}
		deps := []string{"principal:" + b.Principal}
		if b.Scope.Kind == trust.ScopeRepository {
			deps = append(deps, "resource:"+trust.ManagedResource{Kind: trust.ResourceRepository, Name: b.Scope.Resource}.Key())
		}
		add("binding:"+b.Key(), Operation{
			Verb: verb, Kind: KindRoleBinding, ID: b.Key(), Binding: &b,
		}, deps...)
	}

	for _, resolved := range doc.ResolvedGrants() {
		grant := resolved
		verb := VerbNoop
		if !observed.Grants[grant.Key()] {
			verb = VerbCreate
		}
		add("grant:"+grant.Key(), Operation{
			Verb: verb, Kind: KindGrant, ID: grant.Key(), Grant: &grant,
		}, "provider:"+grant.Pool+"/"+grant.Provider, "principal:"+grant.ServicePrincipal)
	}

	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	for level, nodes := range levels {
		for _, node := range nodes {
			op := ops[node]
			op.Level = level
			plan.Operations = append(plan.Operations, *op)
		}
	}

	e.planDeletions(doc, observed, plan, len(levels))
	return plan, nil
}

// planDeletions schedules removal of owned resources that left the
// document, in reverse dependency order after all creates. Grants, role
// bindings, and providers are deleted directly; pools, principals, and
// managed resources are flagged as pending until confirmed, because
// deleting them is destructive beyond the trust configuration itself.
func (e *Engine) planDeletions(doc *Document, observed *Observed, plan *Plan, base int) {
	desired := map[string]bool{}
	for _, p := range doc.Pools {
		desired["pool:"+p.ID] = true
	}
	for _, p := range doc.Providers() {
		desired["provider:"+p.Name()] = true
	}
	for _, sp := range doc.ServicePrincipals {
		desired["principal:"+sp.AccountID] = true
	}
	for _, r := range doc.Resources {
		desired["resource:"+r.Key()] = true
	}
	for _, b := range doc.RoleBindings {
		desired["binding:"+b.Key()] = true
	}
	for _, g := range doc.Grants {
		desired["grant:"+g.Key()] = true
	}

	for _, rec := range e.state.OwnedOfKind(KindGrant) {
		if desired["grant:"+rec.ID] || !observed.Grants[rec.ID] {
			continue
		}
		var grant trust.ImpersonationGrant
		if err := e.state.OwnedObject(KindGrant, rec.ID, &grant); err != nil {
			continue
		}
		plan.Operations = append(plan.Operations, Operation{
			Verb: VerbDelete, Kind: KindGrant, ID: rec.ID, Level: base, Grant: &grant,
			Reason: "removed from document",
		})
	}

	for _, rec := range e.state.OwnedOfKind(KindRoleBinding) {
		if desired["binding:"+rec.ID] || !observed.Bindings[rec.ID] {
			continue
		}
		var binding trust.RoleBinding
		if err := e.state.OwnedObject(KindRoleBinding, rec.ID, &binding); err != nil {
			continue
		}
		plan.Operations = append(plan.Operations, Operation{
			Verb: VerbDelete, Kind: KindRoleBinding, ID: rec.ID, Level: base + 1, Binding: &binding,
			Reason: "removed from document",
		})
	}

	for _, rec := range e.state.OwnedOfKind(KindProvider) {
		if desired["provider:"+rec.ID] {
			continue
		}
		if _, ok := observed.Providers[rec.ID]; !ok {
			continue
		}
		var prov trust.IdentityProvider
		if err := e.state.OwnedObject(KindProvider, rec.ID, &prov); err != nil {
			continue
		}
		plan.Operations = append(plan.Operations, Operation{
			Verb: VerbDelete, Kind: KindProvider, ID: rec.ID, Level: base + 1, Provider: &prov,
			Reason: "removed from document",
		})
	}

	// Destructive tier: flagged, never deleted implicitly.
	pending := func(op Operation) {
		plan.PendingDeletions = append(plan.PendingDeletions, op)
	}

	for _, kind := range []Kind{KindRepository, KindCluster} {
		for _, rec := range e.state.OwnedOfKind(kind) {
			if desired["resource:"+rec.ID] {
				continue
			}
			if _, ok := observed.Resources[rec.ID]; !ok {
				continue
			}
			var r trust.ManagedResource
			if err := e.state.OwnedObject(kind, rec.ID, &r); err != nil {
				continue
			}
			pending(Operation{
				Verb: VerbPendingDelete, Kind: kind, ID: rec.ID, Level: base + 2, Resource: &r,
				Reason: "removed from document",
			})
		}
	}
	for _, rec := range e.state.OwnedOfKind(KindServicePrincipal) {
		if desired["principal:"+rec.ID] || !observed.Principals[rec.ID] {
			continue
		}
		sp := trust.ServicePrincipal{AccountID: rec.ID}
		_ = e.state.OwnedObject(KindServicePrincipal, rec.ID, &sp)
		pending(Operation{
			Verb: VerbPendingDelete, Kind: KindServicePrincipal, ID: rec.ID, Level: base + 2, Principal: &sp,
			Reason: "removed from document",
		})
	}
	for _, rec := range e.state.OwnedOfKind(KindPool) {
		if desired["pool:"+rec.ID] || !observed.Pools[rec.ID] {
			continue
		}
		pool := trust.IdentityPool{ID: rec.ID}
		_ = e.state.OwnedObject(KindPool, rec.ID, &pool)
		pending(Operation{
			Verb: VerbPendingDelete, Kind: KindPool, ID: rec.ID, Level: base + 3, Pool: &pool,
			Reason: "removed from document",
		})
	}
}

// Apply runs one full reconciliation pass. Operations within a level run
// concurrently; a failure halts all later levels while results from
// already-converged levels stand.
func (e *Engine) Apply(ctx context.Context, doc *Document, opts ApplyOptions) (*Report, error) {
	plan, err := e.Plan(ctx, doc)
	if err != nil {
		return nil, err
	}

	if opts.ConfirmDeletions {
		plan.Operations = append(plan.Operations, confirmPending(plan)...)
		plan.PendingDeletions = nil
	}

	report := &Report{DryRun: opts.DryRun, PendingDeletions: plan.PendingDeletions}
	if opts.DryRun {
		for _, op := range plan.Operations {
			report.Results = append(report.Results, Result{Operation: op})
		}
		return report, nil
	}

	var mu sync.Mutex
	halted := false
	for _, level := range plan.Levels() {
		if halted {
			break
		}
		eg, egCtx := errgroup.WithContext(ctx)
		for i := range level {
			op := level[i]
			if !op.Mutating() {
				mu.Lock()
				report.Results = append(report.Results, Result{Operation: op})
				mu.Unlock()
				continue
			}
			eg.Go(func() error {
				err := e.applyOne(egCtx, op)
				mu.Lock()
				report.Results = append(report.Results, Result{Operation: op, Err: err})
				if err != nil {
					halted = true
				}
				mu.Unlock()
				return nil
			})
		}
		_ = eg.Wait()
	}

	if err := e.state.Save(); err != nil {
		return report, err
	}
	if failed := report.Failed(); len(failed) > 0 {
		return report, trust.NewError(trust.CategoryInternal, trust.CodeApplyFailed,
			fmt.Sprintf("%d operation(s) failed, dependent levels skipped", len(failed)))
	}
	return report, nil
}

func confirmPending(plan *Plan) []Operation {
	confirmed := make([]Operation, 0, len(plan.PendingDeletions))
	for _, op := range plan.PendingDeletions {
		op.Verb = VerbDelete
		op.Reason = "deletion confirmed"
		confirmed = append(confirmed, op)
	}
	return confirmed
}

func (e *Engine) applyOne(ctx context.Context, op Operation) error {
	e.logger.Info("applying", "verb", op.Verb, "kind", op.Kind, "id", op.ID)
	if err := e.cloud.Apply(ctx, op); err != nil {
		e.logger.Error("apply failed", "verb", op.Verb, "kind", op.Kind, "id", op.ID, "err", err)
		return trust.NewError(trust.CategoryInternal, trust.CodeApplyFailed,
			fmt.Sprintf("%s %s %s", op.Verb, op.Kind, op.ID)).WithCause(err)
	}

	switch op.Verb {
	case VerbCreate, VerbUpdate:
		if err := e.markOwned(op); err != nil {
			return err
		}
	case VerbDelete:
		e.state.Forget(op.Kind, op.ID)
	}
	return nil
}

func (e *Engine) markOwned(op Operation) error {
	switch op.Kind {
	case KindService:
		return nil
	case KindPool:
		return e.state.MarkOwned(op.Kind, op.ID, op.Pool)
	case KindProvider:
		return e.state.MarkOwned(op.Kind, op.ID, op.Provider)
	case KindServicePrincipal:
		return e.state.MarkOwned(op.Kind, op.ID, op.Principal)
	case KindRoleBinding:
		return e.state.MarkOwned(op.Kind, op.ID, op.Binding)
	case KindGrant:
		return e.state.MarkOwned(op.Kind, op.ID, op.Grant)
	case KindRepository, KindCluster:
		return e.state.MarkOwned(op.Kind, op.ID, op.Resource)
	}
	return nil
}

// ownedResourceLocation returns the location the ledger recorded for an
// owned managed resource.
func (e *Engine) ownedResourceLocation(kind Kind, key string) (string, bool) {
	var r trust.ManagedResource
	if err := e.state.OwnedObject(kind, key, &r); err != nil {
		return "", false
	}
	return r.Location, r.Location != ""
}

func resourceKind(k trust.ResourceKind) (Kind, Capability) {
	if k == trust.ResourceCluster {
		return KindCluster, CapabilityCluster
	}
	return KindRepository, CapabilityRegistry
}

// providerDrift names the first field where the live provider diverges
// from the declared one, or empty when they match.
func providerDrift(want *trust.IdentityProvider, got ObservedProvider) string {
	if got.IssuerURI != want.IssuerURI {
		return "issuer drift"
	}
	if got.Audience != want.Audience {
		return "audience drift"
	}
	if len(got.AttributeMapping) != len(want.AttributeMapping) {
		return "attribute mapping drift"
	}
	for k, v := range want.AttributeMapping {
		if got.AttributeMapping[k] != v {
			return "attribute mapping drift"
		}
	}
	if got.ConditionCEL != want.Condition.CEL() {
		return "condition drift"
	}
	return ""
}
