// Package reconcile converges declared pipeline trust configuration
// into live cloud state.
//
// A desired-state document declares identity pools, providers, service
// principals, role bindings, impersonation grants, and managed
// resources. Each reconciliation pass fetches an observed snapshot from
// the cloud, diffs it against the document, and applies the minimal set
// of operations in dependency order.
package reconcile

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jokeworks/deploytrust/pkg/trust"
)

// Capability names an abstract platform feature a document requires.
// The cloud state maps capabilities to the concrete services it must
// enable before dependent resources can be created.
type Capability string

const (
	CapabilityFederation Capability = "identity-federation"
	CapabilityMinting    Capability = "credential-minting"
	CapabilityRegistry   Capability = "container-registry"
	CapabilityCluster    Capability = "compute-cluster"
)

// Project identifies the cloud project everything is provisioned in.
type Project struct {
	ID     string `yaml:"id"`
	Number string `yaml:"number"`
}

// PoolSpec declares one identity pool and its providers.
type PoolSpec struct {
	trust.IdentityPool `yaml:",inline"`

	Providers []trust.IdentityProvider `yaml:"providers"`
}

// Duration wraps time.Duration with document-friendly parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Document is the desired-state document supplied to a reconciliation
// pass. Pools, providers, bindings, grants, and managed resources are
// created and mutated only through this document.
type Document struct {
	Project  Project  `yaml:"project"`
	TokenTTL Duration `yaml:"token_ttl,omitempty"`

	Pools             []PoolSpec                 `yaml:"pools"`
	ServicePrincipals []trust.ServicePrincipal   `yaml:"service_principals"`
	RoleBindings      []trust.RoleBinding        `yaml:"role_bindings"`
	Grants            []trust.ImpersonationGrant `yaml:"grants"`
	Resources         []trust.ManagedResource    `yaml:"resources"`
}

var accountIDRE = regexp.MustCompile(`^[a-z][a-z0-9-]{4,28}[a-z0-9]$`)

// LoadDocument reads, parses, and validates a desired-state document.
// Unknown fields are rejected so typos surface instead of silently
// widening or narrowing trust.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trust.ErrConfig(fmt.Sprintf("reading desired-state document %s", path)).WithCause(err)
	}
	return ParseDocument(data)
}

// ParseDocument parses and validates document bytes.
func ParseDocument(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, trust.ErrConfig("desired-state document is not valid YAML").WithCause(err)
	}
	for i := range doc.Pools {
		for j := range doc.Pools[i].Providers {
			doc.Pools[i].Providers[j].Pool = doc.Pools[i].ID
		}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks structural invariants. A reconciliation pass aborts
// before any mutation when validation fails.
func (d *Document) Validate() error {
	if d.Project.ID == "" || d.Project.Number == "" {
		return trust.ErrConfig("project.id and project.number are required")
	}
	if ttl := time.Duration(d.TokenTTL); ttl != 0 && (ttl < time.Minute || ttl > trust.MaxCredentialTTL) {
		return trust.ErrConfig(fmt.Sprintf("token_ttl must be between 1m and %s", trust.MaxCredentialTTL))
	}

	pools := map[string]bool{}
	providers := map[string]*trust.IdentityProvider{}
	for i := range d.Pools {
		p := &d.Pools[i]
		if p.ID == "" {
			return trust.ErrConfig("pool id is required")
		}
		if pools[p.ID] {
			return trust.ErrDuplicate("pool", p.ID)
		}
		pools[p.ID] = true

		for j := range p.Providers {
			prov := &p.Providers[j]
			if prov.ID == "" {
				return trust.ErrConfig(fmt.Sprintf("provider id is required in pool %s", p.ID))
			}
			if _, dup := providers[prov.Name()]; dup {
				return trust.ErrDuplicate("provider", prov.Name())
			}
			if err := validateProvider(prov); err != nil {
				return err
			}
			providers[prov.Name()] = prov
		}
	}

	principals := map[string]bool{}
	for _, sp := range d.ServicePrincipals {
		if !accountIDRE.MatchString(sp.AccountID) {
			return trust.ErrConfig(fmt.Sprintf("invalid service principal account id %q", sp.AccountID))
		}
		if principals[sp.AccountID] {
			return trust.ErrDuplicate("service-principal", sp.AccountID)
		}
		principals[sp.AccountID] = true
	}

	resources := map[string]trust.ManagedResource{}
	for _, r := range d.Resources {
		if r.Kind != trust.ResourceRepository && r.Kind != trust.ResourceCluster {
			return trust.ErrConfig(fmt.Sprintf("unknown resource kind %q", r.Kind))
		}
		if r.Name == "" || r.Location == "" {
			return trust.ErrConfig(fmt.Sprintf("resource %s requires name and location", r.Kind))
		}
		if _, dup := resources[r.Key()]; dup {
			return trust.ErrDuplicate("resource", r.Key())
		}
		resources[r.Key()] = r
	}

	bindingKeys := map[string]bool{}
	for _, b := range d.RoleBindings {
		if !trust.ValidBindingRole(b.Role) {
			return trust.ErrConfig(fmt.Sprintf("role %q is not in the role catalog", b.Role))
		}
		if !principals[b.Principal] {
			return trust.ErrConfig(fmt.Sprintf("role binding references undeclared principal %q", b.Principal))
		}
		switch b.Scope.Kind {
		case trust.ScopeProject:
			if b.Scope.Resource != "" {
				return trust.ErrConfig("project scope must not name a resource")
			}
		case trust.ScopeRepository:
			key := trust.ManagedResource{Kind: trust.ResourceRepository, Name: b.Scope.Resource}.Key()
			if _, ok := resources[key]; !ok {
				return trust.ErrConfig(fmt.Sprintf("role binding references undeclared repository %q", b.Scope.Resource))
			}
		default:
			return trust.ErrConfig(fmt.Sprintf("unknown scope kind %q", b.Scope.Kind))
		}
		if bindingKeys[b.Key()] {
			return trust.ErrDuplicate("role-binding", b.Key())
		}
		bindingKeys[b.Key()] = true
	}

	grantKeys := map[string]bool{}
	for _, g := range d.Grants {
		prov, ok := providers[g.Pool+"/"+g.Provider]
		if !ok {
			return trust.ErrConfig(fmt.Sprintf("grant references undeclared provider %s/%s", g.Pool, g.Provider))
		}
		if !principals[g.ServicePrincipal] {
			return trust.ErrConfig(fmt.Sprintf("grant references undeclared principal %q", g.ServicePrincipal))
		}
		if len(g.Roles) == 0 {
			return trust.ErrConfig(fmt.Sprintf("grant %s declares no roles", g.Key()))
		}
		for _, r := range g.Roles {
			if !trust.ValidBindingRole(r) {
				return trust.ErrConfig(fmt.Sprintf("grant %s carries invalid role %q", g.Key(), r))
			}
		}
		// A grant must never cover a whole pool: the provider's
		// condition has to pin at least one attribute.
		if len(prov.Condition.Pins()) == 0 {
			return trust.ErrConfig(fmt.Sprintf("grant %s requires a provider condition pinning at least one attribute", g.Key()))
		}
		if grantKeys[g.Key()] {
			return trust.ErrDuplicate("grant", g.Key())
		}
		grantKeys[g.Key()] = true
	}

	return nil
}

func validateProvider(p *trust.IdentityProvider) error {
	if err := validateIssuerURI(p.IssuerURI); err != nil {
		return err
	}
	if p.Audience == "" {
		return trust.ErrConfig(fmt.Sprintf("provider %s requires an audience", p.Name()))
	}
	if len(p.AttributeMapping) == 0 {
		return trust.ErrConfig(fmt.Sprintf("provider %s requires an attribute_mapping", p.Name()))
	}
	if err := p.Condition.Validate(p.AttributeMapping); err != nil {
		return err
	}
	return nil
}

func validateIssuerURI(uri string) error {
	if len(uri) < len("https://x") || uri[:8] != "https://" {
		return trust.ErrConfig(fmt.Sprintf("issuer URI must use HTTPS: %q", uri))
	}
	return nil
}

// Providers returns every declared provider, pool-qualified.
func (d *Document) Providers() []trust.IdentityProvider {
	var out []trust.IdentityProvider
	for _, p := range d.Pools {
		out = append(out, p.Providers...)
	}
	return out
}

// Provider looks up a declared provider by pool and ID.
func (d *Document) Provider(pool, id string) (*trust.IdentityProvider, bool) {
	for i := range d.Pools {
		if d.Pools[i].ID != pool {
			continue
		}
		for j := range d.Pools[i].Providers {
			if d.Pools[i].Providers[j].ID == id {
				return &d.Pools[i].Providers[j], true
			}
		}
	}
	return nil, false
}

// Capabilities returns the platform capabilities the document requires.
func (d *Document) Capabilities() []Capability {
	caps := []Capability{CapabilityFederation, CapabilityMinting}
	for _, r := range d.Resources {
		switch r.Kind {
		case trust.ResourceRepository:
			caps = appendUnique(caps, CapabilityRegistry)
		case trust.ResourceCluster:
			caps = appendUnique(caps, CapabilityCluster)
		}
	}
	return caps
}

// ResolvedGrants returns the declared grants with their principal-set
// identifiers derived from the referenced providers' conditions.
func (d *Document) ResolvedGrants() []trust.ImpersonationGrant {
	grants := make([]trust.ImpersonationGrant, 0, len(d.Grants))
	for _, g := range d.Grants {
		if prov, ok := d.Provider(g.Pool, g.Provider); ok {
			g.PrincipalSet = trust.GrantPrincipalSet(prov)
		}
		grants = append(grants, g)
	}
	return grants
}

// TrustSnapshot assembles the exchange-path view of the document:
// pools, providers, grants keyed by principal set, and role bindings.
func (d *Document) TrustSnapshot() (pools []trust.IdentityPool, providers []trust.IdentityProvider, grants map[string]trust.ImpersonationGrant, bindings []trust.RoleBinding) {
	for _, p := range d.Pools {
		pools = append(pools, p.IdentityPool)
	}
	providers = d.Providers()
	grants = make(map[string]trust.ImpersonationGrant, len(d.Grants))
	for _, g := range d.ResolvedGrants() {
		if g.PrincipalSet != "" {
			grants[g.PrincipalSet] = g
		}
	}
	bindings = d.RoleBindings
	return pools, providers, grants, bindings
}

func appendUnique(caps []Capability, c Capability) []Capability {
	for _, existing := range caps {
		if existing == c {
			return caps
		}
	}
	return append(caps, c)
}
