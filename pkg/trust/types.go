// Package trust provides the federated identity trust chain for the
// deployment pipeline.
//
// This package defines the core types for identity pools, providers,
// service principals, role bindings, and impersonation grants, plus the
// validation and token exchange pipeline that converts a signed CI
// assertion into a short-lived, narrowly scoped cloud credential.
package trust

import (
	"fmt"
	"time"
)

// Role is a permitted action drawn from a closed catalog.
// Wildcards are never valid.
type Role string

const (
	// RoleRegistryWrite permits pushing images to a container registry.
	RoleRegistryWrite Role = "registry-write"
	// RoleClusterAdmin permits deploying workloads to the managed cluster.
	RoleClusterAdmin Role = "cluster-admin"
	// RoleTokenIssuer permits minting short-lived tokens for a service principal.
	RoleTokenIssuer Role = "token-issuer"
	// RoleImpersonate permits an external principal set to act as a
	// service principal. Only valid on impersonation grants, never on
	// role bindings.
	RoleImpersonate Role = "impersonate"
)

// RoleCatalog lists the roles that may appear on a role binding.
var RoleCatalog = []Role{RoleRegistryWrite, RoleClusterAdmin, RoleTokenIssuer}

// ValidBindingRole reports whether r may appear on a role binding.
func ValidBindingRole(r Role) bool {
	for _, c := range RoleCatalog {
		if c == r {
			return true
		}
	}
	return false
}

// ScopeKind identifies what a role binding's scope refers to.
type ScopeKind string

const (
	// ScopeProject scopes a binding to the whole project.
	ScopeProject ScopeKind = "project"
	// ScopeRepository scopes a binding to one container registry repository.
	ScopeRepository ScopeKind = "repository"
)

// Scope is the resource boundary of a role binding.
type Scope struct {
	Kind ScopeKind `yaml:"kind" json:"kind"`

	// Resource names the specific resource for non-project scopes.
	Resource string `yaml:"resource,omitempty" json:"resource,omitempty"`
}

// String renders the scope for reports and logs.
func (s Scope) String() string {
	if s.Kind == ScopeProject {
		return "project"
	}
	return fmt.Sprintf("%s/%s", s.Kind, s.Resource)
}

// IdentityPool is a logical grouping of external identity providers.
// Pools are immutable after creation except for deletion.
type IdentityPool struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"display_name,omitempty" json:"display_name,omitempty"`
}

// IdentityProvider is one configured external issuer inside a pool.
type IdentityProvider struct {
	Pool        string `yaml:"-" json:"pool"`
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"display_name,omitempty" json:"display_name,omitempty"`

	// IssuerURI is the OIDC issuer this provider trusts. Must be HTTPS.
	IssuerURI string `yaml:"issuer" json:"issuer"`

	// Audience is the audience value assertions must carry.
	Audience string `yaml:"audience" json:"audience"`

	// AttributeMapping maps exposed attribute names to assertion claim
	// names. The attribute condition may only reference exposed names
	// declared here.
	AttributeMapping map[string]string `yaml:"attribute_mapping" json:"attribute_mapping"`

	// Condition gates which assertions from the issuer are accepted.
	Condition Condition `yaml:"condition" json:"condition"`
}

// Name returns the provider identifier qualified by its pool.
func (p *IdentityProvider) Name() string {
	return p.Pool + "/" + p.ID
}

// ServicePrincipal is the cloud-side identity that holds permissions and
// performs deployment actions.
type ServicePrincipal struct {
	AccountID   string `yaml:"account_id" json:"account_id"`
	DisplayName string `yaml:"display_name,omitempty" json:"display_name,omitempty"`
}

// RoleBinding grants one role on one scope to a service principal.
type RoleBinding struct {
	Principal string `yaml:"principal" json:"principal"`
	Role      Role   `yaml:"role" json:"role"`
	Scope     Scope  `yaml:"scope" json:"scope"`
}

// Key returns a stable identifier for the binding, used for diffing.
func (b RoleBinding) Key() string {
	return fmt.Sprintf("%s|%s|%s", b.Principal, b.Role, b.Scope)
}

// ImpersonationGrant allows the principal set derived from a provider's
// attribute condition to act as one specific service principal. Grants
// are never project-wide: the provider's condition must pin at least one
// attribute, and the target is always a single principal.
type ImpersonationGrant struct {
	Pool             string `yaml:"pool" json:"pool"`
	Provider         string `yaml:"provider" json:"provider"`
	ServicePrincipal string `yaml:"service_principal" json:"service_principal"`

	// Roles bounds what the principal set may exercise through the
	// target principal. The issued credential never carries a role
	// outside this set, and never one the principal is not bound to.
	Roles []Role `yaml:"roles" json:"roles"`

	// PrincipalSet is the identifier derived from the provider's
	// attribute condition. Populated during planning, not declared.
	PrincipalSet string `yaml:"-" json:"principal_set,omitempty"`
}

// Key returns a stable identifier for the grant, used for diffing.
func (g ImpersonationGrant) Key() string {
	return fmt.Sprintf("%s/%s->%s", g.Pool, g.Provider, g.ServicePrincipal)
}

// ResourceKind identifies a managed resource type.
type ResourceKind string

const (
	// ResourceRepository is a container image repository.
	ResourceRepository ResourceKind = "repository"
	// ResourceCluster is a managed compute cluster.
	ResourceCluster ResourceKind = "cluster"
)

// ManagedResource is the declarative record of a provisioned resource.
type ManagedResource struct {
	Kind     ResourceKind `yaml:"kind" json:"kind"`
	Name     string       `yaml:"name" json:"name"`
	Location string       `yaml:"location" json:"location"`
}

// Key returns a stable identifier for the resource, used for diffing.
func (r ManagedResource) Key() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.Name)
}

// ValidatedAttributes is the output of assertion validation: the claims
// extracted per the provider's attribute mapping, plus the identity of
// the provider that accepted the assertion.
type ValidatedAttributes struct {
	Pool     string
	Provider string
	Subject  string

	// Values holds exposed attribute name to claim value.
	Values map[string]string
}

// Credential is a short-lived access credential issued by the token
// exchange service. Instances are ephemeral and never persisted.
type Credential struct {
	// RequestID correlates issuance log entries with the response.
	RequestID string `json:"request_id"`

	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`

	// Roles is the exact authorized role set: the intersection of the
	// grant's roles and the target principal's bindings.
	Roles []Role `json:"roles"`
}
