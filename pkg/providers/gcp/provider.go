// Package gcp implements the cloud side of the trust chain on Google
// Cloud: Workload Identity Federation for pools and providers, IAM for
// service accounts and policy, Artifact Registry and GKE for managed
// resources, and STS plus the credentials API for token minting.
package gcp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jokeworks/deploytrust/pkg/reconcile"
	"github.com/jokeworks/deploytrust/pkg/trust"
)

// Config identifies the target project.
type Config struct {
	ProjectID     string
	ProjectNumber string
}

// Pool is the cloud-side shape of a workload identity pool.
type Pool struct {
	Name        string
	DisplayName string
	State       string
}

// PoolProvider is the cloud-side shape of a workload identity pool
// provider.
type PoolProvider struct {
	Name               string
	DisplayName        string
	IssuerURI          string
	AllowedAudiences   []string
	AttributeMapping   map[string]string
	AttributeCondition string
	State              string
}

// ServiceAccount is the cloud-side shape of a service account.
type ServiceAccount struct {
	Name        string
	Email       string
	DisplayName string
	UniqueID    string
}

// Repository is the cloud-side shape of an Artifact Registry repository.
type Repository struct {
	Name     string
	Location string
	Format   string
}

// Cluster is the cloud-side shape of a GKE cluster.
type Cluster struct {
	Name     string
	Location string
	Status   string
}

// Policy is an IAM policy on some resource.
type Policy struct {
	Bindings []*PolicyBinding
	Etag     string
}

// PolicyBinding is one role-to-members binding inside a policy.
type PolicyBinding struct {
	Role    string
	Members []string
}

// WorkloadIdentityClient abstracts workload identity pool and provider
// operations so tests can inject fakes.
type WorkloadIdentityClient interface {
	GetPool(ctx context.Context, name string) (*Pool, error)
	CreatePool(ctx context.Context, parent, poolID string, pool *Pool) error
	DeletePool(ctx context.Context, name string) error

	GetProvider(ctx context.Context, name string) (*PoolProvider, error)
	CreateProvider(ctx context.Context, parent, providerID string, provider *PoolProvider) error
	UpdateProvider(ctx context.Context, name string, provider *PoolProvider) error
	DeleteProvider(ctx context.Context, name string) error
}

// IAMClient abstracts service account and service account policy
// operations.
type IAMClient interface {
	GetServiceAccount(ctx context.Context, name string) (*ServiceAccount, error)
	CreateServiceAccount(ctx context.Context, projectID, accountID, displayName string) (*ServiceAccount, error)
	DeleteServiceAccount(ctx context.Context, name string) error

	GetPolicy(ctx context.Context, resource string) (*Policy, error)
	SetPolicy(ctx context.Context, resource string, policy *Policy) error
}

// ResourceManagerClient abstracts project-level IAM policy operations.
type ResourceManagerClient interface {
	GetProjectPolicy(ctx context.Context, projectID string) (*Policy, error)
	SetProjectPolicy(ctx context.Context, projectID string, policy *Policy) error
}

// RegistryClient abstracts Artifact Registry repository operations.
type RegistryClient interface {
	GetRepository(ctx context.Context, name string) (*Repository, error)
	CreateRepository(ctx context.Context, parent, repositoryID string) error
	DeleteRepository(ctx context.Context, name string) error

	GetRepositoryPolicy(ctx context.Context, resource string) (*Policy, error)
	SetRepositoryPolicy(ctx context.Context, resource string, policy *Policy) error
}

// ClusterClient abstracts GKE cluster operations.
type ClusterClient interface {
	GetCluster(ctx context.Context, name string) (*Cluster, error)
	CreateCluster(ctx context.Context, parent string, cluster *Cluster) error
	DeleteCluster(ctx context.Context, name string) error
}

// ServiceUsageClient abstracts API enablement.
type ServiceUsageClient interface {
	IsEnabled(ctx context.Context, projectNumber, service string) (bool, error)
	Enable(ctx context.Context, projectNumber, service string) error
}

// ExchangeTokenInput carries one STS token exchange request.
type ExchangeTokenInput struct {
	// Audience is the full resource name of the workload identity pool
	// provider, prefixed with //iam.googleapis.com/.
	Audience         string
	SubjectToken     string
	SubjectTokenType string
	Scope            string
}

// ExchangeTokenOutput is the STS exchange response.
type ExchangeTokenOutput struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int64
}

// GenerateAccessTokenInput asks for a short-lived service account token.
type GenerateAccessTokenInput struct {
	ServiceAccountEmail string
	Scopes              []string
	Lifetime            time.Duration

	// FederatedToken authenticates the call. It is the access token the
	// STS exchange returned.
	FederatedToken string
}

// GenerateAccessTokenOutput is the minted service account token.
type GenerateAccessTokenOutput struct {
	AccessToken string
	ExpireTime  time.Time
}

// STSClient abstracts the two-step credential mint: STS token exchange
// followed by service account impersonation.
type STSClient interface {
	ExchangeToken(ctx context.Context, input *ExchangeTokenInput) (*ExchangeTokenOutput, error)
	GenerateAccessToken(ctx context.Context, input *GenerateAccessTokenInput) (*GenerateAccessTokenOutput, error)
}

// capabilityServices maps the engine's abstract capabilities to the
// APIs that must be enabled before dependent resources exist.
var capabilityServices = map[reconcile.Capability][]string{
	reconcile.CapabilityFederation: {"iam.googleapis.com", "sts.googleapis.com"},
	reconcile.CapabilityMinting:    {"iamcredentials.googleapis.com"},
	reconcile.CapabilityRegistry:   {"artifactregistry.googleapis.com"},
	reconcile.CapabilityCluster:    {"container.googleapis.com"},
}

// roleTranslations maps catalog roles to IAM roles. Bindings are always
// exact roles on exact scopes; nothing here widens.
var roleTranslations = map[trust.Role]string{
	trust.RoleRegistryWrite: "roles/artifactregistry.writer",
	trust.RoleClusterAdmin:  "roles/container.admin",
	trust.RoleTokenIssuer:   "roles/iam.serviceAccountTokenCreator",
}

const workloadIdentityUserRole = "roles/iam.workloadIdentityUser"

// State implements reconcile.CloudState against GCP.
type State struct {
	cfg Config

	wif      WorkloadIdentityClient
	iam      IAMClient
	crm      ResourceManagerClient
	registry RegistryClient
	clusters ClusterClient
	services ServiceUsageClient

	// policyMu serializes read-modify-write policy updates. Operations
	// in one dependency level may target the same policy document.
	policyMu sync.Mutex

	// repoLocations caches repository locations seen during Fetch so a
	// later binding Apply can address the repository policy.
	locMu         sync.Mutex
	repoLocations map[string]string
}

// StateOption configures the State.
type StateOption func(*State)

// WithWorkloadIdentityClient sets the workload identity client.
func WithWorkloadIdentityClient(c WorkloadIdentityClient) StateOption {
	return func(s *State) { s.wif = c }
}

// WithIAMClient sets the IAM client.
func WithIAMClient(c IAMClient) StateOption {
	return func(s *State) { s.iam = c }
}

// WithResourceManagerClient sets the project policy client.
func WithResourceManagerClient(c ResourceManagerClient) StateOption {
	return func(s *State) { s.crm = c }
}

// WithRegistryClient sets the Artifact Registry client.
func WithRegistryClient(c RegistryClient) StateOption {
	return func(s *State) { s.registry = c }
}

// WithClusterClient sets the GKE client.
func WithClusterClient(c ClusterClient) StateOption {
	return func(s *State) { s.clusters = c }
}

// WithServiceUsageClient sets the API enablement client.
func WithServiceUsageClient(c ServiceUsageClient) StateOption {
	return func(s *State) { s.services = c }
}

// NewState creates a GCP-backed cloud state.
func NewState(cfg Config, opts ...StateOption) *State {
	s := &State{cfg: cfg, repoLocations: map[string]string{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resource name helpers. These are the canonical GCP resource paths.

// PoolName returns the full resource name of a workload identity pool.
func PoolName(projectNumber, poolID string) string {
	return fmt.Sprintf("projects/%s/locations/global/workloadIdentityPools/%s", projectNumber, poolID)
}

// ProviderName returns the full resource name of a pool provider.
func ProviderName(projectNumber, poolID, providerID string) string {
	return PoolName(projectNumber, poolID) + "/providers/" + providerID
}

// ServiceAccountEmail derives the email a principal's account ID maps to.
func ServiceAccountEmail(accountID, projectID string) string {
	return fmt.Sprintf("%s@%s.iam.gserviceaccount.com", accountID, projectID)
}

func serviceAccountName(projectID, email string) string {
	return fmt.Sprintf("projects/%s/serviceAccounts/%s", projectID, email)
}

func repositoryName(projectID, location, repo string) string {
	return fmt.Sprintf("projects/%s/locations/%s/repositories/%s", projectID, location, repo)
}

func clusterName(projectID, location, cluster string) string {
	return fmt.Sprintf("projects/%s/locations/%s/clusters/%s", projectID, location, cluster)
}

// RegistryAddress returns the docker address of a repository.
func RegistryAddress(projectID, location, repo string) string {
	return fmt.Sprintf("%s-docker.pkg.dev/%s/%s", location, projectID, repo)
}

// LiveMember converts an internal principal-set identifier into the
// member form project IAM policies use.
func LiveMember(projectNumber, principalSet string) (string, error) {
	rest, ok := strings.CutPrefix(principalSet, "principalSet://pools/")
	if !ok {
		return "", trust.ErrInternal(fmt.Sprintf("malformed principal set %q", principalSet))
	}
	pool, attrs, ok := strings.Cut(rest, "/")
	if !ok || pool == "" {
		return "", trust.ErrInternal(fmt.Sprintf("malformed principal set %q", principalSet))
	}
	return fmt.Sprintf("principalSet://iam.googleapis.com/%s/%s", PoolName(projectNumber, pool), attrs), nil
}

func serviceAccountMember(email string) string {
	return "serviceAccount:" + email
}

// Fetch implements reconcile.CloudState.
func (s *State) Fetch(ctx context.Context, keys reconcile.ObservedKeys) (*reconcile.Observed, error) {
	obs := reconcile.NewObserved()

	for _, capName := range keys.Services {
		enabled := true
		for _, svc := range capabilityServices[reconcile.Capability(capName)] {
			on, err := s.services.IsEnabled(ctx, s.cfg.ProjectNumber, svc)
			if err != nil {
				return nil, err
			}
			if !on {
				enabled = false
				break
			}
		}
		obs.Services[capName] = enabled
	}

	for _, poolID := range keys.Pools {
		pool, err := s.wif.GetPool(ctx, PoolName(s.cfg.ProjectNumber, poolID))
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		// Deleted pools linger in a soft-deleted state.
		if pool.State == "DELETED" {
			continue
		}
		obs.Pools[poolID] = true
	}

	for _, name := range keys.Providers {
		poolID, providerID, ok := strings.Cut(name, "/")
		if !ok {
			continue
		}
		prov, err := s.wif.GetProvider(ctx, ProviderName(s.cfg.ProjectNumber, poolID, providerID))
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if prov.State == "DELETED" {
			continue
		}
		audience := ""
		if len(prov.AllowedAudiences) > 0 {
			audience = prov.AllowedAudiences[0]
		}
		obs.Providers[name] = reconcile.ObservedProvider{
			IssuerURI:        prov.IssuerURI,
			Audience:         audience,
			AttributeMapping: internalMapping(prov.AttributeMapping),
			ConditionCEL:     prov.AttributeCondition,
		}
	}

	for _, accountID := range keys.Principals {
		email := ServiceAccountEmail(accountID, s.cfg.ProjectID)
		_, err := s.iam.GetServiceAccount(ctx, serviceAccountName(s.cfg.ProjectID, email))
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		obs.Principals[accountID] = true
	}

	for _, r := range keys.Resources {
		got, err := s.fetchResource(ctx, r)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		obs.Resources[r.Key()] = *got
	}

	policies := newPolicyCache(s)
	for _, b := range keys.Bindings {
		present, err := s.bindingPresent(ctx, policies, b)
		if err != nil {
			return nil, err
		}
		obs.Bindings[b.Key()] = present
	}
	for _, g := range keys.Grants {
		present, err := s.grantPresent(ctx, policies, g)
		if err != nil {
			return nil, err
		}
		obs.Grants[g.Key()] = present
	}

	// Presence maps only record what exists.
	for k, v := range obs.Bindings {
		if !v {
			delete(obs.Bindings, k)
		}
	}
	for k, v := range obs.Grants {
		if !v {
			delete(obs.Grants, k)
		}
	}
	return obs, nil
}

func (s *State) fetchResource(ctx context.Context, r trust.ManagedResource) (*trust.ManagedResource, error) {
	switch r.Kind {
	case trust.ResourceRepository:
		repo, err := s.registry.GetRepository(ctx, repositoryName(s.cfg.ProjectID, r.Location, r.Name))
		if err != nil {
			return nil, err
		}
		s.locMu.Lock()
		s.repoLocations[r.Name] = repo.Location
		s.locMu.Unlock()
		return &trust.ManagedResource{Kind: r.Kind, Name: r.Name, Location: repo.Location}, nil
	case trust.ResourceCluster:
		cl, err := s.clusters.GetCluster(ctx, clusterName(s.cfg.ProjectID, r.Location, r.Name))
		if err != nil {
			return nil, err
		}
		return &trust.ManagedResource{Kind: r.Kind, Name: r.Name, Location: cl.Location}, nil
	}
	return nil, trust.ErrInternal(fmt.Sprintf("unknown resource kind %q", r.Kind))
}

// Apply implements reconcile.CloudState.
func (s *State) Apply(ctx context.Context, op reconcile.Operation) error {
	switch op.Kind {
	case reconcile.KindService:
		return s.applyService(ctx, op)
	case reconcile.KindPool:
		return s.applyPool(ctx, op)
	case reconcile.KindProvider:
		return s.applyProvider(ctx, op)
	case reconcile.KindServicePrincipal:
		return s.applyPrincipal(ctx, op)
	case reconcile.KindRoleBinding:
		return s.applyBinding(ctx, op)
	case reconcile.KindGrant:
		return s.applyGrant(ctx, op)
	case reconcile.KindRepository:
		return s.applyRepository(ctx, op)
	case reconcile.KindCluster:
		return s.applyCluster(ctx, op)
	}
	return trust.ErrInternal(fmt.Sprintf("unknown operation kind %q", op.Kind))
}

func (s *State) applyService(ctx context.Context, op reconcile.Operation) error {
	for _, svc := range capabilityServices[reconcile.Capability(op.Service)] {
		if err := s.services.Enable(ctx, s.cfg.ProjectNumber, svc); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) applyPool(ctx context.Context, op reconcile.Operation) error {
	name := PoolName(s.cfg.ProjectNumber, op.Pool.ID)
	switch op.Verb {
	case reconcile.VerbCreate:
		displayName := op.Pool.DisplayName
		if displayName == "" {
			displayName = op.Pool.ID
		}
		parent := fmt.Sprintf("projects/%s/locations/global", s.cfg.ProjectNumber)
		return s.wif.CreatePool(ctx, parent, op.Pool.ID, &Pool{DisplayName: displayName})
	case reconcile.VerbDelete:
		return s.wif.DeletePool(ctx, name)
	}
	return nil
}

func (s *State) applyProvider(ctx context.Context, op reconcile.Operation) error {
	p := op.Provider
	name := ProviderName(s.cfg.ProjectNumber, p.Pool, p.ID)
	switch op.Verb {
	case reconcile.VerbCreate:
		parent := PoolName(s.cfg.ProjectNumber, p.Pool)
		return s.wif.CreateProvider(ctx, parent, p.ID, providerBody(p))
	case reconcile.VerbUpdate:
		return s.wif.UpdateProvider(ctx, name, providerBody(p))
	case reconcile.VerbDelete:
		return s.wif.DeleteProvider(ctx, name)
	}
	return nil
}

func providerBody(p *trust.IdentityProvider) *PoolProvider {
	return &PoolProvider{
		DisplayName:        p.DisplayName,
		IssuerURI:          p.IssuerURI,
		AllowedAudiences:   []string{p.Audience},
		AttributeMapping:   liveMapping(p.AttributeMapping),
		AttributeCondition: p.Condition.CEL(),
	}
}

// liveMapping renders the document's exposed-name-to-claim mapping in
// provider syntax: attribute.<name> keys, assertion.<claim> values, plus
// the mandatory subject mapping.
func liveMapping(mapping map[string]string) map[string]string {
	out := map[string]string{"google.subject": "assertion.sub"}
	for name, claim := range mapping {
		out["attribute."+name] = "assertion." + claim
	}
	return out
}

// internalMapping is the inverse of liveMapping, used when diffing an
// observed provider against the document.
func internalMapping(live map[string]string) map[string]string {
	out := map[string]string{}
	for key, val := range live {
		name, ok := strings.CutPrefix(key, "attribute.")
		if !ok {
			continue
		}
		out[name] = strings.TrimPrefix(val, "assertion.")
	}
	return out
}

func (s *State) applyPrincipal(ctx context.Context, op reconcile.Operation) error {
	sp := op.Principal
	email := ServiceAccountEmail(sp.AccountID, s.cfg.ProjectID)
	switch op.Verb {
	case reconcile.VerbCreate:
		displayName := sp.DisplayName
		if displayName == "" {
			displayName = sp.AccountID
		}
		_, err := s.iam.CreateServiceAccount(ctx, s.cfg.ProjectID, sp.AccountID, displayName)
		return err
	case reconcile.VerbDelete:
		return s.iam.DeleteServiceAccount(ctx, serviceAccountName(s.cfg.ProjectID, email))
	}
	return nil
}

func (s *State) applyBinding(ctx context.Context, op reconcile.Operation) error {
	b := op.Binding
	role, ok := roleTranslations[b.Role]
	if !ok {
		return trust.ErrInternal(fmt.Sprintf("role %q has no translation", b.Role))
	}
	member := serviceAccountMember(ServiceAccountEmail(b.Principal, s.cfg.ProjectID))

	s.policyMu.Lock()
	defer s.policyMu.Unlock()

	get, set, err := s.policyAccessors(b.Scope)
	if err != nil {
		return err
	}
	policy, err := get(ctx)
	if err != nil {
		return err
	}
	changed := false
	switch op.Verb {
	case reconcile.VerbCreate:
		changed = addMember(policy, role, member)
	case reconcile.VerbDelete:
		changed = removeMember(policy, role, member)
	}
	if !changed {
		return nil
	}
	return set(ctx, policy)
}

// policyAccessors resolves the policy document a binding scope lives on.
func (s *State) policyAccessors(scope trust.Scope) (func(context.Context) (*Policy, error), func(context.Context, *Policy) error, error) {
	switch scope.Kind {
	case trust.ScopeProject:
		return func(ctx context.Context) (*Policy, error) {
				return s.crm.GetProjectPolicy(ctx, s.cfg.ProjectID)
			}, func(ctx context.Context, p *Policy) error {
				return s.crm.SetProjectPolicy(ctx, s.cfg.ProjectID, p)
			}, nil
	case trust.ScopeRepository:
		s.locMu.Lock()
		location, ok := s.repoLocations[scope.Resource]
		s.locMu.Unlock()
		if !ok {
			return nil, nil, trust.ErrNotFound("repository", scope.Resource).
				WithOperation("resolving repository location")
		}
		resource := repositoryName(s.cfg.ProjectID, location, scope.Resource)
		return func(ctx context.Context) (*Policy, error) {
				return s.registry.GetRepositoryPolicy(ctx, resource)
			}, func(ctx context.Context, p *Policy) error {
				return s.registry.SetRepositoryPolicy(ctx, resource, p)
			}, nil
	}
	return nil, nil, trust.ErrInternal(fmt.Sprintf("unknown scope kind %q", scope.Kind))
}

func (s *State) applyGrant(ctx context.Context, op reconcile.Operation) error {
	g := op.Grant
	member, err := LiveMember(s.cfg.ProjectNumber, g.PrincipalSet)
	if err != nil {
		return err
	}
	email := ServiceAccountEmail(g.ServicePrincipal, s.cfg.ProjectID)
	resource := serviceAccountName(s.cfg.ProjectID, email)

	s.policyMu.Lock()
	defer s.policyMu.Unlock()

	policy, err := s.iam.GetPolicy(ctx, resource)
	if err != nil {
		return err
	}
	changed := false
	switch op.Verb {
	case reconcile.VerbCreate:
		changed = addMember(policy, workloadIdentityUserRole, member)
	case reconcile.VerbDelete:
		changed = removeMember(policy, workloadIdentityUserRole, member)
	}
	if !changed {
		return nil
	}
	return s.iam.SetPolicy(ctx, resource, policy)
}

func (s *State) applyRepository(ctx context.Context, op reconcile.Operation) error {
	r := op.Resource
	switch op.Verb {
	case reconcile.VerbCreate:
		parent := fmt.Sprintf("projects/%s/locations/%s", s.cfg.ProjectID, r.Location)
		if err := s.registry.CreateRepository(ctx, parent, r.Name); err != nil {
			return err
		}
		s.locMu.Lock()
		s.repoLocations[r.Name] = r.Location
		s.locMu.Unlock()
		return nil
	case reconcile.VerbDelete:
		return s.registry.DeleteRepository(ctx, repositoryName(s.cfg.ProjectID, r.Location, r.Name))
	}
	return nil
}

func (s *State) applyCluster(ctx context.Context, op reconcile.Operation) error {
	r := op.Resource
	switch op.Verb {
	case reconcile.VerbCreate:
		parent := fmt.Sprintf("projects/%s/locations/%s", s.cfg.ProjectID, r.Location)
		return s.clusters.CreateCluster(ctx, parent, &Cluster{Name: r.Name, Location: r.Location})
	case reconcile.VerbDelete:
		return s.clusters.DeleteCluster(ctx, clusterName(s.cfg.ProjectID, r.Location, r.Name))
	}
	return nil
}

func (s *State) bindingPresent(ctx context.Context, cache *policyCache, b trust.RoleBinding) (bool, error) {
	role, ok := roleTranslations[b.Role]
	if !ok {
		return false, nil
	}
	policy, err := cache.forScope(ctx, b.Scope)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	member := serviceAccountMember(ServiceAccountEmail(b.Principal, s.cfg.ProjectID))
	return hasMember(policy, role, member), nil
}

func (s *State) grantPresent(ctx context.Context, cache *policyCache, g trust.ImpersonationGrant) (bool, error) {
	if g.PrincipalSet == "" {
		return false, nil
	}
	member, err := LiveMember(s.cfg.ProjectNumber, g.PrincipalSet)
	if err != nil {
		return false, err
	}
	email := ServiceAccountEmail(g.ServicePrincipal, s.cfg.ProjectID)
	policy, err := cache.forResource(ctx, serviceAccountName(s.cfg.ProjectID, email), s.iam.GetPolicy)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return hasMember(policy, workloadIdentityUserRole, member), nil
}

// policyCache avoids refetching the same policy document per key.
type policyCache struct {
	state    *State
	policies map[string]*Policy
}

func newPolicyCache(s *State) *policyCache {
	return &policyCache{state: s, policies: map[string]*Policy{}}
}

func (c *policyCache) forResource(ctx context.Context, resource string, get func(context.Context, string) (*Policy, error)) (*Policy, error) {
	if p, ok := c.policies[resource]; ok {
		return p, nil
	}
	p, err := get(ctx, resource)
	if err != nil {
		return nil, err
	}
	c.policies[resource] = p
	return p, nil
}

func (c *policyCache) forScope(ctx context.Context, scope trust.Scope) (*Policy, error) {
	switch scope.Kind {
	case trust.ScopeProject:
		return c.forResource(ctx, "project:"+c.state.cfg.ProjectID, func(ctx context.Context, _ string) (*Policy, error) {
			return c.state.crm.GetProjectPolicy(ctx, c.state.cfg.ProjectID)
		})
	case trust.ScopeRepository:
		c.state.locMu.Lock()
		location, ok := c.state.repoLocations[scope.Resource]
		c.state.locMu.Unlock()
		if !ok {
			return nil, trust.ErrNotFound("repository", scope.Resource)
		}
		return c.forResource(ctx, repositoryName(c.state.cfg.ProjectID, location, scope.Resource), c.state.registry.GetRepositoryPolicy)
	}
	return nil, trust.ErrInternal(fmt.Sprintf("unknown scope kind %q", scope.Kind))
}

func hasMember(policy *Policy, role, member string) bool {
	for _, b := range policy.Bindings {
		if b.Role != role {
			continue
		}
		for _, m := range b.Members {
			if m == member {
				return true
			}
		}
	}
	return false
}

func addMember(policy *Policy, role, member string) bool {
	for _, b := range policy.Bindings {
		if b.Role != role {
			continue
		}
		for _, m := range b.Members {
			if m == member {
				return false
			}
		}
		b.Members = append(b.Members, member)
		return true
	}
	policy.Bindings = append(policy.Bindings, &PolicyBinding{Role: role, Members: []string{member}})
	return true
}

func removeMember(policy *Policy, role, member string) bool {
	for _, b := range policy.Bindings {
		if b.Role != role {
			continue
		}
		for i, m := range b.Members {
			if m == member {
				b.Members = append(b.Members[:i], b.Members[i+1:]...)
				return true
			}
		}
	}
	return false
}
