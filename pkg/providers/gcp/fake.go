package gcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/jokeworks/deploytrust/pkg/trust"
)

// In-memory client fakes. They back engine and exchange tests and the
// dry-run path when no credentials are available.

func notFound(name string) error {
	return &googleapi.Error{Code: 404, Message: name + " not found"}
}

// FakeWIF is an in-memory WorkloadIdentityClient.
type FakeWIF struct {
	mu        sync.Mutex
	Pools     map[string]*Pool
	Providers map[string]*PoolProvider
}

// NewFakeWIF creates an empty fake.
func NewFakeWIF() *FakeWIF {
	return &FakeWIF{Pools: map[string]*Pool{}, Providers: map[string]*PoolProvider{}}
}

func (f *FakeWIF) GetPool(_ context.Context, name string) (*Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Pools[name]
	if !ok {
		return nil, notFound(name)
	}
	cp := *p
	return &cp, nil
}

func (f *FakeWIF) CreatePool(_ context.Context, parent, poolID string, pool *Pool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := parent + "/workloadIdentityPools/" + poolID
	cp := *pool
	cp.Name = name
	cp.State = "ACTIVE"
	f.Pools[name] = &cp
	return nil
}

func (f *FakeWIF) DeletePool(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Pools[name]; !ok {
		return notFound(name)
	}
	delete(f.Pools, name)
	return nil
}

func (f *FakeWIF) GetProvider(_ context.Context, name string) (*PoolProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Providers[name]
	if !ok {
		return nil, notFound(name)
	}
	cp := *p
	return &cp, nil
}

func (f *FakeWIF) CreateProvider(_ context.Context, parent, providerID string, provider *PoolProvider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := parent + "/providers/" + providerID
	cp := *provider
	cp.Name = name
	cp.State = "ACTIVE"
	f.Providers[name] = &cp
	return nil
}

func (f *FakeWIF) UpdateProvider(_ context.Context, name string, provider *PoolProvider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Providers[name]; !ok {
		return notFound(name)
	}
	cp := *provider
	cp.Name = name
	cp.State = "ACTIVE"
	f.Providers[name] = &cp
	return nil
}

func (f *FakeWIF) DeleteProvider(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Providers[name]; !ok {
		return notFound(name)
	}
	delete(f.Providers, name)
	return nil
}

// FakeIAM is an in-memory IAMClient.
type FakeIAM struct {
	mu       sync.Mutex
	Accounts map[string]*ServiceAccount
	Policies map[string]*Policy
}

// NewFakeIAM creates an empty fake.
func NewFakeIAM() *FakeIAM {
	return &FakeIAM{Accounts: map[string]*ServiceAccount{}, Policies: map[string]*Policy{}}
}

func (f *FakeIAM) GetServiceAccount(_ context.Context, name string) (*ServiceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sa, ok := f.Accounts[name]
	if !ok {
		return nil, notFound(name)
	}
	cp := *sa
	return &cp, nil
}

func (f *FakeIAM) CreateServiceAccount(_ context.Context, projectID, accountID, displayName string) (*ServiceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email := ServiceAccountEmail(accountID, projectID)
	name := serviceAccountName(projectID, email)
	sa := &ServiceAccount{Name: name, Email: email, DisplayName: displayName, UniqueID: fmt.Sprintf("%d", len(f.Accounts)+1)}
	f.Accounts[name] = sa
	cp := *sa
	return &cp, nil
}

func (f *FakeIAM) DeleteServiceAccount(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Accounts[name]; !ok {
		return notFound(name)
	}
	delete(f.Accounts, name)
	return nil
}

func (f *FakeIAM) GetPolicy(_ context.Context, resource string) (*Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Policies[resource]
	if !ok {
		return &Policy{}, nil
	}
	return clonePolicy(p), nil
}

func (f *FakeIAM) SetPolicy(_ context.Context, resource string, policy *Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Policies[resource] = clonePolicy(policy)
	return nil
}

// FakeCRM is an in-memory ResourceManagerClient.
type FakeCRM struct {
	mu     sync.Mutex
	Policy *Policy
}

// NewFakeCRM creates a fake with an empty project policy.
func NewFakeCRM() *FakeCRM {
	return &FakeCRM{Policy: &Policy{}}
}

func (f *FakeCRM) GetProjectPolicy(_ context.Context, _ string) (*Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return clonePolicy(f.Policy), nil
}

func (f *FakeCRM) SetProjectPolicy(_ context.Context, _ string, policy *Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Policy = clonePolicy(policy)
	return nil
}

// FakeRegistry is an in-memory RegistryClient.
type FakeRegistry struct {
	mu           sync.Mutex
	Repositories map[string]*Repository
	Policies     map[string]*Policy
}

// NewFakeRegistry creates an empty fake.
func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{Repositories: map[string]*Repository{}, Policies: map[string]*Policy{}}
}

func (f *FakeRegistry) GetRepository(_ context.Context, name string) (*Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Repositories[name]
	if !ok {
		return nil, notFound(name)
	}
	cp := *r
	return &cp, nil
}

func (f *FakeRegistry) CreateRepository(_ context.Context, parent, repositoryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := parent + "/repositories/" + repositoryID
	f.Repositories[name] = &Repository{Name: name, Location: repositoryLocation(name), Format: "DOCKER"}
	return nil
}

func (f *FakeRegistry) DeleteRepository(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Repositories[name]; !ok {
		return notFound(name)
	}
	delete(f.Repositories, name)
	return nil
}

func (f *FakeRegistry) GetRepositoryPolicy(_ context.Context, resource string) (*Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Policies[resource]
	if !ok {
		return &Policy{}, nil
	}
	return clonePolicy(p), nil
}

func (f *FakeRegistry) SetRepositoryPolicy(_ context.Context, resource string, policy *Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Policies[resource] = clonePolicy(policy)
	return nil
}

// FakeClusters is an in-memory ClusterClient.
type FakeClusters struct {
	mu       sync.Mutex
	Clusters map[string]*Cluster
}

// NewFakeClusters creates an empty fake.
func NewFakeClusters() *FakeClusters {
	return &FakeClusters{Clusters: map[string]*Cluster{}}
}

func (f *FakeClusters) GetCluster(_ context.Context, name string) (*Cluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Clusters[name]
	if !ok {
		return nil, notFound(name)
	}
	cp := *c
	return &cp, nil
}

func (f *FakeClusters) CreateCluster(_ context.Context, parent string, cluster *Cluster) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := parent + "/clusters/" + cluster.Name
	cp := *cluster
	cp.Status = "RUNNING"
	f.Clusters[name] = &cp
	return nil
}

func (f *FakeClusters) DeleteCluster(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Clusters[name]; !ok {
		return notFound(name)
	}
	delete(f.Clusters, name)
	return nil
}

// FakeServiceUsage is an in-memory ServiceUsageClient.
type FakeServiceUsage struct {
	mu      sync.Mutex
	Enabled map[string]bool
}

// NewFakeServiceUsage creates a fake with no services enabled.
func NewFakeServiceUsage() *FakeServiceUsage {
	return &FakeServiceUsage{Enabled: map[string]bool{}}
}

func (f *FakeServiceUsage) IsEnabled(_ context.Context, _, service string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Enabled[service], nil
}

func (f *FakeServiceUsage) Enable(_ context.Context, _, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Enabled[service] = true
	return nil
}

// FakeSTS is an in-memory STSClient. FailExchanges and FailMints make
// the next N calls of each step fail, which exercises the retry path;
// ExchangeErr and MintErr override the default transient failure.
type FakeSTS struct {
	mu            sync.Mutex
	FailExchanges int
	ExchangeErr   error
	FailMints     int
	MintErr       error
	Exchanges     int
	Minted        int
}

// NewFakeSTS creates a fake that always succeeds.
func NewFakeSTS() *FakeSTS {
	return &FakeSTS{}
}

func (f *FakeSTS) ExchangeToken(_ context.Context, input *ExchangeTokenInput) (*ExchangeTokenOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Exchanges++
	if f.FailExchanges > 0 {
		f.FailExchanges--
		if f.ExchangeErr != nil {
			return nil, f.ExchangeErr
		}
		return nil, fmt.Errorf("sts: temporary failure")
	}
	return &ExchangeTokenOutput{
		AccessToken: "federated-" + input.Audience,
		TokenType:   "Bearer",
		ExpiresIn:   3600,
	}, nil
}

func (f *FakeSTS) GenerateAccessToken(_ context.Context, input *GenerateAccessTokenInput) (*GenerateAccessTokenOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Minted++
	if f.FailMints > 0 {
		f.FailMints--
		if f.MintErr != nil {
			return nil, f.MintErr
		}
		return nil, fmt.Errorf("iamcredentials: temporary failure")
	}
	return &GenerateAccessTokenOutput{
		AccessToken: "sa-token-" + input.ServiceAccountEmail,
		ExpireTime:  time.Now().Add(input.Lifetime),
	}, nil
}

// FakeIssuer is an in-memory trust.CredentialIssuer. FailTimes makes the
// next N calls fail with a retryable error.
type FakeIssuer struct {
	mu        sync.Mutex
	FailTimes int
	Calls     int
	Last      trust.IssueRequest
}

// Issue implements trust.CredentialIssuer.
func (f *FakeIssuer) Issue(_ context.Context, req trust.IssueRequest) (*trust.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	f.Last = req
	if f.FailTimes > 0 {
		f.FailTimes--
		return nil, trust.ErrUpstreamUnavailable(fmt.Errorf("issuer: temporary failure"))
	}
	return &trust.Credential{
		AccessToken: "token-for-" + req.ServicePrincipal,
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(req.TTL),
	}, nil
}

func clonePolicy(p *Policy) *Policy {
	out := &Policy{Etag: p.Etag}
	for _, b := range p.Bindings {
		members := make([]string, len(b.Members))
		copy(members, b.Members)
		out.Bindings = append(out.Bindings, &PolicyBinding{Role: b.Role, Members: members})
	}
	return out
}
