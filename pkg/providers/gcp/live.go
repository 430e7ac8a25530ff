package gcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/artifactregistry/v1"
	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/container/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iam/v1"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
	"google.golang.org/api/serviceusage/v1"
	"google.golang.org/api/sts/v1"

	"github.com/jokeworks/deploytrust/pkg/trust"
)

// IsNotFound reports whether err is a 404 from a Google API or a local
// not-found, such as a binding scope whose repository does not exist yet.
func IsNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 404 {
		return true
	}
	return trust.IsCategory(err, trust.CategoryNotFound)
}

// Clients bundles the live API clients a State needs. Construction uses
// application default credentials unless options override them.
type Clients struct {
	WIF      WorkloadIdentityClient
	IAM      IAMClient
	CRM      ResourceManagerClient
	Registry RegistryClient
	Clusters ClusterClient
	Services ServiceUsageClient
	STS      STSClient
}

// NewClients creates live API clients.
func NewClients(ctx context.Context, opts ...option.ClientOption) (*Clients, error) {
	iamSvc, err := iam.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating iam client: %w", err)
	}
	crmSvc, err := cloudresourcemanager.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating resource manager client: %w", err)
	}
	arSvc, err := artifactregistry.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating artifact registry client: %w", err)
	}
	gkeSvc, err := container.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating container client: %w", err)
	}
	suSvc, err := serviceusage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating service usage client: %w", err)
	}
	// The STS token endpoint authenticates by the subject token itself.
	stsSvc, err := sts.NewService(ctx, option.WithoutAuthentication())
	if err != nil {
		return nil, fmt.Errorf("creating sts client: %w", err)
	}

	return &Clients{
		WIF:      &liveWIF{svc: iamSvc},
		IAM:      &liveIAM{svc: iamSvc},
		CRM:      &liveCRM{svc: crmSvc},
		Registry: &liveRegistry{svc: arSvc},
		Clusters: &liveClusters{svc: gkeSvc},
		Services: &liveServiceUsage{svc: suSvc},
		STS:      &liveSTS{svc: stsSvc},
	}, nil
}

// NewLiveState wires a State over live clients.
func NewLiveState(ctx context.Context, cfg Config, opts ...option.ClientOption) (*State, error) {
	clients, err := NewClients(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return NewState(cfg,
		WithWorkloadIdentityClient(clients.WIF),
		WithIAMClient(clients.IAM),
		WithResourceManagerClient(clients.CRM),
		WithRegistryClient(clients.Registry),
		WithClusterClient(clients.Clusters),
		WithServiceUsageClient(clients.Services),
	), nil
}

type liveWIF struct {
	svc *iam.Service
}

func (c *liveWIF) GetPool(ctx context.Context, name string) (*Pool, error) {
	got, err := c.svc.Projects.Locations.WorkloadIdentityPools.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return &Pool{Name: got.Name, DisplayName: got.DisplayName, State: got.State}, nil
}

func (c *liveWIF) CreatePool(ctx context.Context, parent, poolID string, pool *Pool) error {
	_, err := c.svc.Projects.Locations.WorkloadIdentityPools.
		Create(parent, &iam.WorkloadIdentityPool{DisplayName: pool.DisplayName}).
		WorkloadIdentityPoolId(poolID).
		Context(ctx).Do()
	return err
}

func (c *liveWIF) DeletePool(ctx context.Context, name string) error {
	_, err := c.svc.Projects.Locations.WorkloadIdentityPools.Delete(name).Context(ctx).Do()
	return err
}

func (c *liveWIF) GetProvider(ctx context.Context, name string) (*PoolProvider, error) {
	got, err := c.svc.Projects.Locations.WorkloadIdentityPools.Providers.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := &PoolProvider{
		Name:               got.Name,
		DisplayName:        got.DisplayName,
		AttributeMapping:   got.AttributeMapping,
		AttributeCondition: got.AttributeCondition,
		State:              got.State,
	}
	if got.Oidc != nil {
		out.IssuerURI = got.Oidc.IssuerUri
		out.AllowedAudiences = got.Oidc.AllowedAudiences
	}
	return out, nil
}

func (c *liveWIF) CreateProvider(ctx context.Context, parent, providerID string, provider *PoolProvider) error {
	_, err := c.svc.Projects.Locations.WorkloadIdentityPools.Providers.
		Create(parent, liveProviderBody(provider)).
		WorkloadIdentityPoolProviderId(providerID).
		Context(ctx).Do()
	return err
}

func (c *liveWIF) UpdateProvider(ctx context.Context, name string, provider *PoolProvider) error {
	_, err := c.svc.Projects.Locations.WorkloadIdentityPools.Providers.
		Patch(name, liveProviderBody(provider)).
		UpdateMask("oidc,attributeMapping,attributeCondition,displayName").
		Context(ctx).Do()
	return err
}

func (c *liveWIF) DeleteProvider(ctx context.Context, name string) error {
	_, err := c.svc.Projects.Locations.WorkloadIdentityPools.Providers.Delete(name).Context(ctx).Do()
	return err
}

func liveProviderBody(p *PoolProvider) *iam.WorkloadIdentityPoolProvider {
	return &iam.WorkloadIdentityPoolProvider{
		DisplayName:        p.DisplayName,
		AttributeMapping:   p.AttributeMapping,
		AttributeCondition: p.AttributeCondition,
		Oidc: &iam.Oidc{
			IssuerUri:        p.IssuerURI,
			AllowedAudiences: p.AllowedAudiences,
		},
	}
}

type liveIAM struct {
	svc *iam.Service
}

func (c *liveIAM) GetServiceAccount(ctx context.Context, name string) (*ServiceAccount, error) {
	got, err := c.svc.Projects.ServiceAccounts.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return &ServiceAccount{Name: got.Name, Email: got.Email, DisplayName: got.DisplayName, UniqueID: got.UniqueId}, nil
}

func (c *liveIAM) CreateServiceAccount(ctx context.Context, projectID, accountID, displayName string) (*ServiceAccount, error) {
	got, err := c.svc.Projects.ServiceAccounts.Create("projects/"+projectID, &iam.CreateServiceAccountRequest{
		AccountId:      accountID,
		ServiceAccount: &iam.ServiceAccount{DisplayName: displayName},
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return &ServiceAccount{Name: got.Name, Email: got.Email, DisplayName: got.DisplayName, UniqueID: got.UniqueId}, nil
}

func (c *liveIAM) DeleteServiceAccount(ctx context.Context, name string) error {
	_, err := c.svc.Projects.ServiceAccounts.Delete(name).Context(ctx).Do()
	return err
}

func (c *liveIAM) GetPolicy(ctx context.Context, resource string) (*Policy, error) {
	got, err := c.svc.Projects.ServiceAccounts.GetIamPolicy(resource).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := &Policy{Etag: got.Etag}
	for _, b := range got.Bindings {
		out.Bindings = append(out.Bindings, &PolicyBinding{Role: b.Role, Members: b.Members})
	}
	return out, nil
}

func (c *liveIAM) SetPolicy(ctx context.Context, resource string, policy *Policy) error {
	body := &iam.Policy{Etag: policy.Etag}
	for _, b := range policy.Bindings {
		body.Bindings = append(body.Bindings, &iam.Binding{Role: b.Role, Members: b.Members})
	}
	_, err := c.svc.Projects.ServiceAccounts.SetIamPolicy(resource, &iam.SetIamPolicyRequest{Policy: body}).Context(ctx).Do()
	return err
}

type liveCRM struct {
	svc *cloudresourcemanager.Service
}

func (c *liveCRM) GetProjectPolicy(ctx context.Context, projectID string) (*Policy, error) {
	got, err := c.svc.Projects.GetIamPolicy(projectID, &cloudresourcemanager.GetIamPolicyRequest{}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := &Policy{Etag: got.Etag}
	for _, b := range got.Bindings {
		out.Bindings = append(out.Bindings, &PolicyBinding{Role: b.Role, Members: b.Members})
	}
	return out, nil
}

func (c *liveCRM) SetProjectPolicy(ctx context.Context, projectID string, policy *Policy) error {
	body := &cloudresourcemanager.Policy{Etag: policy.Etag}
	for _, b := range policy.Bindings {
		body.Bindings = append(body.Bindings, &cloudresourcemanager.Binding{Role: b.Role, Members: b.Members})
	}
	_, err := c.svc.Projects.SetIamPolicy(projectID, &cloudresourcemanager.SetIamPolicyRequest{Policy: body}).Context(ctx).Do()
	return err
}

type liveRegistry struct {
	svc *artifactregistry.Service
}

func (c *liveRegistry) GetRepository(ctx context.Context, name string) (*Repository, error) {
	got, err := c.svc.Projects.Locations.Repositories.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return &Repository{Name: got.Name, Location: repositoryLocation(got.Name), Format: got.Format}, nil
}

// repositoryLocation extracts the location segment of a repository
// resource name.
func repositoryLocation(name string) string {
	parts := strings.Split(name, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "locations" {
			return parts[i+1]
		}
	}
	return ""
}

func (c *liveRegistry) CreateRepository(ctx context.Context, parent, repositoryID string) error {
	_, err := c.svc.Projects.Locations.Repositories.
		Create(parent, &artifactregistry.Repository{Format: "DOCKER"}).
		RepositoryId(repositoryID).
		Context(ctx).Do()
	return err
}

func (c *liveRegistry) DeleteRepository(ctx context.Context, name string) error {
	_, err := c.svc.Projects.Locations.Repositories.Delete(name).Context(ctx).Do()
	return err
}

func (c *liveRegistry) GetRepositoryPolicy(ctx context.Context, resource string) (*Policy, error) {
	got, err := c.svc.Projects.Locations.Repositories.GetIamPolicy(resource).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := &Policy{Etag: got.Etag}
	for _, b := range got.Bindings {
		out.Bindings = append(out.Bindings, &PolicyBinding{Role: b.Role, Members: b.Members})
	}
	return out, nil
}

func (c *liveRegistry) SetRepositoryPolicy(ctx context.Context, resource string, policy *Policy) error {
	body := &artifactregistry.Policy{Etag: policy.Etag}
	for _, b := range policy.Bindings {
		body.Bindings = append(body.Bindings, &artifactregistry.Binding{Role: b.Role, Members: b.Members})
	}
	_, err := c.svc.Projects.Locations.Repositories.
		SetIamPolicy(resource, &artifactregistry.SetIamPolicyRequest{Policy: body}).
		Context(ctx).Do()
	return err
}

type liveClusters struct {
	svc *container.Service
}

func (c *liveClusters) GetCluster(ctx context.Context, name string) (*Cluster, error) {
	got, err := c.svc.Projects.Locations.Clusters.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return &Cluster{Name: got.Name, Location: got.Location, Status: got.Status}, nil
}

func (c *liveClusters) CreateCluster(ctx context.Context, parent string, cluster *Cluster) error {
	_, err := c.svc.Projects.Locations.Clusters.Create(parent, &container.CreateClusterRequest{
		Cluster: &container.Cluster{
			Name:             cluster.Name,
			InitialNodeCount: 1,
		},
	}).Context(ctx).Do()
	return err
}

func (c *liveClusters) DeleteCluster(ctx context.Context, name string) error {
	_, err := c.svc.Projects.Locations.Clusters.Delete(name).Context(ctx).Do()
	return err
}

type liveServiceUsage struct {
	svc *serviceusage.Service
}

func (c *liveServiceUsage) IsEnabled(ctx context.Context, projectNumber, service string) (bool, error) {
	name := fmt.Sprintf("projects/%s/services/%s", projectNumber, service)
	got, err := c.svc.Services.Get(name).Context(ctx).Do()
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return got.State == "ENABLED", nil
}

func (c *liveServiceUsage) Enable(ctx context.Context, projectNumber, service string) error {
	name := fmt.Sprintf("projects/%s/services/%s", projectNumber, service)
	_, err := c.svc.Services.Enable(name, &serviceusage.EnableServiceRequest{}).Context(ctx).Do()
	return err
}

type liveSTS struct {
	svc *sts.Service
}

func (c *liveSTS) ExchangeToken(ctx context.Context, input *ExchangeTokenInput) (*ExchangeTokenOutput, error) {
	resp, err := c.svc.V1.Token(&sts.GoogleIdentityStsV1ExchangeTokenRequest{
		Audience:           input.Audience,
		GrantType:          "urn:ietf:params:oauth:grant-type:token-exchange",
		RequestedTokenType: "urn:ietf:params:oauth:token-type:access_token",
		SubjectToken:       input.SubjectToken,
		SubjectTokenType:   input.SubjectTokenType,
		Scope:              input.Scope,
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return &ExchangeTokenOutput{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		ExpiresIn:   resp.ExpiresIn,
	}, nil
}

func (c *liveSTS) GenerateAccessToken(ctx context.Context, input *GenerateAccessTokenInput) (*GenerateAccessTokenOutput, error) {
	// The impersonation call authenticates with the federated token the
	// exchange returned, not with ambient credentials.
	svc, err := iamcredentials.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: input.FederatedToken,
		TokenType:   "Bearer",
	})))
	if err != nil {
		return nil, err
	}

	name := "projects/-/serviceAccounts/" + input.ServiceAccountEmail
	resp, err := svc.Projects.ServiceAccounts.GenerateAccessToken(name, &iamcredentials.GenerateAccessTokenRequest{
		Scope:    input.Scopes,
		Lifetime: fmt.Sprintf("%ds", int(input.Lifetime.Seconds())),
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	expire, err := time.Parse(time.RFC3339, resp.ExpireTime)
	if err != nil {
		expire = time.Now().Add(input.Lifetime)
	}
	return &GenerateAccessTokenOutput{AccessToken: resp.AccessToken, ExpireTime: expire}, nil
}
