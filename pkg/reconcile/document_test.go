package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokeworks/deploytrust/pkg/trust"
)

const validDoc = `
project:
  id: acme-prod
  number: "123456789"
token_ttl: 15m
pools:
  - id: ci
    display_name: CI pipelines
    providers:
      - id: github
        issuer: https://ci.example.com
        audience: deploytrust
        attribute_mapping:
          repo: repository
          branch: ref
        condition:
          equals:
            attribute: repo
            value: org/app
service_principals:
  - account_id: app-deployer
    display_name: Deploys the app
role_bindings:
  - principal: app-deployer
    role: registry-write
    scope:
      kind: repository
      resource: app-images
  - principal: app-deployer
    role: cluster-admin
    scope:
      kind: project
grants:
  - pool: ci
    provider: github
    service_principal: app-deployer
    roles: [registry-write, cluster-admin]
resources:
  - kind: repository
    name: app-images
    location: us-central1
  - kind: cluster
    name: prod
    location: us-central1
`

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument([]byte(validDoc))
	require.NoError(t, err)

	assert.Equal(t, "acme-prod", doc.Project.ID)
	assert.Equal(t, 15*time.Minute, time.Duration(doc.TokenTTL))

	providers := doc.Providers()
	require.Len(t, providers, 1)
	assert.Equal(t, "ci", providers[0].Pool)
	assert.Equal(t, "ci/github", providers[0].Name())
}

func TestParseDocumentRejectsInvalidYAML(t *testing.T) {
	_, err := ParseDocument([]byte("pools: [what"))
	assert.True(t, trust.IsCategory(err, trust.CategoryConfig))
}

func mutateDoc(t *testing.T, mutate func(*Document)) error {
	t.Helper()
	doc, err := ParseDocument([]byte(validDoc))
	require.NoError(t, err)
	mutate(doc)
	return doc.Validate()
}

func TestValidateRejectsDuplicatePool(t *testing.T) {
	err := mutateDoc(t, func(d *Document) {
		d.Pools = append(d.Pools, PoolSpec{IdentityPool: trust.IdentityPool{ID: "ci"}})
	})
	assert.Equal(t, trust.CodeDuplicateResource, trust.CodeOf(err))
}

func TestValidateRejectsInsecureIssuer(t *testing.T) {
	err := mutateDoc(t, func(d *Document) {
		d.Pools[0].Providers[0].IssuerURI = "http://ci.example.com"
	})
	assert.True(t, trust.IsCategory(err, trust.CategoryConfig))
}

func TestValidateRejectsDanglingBindingPrincipal(t *testing.T) {
	err := mutateDoc(t, func(d *Document) {
		d.RoleBindings[0].Principal = "ghost"
	})
	assert.True(t, trust.IsCategory(err, trust.CategoryConfig))
}

func TestValidateRejectsBindingOnUndeclaredRepository(t *testing.T) {
	err := mutateDoc(t, func(d *Document) {
		d.RoleBindings[0].Scope.Resource = "other-images"
	})
	assert.True(t, trust.IsCategory(err, trust.CategoryConfig))
}

func TestValidateRejectsImpersonateOnBinding(t *testing.T) {
	err := mutateDoc(t, func(d *Document) {
		d.RoleBindings[1].Role = trust.RoleImpersonate
	})
	assert.True(t, trust.IsCategory(err, trust.CategoryConfig))
}

func TestValidateRejectsGrantWithoutPinnedCondition(t *testing.T) {
	err := mutateDoc(t, func(d *Document) {
		d.Pools[0].Providers[0].Condition = trust.Condition{}
	})
	assert.True(t, trust.IsCategory(err, trust.CategoryConfig))
}

func TestValidateRejectsGrantForUndeclaredProvider(t *testing.T) {
	err := mutateDoc(t, func(d *Document) {
		d.Grants[0].Provider = "gitlab"
	})
	assert.True(t, trust.IsCategory(err, trust.CategoryConfig))
}

func TestValidateRejectsOutOfRangeTTL(t *testing.T) {
	err := mutateDoc(t, func(d *Document) {
		d.TokenTTL = Duration(3 * time.Hour)
	})
	assert.True(t, trust.IsCategory(err, trust.CategoryConfig))

	err = mutateDoc(t, func(d *Document) {
		d.TokenTTL = Duration(10 * time.Second)
	})
	assert.True(t, trust.IsCategory(err, trust.CategoryConfig))
}

func TestValidateRejectsBadAccountID(t *testing.T) {
	err := mutateDoc(t, func(d *Document) {
		d.ServicePrincipals[0].AccountID = "Bad_Name!"
		d.RoleBindings = nil
		d.Grants = nil
	})
	assert.True(t, trust.IsCategory(err, trust.CategoryConfig))
}

func TestResolvedGrantsCarryPrincipalSet(t *testing.T) {
	doc, err := ParseDocument([]byte(validDoc))
	require.NoError(t, err)

	grants := doc.ResolvedGrants()
	require.Len(t, grants, 1)
	assert.Equal(t, "principalSet://pools/ci/attribute.repo/org/app", grants[0].PrincipalSet)
}

func TestTrustSnapshotKeysGrantsByPrincipalSet(t *testing.T) {
	doc, err := ParseDocument([]byte(validDoc))
	require.NoError(t, err)

	pools, providers, grants, bindings := doc.TrustSnapshot()
	assert.Len(t, pools, 1)
	assert.Len(t, providers, 1)
	assert.Len(t, bindings, 2)

	g, ok := grants["principalSet://pools/ci/attribute.repo/org/app"]
	require.True(t, ok)
	assert.Equal(t, "app-deployer", g.ServicePrincipal)
}

func TestCapabilities(t *testing.T) {
	doc, err := ParseDocument([]byte(validDoc))
	require.NoError(t, err)
	assert.ElementsMatch(t, []Capability{
		CapabilityFederation, CapabilityMinting, CapabilityRegistry, CapabilityCluster,
	}, doc.Capabilities())
}
