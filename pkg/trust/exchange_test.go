package trust

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubIssuer struct {
	failTimes int
	permanent error
	calls     int
	last      IssueRequest
}

func (s *stubIssuer) Issue(_ context.Context, req IssueRequest) (*Credential, error) {
	s.calls++
	s.last = req
	if s.permanent != nil {
		return nil, s.permanent
	}
	if s.failTimes > 0 {
		s.failTimes--
		return nil, ErrUpstreamUnavailable(errors.New("connection reset"))
	}
	return &Credential{
		AccessToken: "minted",
		ExpiresAt:   time.Now().Add(req.TTL),
	}, nil
}

// exchangeFixture wires a full exchange path: one pool, one provider
// pinned to org/app, one deployer principal with registry and cluster
// bindings, and one grant.
type exchangeFixture struct {
	key       *rsa.PrivateKey
	registry  *PoolRegistry
	bindings  *BindingStore
	validator *AttributeValidator
	issuer    *stubIssuer
}

func newExchangeFixture(t *testing.T) *exchangeFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	provider := testProvider()
	registry := NewPoolRegistry()
	registry.Publish([]IdentityPool{{ID: "ci"}}, []IdentityProvider{*provider})

	grant := ImpersonationGrant{
		Pool:             "ci",
		Provider:         "github",
		ServicePrincipal: "app-deployer",
		Roles:            []Role{RoleRegistryWrite, RoleClusterAdmin},
		PrincipalSet:     GrantPrincipalSet(provider),
	}
	bindings := NewBindingStore()
	bindings.Publish(
		map[string]ImpersonationGrant{grant.PrincipalSet: grant},
		[]RoleBinding{
			{Principal: "app-deployer", Role: RoleRegistryWrite, Scope: Scope{Kind: ScopeRepository, Resource: "app-images"}},
			{Principal: "app-deployer", Role: RoleClusterAdmin, Scope: Scope{Kind: ScopeProject}},
		},
	)

	return &exchangeFixture{
		key:       key,
		registry:  registry,
		bindings:  bindings,
		validator: newTestValidator(t, key),
		issuer:    &stubIssuer{},
	}
}

func (f *exchangeFixture) exchanger(opts ...ExchangerOption) *Exchanger {
	return NewExchanger(f.registry, f.bindings, f.validator, f.issuer, opts...)
}

func (f *exchangeFixture) assertion(t *testing.T, mutate func(jwt.MapClaims)) string {
	claims := defaultClaims()
	if mutate != nil {
		mutate(claims)
	}
	return signAssertion(t, f.key, "kid-1", claims)
}

func TestExchangeIssuesIntersectionExactly(t *testing.T) {
	f := newExchangeFixture(t)

	// The grant allows registry-write and cluster-admin; the principal
	// is additionally bound to token-issuer. The credential must carry
	// exactly the intersection.
	f.bindings.Publish(
		f.bindings.Snapshot().grants,
		[]RoleBinding{
			{Principal: "app-deployer", Role: RoleRegistryWrite, Scope: Scope{Kind: ScopeRepository, Resource: "app-images"}},
			{Principal: "app-deployer", Role: RoleClusterAdmin, Scope: Scope{Kind: ScopeProject}},
			{Principal: "app-deployer", Role: RoleTokenIssuer, Scope: Scope{Kind: ScopeProject}},
		},
	)

	cred, err := f.exchanger().Exchange(context.Background(), f.assertion(t, nil))
	require.NoError(t, err)

	assert.ElementsMatch(t, []Role{RoleRegistryWrite, RoleClusterAdmin}, cred.Roles)
	assert.NotContains(t, cred.Roles, RoleTokenIssuer)
	assert.NotEmpty(t, cred.RequestID)
	assert.Equal(t, "Bearer", cred.TokenType)
}

func TestExchangeRolesNeverExceedBindings(t *testing.T) {
	f := newExchangeFixture(t)

	// Narrow the principal to a single binding; the grant still names
	// two roles but only the bound one may be issued.
	f.bindings.Publish(
		f.bindings.Snapshot().grants,
		[]RoleBinding{
			{Principal: "app-deployer", Role: RoleRegistryWrite, Scope: Scope{Kind: ScopeRepository, Resource: "app-images"}},
		},
	)

	cred, err := f.exchanger().Exchange(context.Background(), f.assertion(t, nil))
	require.NoError(t, err)
	assert.Equal(t, []Role{RoleRegistryWrite}, cred.Roles)
}

func TestExchangeRejectsUnmatchedRepository(t *testing.T) {
	f := newExchangeFixture(t)

	// org/other-app satisfies nothing: the provider condition pins
	// org/app, so validation fails before any grant lookup.
	_, err := f.exchanger().Exchange(context.Background(), f.assertion(t, func(c jwt.MapClaims) {
		c["repository"] = "org/other-app"
		c["sub"] = "repo:org/other-app:ref:refs/heads/main"
	}))
	assert.Equal(t, CodeConditionNotSatisfied, CodeOf(err))
	assert.Zero(t, f.issuer.calls)
}

func TestExchangeRejectsUnknownIssuer(t *testing.T) {
	f := newExchangeFixture(t)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	claims := defaultClaims()
	claims["iss"] = "https://unknown.example.com"
	raw := signAssertion(t, key, "kid-1", claims)

	_, err = f.exchanger().Exchange(context.Background(), raw)
	assert.Equal(t, CodeIssuerMismatch, CodeOf(err))
}

func TestExchangeRejectsWithoutGrant(t *testing.T) {
	f := newExchangeFixture(t)
	f.bindings.Publish(nil, []RoleBinding{
		{Principal: "app-deployer", Role: RoleRegistryWrite, Scope: Scope{Kind: ScopeProject}},
	})

	_, err := f.exchanger().Exchange(context.Background(), f.assertion(t, nil))
	assert.Equal(t, CodeNoGrantForPrincipal, CodeOf(err))
	assert.True(t, IsCategory(err, CategoryAuthorization))
	assert.Zero(t, f.issuer.calls)
}

func TestExchangeRejectsUnboundPrincipal(t *testing.T) {
	f := newExchangeFixture(t)
	f.bindings.Publish(f.bindings.Snapshot().grants, nil)

	_, err := f.exchanger().Exchange(context.Background(), f.assertion(t, nil))
	assert.Equal(t, CodeNoRoleBindings, CodeOf(err))
	assert.Zero(t, f.issuer.calls)
}

func TestExchangeRetriesTransientFailures(t *testing.T) {
	f := newExchangeFixture(t)
	f.issuer.failTimes = 2

	cred, err := f.exchanger(WithMaxRetries(3)).Exchange(context.Background(), f.assertion(t, nil))
	require.NoError(t, err)
	assert.Equal(t, 3, f.issuer.calls)
	assert.Equal(t, "minted", cred.AccessToken)
}

func TestExchangeSurfacesExhaustedRetries(t *testing.T) {
	f := newExchangeFixture(t)
	f.issuer.failTimes = 10

	_, err := f.exchanger(WithMaxRetries(2)).Exchange(context.Background(), f.assertion(t, nil))
	assert.Equal(t, CodeUpstreamUnavailable, CodeOf(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 3, f.issuer.calls)
}

func TestExchangeNeverRetriesPermanentFailures(t *testing.T) {
	f := newExchangeFixture(t)
	f.issuer.permanent = ErrNoGrant("someone")

	_, err := f.exchanger(WithMaxRetries(5)).Exchange(context.Background(), f.assertion(t, nil))
	require.Error(t, err)
	assert.Equal(t, 1, f.issuer.calls)
}

func TestExchangeTTLCapped(t *testing.T) {
	f := newExchangeFixture(t)

	_, err := f.exchanger(WithTTL(4 * time.Hour)).Exchange(context.Background(), f.assertion(t, nil))
	require.NoError(t, err)
	assert.Equal(t, MaxCredentialTTL, f.last(t).TTL)
}

func (f *exchangeFixture) last(t *testing.T) IssueRequest {
	t.Helper()
	require.NotZero(t, f.issuer.calls)
	return f.issuer.last
}
