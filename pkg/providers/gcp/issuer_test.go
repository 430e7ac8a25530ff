package gcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/jokeworks/deploytrust/pkg/trust"
)

func TestIssuerMintsThroughExchangeAndImpersonation(t *testing.T) {
	sts := NewFakeSTS()
	issuer := NewIssuer(Config{ProjectID: "acme-prod", ProjectNumber: "123456789"}, sts)

	cred, err := issuer.Issue(context.Background(), trust.IssueRequest{
		Pool:             "ci",
		Provider:         "github",
		ServicePrincipal: "app-deployer",
		Assertion:        "raw-assertion",
		TTL:              15 * time.Minute,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, sts.Exchanges)
	assert.Equal(t, 1, sts.Minted)
	assert.Equal(t, "Bearer", cred.TokenType)
	assert.Equal(t, "sa-token-"+ServiceAccountEmail("app-deployer", "acme-prod"), cred.AccessToken)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), cred.ExpiresAt, time.Minute)
}

func TestIssuerSurfacesExchangeFailureAsRetryable(t *testing.T) {
	sts := NewFakeSTS()
	sts.FailExchanges = 1
	issuer := NewIssuer(Config{ProjectID: "acme-prod", ProjectNumber: "123456789"}, sts)

	_, err := issuer.Issue(context.Background(), trust.IssueRequest{
		Pool: "ci", Provider: "github", ServicePrincipal: "app-deployer", TTL: time.Minute,
	})
	require.Error(t, err)
	assert.True(t, trust.IsRetryable(err))
	assert.Equal(t, trust.CodeUpstreamUnavailable, trust.CodeOf(err))
	assert.Zero(t, sts.Minted)
}

func TestIssuerExchangeDenialIsNotRetryable(t *testing.T) {
	sts := NewFakeSTS()
	sts.FailExchanges = 1
	sts.ExchangeErr = &googleapi.Error{Code: 403, Message: "permission denied"}
	issuer := NewIssuer(Config{ProjectID: "acme-prod", ProjectNumber: "123456789"}, sts)

	_, err := issuer.Issue(context.Background(), trust.IssueRequest{
		Pool: "ci", Provider: "github", ServicePrincipal: "app-deployer", TTL: time.Minute,
	})
	require.Error(t, err)
	assert.False(t, trust.IsRetryable(err))
	assert.Equal(t, trust.CodeUpstreamDenied, trust.CodeOf(err))
	assert.True(t, trust.IsCategory(err, trust.CategoryAuthorization))
	assert.Zero(t, sts.Minted)
}

func TestIssuerImpersonationDenialIsNotRetryable(t *testing.T) {
	sts := NewFakeSTS()
	sts.FailMints = 1
	sts.MintErr = &googleapi.Error{Code: 403, Message: "caller lacks iam.serviceAccounts.getAccessToken"}
	issuer := NewIssuer(Config{ProjectID: "acme-prod", ProjectNumber: "123456789"}, sts)

	_, err := issuer.Issue(context.Background(), trust.IssueRequest{
		Pool: "ci", Provider: "github", ServicePrincipal: "app-deployer", TTL: time.Minute,
	})
	require.Error(t, err)
	assert.False(t, trust.IsRetryable(err))
	assert.Equal(t, trust.CodeUpstreamDenied, trust.CodeOf(err))
}
