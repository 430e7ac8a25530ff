package gcp

import (
	"context"
	"errors"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/jokeworks/deploytrust/pkg/trust"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Issuer implements trust.CredentialIssuer on GCP. Minting is two
// steps: exchange the validated assertion for a federated STS token
// scoped to the provider, then impersonate the target service account
// with it.
type Issuer struct {
	cfg Config
	sts STSClient
}

// NewIssuer creates a GCP credential issuer.
func NewIssuer(cfg Config, sts STSClient) *Issuer {
	return &Issuer{cfg: cfg, sts: sts}
}

// Issue implements trust.CredentialIssuer.
func (i *Issuer) Issue(ctx context.Context, req trust.IssueRequest) (*trust.Credential, error) {
	exchanged, err := i.sts.ExchangeToken(ctx, &ExchangeTokenInput{
		Audience:         "//iam.googleapis.com/" + ProviderName(i.cfg.ProjectNumber, req.Pool, req.Provider),
		SubjectToken:     req.Assertion,
		SubjectTokenType: "urn:ietf:params:oauth:token-type:jwt",
		Scope:            cloudPlatformScope,
	})
	if err != nil {
		return nil, classifyUpstream("sts token exchange", err)
	}

	minted, err := i.sts.GenerateAccessToken(ctx, &GenerateAccessTokenInput{
		ServiceAccountEmail: ServiceAccountEmail(req.ServicePrincipal, i.cfg.ProjectID),
		Scopes:              []string{cloudPlatformScope},
		Lifetime:            req.TTL,
		FederatedToken:      exchanged.AccessToken,
	})
	if err != nil {
		return nil, classifyUpstream("service account impersonation", err)
	}

	expires := minted.ExpireTime
	if expires.IsZero() {
		expires = time.Now().Add(req.TTL)
	}
	return &trust.Credential{
		AccessToken: minted.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   expires,
	}, nil
}

// classifyUpstream separates definitive denials from transient failures
// so the exchange retry loop never retries a 4xx. Anything that is not a
// client error stays retryable.
func classifyUpstream(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 {
		return trust.ErrUpstreamDenied(err).WithOperation(op)
	}
	return trust.ErrUpstreamUnavailable(err).WithOperation(op)
}
