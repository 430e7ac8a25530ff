package trust

import (
	"context"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	// DefaultCredentialTTL bounds issued credentials when the document
	// does not configure a TTL.
	DefaultCredentialTTL = 15 * time.Minute

	// MaxCredentialTTL is the hard upper bound on any issued credential.
	MaxCredentialTTL = time.Hour
)

// IssueRequest asks the upstream issuer for a credential scoped to an
// already-authorized role set. The raw assertion rides along because the
// upstream exchange re-presents it as the subject token.
type IssueRequest struct {
	Pool             string
	Provider         string
	PrincipalSet     string
	ServicePrincipal string
	Assertion        string
	Roles            []Role
	TTL              time.Duration
}

// CredentialIssuer mints the actual short-lived credential. The live
// implementation talks to the cloud identity service; tests inject a
// fake. Calls may block on network I/O and must honor ctx.
type CredentialIssuer interface {
	Issue(ctx context.Context, req IssueRequest) (*Credential, error)
}

// Exchanger is the token exchange service. It is stateless per request:
// any number of exchanges may run concurrently against the last
// published registry and binding snapshots.
type Exchanger struct {
	registry  *PoolRegistry
	bindings  *BindingStore
	validator *AttributeValidator
	issuer    CredentialIssuer

	ttl        time.Duration
	maxRetries uint64
	logger     *log.Logger
}

// ExchangerOption configures the Exchanger.
type ExchangerOption func(*Exchanger)

// WithTTL sets the credential time-to-live, capped at MaxCredentialTTL.
func WithTTL(ttl time.Duration) ExchangerOption {
	return func(e *Exchanger) {
		if ttl > 0 {
			e.ttl = min(ttl, MaxCredentialTTL)
		}
	}
}

// WithMaxRetries bounds retries of transient upstream failures.
func WithMaxRetries(n uint64) ExchangerOption {
	return func(e *Exchanger) {
		e.maxRetries = n
	}
}

// WithLogger sets the issuance logger.
func WithLogger(logger *log.Logger) ExchangerOption {
	return func(e *Exchanger) {
		e.logger = logger
	}
}

// NewExchanger creates a token exchange service.
func NewExchanger(registry *PoolRegistry, bindings *BindingStore, validator *AttributeValidator, issuer CredentialIssuer, opts ...ExchangerOption) *Exchanger {
	e := &Exchanger{
		registry:   registry,
		bindings:   bindings,
		validator:  validator,
		issuer:     issuer,
		ttl:        DefaultCredentialTTL,
		maxRetries: 3,
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Exchange converts a raw signed assertion into a short-lived credential
// scoped to the intersection of the matching grant's roles and the
// target principal's bound roles, never broader than either.
//
// Validation and authorization failures are never retried. Transient
// upstream failures are retried with bounded backoff and surfaced as a
// retryable error when retries exhaust.
func (e *Exchanger) Exchange(ctx context.Context, rawAssertion string) (*Credential, error) {
	requestID := uuid.NewString()

	iss, err := e.validator.PeekIssuer(rawAssertion)
	if err != nil {
		return nil, err
	}
	candidates := e.registry.ProvidersForIssuer(iss)
	if len(candidates) == 0 {
		return nil, NewError(CategoryValidation, CodeIssuerMismatch,
			"no identity provider trusts issuer "+iss)
	}

	// Providers sharing an issuer are tried in publication order; the
	// first full validation wins.
	var attrs *ValidatedAttributes
	var provider *IdentityProvider
	for _, cand := range candidates {
		attrs, err = e.validator.Validate(ctx, rawAssertion, cand)
		if err == nil {
			provider = cand
			break
		}
	}
	if provider == nil {
		return nil, err
	}

	principalSet := MapPrincipal(provider, attrs)

	snap := e.bindings.Snapshot()
	grant, ok := snap.Grant(principalSet)
	if !ok {
		e.logger.Warn("exchange rejected", "request_id", requestID, "principal_set", principalSet, "reason", CodeNoGrantForPrincipal)
		return nil, ErrNoGrant(principalSet)
	}

	bound := snap.Roles(grant.ServicePrincipal)
	roles := lo.Intersect(grant.Roles, bound)
	if len(roles) == 0 {
		e.logger.Warn("exchange rejected", "request_id", requestID, "principal_set", principalSet, "reason", CodeNoRoleBindings)
		return nil, ErrNoRoleBindings(grant.ServicePrincipal)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })

	cred, err := e.issue(ctx, IssueRequest{
		Pool:             provider.Pool,
		Provider:         provider.ID,
		PrincipalSet:     principalSet,
		ServicePrincipal: grant.ServicePrincipal,
		Assertion:        rawAssertion,
		Roles:            roles,
		TTL:              e.ttl,
	})
	if err != nil {
		return nil, err
	}

	cred.RequestID = requestID
	cred.Roles = roles
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}

	// Issuance logging is metadata only. The credential value is never
	// persisted or logged.
	e.logger.Info("credential issued",
		"request_id", requestID,
		"principal_set", principalSet,
		"service_principal", grant.ServicePrincipal,
		"roles", roles,
		"expires_at", cred.ExpiresAt.Format(time.RFC3339),
	)
	return cred, nil
}

// issue calls the upstream issuer with bounded backoff. Only retryable
// errors are retried; authorization failures pass through immediately.
func (e *Exchanger) issue(ctx context.Context, req IssueRequest) (*Credential, error) {
	var cred *Credential

	op := func() error {
		c, err := e.issuer.Issue(ctx, req)
		if err != nil {
			if IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		cred = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 15 * time.Second

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, e.maxRetries), ctx)); err != nil {
		if IsRetryable(err) {
			return nil, ErrUpstreamUnavailable(err)
		}
		return nil, err
	}
	return cred, nil
}
