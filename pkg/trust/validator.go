package trust

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySource supplies the verification key for an issuer. Implementations
// may serve pinned keys or discover them from the issuer's JWKS endpoint.
type KeySource interface {
	// VerificationKey returns the public key for the given issuer and
	// key ID. An empty keyID selects the issuer's only registered key.
	VerificationKey(ctx context.Context, issuer, keyID string) (any, error)
}

// AttributeValidator verifies a raw signed assertion against one
// identity provider's trust parameters and extracts the mapped claims.
//
// Checks run fail-fast, cheapest first: signature, issuer, audience,
// expiry, then the attribute condition. The condition is never evaluated
// on an assertion whose signature or issuer did not verify.
type AttributeValidator struct {
	keys   KeySource
	parser *jwt.Parser
	now    func() time.Time
}

// ValidatorOption configures the AttributeValidator.
type ValidatorOption func(*AttributeValidator)

// WithClock overrides the validator's clock. Used in tests.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *AttributeValidator) {
		v.now = now
	}
}

// NewAttributeValidator creates a validator backed by the given key source.
func NewAttributeValidator(keys KeySource, opts ...ValidatorOption) *AttributeValidator {
	v := &AttributeValidator{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256"}),
			jwt.WithoutClaimsValidation(),
		),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate verifies raw against provider and returns the validated
// attribute set. The returned error carries the specific failed check.
func (v *AttributeValidator) Validate(ctx context.Context, raw string, provider *IdentityProvider) (*ValidatedAttributes, error) {
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.VerificationKey(ctx, provider.IssuerURI, kid)
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	iss, err := claims.GetIssuer()
	if err != nil || iss == "" {
		return nil, ErrMalformedAssertion(errors.New("missing issuer claim"))
	}
	if iss != provider.IssuerURI {
		return nil, ErrIssuerMismatch(iss, provider.IssuerURI)
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return nil, ErrMalformedAssertion(err)
	}
	if !containsAudience(aud, provider.Audience) {
		return nil, ErrAudienceMismatch(provider.Audience)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, ErrMalformedAssertion(err)
	}
	if exp == nil {
		return nil, ErrMalformedAssertion(errors.New("missing expiry claim"))
	}
	if exp.Time.Before(v.now()) {
		return nil, ErrExpired()
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrMalformedAssertion(errors.New("missing subject claim"))
	}

	values := make(map[string]string, len(provider.AttributeMapping))
	for exposed, claim := range provider.AttributeMapping {
		if raw, ok := claims[claim]; ok {
			if s, ok := raw.(string); ok {
				values[exposed] = s
			}
		}
	}

	if !provider.Condition.Evaluate(values) {
		return nil, ErrConditionNotSatisfied(provider.Condition.String())
	}

	return &ValidatedAttributes{
		Pool:     provider.Pool,
		Provider: provider.ID,
		Subject:  sub,
		Values:   values,
	}, nil
}

// PeekIssuer reads the issuer claim without verifying the signature.
// It is only used to select a candidate provider; full verification
// always follows.
func (v *AttributeValidator) PeekIssuer(raw string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := v.parser.ParseUnverified(raw, claims); err != nil {
		return "", ErrMalformedAssertion(err)
	}
	iss, err := claims.GetIssuer()
	if err != nil || iss == "" {
		return "", ErrMalformedAssertion(errors.New("missing issuer claim"))
	}
	return iss, nil
}

// classifyParseError maps jwt parse failures onto the error taxonomy.
// Key source failures keep their own classification so transient key
// fetch errors stay retryable.
func classifyParseError(err error) error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return ErrMalformedAssertion(err)
	}
	return ErrInvalidSignature(err)
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
