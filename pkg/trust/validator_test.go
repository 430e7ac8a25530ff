package trust

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://ci.example.com"

func testProvider() *IdentityProvider {
	return &IdentityProvider{
		Pool:      "ci",
		ID:        "github",
		IssuerURI: testIssuer,
		Audience:  "deploytrust",
		AttributeMapping: map[string]string{
			"repo":   "repository",
			"branch": "ref",
		},
		Condition: Condition{Expr: Equals{Attribute: "repo", Value: "org/app"}},
	}
}

func signAssertion(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	raw, err := token.SignedString(key)
	require.NoError(t, err)
	return raw
}

func defaultClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":        testIssuer,
		"sub":        "repo:org/app:ref:refs/heads/main",
		"aud":        "deploytrust",
		"exp":        time.Now().Add(5 * time.Minute).Unix(),
		"repository": "org/app",
		"ref":        "refs/heads/main",
	}
}

func newTestValidator(t *testing.T, key *rsa.PrivateKey) *AttributeValidator {
	t.Helper()
	keys := NewStaticKeys()
	keys.Add(testIssuer, "kid-1", &key.PublicKey)
	return NewAttributeValidator(keys)
}

func TestValidateAccepts(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := newTestValidator(t, key)

	raw := signAssertion(t, key, "kid-1", defaultClaims())
	attrs, err := v.Validate(context.Background(), raw, testProvider())
	require.NoError(t, err)

	assert.Equal(t, "ci", attrs.Pool)
	assert.Equal(t, "github", attrs.Provider)
	assert.Equal(t, "org/app", attrs.Values["repo"])
	assert.Equal(t, "refs/heads/main", attrs.Values["branch"])
}

func TestValidateRejectsForgedSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := newTestValidator(t, key)

	raw := signAssertion(t, other, "kid-1", defaultClaims())
	_, err = v.Validate(context.Background(), raw, testProvider())
	assert.Equal(t, CodeInvalidSignature, CodeOf(err))
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys := NewStaticKeys()
	keys.Add("https://evil.example.com", "kid-1", &key.PublicKey)
	keys.Add(testIssuer, "kid-1", &key.PublicKey)
	v := NewAttributeValidator(keys)

	claims := defaultClaims()
	claims["iss"] = "https://evil.example.com"
	raw := signAssertion(t, key, "kid-1", claims)

	_, err = v.Validate(context.Background(), raw, testProvider())
	assert.Equal(t, CodeIssuerMismatch, CodeOf(err))
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := newTestValidator(t, key)

	claims := defaultClaims()
	claims["aud"] = "someone-else"
	raw := signAssertion(t, key, "kid-1", claims)

	_, err = v.Validate(context.Background(), raw, testProvider())
	assert.Equal(t, CodeAudienceMismatch, CodeOf(err))
}

func TestValidateRejectsExpired(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := newTestValidator(t, key)

	claims := defaultClaims()
	claims["exp"] = time.Now().Add(-time.Minute).Unix()
	raw := signAssertion(t, key, "kid-1", claims)

	_, err = v.Validate(context.Background(), raw, testProvider())
	assert.Equal(t, CodeExpiredAssertion, CodeOf(err))
	assert.False(t, IsRetryable(err))
}

func TestValidateRejectsMissingExpiry(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := newTestValidator(t, key)

	claims := defaultClaims()
	delete(claims, "exp")
	raw := signAssertion(t, key, "kid-1", claims)

	_, err = v.Validate(context.Background(), raw, testProvider())
	assert.Equal(t, CodeMalformedAssertion, CodeOf(err))
}

func TestValidateRejectsConditionMismatch(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := newTestValidator(t, key)

	claims := defaultClaims()
	claims["repository"] = "org/other-app"
	raw := signAssertion(t, key, "kid-1", claims)

	_, err = v.Validate(context.Background(), raw, testProvider())
	assert.Equal(t, CodeConditionNotSatisfied, CodeOf(err))
}

// An assertion failing both signature and condition must report the
// signature failure: the condition is never evaluated on an unverified
// assertion.
func TestValidateSignatureBeforeCondition(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	forger, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := newTestValidator(t, key)

	claims := defaultClaims()
	claims["repository"] = "org/other-app"
	raw := signAssertion(t, forger, "kid-1", claims)

	_, err = v.Validate(context.Background(), raw, testProvider())
	assert.Equal(t, CodeInvalidSignature, CodeOf(err))
}

func TestValidateRejectsGarbage(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := newTestValidator(t, key)

	_, err = v.Validate(context.Background(), "not-a-token", testProvider())
	assert.Equal(t, CodeMalformedAssertion, CodeOf(err))
}

func TestPeekIssuer(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := newTestValidator(t, key)

	raw := signAssertion(t, key, "kid-1", defaultClaims())
	iss, err := v.PeekIssuer(raw)
	require.NoError(t, err)
	assert.Equal(t, testIssuer, iss)

	_, err = v.PeekIssuer("garbage")
	assert.Equal(t, CodeMalformedAssertion, CodeOf(err))
}
