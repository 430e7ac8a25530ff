package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrincipalSetIDDeterministic(t *testing.T) {
	a := PrincipalSetID("ci", []Pin{
		{Attribute: "repo", Value: "org/app"},
		{Attribute: "branch", Value: "main"},
	})
	b := PrincipalSetID("ci", []Pin{
		{Attribute: "branch", Value: "main"},
		{Attribute: "repo", Value: "org/app"},
	})
	assert.Equal(t, a, b)
	assert.Equal(t, "principalSet://pools/ci/attribute.branch/main/attribute.repo/org/app", a)
}

func TestMapPrincipalUsesValidatedValues(t *testing.T) {
	provider := testProvider()
	attrs := &ValidatedAttributes{
		Pool:     "ci",
		Provider: "github",
		Values:   map[string]string{"repo": "org/app", "branch": "refs/heads/main"},
	}

	got := MapPrincipal(provider, attrs)
	assert.Equal(t, "principalSet://pools/ci/attribute.repo/org/app", got)

	// Unpinned attributes never widen or narrow the principal set.
	attrs.Values["branch"] = "refs/heads/other"
	assert.Equal(t, got, MapPrincipal(provider, attrs))
}

func TestGrantPrincipalSetMatchesMappedPrincipal(t *testing.T) {
	provider := testProvider()
	attrs := &ValidatedAttributes{
		Pool:     "ci",
		Provider: "github",
		Values:   map[string]string{"repo": "org/app"},
	}
	assert.Equal(t, GrantPrincipalSet(provider), MapPrincipal(provider, attrs))
}
