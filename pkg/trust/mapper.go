package trust

import (
	"sort"
	"strings"
)

// PrincipalSetID builds the identifier for the abstract identity scoped
// by the given pinned attributes. Pins are sorted by attribute name so
// the same inputs always produce the same identifier.
func PrincipalSetID(poolID string, pins []Pin) string {
	sorted := make([]Pin, len(pins))
	copy(sorted, pins)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Attribute < sorted[j].Attribute })

	var b strings.Builder
	b.WriteString("principalSet://pools/")
	b.WriteString(poolID)
	for _, p := range sorted {
		b.WriteString("/attribute.")
		b.WriteString(p.Attribute)
		b.WriteString("/")
		b.WriteString(p.Value)
	}
	return b.String()
}

// MapPrincipal converts validated attributes into a principal-set
// identifier. Only the attribute values the provider's condition pinned
// participate, never the full claim set, so trust stays exactly as
// narrow as the condition. Pure function, no network calls.
func MapPrincipal(provider *IdentityProvider, attrs *ValidatedAttributes) string {
	pins := provider.Condition.Pins()
	for i := range pins {
		if v, ok := attrs.Values[pins[i].Attribute]; ok {
			pins[i].Value = v
		}
	}
	return PrincipalSetID(provider.Pool, pins)
}

// GrantPrincipalSet derives the principal-set identifier an
// impersonation grant matches, from the provider's condition alone.
// Validated assertions that satisfy the condition map to this same
// identifier.
func GrantPrincipalSet(provider *IdentityProvider) string {
	return PrincipalSetID(provider.Pool, provider.Condition.Pins())
}
