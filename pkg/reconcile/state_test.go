package reconcile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokeworks/deploytrust/pkg/trust"
)

func TestStateFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := LoadStateFile(path)
	require.NoError(t, err)

	binding := trust.RoleBinding{
		Principal: "app-deployer",
		Role:      trust.RoleRegistryWrite,
		Scope:     trust.Scope{Kind: trust.ScopeRepository, Resource: "app-images"},
	}
	require.NoError(t, s.MarkOwned(KindRoleBinding, binding.Key(), binding))
	require.NoError(t, s.MarkOwned(KindPool, "ci", trust.IdentityPool{ID: "ci"}))
	require.NoError(t, s.Save())

	loaded, err := LoadStateFile(path)
	require.NoError(t, err)
	assert.True(t, loaded.Owns(KindPool, "ci"))
	assert.True(t, loaded.Owns(KindRoleBinding, binding.Key()))

	var got trust.RoleBinding
	require.NoError(t, loaded.OwnedObject(KindRoleBinding, binding.Key(), &got))
	assert.Equal(t, binding, got)

	loaded.Forget(KindPool, "ci")
	assert.False(t, loaded.Owns(KindPool, "ci"))
}

func TestStateFileMissingIsEmpty(t *testing.T) {
	s, err := LoadStateFile(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, s.OwnedOfKind(KindPool))
}

func TestStateFileRejectsCorruptData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))

	_, err := LoadStateFile(path)
	assert.True(t, trust.IsCategory(err, trust.CategoryConfig))
}

func TestStateFileRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "owned": {}}`), 0o644))

	_, err := LoadStateFile(path)
	assert.True(t, trust.IsCategory(err, trust.CategoryConfig))
}

func TestStateFileGrantPayloadKeepsPrincipalSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := LoadStateFile(path)
	require.NoError(t, err)

	grant := trust.ImpersonationGrant{
		Pool:             "ci",
		Provider:         "github",
		ServicePrincipal: "app-deployer",
		Roles:            []trust.Role{trust.RoleRegistryWrite},
		PrincipalSet:     "principalSet://pools/ci/attribute.repo/org/app",
	}
	require.NoError(t, s.MarkOwned(KindGrant, grant.Key(), grant))
	require.NoError(t, s.Save())

	loaded, err := LoadStateFile(path)
	require.NoError(t, err)
	var got trust.ImpersonationGrant
	require.NoError(t, loaded.OwnedObject(KindGrant, grant.Key(), &got))
	assert.Equal(t, grant.PrincipalSet, got.PrincipalSet)
}
