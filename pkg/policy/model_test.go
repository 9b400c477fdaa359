package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModelDefaults(t *testing.T) {
	m, err := ParseModel([]byte("request: [sub, act, obj]\n"))
	require.NoError(t, err)

	assert.Equal(t, "authz/allow", m.Entrypoint)
	assert.Equal(t, []string{"sub", "act", "obj"}, m.Policy[RowPermission])
	assert.Equal(t, []string{"member", "role"}, m.Policy[RowRole])
	assert.Equal(t, "data.authz.allow", m.query())

	name, src := m.module()
	assert.Equal(t, "rbac.rego", name)
	assert.Contains(t, src, "package authz")
}

func TestParseModelJSON(t *testing.T) {
	m, err := ParseModel([]byte(`{"request": ["sub", "obj"], "entrypoint": "/acl/allow/"}`))
	require.NoError(t, err)
	assert.Equal(t, "acl/allow", m.Entrypoint)
	assert.Equal(t, "data.acl.allow", m.query())
}

func TestModelValidateDefaultModuleFields(t *testing.T) {
	_, err := ParseModel([]byte(`
request: [sub, act, obj]
policy:
  p: [sub, obj]
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidModel)
	assert.Contains(t, err.Error(), `"act"`)

	_, err = ParseModel([]byte(`
request: [sub]
policy:
  g: [user, group]
`))
	assert.ErrorIs(t, err, ErrInvalidModel)
}

func TestModelValidateCustomModule(t *testing.T) {
	m, err := ParseModel([]byte(`
request: [sub]
policy:
  acl: [who]
module: |
  package authz
  allow if input.sub == "root"
`))
	require.NoError(t, err)
	_, hasRoles := m.Policy[RowRole]
	assert.False(t, hasRoles)
	assert.Equal(t, []string{"sub"}, m.Policy[RowPermission])
}
