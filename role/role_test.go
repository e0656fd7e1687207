package role

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register("SHARING_READ", []string{"sharing.smb.query", "sharing.nfs.query"}))
	require.NoError(t, m.Register("SHARING_WRITE", []string{"sharing.smb.create", "sharing.smb.update"}))

	reader := &Principal{Name: "ro-user", Roles: []string{"SHARING_READ"}}
	admin := &Principal{Name: "root", Roles: []string{FullAdmin}}

	tests := []struct {
		name      string
		principal *Principal
		method    string
		want      bool
	}{
		{"granted method", reader, "sharing.smb.query", true},
		{"ungranted method", reader, "sharing.smb.create", false},
		{"full admin grants everything", admin, "system.shutdown", true},
		{"nil principal denied", nil, "sharing.smb.query", false},
		{"unknown role on principal", &Principal{Roles: []string{"GHOST"}}, "sharing.smb.query", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Check(tt.principal, tt.method))
		})
	}
}

func TestGrantUnknownRoleIgnored(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register("POOL_READ", []string{"pool.query"}))

	// Plug-in granting a role this build does not know about: ignored, not fatal.
	m.Grant("FUTURE_ROLE", []string{"pool.query"})
	assert.False(t, m.Known("FUTURE_ROLE"))

	m.Grant("POOL_READ", []string{"pool.get_disks"})
	assert.True(t, m.Check(&Principal{Roles: []string{"POOL_READ"}}, "pool.get_disks"))
}

func TestMethodsFor(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register("A", []string{"x.one", "x.two"}))
	require.NoError(t, m.Register("B", []string{"y.one"}))

	got := m.MethodsFor(&Principal{Roles: []string{"A", "B"}})
	assert.Len(t, got, 3)

	admin := m.MethodsFor(&Principal{Roles: []string{FullAdmin}})
	assert.True(t, admin["x.one"] && admin["x.two"] && admin["y.one"])

	assert.Empty(t, m.MethodsFor(nil))
}

func TestRegisterExtends(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register("DATASET", []string{"pool.dataset.query"}))
	require.NoError(t, m.Register("DATASET", []string{"pool.dataset.create"}))

	p := &Principal{Roles: []string{"DATASET"}}
	assert.True(t, m.Check(p, "pool.dataset.query"))
	assert.True(t, m.Check(p, "pool.dataset.create"))
}

func TestRegisterEmptyNameFails(t *testing.T) {
	m := NewManager(nil)
	assert.Error(t, m.Register("", []string{"a.b"}))
}
