package permission

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptiq/synapse-hub/internal/store"
)

func setupTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateAgent(context.Background(), &store.Agent{ID: 10, Name: "Ada", IsActive: true}))
	return NewService(st, slog.Default()), st
}

func TestService_Check(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	// No grant yet
	ok, role, err := svc.Check(ctx, 10, "alpha")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, role)

	require.NoError(t, svc.Grant(ctx, 10, "alpha", store.RoleContributor, 1))

	ok, role, err = svc.Check(ctx, 10, "alpha")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, store.RoleContributor, role)

	// Grants are per-project
	ok, _, err = svc.Check(ctx, 10, "beta")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_Require(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Grant(ctx, 10, "alpha", store.RoleMember, 1))

	assert.NoError(t, svc.Require(ctx, 10, "alpha", store.RoleViewer))
	assert.NoError(t, svc.Require(ctx, 10, "alpha", store.RoleMember))
	assert.ErrorIs(t, svc.Require(ctx, 10, "alpha", store.RoleAdmin), ErrDenied)
	assert.ErrorIs(t, svc.Require(ctx, 10, "beta", store.RoleViewer), ErrDenied)
}

func TestService_Grant_Validation(t *testing.T) {
	svc, _ := setupTestService(t)

	err := svc.Grant(context.Background(), 10, "alpha", store.Role("owner"), 1)
	assert.Error(t, err)
}
