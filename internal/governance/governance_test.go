package governance_test

import (
	"testing"

	"agrilend/internal/apierr"
	"agrilend/internal/authz"
	"agrilend/internal/domain"
	"agrilend/internal/governance"
	"agrilend/internal/store"

	"github.com/stretchr/testify/require"
)

func seedParams() domain.ProtocolParameters {
	return domain.ProtocolParameters{
		Admins:                 []domain.Principal{"admin1"},
		LTVRatioBps:            6000,
		BaseAprBps:             1000,
		ProtocolFeeBps:         1000,
		EmergencyReservePctBps: 500,
		MaxLoanDurationDays:    365,
	}
}

func newTestRegistry(t *testing.T) (*governance.Registry, *authz.StaticAuthorizer, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	authorizer := authz.NewStatic(map[domain.Principal]authz.Principal{
		"admin1": {Role: authz.RoleAdmin, Active: true},
	})
	reg, err := governance.New(s, authorizer, nil, func() uint64 { return 1000 }, seedParams())
	require.NoError(t, err)
	return reg, authorizer, s
}

func TestNewSeedsParametersOnFirstBoot(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	p, err := reg.Current()
	require.NoError(t, err)
	require.Equal(t, uint64(6000), p.LTVRatioBps)
	require.Equal(t, []domain.Principal{"admin1"}, p.Admins)
}

func TestNewDoesNotOverwriteExistingParameters(t *testing.T) {
	reg, authorizer, s := newTestRegistry(t)
	p, err := reg.Current()
	require.NoError(t, err)
	p.LTVRatioBps = 5000
	_, err = reg.Update("admin1", p)
	require.NoError(t, err)

	// a second boot against the same store keeps the governed value, not the seed
	reg2, err := governance.New(s, authorizer, nil, func() uint64 { return 2000 }, seedParams())
	require.NoError(t, err)
	p2, err := reg2.Current()
	require.NoError(t, err)
	require.Equal(t, uint64(5000), p2.LTVRatioBps)
}

func TestEmergencyStopBlocksAllMutations(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	require.Nil(t, reg.CheckOperational())

	require.NoError(t, reg.SetEmergencyStop("admin1", true, "oracle incident"))
	err := reg.CheckOperational()
	require.NotNil(t, err)
	require.Equal(t, apierr.KindSystemPaused, err.Kind)
	require.Equal(t, apierr.KindSystemPaused, reg.CheckUserMutation().Kind)

	require.NoError(t, reg.SetEmergencyStop("admin1", false, "resolved"))
	require.Nil(t, reg.CheckOperational())
}

func TestMaintenanceModeBlocksOnlyUserMutations(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	require.NoError(t, reg.SetMaintenanceMode("admin1", true, "schema migration"))

	require.Nil(t, reg.CheckOperational(), "governance stays available during maintenance")
	err := reg.CheckUserMutation()
	require.NotNil(t, err)
	require.Equal(t, apierr.KindMaintenanceMode, err.Kind)

	require.NoError(t, reg.SetMaintenanceMode("admin1", false, "done"))
	require.Nil(t, reg.CheckUserMutation())
}

func TestGrantAdminUpdatesAuthorizerAndPersistedList(t *testing.T) {
	reg, authorizer, _ := newTestRegistry(t)
	require.False(t, authz.IsAdmin(authorizer, "admin2"))

	require.NoError(t, reg.GrantAdmin("admin1", "admin2"))
	require.True(t, authz.IsAdmin(authorizer, "admin2"))

	p, err := reg.Current()
	require.NoError(t, err)
	require.Contains(t, p.Admins, domain.Principal("admin2"))

	// granting twice must not duplicate the persisted entry
	require.NoError(t, reg.GrantAdmin("admin1", "admin2"))
	p, err = reg.Current()
	require.NoError(t, err)
	count := 0
	for _, a := range p.Admins {
		if a == "admin2" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestRevokeAdminRemovesRoleAndListEntry(t *testing.T) {
	reg, authorizer, _ := newTestRegistry(t)
	require.NoError(t, reg.GrantAdmin("admin1", "admin2"))
	require.NoError(t, reg.RevokeAdmin("admin1", "admin2"))

	require.False(t, authz.IsAdmin(authorizer, "admin2"))
	p, err := reg.Current()
	require.NoError(t, err)
	require.NotContains(t, p.Admins, domain.Principal("admin2"))
}
