package authz_test

import (
	"testing"

	"agrilend/internal/authz"
	"agrilend/internal/domain"

	"github.com/stretchr/testify/require"
)

func testAuthorizer() *authz.StaticAuthorizer {
	return authz.NewStatic(map[domain.Principal]authz.Principal{
		"farmer1":  {Role: authz.RoleFarmer, Active: true},
		"inactive": {Role: authz.RoleFarmer},
		"blocked":  {Role: authz.RoleFarmer, Active: true, Blocked: true},
		"admin1":   {Role: authz.RoleAdmin, Active: true},
		"manager1": {Role: authz.RoleLoanManager, Active: true},
	})
}

func TestCanMintRequiresActiveUnblockedFarmer(t *testing.T) {
	a := testAuthorizer()
	require.True(t, authz.CanMint(a, "farmer1"))
	require.False(t, authz.CanMint(a, "inactive"))
	require.False(t, authz.CanMint(a, "blocked"))
	require.False(t, authz.CanMint(a, "admin1"))
	require.False(t, authz.CanMint(a, "unknown"))
}

func TestIsLoanManagerAcceptsAdmins(t *testing.T) {
	a := testAuthorizer()
	require.True(t, authz.IsLoanManager(a, "manager1"))
	require.True(t, authz.IsLoanManager(a, "admin1"), "admins hold every loan-manager capability")
	require.False(t, authz.IsLoanManager(a, "farmer1"))
}

func TestGrantAndRevokeChangeLiveLookups(t *testing.T) {
	a := testAuthorizer()
	require.False(t, authz.IsAdmin(a, "newcomer"))

	a.Grant("newcomer", authz.Principal{Role: authz.RoleAdmin, Active: true})
	require.True(t, authz.IsAdmin(a, "newcomer"))

	a.Revoke("newcomer")
	require.False(t, authz.IsAdmin(a, "newcomer"))
}
