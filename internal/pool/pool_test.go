package pool_test

import (
	"testing"

	"agrilend/internal/apierr"
	"agrilend/internal/domain"
	"agrilend/internal/pool"
	"agrilend/internal/store"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	now := func() uint64 { return 1000 }
	return pool.New(s, now, 1000, 10_000) // 10% emergency reserve, 10k sat minimum withdrawal
}

func TestDepositCreditsInvestorAndPool(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Deposit("alice", 1_000_000, 1))

	inv, err := p.GetInvestor("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), inv.Balance)

	stats, err := p.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), stats.TotalLiquidity)
	require.Equal(t, uint64(1_000_000), stats.AvailableLiquidity)
}

func TestDepositIsIdempotentOnBlockIndex(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Deposit("alice", 1_000_000, 1))
	require.NoError(t, p.Deposit("alice", 1_000_000, 1)) // same block index, must not double-apply

	inv, err := p.GetInvestor("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), inv.Balance)
}

func TestReserveRespectsEmergencyFloor(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Deposit("alice", 10_000_000, 1))
	// floor is 10% of total liquidity = 1_000_000; reserving 9_500_000 would
	// leave only 500_000 available, breaching the floor.
	err := p.Reserve(1, 9_500_000)
	require.Equal(t, apierr.KindEmergencyReserveBreach, apierr.KindOf(err))
}

func TestReserveFailsOutrightWhenAvailableTooLow(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Deposit("alice", 100_000, 1))
	err := p.Reserve(1, 500_000)
	require.Equal(t, apierr.KindInsufficientLiquidity, apierr.KindOf(err))
}

func TestReserveThenDisburseMovesToBorrowed(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Deposit("alice", 10_000_000, 1))
	require.NoError(t, p.Reserve(1, 2_000_000))
	require.NoError(t, p.Disburse(1))

	stats, err := p.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(2_000_000), stats.TotalBorrowed)
	require.Equal(t, uint64(8_000_000), stats.AvailableLiquidity)
	require.Equal(t, uint64(10_000_000), stats.TotalLiquidity)
}

func TestReleaseReservationRestoresAvailability(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Deposit("alice", 10_000_000, 1))
	require.NoError(t, p.Reserve(1, 2_000_000))
	require.NoError(t, p.ReleaseReservation(1))

	stats, err := p.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_000), stats.AvailableLiquidity)
}

func TestRepayAppliesWaterfallToPool(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Deposit("alice", 10_000_000, 1))
	require.NoError(t, p.Reserve(1, 2_000_000))
	require.NoError(t, p.Disburse(1))

	require.NoError(t, p.Repay(domain.Breakdown{ProtocolFee: 15_000, Interest: 135_000, Principal: 2_000_000}))

	stats, err := p.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(0), stats.TotalBorrowed)
	require.Equal(t, uint64(15_000), stats.TreasuryBalance)
	require.Equal(t, uint64(10_000_000+135_000), stats.TotalLiquidity)
}

func TestWithdrawEnforcesMinimumAndBalance(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Deposit("alice", 1_000_000, 1))

	err := p.Withdraw("alice", 5_000, 2) // below minimum withdrawal
	require.Equal(t, apierr.KindBelowMinimum, apierr.KindOf(err))

	err = p.Withdraw("alice", 2_000_000, 3) // exceeds balance
	require.Equal(t, apierr.KindInsufficientBalance, apierr.KindOf(err))

	require.NoError(t, p.Withdraw("alice", 100_000, 4))
	inv, err := p.GetInvestor("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(900_000), inv.Balance)
}

func TestWithdrawIsIdempotentOnBlockIndex(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Deposit("alice", 1_000_000, 1))
	require.NoError(t, p.Withdraw("alice", 100_000, 2))
	require.NoError(t, p.Withdraw("alice", 100_000, 2))

	inv, err := p.GetInvestor("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(900_000), inv.Balance)
}

func TestRecordLiquidationWritesOffDebt(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Deposit("alice", 10_000_000, 1))
	require.NoError(t, p.Reserve(1, 2_000_000))
	require.NoError(t, p.Disburse(1))

	// collateral recovered 1_500_000 of a 2_000_000 debt; 500_000 shortfall
	require.NoError(t, p.RecordLiquidation(1_500_000, 500_000))
	stats, err := p.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(500_000), stats.CumulativeLosses)
	require.Equal(t, uint64(500_000), stats.TotalBorrowed)
	require.Equal(t, uint64(8_000_000), stats.TotalLiquidity)
	require.Equal(t, stats.TotalLiquidity, stats.AvailableLiquidity+stats.TotalBorrowed-stats.CumulativeLosses)
}

func TestWithdrawRejectsEmergencyFloorBreach(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Deposit("alice", 10_000_000, 1))
	require.NoError(t, p.Reserve(1, 8_000_000))
	// total 10_000_000, available 2_000_000, floor 1_000_000: withdrawing
	// 1_500_000 would leave 500_000 available, under the floor.
	err := p.Withdraw("alice", 1_500_000, 2)
	require.Equal(t, apierr.KindEmergencyReserveBreach, apierr.KindOf(err))
}

func TestDepositThenWithdrawRestoresPriorBalances(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Deposit("alice", 10_000_000, 1))
	before, err := p.Stats()
	require.NoError(t, err)

	require.NoError(t, p.Deposit("alice", 1_000_000, 2))
	require.NoError(t, p.Withdraw("alice", 1_000_000, 3))

	after, err := p.Stats()
	require.NoError(t, err)
	require.Equal(t, before.TotalLiquidity, after.TotalLiquidity)
	require.Equal(t, before.AvailableLiquidity, after.AvailableLiquidity)
	inv, err := p.GetInvestor("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_000), inv.Balance)
}
