// Package pool implements the Liquidity Pool: investor deposits/withdrawals,
// reservations for approved-but-undisbursed loans, disbursement, and the
// repayment waterfall (fee, interest, principal).
//
// Every mutating method follows the same guard-then-mutate-then-persist
// shape: read the singleton record and any side records inside one
// transaction, validate every invariant before touching anything, then
// write all of it back atomically. Deposits and withdrawals carry a
// caller-supplied block index so a ledger event observed twice is applied
// at most once.
package pool

import (
	"agrilend/internal/apierr"
	"agrilend/internal/domain"
	"agrilend/internal/store"
)

const (
	poolKey              = "singleton"
	investorKeyPrefix    = "investor/"
	reservationKeyPrefix = "reservation/"
	idempotencyPrefix    = "pool/"
)

// Pool is the Liquidity Pool component.
type Pool struct {
	store                  *store.Store
	now                    func() uint64
	emergencyReservePctBps uint64
	minWithdrawalSatoshi   uint64
}

// New constructs a Pool. emergencyReservePctBps and minWithdrawalSatoshi
// come from the current ProtocolParameters.
func New(s *store.Store, now func() uint64, emergencyReservePctBps, minWithdrawalSatoshi uint64) *Pool {
	return &Pool{store: s, now: now, emergencyReservePctBps: emergencyReservePctBps, minWithdrawalSatoshi: minWithdrawalSatoshi}
}

func idemKey(direction string, blockIndex uint64) string {
	return direction + "/" + keyFromID(blockIndex)
}

func keyFromID(id uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[id&0xf]
		id >>= 4
	}
	return string(buf)
}

// getPoolTx reads the singleton Pool record, initializing a zero-value one on
// first use.
func getPoolTx(tx *store.Tx) (*domain.Pool, error) {
	var p domain.Pool
	_, err := tx.Get(store.RegionPool, poolKey, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Stats returns a copy of the current pool accounting record.
func (p *Pool) Stats() (domain.Pool, error) {
	var rec domain.Pool
	_, err := p.store.Get(store.RegionPool, poolKey, &rec)
	return rec, err
}

// GetInvestor returns the investor's balance record.
func (p *Pool) GetInvestor(who domain.Principal) (*domain.InvestorBalance, error) {
	var inv domain.InvestorBalance
	found, err := p.store.Get(store.RegionInvestor, investorKeyPrefix+string(who), &inv)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.New(apierr.KindNotFound, "investor %s not found", who)
	}
	return &inv, nil
}

// Deposit credits amount to investor, idempotent on (direction="deposit",
// blockIndex).
func (p *Pool) Deposit(investor domain.Principal, amount, blockIndex uint64) error {
	if amount == 0 {
		return apierr.New(apierr.KindInvalidAmount, "deposit amount must be positive")
	}
	tx, err := p.store.Begin()
	if err != nil {
		return err
	}
	key := idemKey("deposit", blockIndex)
	var seen bool
	found, err := tx.Get(store.RegionIdempotency, idempotencyPrefix+key, &seen)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if found {
		_ = tx.Rollback()
		return nil // already applied; idempotent no-op, not an error
	}

	rec, err := getPoolTx(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	now := p.now()
	var inv domain.InvestorBalance
	foundInv, err := tx.Get(store.RegionInvestor, investorKeyPrefix+string(investor), &inv)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !foundInv {
		inv = domain.InvestorBalance{Principal: investor, FirstDepositAt: now}
		rec.TotalInvestors++
	}
	inv.Balance += amount
	inv.TotalDeposited += amount
	inv.LastActivityAt = now
	inv.Deposits = append(inv.Deposits, domain.LedgerMovement{Amount: amount, BlockIndex: blockIndex, Timestamp: now})

	rec.TotalLiquidity += amount
	rec.AvailableLiquidity += amount
	rec.UpdatedAt = now

	if err := tx.Put(store.RegionInvestor, investorKeyPrefix+string(investor), &inv); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Put(store.RegionPool, poolKey, rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Put(store.RegionIdempotency, idempotencyPrefix+key, true); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// emergencyFloor returns the minimum AvailableLiquidity the pool must retain
// after a reservation or withdrawal.
func (p *Pool) emergencyFloor(totalLiquidity uint64) uint64 {
	return totalLiquidity * p.emergencyReservePctBps / 10_000
}

// Reserve earmarks amount against the pool's available liquidity for loanID:
// InsufficientLiquidity when the pool simply does not hold the funds,
// EmergencyReserveBreach when it does but honoring the reservation would
// drop available liquidity below the configured floor.
func (p *Pool) Reserve(loanID, amount uint64) error {
	if amount == 0 {
		return apierr.New(apierr.KindInvalidAmount, "reservation amount must be positive")
	}
	tx, err := p.store.Begin()
	if err != nil {
		return err
	}
	rec, err := getPoolTx(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	floor := p.emergencyFloor(rec.TotalLiquidity)
	if rec.AvailableLiquidity < amount {
		_ = tx.Rollback()
		return apierr.New(apierr.KindInsufficientLiquidity, "available liquidity %d insufficient to reserve %d", rec.AvailableLiquidity, amount)
	}
	if rec.AvailableLiquidity-amount < floor {
		_ = tx.Rollback()
		return apierr.New(apierr.KindEmergencyReserveBreach, "reserving %d would breach emergency floor %d", amount, floor)
	}
	rec.AvailableLiquidity -= amount
	rec.UpdatedAt = p.now()
	if err := tx.Put(store.RegionPool, poolKey, rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	reservation := domain.Reservation{LoanID: loanID, Amount: amount, CreatedAt: p.now()}
	if err := tx.Put(store.RegionPool, reservationKeyPrefix+keyFromID(loanID), &reservation); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ReleaseReservation returns a reservation's funds to AvailableLiquidity
// without disbursing them, used on approval-rollback/cancellation paths.
func (p *Pool) ReleaseReservation(loanID uint64) error {
	tx, err := p.store.Begin()
	if err != nil {
		return err
	}
	var reservation domain.Reservation
	found, err := tx.Get(store.RegionPool, reservationKeyPrefix+keyFromID(loanID), &reservation)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !found {
		_ = tx.Rollback()
		return nil // nothing reserved; idempotent no-op
	}
	rec, err := getPoolTx(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	rec.AvailableLiquidity += reservation.Amount
	rec.UpdatedAt = p.now()
	if err := tx.Put(store.RegionPool, poolKey, rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Delete(store.RegionPool, reservationKeyPrefix+keyFromID(loanID)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Disburse converts a loan's reservation into an actual outbound transfer of
// funds: TotalBorrowed increases, the reservation is cleared, and
// AvailableLiquidity is unaffected (it was already debited at Reserve time).
func (p *Pool) Disburse(loanID uint64) error {
	tx, err := p.store.Begin()
	if err != nil {
		return err
	}
	var reservation domain.Reservation
	found, err := tx.Get(store.RegionPool, reservationKeyPrefix+keyFromID(loanID), &reservation)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !found {
		_ = tx.Rollback()
		return apierr.New(apierr.KindNotFound, "no reservation for loan %d", loanID)
	}
	rec, err := getPoolTx(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	rec.TotalBorrowed += reservation.Amount
	rec.UpdatedAt = p.now()
	if err := tx.Put(store.RegionPool, poolKey, rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Delete(store.RegionPool, reservationKeyPrefix+keyFromID(loanID)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Repay applies a repayment against the pool using the waterfall breakdown
// computed by the Loan Engine (protocol fee, interest, principal).
// Principal reduces TotalBorrowed and returns to AvailableLiquidity;
// interest and fee flow into TotalLiquidity/TreasuryBalance respectively.
func (p *Pool) Repay(breakdown domain.Breakdown) error {
	tx, err := p.store.Begin()
	if err != nil {
		return err
	}
	rec, err := getPoolTx(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	rec.TotalBorrowed -= breakdown.Principal
	rec.AvailableLiquidity += breakdown.Principal + breakdown.Interest
	rec.TotalLiquidity += breakdown.Interest
	rec.TreasuryBalance += breakdown.ProtocolFee
	rec.TotalRepaid += breakdown.Principal + breakdown.Interest + breakdown.ProtocolFee
	rec.UpdatedAt = p.now()
	if err := tx.Put(store.RegionPool, poolKey, rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RecordLiquidation writes off a liquidated loan's debt: TotalBorrowed is
// debited by the principal portion covered by the seized collateral's
// recovery value, the unrecovered shortfall accrues to CumulativeLosses,
// and TotalLiquidity absorbs the full written-off debt. The seized NFT
// itself is carried on the LiquidationRecord, not in pool accounting.
func (p *Pool) RecordLiquidation(recoveredPrincipal, shortfall uint64) error {
	if recoveredPrincipal == 0 && shortfall == 0 {
		return nil
	}
	tx, err := p.store.Begin()
	if err != nil {
		return err
	}
	rec, err := getPoolTx(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	rec.CumulativeLosses += shortfall
	if recoveredPrincipal <= rec.TotalBorrowed {
		rec.TotalBorrowed -= recoveredPrincipal
	} else {
		rec.TotalBorrowed = 0
	}
	writtenOff := recoveredPrincipal + shortfall
	if writtenOff <= rec.TotalLiquidity {
		rec.TotalLiquidity -= writtenOff
	} else {
		rec.TotalLiquidity = 0
	}
	rec.UpdatedAt = p.now()
	if err := tx.Put(store.RegionPool, poolKey, rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Withdraw debits an investor's balance and AvailableLiquidity, enforcing
// four preconditions: sufficient balance, above the minimum withdrawal
// size, sufficient available liquidity, and the emergency floor is not
// breached.
func (p *Pool) Withdraw(investor domain.Principal, amount, blockIndex uint64) error {
	if amount < p.minWithdrawalSatoshi {
		return apierr.New(apierr.KindBelowMinimum, "withdrawal %d below minimum %d", amount, p.minWithdrawalSatoshi)
	}
	tx, err := p.store.Begin()
	if err != nil {
		return err
	}
	key := idemKey("withdraw", blockIndex)
	var seen bool
	foundIdem, err := tx.Get(store.RegionIdempotency, idempotencyPrefix+key, &seen)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if foundIdem {
		_ = tx.Rollback()
		return nil
	}
	var inv domain.InvestorBalance
	foundInv, err := tx.Get(store.RegionInvestor, investorKeyPrefix+string(investor), &inv)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !foundInv || inv.Balance < amount {
		_ = tx.Rollback()
		return apierr.New(apierr.KindInsufficientBalance, "investor %s balance insufficient for withdrawal %d", investor, amount)
	}
	rec, err := getPoolTx(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	floor := p.emergencyFloor(rec.TotalLiquidity)
	if rec.AvailableLiquidity < amount {
		_ = tx.Rollback()
		return apierr.New(apierr.KindInsufficientLiquidity, "available liquidity %d insufficient for withdrawal %d", rec.AvailableLiquidity, amount)
	}
	if rec.AvailableLiquidity-amount < floor {
		_ = tx.Rollback()
		return apierr.New(apierr.KindEmergencyReserveBreach, "withdrawing %d would breach emergency floor %d", amount, floor)
	}
	now := p.now()
	inv.Balance -= amount
	inv.TotalWithdrawn += amount
	inv.LastActivityAt = now
	inv.Withdrawals = append(inv.Withdrawals, domain.LedgerMovement{Amount: amount, BlockIndex: blockIndex, Timestamp: now})
	rec.TotalLiquidity -= amount
	rec.AvailableLiquidity -= amount
	rec.UpdatedAt = now
	if err := tx.Put(store.RegionInvestor, investorKeyPrefix+string(investor), &inv); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Put(store.RegionPool, poolKey, rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Put(store.RegionIdempotency, idempotencyPrefix+key, true); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// WithdrawProtocolFees debits the treasury sub-account accumulated from
// protocol fees on repayments.
func (p *Pool) WithdrawProtocolFees(amount uint64) error {
	tx, err := p.store.Begin()
	if err != nil {
		return err
	}
	rec, err := getPoolTx(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if rec.TreasuryBalance < amount {
		_ = tx.Rollback()
		return apierr.New(apierr.KindInsufficientBalance, "treasury balance %d insufficient for withdrawal %d", rec.TreasuryBalance, amount)
	}
	rec.TreasuryBalance -= amount
	rec.UpdatedAt = p.now()
	if err := tx.Put(store.RegionPool, poolKey, rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
