// Package loan implements the Loan Engine: application, approval,
// disbursement, simple-interest accrual, and the repayment waterfall
// (protocol fee, then interest, then principal).
//
// The method shape is consistent across every transition: guard
// preconditions, ensure referenced records exist, mutate, persist, and
// compensate (release reservations, unlock collateral) on failure. Accrual
// uses plain simple interest rather than a compounding index, keeping every
// computed debt reproducible from the loan record alone.
package loan

import (
	"agrilend/internal/apierr"
	"agrilend/internal/collateral"
	"agrilend/internal/domain"
	"agrilend/internal/pool"
	"agrilend/internal/store"
)

const secondsPerDay = 86400

// PriceSource is the subset of the Oracle component the Loan Engine needs to
// size a loan off a live commodity price. Depending on the interface rather
// than *oracle.Oracle keeps this package's tests free of HTTP/rate-limit
// plumbing.
type PriceSource interface {
	GetCached(commodity string) (domain.CommodityPrice, error)
}

// Engine is the Loan Engine component.
type Engine struct {
	store       *store.Store
	collateral  *collateral.Registry
	pool        *pool.Pool
	oracle      PriceSource
	now         func() uint64
	ltvBps      uint64
	aprBps      uint64
	maxDuration uint64 // days
	graceDays   uint64
	protocolFee uint64 // bps
	maxLoan     uint64
	idrPerBTC   uint64 // reference conversion rate used to size loans off an IDR valuation
}

// Config groups the ProtocolParameters fields the Loan Engine consults.
type Config struct {
	LTVRatioBps         uint64
	BaseAprBps          uint64
	MaxLoanDurationDays uint64
	GracePeriodDays     uint64
	ProtocolFeeBps      uint64
	MaxLoanAmount       uint64
	ReferenceIDRPerBTC  uint64
}

// New constructs an Engine. orc supplies the live commodity price the
// conservative collateral-sizing formula needs. With a nil orc, Apply fails
// every application with OraclePriceUnavailable; there is no fallback to the
// static metadata valuation.
func New(s *store.Store, c *collateral.Registry, p *pool.Pool, orc PriceSource, now func() uint64, cfg Config) *Engine {
	return &Engine{
		store:       s,
		collateral:  c,
		pool:        p,
		oracle:      orc,
		now:         now,
		ltvBps:      cfg.LTVRatioBps,
		aprBps:      cfg.BaseAprBps,
		maxDuration: cfg.MaxLoanDurationDays,
		graceDays:   cfg.GracePeriodDays,
		protocolFee: cfg.ProtocolFeeBps,
		maxLoan:     cfg.MaxLoanAmount,
		idrPerBTC:   cfg.ReferenceIDRPerBTC,
	}
}

func loanKey(id uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[id&0xf]
		id >>= 4
	}
	return string(buf)
}

func borrowerListKey(borrower domain.Principal) string { return "by_borrower/" + string(borrower) }

// Get returns the loan with the given id.
func (e *Engine) Get(loanID uint64) (*domain.Loan, error) {
	var l domain.Loan
	found, err := e.store.Get(store.RegionLoan, loanKey(loanID), &l)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.New(apierr.KindNotFound, "loan %d not found", loanID)
	}
	return &l, nil
}

// ListByBorrower returns every loan id the borrower has applied for.
func (e *Engine) ListByBorrower(borrower domain.Principal) ([]uint64, error) {
	var ids []uint64
	err := e.store.IterateList(store.RegionLoan, borrowerListKey(borrower), func(raw []byte) error {
		var id uint64
		if err := decode(raw, &id); err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// satoshiFromIDR converts an IDR amount to satoshi at the configured
// reference rate, truncating (integer division).
func (e *Engine) satoshiFromIDR(valueIDR uint64) uint64 {
	if e.idrPerBTC == 0 {
		return 0
	}
	return valueIDR * 100_000_000 / e.idrPerBTC
}

// conservativeCollateralValueIDR sizes collateral as the minimum of the
// static metadata valuation and quantity times the oracle's
// live price for the collateral's commodity type. A non-stale oracle
// reading is mandatory: callers with no live price fail
// OraclePriceUnavailable rather than silently falling back to the
// (possibly stale) metadata valuation alone.
func (e *Engine) conservativeCollateralValueIDR(record *domain.CollateralRecord) (uint64, error) {
	if e.oracle == nil {
		return 0, apierr.New(apierr.KindOraclePriceUnavailable, "no price oracle configured")
	}
	price, err := e.oracle.GetCached(record.CommodityType)
	if err != nil {
		return 0, err
	}
	marketValueIDR := record.Quantity * price.PricePerUnit
	if marketValueIDR < record.ValuationIDR {
		return marketValueIDR, nil
	}
	return record.ValuationIDR, nil
}

// maxBorrowableSatoshi converts a conservative IDR valuation to a satoshi
// loan ceiling at the configured LTV ratio.
func (e *Engine) maxBorrowableSatoshi(conservativeIDR uint64) uint64 {
	return e.satoshiFromIDR(conservativeIDR) * e.ltvBps / 10_000
}

// Apply creates a new loan in PendingApplication status, sizing it
// conservatively off the minimum of the NFT's recorded collateral valuation
// and its live oracle-derived market value. The NFT must be unlocked and
// owned by the borrower.
func (e *Engine) Apply(borrower domain.Principal, nftID, amountRequested uint64) (*domain.Loan, error) {
	nft, err := e.collateral.GetNFT(nftID)
	if err != nil {
		return nil, err
	}
	if nft.Owner != borrower {
		return nil, apierr.New(apierr.KindUnauthorized, "caller %s does not own nft %d", borrower, nftID)
	}
	if nft.IsLocked {
		return nil, apierr.New(apierr.KindAlreadyLocked, "nft %d is already locked", nftID)
	}
	record, err := e.collateral.GetCollateralByToken(nftID)
	if err != nil {
		return nil, err
	}
	if amountRequested == 0 {
		return nil, apierr.New(apierr.KindInvalidAmount, "requested amount must be positive")
	}
	conservativeIDR, err := e.conservativeCollateralValueIDR(record)
	if err != nil {
		return nil, err
	}
	collateralValueBTC := e.satoshiFromIDR(conservativeIDR)
	maxBorrowable := e.maxBorrowableSatoshi(conservativeIDR)
	if amountRequested > maxBorrowable {
		return nil, apierr.New(apierr.KindInvalidAmount, "requested amount %d exceeds conservative max %d for nft %d", amountRequested, maxBorrowable, nftID)
	}
	if e.maxLoan > 0 && amountRequested > e.maxLoan {
		return nil, apierr.New(apierr.KindInvalidAmount, "requested amount %d exceeds protocol max loan amount %d", amountRequested, e.maxLoan)
	}

	tx, err := e.store.Begin()
	if err != nil {
		return nil, err
	}
	id, err := tx.NextID("loan")
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	now := e.now()
	l := &domain.Loan{
		ID:                 id,
		Borrower:           borrower,
		NFTID:              nftID,
		CollateralValueBTC: collateralValueBTC,
		AmountRequested:    amountRequested,
		AprBps:             e.aprBps,
		Status:             domain.LoanPendingApplication,
		CreatedAt:          now,
	}
	if err := tx.Put(store.RegionLoan, loanKey(id), l); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Append(store.RegionLoan, borrowerListKey(borrower), id); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return l, nil
}

// Approve transitions a PendingApplication loan to Approved, reserving funds
// in the pool and locking the collateral NFT. On any failure after the
// reservation succeeds, the reservation is released before returning the
// error.
func (e *Engine) Approve(loanID, amountApproved uint64) (*domain.Loan, error) {
	l, err := e.Get(loanID)
	if err != nil {
		return nil, err
	}
	if l.Status != domain.LoanPendingApplication {
		return nil, apierr.New(apierr.KindWrongState, "loan %d is %s, not pending_application", loanID, l.Status)
	}
	if amountApproved == 0 || amountApproved > l.AmountRequested {
		return nil, apierr.New(apierr.KindInvalidAmount, "approved amount %d invalid for requested %d", amountApproved, l.AmountRequested)
	}

	if err := e.pool.Reserve(loanID, amountApproved); err != nil {
		return nil, err
	}
	if err := e.collateral.Lock(l.NFTID, loanID); err != nil {
		_ = e.pool.ReleaseReservation(loanID)
		return nil, err
	}

	now := e.now()
	l.Status = domain.LoanApproved
	l.AmountApproved = amountApproved
	l.ApprovedAt = now
	l.DueDate = now + e.maxDuration*secondsPerDay
	if err := e.store.Put(store.RegionLoan, loanKey(loanID), l); err != nil {
		_ = e.pool.ReleaseReservation(loanID)
		_ = e.collateral.Unlock(l.NFTID)
		return nil, err
	}
	return l, nil
}

// Disburse transfers the reserved funds to the borrower via transferFn (the
// external ledger client, returning the confirming block index) and
// transitions the loan to Active. If transferFn fails, the reservation is
// preserved and the loan stays Approved so disbursement can be retried:
// funds are reserved before the outbound call, and compensated only once
// failure is definite.
func (e *Engine) Disburse(loanID uint64, transferFn func(amount uint64) (uint64, error)) (*domain.Loan, error) {
	l, err := e.Get(loanID)
	if err != nil {
		return nil, err
	}
	if l.Status != domain.LoanApproved {
		return nil, apierr.New(apierr.KindWrongState, "loan %d is %s, not approved", loanID, l.Status)
	}
	blockIndex, err := transferFn(l.AmountApproved)
	if err != nil {
		return nil, apierr.New(apierr.KindLedgerTransferFailed, "disbursement transfer failed: %v", err)
	}
	if err := e.pool.Disburse(loanID); err != nil {
		return nil, err
	}
	now := e.now()
	l.Status = domain.LoanActive
	l.DisbursedAt = now
	l.DueDate = now + e.maxDuration*secondsPerDay
	l.DisbursementBlock = blockIndex
	if err := e.store.Put(store.RegionLoan, loanKey(loanID), l); err != nil {
		return nil, err
	}
	return l, nil
}

// Cancel transitions a PendingApplication or Approved loan to Cancelled,
// releasing any reservation and unlocking the NFT.
func (e *Engine) Cancel(loanID uint64, reason string) (*domain.Loan, error) {
	l, err := e.Get(loanID)
	if err != nil {
		return nil, err
	}
	if l.Status != domain.LoanPendingApplication && l.Status != domain.LoanApproved {
		return nil, apierr.New(apierr.KindWrongState, "loan %d is %s, cannot cancel", loanID, l.Status)
	}
	wasApproved := l.Status == domain.LoanApproved
	if wasApproved {
		if err := e.pool.ReleaseReservation(loanID); err != nil {
			return nil, err
		}
		if err := e.collateral.Unlock(l.NFTID); err != nil {
			return nil, err
		}
	}
	l.Status = domain.LoanCancelled
	l.CancelReason = reason
	if err := e.store.Put(store.RegionLoan, loanKey(loanID), l); err != nil {
		return nil, err
	}
	return l, nil
}

// AccruedDebt computes the current amount owed on an Active loan using
// simple interest truncated to whole satoshi:
//
//	interest = principal_outstanding * apr_bps * elapsed_days / (10_000 * 365)
//
// elapsed_days is measured from DisbursedAt (or LastPaymentAt, whichever is
// later) to now, so interest never double-accrues across partial payments.
func (e *Engine) AccruedDebt(loanID uint64) (principal, interest, total uint64, err error) {
	l, gerr := e.Get(loanID)
	if gerr != nil {
		return 0, 0, 0, gerr
	}
	if l.Status != domain.LoanActive {
		return l.OutstandingPrincipal(), 0, l.OutstandingPrincipal(), nil
	}
	from := l.DisbursedAt
	if l.LastPaymentAt > from {
		from = l.LastPaymentAt
	}
	var elapsedDays uint64
	if now := e.now(); now > from {
		elapsedDays = (now - from) / secondsPerDay
	}
	outstanding := l.OutstandingPrincipal()
	accrued := outstanding * l.AprBps * elapsedDays / (10_000 * 365)
	return outstanding, accrued, outstanding + accrued, nil
}

// Repay applies amount against loanID's debt using the fee-interest-principal
// waterfall, delegating the pool-side accounting to pool.Repay. The
// protocol fee is carved out of the interest portion (fee = accrued
// interest × fee bps), so the borrower's total due is principal + interest
// and the fee is the treasury's cut of that interest, not a surcharge.
// Overpayment (amount exceeding total owed) is rejected rather than
// silently capped. A loan fully repaid transitions to Repaid and its
// collateral NFT is unlocked. The payer must be the borrower; emergency
// resolution of someone else's loan goes through the Liquidation Engine's
// admin path instead.
func (e *Engine) Repay(loanID uint64, payer domain.Principal, amount, blockIndex uint64) (*domain.Loan, domain.Breakdown, error) {
	l, err := e.Get(loanID)
	if err != nil {
		return nil, domain.Breakdown{}, err
	}
	if l.Status != domain.LoanActive {
		return nil, domain.Breakdown{}, apierr.New(apierr.KindWrongState, "loan %d is %s, not active", loanID, l.Status)
	}
	if payer != l.Borrower {
		return nil, domain.Breakdown{}, apierr.New(apierr.KindUnauthorized, "payer %s is not the borrower of loan %d", payer, loanID)
	}
	if amount == 0 {
		return nil, domain.Breakdown{}, apierr.New(apierr.KindInvalidAmount, "repayment amount must be positive")
	}
	principalOutstanding, interestAccrued, totalDue, err := e.AccruedDebt(loanID)
	if err != nil {
		return nil, domain.Breakdown{}, err
	}
	if amount > totalDue {
		return nil, domain.Breakdown{}, apierr.New(apierr.KindInvalidAmount, "payment %d exceeds total owed %d", amount, totalDue)
	}
	fee := interestAccrued * e.protocolFee / 10_000
	interestToPool := interestAccrued - fee

	remaining := amount
	breakdown := domain.Breakdown{}
	take := func(bucket uint64) uint64 {
		if remaining >= bucket {
			remaining -= bucket
			return bucket
		}
		paid := remaining
		remaining = 0
		return paid
	}
	breakdown.ProtocolFee = take(fee)
	breakdown.Interest = take(interestToPool)
	breakdown.Principal = take(principalOutstanding)

	if err := e.pool.Repay(breakdown); err != nil {
		return nil, domain.Breakdown{}, err
	}

	now := e.now()
	l.PrincipalRepaid += breakdown.Principal
	l.TotalRepaid += amount
	l.LastPaymentAt = now
	l.RepaymentHistory = append(l.RepaymentHistory, domain.RepaymentRecord{
		LoanID: loanID, Payer: payer, Amount: amount, LedgerBlockIndex: blockIndex, Timestamp: now, Breakdown: breakdown,
	})
	// Fully repaid only when principal and the full accrued interest for
	// this cycle were all collected in this single payment.
	if l.OutstandingPrincipal() == 0 && remaining == 0 && breakdown.Interest == interestToPool && breakdown.ProtocolFee == fee {
		l.Status = domain.LoanRepaid
		if err := e.store.Put(store.RegionLoan, loanKey(loanID), l); err != nil {
			return nil, domain.Breakdown{}, err
		}
		if err := e.collateral.Unlock(l.NFTID); err != nil {
			return nil, domain.Breakdown{}, err
		}
		return l, breakdown, nil
	}
	if err := e.store.Put(store.RegionLoan, loanKey(loanID), l); err != nil {
		return nil, domain.Breakdown{}, err
	}
	return l, breakdown, nil
}

// ListActive returns every loan currently in Active status, for the
// background liquidation scanner to check for overdue positions.
func (e *Engine) ListActive() ([]*domain.Loan, error) {
	var active []*domain.Loan
	err := e.store.Iterate(store.RegionLoan, func(key string, raw []byte) error {
		var l domain.Loan
		if err := decode(raw, &l); err != nil {
			return err
		}
		if l.Status == domain.LoanActive {
			clone := l
			active = append(active, &clone)
		}
		return nil
	})
	return active, err
}

// Persist writes l as-is, for callers (the Liquidation Engine's
// AdminResolution path) that compute a terminal-state transition themselves
// rather than going through one of the engine's own state-transition
// methods.
func (e *Engine) Persist(l *domain.Loan) error {
	return e.store.Put(store.RegionLoan, loanKey(l.ID), l)
}

// IsOverdue reports whether an Active loan is past its due date plus the
// configured grace period.
func (e *Engine) IsOverdue(l *domain.Loan) bool {
	if l.Status != domain.LoanActive {
		return false
	}
	return e.now() > l.DueDate+e.graceDays*secondsPerDay
}

// MarkDefaulted transitions an overdue Active loan to Defaulted. The
// Liquidation Engine's Trigger does not call it: it sets Defaulted itself so
// that undercollateralized loans that are not overdue can also be defaulted.
func (e *Engine) MarkDefaulted(loanID uint64) (*domain.Loan, error) {
	l, err := e.Get(loanID)
	if err != nil {
		return nil, err
	}
	if l.Status != domain.LoanActive {
		return nil, apierr.New(apierr.KindWrongState, "loan %d is %s, not active", loanID, l.Status)
	}
	if !e.IsOverdue(l) {
		return nil, apierr.New(apierr.KindNotEligible, "loan %d is not past its grace period", loanID)
	}
	l.Status = domain.LoanDefaulted
	if err := e.store.Put(store.RegionLoan, loanKey(loanID), l); err != nil {
		return nil, err
	}
	return l, nil
}

// MarkLiquidated transitions a Defaulted loan to Liquidated; called by the
// Liquidation Engine after it has seized the collateral.
func (e *Engine) MarkLiquidated(loanID uint64) (*domain.Loan, error) {
	l, err := e.Get(loanID)
	if err != nil {
		return nil, err
	}
	if l.Status != domain.LoanDefaulted {
		return nil, apierr.New(apierr.KindWrongState, "loan %d is %s, not defaulted", loanID, l.Status)
	}
	l.Status = domain.LoanLiquidated
	if err := e.store.Put(store.RegionLoan, loanKey(loanID), l); err != nil {
		return nil, err
	}
	return l, nil
}
