// Package liquidation implements the Liquidation Engine: eligibility
// checks, the all-or-nothing trigger sequence, bulk liquidation, and the
// out-of-band AdminResolution path for emergency/early release.
//
// Trigger runs seize-collateral, route-proceeds, and write-accounting all
// inside one guarded pass, logging and surfacing the first failure rather
// than leaving a loan half-processed. Proceeds routing stays simple here
// (one NFT seized outright, no bps-split across multiple parties) because
// collateral in this system is a single non-fungible asset, not a shared
// pool position.
package liquidation

import (
	"agrilend/internal/apierr"
	"agrilend/internal/audit"
	"agrilend/internal/collateral"
	"agrilend/internal/domain"
	"agrilend/internal/loan"
	"agrilend/internal/pool"
	"agrilend/internal/store"
)

// Reason enumerates why a loan was found eligible for liquidation, plus the
// out-of-band admin resolution marker.
const (
	ReasonUndercollateralized  = "undercollateralized"
	ReasonOverdueExpired       = "overdue_expired"
	ReasonEmergencyLiquidation = "emergency_liquidation"
	ReasonAdminResolution      = "admin_resolution"
)

// PriceSource is the subset of the Oracle component the Liquidation Engine
// needs to re-mark a loan's collateral to the current market price.
type PriceSource interface {
	GetCached(commodity string) (domain.CommodityPrice, error)
}

// Config groups the ProtocolParameters fields eligibility checking consults.
type Config struct {
	ReferenceIDRPerBTC              uint64
	LiquidationThresholdHealthRatio uint64 // bps; 10_000 == 1.0
}

// Engine is the Liquidation Engine component.
type Engine struct {
	store      *store.Store
	loans      *loan.Engine
	collateral *collateral.Registry
	pool       *pool.Pool
	oracle     PriceSource
	audit      *audit.Logger
	now        func() uint64
	idrPerBTC  uint64
	threshold  uint64
}

// New constructs an Engine. orc may be nil, in which case eligibility falls
// back to the overdue-only check (the collateral value recorded at
// application is never re-marked to market).
func New(s *store.Store, l *loan.Engine, c *collateral.Registry, p *pool.Pool, orc PriceSource, a *audit.Logger, now func() uint64, cfg Config) *Engine {
	return &Engine{
		store: s, loans: l, collateral: c, pool: p, oracle: orc, audit: a, now: now,
		idrPerBTC: cfg.ReferenceIDRPerBTC, threshold: cfg.LiquidationThresholdHealthRatio,
	}
}

func recordKey(id uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[id&0xf]
		id >>= 4
	}
	return string(buf)
}

// writeRecord allocates an id and persists rec in the liquidation region.
func (e *Engine) writeRecord(rec *domain.LiquidationRecord) error {
	tx, err := e.store.Begin()
	if err != nil {
		return err
	}
	id, err := tx.NextID("liquidation")
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	rec.ID = id
	if err := tx.Put(store.RegionLiquidation, recordKey(id), rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetRecord returns the liquidation record with the given id.
func (e *Engine) GetRecord(id uint64) (*domain.LiquidationRecord, error) {
	var rec domain.LiquidationRecord
	found, err := e.store.Get(store.RegionLiquidation, recordKey(id), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.New(apierr.KindNotFound, "liquidation record %d not found", id)
	}
	return &rec, nil
}

// currentCollateralValueBTC re-marks loanID's collateral to the oracle's
// current price for its commodity type, returning the loan's
// application-time value (and ok=false) if no live price is available. A
// stale or missing oracle reading degrades eligibility to the overdue-only
// check rather than blocking it outright.
func (e *Engine) currentCollateralValueBTC(l *domain.Loan) (valueBTC uint64, ok bool) {
	if e.oracle == nil || e.idrPerBTC == 0 {
		return l.CollateralValueBTC, false
	}
	record, err := e.collateral.GetCollateralByToken(l.NFTID)
	if err != nil {
		return l.CollateralValueBTC, false
	}
	price, err := e.oracle.GetCached(record.CommodityType)
	if err != nil {
		return l.CollateralValueBTC, false
	}
	marketValueIDR := record.Quantity * price.PricePerUnit
	conservativeIDR := record.ValuationIDR
	if marketValueIDR < conservativeIDR {
		conservativeIDR = marketValueIDR
	}
	return conservativeIDR * 100_000_000 / e.idrPerBTC, true
}

// healthRatioBps computes collateral_value_btc_now / remaining_debt scaled
// by 10_000. A zero remaining debt reports the
// maximum possible ratio (never undercollateralized).
func healthRatioBps(collateralValueBTC, remainingDebt uint64) uint64 {
	if remainingDebt == 0 {
		return ^uint64(0)
	}
	return collateralValueBTC * 10_000 / remainingDebt
}

// Eligibility reports whether loanID may be liquidated: it must be Active,
// and either its re-marked health ratio has fallen below the configured
// threshold or it is past its due date plus grace period.
func (e *Engine) Eligibility(loanID uint64) (eligible bool, reason string, err error) {
	l, gerr := e.loans.Get(loanID)
	if gerr != nil {
		return false, "", gerr
	}
	if l.Status != domain.LoanActive {
		return false, "loan is not active", nil
	}

	_, _, totalOwed, aerr := e.loans.AccruedDebt(loanID)
	if aerr != nil {
		return false, "", aerr
	}
	if valueBTC, ok := e.currentCollateralValueBTC(l); ok && e.threshold > 0 {
		if healthRatioBps(valueBTC, totalOwed) < e.threshold {
			return true, ReasonUndercollateralized, nil
		}
	}
	if e.loans.IsOverdue(l) {
		return true, ReasonOverdueExpired, nil
	}
	return false, "loan is neither undercollateralized nor past its grace period", nil
}

// Trigger executes the full liquidation sequence for an eligible loan:
//  1. re-check eligibility
//  2. mark the loan Defaulted
//  3. seize the collateral NFT
//  4. compute the recovery value (conservative valuation at seizure time)
//     and the unrecovered shortfall
//  5. mark the loan Liquidated
//  6. debit the pool's borrowed total by the recovered principal, charge
//     the shortfall to cumulative losses, and persist the LiquidationRecord
//
// Steps 2-6 either all succeed or the engine logs a Critical audit entry
// and returns the first error without silently leaving the loan in a
// partially-liquidated state. Callers that see an error here MUST retry
// Trigger for the same loanID rather than treat it as terminal.
func (e *Engine) Trigger(caller domain.Principal, loanID uint64) (*domain.LiquidationRecord, error) {
	eligible, reason, err := e.Eligibility(loanID)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, apierr.New(apierr.KindNotEligible, "loan %d is not eligible for liquidation: %s", loanID, reason)
	}

	l, err := e.loans.Get(loanID)
	if err != nil {
		return nil, err
	}
	_, _, remainingDebt, err := e.loans.AccruedDebt(loanID)
	if err != nil {
		return nil, err
	}
	recoveryValue, _ := e.currentCollateralValueBTC(l)

	// Eligibility already established this loan may be defaulted, whether
	// the reason was overdue expiry or a broken health ratio; go straight to
	// Defaulted rather than through MarkDefaulted, which only ever accepts
	// the overdue-only case and would reject ReasonUndercollateralized here.
	if l.Status == domain.LoanActive {
		l.Status = domain.LoanDefaulted
		if err := e.loans.Persist(l); err != nil {
			e.logFailure(caller, loanID, "mark_defaulted", err)
			return nil, err
		}
	}
	if err := e.collateral.Seize(l.NFTID); err != nil {
		e.logFailure(caller, loanID, "seize_collateral", err)
		return nil, err
	}
	liquidated, err := e.loans.MarkLiquidated(loanID)
	if err != nil {
		e.logFailure(caller, loanID, "mark_liquidated", err)
		return nil, err
	}

	recoveredPrincipal := liquidated.OutstandingPrincipal()
	if recoveryValue < recoveredPrincipal {
		recoveredPrincipal = recoveryValue
	}
	var shortfall uint64
	if remainingDebt > recoveryValue {
		shortfall = remainingDebt - recoveryValue
	}
	if err := e.pool.RecordLiquidation(recoveredPrincipal, shortfall); err != nil {
		e.logFailure(caller, loanID, "record_loss", err)
		return nil, err
	}

	rec := &domain.LiquidationRecord{
		LoanID:             loanID,
		TokenID:            liquidated.NFTID,
		Borrower:           liquidated.Borrower,
		Caller:             caller,
		Reason:             reason,
		RemainingDebt:      remainingDebt,
		RecoveryValueBTC:   recoveryValue,
		RecoveredPrincipal: recoveredPrincipal,
		Shortfall:          shortfall,
		Timestamp:          e.now(),
	}
	if err := e.writeRecord(rec); err != nil {
		e.logFailure(caller, loanID, "write_record", err)
		return nil, err
	}

	if e.audit != nil {
		_, _ = e.audit.Log(audit.Entry{
			Caller:   caller,
			Category: "liquidation",
			Action:   "trigger",
			Level:    domain.AuditInfo,
			Success:  true,
			After:    domain.EntitySnapshot{Kind: "liquidation_record", ID: rec.ID},
		})
	}
	return rec, nil
}

func (e *Engine) logFailure(caller domain.Principal, loanID uint64, step string, err error) {
	if e.audit == nil {
		return
	}
	_, _ = e.audit.Log(audit.Entry{
		Caller:   caller,
		Category: "liquidation",
		Action:   "trigger:" + step,
		Level:    domain.AuditCritical,
		Success:  false,
		Error:    err.Error(),
		After:    domain.EntitySnapshot{Kind: "loan", ID: loanID},
	})
}

// BulkResult is the per-loan outcome of a Bulk pass: one loan's
// liquidation failing must not block the rest.
type BulkResult struct {
	LoanID uint64
	Record *domain.LiquidationRecord
	Err    error
}

// Bulk runs Trigger across every loanID in ids, collecting per-loan results
// rather than stopping at the first failure.
func (e *Engine) Bulk(caller domain.Principal, ids []uint64) []BulkResult {
	results := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		rec, err := e.Trigger(caller, id)
		results = append(results, BulkResult{LoanID: id, Record: rec, Err: err})
	}
	return results
}

// AdminResolution is the out-of-band emergency action an Admin may invoke on
// a loan outside the automated eligibility path, e.g. a borrower in
// genuine distress whose collateral the protocol chooses to release rather
// than seize. releaseNFT must be explicitly set by the caller; there is no
// default, since silently picking one would surprise an operator.
func (e *Engine) AdminResolution(caller domain.Principal, loanID uint64, releaseNFT bool, reason string) (*domain.Loan, error) {
	l, err := e.loans.Get(loanID)
	if err != nil {
		return nil, err
	}
	if l.Status.Terminal() {
		return nil, apierr.New(apierr.KindWrongState, "loan %d is already terminal (%s)", loanID, l.Status)
	}

	// An admin may resolve a distressed loan before it is overdue, so the
	// Active->Defaulted step here is purely an in-memory bookkeeping hop:
	// the final Persist below writes whichever terminal status this
	// resolution lands on, not MarkDefaulted's overdue-only transition.
	if l.Status == domain.LoanActive {
		l.Status = domain.LoanDefaulted
	}
	if l.Status == domain.LoanApproved {
		// Funds were reserved at Approve but never disbursed: return them to
		// the pool rather than leaving them stranded in the reservation.
		if err := e.pool.ReleaseReservation(loanID); err != nil {
			e.logFailure(caller, loanID, "admin_release_reservation", err)
			return nil, err
		}
	}

	var resultLoan *domain.Loan
	if releaseNFT {
		if err := e.collateral.Unlock(l.NFTID); err != nil {
			e.logFailure(caller, loanID, "admin_release_nft", err)
			return nil, err
		}
		l.Status = domain.LoanCancelled
		l.CancelReason = "admin_resolution: " + reason
		resultLoan = l
	} else {
		if err := e.collateral.Seize(l.NFTID); err != nil {
			e.logFailure(caller, loanID, "admin_seize_nft", err)
			return nil, err
		}
		l.Status = domain.LoanLiquidated
		resultLoan = l
	}
	if err := e.loans.Persist(resultLoan); err != nil {
		e.logFailure(caller, loanID, "admin_persist_loan", err)
		return nil, err
	}

	rec := &domain.LiquidationRecord{
		LoanID:    loanID,
		TokenID:   resultLoan.NFTID,
		Borrower:  resultLoan.Borrower,
		Caller:    caller,
		Reason:    ReasonAdminResolution + ": " + reason,
		Timestamp: e.now(),
	}
	if err := e.writeRecord(rec); err != nil {
		e.logFailure(caller, loanID, "write_record", err)
		return nil, err
	}

	if e.audit != nil {
		_, _ = e.audit.Log(audit.Entry{
			Caller:   caller,
			Category: "liquidation",
			Action:   "admin_resolution",
			Level:    domain.AuditCritical,
			Success:  true,
			After:    domain.EntitySnapshot{Kind: "liquidation_record", ID: rec.ID, JSON: reason},
		})
	}
	return resultLoan, nil
}
