// Package apierr defines the stable error taxonomy every mutating operation
// in the lending engine surfaces to its caller. Errors are typed sum
// values: Kind is a stable enumerant safe to switch on, Message is
// human-readable and may vary.
package apierr

import "fmt"

// Kind enumerates the error taxonomy callers can safely switch on.
type Kind string

const (
	// Validation
	KindValidation      Kind = "validation"
	KindInvalidMetadata Kind = "invalid_metadata"
	KindInvalidAmount   Kind = "invalid_amount"
	KindBelowMinimum    Kind = "below_minimum"

	// Authorization
	KindUnauthorized Kind = "unauthorized"
	KindRateLimited  Kind = "rate_limited"

	// State conflict
	KindAlreadyLocked   Kind = "already_locked"
	KindNotLocked       Kind = "not_locked"
	KindWrongState      Kind = "wrong_state"
	KindDuplicateBlock  Kind = "duplicate_block_index"
	KindSystemPaused    Kind = "system_paused"
	KindMaintenanceMode Kind = "maintenance_mode"

	// Resource
	KindInsufficientLiquidity   Kind = "insufficient_liquidity"
	KindEmergencyReserveBreach  Kind = "emergency_reserve_breach"
	KindInsufficientBalance     Kind = "insufficient_balance"
	KindOraclePriceUnavailable  Kind = "oracle_price_unavailable"
	KindQuotaExceeded           Kind = "quota_exceeded"

	// External
	KindLedgerTransferFailed Kind = "ledger_transfer_failed"
	KindLedgerUnavailable    Kind = "ledger_temporarily_unavailable"
	KindOracleFetchFailed    Kind = "oracle_fetch_failed"
	KindInvalidResponse      Kind = "invalid_response"

	// Resource lookup
	KindNotFound Kind = "not_found"

	// Liquidation
	KindNotEligible Kind = "not_eligible"

	// Invariant: fatal, never expected to surface in a healthy system.
	KindInvariantViolation Kind = "invariant_violation"

	KindInternal Kind = "internal"
)

// Error is the sum-typed error every mutating operation returns.
type Error struct {
	Kind    Kind
	Message string
	Field   string // populated for KindInvalidMetadata
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// InvalidMetadata constructs a KindInvalidMetadata error naming the
// offending field.
func InvalidMetadata(field, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidMetadata, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Is allows errors.Is(err, apierr.New(Kind...)) style comparisons by kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind from err, returning KindInternal for any error
// that did not originate from this package.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindInternal
}
