// Package ledger abstracts the external wrapped-BTC ledger: an
// ICRC-1-shaped transfer/balance interface this system calls into but does
// not implement. Account addressing follows the ICRC-1 principal+subaccount
// pair rather than a raw address string, so multiple sub-positions can
// share one owning principal.
package ledger

import (
	"context"
	"fmt"
)

// Account is an ICRC-1 account: an owner principal plus an optional
// subaccount.
type Account struct {
	Owner      string
	Subaccount []byte
}

// Valid reports whether a is a structurally valid account: a non-empty
// owner, and a subaccount that is either absent or exactly 32 bytes
// (the ICRC-1 subaccount size).
func (a Account) Valid() bool {
	if a.Owner == "" {
		return false
	}
	return a.Subaccount == nil || len(a.Subaccount) == 32
}

// TransferErrorKind enumerates the ICRC-1 transfer error taxonomy this
// system surfaces as apierr.KindLedgerTransferFailed with the kind
// preserved in the message.
type TransferErrorKind string

const (
	TransferBadFee                 TransferErrorKind = "bad_fee"
	TransferInsufficientFunds      TransferErrorKind = "insufficient_funds"
	TransferTooOld                 TransferErrorKind = "too_old"
	TransferCreatedInFuture        TransferErrorKind = "created_in_future"
	TransferTemporarilyUnavailable TransferErrorKind = "temporarily_unavailable"
	TransferDuplicate              TransferErrorKind = "duplicate"
	TransferGenericError           TransferErrorKind = "generic_error"
)

// TransferError is the ICRC-1 shaped transfer failure.
type TransferError struct {
	Kind        TransferErrorKind
	DuplicateOf uint64
	GenericCode int64
	Message     string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("ledger transfer failed: %s: %s", e.Kind, e.Message)
}

// TransferArgs mirrors the ICRC-1 transfer argument record.
type TransferArgs struct {
	From          Account
	To            Account
	Amount        uint64
	Fee           uint64
	Memo          []byte
	CreatedAtTime uint64 // nanoseconds since epoch; 0 = let the ledger assign
}

// Ledger is the external wrapped-BTC ledger client this system calls into.
// Implementations talk to the real ledger canister/service; Stub below is a
// deterministic in-memory implementation for tests and local development.
type Ledger interface {
	Transfer(ctx context.Context, args TransferArgs) (blockIndex uint64, err error)
	BalanceOf(ctx context.Context, account Account) (uint64, error)
}

// Stub is an in-memory Ledger suitable for tests and local development. It
// is not a mock of a specific external API response shape; it implements
// the same semantics (balance debits/credits, monotonic block indices,
// duplicate detection) a real ICRC-1 ledger guarantees.
type Stub struct {
	balances map[string]uint64
	nextBlk  uint64
	seen     map[string]uint64 // memo -> block index, for duplicate detection
}

// NewStub constructs a Stub with the given initial balances keyed by
// account owner (default subaccount).
func NewStub(initial map[string]uint64) *Stub {
	balances := make(map[string]uint64, len(initial))
	for owner, v := range initial {
		balances[acctKey(Account{Owner: owner})] = v
	}
	return &Stub{balances: balances, nextBlk: 1, seen: make(map[string]uint64)}
}

func acctKey(a Account) string {
	return a.Owner + "/" + string(a.Subaccount)
}

// Transfer implements Ledger.
func (s *Stub) Transfer(_ context.Context, args TransferArgs) (uint64, error) {
	if !args.From.Valid() || !args.To.Valid() {
		return 0, &TransferError{Kind: TransferGenericError, Message: "invalid account shape"}
	}
	if len(args.Memo) > 0 {
		memoKey := string(args.Memo)
		if blk, dup := s.seen[memoKey]; dup {
			return 0, &TransferError{Kind: TransferDuplicate, DuplicateOf: blk, Message: "duplicate transfer memo"}
		}
	}
	fromKey := acctKey(args.From)
	if s.balances[fromKey] < args.Amount+args.Fee {
		return 0, &TransferError{Kind: TransferInsufficientFunds, Message: "insufficient balance"}
	}
	s.balances[fromKey] -= args.Amount + args.Fee
	s.balances[acctKey(args.To)] += args.Amount
	blk := s.nextBlk
	s.nextBlk++
	if len(args.Memo) > 0 {
		s.seen[string(args.Memo)] = blk
	}
	return blk, nil
}

// BalanceOf implements Ledger.
func (s *Stub) BalanceOf(_ context.Context, account Account) (uint64, error) {
	return s.balances[acctKey(account)], nil
}
