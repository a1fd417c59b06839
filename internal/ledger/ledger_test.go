package ledger_test

import (
	"context"
	"testing"

	"agrilend/internal/ledger"

	"github.com/stretchr/testify/require"
)

func TestStubTransferMovesBalanceAndAdvancesBlockIndex(t *testing.T) {
	stub := ledger.NewStub(map[string]uint64{"pool": 1_000_000})
	ctx := context.Background()

	blk1, err := stub.Transfer(ctx, ledger.TransferArgs{
		From: ledger.Account{Owner: "pool"}, To: ledger.Account{Owner: "farmer1"}, Amount: 400_000,
	})
	require.NoError(t, err)
	blk2, err := stub.Transfer(ctx, ledger.TransferArgs{
		From: ledger.Account{Owner: "pool"}, To: ledger.Account{Owner: "farmer1"}, Amount: 100_000,
	})
	require.NoError(t, err)
	require.Greater(t, blk2, blk1)

	poolBal, err := stub.BalanceOf(ctx, ledger.Account{Owner: "pool"})
	require.NoError(t, err)
	require.Equal(t, uint64(500_000), poolBal)

	farmerBal, err := stub.BalanceOf(ctx, ledger.Account{Owner: "farmer1"})
	require.NoError(t, err)
	require.Equal(t, uint64(500_000), farmerBal)
}

func TestStubTransferRejectsInsufficientFunds(t *testing.T) {
	stub := ledger.NewStub(map[string]uint64{"pool": 100})
	_, err := stub.Transfer(context.Background(), ledger.TransferArgs{
		From: ledger.Account{Owner: "pool"}, To: ledger.Account{Owner: "x"}, Amount: 200,
	})
	var terr *ledger.TransferError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, ledger.TransferInsufficientFunds, terr.Kind)
}

func TestStubTransferDetectsDuplicateMemo(t *testing.T) {
	stub := ledger.NewStub(map[string]uint64{"pool": 1_000_000})
	args := ledger.TransferArgs{
		From: ledger.Account{Owner: "pool"}, To: ledger.Account{Owner: "x"}, Amount: 100, Memo: []byte("loan-7"),
	}
	blk, err := stub.Transfer(context.Background(), args)
	require.NoError(t, err)

	_, err = stub.Transfer(context.Background(), args)
	var terr *ledger.TransferError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, ledger.TransferDuplicate, terr.Kind)
	require.Equal(t, blk, terr.DuplicateOf)
}

func TestStubTransferValidatesAccountShape(t *testing.T) {
	stub := ledger.NewStub(nil)
	_, err := stub.Transfer(context.Background(), ledger.TransferArgs{
		To: ledger.Account{Owner: "x"}, Amount: 1,
	})
	require.Error(t, err, "an empty From owner is structurally invalid")

	require.False(t, ledger.Account{Owner: "x", Subaccount: []byte{1, 2, 3}}.Valid())
	require.True(t, ledger.Account{Owner: "x", Subaccount: make([]byte, 32)}.Valid())
}
