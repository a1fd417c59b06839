package store_test

import (
	"testing"

	"agrilend/internal/store"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string
	Value uint64
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	in := sample{Name: "wheat", Value: 42}
	require.NoError(t, s.Put(store.RegionNFT, "k1", &in))

	var out sample
	found, err := s.Get(store.RegionNFT, "k1", &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, in, out)
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	var out sample
	found, err := s.Get(store.RegionNFT, "missing", &out)
	require.NoError(t, err)
	require.False(t, found)
}

func TestNextIDMonotonicAndPersistedWithEntity(t *testing.T) {
	s := openTestStore(t)
	tx, err := s.Begin()
	require.NoError(t, err)
	id1, err := tx.NextID("nft")
	require.NoError(t, err)
	require.NoError(t, tx.Put(store.RegionNFT, "a", &sample{Name: "a"}))
	require.NoError(t, tx.Commit())

	tx2, err := s.Begin()
	require.NoError(t, err)
	id2, err := tx2.NextID("nft")
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())

	require.Equal(t, uint64(1), id1)
	require.Equal(t, uint64(2), id2)
}

func TestRolledBackTxDoesNotConsumeID(t *testing.T) {
	s := openTestStore(t)
	tx, err := s.Begin()
	require.NoError(t, err)
	id1, err := tx.NextID("loan")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	tx2, err := s.Begin()
	require.NoError(t, err)
	id2, err := tx2.NextID("loan")
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())

	require.Equal(t, id1, id2, "a rolled-back transaction's id allocation must not be visible to the next allocator")
}

func TestAppendAndIterateListPreservesOrder(t *testing.T) {
	s := openTestStore(t)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, s.Append(store.RegionAudit, "entries", i))
	}
	var got []uint64
	err := s.IterateList(store.RegionAudit, "entries", func(raw []byte) error {
		var v uint64
		if err := decodeTest(raw, &v); err != nil {
			return err
		}
		got = append(got, v)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, got)
}

func TestTruncateListHeadDropsOldest(t *testing.T) {
	s := openTestStore(t)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Append(store.RegionAudit, "entries", i))
	}
	require.NoError(t, s.TruncateListHead(store.RegionAudit, "entries", 3))
	n, err := s.ListLen(store.RegionAudit, "entries")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var got []uint64
	err = s.IterateList(store.RegionAudit, "entries", func(raw []byte) error {
		var v uint64
		if err := decodeTest(raw, &v); err != nil {
			return err
		}
		got = append(got, v)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{4, 5}, got)
}
