package audit_test

import (
	"testing"
	"time"

	"agrilend/internal/audit"
	"agrilend/internal/domain"
	"agrilend/internal/store"

	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, maxSize int) *audit.Logger {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	l := audit.New(s, maxSize, nil)
	clock := time.Unix(1_700_000_000, 0)
	l.SetClock(func() time.Time { return clock })
	return l
}

func TestLogAssignsStrictlyIncreasingIDs(t *testing.T) {
	l := newTestLogger(t, 100)
	var last uint64
	for i := 0; i < 5; i++ {
		id, err := l.Log(audit.Entry{Caller: "admin1", Category: "loan", Action: "approve_loan", Level: domain.AuditInfo, Success: true})
		require.NoError(t, err)
		require.Greater(t, id, last)
		last = id
	}
}

func TestLogFillsCorrelationIDWhenEmpty(t *testing.T) {
	l := newTestLogger(t, 100)
	_, err := l.Log(audit.Entry{Caller: "admin1", Category: "pool", Action: "deposit", Level: domain.AuditInfo, Success: true})
	require.NoError(t, err)

	entries, err := l.Query(audit.Filter{Category: "pool"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotEmpty(t, entries[0].CorrelationID)
}

func TestQueryFiltersByCategoryLevelAndCaller(t *testing.T) {
	l := newTestLogger(t, 100)
	_, err := l.Log(audit.Entry{Caller: "alice", Category: "pool", Action: "deposit_liquidity", Level: domain.AuditInfo, Success: true})
	require.NoError(t, err)
	_, err = l.Log(audit.Entry{Caller: "bob", Category: "loan", Action: "apply_loan", Level: domain.AuditInfo, Success: true})
	require.NoError(t, err)
	_, err = l.Log(audit.Entry{Caller: "system", Category: "liquidation", Action: "trigger", Level: domain.AuditCritical, Success: false, Error: "seize failed"})
	require.NoError(t, err)

	byCategory, err := l.Query(audit.Filter{Category: "loan"})
	require.NoError(t, err)
	require.Len(t, byCategory, 1)
	require.Equal(t, "apply_loan", byCategory[0].Action)

	byLevel, err := l.Query(audit.Filter{Level: domain.AuditCritical})
	require.NoError(t, err)
	require.Len(t, byLevel, 1)
	require.False(t, byLevel[0].Success)

	byCaller, err := l.Query(audit.Filter{Caller: "alice"})
	require.NoError(t, err)
	require.Len(t, byCaller, 1)
}

func TestQueryFiltersByActionPrefixAndSuccess(t *testing.T) {
	l := newTestLogger(t, 100)
	_, err := l.Log(audit.Entry{Caller: "x", Category: "liquidation", Action: "trigger:seize_collateral", Level: domain.AuditCritical, Success: false})
	require.NoError(t, err)
	_, err = l.Log(audit.Entry{Caller: "x", Category: "liquidation", Action: "trigger", Level: domain.AuditInfo, Success: true})
	require.NoError(t, err)

	byPrefix, err := l.Query(audit.Filter{ActionPrefix: "trigger:"})
	require.NoError(t, err)
	require.Len(t, byPrefix, 1)

	failed := false
	byFailure, err := l.Query(audit.Filter{SuccessFilter: &failed})
	require.NoError(t, err)
	require.Len(t, byFailure, 1)
	require.Equal(t, "trigger:seize_collateral", byFailure[0].Action)
}

func TestQueryFiltersByEntity(t *testing.T) {
	l := newTestLogger(t, 100)
	_, err := l.Log(audit.Entry{Caller: "x", Category: "loan", Action: "approve_loan", Level: domain.AuditInfo, Success: true,
		After: domain.EntitySnapshot{Kind: "loan", ID: 7}})
	require.NoError(t, err)
	_, err = l.Log(audit.Entry{Caller: "x", Category: "loan", Action: "approve_loan", Level: domain.AuditInfo, Success: true,
		After: domain.EntitySnapshot{Kind: "loan", ID: 8}})
	require.NoError(t, err)

	entries, err := l.Query(audit.Filter{EntityKind: "loan", EntityID: 7, HasEntityID: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(7), entries[0].After.ID)
}

func TestQueryNewestFirstWithLimitOffset(t *testing.T) {
	l := newTestLogger(t, 100)
	for i := 0; i < 5; i++ {
		_, err := l.Log(audit.Entry{Caller: "x", Category: "pool", Action: "deposit_liquidity", Level: domain.AuditInfo, Success: true})
		require.NoError(t, err)
	}
	page, err := l.Query(audit.Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, uint64(4), page[0].ID)
	require.Equal(t, uint64(3), page[1].ID)
}

func TestFIFOCapRetainsNewestEntries(t *testing.T) {
	l := newTestLogger(t, 3)
	for i := 0; i < 6; i++ {
		_, err := l.Log(audit.Entry{Caller: "x", Category: "pool", Action: "deposit_liquidity", Level: domain.AuditInfo, Success: true})
		require.NoError(t, err)
	}
	entries, err := l.Query(audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, uint64(6), entries[0].ID, "the newest entry survives truncation")
	require.Equal(t, uint64(4), entries[2].ID, "the oldest surviving entry is id 4")
}
