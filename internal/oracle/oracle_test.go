package oracle_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"agrilend/internal/apierr"
	"agrilend/internal/oracle"
	"agrilend/internal/store"

	"github.com/stretchr/testify/require"
)

// fakeDoer replays a canned response body and counts requests.
type fakeDoer struct {
	body   string
	status int
	err    error
	calls  int
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header: http.Header{
			"Date":         []string{"Mon, 01 Jan 2024 00:00:00 GMT"},
			"X-Request-Id": []string{"abc-123"},
			"Content-Type": []string{"application/json"},
		},
		Body: io.NopCloser(bytes.NewReader([]byte(f.body))),
	}, nil
}

func TestFetchParsesAndCachesPrice(t *testing.T) {
	doer := &fakeDoer{body: `{"price_per_unit": 15000, "currency": "IDR", "source": "test-feed"}`}
	o := oracle.New(doer, "https://prices.example/v1", 24*time.Hour)

	price, err := o.Fetch(context.Background(), "rice")
	require.NoError(t, err)
	require.Equal(t, uint64(15_000), price.PricePerUnit)
	require.Equal(t, "IDR", price.Currency)
	require.Equal(t, 1, doer.calls)

	cached, err := o.GetCached("rice")
	require.NoError(t, err)
	require.Equal(t, price.PricePerUnit, cached.PricePerUnit)
}

func TestFetchRateLimitedPerCommodity(t *testing.T) {
	doer := &fakeDoer{body: `{"price_per_unit": 15000, "currency": "IDR"}`}
	o := oracle.New(doer, "https://prices.example/v1", 24*time.Hour)

	_, err := o.Fetch(context.Background(), "rice")
	require.NoError(t, err)

	_, err = o.Fetch(context.Background(), "rice")
	require.Equal(t, apierr.KindRateLimited, apierr.KindOf(err))
	require.Equal(t, 1, doer.calls, "rate-limited fetch must not reach the upstream")

	// a different commodity has its own limiter
	_, err = o.Fetch(context.Background(), "coffee")
	require.NoError(t, err)
}

func TestFetchRejectsWrongCurrency(t *testing.T) {
	doer := &fakeDoer{body: `{"price_per_unit": 15000, "currency": "USD"}`}
	o := oracle.New(doer, "https://prices.example/v1", 24*time.Hour)

	_, err := o.Fetch(context.Background(), "rice")
	require.Equal(t, apierr.KindInvalidResponse, apierr.KindOf(err))
}

func TestFetchRejectsNonPositivePrice(t *testing.T) {
	doer := &fakeDoer{body: `{"price_per_unit": 0, "currency": "IDR"}`}
	o := oracle.New(doer, "https://prices.example/v1", 24*time.Hour)

	_, err := o.Fetch(context.Background(), "rice")
	require.Equal(t, apierr.KindInvalidResponse, apierr.KindOf(err))
}

func TestFetchSurfacesUpstreamFailure(t *testing.T) {
	doer := &fakeDoer{status: http.StatusBadGateway, body: "upstream down"}
	o := oracle.New(doer, "https://prices.example/v1", 24*time.Hour)

	_, err := o.Fetch(context.Background(), "rice")
	require.Equal(t, apierr.KindOracleFetchFailed, apierr.KindOf(err))
}

func TestGetCachedFailsOnceStale(t *testing.T) {
	doer := &fakeDoer{body: `{"price_per_unit": 15000, "currency": "IDR"}`}
	o := oracle.New(doer, "https://prices.example/v1", 24*time.Hour)

	clock := time.Unix(1_700_000_000, 0)
	o.SetClock(func() time.Time { return clock })

	_, err := o.Fetch(context.Background(), "rice")
	require.NoError(t, err)

	clock = clock.Add(23 * time.Hour)
	_, err = o.GetCached("rice")
	require.NoError(t, err)

	stale, err := o.IsPriceStale("rice")
	require.NoError(t, err)
	require.False(t, stale)

	clock = clock.Add(2 * time.Hour) // 25h after the fetch
	_, err = o.GetCached("rice")
	require.Equal(t, apierr.KindOraclePriceUnavailable, apierr.KindOf(err))

	stale, err = o.IsPriceStale("rice")
	require.NoError(t, err)
	require.True(t, stale)
}

func TestGetCachedFailsWhenNeverFetched(t *testing.T) {
	o := oracle.New(&fakeDoer{}, "https://prices.example/v1", 24*time.Hour)
	_, err := o.GetCached("rice")
	require.Equal(t, apierr.KindOraclePriceUnavailable, apierr.KindOf(err))
}

func TestAdminOverrideBypassesStaleness(t *testing.T) {
	o := oracle.New(&fakeDoer{}, "https://prices.example/v1", 24*time.Hour)

	clock := time.Unix(1_700_000_000, 0)
	o.SetClock(func() time.Time { return clock })

	price := o.AdminOverride("rice", 12_500, "upstream outage")
	require.Equal(t, uint64(12_500), price.PricePerUnit)
	require.Contains(t, price.Source, "admin_override")

	clock = clock.Add(48 * time.Hour)
	cached, err := o.GetCached("rice")
	require.NoError(t, err)
	require.Equal(t, uint64(12_500), cached.PricePerUnit)
}

func TestAttachStoreReloadsPersistedPrices(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	doer := &fakeDoer{body: `{"price_per_unit": 15000, "currency": "IDR"}`}
	o := oracle.New(doer, "https://prices.example/v1", 24*time.Hour)
	require.NoError(t, o.AttachStore(s))
	_, err = o.Fetch(context.Background(), "rice")
	require.NoError(t, err)
	o.AdminOverride("coffee", 80_000, "seed")

	// a fresh oracle over the same store starts with the prior cache
	restarted := oracle.New(doer, "https://prices.example/v1", 24*time.Hour)
	require.NoError(t, restarted.AttachStore(s))

	price, err := restarted.GetCached("rice")
	require.NoError(t, err)
	require.Equal(t, uint64(15_000), price.PricePerUnit)

	override, err := restarted.GetCached("coffee")
	require.NoError(t, err)
	require.Equal(t, uint64(80_000), override.PricePerUnit)
	require.Contains(t, override.Source, "admin_override")
}

func TestHeartbeatRefreshesOnlyStaleCommodities(t *testing.T) {
	doer := &fakeDoer{body: `{"price_per_unit": 16000, "currency": "IDR"}`}
	o := oracle.New(doer, "https://prices.example/v1", 24*time.Hour)

	clock := time.Unix(1_700_000_000, 0)
	o.SetClock(func() time.Time { return clock })

	o.AdminOverride("rice", 15_000, "seed")
	clock = clock.Add(25 * time.Hour)
	o.AdminOverride("coffee", 80_000, "seed") // fresh, must be skipped

	o.Heartbeat(context.Background(), nil)
	require.Equal(t, 1, doer.calls, "only the stale commodity is refetched")

	cached, err := o.GetCached("rice")
	require.NoError(t, err)
	require.Equal(t, uint64(16_000), cached.PricePerUnit)
}
