// Package oracle implements the commodity price oracle: rate-limited
// fetch, deterministic response transform, caching with staleness, and an
// admin override path.
//
// This is deliberately a single-source fetch/cache design, not a
// priority-ordered, multi-source aggregator: one upstream API per
// commodity, a mutex-guarded cache with a freshness cutoff, and an admin
// escape hatch for when the upstream is unavailable.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"agrilend/internal/apierr"
	"agrilend/internal/domain"
	"agrilend/internal/store"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// HTTPDoer abstracts the HTTP client so tests can substitute a fake
// transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Oracle is the commodity price Oracle component.
type Oracle struct {
	mu        sync.Mutex
	client    HTTPDoer
	baseURL   string
	now       func() time.Time
	maxAge    time.Duration
	store     *store.Store
	limiters  map[string]*rate.Limiter
	cache     map[string]domain.CommodityPrice
	overrides map[string]bool // commodities with an active admin override
}

// storedPrice is the durable form of a cache entry: the reading plus
// whether it was an admin override (overrides never expire by staleness).
type storedPrice struct {
	Price    domain.CommodityPrice
	Override bool
}

// New constructs an Oracle. baseURL is the commodity price API root, e.g.
// "https://api.example-commodity.com/v1/prices"; maxAge is the staleness
// cutoff applied to cached reads.
func New(client HTTPDoer, baseURL string, maxAge time.Duration) *Oracle {
	return &Oracle{
		client:    client,
		baseURL:   baseURL,
		now:       time.Now,
		maxAge:    maxAge,
		limiters:  make(map[string]*rate.Limiter),
		cache:     make(map[string]domain.CommodityPrice),
		overrides: make(map[string]bool),
	}
}

// SetClock overrides the time source, for deterministic tests.
func (o *Oracle) SetClock(now func() time.Time) { o.now = now }

// AttachStore gives the oracle a durable cache region so prices survive a
// restart. Previously persisted readings are loaded into the cache
// immediately; staleness still applies to them on read.
func (o *Oracle) AttachStore(s *store.Store) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.store = s
	return s.Iterate(store.RegionOracle, func(key string, raw []byte) error {
		var sp storedPrice
		if err := rlp.DecodeBytes(raw, &sp); err != nil {
			return err
		}
		o.cache[sp.Price.Commodity] = sp.Price
		o.overrides[sp.Price.Commodity] = sp.Override
		return nil
	})
}

// persistLocked writes the current cache entry for commodity through to the
// durable region. Best-effort: the in-memory cache is authoritative for the
// running process, so a failed persist only costs warm-start freshness.
func (o *Oracle) persistLocked(commodity string) {
	if o.store == nil {
		return
	}
	_ = o.store.Put(store.RegionOracle, commodity, &storedPrice{
		Price:    o.cache[commodity],
		Override: o.overrides[commodity],
	})
}

func (o *Oracle) limiterFor(commodity string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[commodity]
	if !ok {
		// one fetch per 60s per commodity
		l = rate.NewLimiter(rate.Every(60*time.Second), 1)
		o.limiters[commodity] = l
	}
	return l
}

// transformHeaders strips the non-deterministic response headers
// (date/x-request-id/server) before anything derived from the response
// feeds into cached state.
func transformHeaders(h http.Header) http.Header {
	out := h.Clone()
	out.Del("Date")
	out.Del("X-Request-Id")
	out.Del("Server")
	return out
}

type commodityPriceResponse struct {
	PricePerUnit float64 `json:"price_per_unit"`
	Currency     string  `json:"currency"`
	Source       string  `json:"source"`
	Confidence   float64 `json:"confidence"`
}

// Fetch retrieves a fresh price for commodity from the upstream API,
// enforcing the per-commodity rate limit, applying the deterministic
// transform, validating the response, and updating the cache.
func (o *Oracle) Fetch(ctx context.Context, commodity string) (domain.CommodityPrice, error) {
	if !o.limiterFor(commodity).Allow() {
		return domain.CommodityPrice{}, apierr.New(apierr.KindRateLimited, "commodity %s fetched too recently, wait before retrying", commodity)
	}

	url := fmt.Sprintf("%s/%s", o.baseURL, commodity)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.CommodityPrice{}, apierr.New(apierr.KindOracleFetchFailed, "building request: %v", err)
	}
	req.Header.Set("User-Agent", "Agrilend/1.0")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())

	resp, err := o.client.Do(req)
	if err != nil {
		return domain.CommodityPrice{}, apierr.New(apierr.KindOracleFetchFailed, "request failed: %v", err)
	}
	defer resp.Body.Close()
	resp.Header = transformHeaders(resp.Header)
	if resp.StatusCode != http.StatusOK {
		return domain.CommodityPrice{}, apierr.New(apierr.KindOracleFetchFailed, "unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.CommodityPrice{}, apierr.New(apierr.KindOracleFetchFailed, "reading response: %v", err)
	}
	var parsed commodityPriceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.CommodityPrice{}, apierr.New(apierr.KindInvalidResponse, "decoding response: %v", err)
	}
	if parsed.PricePerUnit <= 0 {
		return domain.CommodityPrice{}, apierr.New(apierr.KindInvalidResponse, "price_per_unit must be positive")
	}
	if parsed.Currency != "IDR" {
		return domain.CommodityPrice{}, apierr.New(apierr.KindInvalidResponse, "expected currency IDR, got %s", parsed.Currency)
	}

	now := o.now()
	price := domain.CommodityPrice{
		Commodity:    commodity,
		PricePerUnit: uint64(parsed.PricePerUnit),
		Currency:     parsed.Currency,
		Timestamp:    uint64(now.Unix()),
		Confidence:   uint64(parsed.Confidence),
		Source:       parsed.Source,
		LastFetchAt:  uint64(now.Unix()),
	}

	o.mu.Lock()
	o.cache[commodity] = price
	o.overrides[commodity] = false
	o.persistLocked(commodity)
	o.mu.Unlock()
	return price, nil
}

// GetCached returns the last cached price for commodity, failing if none is
// cached or if it has exceeded maxAge without an active admin override.
func (o *Oracle) GetCached(commodity string) (domain.CommodityPrice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	price, ok := o.cache[commodity]
	if !ok {
		return domain.CommodityPrice{}, apierr.New(apierr.KindOraclePriceUnavailable, "no cached price for %s", commodity)
	}
	if o.overrides[commodity] {
		return price, nil
	}
	if o.isStaleLocked(price) {
		return domain.CommodityPrice{}, apierr.New(apierr.KindOraclePriceUnavailable, "cached price for %s is stale", commodity)
	}
	return price, nil
}

// IsPriceStale reports whether commodity's cached price has exceeded maxAge,
// ignoring any active override. It reports the raw staleness fact
// regardless of override state.
func (o *Oracle) IsPriceStale(commodity string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	price, ok := o.cache[commodity]
	if !ok {
		return true, apierr.New(apierr.KindOraclePriceUnavailable, "no cached price for %s", commodity)
	}
	return o.isStaleLocked(price), nil
}

func (o *Oracle) isStaleLocked(price domain.CommodityPrice) bool {
	age := o.now().Sub(time.Unix(int64(price.Timestamp), 0))
	return age > o.maxAge
}

// AdminOverride lets an Admin set a price directly, bypassing the upstream
// fetch and staleness check, auditable via the caller-supplied reason.
func (o *Oracle) AdminOverride(commodity string, pricePerUnit uint64, reason string) domain.CommodityPrice {
	now := o.now()
	price := domain.CommodityPrice{
		Commodity:    commodity,
		PricePerUnit: pricePerUnit,
		Currency:     "IDR",
		Timestamp:    uint64(now.Unix()),
		Source:       "admin_override:" + reason,
		LastFetchAt:  uint64(now.Unix()),
	}
	o.mu.Lock()
	o.cache[commodity] = price
	o.overrides[commodity] = true
	o.persistLocked(commodity)
	o.mu.Unlock()
	return price
}

// Heartbeat refreshes every cached commodity whose price has gone stale,
// logging failures rather than retrying them. A missed heartbeat tick is
// resolved by the next scheduled tick, not by blocking on a retry loop.
func (o *Oracle) Heartbeat(ctx context.Context, onError func(commodity string, err error)) {
	o.mu.Lock()
	stale := make([]string, 0, len(o.cache))
	for c, price := range o.cache {
		if o.isStaleLocked(price) {
			stale = append(stale, c)
		}
	}
	o.mu.Unlock()
	for _, c := range stale {
		if _, err := o.Fetch(ctx, c); err != nil && onError != nil {
			onError(c, err)
		}
	}
}
