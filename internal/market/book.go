// Package market provides order book snapshots and the spread analyzer.
//
// Cache mirrors the most recent book per (venue, market). It is updated from
// two sources:
//   - REST fetches during pair controller ticks (always available)
//   - WebSocket book pushes where the venue supports them
//
// The Cache is concurrency-safe (RWMutex protected); the analyzer functions
// in analyzer.go are pure and never mutate a snapshot.
package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hedgerd/pkg/types"
)

// Cache keeps the latest snapshot per (venue, market) with its arrival time.
type Cache struct {
	mu    sync.RWMutex
	books map[string]types.OrderbookSnapshot
}

// NewCache creates an empty snapshot cache.
func NewCache() *Cache {
	return &Cache{books: make(map[string]types.OrderbookSnapshot)}
}

func cacheKey(venue types.Venue, marketID string) string {
	return string(venue) + "/" + marketID
}

// Put stores a snapshot after normalizing its ladders. Snapshots older than
// the cached one (by venue sequence, when both carry one) are ignored.
func (c *Cache) Put(snap types.OrderbookSnapshot) {
	Normalize(&snap)
	if snap.Ts.IsZero() {
		snap.Ts = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(snap.Venue, snap.MarketID)
	if prev, ok := c.books[key]; ok && snap.Seq != 0 && prev.Seq > snap.Seq {
		return
	}
	c.books[key] = snap
}

// Get returns the cached snapshot and true when one exists and is not older
// than maxAge. maxAge <= 0 disables the staleness check.
func (c *Cache) Get(venue types.Venue, marketID string, maxAge time.Duration) (types.OrderbookSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.books[cacheKey(venue, marketID)]
	if !ok {
		return types.OrderbookSnapshot{}, false
	}
	if maxAge > 0 && time.Since(snap.Ts) > maxAge {
		return types.OrderbookSnapshot{}, false
	}
	return snap, true
}

// Normalize sorts both ladders (bids descending, asks ascending), drops
// non-positive sizes, and merges levels that share a price.
func Normalize(snap *types.OrderbookSnapshot) {
	snap.Bids = normalizeLadder(snap.Bids, true)
	snap.Asks = normalizeLadder(snap.Asks, false)
}

func normalizeLadder(levels []types.PriceLevel, descending bool) []types.PriceLevel {
	kept := make([]types.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		if lvl.Size.IsPositive() && lvl.Price.IsPositive() {
			kept = append(kept, lvl)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if descending {
			return kept[i].Price.GreaterThan(kept[j].Price)
		}
		return kept[i].Price.LessThan(kept[j].Price)
	})

	// Merge equal-price levels; duplicate prices should not occur but must
	// not corrupt VWAP math when they do.
	merged := kept[:0]
	for _, lvl := range kept {
		n := len(merged)
		if n > 0 && merged[n-1].Price.Equal(lvl.Price) {
			merged[n-1].Size = merged[n-1].Size.Add(lvl.Size)
			continue
		}
		merged = append(merged, lvl)
	}
	return merged
}

// Crossed reports whether best_bid >= best_ask, which violates the snapshot
// invariant and marks the snapshot as unusable.
func Crossed(snap *types.OrderbookSnapshot) bool {
	bid, okBid := snap.BestBid()
	ask, okAsk := snap.BestAsk()
	if !okBid || !okAsk {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// DepthAt sums ladder size at or better than the given price.
func DepthAt(ladder []types.PriceLevel, limit decimal.Decimal, isBids bool) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range ladder {
		if isBids && lvl.Price.LessThan(limit) {
			break
		}
		if !isBids && lvl.Price.GreaterThan(limit) {
			break
		}
		total = total.Add(lvl.Size)
	}
	return total
}
