package strategy

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hedgerd/internal/config"
	"hedgerd/internal/exchange"
	"hedgerd/internal/market"
	"hedgerd/internal/risk"
	"hedgerd/pkg/types"
)

type fakeMgr struct {
	placed    []types.OrderSpec
	doubles   [][2]types.OrderSpec
	cancelled []string
	open      *types.Order
}

func (f *fakeMgr) Place(_ context.Context, spec types.OrderSpec) (string, exchange.Ack, error) {
	f.placed = append(f.placed, spec)
	return "ord-1", exchange.Ack{VenueOrderID: "v-1"}, nil
}

func (f *fakeMgr) PlaceDoubleLimit(_ context.Context, a, b types.OrderSpec) (string, error) {
	f.doubles = append(f.doubles, [2]types.OrderSpec{a, b})
	return "ord-a", nil
}

func (f *fakeMgr) Cancel(_ context.Context, clientID string) error {
	f.cancelled = append(f.cancelled, clientID)
	return nil
}

func (f *fakeMgr) OpenPrimary(string) (types.Order, bool) {
	if f.open == nil {
		return types.Order{}, false
	}
	return *f.open, true
}

type staticBook struct {
	snap  types.OrderbookSnapshot
	calls int
}

func (s *staticBook) FetchBook(context.Context, string) (types.OrderbookSnapshot, error) {
	s.calls++
	return s.snap, nil
}

func lvl(price string, size int64) types.PriceLevel {
	return types.PriceLevel{Price: decimal.RequireFromString(price), Size: decimal.NewFromInt(size)}
}

func books(secondaryBid string) (*staticBook, *staticBook) {
	prim := &staticBook{snap: types.OrderbookSnapshot{
		MarketID: "mkt-1",
		Bids:     []types.PriceLevel{lvl("0.40", 500)},
		Asks:     []types.PriceLevel{lvl("0.42", 500)},
	}}
	sec := &staticBook{snap: types.OrderbookSnapshot{
		MarketID: "mkt-2",
		Bids:     []types.PriceLevel{lvl(secondaryBid, 500)},
		Asks:     []types.PriceLevel{lvl("0.60", 500)},
	}}
	return prim, sec
}

func controllerConfig() *config.Config {
	return &config.Config{
		MarketHedge: config.MarketHedgeConfig{
			DefaultSize:       100,
			MinSpreadForEntry: 0.05,
			CancelSpread:      0.03,
			MaxOrderAge:       time.Minute,
		},
		Orders: config.OrdersConfig{TickInterval: 500 * time.Millisecond},
		Fees:   map[string]config.FeeConfig{},
	}
}

func testController(cfg *config.Config, mgr *fakeMgr, prim, sec BookSource) (*Controller, *risk.Manager) {
	logger := slog.Default()
	rm := risk.NewManager(cfg.MarketHedge, logger)
	pair := types.MarketPair{
		PairID:            "pair-1",
		PrimaryVenue:      "polymarket",
		SecondaryVenue:    "opinion",
		PrimaryMarketID:   "mkt-1",
		SecondaryMarketID: "mkt-2",
		Enabled:           true,
	}
	c := NewController(pair, mgr, rm, market.NewCache(), prim, sec, "acct-1", "acct-2", cfg, logger)
	return c, rm
}

func TestTickEntersOnWideSpread(t *testing.T) {
	t.Parallel()

	mgr := &fakeMgr{}
	prim, sec := books("0.50") // buy 0.42, sell 0.50: net spread ~19%
	c, _ := testController(controllerConfig(), mgr, prim, sec)

	c.tick(context.Background())

	if len(mgr.placed) != 1 {
		t.Fatalf("placed = %d, want 1", len(mgr.placed))
	}
	spec := mgr.placed[0]
	if spec.Side != types.BUY || spec.Role != types.RolePrimary || spec.Type != types.OrderTypeLimit {
		t.Errorf("spec = %+v, want resting primary BUY limit", spec)
	}
	if !spec.Price.Equal(decimal.RequireFromString("0.42")) {
		t.Errorf("price = %s, want evaluated primary ask 0.42", spec.Price)
	}
	if !spec.Size.Equal(decimal.NewFromInt(100)) {
		t.Errorf("size = %s, want 100", spec.Size)
	}
	if spec.Venue != "polymarket" || spec.MarketID != "mkt-1" || spec.AccountID != "acct-1" {
		t.Errorf("routing = %s/%s/%s, want polymarket/mkt-1/acct-1",
			spec.Venue, spec.MarketID, spec.AccountID)
	}
}

func TestTickEntryPriceFollowsAskDepth(t *testing.T) {
	t.Parallel()

	mgr := &fakeMgr{}
	prim, sec := books("0.55")
	// Thin top level forces the 100-size entry to walk two ask levels:
	// (0.42*40 + 0.46*60) / 100 = 0.444.
	prim.snap.Asks = []types.PriceLevel{lvl("0.42", 40), lvl("0.46", 500)}
	c, _ := testController(controllerConfig(), mgr, prim, sec)

	c.tick(context.Background())

	if len(mgr.placed) != 1 {
		t.Fatalf("placed = %d, want 1", len(mgr.placed))
	}
	if got := mgr.placed[0].Price; !got.Equal(decimal.RequireFromString("0.444")) {
		t.Errorf("price = %s, want ask VWAP 0.444", got)
	}
}

func TestTickSkipsThinSpread(t *testing.T) {
	t.Parallel()

	mgr := &fakeMgr{}
	prim, sec := books("0.43") // net spread ~2.4%, under the 5% entry bar
	c, _ := testController(controllerConfig(), mgr, prim, sec)

	c.tick(context.Background())

	if len(mgr.placed) != 0 {
		t.Errorf("placed = %d, want 0", len(mgr.placed))
	}
}

func TestTickDoubleLimitEntry(t *testing.T) {
	t.Parallel()

	cfg := controllerConfig()
	cfg.DoubleLimitEnabled = true
	mgr := &fakeMgr{}
	prim, sec := books("0.50")
	c, _ := testController(cfg, mgr, prim, sec)

	c.tick(context.Background())

	if len(mgr.doubles) != 1 {
		t.Fatalf("doubles = %d, want 1", len(mgr.doubles))
	}
	buy, sell := mgr.doubles[0][0], mgr.doubles[0][1]
	if buy.Side != types.BUY || !buy.Price.Equal(decimal.RequireFromString("0.42")) {
		t.Errorf("leg A = %s@%s, want BUY@0.42", buy.Side, buy.Price)
	}
	if buy.Venue != "polymarket" || buy.MarketID != "mkt-1" || buy.AccountID != "acct-1" {
		t.Errorf("leg A routing = %s/%s/%s, want polymarket/mkt-1/acct-1",
			buy.Venue, buy.MarketID, buy.AccountID)
	}
	if sell.Side != types.SELL || !sell.Price.Equal(decimal.RequireFromString("0.50")) {
		t.Errorf("leg B = %s@%s, want SELL@0.50", sell.Side, sell.Price)
	}
	if sell.Venue != "opinion" || sell.MarketID != "mkt-2" || sell.AccountID != "acct-2" {
		t.Errorf("leg B routing = %s/%s/%s, want opinion/mkt-2/acct-2",
			sell.Venue, sell.MarketID, sell.AccountID)
	}
	if !sell.Size.Equal(buy.Size) {
		t.Errorf("leg sizes differ: %s vs %s", buy.Size, sell.Size)
	}
}

func TestTickExitsOnSpreadCollapse(t *testing.T) {
	t.Parallel()

	mgr := &fakeMgr{open: &types.Order{
		ClientOrderID: "ord-1",
		PairID:        "pair-1",
		Status:        types.StatusLive,
		CreatedAt:     time.Now(),
	}}
	prim, sec := books("0.43") // under the 3% cancel bar
	c, _ := testController(controllerConfig(), mgr, prim, sec)

	c.tick(context.Background())

	if len(mgr.cancelled) != 1 || mgr.cancelled[0] != "ord-1" {
		t.Errorf("cancelled = %v, want [ord-1]", mgr.cancelled)
	}
	if len(mgr.placed) != 0 {
		t.Errorf("placed while a primary was open")
	}
}

func TestTickExitsOnAge(t *testing.T) {
	t.Parallel()

	mgr := &fakeMgr{open: &types.Order{
		ClientOrderID: "ord-1",
		PairID:        "pair-1",
		Status:        types.StatusLive,
		CreatedAt:     time.Now().Add(-2 * time.Minute),
	}}
	prim, sec := books("0.50") // spread still wide; age alone forces the pull
	c, _ := testController(controllerConfig(), mgr, prim, sec)

	c.tick(context.Background())

	if len(mgr.cancelled) != 1 {
		t.Errorf("cancelled = %v, want [ord-1]", mgr.cancelled)
	}
}

func TestTickHoldsHealthyOrder(t *testing.T) {
	t.Parallel()

	mgr := &fakeMgr{open: &types.Order{
		ClientOrderID: "ord-1",
		PairID:        "pair-1",
		Status:        types.StatusLive,
		CreatedAt:     time.Now(),
	}}
	prim, sec := books("0.50")
	c, _ := testController(controllerConfig(), mgr, prim, sec)

	c.tick(context.Background())

	if len(mgr.cancelled) != 0 {
		t.Errorf("healthy order cancelled: %v", mgr.cancelled)
	}
}

func TestTickSkipsDisabledPair(t *testing.T) {
	t.Parallel()

	mgr := &fakeMgr{}
	prim, sec := books("0.50")
	c, rm := testController(controllerConfig(), mgr, prim, sec)
	rm.DisablePair("pair-1", "hedge failures")

	c.tick(context.Background())

	if len(mgr.placed) != 0 {
		t.Errorf("placed = %d for a disabled pair", len(mgr.placed))
	}
}

func TestTickSkipsCrossedBook(t *testing.T) {
	t.Parallel()

	mgr := &fakeMgr{}
	prim, sec := books("0.50")
	prim.snap.Bids = []types.PriceLevel{lvl("0.45", 100)} // bid over the 0.42 ask
	c, _ := testController(controllerConfig(), mgr, prim, sec)

	c.tick(context.Background())

	if len(mgr.placed) != 0 {
		t.Errorf("placed = %d on a crossed book", len(mgr.placed))
	}
}

func TestTickReentrancyGuard(t *testing.T) {
	t.Parallel()

	mgr := &fakeMgr{}
	prim, sec := books("0.50")
	c, _ := testController(controllerConfig(), mgr, prim, sec)

	c.ticking.Store(true) // a tick is still in flight
	c.tick(context.Background())

	if len(mgr.placed) != 0 {
		t.Errorf("overlapping tick ran anyway")
	}
}

func TestSnapshotsPreferFreshCache(t *testing.T) {
	t.Parallel()

	mgr := &fakeMgr{}
	prim, sec := books("0.50")
	c, _ := testController(controllerConfig(), mgr, prim, sec)

	c.cache.Put(types.OrderbookSnapshot{
		Venue:    "polymarket",
		MarketID: "mkt-1",
		Bids:     []types.PriceLevel{lvl("0.40", 500)},
		Asks:     []types.PriceLevel{lvl("0.42", 500)},
	})
	c.cache.Put(types.OrderbookSnapshot{
		Venue:    "opinion",
		MarketID: "mkt-2",
		Bids:     []types.PriceLevel{lvl("0.50", 500)},
		Asks:     []types.PriceLevel{lvl("0.60", 500)},
	})

	c.tick(context.Background())

	if prim.calls != 0 || sec.calls != 0 {
		t.Errorf("REST fetches = %d/%d, want 0/0 with a fresh cache", prim.calls, sec.calls)
	}
	if len(mgr.placed) != 1 {
		t.Errorf("placed = %d, want 1", len(mgr.placed))
	}
}
