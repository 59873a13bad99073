package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"hedgerd/internal/config"
	"hedgerd/internal/store"
	"hedgerd/pkg/types"
)

type staticBook struct {
	snap types.OrderbookSnapshot
	err  error
}

func (s *staticBook) FetchBook(context.Context, string) (types.OrderbookSnapshot, error) {
	return s.snap, s.err
}

func lvl(price string, size int64) types.PriceLevel {
	return types.PriceLevel{Price: decimal.RequireFromString(price), Size: decimal.NewFromInt(size)}
}

func simPair() types.MarketPair {
	return types.MarketPair{
		PairID:            "pair-1",
		PrimaryVenue:      "polymarket",
		SecondaryVenue:    "opinion",
		PrimaryMarketID:   "mkt-1",
		SecondaryMarketID: "mkt-2",
		Enabled:           true,
	}
}

func simConfig() *config.Config {
	return &config.Config{
		MarketHedge: config.MarketHedgeConfig{DefaultSize: 100},
		Fees: map[string]config.FeeConfig{
			"polymarket": {Maker: 0, Taker: 0},
			"opinion":    {Maker: 0, Taker: 0.01},
		},
	}
}

func goodBooks() (*staticBook, *staticBook) {
	prim := &staticBook{snap: types.OrderbookSnapshot{
		MarketID: "mkt-1",
		Bids:     []types.PriceLevel{lvl("0.40", 500)},
		Asks:     []types.PriceLevel{lvl("0.42", 500)},
	}}
	sec := &staticBook{snap: types.OrderbookSnapshot{
		MarketID: "mkt-2",
		Bids:     []types.PriceLevel{lvl("0.50", 60), lvl("0.48", 500)},
		Asks:     []types.PriceLevel{lvl("0.52", 500)},
	}}
	return prim, sec
}

func TestHealthcheckOK(t *testing.T) {
	t.Parallel()

	prim, sec := goodBooks()
	h := NewHealthcheck([]PairBooks{{Pair: simPair(), Primary: prim, Secondary: sec}},
		simConfig(), slog.Default())

	report := h.Run(context.Background())
	if !report.OK {
		t.Fatalf("report not OK: %+v", report)
	}
	if len(report.Pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(report.Pairs))
	}
	pr := report.Pairs[0]
	if !pr.OK || pr.Error != "" {
		t.Errorf("pair report = %+v", pr)
	}
	if !pr.PrimaryTop.Bid.Equal(decimal.RequireFromString("0.40")) ||
		!pr.SecondaryTop.Ask.Equal(decimal.RequireFromString("0.52")) {
		t.Errorf("tops = %+v / %+v", pr.PrimaryTop, pr.SecondaryTop)
	}
	if !pr.Forward.IsPositive() {
		t.Errorf("forward spread = %s, want positive", pr.Forward)
	}
	if !pr.Reverse.IsNegative() {
		t.Errorf("reverse spread = %s, want negative", pr.Reverse)
	}
}

func TestHealthcheckFailsOnFetchError(t *testing.T) {
	t.Parallel()

	prim, sec := goodBooks()
	sec.err = errors.New("connection refused")
	h := NewHealthcheck([]PairBooks{{Pair: simPair(), Primary: prim, Secondary: sec}},
		simConfig(), slog.Default())

	report := h.Run(context.Background())
	if report.OK {
		t.Fatal("report OK despite fetch failure")
	}
	if pr := report.Pairs[0]; pr.OK || pr.Error == "" {
		t.Errorf("pair report = %+v, want failed with error", pr)
	}
}

func simStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(config.DatabaseConfig{
		Backend: "sqlite",
		DSN:     filepath.Join(t.TempDir(), "sim.db"),
	}, slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func TestSimulatePlanAndPnL(t *testing.T) {
	t.Parallel()

	prim, sec := goodBooks()
	st := simStore(t)
	s := NewSimulator(st, []PairBooks{{Pair: simPair(), Primary: prim, Secondary: sec}},
		simConfig(), slog.Default())

	plan, err := s.Simulate(context.Background(), "pair-1", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}

	// Entry crosses the 0.42 asks; the hedge splits across two bid levels.
	if len(plan.Legs) != 3 {
		t.Fatalf("legs = %d, want 1 entry + 2 hedge", len(plan.Legs))
	}
	if plan.Legs[0].Kind != "entry" || plan.Legs[0].Side != types.BUY {
		t.Errorf("leg 0 = %+v", plan.Legs[0])
	}
	if !plan.Legs[1].Size.Equal(decimal.NewFromInt(60)) ||
		!plan.Legs[2].Size.Equal(decimal.NewFromInt(40)) {
		t.Errorf("hedge legs = %s + %s, want 60 + 40", plan.Legs[1].Size, plan.Legs[2].Size)
	}

	// hedge vwap = (0.50x60 + 0.48x40)/100 = 0.492; taker fee 1% on the
	// hedge notional = 0.492; pnl = (0.492-0.42)x100 - 0.492 = 6.708.
	if !plan.HedgeVWAP.Equal(decimal.RequireFromString("0.492")) {
		t.Errorf("hedge vwap = %s", plan.HedgeVWAP)
	}
	if !plan.ExpectedPnL.Equal(decimal.RequireFromString("6.708")) {
		t.Errorf("pnl = %s, want 6.708", plan.ExpectedPnL)
	}
}

func TestSimulateDeterministic(t *testing.T) {
	t.Parallel()

	prim, sec := goodBooks()
	st := simStore(t)
	s := NewSimulator(st, []PairBooks{{Pair: simPair(), Primary: prim, Secondary: sec}},
		simConfig(), slog.Default())
	ctx := context.Background()

	first, err := s.Simulate(ctx, "pair-1", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	second, err := s.Simulate(ctx, "pair-1", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if !bytes.Equal(a, b) {
		t.Errorf("identical snapshots produced different plans:\n%s\n%s", a, b)
	}
}

func TestSimulateUnknownPair(t *testing.T) {
	t.Parallel()

	st := simStore(t)
	s := NewSimulator(st, nil, simConfig(), slog.Default())
	if _, err := s.Simulate(context.Background(), "nope", decimal.NewFromInt(10)); err == nil {
		t.Fatal("expected error for unknown pair")
	}
}

func TestSimulateRejectsNonPositiveSize(t *testing.T) {
	t.Parallel()

	prim, sec := goodBooks()
	st := simStore(t)
	s := NewSimulator(st, []PairBooks{{Pair: simPair(), Primary: prim, Secondary: sec}},
		simConfig(), slog.Default())
	if _, err := s.Simulate(context.Background(), "pair-1", decimal.Zero); err == nil {
		t.Fatal("expected error for zero size")
	}
}
