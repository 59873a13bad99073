// Package sim provides the read-only surfaces: per-pair connectivity
// healthchecks and dry trade simulation. Nothing in this package ever
// places an order.
package sim

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"hedgerd/internal/config"
	"hedgerd/internal/market"
	"hedgerd/pkg/types"
)

const bookDeadline = 2 * time.Second

// BookSource fetches one market's book; satisfied by any exchange adapter.
type BookSource interface {
	FetchBook(ctx context.Context, marketID string) (types.OrderbookSnapshot, error)
}

// PairBooks binds a pair to the adapters serving its two markets.
type PairBooks struct {
	Pair      types.MarketPair
	Primary   BookSource
	Secondary BookSource
}

// Top is one side of a book's best level.
type Top struct {
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

// PairReport is the healthcheck outcome for one pair.
type PairReport struct {
	PairID       string          `json:"pair_id"`
	OK           bool            `json:"ok"`
	Error        string          `json:"error,omitempty"`
	PrimaryTop   Top             `json:"primary_top"`
	SecondaryTop Top             `json:"secondary_top"`
	Forward      decimal.Decimal `json:"forward_spread"` // buy primary, sell secondary
	Reverse      decimal.Decimal `json:"reverse_spread"` // buy secondary, sell primary
}

// Report aggregates all pair reports; OK only when every pair passed.
type Report struct {
	OK    bool         `json:"ok"`
	Pairs []PairReport `json:"pairs"`
	Ts    time.Time    `json:"ts"`
}

// Healthcheck probes both books of every enabled pair.
type Healthcheck struct {
	pairs  []PairBooks
	size   decimal.Decimal
	fees   map[types.Venue]config.FeeConfig
	logger *slog.Logger
}

// NewHealthcheck builds a checker probing at the configured default size.
func NewHealthcheck(pairs []PairBooks, cfg *config.Config, logger *slog.Logger) *Healthcheck {
	fees := make(map[types.Venue]config.FeeConfig, len(cfg.Fees))
	for name, fc := range cfg.Fees {
		fees[types.Venue(name)] = fc
	}
	size := decimal.NewFromFloat(cfg.MarketHedge.DefaultSize)
	if !size.IsPositive() {
		size = decimal.NewFromInt(10)
	}
	return &Healthcheck{
		pairs:  pairs,
		size:   size,
		fees:   fees,
		logger: logger.With("component", "healthcheck"),
	}
}

// Run checks every pair. Pair probes run sequentially; the two book fetches
// within a pair run in parallel under a shared deadline.
func (h *Healthcheck) Run(ctx context.Context) Report {
	report := Report{OK: true, Ts: time.Now()}
	for _, pb := range h.pairs {
		pr := h.checkPair(ctx, pb)
		if !pr.OK {
			report.OK = false
		}
		report.Pairs = append(report.Pairs, pr)
	}
	return report
}

func (h *Healthcheck) checkPair(ctx context.Context, pb PairBooks) PairReport {
	pr := PairReport{PairID: pb.Pair.PairID}

	ctx, cancel := context.WithTimeout(ctx, bookDeadline)
	defer cancel()

	type fetched struct {
		snap types.OrderbookSnapshot
		err  error
	}
	primCh := make(chan fetched, 1)
	secCh := make(chan fetched, 1)
	go func() {
		snap, err := pb.Primary.FetchBook(ctx, pb.Pair.PrimaryMarketID)
		primCh <- fetched{snap, err}
	}()
	go func() {
		snap, err := pb.Secondary.FetchBook(ctx, pb.Pair.SecondaryMarketID)
		secCh <- fetched{snap, err}
	}()
	prim, sec := <-primCh, <-secCh

	switch {
	case prim.err != nil:
		pr.Error = "primary: " + prim.err.Error()
		return pr
	case sec.err != nil:
		pr.Error = "secondary: " + sec.err.Error()
		return pr
	}

	pr.PrimaryTop = topOf(&prim.snap)
	pr.SecondaryTop = topOf(&sec.snap)

	entryFee := decimal.NewFromFloat(h.fees[pb.Pair.PrimaryVenue].Maker)
	exitFee := decimal.NewFromFloat(h.fees[pb.Pair.SecondaryVenue].Taker)

	fwd, err := market.Evaluate(&prim.snap, &sec.snap, h.size, entryFee, exitFee,
		market.BuyPrimarySellSecondary)
	if err != nil {
		pr.Error = "forward quote: " + err.Error()
		return pr
	}
	pr.Forward = fwd.NetSpread

	rev, err := market.Evaluate(&prim.snap, &sec.snap, h.size, entryFee, exitFee,
		market.BuySecondarySellPrimary)
	if err != nil {
		pr.Error = "reverse quote: " + err.Error()
		return pr
	}
	pr.Reverse = rev.NetSpread

	pr.OK = true
	return pr
}

func topOf(snap *types.OrderbookSnapshot) Top {
	var t Top
	if bid, ok := snap.BestBid(); ok {
		t.Bid = bid.Price
	}
	if ask, ok := snap.BestAsk(); ok {
		t.Ask = ask.Price
	}
	return t
}
