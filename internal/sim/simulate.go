package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"hedgerd/internal/config"
	"hedgerd/internal/market"
	"hedgerd/internal/store"
	"hedgerd/pkg/types"
)

// PlanLeg is one would-be order in a simulated plan.
type PlanLeg struct {
	Kind     string          `json:"kind"` // "entry" or "hedge"
	Venue    types.Venue     `json:"venue"`
	MarketID string          `json:"market_id"`
	Side     types.Side      `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
}

// Plan is the full dry evaluation of one pair at one size. Identical
// snapshots produce byte-identical plan JSON.
type Plan struct {
	PairID      string          `json:"pair_id"`
	Size        decimal.Decimal `json:"size"`
	Legs        []PlanLeg       `json:"legs"`
	EntryVWAP   decimal.Decimal `json:"entry_vwap"`
	HedgeVWAP   decimal.Decimal `json:"hedge_vwap"`
	Achievable  decimal.Decimal `json:"achievable"`
	Fees        decimal.Decimal `json:"fees"`
	ExpectedPnL decimal.Decimal `json:"expected_pnl"`
}

// Simulator prices a full entry-plus-hedge cycle against live books without
// placing anything. Runs are persisted append-only.
type Simulator struct {
	st     *store.Store
	pairs  map[string]PairBooks
	fees   map[types.Venue]config.FeeConfig
	logger *slog.Logger
}

// NewSimulator builds a simulator over the same pair/adapter bindings the
// healthcheck uses.
func NewSimulator(st *store.Store, pairs []PairBooks, cfg *config.Config, logger *slog.Logger) *Simulator {
	byID := make(map[string]PairBooks, len(pairs))
	for _, pb := range pairs {
		byID[pb.Pair.PairID] = pb
	}
	fees := make(map[types.Venue]config.FeeConfig, len(cfg.Fees))
	for name, fc := range cfg.Fees {
		fees[types.Venue(name)] = fc
	}
	return &Simulator{
		st:     st,
		pairs:  byID,
		fees:   fees,
		logger: logger.With("component", "simulator"),
	}
}

// Simulate evaluates one pair at the given size, persists the run, and
// returns the plan.
func (s *Simulator) Simulate(ctx context.Context, pairID string, size decimal.Decimal) (Plan, error) {
	pb, ok := s.pairs[pairID]
	if !ok {
		return Plan{}, fmt.Errorf("simulate: unknown pair %s", pairID)
	}
	if !size.IsPositive() {
		return Plan{}, fmt.Errorf("simulate: size must be positive, got %s", size)
	}

	prim, err := pb.Primary.FetchBook(ctx, pb.Pair.PrimaryMarketID)
	if err != nil {
		return Plan{}, fmt.Errorf("simulate %s: primary book: %w", pairID, err)
	}
	sec, err := pb.Secondary.FetchBook(ctx, pb.Pair.SecondaryMarketID)
	if err != nil {
		return Plan{}, fmt.Errorf("simulate %s: secondary book: %w", pairID, err)
	}

	plan, err := s.buildPlan(pb.Pair, &prim, &sec, size)
	if err != nil {
		return Plan{}, fmt.Errorf("simulate %s: %w", pairID, err)
	}

	raw, err := json.Marshal(plan)
	if err != nil {
		return Plan{}, fmt.Errorf("simulate %s: encode plan: %w", pairID, err)
	}
	run := types.SimulatedRun{
		ID:          uuid.NewString(),
		PairID:      pairID,
		Size:        size,
		Plan:        raw,
		ExpectedPnL: plan.ExpectedPnL,
		Ts:          time.Now(),
	}
	if err := s.st.SaveSimulatedRun(ctx, &run); err != nil {
		return Plan{}, fmt.Errorf("simulate %s: persist: %w", pairID, err)
	}

	s.logger.Info("simulation complete",
		"pair", pairID, "size", size, "expected_pnl", plan.ExpectedPnL)
	return plan, nil
}

// buildPlan walks both ladders: the entry crosses the primary asks, the
// hedge legs consume the secondary bids level by level, capped at the
// entry's achievable size.
func (s *Simulator) buildPlan(pair types.MarketPair, prim, sec *types.OrderbookSnapshot, size decimal.Decimal) (Plan, error) {
	entryVWAP, entryAchieved, err := market.ExecutableVWAP(prim.Asks, size)
	if err != nil {
		return Plan{}, fmt.Errorf("entry ladder: %w", err)
	}

	legs := []PlanLeg{{
		Kind:     "entry",
		Venue:    pair.PrimaryVenue,
		MarketID: pair.PrimaryMarketID,
		Side:     types.BUY,
		Price:    entryVWAP,
		Size:     entryAchieved,
	}}

	// One hedge leg per consumed secondary level keeps the plan readable
	// and makes thin-book shortfalls explicit.
	remaining := entryAchieved
	hedged := decimal.Zero
	hedgeNotional := decimal.Zero
	for _, lvl := range sec.Bids {
		if !remaining.IsPositive() {
			break
		}
		take := lvl.Size
		if take.GreaterThan(remaining) {
			take = remaining
		}
		legs = append(legs, PlanLeg{
			Kind:     "hedge",
			Venue:    pair.SecondaryVenue,
			MarketID: pair.SecondaryMarketID,
			Side:     types.SELL,
			Price:    lvl.Price,
			Size:     take,
		})
		hedged = hedged.Add(take)
		hedgeNotional = hedgeNotional.Add(lvl.Price.Mul(take))
		remaining = remaining.Sub(take)
	}
	if !hedged.IsPositive() {
		return Plan{}, fmt.Errorf("hedge ladder: %w", market.ErrNoQuote)
	}
	hedgeVWAP := hedgeNotional.Div(hedged)

	entryFee := decimal.NewFromFloat(s.fees[pair.PrimaryVenue].Taker)
	exitFee := decimal.NewFromFloat(s.fees[pair.SecondaryVenue].Taker)
	fees := entryVWAP.Mul(hedged).Mul(entryFee).
		Add(hedgeVWAP.Mul(hedged).Mul(exitFee))

	return Plan{
		PairID:      pair.PairID,
		Size:        size,
		Legs:        legs,
		EntryVWAP:   entryVWAP,
		HedgeVWAP:   hedgeVWAP,
		Achievable:  hedged,
		Fees:        fees,
		ExpectedPnL: hedgeVWAP.Sub(entryVWAP).Mul(hedged).Sub(fees),
	}, nil
}
