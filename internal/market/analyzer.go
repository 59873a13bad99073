package market

import (
	"errors"

	"github.com/shopspring/decimal"

	"hedgerd/pkg/types"
)

// ErrNoQuote is returned when a ladder required for the computation is empty.
var ErrNoQuote = errors.New("market: no quote")

// Direction names which venue is bought and which is sold.
type Direction string

const (
	// BuyPrimarySellSecondary is the engine's operating direction: rest a
	// BUY on the primary venue, hedge with a SELL on the secondary.
	BuyPrimarySellSecondary Direction = "buy_primary_sell_secondary"
	// BuySecondarySellPrimary is the reverse, reported by healthchecks.
	BuySecondarySellPrimary Direction = "buy_secondary_sell_primary"
)

// Quote is the outcome of evaluating one direction at one target size.
type Quote struct {
	Direction  Direction
	EntryVWAP  decimal.Decimal // average buy price walking the entry ladder
	ExitVWAP   decimal.Decimal // average sell price walking the exit ladder
	Achievable decimal.Decimal // executable size, min of both ladders
	NetPerUnit decimal.Decimal // exit - entry - fees, per unit
	NetSpread  decimal.Decimal // NetPerUnit normalized by EntryVWAP
	NetTotal   decimal.Decimal // NetPerUnit * Achievable
	EntrySlip  decimal.Decimal // |entry vwap - top| / top
	ExitSlip   decimal.Decimal // |exit vwap - top| / top
}

// ExecutableVWAP walks a ladder until cumulative size reaches target and
// returns the volume-weighted average price plus the size actually covered.
// A thin ladder yields a partial VWAP with achieved < target; an empty
// ladder yields ErrNoQuote.
func ExecutableVWAP(ladder []types.PriceLevel, target decimal.Decimal) (vwap, achieved decimal.Decimal, err error) {
	if len(ladder) == 0 {
		return decimal.Zero, decimal.Zero, ErrNoQuote
	}
	if !target.IsPositive() {
		return decimal.Zero, decimal.Zero, errors.New("market: target size must be positive")
	}

	remaining := target
	notional := decimal.Zero
	filled := decimal.Zero
	for _, lvl := range ladder {
		take := lvl.Size
		if take.GreaterThan(remaining) {
			take = remaining
		}
		notional = notional.Add(lvl.Price.Mul(take))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
		if !remaining.IsPositive() {
			break
		}
	}
	return notional.Div(filled), filled, nil
}

// Slippage is |vwap - top| / top. Zero top yields zero to keep callers
// branch-free on degenerate books.
func Slippage(vwap, top decimal.Decimal) decimal.Decimal {
	if top.IsZero() {
		return decimal.Zero
	}
	return vwap.Sub(top).Abs().Div(top)
}

// Evaluate computes the executable quote for one direction at the target
// size. entryFee and exitFee are fractional rates applied to the respective
// leg notionals. Inputs are never mutated.
func Evaluate(prim, sec *types.OrderbookSnapshot, size, entryFee, exitFee decimal.Decimal, dir Direction) (Quote, error) {
	var entryLadder, exitLadder []types.PriceLevel
	switch dir {
	case BuySecondarySellPrimary:
		entryLadder, exitLadder = sec.Asks, prim.Bids
	default:
		entryLadder, exitLadder = prim.Asks, sec.Bids
	}

	entryVWAP, entryAchieved, err := ExecutableVWAP(entryLadder, size)
	if err != nil {
		return Quote{}, err
	}
	exitVWAP, exitAchieved, err := ExecutableVWAP(exitLadder, size)
	if err != nil {
		return Quote{}, err
	}

	achievable := decimal.Min(entryAchieved, exitAchieved)
	fees := entryVWAP.Mul(entryFee).Add(exitVWAP.Mul(exitFee))
	perUnit := exitVWAP.Sub(entryVWAP).Sub(fees)

	q := Quote{
		Direction:  dir,
		EntryVWAP:  entryVWAP,
		ExitVWAP:   exitVWAP,
		Achievable: achievable,
		NetPerUnit: perUnit,
		NetTotal:   perUnit.Mul(achievable),
		EntrySlip:  Slippage(entryVWAP, entryLadder[0].Price),
		ExitSlip:   Slippage(exitVWAP, exitLadder[0].Price),
	}
	if !entryVWAP.IsZero() {
		q.NetSpread = perUnit.Div(entryVWAP)
	}
	return q, nil
}

// EvaluateBest evaluates both directions and returns the one with the higher
// net total. Used by healthchecks and simulation; the live controller always
// trades BuyPrimarySellSecondary.
func EvaluateBest(prim, sec *types.OrderbookSnapshot, size, entryFee, exitFee decimal.Decimal) (Quote, error) {
	fwd, errF := Evaluate(prim, sec, size, entryFee, exitFee, BuyPrimarySellSecondary)
	rev, errR := Evaluate(prim, sec, size, entryFee, exitFee, BuySecondarySellPrimary)
	switch {
	case errF != nil && errR != nil:
		return Quote{}, errF
	case errF != nil:
		return rev, nil
	case errR != nil:
		return fwd, nil
	}
	if rev.NetTotal.GreaterThan(fwd.NetTotal) {
		return rev, nil
	}
	return fwd, nil
}
