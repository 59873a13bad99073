package market

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"hedgerd/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestExecutableVWAPFullFill(t *testing.T) {
	t.Parallel()

	ladder := []types.PriceLevel{level("0.50", "40"), level("0.60", "60")}
	vwap, achieved, err := ExecutableVWAP(ladder, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("ExecutableVWAP: %v", err)
	}
	// (0.50*40 + 0.60*60) / 100 = 0.56
	if !vwap.Equal(d("0.56")) {
		t.Errorf("vwap = %v, want 0.56", vwap)
	}
	if !achieved.Equal(decimal.NewFromInt(100)) {
		t.Errorf("achieved = %v, want 100", achieved)
	}
}

func TestExecutableVWAPPartialLadder(t *testing.T) {
	t.Parallel()

	ladder := []types.PriceLevel{level("0.50", "40")}
	vwap, achieved, err := ExecutableVWAP(ladder, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("ExecutableVWAP: %v", err)
	}
	if !vwap.Equal(d("0.5")) {
		t.Errorf("vwap = %v, want 0.5", vwap)
	}
	if !achieved.Equal(decimal.NewFromInt(40)) {
		t.Errorf("achieved = %v, want 40 (thin ladder)", achieved)
	}
}

func TestExecutableVWAPStopsAtTarget(t *testing.T) {
	t.Parallel()

	ladder := []types.PriceLevel{level("0.50", "40"), level("0.60", "60")}
	vwap, achieved, err := ExecutableVWAP(ladder, decimal.NewFromInt(50))
	if err != nil {
		t.Fatalf("ExecutableVWAP: %v", err)
	}
	// 0.50*40 + 0.60*10 = 26; 26/50 = 0.52
	if !vwap.Equal(d("0.52")) {
		t.Errorf("vwap = %v, want 0.52", vwap)
	}
	if !achieved.Equal(decimal.NewFromInt(50)) {
		t.Errorf("achieved = %v, want 50", achieved)
	}
}

func TestExecutableVWAPEmptyLadder(t *testing.T) {
	t.Parallel()

	_, _, err := ExecutableVWAP(nil, decimal.NewFromInt(10))
	if !errors.Is(err, ErrNoQuote) {
		t.Errorf("err = %v, want ErrNoQuote", err)
	}
}

func TestSlippage(t *testing.T) {
	t.Parallel()

	// vwap 0.56 against top 0.50: |0.56-0.50|/0.50 = 0.12
	if got := Slippage(d("0.56"), d("0.50")); !got.Equal(d("0.12")) {
		t.Errorf("Slippage = %v, want 0.12", got)
	}
	if got := Slippage(d("0.56"), decimal.Zero); !got.IsZero() {
		t.Errorf("Slippage with zero top = %v, want 0", got)
	}
}

func TestEvaluateSpreadEntryScenario(t *testing.T) {
	t.Parallel()

	prim := snapshot("polymarket", "pm-1",
		[]types.PriceLevel{level("0.40", "500")},
		[]types.PriceLevel{level("0.42", "500")},
	)
	sec := snapshot("opinion", "op-1",
		[]types.PriceLevel{level("0.48", "500")},
		[]types.PriceLevel{level("0.50", "500")},
	)

	q, err := Evaluate(&prim, &sec, decimal.NewFromInt(100), d("0.01"), d("0.01"), BuyPrimarySellSecondary)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if !q.EntryVWAP.Equal(d("0.42")) {
		t.Errorf("EntryVWAP = %v, want 0.42", q.EntryVWAP)
	}
	if !q.ExitVWAP.Equal(d("0.48")) {
		t.Errorf("ExitVWAP = %v, want 0.48", q.ExitVWAP)
	}
	// per unit: 0.48 - 0.42 - (0.42*0.01 + 0.48*0.01) = 0.06 - 0.009 = 0.051
	if !q.NetPerUnit.Equal(d("0.051")) {
		t.Errorf("NetPerUnit = %v, want 0.051", q.NetPerUnit)
	}
	if !q.NetTotal.Equal(d("5.1")) {
		t.Errorf("NetTotal = %v, want 5.1", q.NetTotal)
	}
	if !q.Achievable.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Achievable = %v, want 100", q.Achievable)
	}
	if !q.EntrySlip.IsZero() || !q.ExitSlip.IsZero() {
		t.Errorf("slippage = %v/%v, want 0/0 at top of book", q.EntrySlip, q.ExitSlip)
	}
}

func TestEvaluateEmptySide(t *testing.T) {
	t.Parallel()

	prim := snapshot("polymarket", "pm-1", nil, []types.PriceLevel{level("0.42", "100")})
	sec := snapshot("opinion", "op-1", nil, nil) // no bids to exit into

	_, err := Evaluate(&prim, &sec, decimal.NewFromInt(10), decimal.Zero, decimal.Zero, BuyPrimarySellSecondary)
	if !errors.Is(err, ErrNoQuote) {
		t.Errorf("err = %v, want ErrNoQuote", err)
	}
}

func TestEvaluateDoesNotMutateInputs(t *testing.T) {
	t.Parallel()

	prim := snapshot("polymarket", "pm-1",
		[]types.PriceLevel{level("0.40", "100")},
		[]types.PriceLevel{level("0.42", "100")},
	)
	sec := snapshot("opinion", "op-1",
		[]types.PriceLevel{level("0.48", "100")},
		[]types.PriceLevel{level("0.50", "100")},
	)

	before := prim.Asks[0].Size.String()
	if _, err := Evaluate(&prim, &sec, decimal.NewFromInt(50), decimal.Zero, decimal.Zero, BuyPrimarySellSecondary); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if prim.Asks[0].Size.String() != before {
		t.Errorf("input ladder mutated: size %s -> %s", before, prim.Asks[0].Size)
	}
}

func TestEvaluateBestPicksHigherTotal(t *testing.T) {
	t.Parallel()

	// Reverse direction is profitable here: secondary asks cheap, primary bids rich.
	prim := snapshot("polymarket", "pm-1",
		[]types.PriceLevel{level("0.60", "100")},
		[]types.PriceLevel{level("0.62", "100")},
	)
	sec := snapshot("opinion", "op-1",
		[]types.PriceLevel{level("0.50", "100")},
		[]types.PriceLevel{level("0.52", "100")},
	)

	q, err := EvaluateBest(&prim, &sec, decimal.NewFromInt(10), decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("EvaluateBest: %v", err)
	}
	if q.Direction != BuySecondarySellPrimary {
		t.Errorf("Direction = %v, want buy_secondary_sell_primary", q.Direction)
	}
	if !q.NetPerUnit.Equal(d("0.08")) {
		t.Errorf("NetPerUnit = %v, want 0.08", q.NetPerUnit)
	}
}
