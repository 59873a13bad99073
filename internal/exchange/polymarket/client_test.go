package polymarket

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	"hedgerd/pkg/types"
)

func TestPriceToAmounts(t *testing.T) {
	t.Parallel()

	price := decimal.RequireFromString("0.42")
	size := decimal.NewFromInt(100)

	// BUY: give 42 USDC, receive 100 tokens.
	maker, taker := priceToAmounts(price, size, types.BUY)
	if maker.Cmp(big.NewInt(42_000_000)) != 0 {
		t.Errorf("buy makerAmount = %s, want 42000000", maker)
	}
	if taker.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Errorf("buy takerAmount = %s, want 100000000", taker)
	}

	// SELL: give 100 tokens, receive 42 USDC.
	maker, taker = priceToAmounts(price, size, types.SELL)
	if maker.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Errorf("sell makerAmount = %s, want 100000000", maker)
	}
	if taker.Cmp(big.NewInt(42_000_000)) != 0 {
		t.Errorf("sell takerAmount = %s, want 42000000", taker)
	}
}

func TestPriceToAmountsTruncates(t *testing.T) {
	t.Parallel()

	// Size truncates to 2 decimals, USDC cost to 4.
	maker, _ := priceToAmounts(
		decimal.RequireFromString("0.333"),
		decimal.RequireFromString("10.999"),
		types.BUY,
	)
	// 10.99 * 0.333 = 3.65967 -> 3.6596
	if maker.Cmp(big.NewInt(3_659_600)) != 0 {
		t.Errorf("makerAmount = %s, want 3659600", maker)
	}
}

func TestClobOrderType(t *testing.T) {
	t.Parallel()

	cases := map[types.OrderType]string{
		types.OrderTypeLimit:  "GTC",
		types.OrderTypeIOC:    "FAK",
		types.OrderTypeMarket: "FOK",
	}
	for in, want := range cases {
		if got := clobOrderType(in); got != want {
			t.Errorf("clobOrderType(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestMatchedExecution(t *testing.T) {
	t.Parallel()

	// SELL FAK: gave 80 tokens, received 38.40 USDC -> avg 0.48.
	size, avg := matchedExecution(types.SELL, "80", "38.4")
	if !size.Equal(decimal.NewFromInt(80)) {
		t.Errorf("size = %s, want 80", size)
	}
	if !avg.Equal(decimal.RequireFromString("0.48")) {
		t.Errorf("avg = %s, want 0.48", avg)
	}

	// BUY: spent 42 USDC for 100 tokens -> avg 0.42.
	size, avg = matchedExecution(types.BUY, "42", "100")
	if !size.Equal(decimal.NewFromInt(100)) {
		t.Errorf("size = %s, want 100", size)
	}
	if !avg.Equal(decimal.RequireFromString("0.42")) {
		t.Errorf("avg = %s, want 0.42", avg)
	}

	// Resting limit ack has empty amounts.
	size, avg = matchedExecution(types.BUY, "", "")
	if !size.IsZero() || !avg.IsZero() {
		t.Errorf("resting ack = %s @ %s, want zeros", size, avg)
	}
}

func TestTradeToFillsExpandsLegs(t *testing.T) {
	t.Parallel()

	fills := tradeToFills(tradeRow{
		ID:           "trade-1",
		TakerOrderID: "ord-t",
		AssetID:      "tok-1",
		Side:         "BUY",
		Size:         "100",
		Price:        "0.42",
		MatchTime:    "1756166400",
		MakerOrders: []makerOrderLeg{
			{OrderID: "ord-m1", MatchedAmount: "60", Price: "0.42"},
			{OrderID: "ord-m2", MatchedAmount: "40", Price: "0.41"},
		},
	})

	if len(fills) != 3 {
		t.Fatalf("got %d fills, want 3", len(fills))
	}

	taker := fills[0]
	if taker.VenueOrderID != "ord-t" || taker.FillID != "trade-1" {
		t.Errorf("taker fill = %+v", taker)
	}
	if taker.Side != types.BUY {
		t.Errorf("taker side = %s, want BUY", taker.Side)
	}

	// Maker legs take the opposite side and a composite fill id.
	m1 := fills[1]
	if m1.FillID != "trade-1:ord-m1" {
		t.Errorf("maker fill id = %s", m1.FillID)
	}
	if m1.Side != types.SELL {
		t.Errorf("maker side = %s, want SELL", m1.Side)
	}
	if !m1.Size.Equal(decimal.NewFromInt(60)) {
		t.Errorf("maker size = %s, want 60", m1.Size)
	}

	keys := map[string]bool{}
	for _, f := range fills {
		if keys[f.Key()] {
			t.Errorf("duplicate fill key %s", f.Key())
		}
		keys[f.Key()] = true
	}
}

func TestTradeToFillsSkipsEmptyLegs(t *testing.T) {
	t.Parallel()

	fills := tradeToFills(tradeRow{
		ID:    "trade-2",
		Side:  "SELL",
		Size:  "0",
		Price: "0.5",
		MakerOrders: []makerOrderLeg{
			{OrderID: "ord-m", MatchedAmount: "0", Price: "0.5"},
		},
	})
	if len(fills) != 0 {
		t.Errorf("got %d fills, want 0", len(fills))
	}
}
