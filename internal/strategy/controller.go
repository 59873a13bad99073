// Package strategy runs one controller per enabled market pair. The
// controller owns the entry and exit rules for the resting primary order;
// fills are never handled here, they flow reconciler -> order manager ->
// hedger.
package strategy

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"hedgerd/internal/config"
	"hedgerd/internal/exchange"
	"hedgerd/internal/market"
	"hedgerd/internal/risk"
	"hedgerd/pkg/types"
)

// OrderManager is the slice of the order manager the controller drives.
type OrderManager interface {
	Place(ctx context.Context, spec types.OrderSpec) (string, exchange.Ack, error)
	PlaceDoubleLimit(ctx context.Context, specA, specB types.OrderSpec) (string, error)
	Cancel(ctx context.Context, clientID string) error
	OpenPrimary(pairID string) (types.Order, bool)
}

// BookSource fetches one market's book; satisfied by any exchange adapter.
type BookSource interface {
	FetchBook(ctx context.Context, marketID string) (types.OrderbookSnapshot, error)
}

// Controller evaluates one pair on a fixed tick and places or pulls the
// resting primary order.
type Controller struct {
	pair      types.MarketPair
	mgr       OrderManager
	risk      *risk.Manager
	cache     *market.Cache
	primary   BookSource
	secondary BookSource
	logger    *slog.Logger

	primaryAccountID   string
	secondaryAccountID string

	size         decimal.Decimal
	minSpread    decimal.Decimal
	cancelSpread decimal.Decimal
	entryFee     decimal.Decimal
	exitFee      decimal.Decimal
	maxOrderAge  time.Duration
	tickInterval time.Duration
	doubleLimit  bool

	ticking atomic.Bool
}

// NewController wires one pair. primary/secondary are the adapters for the
// accounts the pool resolved; the account ids name the accounts the entry
// leg and the double-limit sell leg are placed through.
func NewController(
	pair types.MarketPair,
	mgr OrderManager,
	rm *risk.Manager,
	cache *market.Cache,
	primary, secondary BookSource,
	primaryAccountID, secondaryAccountID string,
	cfg *config.Config,
	logger *slog.Logger,
) *Controller {
	tick := cfg.Orders.TickInterval
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	entryFee := decimal.NewFromFloat(cfg.Fees[string(pair.PrimaryVenue)].Maker)
	exitFee := decimal.NewFromFloat(cfg.Fees[string(pair.SecondaryVenue)].Taker)

	return &Controller{
		pair:               pair,
		mgr:                mgr,
		risk:               rm,
		cache:              cache,
		primary:            primary,
		secondary:          secondary,
		logger:             logger.With("component", "controller", "pair", pair.PairID),
		primaryAccountID:   primaryAccountID,
		secondaryAccountID: secondaryAccountID,
		size:               decimal.NewFromFloat(cfg.MarketHedge.DefaultSize),
		minSpread:          decimal.NewFromFloat(cfg.MarketHedge.MinSpreadForEntry),
		cancelSpread:       decimal.NewFromFloat(cfg.MarketHedge.CancelSpread),
		entryFee:           entryFee,
		exitFee:            exitFee,
		maxOrderAge:        cfg.MarketHedge.MaxOrderAge,
		tickInterval:       tick,
		doubleLimit:        cfg.DoubleLimitEnabled,
	}
}

// Run ticks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	c.logger.Info("controller started",
		"tick", c.tickInterval, "size", c.size, "min_spread", c.minSpread)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick runs one evaluation. A tick still in flight when the next fires is
// skipped rather than queued.
func (c *Controller) tick(ctx context.Context) {
	if !c.ticking.CompareAndSwap(false, true) {
		return
	}
	defer c.ticking.Store(false)

	prim, sec, err := c.snapshots(ctx)
	if err != nil {
		c.logger.Debug("snapshot unavailable", "error", err)
		return
	}
	if market.Crossed(&prim) || market.Crossed(&sec) {
		c.logger.Warn("crossed book, skipping tick",
			"primary_crossed", market.Crossed(&prim), "secondary_crossed", market.Crossed(&sec))
		return
	}

	quote, err := market.Evaluate(&prim, &sec, c.size, c.entryFee, c.exitFee,
		market.BuyPrimarySellSecondary)
	if err != nil {
		c.logger.Debug("quote unavailable", "error", err)
		return
	}

	if open, ok := c.mgr.OpenPrimary(c.pair.PairID); ok {
		c.maybeExit(ctx, open, quote)
		return
	}
	c.maybeEnter(ctx, quote)
}

// maybeExit pulls a resting primary when the edge is gone or the order has
// aged out.
func (c *Controller) maybeExit(ctx context.Context, open types.Order, quote market.Quote) {
	if open.Status != types.StatusLive && open.Status != types.StatusPartial {
		return
	}

	aged := c.maxOrderAge > 0 && time.Since(open.CreatedAt) > c.maxOrderAge
	thin := quote.NetSpread.LessThan(c.cancelSpread)
	if !aged && !thin {
		return
	}

	c.logger.Info("pulling primary order",
		"client_id", open.ClientOrderID, "aged", aged, "spread", quote.NetSpread)
	if err := c.mgr.Cancel(ctx, open.ClientOrderID); err != nil {
		c.logger.Warn("cancel failed", "client_id", open.ClientOrderID, "error", err)
	}
}

// maybeEnter rests a primary order when the net spread clears the entry
// threshold. Risk checks run again inside the order manager; the pair
// disable flag is checked here to avoid churning rejected placements.
func (c *Controller) maybeEnter(ctx context.Context, quote market.Quote) {
	if reason, off := c.risk.PairDisabled(c.pair.PairID); off {
		c.logger.Debug("pair disabled", "reason", reason)
		return
	}
	if quote.NetSpread.LessThan(c.minSpread) {
		return
	}

	// Both legs are priced from the evaluated quote so the resting orders
	// match the spread the entry gate just approved.
	buy := types.OrderSpec{
		Venue:     c.pair.PrimaryVenue,
		AccountID: c.primaryAccountID,
		MarketID:  c.pair.PrimaryMarketID,
		PairID:    c.pair.PairID,
		Side:      types.BUY,
		Type:      types.OrderTypeLimit,
		Price:     quote.EntryVWAP,
		Size:      c.size,
		Role:      types.RolePrimary,
	}

	if c.doubleLimit {
		sell := types.OrderSpec{
			Venue:     c.pair.SecondaryVenue,
			AccountID: c.secondaryAccountID,
			MarketID:  c.pair.SecondaryMarketID,
			PairID:    c.pair.PairID,
			Side:      types.SELL,
			Type:      types.OrderTypeLimit,
			Price:     quote.ExitVWAP,
			Size:      c.size,
		}
		if _, err := c.mgr.PlaceDoubleLimit(ctx, buy, sell); err != nil {
			c.logger.Warn("double-limit entry failed", "error", err)
			return
		}
		c.logger.Info("double-limit entry placed",
			"buy", quote.EntryVWAP, "sell", quote.ExitVWAP, "size", c.size, "spread", quote.NetSpread)
		return
	}

	clientID, _, err := c.mgr.Place(ctx, buy)
	if err != nil {
		c.logger.Warn("entry failed", "error", err)
		return
	}
	c.logger.Info("entry placed",
		"client_id", clientID, "price", quote.EntryVWAP, "size", c.size, "spread", quote.NetSpread)
}

// snapshots returns both books, preferring fresh cached copies (pushed by
// WS readers) and falling back to REST. Fetched books are cached for the
// status surface.
func (c *Controller) snapshots(ctx context.Context) (prim, sec types.OrderbookSnapshot, err error) {
	maxAge := 2 * c.tickInterval

	prim, ok := c.cache.Get(c.pair.PrimaryVenue, c.pair.PrimaryMarketID, maxAge)
	if !ok {
		if prim, err = c.primary.FetchBook(ctx, c.pair.PrimaryMarketID); err != nil {
			return prim, sec, err
		}
		prim.Venue = c.pair.PrimaryVenue
		c.cache.Put(prim)
	}

	sec, ok = c.cache.Get(c.pair.SecondaryVenue, c.pair.SecondaryMarketID, maxAge)
	if !ok {
		if sec, err = c.secondary.FetchBook(ctx, c.pair.SecondaryMarketID); err != nil {
			return prim, sec, err
		}
		sec.Venue = c.pair.SecondaryVenue
		c.cache.Put(sec)
	}
	return prim, sec, nil
}
