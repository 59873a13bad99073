// Package hedge turns canonical primary fills into offsetting IOC legs on
// the secondary venue. Each fill is hedged at most once: the fill key is
// locked until the Trade row, or a terminal incident, has been persisted.
package hedge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"hedgerd/internal/account"
	"hedgerd/internal/config"
	"hedgerd/internal/exchange"
	"hedgerd/internal/market"
	"hedgerd/internal/store"
	"hedgerd/pkg/types"
)

// Placer submits hedge legs. Satisfied by the order manager, which owns
// retries, rate limits, and the order state machine.
type Placer interface {
	Place(ctx context.Context, spec types.OrderSpec) (string, exchange.Ack, error)
}

// BookSource fetches the secondary book for sizing. Satisfied by any
// exchange adapter.
type BookSource interface {
	FetchBook(ctx context.Context, marketID string) (types.OrderbookSnapshot, error)
}

// Notifier receives operator-facing messages after a trade commits. Sends
// must never block hedging; implementations log their own failures.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// PairDisabler stops a pair from entering new positions. Satisfied by the
// risk manager.
type PairDisabler interface {
	DisablePair(pairID, reason string)
}

var shrinkFactor = decimal.RequireFromString("0.9")

// Hedger offsets primary fills on the secondary venue.
type Hedger struct {
	st       *store.Store
	placer   Placer
	pool     *account.Pool
	books    map[string]BookSource // account id -> adapter
	pairs    map[string]types.MarketPair
	notifier Notifier
	disabler PairDisabler
	logger   *slog.Logger

	ratio        decimal.Decimal
	maxSlippage  decimal.Decimal
	lotSteps     map[types.Venue]decimal.Decimal
	makerFees    map[types.Venue]decimal.Decimal
	takerFees    map[types.Venue]decimal.Decimal
	allowPartial bool
	legFractions []decimal.Decimal
	maxRetries   int
	attempts     int

	mu   sync.Mutex
	busy map[string]struct{}
	done map[string]struct{}
}

// New builds a hedger from the loaded config. books is keyed by account id
// and must contain an adapter for every account the pool can select on the
// secondary venue.
func New(
	st *store.Store,
	placer Placer,
	pool *account.Pool,
	books map[string]BookSource,
	pairs map[string]types.MarketPair,
	cfg *config.Config,
	notifier Notifier,
	disabler PairDisabler,
	logger *slog.Logger,
) *Hedger {
	h := &Hedger{
		st:           st,
		placer:       placer,
		pool:         pool,
		books:        books,
		pairs:        pairs,
		notifier:     notifier,
		disabler:     disabler,
		logger:       logger.With("component", "hedger"),
		ratio:        decimal.NewFromFloat(cfg.MarketHedge.HedgeRatio),
		maxSlippage:  decimal.NewFromFloat(cfg.MarketHedge.MaxSlippage),
		lotSteps:     make(map[types.Venue]decimal.Decimal),
		makerFees:    make(map[types.Venue]decimal.Decimal),
		takerFees:    make(map[types.Venue]decimal.Decimal),
		allowPartial: cfg.AllowPartialHedge,
		maxRetries:   cfg.HedgeMaxRetries,
		attempts:     cfg.Orders.MaxAttempts,
		busy:         make(map[string]struct{}),
		done:         make(map[string]struct{}),
	}
	if h.ratio.IsZero() {
		h.ratio = decimal.NewFromInt(1)
	}
	if h.attempts < 1 {
		h.attempts = 1
	}

	for name, vc := range cfg.Venues {
		if vc.LotStep != "" {
			step, err := decimal.NewFromString(vc.LotStep)
			if err != nil {
				logger.Warn("invalid lot_step ignored", "venue", name, "lot_step", vc.LotStep)
				continue
			}
			h.lotSteps[types.Venue(name)] = step
		}
	}
	for name, fc := range cfg.Fees {
		h.makerFees[types.Venue(name)] = decimal.NewFromFloat(fc.Maker)
		h.takerFees[types.Venue(name)] = decimal.NewFromFloat(fc.Taker)
	}
	if cfg.MultiLegEnabled {
		for _, s := range cfg.MultiLegSizes {
			frac, err := decimal.NewFromString(s)
			if err != nil || !frac.IsPositive() {
				logger.Warn("invalid multi_leg_sizes entry ignored", "entry", s)
				continue
			}
			h.legFractions = append(h.legFractions, frac)
		}
	}
	return h
}

// HandleFill hedges one canonical primary fill, retrying transient failures
// with backoff. Duplicate deliveries of the same fill key are no-ops,
// including while a hedge for that key is still running. A fill that still
// cannot be hedged when the retry budget runs out is settled unhedged: a
// CRITICAL incident is recorded and the pair is disabled so the open
// exposure stops growing.
func (h *Hedger) HandleFill(ctx context.Context, fill types.Fill, entry types.Order) error {
	if entry.Role == types.RoleHedge {
		return nil
	}

	key := fill.Key()
	bo := newBackoff()
	var lastErr error
	for attempt := 1; attempt <= h.attempts; attempt++ {
		lastErr = h.hedgeOnce(ctx, fill, entry)
		if lastErr == nil {
			return nil
		}
		if h.settled(key) {
			// Terminal failure; the incident is already on record.
			return lastErr
		}
		if attempt == h.attempts {
			break
		}
		wait := bo.NextBackOff()
		h.logger.Warn("hedge attempt failed, retrying",
			"fill_key", key, "attempt", attempt, "backoff", wait, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	h.settle(key)
	h.incident(ctx, types.IncidentCritical, types.IncidentHedgeUnhedged,
		fmt.Sprintf("hedge for %s abandoned after %d attempts, fill %s left unhedged: %s",
			entry.PairID, h.attempts, key, lastErr), entry.PairID, key)
	if h.disabler != nil {
		h.disabler.DisablePair(entry.PairID, "unhedged fill "+key)
	}
	return lastErr
}

func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 4 * time.Second
	bo.RandomizationFactor = 0.25
	return bo
}

// hedgeOnce runs a single hedge attempt for the fill key.
func (h *Hedger) hedgeOnce(ctx context.Context, fill types.Fill, entry types.Order) error {
	key := fill.Key()
	if !h.acquire(key) {
		h.logger.Debug("fill already hedged or in progress", "fill_key", key)
		return nil
	}
	finished := false
	defer func() { h.release(key, finished) }()

	pair, ok := h.pairs[entry.PairID]
	if !ok {
		finished = true
		return fmt.Errorf("hedge: unknown pair %s", entry.PairID)
	}

	step := h.lotSteps[pair.SecondaryVenue]
	target := floorToStep(fill.Size.Mul(h.ratio), step)
	if !target.IsPositive() {
		h.logger.Info("fill below hedgeable size, skipping",
			"pair", pair.PairID, "fill_size", fill.Size)
		finished = true
		return nil
	}

	_, secondary, err := h.pool.ForPair(pair)
	if err != nil {
		return fmt.Errorf("hedge %s: %w", pair.PairID, err)
	}
	book, ok := h.books[secondary.ID]
	if !ok {
		return fmt.Errorf("hedge %s: no adapter for account %s", pair.PairID, secondary.ID)
	}

	side := entry.Side.Opposite()
	size, capPrice, err := h.sizeLeg(ctx, book, pair, side, target)
	if err != nil {
		return err
	}
	if !size.IsPositive() {
		// Too thin or too slipped with partial hedging disabled, or the
		// book shrank below one lot. Terminal for this fill.
		h.incident(ctx, types.IncidentWarn, types.IncidentHedgeSlipAbort,
			fmt.Sprintf("hedge for %s skipped: depth or slippage cap %s unmet at size %s",
				pair.PairID, h.maxSlippage, target), pair.PairID, key)
		finished = true
		return nil
	}

	executed, notional, hedgeOrderID := h.executeLegs(ctx, fill, pair, secondary, side, size, capPrice, book)
	if !executed.IsPositive() {
		h.incident(ctx, types.IncidentError, types.IncidentHedgeUndersized,
			fmt.Sprintf("hedge for %s executed nothing of %s", pair.PairID, size),
			pair.PairID, key)
		finished = true
		return fmt.Errorf("hedge %s: no execution", pair.PairID)
	}
	if executed.LessThan(size) {
		h.incident(ctx, types.IncidentWarn, types.IncidentHedgeUndersized,
			fmt.Sprintf("hedge for %s executed %s of %s", pair.PairID, executed, size),
			pair.PairID, key)
	}

	hedgeVWAP := notional.Div(executed)
	trade := h.buildTrade(fill, entry, pair, hedgeOrderID, executed, hedgeVWAP)
	delta := positionDelta(entry.Side, fill.Size, executed)
	if err := h.st.SaveTrade(ctx, &trade, delta); err != nil {
		return fmt.Errorf("hedge %s: save trade: %w", pair.PairID, err)
	}
	finished = true

	h.logger.Info("hedge complete",
		"pair", pair.PairID, "size", executed, "vwap", hedgeVWAP,
		"pnl", trade.PnLEstimate, "fill_key", key)
	if h.notifier != nil {
		h.notifier.Notify(ctx, fmt.Sprintf("hedged %s: %s @ %s, est pnl %s",
			pair.PairID, executed, hedgeVWAP.StringFixed(4), trade.PnLEstimate.StringFixed(4)))
	}
	return nil
}

// acquire claims a fill key. Returns false when the key is done or another
// goroutine is hedging it.
func (h *Hedger) acquire(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.done[key]; ok {
		return false
	}
	if _, ok := h.busy[key]; ok {
		return false
	}
	h.busy[key] = struct{}{}
	return true
}

// release frees the key; finished keys move to the done set so retries of a
// persisted hedge stay no-ops. Unfinished keys (transient failures before
// anything was persisted) may be retried by a later delivery.
func (h *Hedger) release(key string, finished bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.busy, key)
	if finished {
		h.done[key] = struct{}{}
	}
}

// settled reports whether a fill key has reached a terminal outcome.
func (h *Hedger) settled(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.done[key]
	return ok
}

// settle forces a key terminal without a Trade row; used when the retry
// budget is spent and the fill stays unhedged.
func (h *Hedger) settle(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done[key] = struct{}{}
}

// sizeLeg walks the secondary book at the target size. A thin ladder shrinks
// the leg to the achievable depth; slippage over the cap shrinks it in 10%
// steps. Either shrink requires partial hedging to be allowed; otherwise the
// full target stands or the leg is zero.
func (h *Hedger) sizeLeg(
	ctx context.Context,
	book BookSource,
	pair types.MarketPair,
	side types.Side,
	target decimal.Decimal,
) (size, capPrice decimal.Decimal, err error) {
	snap, err := book.FetchBook(ctx, pair.SecondaryMarketID)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("hedge %s: fetch book: %w", pair.PairID, err)
	}
	ladder := snap.Asks
	if side == types.SELL {
		ladder = snap.Bids
	}
	if len(ladder) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("hedge %s: %w", pair.PairID, market.ErrNoQuote)
	}
	top := ladder[0].Price

	step := h.lotSteps[pair.SecondaryVenue]
	size = target
	for size.IsPositive() {
		vwap, achieved, verr := market.ExecutableVWAP(ladder, size)
		if verr != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("hedge %s: %w", pair.PairID, verr)
		}
		if achieved.LessThan(size) {
			if !h.allowPartial {
				return decimal.Zero, decimal.Zero, nil
			}
			size = floorToStep(achieved, step)
			continue
		}
		if market.Slippage(vwap, top).LessThanOrEqual(h.maxSlippage) {
			return size, h.worstPrice(top, side), nil
		}
		if !h.allowPartial {
			return decimal.Zero, decimal.Zero, nil
		}
		shrunk := floorToStep(size.Mul(shrinkFactor), step)
		if shrunk.GreaterThanOrEqual(size) {
			shrunk = size.Sub(step)
		}
		size = shrunk
	}
	return decimal.Zero, decimal.Zero, nil
}

// worstPrice is the IOC limit cap: the top of book padded by the slippage
// allowance in the adverse direction.
func (h *Hedger) worstPrice(top decimal.Decimal, side types.Side) decimal.Decimal {
	pad := top.Mul(h.maxSlippage)
	if side == types.BUY {
		return top.Add(pad)
	}
	return top.Sub(pad)
}

// executeLegs places the hedge as one or more IOC legs and retries any
// shortfall up to the configured attempts, re-reading the book between
// retries. Returns executed size, executed notional, and the client id of
// the first leg that filled anything.
func (h *Hedger) executeLegs(
	ctx context.Context,
	fill types.Fill,
	pair types.MarketPair,
	acct types.Account,
	side types.Side,
	size, capPrice decimal.Decimal,
	book BookSource,
) (executed, notional decimal.Decimal, hedgeOrderID string) {
	place := func(legSize, cap decimal.Decimal) {
		clientID, ack, err := h.placer.Place(ctx, types.OrderSpec{
			Venue:        pair.SecondaryVenue,
			AccountID:    acct.ID,
			MarketID:     pair.SecondaryMarketID,
			PairID:       pair.PairID,
			Side:         side,
			Type:         types.OrderTypeIOC,
			Price:        cap,
			Size:         legSize,
			Role:         types.RoleHedge,
			ParentFillID: fill.FillID,
		})
		if err != nil {
			h.logger.Warn("hedge leg failed",
				"pair", pair.PairID, "size", legSize, "error", err)
			return
		}
		if ack.FilledSize.IsPositive() {
			executed = executed.Add(ack.FilledSize)
			notional = notional.Add(ack.FilledSize.Mul(ack.AvgPrice))
			if hedgeOrderID == "" {
				hedgeOrderID = clientID
			}
		}
	}

	for _, leg := range h.splitLegs(size, pair.SecondaryVenue) {
		place(leg, capPrice)
	}

	step := h.lotSteps[pair.SecondaryVenue]
	for attempt := 0; attempt < h.maxRetries; attempt++ {
		remainder := floorToStep(size.Sub(executed), step)
		if !remainder.IsPositive() {
			break
		}
		snap, err := book.FetchBook(ctx, pair.SecondaryMarketID)
		if err != nil {
			h.logger.Warn("hedge retry book fetch failed", "pair", pair.PairID, "error", err)
			continue
		}
		ladder := snap.Asks
		if side == types.SELL {
			ladder = snap.Bids
		}
		if len(ladder) == 0 {
			continue
		}
		place(remainder, h.worstPrice(ladder[0].Price, side))
	}
	return executed, notional, hedgeOrderID
}

// splitLegs applies the configured multi-leg fractions, flooring each leg
// to the lot step; the final leg absorbs the rounding remainder. A single
// leg is returned when multi-leg is off or nothing parses.
func (h *Hedger) splitLegs(size decimal.Decimal, venue types.Venue) []decimal.Decimal {
	if len(h.legFractions) == 0 {
		return []decimal.Decimal{size}
	}
	step := h.lotSteps[venue]
	var legs []decimal.Decimal
	assigned := decimal.Zero
	for _, frac := range h.legFractions {
		leg := floorToStep(size.Mul(frac), step)
		if !leg.IsPositive() {
			continue
		}
		if assigned.Add(leg).GreaterThan(size) {
			leg = size.Sub(assigned)
		}
		if leg.IsPositive() {
			legs = append(legs, leg)
			assigned = assigned.Add(leg)
		}
	}
	if rem := size.Sub(assigned); rem.IsPositive() {
		if len(legs) == 0 {
			return []decimal.Decimal{size}
		}
		legs[len(legs)-1] = legs[len(legs)-1].Add(rem)
	}
	return legs
}

// buildTrade prices the completed pairing. The fill price is the reference;
// pnl is the hedge-vs-reference edge on the hedged size, net of both venue
// fees (maker on the resting entry, taker on the crossing hedge).
func (h *Hedger) buildTrade(
	fill types.Fill,
	entry types.Order,
	pair types.MarketPair,
	hedgeOrderID string,
	executed, hedgeVWAP decimal.Decimal,
) types.Trade {
	fees := fill.Price.Mul(executed).Mul(h.makerFees[pair.PrimaryVenue]).
		Add(hedgeVWAP.Mul(executed).Mul(h.takerFees[pair.SecondaryVenue]))

	gross := hedgeVWAP.Sub(fill.Price).Mul(executed)
	if entry.Side == types.SELL {
		gross = gross.Neg()
	}

	return types.Trade{
		EntryOrderID: entry.ClientOrderID,
		HedgeOrderID: hedgeOrderID,
		PairID:       pair.PairID,
		EntryVenue:   pair.PrimaryVenue,
		HedgeVenue:   pair.SecondaryVenue,
		Size:         executed,
		EntryPrice:   fill.Price,
		HedgePrice:   hedgeVWAP,
		Fees:         fees,
		PnLEstimate:  gross.Sub(fees),
		Ts:           fill.Ts,
	}
}

// positionDelta is the pair's net exposure change: the entry fill signed by
// side, less the portion the hedge offset.
func positionDelta(entrySide types.Side, fillSize, hedged decimal.Decimal) decimal.Decimal {
	unhedged := fillSize.Sub(hedged)
	if entrySide == types.SELL {
		return unhedged.Neg()
	}
	return unhedged
}

func (h *Hedger) incident(ctx context.Context, level types.IncidentLevel, code, msg, pairID, fillKey string) {
	h.logger.Warn(msg, "code", code)
	if err := h.st.RecordIncident(ctx, types.Incident{
		Level:   level,
		Code:    code,
		Message: msg,
		Details: map[string]any{"pair_id": pairID, "fill_key": fillKey},
	}); err != nil {
		h.logger.Error("record incident", "error", err)
	}
}

func floorToStep(size, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return size
	}
	return size.Div(step).Floor().Mul(step)
}
