// Package engine builds and supervises the hedging system: one adapter per
// account, one reconciler per (venue, account), one controller per enabled
// pair, the hedger sink between them, and the event hub feeding the API
// stream and the notifier.
//
// Lifecycle: New() -> Start(ctx) -> [runs until signal] -> Stop().
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hedgerd/internal/account"
	"hedgerd/internal/config"
	"hedgerd/internal/exchange"
	"hedgerd/internal/exchange/opinion"
	"hedgerd/internal/exchange/polymarket"
	"hedgerd/internal/hedge"
	"hedgerd/internal/market"
	"hedgerd/internal/notify"
	"hedgerd/internal/order"
	"hedgerd/internal/reconcile"
	"hedgerd/internal/risk"
	"hedgerd/internal/sim"
	"hedgerd/internal/store"
	"hedgerd/internal/strategy"
	"hedgerd/pkg/types"
)

const stopDeadline = 15 * time.Second

// Engine owns every long-running component and their shared state.
type Engine struct {
	cfg    *config.Config
	st     *store.Store
	logger *slog.Logger

	pool      *account.Pool
	riskMgr   *risk.Manager
	cache     *market.Cache
	mgr       *order.Manager
	hedger    *hedge.Hedger
	notifier  *notify.Telegram
	hub       *Hub
	positions *strategy.Positions

	pairs       []types.MarketPair
	adapters    map[string]exchange.Adapter // account id -> adapter
	reconcilers map[string]*reconcile.Reconciler
	controllers []*strategy.Controller
	health      *sim.Healthcheck
	simulator   *sim.Simulator

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New wires all components without starting anything.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger) (*Engine, error) {
	pool, err := account.NewPool(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	pairs := resolvePairs(cfg)
	if len(pairs) == 0 {
		return nil, fmt.Errorf("engine: no enabled pairs")
	}

	adapters, err := buildAdapters(cfg, pool, pairs, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	riskMgr := risk.NewManager(cfg.MarketHedge, logger)
	mgr := order.NewManager(st, riskMgr, pool, adapters, cfg, logger)
	notifier := notify.New(cfg.Telegram, logger)
	hub := NewHub(logger)
	positions := strategy.NewPositions()

	pairsByID := make(map[string]types.MarketPair, len(pairs))
	for _, p := range pairs {
		pairsByID[p.PairID] = p
	}
	books := make(map[string]hedge.BookSource, len(adapters))
	for id, a := range adapters {
		books[id] = a
	}
	hedger := hedge.New(st, mgr, pool, books, pairsByID, cfg, notifier, riskMgr, logger)

	e := &Engine{
		cfg:         cfg,
		st:          st,
		logger:      logger.With("component", "engine"),
		pool:        pool,
		riskMgr:     riskMgr,
		cache:       market.NewCache(),
		mgr:         mgr,
		hedger:      hedger,
		notifier:    notifier,
		hub:         hub,
		positions:   positions,
		pairs:       pairs,
		adapters:    adapters,
		reconcilers: make(map[string]*reconcile.Reconciler),
	}

	for id, adapter := range adapters {
		conn := cfg.VenueConnectivity(string(adapter.Name()))
		e.reconcilers[id] = reconcile.New(st, adapter, id, mgr, e.onFill,
			conn, cfg.Reconciler, logger)
	}

	var pairBooks []sim.PairBooks
	for _, pair := range pairs {
		prim, sec, err := pool.ForPair(pair)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		primAdapter, secAdapter := adapters[prim.ID], adapters[sec.ID]
		e.controllers = append(e.controllers, strategy.NewController(
			pair, mgr, riskMgr, e.cache, primAdapter, secAdapter, prim.ID, sec.ID, cfg, logger))
		pairBooks = append(pairBooks, sim.PairBooks{
			Pair: pair, Primary: primAdapter, Secondary: secAdapter,
		})
	}
	e.health = sim.NewHealthcheck(pairBooks, cfg, logger)
	e.simulator = sim.NewSimulator(st, pairBooks, cfg, logger)

	return e, nil
}

// resolvePairs maps the configured pairs onto the venue routing.
func resolvePairs(cfg *config.Config) []types.MarketPair {
	var out []types.MarketPair
	for _, pc := range cfg.EnabledPairs() {
		out = append(out, types.MarketPair{
			PairID:             pc.PairID,
			PrimaryVenue:       types.Venue(cfg.Exchanges.Primary),
			SecondaryVenue:     types.Venue(cfg.Exchanges.Secondary),
			PrimaryMarketID:    pc.PrimaryMarketID,
			SecondaryMarketID:  pc.SecondaryMarketID,
			PrimaryAccountID:   pc.PrimaryAccountID,
			SecondaryAccountID: pc.SecondaryAccountID,
			Enabled:            true,
		})
	}
	return out
}

// buildAdapters constructs one authenticated adapter per configured account,
// wrapped for dry-run when configured.
func buildAdapters(
	cfg *config.Config,
	pool *account.Pool,
	pairs []types.MarketPair,
	logger *slog.Logger,
) (map[string]exchange.Adapter, error) {
	marketsByVenue := make(map[types.Venue][]string)
	for _, p := range pairs {
		marketsByVenue[p.PrimaryVenue] = append(marketsByVenue[p.PrimaryVenue], p.PrimaryMarketID)
		marketsByVenue[p.SecondaryVenue] = append(marketsByVenue[p.SecondaryVenue], p.SecondaryMarketID)
	}

	adapters := make(map[string]exchange.Adapter, len(cfg.Accounts))
	for _, ac := range cfg.Accounts {
		acct, err := pool.ByID(ac.ID)
		if err != nil {
			return nil, err
		}
		vc := cfg.Venues[ac.Venue]

		var adapter exchange.Adapter
		switch types.Venue(ac.Venue) {
		case polymarket.VenueName:
			adapter, err = polymarket.New(acct, vc, marketsByVenue[polymarket.VenueName], logger)
			if err != nil {
				return nil, fmt.Errorf("account %s: %w", ac.ID, err)
			}
		case opinion.VenueName:
			adapter = opinion.New(acct, vc, logger)
		default:
			return nil, fmt.Errorf("account %s: unknown venue %q", ac.ID, ac.Venue)
		}

		if cfg.DryRun {
			adapter = exchange.NewDryRun(adapter, logger)
		}
		adapters[ac.ID] = adapter
	}
	return adapters, nil
}

// Start restores order state, seeds the reconcilers, and launches every
// long-running goroutine. Blocks only for the startup work.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.startedAt = time.Now()

	for id, adapter := range e.adapters {
		if pm, ok := adapter.(*polymarket.Client); ok {
			if err := pm.EnsureCredentials(runCtx); err != nil {
				return fmt.Errorf("engine: credentials for %s: %w", id, err)
			}
		}
	}

	if err := e.mgr.Restore(runCtx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	for _, pair := range e.pairs {
		net, err := e.st.NetPosition(runCtx, pair.PairID)
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		e.positions.Seed(pair.PairID, net)
	}

	for id, rec := range e.reconcilers {
		if err := rec.Seed(runCtx); err != nil {
			return fmt.Errorf("engine: seed reconciler %s: %w", id, err)
		}
		r := rec
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			r.Run(runCtx)
		}()
	}

	for _, c := range e.controllers {
		ctrl := c
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctrl.Run(runCtx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runTimeoutSweep(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.notifier.RunHeartbeat(runCtx)
	}()

	e.logger.Info("engine started",
		"pairs", len(e.pairs), "accounts", len(e.adapters), "dry_run", e.cfg.DryRun)
	return nil
}

// onFill is the reconciler sink: the order manager folds the fill into its
// state machine, the position tracker and event hub observe it, and primary
// fills trigger the hedger.
func (e *Engine) onFill(ctx context.Context, fill types.Fill) {
	ord, err := e.mgr.OnFill(ctx, fill)
	if err != nil {
		e.logger.Warn("fill not applied", "fill_key", fill.Key(), "error", err)
		return
	}

	e.positions.Apply(ord.PairID, fill.Side, fill.Size, fill.Price)
	e.hub.Publish(Event{Type: EventFill, PairID: ord.PairID, Data: fill})

	switch ord.Role {
	case types.RolePrimary, types.RoleDoubleA, types.RoleDoubleB:
		if err := e.hedger.HandleFill(ctx, fill, ord); err != nil {
			e.logger.Error("hedge failed", "fill_key", fill.Key(), "error", err)
			e.hub.Publish(Event{Type: EventIncident, PairID: ord.PairID,
				Data: map[string]string{"error": err.Error()}})
			return
		}
		e.hub.Publish(Event{Type: EventTrade, PairID: ord.PairID,
			Data: map[string]string{"entry_order": ord.ClientOrderID}})
	}
}

// runTimeoutSweep ages out resting primaries past max_order_age. The pair
// controllers handle this too on their ticks; the sweep covers orders whose
// controller is wedged or whose pair got disabled.
func (e *Engine) runTimeoutSweep(ctx context.Context) {
	maxAge := e.cfg.MarketHedge.MaxOrderAge
	if maxAge <= 0 {
		return
	}

	ticker := time.NewTicker(maxAge / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mgr.TimeoutSweep(ctx, maxAge)
		}
	}
}

// Stop cancels everything and waits up to the deadline. Placements still
// unconfirmed at shutdown are recorded as incidents for operator follow-up.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopDeadline):
		e.logger.Error("shutdown deadline exceeded, abandoning goroutines")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, clientID := range e.mgr.Inflight() {
		e.logger.Warn("placement unconfirmed at shutdown", "client_id", clientID)
		if err := e.st.RecordIncident(ctx, types.Incident{
			Level:   types.IncidentWarn,
			Code:    types.IncidentShutdownInflight,
			Message: "placement in flight at shutdown: " + clientID,
			Details: map[string]any{"client_order_id": clientID},
		}); err != nil {
			e.logger.Error("record incident", "error", err)
		}
	}

	e.logger.Info("shutdown complete")
}

// Accessors for the API layer.

// Hub returns the engine's event hub.
func (e *Engine) Hub() *Hub { return e.hub }

// Healthcheck returns the pair connectivity checker.
func (e *Engine) Healthcheck() *sim.Healthcheck { return e.health }

// Simulator returns the dry evaluation service.
func (e *Engine) Simulator() *sim.Simulator { return e.simulator }

// Positions returns the live position tracker.
func (e *Engine) Positions() *strategy.Positions { return e.positions }

// Risk returns the shared risk manager.
func (e *Engine) Risk() *risk.Manager { return e.riskMgr }

// Orders returns the order manager.
func (e *Engine) Orders() *order.Manager { return e.mgr }

// Pairs returns the resolved market pairs.
func (e *Engine) Pairs() []types.MarketPair { return e.pairs }

// Uptime reports time since Start.
func (e *Engine) Uptime() time.Duration {
	if e.startedAt.IsZero() {
		return 0
	}
	return time.Since(e.startedAt)
}

// ReconcilerCounters snapshots every reconciler's counters keyed by
// "venue/account".
func (e *Engine) ReconcilerCounters() map[string]reconcile.Counters {
	out := make(map[string]reconcile.Counters, len(e.reconcilers))
	for id, rec := range e.reconcilers {
		out[string(e.adapters[id].Name())+"/"+id] = rec.Snapshot()
	}
	return out
}
