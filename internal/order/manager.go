package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"hedgerd/internal/account"
	"hedgerd/internal/config"
	"hedgerd/internal/exchange"
	"hedgerd/internal/risk"
	"hedgerd/internal/store"
	"hedgerd/pkg/types"
)

// ErrUnknownOrder is returned for operations on a client order id the
// manager has never seen.
var ErrUnknownOrder = errors.New("order: unknown client order id")

// Manager drives orders through their lifecycle: id generation, risk
// gating, venue placement with retry, cancellation, double-limit coupling,
// and fill routing into the state machine.
type Manager struct {
	store    *store.Store
	risk     *risk.Manager
	pool     *account.Pool
	adapters map[string]exchange.Adapter // account id -> adapter
	cfg      config.OrdersConfig
	doubleOn bool
	dryRun   bool
	logger   *slog.Logger

	mu        sync.Mutex
	orders    map[string]*types.Order // client order id -> order
	byVenueID map[string]string       // "venue:venue_order_id" -> client order id
	locks     map[string]*sync.Mutex  // per-order serialization
}

// NewManager builds an order manager over the given per-account adapters.
func NewManager(
	st *store.Store,
	rm *risk.Manager,
	pool *account.Pool,
	adapters map[string]exchange.Adapter,
	cfg *config.Config,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		store:     st,
		risk:      rm,
		pool:      pool,
		adapters:  adapters,
		cfg:       cfg.Orders,
		doubleOn:  cfg.DoubleLimitEnabled,
		dryRun:    cfg.DryRun,
		logger:    logger.With("component", "order_manager"),
		orders:    make(map[string]*types.Order),
		byVenueID: make(map[string]string),
		locks:     make(map[string]*sync.Mutex),
	}
}

// NewClientOrderID builds a process-unique client order id:
// {pair}-{role}-{unix_ms}-{uuid8}.
func NewClientOrderID(pairID string, role types.OrderRole) string {
	return fmt.Sprintf("%s-%s-%d-%s", pairID, role, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Restore loads non-terminal orders from the store into the in-memory index
// and reconciles each against its replayed event log. Call once at startup
// before any fill source runs.
func (m *Manager) Restore(ctx context.Context) error {
	open, err := m.store.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range open {
		events, err := m.store.OrderEvents(ctx, o.ClientOrderID)
		if err != nil {
			return fmt.Errorf("restore %s: %w", o.ClientOrderID, err)
		}
		replayed := *o
		if err := Replay(&replayed, events); err != nil {
			m.logger.Error("event log replay failed, keeping stored row",
				"client_id", o.ClientOrderID, "error", err)
		} else if replayed.Status != o.Status || !replayed.FilledSize.Equal(o.FilledSize) {
			m.logger.Warn("order row diverged from event log, trusting log",
				"client_id", o.ClientOrderID,
				"row_status", o.Status, "log_status", replayed.Status)
			o.Status = replayed.Status
			o.FilledSize = replayed.FilledSize
			if replayed.VenueOrderID != "" {
				o.VenueOrderID = replayed.VenueOrderID
			}
			if err := m.store.UpsertOrder(ctx, o); err != nil {
				return fmt.Errorf("restore upsert %s: %w", o.ClientOrderID, err)
			}
		}

		m.indexLocked(o)
	}

	m.logger.Info("orders restored", "count", len(open))
	return nil
}

func (m *Manager) indexLocked(o *types.Order) {
	m.orders[o.ClientOrderID] = o
	m.locks[o.ClientOrderID] = &sync.Mutex{}
	if o.VenueOrderID != "" {
		m.byVenueID[venueKey(o.Venue, o.VenueOrderID)] = o.ClientOrderID
	}
}

func venueKey(venue types.Venue, venueOrderID string) string {
	return string(venue) + ":" + venueOrderID
}

// lockOrder returns the order and its held mutex. Caller must Unlock.
func (m *Manager) lockOrder(clientID string) (*types.Order, *sync.Mutex, error) {
	m.mu.Lock()
	o, ok := m.orders[clientID]
	lk := m.locks[clientID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownOrder, clientID)
	}
	lk.Lock()
	return o, lk, nil
}

// Order returns a copy of the tracked order.
func (m *Manager) Order(clientID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[clientID]; ok {
		return *o, true
	}
	return types.Order{}, false
}

// Resolve maps a venue order id back to the client order id.
func (m *Manager) Resolve(venue types.Venue, venueOrderID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byVenueID[venueKey(venue, venueOrderID)]
	return id, ok
}

// apply persists the event row, then mutates the order and upserts it.
// Illegal events record an incident and leave the order untouched; late
// events against terminal orders are absorbed silently.
func (m *Manager) apply(ctx context.Context, o *types.Order, ev Event) error {
	next, outcome := Transition(o, ev)
	switch outcome {
	case Absorb:
		m.logger.Debug("late event absorbed",
			"client_id", o.ClientOrderID, "event", ev.Type, "status", o.Status)
		return nil
	case Illegal:
		m.logger.Error("illegal order transition",
			"client_id", o.ClientOrderID, "event", ev.Type, "status", o.Status)
		if err := m.store.RecordIncident(ctx, types.Incident{
			Level:   types.IncidentError,
			Code:    types.IncidentIllegalTransition,
			Message: fmt.Sprintf("event %s not legal in state %s", ev.Type, o.Status),
			Details: map[string]any{"client_order_id": o.ClientOrderID},
		}); err != nil {
			m.logger.Error("record incident", "error", err)
		}
		return fmt.Errorf("order %s: event %s illegal in %s", o.ClientOrderID, ev.Type, o.Status)
	}

	if err := m.store.AppendOrderEvent(ctx, o.ClientOrderID, string(ev.Type), ev.Payload()); err != nil {
		return fmt.Errorf("persist event %s: %w", ev.Type, err)
	}

	mutate(o, ev, next)

	if ev.Type == EvPlaceAcked && ev.VenueOrderID != "" {
		m.mu.Lock()
		m.byVenueID[venueKey(o.Venue, ev.VenueOrderID)] = o.ClientOrderID
		m.mu.Unlock()
	}

	if err := m.store.UpsertOrder(ctx, o); err != nil {
		return fmt.Errorf("persist order: %w", err)
	}
	return nil
}

// newBackoff returns the retry policy for venue calls: base 250ms, cap 4s,
// +-25% jitter.
func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 4 * time.Second
	bo.RandomizationFactor = 0.25
	return bo
}

// Place creates, gates, and submits one order. The returned ack carries the
// immediately executed portion for IOC/market requests; resting limit acks
// report zero. Fills are accounted only through OnFill, never from acks.
func (m *Manager) Place(ctx context.Context, spec types.OrderSpec) (string, exchange.Ack, error) {
	return m.placeLeg(ctx, spec, NewClientOrderID(spec.PairID, spec.Role))
}

func (m *Manager) placeWithRetry(ctx context.Context, adapter exchange.Adapter, o *types.Order) (exchange.Ack, error) {
	if limits := m.pool.Limits(o.AccountID); limits != nil {
		if err := limits.Order.Wait(ctx); err != nil {
			return exchange.Ack{}, err
		}
	}

	bo := newBackoff()
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.PlaceTimeout)
		ack, err := adapter.Place(callCtx, exchange.PlaceRequest{
			ClientOrderID: o.ClientOrderID,
			MarketID:      o.MarketID,
			Side:          o.Side,
			Type:          o.Type,
			Price:         o.Price,
			Size:          o.RequestedSize,
		})
		cancel()
		if err == nil {
			return ack, nil
		}
		if !exchange.IsTransient(err) {
			return exchange.Ack{}, err
		}

		lastErr = err
		wait := bo.NextBackOff()
		m.logger.Warn("place retry",
			"client_id", o.ClientOrderID, "attempt", attempt, "backoff", wait, "error", err)
		select {
		case <-ctx.Done():
			return exchange.Ack{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return exchange.Ack{}, fmt.Errorf("place %s: attempts exhausted: %w", o.ClientOrderID, lastErr)
}

// Cancel requests cancellation of a tracked order. Terminal orders are a
// no-op. Exhausted transient retries move the order to ERRORED and record
// CANCEL_STUCK.
func (m *Manager) Cancel(ctx context.Context, clientID string) error {
	o, lk, err := m.lockOrder(clientID)
	if err != nil {
		return err
	}
	defer lk.Unlock()

	return m.cancelLocked(ctx, o, EvCancelRequested)
}

// cancelLocked runs the cancel protocol with the order lock held. trigger
// is CANCEL_REQUESTED or TIMEOUT_ELAPSED.
func (m *Manager) cancelLocked(ctx context.Context, o *types.Order, trigger EventType) error {
	if o.Status.Terminal() {
		return nil
	}
	if o.Status == types.StatusCancelling {
		return nil
	}

	if err := m.apply(ctx, o, Event{Type: trigger}); err != nil {
		return err
	}

	adapter, ok := m.adapters[o.AccountID]
	if !ok {
		return fmt.Errorf("order: no adapter for account %s", o.AccountID)
	}
	if limits := m.pool.Limits(o.AccountID); limits != nil {
		if err := limits.Cancel.Wait(ctx); err != nil {
			return err
		}
	}

	bo := newBackoff()
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CancelTimeout)
		err := adapter.Cancel(callCtx, o.VenueOrderID)
		cancel()
		if err == nil {
			if aerr := m.apply(ctx, o, Event{Type: EvCancelAcked}); aerr != nil {
				return aerr
			}
			m.risk.OrderClosed(o.PairID, o.RemainingSize().Mul(o.Price))
			return nil
		}
		if errors.Is(err, exchange.ErrRejected) {
			// lost the race against a fill; fall back to LIVE/PARTIAL and
			// let the fill stream finish the order
			return m.apply(ctx, o, Event{Type: EvCancelRejected, Reason: err.Error()})
		}
		if !exchange.IsTransient(err) {
			return m.apply(ctx, o, Event{Type: EvCancelRejected, Reason: err.Error()})
		}

		lastErr = err
		wait := bo.NextBackOff()
		m.logger.Warn("cancel retry",
			"client_id", o.ClientOrderID, "attempt", attempt, "backoff", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	if err := m.store.RecordIncident(ctx, types.Incident{
		Level:   types.IncidentError,
		Code:    types.IncidentCancelStuck,
		Message: "cancel retries exhausted",
		Details: map[string]any{
			"client_order_id": o.ClientOrderID,
			"venue":           string(o.Venue),
			"error":           lastErr.Error(),
		},
	}); err != nil {
		m.logger.Error("record incident", "error", err)
	}
	if aerr := m.apply(ctx, o, Event{Type: EvErrorObserved, Reason: lastErr.Error()}); aerr != nil {
		return aerr
	}
	return fmt.Errorf("cancel %s: attempts exhausted: %w", o.ClientOrderID, lastErr)
}

// PlaceDoubleLimit arms a coupled pair of resting orders. The ARMED row with
// both client ids is persisted before either placement so recovery can see
// the coupling. When double-limit mode is disabled only leg A is placed.
func (m *Manager) PlaceDoubleLimit(ctx context.Context, specA, specB types.OrderSpec) (string, error) {
	if !m.doubleOn {
		clientA, _, err := m.Place(ctx, specA)
		if err != nil {
			return "", err
		}
		return clientA, nil
	}

	specA.Role = types.RoleDoubleA
	specB.Role = types.RoleDoubleB

	now := time.Now().UTC()
	dl := &types.DoubleLimit{
		ID:        uuid.NewString(),
		PairKey:   specA.PairID,
		OrderARef: NewClientOrderID(specA.PairID, specA.Role),
		OrderBRef: NewClientOrderID(specB.PairID, specB.Role),
		VenueA:    specA.Venue,
		VenueB:    specB.Venue,
		State:     types.DoubleArmed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveDoubleLimit(ctx, dl); err != nil {
		return "", fmt.Errorf("arm double limit: %w", err)
	}

	clientA, _, err := m.placeLeg(ctx, specA, dl.OrderARef)
	if err != nil {
		if uerr := m.store.UpdateDoubleLimitState(ctx, dl.ID, types.DoubleFailed, "", ""); uerr != nil {
			m.logger.Error("mark double limit failed", "error", uerr)
		}
		return "", fmt.Errorf("double limit leg A: %w", err)
	}

	_, _, err = m.placeLeg(ctx, specB, dl.OrderBRef)
	if err != nil {
		m.logger.Warn("leg B placement failed, cancelling leg A",
			"double_limit", dl.ID, "error", err)
		if cerr := m.Cancel(ctx, clientA); cerr != nil {
			m.logger.Error("cancel leg A after B failure", "error", cerr)
		}
		if uerr := m.store.UpdateDoubleLimitState(ctx, dl.ID, types.DoubleFailed, "", ""); uerr != nil {
			m.logger.Error("mark double limit failed", "error", uerr)
		}
		return "", fmt.Errorf("double limit leg B: %w", err)
	}

	m.logger.Info("double limit armed",
		"double_limit", dl.ID, "leg_a", dl.OrderARef, "leg_b", dl.OrderBRef)
	return dl.ID, nil
}

// placeLeg is Place with a caller-chosen client order id, used by the
// double-limit protocol where both ids must exist before either placement.
func (m *Manager) placeLeg(ctx context.Context, spec types.OrderSpec, clientID string) (string, exchange.Ack, error) {
	adapter, ok := m.adapters[spec.AccountID]
	if !ok {
		return "", exchange.Ack{}, fmt.Errorf("order: no adapter for account %s", spec.AccountID)
	}

	now := time.Now().UTC()
	o := &types.Order{
		ClientOrderID: clientID,
		Venue:         spec.Venue,
		AccountID:     spec.AccountID,
		MarketID:      spec.MarketID,
		PairID:        spec.PairID,
		Side:          spec.Side,
		Type:          spec.Type,
		Role:          spec.Role,
		Price:         spec.Price,
		RequestedSize: spec.Size,
		FilledSize:    decimal.Zero,
		Status:        types.StatusNew,
		ParentFillID:  spec.ParentFillID,
		Synthetic:     m.dryRun,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// NEW row hits the store before any network call so a crash between
	// placement and ack is recoverable.
	if err := m.store.UpsertOrder(ctx, o); err != nil {
		return "", exchange.Ack{}, fmt.Errorf("persist new order: %w", err)
	}
	m.mu.Lock()
	m.indexLocked(o)
	lk := m.locks[o.ClientOrderID]
	m.mu.Unlock()

	lk.Lock()
	defer lk.Unlock()

	if err := m.risk.Evaluate(risk.Proposal{
		PairID:    spec.PairID,
		AccountID: spec.AccountID,
		Venue:     spec.Venue,
		Side:      spec.Side,
		Price:     spec.Price,
		Size:      spec.Size,
	}); err != nil {
		if aerr := m.apply(ctx, o, Event{Type: EvPlaceRejected, Reason: err.Error()}); aerr != nil {
			m.logger.Error("reject after risk deny", "error", aerr)
		}
		return o.ClientOrderID, exchange.Ack{}, err
	}
	if err := m.apply(ctx, o, Event{Type: EvPlaceSubmitted}); err != nil {
		return o.ClientOrderID, exchange.Ack{}, err
	}

	ack, err := m.placeWithRetry(ctx, adapter, o)
	if err != nil {
		ev := Event{Type: EvPlaceRejected, Reason: err.Error()}
		if exchange.IsTransient(err) {
			ev = Event{Type: EvErrorObserved, Reason: err.Error()}
		}
		if aerr := m.apply(ctx, o, ev); aerr != nil {
			m.logger.Error("apply placement failure", "error", aerr)
		}
		return o.ClientOrderID, exchange.Ack{}, err
	}
	if err := m.apply(ctx, o, Event{Type: EvPlaceAcked, VenueOrderID: ack.VenueOrderID}); err != nil {
		return o.ClientOrderID, ack, err
	}
	m.risk.OrderOpened(spec.PairID, spec.Size.Mul(spec.Price))
	return o.ClientOrderID, ack, nil
}

// OnFill routes a canonical fill into the state machine and runs the
// double-limit sibling protocol. It returns the updated order so the caller
// can dispatch hedging; the sibling cancel is issued before this returns,
// keeping the double-exposure window minimal.
func (m *Manager) OnFill(ctx context.Context, fill types.Fill) (types.Order, error) {
	clientID := fill.ClientOrderID
	if clientID == "" {
		var ok bool
		clientID, ok = m.Resolve(fill.Venue, fill.VenueOrderID)
		if !ok {
			m.logger.Warn("fill for unknown order dropped",
				"venue", fill.Venue, "venue_order_id", fill.VenueOrderID, "fill_id", fill.FillID)
			return types.Order{}, fmt.Errorf("%w: venue order %s", ErrUnknownOrder, fill.VenueOrderID)
		}
	}

	o, lk, err := m.lockOrder(clientID)
	if err != nil {
		return types.Order{}, err
	}

	wasOpen := !o.Status.Terminal()
	err = m.apply(ctx, o, Event{
		Type:      EvFillReceived,
		FillID:    fill.FillID,
		FillSize:  fill.Size,
		FillPrice: fill.Price,
	})
	updated := *o
	lk.Unlock()
	if err != nil {
		return updated, err
	}

	if wasOpen && updated.Status == types.StatusFilled {
		m.risk.OrderClosed(updated.PairID, updated.RequestedSize.Mul(updated.Price))
	}

	if updated.Role == types.RoleDoubleA || updated.Role == types.RoleDoubleB {
		if err := m.resolveDoubleLimit(ctx, updated.ClientOrderID); err != nil {
			m.logger.Error("double limit resolution", "client_id", updated.ClientOrderID, "error", err)
		}
	}
	return updated, nil
}

// resolveDoubleLimit cancels the sibling of a triggered double-limit leg.
// State walks ARMED -> TRIGGERED -> CANCELLING -> RESOLVED; any cancel
// failure parks the row at FAILED.
func (m *Manager) resolveDoubleLimit(ctx context.Context, triggeredID string) error {
	dl, err := m.store.DoubleLimitByOrderRef(ctx, triggeredID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if dl.State != types.DoubleArmed {
		return nil
	}

	sibling := dl.SiblingOf(triggeredID)
	if err := m.store.UpdateDoubleLimitState(ctx, dl.ID, types.DoubleTriggered, triggeredID, ""); err != nil {
		return err
	}
	if err := m.store.UpdateDoubleLimitState(ctx, dl.ID, types.DoubleCancelling, "", ""); err != nil {
		return err
	}

	if err := m.Cancel(ctx, sibling); err != nil {
		if uerr := m.store.UpdateDoubleLimitState(ctx, dl.ID, types.DoubleFailed, "", ""); uerr != nil {
			m.logger.Error("mark double limit failed", "error", uerr)
		}
		return fmt.Errorf("cancel sibling %s: %w", sibling, err)
	}

	if err := m.store.UpdateDoubleLimitState(ctx, dl.ID, types.DoubleResolved, "", sibling); err != nil {
		return err
	}
	m.logger.Info("double limit resolved",
		"double_limit", dl.ID, "triggered", triggeredID, "cancelled", sibling)
	return nil
}

// TimeoutSweep cancels tracked orders older than maxAge. Only resting
// primary-side roles are swept; hedge legs are IOC and die on their own.
func (m *Manager) TimeoutSweep(ctx context.Context, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}

	m.mu.Lock()
	var stale []string
	cutoff := time.Now().Add(-maxAge)
	for id, o := range m.orders {
		if o.Role == types.RoleHedge || o.Status.Terminal() {
			continue
		}
		if (o.Status == types.StatusLive || o.Status == types.StatusPartial) && o.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		o, lk, err := m.lockOrder(id)
		if err != nil {
			continue
		}
		m.logger.Info("order timed out", "client_id", id, "age", time.Since(o.CreatedAt))
		if err := m.cancelLocked(ctx, o, EvTimeoutElapsed); err != nil {
			m.logger.Error("timeout cancel", "client_id", id, "error", err)
		}
		lk.Unlock()
	}
}

// OpenPrimary reports whether the pair has a non-terminal primary-side
// order, used by the controller's entry gate.
func (m *Manager) OpenPrimary(pairID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orders {
		if o.PairID != pairID || o.Status.Terminal() {
			continue
		}
		switch o.Role {
		case types.RolePrimary, types.RoleDoubleA, types.RoleDoubleB:
			if o.Status == types.StatusLive || o.Status == types.StatusPartial ||
				o.Status == types.StatusPendingPlace || o.Status == types.StatusCancelling {
				return *o, true
			}
		}
	}
	return types.Order{}, false
}

// Inflight returns client ids of orders stuck in PENDING_PLACE, used at
// shutdown to record SHUTDOWN_INFLIGHT incidents.
func (m *Manager) Inflight() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for id, o := range m.orders {
		if o.Status == types.StatusPendingPlace {
			out = append(out, id)
		}
	}
	return out
}
