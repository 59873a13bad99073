// Package reconcile merges a venue's push and pull fill sources into one
// deduplicated, per-order-monotonic stream of canonical fills.
//
// One Reconciler runs per (venue, account) adapter. Venues that tag fills
// with stable ids are deduplicated on (venue, order_id, fill_id); venues
// that only report cumulative matched sizes get fills synthesized from
// watermark deltas. Either way the watermark is persisted with the fill row
// in one transaction before the fill reaches the sink, so replay after a
// crash can never double-emit.
package reconcile

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"hedgerd/internal/config"
	"hedgerd/internal/exchange"
	"hedgerd/internal/store"
	"hedgerd/pkg/types"
)

// OrderIndex resolves venue order ids to tracked orders. Satisfied by the
// order manager.
type OrderIndex interface {
	Resolve(venue types.Venue, venueOrderID string) (string, bool)
	Order(clientID string) (types.Order, bool)
}

// Sink receives each canonical fill exactly once, synchronously; the next
// fill for the same order is not processed until the sink returns.
type Sink func(ctx context.Context, fill types.Fill)

// Counters are the reconciler's running totals, surfaced on /status.
type Counters struct {
	WSEvents   int64 `json:"ws_events"`
	PollEvents int64 `json:"poll_events"`
	Duplicates int64 `json:"duplicates"`
	Emitted    int64 `json:"emitted"`
}

// Reconciler merges fill sources for one (venue, account).
type Reconciler struct {
	store      *store.Store
	adapter    exchange.Adapter
	accountID  string
	caps       exchange.Capabilities
	conn       config.ConnectivityConfig
	staleAfter time.Duration
	index      OrderIndex
	sink       Sink
	logger     *slog.Logger

	seen    *seenSet
	stripes orderStripes

	mu         sync.Mutex
	watermarks map[string]decimal.Decimal // "venue:venue_order_id" -> cumulative filled
	lastEvent  time.Time
	staleFired bool

	wsEvents   atomic.Int64
	pollEvents atomic.Int64
	duplicates atomic.Int64
	emitted    atomic.Int64
}

// New builds a reconciler for one adapter session.
func New(
	st *store.Store,
	adapter exchange.Adapter,
	accountID string,
	index OrderIndex,
	sink Sink,
	conn config.ConnectivityConfig,
	rc config.ReconcilerConfig,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		store:      st,
		adapter:    adapter,
		accountID:  accountID,
		caps:       adapter.Capabilities(),
		conn:       conn,
		staleAfter: rc.StaleThreshold,
		index:      index,
		sink:       sink,
		logger: logger.With("component", "reconciler",
			"venue", adapter.Name(), "account", accountID),
		seen:       newSeenSet(rc.SeenCapacity),
		watermarks: make(map[string]decimal.Decimal),
		lastEvent:  time.Now(),
	}
}

// Seed loads persisted fill keys and watermarks so a restart does not
// re-emit fills already handed downstream.
func (r *Reconciler) Seed(ctx context.Context) error {
	keys, err := r.store.FillKeys(ctx)
	if err != nil {
		return fmt.Errorf("seed fill keys: %w", err)
	}
	for _, k := range keys {
		r.seen.Add(k)
	}

	wms, err := r.store.Watermarks(ctx)
	if err != nil {
		return fmt.Errorf("seed watermarks: %w", err)
	}
	r.mu.Lock()
	for k, v := range wms {
		r.watermarks[k] = v
	}
	r.mu.Unlock()

	r.logger.Info("reconciler seeded", "fill_keys", len(keys), "watermarks", len(wms))
	return nil
}

// Run starts the configured sources and the staleness monitor, blocking
// until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if r.conn.UseWebsocket && r.caps.SupportsWS {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runWS(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.runPoller(ctx)
	}()

	if r.staleAfter > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runStalenessMonitor(ctx)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

// runWS consumes the adapter's push feed. The adapter owns reconnection;
// this loop only restarts the subscription if it returns prematurely.
func (r *Reconciler) runWS(ctx context.Context) {
	ch := make(chan types.Fill, 64)

	go func() {
		for {
			err := r.adapter.SubscribeFills(ctx, ch)
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("fill subscription ended, restarting", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case fill := <-ch:
			r.wsEvents.Add(1)
			r.ingest(ctx, fill, "ws")
		}
	}
}

// runPoller periodically pulls the venue's order/trade reports. Poll errors
// back off exponentially, capped at five poll intervals.
func (r *Reconciler) runPoller(ctx context.Context) {
	interval := r.conn.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxInterval = 5 * interval

	wait := interval
	lastPoll := time.Now().Add(-interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := r.pollOnce(ctx, lastPoll); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = bo.NextBackOff()
			r.logger.Warn("poll failed", "error", err, "backoff", wait)
			continue
		}
		lastPoll = time.Now()
		bo.Reset()
		wait = interval
	}
}

func (r *Reconciler) pollOnce(ctx context.Context, since time.Time) error {
	if r.caps.ProvidesFillID {
		// Overlap the window by one interval so a fill landing exactly at
		// the boundary is never missed; the seen set absorbs the repeats.
		fills, err := r.adapter.FetchRecentFills(ctx, since.Add(-r.conn.PollInterval))
		if err != nil {
			return err
		}
		for _, fill := range fills {
			r.pollEvents.Add(1)
			r.ingest(ctx, fill, "poll")
		}
		return nil
	}

	orders, err := r.adapter.FetchOpenOrders(ctx)
	if err != nil {
		return err
	}
	for _, row := range orders {
		r.diffWatermark(ctx, row)
	}
	return nil
}

// orderStripes serializes ingestion per venue order. Both sources hash an
// order to the same stripe, so the dedup check, the persisted fill, and the
// sink call for one order can never interleave.
type orderStripes [64]sync.Mutex

func (s *orderStripes) forOrder(venue types.Venue, venueOrderID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(venue))
	h.Write([]byte(venueOrderID))
	return &s[h.Sum32()%uint32(len(s))]
}

// ingest deduplicates and emits one fill from a fill-id venue.
func (r *Reconciler) ingest(ctx context.Context, fill types.Fill, source string) {
	if fill.Venue == "" {
		fill.Venue = r.adapter.Name()
	}

	clientID, ok := r.index.Resolve(fill.Venue, fill.VenueOrderID)
	if !ok {
		r.logger.Debug("fill for untracked order ignored",
			"venue_order_id", fill.VenueOrderID, "fill_id", fill.FillID, "source", source)
		return
	}
	fill.ClientOrderID = clientID

	mu := r.stripes.forOrder(fill.Venue, fill.VenueOrderID)
	mu.Lock()
	defer mu.Unlock()

	key := fill.Key()
	if r.seen.Has(key) {
		r.duplicates.Add(1)
		return
	}

	ord, ok := r.index.Order(clientID)
	if !ok {
		return
	}
	next := ord.FilledSize.Add(fill.Size)
	if next.GreaterThan(ord.RequestedSize) {
		r.monotonicViolation(ctx, fill, fmt.Sprintf(
			"cumulative %s would exceed requested %s", next, ord.RequestedSize))
		return
	}

	if err := r.store.RecordFill(ctx, &fill, next); err != nil {
		r.logger.Error("persist fill", "fill_key", key, "error", err)
		return
	}
	r.seen.Add(key)
	r.setWatermark(fill.Venue, fill.VenueOrderID, next)
	r.markActive()

	r.emitted.Add(1)
	r.logger.Info("fill emitted",
		"client_id", clientID, "fill_id", fill.FillID, "size", fill.Size, "source", source)
	r.sink(ctx, fill)
}

// diffWatermark synthesizes delta fills for a venue that reports only
// cumulative matched sizes. The fill id is derived from the cumulative
// watermark so the key stays stable across overlapping polls.
func (r *Reconciler) diffWatermark(ctx context.Context, row exchange.OpenOrder) {
	venue := r.adapter.Name()
	clientID, ok := r.index.Resolve(venue, row.VenueOrderID)
	if !ok {
		return
	}

	mu := r.stripes.forOrder(venue, row.VenueOrderID)
	mu.Lock()
	defer mu.Unlock()

	prev := r.watermark(venue, row.VenueOrderID)
	if row.FilledSize.LessThan(prev) {
		r.monotonicViolation(ctx, types.Fill{
			Venue:         venue,
			VenueOrderID:  row.VenueOrderID,
			ClientOrderID: clientID,
		}, fmt.Sprintf("cumulative %s below watermark %s", row.FilledSize, prev))
		return
	}
	delta := row.FilledSize.Sub(prev)
	if delta.IsZero() {
		return
	}

	ord, ok := r.index.Order(clientID)
	if ok && row.FilledSize.GreaterThan(ord.RequestedSize) {
		r.monotonicViolation(ctx, types.Fill{
			Venue:         venue,
			VenueOrderID:  row.VenueOrderID,
			ClientOrderID: clientID,
		}, fmt.Sprintf("cumulative %s exceeds requested %s", row.FilledSize, ord.RequestedSize))
		return
	}

	fill := types.Fill{
		Venue:         venue,
		VenueOrderID:  row.VenueOrderID,
		ClientOrderID: clientID,
		FillID:        "wm-" + row.FilledSize.String(),
		MarketID:      row.MarketID,
		Side:          row.Side,
		Price:         row.Price,
		Size:          delta,
		Ts:            row.UpdatedAt,
	}

	if err := r.store.RecordFill(ctx, &fill, row.FilledSize); err != nil {
		r.logger.Error("persist watermark fill", "fill_key", fill.Key(), "error", err)
		return
	}
	r.seen.Add(fill.Key())
	r.setWatermark(venue, row.VenueOrderID, row.FilledSize)
	r.markActive()

	r.pollEvents.Add(1)
	r.emitted.Add(1)
	r.logger.Info("watermark fill emitted",
		"client_id", clientID, "delta", delta, "cumulative", row.FilledSize)
	r.sink(ctx, fill)
}

func (r *Reconciler) monotonicViolation(ctx context.Context, fill types.Fill, detail string) {
	r.logger.Error("monotonic fill violation, dropping",
		"venue_order_id", fill.VenueOrderID, "detail", detail)
	if err := r.store.RecordIncident(ctx, types.Incident{
		Level:   types.IncidentError,
		Code:    types.IncidentIllegalTransition,
		Message: "fill dropped: " + detail,
		Details: map[string]any{
			"venue":           string(fill.Venue),
			"venue_order_id":  fill.VenueOrderID,
			"client_order_id": fill.ClientOrderID,
		},
	}); err != nil {
		r.logger.Error("record incident", "error", err)
	}
}

func (r *Reconciler) watermark(venue types.Venue, venueOrderID string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermarks[string(venue)+":"+venueOrderID]
}

func (r *Reconciler) setWatermark(venue types.Venue, venueOrderID string, cum decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watermarks[string(venue)+":"+venueOrderID] = cum
}

func (r *Reconciler) markActive() {
	r.mu.Lock()
	r.lastEvent = time.Now()
	r.staleFired = false
	r.mu.Unlock()
}

// runStalenessMonitor records STALE_FILL_SOURCE once per quiet period when
// live orders exist but neither source has produced an event.
func (r *Reconciler) runStalenessMonitor(ctx context.Context) {
	interval := r.staleAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkStaleness(ctx)
		}
	}
}

func (r *Reconciler) checkStaleness(ctx context.Context) {
	r.mu.Lock()
	quiet := time.Since(r.lastEvent)
	fired := r.staleFired
	r.mu.Unlock()

	if quiet < r.staleAfter || fired {
		return
	}

	open, err := r.store.OpenOrders(ctx)
	if err != nil {
		r.logger.Error("staleness check", "error", err)
		return
	}
	live := 0
	for _, o := range open {
		if o.Venue == r.adapter.Name() && o.AccountID == r.accountID &&
			(o.Status == types.StatusLive || o.Status == types.StatusPartial) {
			live++
		}
	}
	if live == 0 {
		return
	}

	r.mu.Lock()
	r.staleFired = true
	r.mu.Unlock()

	r.logger.Warn("fill sources stale", "quiet", quiet, "live_orders", live)
	if err := r.store.RecordIncident(ctx, types.Incident{
		Level:   types.IncidentWarn,
		Code:    types.IncidentStaleFillSource,
		Message: fmt.Sprintf("no fill events for %s with %d live orders", quiet.Truncate(time.Second), live),
		Details: map[string]any{
			"venue":   string(r.adapter.Name()),
			"account": r.accountID,
		},
	}); err != nil {
		r.logger.Error("record incident", "error", err)
	}
}

// Snapshot returns the current counters.
func (r *Reconciler) Snapshot() Counters {
	return Counters{
		WSEvents:   r.wsEvents.Load(),
		PollEvents: r.pollEvents.Load(),
		Duplicates: r.duplicates.Load(),
		Emitted:    r.emitted.Load(),
	}
}
