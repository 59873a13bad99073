// Package store is the persistence gateway for the hedging engine.
//
// It speaks database/sql over one of two backends selected by configuration:
// sqlite (modernc.org/sqlite, pure Go) or postgres (pgx stdlib driver).
// Queries are written once with ?-placeholders and rebound to $n for
// postgres. All money columns are stored as decimal strings.
//
// Write discipline: short transactions, one row plus its companion row where
// the two must move together (fill + watermark, trade + position, migration
// DDL + schema_migrations row).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"hedgerd/internal/config"
	"hedgerd/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the SQL persistence gateway shared by all components.
type Store struct {
	db      *sql.DB
	backend string
	logger  *slog.Logger
}

// Open connects to the configured backend. Migrations are not applied here;
// call Migrate after Open.
func Open(cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	var driver string
	switch cfg.Backend {
	case "sqlite":
		driver = "sqlite"
	case "postgres":
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.Backend)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Backend, err)
	}

	if cfg.Backend == "sqlite" {
		// sqlite is single-writer; more connections just contend.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	return &Store{
		db:      db,
		backend: cfg.Backend,
		logger:  logger.With("component", "store"),
	}, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Backend returns the configured backend name ("sqlite" or "postgres").
func (s *Store) Backend() string {
	return s.backend
}

// --- orders ---

// UpsertOrder writes the full order row, idempotent on client_order_id.
func (s *Store) UpsertOrder(ctx context.Context, o *types.Order) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO orders (client_order_id, venue_order_id, venue, account_id,
			market_id, pair_id, side, order_type, role, price, requested_size,
			filled_size, status, parent_fill_id, synthetic, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			venue_order_id = excluded.venue_order_id,
			price          = excluded.price,
			filled_size    = excluded.filled_size,
			status         = excluded.status,
			updated_at     = excluded.updated_at`),
		o.ClientOrderID, o.VenueOrderID, string(o.Venue), o.AccountID,
		o.MarketID, o.PairID, string(o.Side), string(o.Type), string(o.Role),
		o.Price.String(), o.RequestedSize.String(), o.FilledSize.String(),
		string(o.Status), o.ParentFillID, o.Synthetic,
		o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

const orderColumns = `client_order_id, venue_order_id, venue, account_id,
	market_id, pair_id, side, order_type, role, price, requested_size,
	filled_size, status, parent_fill_id, synthetic, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*types.Order, error) {
	var o types.Order
	var venue, side, typ, role, price, requested, filled, status string
	if err := row.Scan(
		&o.ClientOrderID, &o.VenueOrderID, &venue, &o.AccountID,
		&o.MarketID, &o.PairID, &side, &typ, &role, &price, &requested,
		&filled, &status, &o.ParentFillID, &o.Synthetic,
		&o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if !types.ValidOrderStatus(status) {
		return nil, fmt.Errorf("order %s: invalid persisted status %q", o.ClientOrderID, status)
	}
	var err error
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("order %s: parse price: %w", o.ClientOrderID, err)
	}
	if o.RequestedSize, err = decimal.NewFromString(requested); err != nil {
		return nil, fmt.Errorf("order %s: parse requested_size: %w", o.ClientOrderID, err)
	}
	if o.FilledSize, err = decimal.NewFromString(filled); err != nil {
		return nil, fmt.Errorf("order %s: parse filled_size: %w", o.ClientOrderID, err)
	}
	o.Venue = types.Venue(venue)
	o.Side = types.Side(side)
	o.Type = types.OrderType(typ)
	o.Role = types.OrderRole(role)
	o.Status = types.OrderStatus(status)
	return &o, nil
}

// OrderByClientID fetches a single order row.
func (s *Store) OrderByClientID(ctx context.Context, clientOrderID string) (*types.Order, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`),
		clientOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("order by client id: %w", err)
	}
	return o, nil
}

// OpenOrders returns all orders in a non-terminal status, oldest first.
// Used for crash recovery and the polling reconciler seed.
func (s *Store) OpenOrders(ctx context.Context) ([]*types.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN ('FILLED', 'CANCELLED', 'REJECTED', 'EXPIRED', 'ERRORED')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	defer rows.Close()

	var out []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("open orders: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// OpenOrderCount returns the number of non-terminal orders for one pair.
func (s *Store) OpenOrderCount(ctx context.Context, pairID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM orders
		WHERE pair_id = ?
		  AND status NOT IN ('FILLED', 'CANCELLED', 'REJECTED', 'EXPIRED', 'ERRORED')`),
		pairID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("open order count: %w", err)
	}
	return n, nil
}

// --- order events ---

// OrderEvent is one append-only row of the per-order event log.
type OrderEvent struct {
	ID            int64
	ClientOrderID string
	Stage         string
	Payload       []byte
	Ts            time.Time
}

// Decode unmarshals the payload column. An empty payload decodes to an
// empty map.
func (e *OrderEvent) Decode() (map[string]any, error) {
	out := map[string]any{}
	if len(e.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return out, nil
}

// AppendOrderEvent appends a transition to the order event log. The payload
// is stored as JSON; nil means an empty object.
func (s *Store) AppendOrderEvent(ctx context.Context, clientOrderID, stage string, payload map[string]any) error {
	body := []byte("{}")
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO order_events (client_order_id, stage, payload, ts) VALUES (?, ?, ?, ?)`),
		clientOrderID, stage, string(body), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append order event %s/%s: %w", clientOrderID, stage, err)
	}
	return nil
}

// OrderEvents returns the event log for one order in append order.
func (s *Store) OrderEvents(ctx context.Context, clientOrderID string) ([]OrderEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, client_order_id, stage, payload, ts FROM order_events
			WHERE client_order_id = ? ORDER BY id`),
		clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("order events: %w", err)
	}
	defer rows.Close()

	var out []OrderEvent
	for rows.Next() {
		var ev OrderEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.ClientOrderID, &ev.Stage, &payload, &ev.Ts); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		ev.Payload = []byte(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- fills & watermarks ---

// RecordFill persists a canonical fill together with the new per-order
// watermark in one transaction. A duplicate fill key is a no-op for the
// fills table but still advances the watermark.
func (s *Store) RecordFill(ctx context.Context, f *types.Fill, watermark decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record fill: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO fills (venue, venue_order_id, client_order_id, fill_id, side, price, size, fee, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(venue, venue_order_id, fill_id) DO NOTHING`),
		string(f.Venue), f.VenueOrderID, f.ClientOrderID, f.FillID,
		string(f.Side), f.Price.String(), f.Size.String(), f.Fee.String(),
		f.Ts.UTC(),
	); err != nil {
		return fmt.Errorf("record fill: insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO fill_watermarks (venue, venue_order_id, cumulative, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(venue, venue_order_id) DO UPDATE SET
			cumulative = excluded.cumulative,
			updated_at = excluded.updated_at`),
		string(f.Venue), f.VenueOrderID, watermark.String(), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("record fill: watermark: %w", err)
	}

	return tx.Commit()
}

// FillKeys returns every persisted fill dedup key. The reconciler seeds its
// in-memory seen-set from this at startup so replays across restarts are
// still deduplicated.
func (s *Store) FillKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT venue, venue_order_id, fill_id FROM fills`)
	if err != nil {
		return nil, fmt.Errorf("fill keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var venue, orderID, fillID string
		if err := rows.Scan(&venue, &orderID, &fillID); err != nil {
			return nil, fmt.Errorf("scan fill key: %w", err)
		}
		keys = append(keys, types.FillKey(types.Venue(venue), orderID, fillID))
	}
	return keys, rows.Err()
}

// Watermarks returns the cumulative-filled watermark per venue order,
// keyed "venue:venue_order_id".
func (s *Store) Watermarks(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT venue, venue_order_id, cumulative FROM fill_watermarks`)
	if err != nil {
		return nil, fmt.Errorf("watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var venue, orderID, cum string
		if err := rows.Scan(&venue, &orderID, &cum); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		d, err := decimal.NewFromString(cum)
		if err != nil {
			return nil, fmt.Errorf("parse watermark %s/%s: %w", venue, orderID, err)
		}
		out[venue+":"+orderID] = d
	}
	return out, rows.Err()
}

// LastFillAt returns the timestamp of the most recent fill for a pair, or
// the zero time when the pair has never filled. The row is selected with an
// ordered limit rather than MAX(): aggregates lose the column's time type
// under the sqlite driver and come back as strings.
func (s *Store) LastFillAt(ctx context.Context, pairID string) (time.Time, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT f.ts FROM fills f
		JOIN orders o ON o.client_order_id = f.client_order_id
		WHERE o.pair_id = ?
		ORDER BY f.ts DESC LIMIT 1`), pairID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last fill at: %w", err)
	}
	return ts, nil
}

// --- trades & positions ---

// SaveTrade persists a trade row and folds its signed size into the pair's
// net position in one transaction. positionDelta is signed from the primary
// venue's perspective (positive for a bought entry leg).
func (s *Store) SaveTrade(ctx context.Context, t *types.Trade, positionDelta decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save trade: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO trades (entry_order_id, hedge_order_id, pair_id, entry_venue,
			hedge_venue, size, entry_price, hedge_price, fees, pnl_estimated, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.EntryOrderID, t.HedgeOrderID, t.PairID, string(t.EntryVenue),
		string(t.HedgeVenue), t.Size.String(), t.EntryPrice.String(),
		t.HedgePrice.String(), t.Fees.String(), t.PnLEstimate.String(),
		t.Ts.UTC(),
	); err != nil {
		return fmt.Errorf("save trade: insert: %w", err)
	}

	var current string
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT net_position FROM positions WHERE pair_id = ?`), t.PairID).
		Scan(&current)
	net := positionDelta
	switch {
	case err == nil:
		prev, perr := decimal.NewFromString(current)
		if perr != nil {
			return fmt.Errorf("save trade: parse position: %w", perr)
		}
		net = prev.Add(positionDelta)
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("save trade: read position: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO positions (pair_id, net_position, last_price, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pair_id) DO UPDATE SET
			net_position = excluded.net_position,
			last_price   = excluded.last_price,
			updated_at   = excluded.updated_at`),
		t.PairID, net.String(), t.EntryPrice.String(), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("save trade: position: %w", err)
	}

	return tx.Commit()
}

// Trades returns the most recent trades, newest first.
func (s *Store) Trades(ctx context.Context, limit int) ([]types.Trade, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT entry_order_id, hedge_order_id, pair_id, entry_venue, hedge_venue,
			size, entry_price, hedge_price, fees, pnl_estimated, ts
		FROM trades ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var t types.Trade
		var entryVenue, hedgeVenue, size, entryPrice, hedgePrice, fees, pnl string
		if err := rows.Scan(&t.EntryOrderID, &t.HedgeOrderID, &t.PairID,
			&entryVenue, &hedgeVenue, &size, &entryPrice, &hedgePrice,
			&fees, &pnl, &t.Ts); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.EntryVenue = types.Venue(entryVenue)
		t.HedgeVenue = types.Venue(hedgeVenue)
		if t.Size, err = decimal.NewFromString(size); err != nil {
			return nil, fmt.Errorf("parse trade size: %w", err)
		}
		if t.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
			return nil, fmt.Errorf("parse entry price: %w", err)
		}
		if t.HedgePrice, err = decimal.NewFromString(hedgePrice); err != nil {
			return nil, fmt.Errorf("parse hedge price: %w", err)
		}
		if t.Fees, err = decimal.NewFromString(fees); err != nil {
			return nil, fmt.Errorf("parse fees: %w", err)
		}
		if t.PnLEstimate, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("parse pnl: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// NetPosition returns the tracked net position for a pair, zero when unknown.
func (s *Store) NetPosition(ctx context.Context, pairID string) (decimal.Decimal, error) {
	var net string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT net_position FROM positions WHERE pair_id = ?`), pairID).
		Scan(&net)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("net position: %w", err)
	}
	d, err := decimal.NewFromString(net)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse net position: %w", err)
	}
	return d, nil
}

// --- double limits ---

// SaveDoubleLimit writes the coupled-order row. The unique indexes on the
// two order refs forbid reusing an order in a second coupling.
func (s *Store) SaveDoubleLimit(ctx context.Context, d *types.DoubleLimit) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO double_limits (id, pair_key, order_a_ref, order_b_ref,
			venue_a, venue_b, state, triggered_order_id, cancelled_order_id,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.PairKey, d.OrderARef, d.OrderBRef,
		string(d.VenueA), string(d.VenueB), string(d.State),
		d.TriggeredOrderID, d.CancelledOrderID,
		d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save double limit %s: %w", d.ID, err)
	}
	return nil
}

// UpdateDoubleLimitState advances the coupling's state. Empty triggered or
// cancelled ids leave the stored values untouched.
func (s *Store) UpdateDoubleLimitState(ctx context.Context, id string, state types.DoubleLimitState, triggeredID, cancelledID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE double_limits SET
			state = ?,
			triggered_order_id = CASE WHEN ? = '' THEN triggered_order_id ELSE ? END,
			cancelled_order_id = CASE WHEN ? = '' THEN cancelled_order_id ELSE ? END,
			updated_at = ?
		WHERE id = ?`),
		string(state), triggeredID, triggeredID, cancelledID, cancelledID,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update double limit %s: %w", id, err)
	}
	return nil
}

// DoubleLimitByOrderRef finds the coupling that owns the given leg.
func (s *Store) DoubleLimitByOrderRef(ctx context.Context, clientOrderID string) (*types.DoubleLimit, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, pair_key, order_a_ref, order_b_ref, venue_a, venue_b,
			state, triggered_order_id, cancelled_order_id, created_at, updated_at
		FROM double_limits WHERE order_a_ref = ? OR order_b_ref = ?`),
		clientOrderID, clientOrderID)

	var d types.DoubleLimit
	var venueA, venueB, state string
	err := row.Scan(&d.ID, &d.PairKey, &d.OrderARef, &d.OrderBRef,
		&venueA, &venueB, &state, &d.TriggeredOrderID, &d.CancelledOrderID,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("double limit by order ref: %w", err)
	}
	d.VenueA = types.Venue(venueA)
	d.VenueB = types.Venue(venueB)
	d.State = types.DoubleLimitState(state)
	return &d, nil
}

// --- incidents ---

// RecordIncident appends one incident row. Failures are returned but callers
// typically log and continue; the incidents table must never block trading.
func (s *Store) RecordIncident(ctx context.Context, inc types.Incident) error {
	details := []byte("{}")
	if inc.Details != nil {
		var err error
		if details, err = json.Marshal(inc.Details); err != nil {
			return fmt.Errorf("marshal incident details: %w", err)
		}
	}
	ts := inc.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO incidents (level, code, message, details, ts) VALUES (?, ?, ?, ?, ?)`),
		string(inc.Level), inc.Code, inc.Message, string(details), ts.UTC())
	if err != nil {
		return fmt.Errorf("record incident: %w", err)
	}
	return nil
}

// RecentIncidents returns the newest incidents first.
func (s *Store) RecentIncidents(ctx context.Context, limit int) ([]types.Incident, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT level, code, message, details, ts FROM incidents
		ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("recent incidents: %w", err)
	}
	defer rows.Close()

	var out []types.Incident
	for rows.Next() {
		var inc types.Incident
		var level, details string
		if err := rows.Scan(&level, &inc.Code, &inc.Message, &details, &inc.Ts); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.Level = types.IncidentLevel(level)
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &inc.Details); err != nil {
				return nil, fmt.Errorf("decode incident details: %w", err)
			}
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// --- simulated runs ---

// SaveSimulatedRun appends a simulation result. Runs are never placed and
// never updated.
func (s *Store) SaveSimulatedRun(ctx context.Context, r *types.SimulatedRun) error {
	ts := r.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO simulated_runs (id, pair_id, size, plan_json, expected_pnl, notes, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.PairID, r.Size.String(), string(r.Plan),
		r.ExpectedPnL.String(), r.Notes, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save simulated run %s: %w", r.ID, err)
	}
	return nil
}
