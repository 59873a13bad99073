// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: venues, accounts,
// market pairs, orders and their lifecycle states, fills, hedge trades,
// double-limit couplings, incidents, and order book snapshots. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies an exchange by its configured name, e.g. "polymarket".
type Venue string

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"  // rests on the book until filled or cancelled
	OrderTypeMarket OrderType = "MARKET" // crosses immediately at best available prices
	OrderTypeIOC    OrderType = "IOC"    // immediate-or-cancel, fills what it can then dies
)

// OrderRole describes why an order exists.
type OrderRole string

const (
	RolePrimary OrderRole = "PRIMARY"  // resting spread-capture leg on the primary venue
	RoleHedge   OrderRole = "HEDGE"    // offsetting leg placed after a primary fill
	RoleDoubleA OrderRole = "DOUBLE_A" // first leg of a double-limit pair
	RoleDoubleB OrderRole = "DOUBLE_B" // second leg of a double-limit pair
)

// OrderStatus is the lifecycle state of an order. Transitions are owned by
// the order state machine; everything else treats the value as read-only.
type OrderStatus string

const (
	StatusNew          OrderStatus = "NEW"           // created locally, not yet sent
	StatusPendingPlace OrderStatus = "PENDING_PLACE" // placement request in flight
	StatusLive         OrderStatus = "LIVE"          // acknowledged and resting
	StatusPartial      OrderStatus = "PARTIAL"       // live with cumulative fills > 0
	StatusFilled       OrderStatus = "FILLED"        // fully filled (terminal)
	StatusCancelling   OrderStatus = "CANCELLING"    // cancel request in flight
	StatusCancelled    OrderStatus = "CANCELLED"     // cancel acknowledged (terminal)
	StatusRejected     OrderStatus = "REJECTED"      // venue refused placement (terminal)
	StatusExpired      OrderStatus = "EXPIRED"       // venue expired the order (terminal)
	StatusErrored      OrderStatus = "ERRORED"       // gave up after repeated errors (terminal)
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired, StatusErrored:
		return true
	}
	return false
}

// ValidOrderStatus reports whether a persisted string maps to a known state.
// The store validates status columns against this on read.
func ValidOrderStatus(s string) bool {
	switch OrderStatus(s) {
	case StatusNew, StatusPendingPlace, StatusLive, StatusPartial, StatusFilled,
		StatusCancelling, StatusCancelled, StatusRejected, StatusExpired, StatusErrored:
		return true
	}
	return false
}

// Account holds one venue credential set. Immutable after load; the account
// pool owns the per-account rate limiters built from Rate/Burst.
type Account struct {
	ID            string
	Venue         Venue
	APIKey        string
	APISecret     string
	Passphrase    string
	PrivateKey    string // L1 signing key where the venue needs one
	FunderAddress string // proxy/funder wallet, empty = same as signer
	Proxy         string // optional outbound HTTP proxy
	Rate          float64
	Burst         int
}

// MarketPair couples one market on each venue for the same underlying event.
// Immutable after load.
type MarketPair struct {
	PairID             string
	PrimaryVenue       Venue
	SecondaryVenue     Venue
	PrimaryMarketID    string
	SecondaryMarketID  string
	PrimaryAccountID   string
	SecondaryAccountID string
	Enabled            bool
}

// OrderSpec is a placement request handed to the order manager.
type OrderSpec struct {
	Venue        Venue
	AccountID    string
	MarketID     string
	PairID       string
	Side         Side
	Type         OrderType
	Price        decimal.Decimal // ignored for MARKET
	Size         decimal.Decimal
	Role         OrderRole
	ParentFillID string // set for HEDGE legs only
}

// Order is the engine's record of one order across its whole lifecycle.
type Order struct {
	ClientOrderID string // generated before placement, globally unique
	VenueOrderID  string // assigned on ack, empty until then
	Venue         Venue
	AccountID     string
	MarketID      string
	PairID        string
	Side          Side
	Type          OrderType
	Role          OrderRole
	Price         decimal.Decimal
	RequestedSize decimal.Decimal
	FilledSize    decimal.Decimal
	Status        OrderStatus
	ParentFillID  string // HEDGE legs: the fill that triggered this order
	Synthetic     bool   // placed in dry-run mode, never hit the venue
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RemainingSize is requested minus filled, never negative.
func (o *Order) RemainingSize() decimal.Decimal {
	rem := o.RequestedSize.Sub(o.FilledSize)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// PlaceAck is the venue's acknowledgement of a placement.
type PlaceAck struct {
	VenueOrderID string
	Status       string // venue-native status string, informational only
}

// Fill is the canonical fill event emitted by the reconciler. FillID is the
// venue's own id when the venue provides one, otherwise a watermark-derived
// id synthesized by the reconciler ("wm-<cumulative>"), so Key is always
// well defined.
type Fill struct {
	Venue         Venue
	VenueOrderID  string
	ClientOrderID string // resolved by the order manager's index, may be empty at ingest
	FillID        string
	MarketID      string
	Side          Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	Fee           decimal.Decimal
	Ts            time.Time
}

// Key is the canonical dedup key: (venue, order_id, fill_id).
func (f *Fill) Key() string {
	return FillKey(f.Venue, f.VenueOrderID, f.FillID)
}

// FillKey builds the canonical dedup key for a fill.
func FillKey(venue Venue, venueOrderID, fillID string) string {
	return fmt.Sprintf("%s:%s:%s", venue, venueOrderID, fillID)
}

// Trade records one completed entry/hedge pairing. Created only after both
// legs reached a terminal status with non-zero fill.
type Trade struct {
	EntryOrderID string
	HedgeOrderID string
	PairID       string
	EntryVenue   Venue
	HedgeVenue   Venue
	Size         decimal.Decimal // matched size, min of the two legs
	EntryPrice   decimal.Decimal
	HedgePrice   decimal.Decimal
	Fees         decimal.Decimal
	PnLEstimate  decimal.Decimal
	Ts           time.Time
}

// DoubleLimitState tracks the coupled-order protocol.
type DoubleLimitState string

const (
	DoubleArmed      DoubleLimitState = "ARMED"      // both legs placed, neither touched
	DoubleTriggered  DoubleLimitState = "TRIGGERED"  // one leg filled, sibling cancel pending
	DoubleCancelling DoubleLimitState = "CANCELLING" // sibling cancel issued
	DoubleResolved   DoubleLimitState = "RESOLVED"   // sibling cancel acknowledged (terminal)
	DoubleFailed     DoubleLimitState = "FAILED"     // placement or cancel failed (terminal)
)

// DoubleLimit couples two opposing resting orders. Exactly one leg may
// trigger; the other must end cancelled.
type DoubleLimit struct {
	ID               string
	PairKey          string
	OrderARef        string // client order id of leg A
	OrderBRef        string // client order id of leg B
	VenueA           Venue
	VenueB           Venue
	State            DoubleLimitState
	TriggeredOrderID string
	CancelledOrderID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SiblingOf returns the client order id of the other leg, or "" when the
// given id is not a leg of this pair.
func (d *DoubleLimit) SiblingOf(clientOrderID string) string {
	switch clientOrderID {
	case d.OrderARef:
		return d.OrderBRef
	case d.OrderBRef:
		return d.OrderARef
	}
	return ""
}

// IncidentLevel grades incident severity.
type IncidentLevel string

const (
	IncidentDebug    IncidentLevel = "DEBUG"
	IncidentInfo     IncidentLevel = "INFO"
	IncidentWarn     IncidentLevel = "WARN"
	IncidentError    IncidentLevel = "ERROR"
	IncidentCritical IncidentLevel = "CRITICAL" // disables the affected pair
)

// Incident codes recorded by the engine. The incidents table is append-only.
const (
	IncidentStaleFillSource   = "STALE_FILL_SOURCE"   // both fill sources quiet while an order is live
	IncidentHedgeSlipAbort    = "HEDGE_SLIPPAGE_ABORT" // hedge skipped, slippage over cap
	IncidentHedgeUndersized   = "HEDGE_UNDERSIZED"     // hedge completed below target size
	IncidentHedgeUnhedged     = "HEDGE_UNHEDGED"       // hedge retries exhausted, exposure left open
	IncidentShutdownInflight  = "SHUTDOWN_INFLIGHT"    // placement unconfirmed at shutdown
	IncidentIllegalTransition = "ILLEGAL_TRANSITION"   // order event not legal in current state
	IncidentCancelStuck       = "CANCEL_STUCK"         // cancel retries exhausted
)

// Incident is one append-only incident row.
type Incident struct {
	Level   IncidentLevel
	Code    string
	Message string
	Details map[string]any
	Ts      time.Time
}

// SimulatedRun is a persisted dry evaluation of one pair at one size.
// Append-only; simulation never places orders.
type SimulatedRun struct {
	ID          string
	PairID      string
	Size        decimal.Decimal
	Plan        []byte // plan JSON, stable for identical inputs
	ExpectedPnL decimal.Decimal
	Notes       string
	Ts          time.Time
}

// PriceLevel is a single bid or ask level in an order book ladder.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderbookSnapshot is a point-in-time view of one market's book.
// Bids are sorted descending by price, asks ascending; sizes are positive.
type OrderbookSnapshot struct {
	Venue    Venue
	MarketID string
	Seq      int64 // venue sequence when provided, else 0
	Bids     []PriceLevel
	Asks     []PriceLevel
	Ts       time.Time
}

// BestBid returns the top bid level, or false when the bid ladder is empty.
func (s *OrderbookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask level, or false when the ask ladder is empty.
func (s *OrderbookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}
