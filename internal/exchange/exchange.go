// Package exchange defines the venue adapter surface consumed by the order
// manager, reconciler, hedger, and pair controllers.
//
// Concrete adapters live in subpackages (polymarket, opinion) and differ in
// auth scheme, wire format, and fill-delivery capabilities. Everything above
// this interface is venue-agnostic.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"hedgerd/pkg/types"
)

// ErrRejected marks a venue's definitive refusal of a request. Rejections
// are terminal: the order manager moves the order to REJECTED and does not
// retry.
var ErrRejected = errors.New("exchange: rejected")

// StatusError is a non-2xx HTTP response from a venue.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("exchange: status %d: %s", e.Code, e.Body)
}

// IsTransient classifies an adapter error for retry purposes. Timeouts,
// connection failures, 5xx, and 429 are transient; everything else
// (including ErrRejected and other 4xx) is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// PlaceRequest is a venue-agnostic placement order.
type PlaceRequest struct {
	ClientOrderID string
	MarketID      string
	Side          types.Side
	Type          types.OrderType
	Price         decimal.Decimal // limit price; IOC/market legs pass their cap price
	Size          decimal.Decimal
}

// Ack is the venue's placement acknowledgement. For MARKET and IOC orders
// venues report the immediately executed portion; FilledSize and AvgPrice
// are zero for resting limit orders.
type Ack struct {
	VenueOrderID string
	Status       string // venue-native status string, informational
	FilledSize   decimal.Decimal
	AvgPrice     decimal.Decimal
}

// OpenOrder is one row of a venue's open/recent order report, used by the
// polling reconciler to diff cumulative filled sizes.
type OpenOrder struct {
	VenueOrderID  string
	MarketID      string
	Side          types.Side
	Price         decimal.Decimal
	RequestedSize decimal.Decimal
	FilledSize    decimal.Decimal
	Status        string
	UpdatedAt     time.Time
}

// Capabilities describes what a venue's fill delivery can do. The reconciler
// selects its dedup key strategy from ProvidesFillID at construction.
type Capabilities struct {
	ProvidesFillID bool
	SupportsWS     bool
}

// Adapter is one authenticated session against one venue for one account.
type Adapter interface {
	Name() types.Venue
	Capabilities() Capabilities

	Place(ctx context.Context, req PlaceRequest) (Ack, error)
	Cancel(ctx context.Context, venueOrderID string) error

	FetchBook(ctx context.Context, marketID string) (types.OrderbookSnapshot, error)
	FetchOpenOrders(ctx context.Context) ([]OpenOrder, error)
	FetchRecentFills(ctx context.Context, since time.Time) ([]types.Fill, error)

	// SubscribeFills streams fill events into ch until ctx is cancelled.
	// Adapters without websocket support return an error immediately.
	SubscribeFills(ctx context.Context, ch chan<- types.Fill) error
}
