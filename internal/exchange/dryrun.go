package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"hedgerd/pkg/types"
)

// DryRun wraps a real adapter and short-circuits every mutating call with a
// deterministic synthetic ack. Read-only calls (books) pass through so spread
// evaluation still sees live data. No fills are ever produced.
type DryRun struct {
	inner  Adapter
	seq    atomic.Int64
	logger *slog.Logger
}

// NewDryRun wraps an adapter for dry-run operation.
func NewDryRun(inner Adapter, logger *slog.Logger) *DryRun {
	return &DryRun{
		inner:  inner,
		logger: logger.With("component", "dryrun", "venue", inner.Name()),
	}
}

func (d *DryRun) Name() types.Venue { return d.inner.Name() }

func (d *DryRun) Capabilities() Capabilities { return d.inner.Capabilities() }

// Place returns a synthetic ack without touching the network. MARKET and IOC
// requests report full immediate execution at the request price so the hedge
// path runs end to end.
func (d *DryRun) Place(ctx context.Context, req PlaceRequest) (Ack, error) {
	n := d.seq.Add(1)
	ack := Ack{
		VenueOrderID: fmt.Sprintf("dry-%d", n),
		Status:       "live",
	}
	if req.Type == types.OrderTypeMarket || req.Type == types.OrderTypeIOC {
		ack.Status = "matched"
		ack.FilledSize = req.Size
		ack.AvgPrice = req.Price
	}
	d.logger.Info("dry-run place",
		"client_id", req.ClientOrderID,
		"market", req.MarketID,
		"side", req.Side,
		"size", req.Size,
		"venue_order_id", ack.VenueOrderID,
	)
	return ack, nil
}

// Cancel is a no-op in dry-run.
func (d *DryRun) Cancel(ctx context.Context, venueOrderID string) error {
	d.logger.Info("dry-run cancel", "venue_order_id", venueOrderID)
	return nil
}

func (d *DryRun) FetchBook(ctx context.Context, marketID string) (types.OrderbookSnapshot, error) {
	return d.inner.FetchBook(ctx, marketID)
}

// FetchOpenOrders reports no orders; synthetic orders never rest anywhere.
func (d *DryRun) FetchOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	return nil, nil
}

func (d *DryRun) FetchRecentFills(ctx context.Context, since time.Time) ([]types.Fill, error) {
	return nil, nil
}

// SubscribeFills blocks until cancellation; dry-run produces no fills.
func (d *DryRun) SubscribeFills(ctx context.Context, ch chan<- types.Fill) error {
	<-ctx.Done()
	return ctx.Err()
}
