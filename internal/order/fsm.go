// Package order owns the order lifecycle: a persisted, event-driven state
// machine plus the manager that drives venue adapters through it.
//
// Every transition is appended to the order_events log before the in-memory
// order mutates, so a crash between the two is recoverable by replay.
package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"hedgerd/internal/store"
	"hedgerd/pkg/types"
)

// EventType names an order lifecycle event. The string doubles as the
// order_events stage column.
type EventType string

const (
	EvPlaceSubmitted  EventType = "PLACE_SUBMITTED"
	EvPlaceAcked      EventType = "PLACE_ACKED"
	EvPlaceRejected   EventType = "PLACE_REJECTED"
	EvFillReceived    EventType = "FILL_RECEIVED"
	EvCancelRequested EventType = "CANCEL_REQUESTED"
	EvCancelAcked     EventType = "CANCEL_ACKED"
	EvCancelRejected  EventType = "CANCEL_REJECTED"
	EvTimeoutElapsed  EventType = "TIMEOUT_ELAPSED"
	EvVenueExpired    EventType = "VENUE_EXPIRED"
	EvErrorObserved   EventType = "ERROR_OBSERVED"
)

// Event is one lifecycle event aimed at a single order.
type Event struct {
	Type         EventType
	VenueOrderID string          // PLACE_ACKED
	FillID       string          // FILL_RECEIVED
	FillSize     decimal.Decimal // FILL_RECEIVED, incremental
	FillPrice    decimal.Decimal // FILL_RECEIVED
	Reason       string          // rejections and errors
}

// Payload renders the event for the order_events log.
func (e Event) Payload() map[string]any {
	p := map[string]any{}
	if e.VenueOrderID != "" {
		p["venue_order_id"] = e.VenueOrderID
	}
	if e.FillID != "" {
		p["fill_id"] = e.FillID
	}
	if !e.FillSize.IsZero() {
		p["size"] = e.FillSize.String()
		p["price"] = e.FillPrice.String()
	}
	if e.Reason != "" {
		p["reason"] = e.Reason
	}
	return p
}

// Outcome classifies what a transition attempt did.
type Outcome int

const (
	// Advance means the event is legal and produced a new state.
	Advance Outcome = iota
	// Absorb means the order is terminal and the late event is discarded.
	Absorb
	// Illegal means the event is not legal in the current state; the caller
	// records an incident and leaves the order untouched.
	Illegal
)

// Transition computes the next status for an event against the current
// order without mutating it.
func Transition(o *types.Order, ev Event) (types.OrderStatus, Outcome) {
	if o.Status.Terminal() {
		return o.Status, Absorb
	}

	switch ev.Type {
	case EvPlaceSubmitted:
		if o.Status == types.StatusNew {
			return types.StatusPendingPlace, Advance
		}

	case EvPlaceAcked:
		if o.Status == types.StatusPendingPlace {
			return types.StatusLive, Advance
		}

	case EvPlaceRejected:
		if o.Status == types.StatusNew || o.Status == types.StatusPendingPlace {
			return types.StatusRejected, Advance
		}

	case EvFillReceived:
		switch o.Status {
		case types.StatusPendingPlace, types.StatusLive, types.StatusPartial, types.StatusCancelling:
			if fillCompletes(o, ev.FillSize) {
				return types.StatusFilled, Advance
			}
			if o.Status == types.StatusCancelling {
				return types.StatusCancelling, Advance
			}
			return types.StatusPartial, Advance
		}

	case EvCancelRequested, EvTimeoutElapsed:
		switch o.Status {
		case types.StatusLive, types.StatusPartial:
			return types.StatusCancelling, Advance
		}

	case EvCancelAcked:
		if o.Status == types.StatusCancelling {
			return types.StatusCancelled, Advance
		}

	case EvCancelRejected:
		if o.Status == types.StatusCancelling {
			if o.FilledSize.Sign() > 0 {
				return types.StatusPartial, Advance
			}
			return types.StatusLive, Advance
		}

	case EvVenueExpired:
		switch o.Status {
		case types.StatusLive, types.StatusPartial, types.StatusCancelling:
			return types.StatusExpired, Advance
		}

	case EvErrorObserved:
		return types.StatusErrored, Advance
	}

	return o.Status, Illegal
}

func fillCompletes(o *types.Order, incremental decimal.Decimal) bool {
	return o.FilledSize.Add(incremental).GreaterThanOrEqual(o.RequestedSize)
}

// mutate applies an already-validated transition to the order.
func mutate(o *types.Order, ev Event, next types.OrderStatus) {
	switch ev.Type {
	case EvPlaceAcked:
		o.VenueOrderID = ev.VenueOrderID
	case EvFillReceived:
		o.FilledSize = o.FilledSize.Add(ev.FillSize)
		if o.FilledSize.GreaterThan(o.RequestedSize) {
			o.FilledSize = o.RequestedSize
		}
	}
	o.Status = next
	o.UpdatedAt = time.Now().UTC()
}

// Replay folds a persisted event log over an order, rebuilding its status,
// venue order id, and cumulative filled size. Events that were illegal when
// logged never reached the log, so replay only sees legal history; anything
// that still fails to apply is reported.
func Replay(o *types.Order, events []store.OrderEvent) error {
	o.Status = types.StatusNew
	o.FilledSize = decimal.Zero
	o.VenueOrderID = ""

	for _, row := range events {
		ev, err := decodeEvent(row)
		if err != nil {
			return fmt.Errorf("event %d: %w", row.ID, err)
		}
		next, outcome := Transition(o, ev)
		switch outcome {
		case Advance:
			mutate(o, ev, next)
		case Absorb:
			// late event landed after a terminal transition, same as live
		case Illegal:
			return fmt.Errorf("event %d: %s illegal in %s", row.ID, ev.Type, o.Status)
		}
	}
	return nil
}

func decodeEvent(row store.OrderEvent) (Event, error) {
	ev := Event{Type: EventType(row.Stage)}

	payload, err := row.Decode()
	if err != nil {
		return Event{}, err
	}
	if v, ok := payload["venue_order_id"].(string); ok {
		ev.VenueOrderID = v
	}
	if v, ok := payload["fill_id"].(string); ok {
		ev.FillID = v
	}
	if v, ok := payload["reason"].(string); ok {
		ev.Reason = v
	}
	if v, ok := payload["size"].(string); ok {
		if ev.FillSize, err = decimal.NewFromString(v); err != nil {
			return Event{}, fmt.Errorf("size %q: %w", v, err)
		}
	}
	if v, ok := payload["price"].(string); ok {
		if ev.FillPrice, err = decimal.NewFromString(v); err != nil {
			return Event{}, fmt.Errorf("price %q: %w", v, err)
		}
	}
	return ev, nil
}
