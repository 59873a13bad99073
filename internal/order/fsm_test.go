package order

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hedgerd/internal/store"
	"hedgerd/pkg/types"
)

func fsmOrder(status types.OrderStatus, filled int64) *types.Order {
	return &types.Order{
		ClientOrderID: "ord-1",
		Venue:         "polymarket",
		PairID:        "pair-1",
		Side:          types.BUY,
		Type:          types.OrderTypeLimit,
		Role:          types.RolePrimary,
		Price:         decimal.RequireFromString("0.42"),
		RequestedSize: decimal.NewFromInt(100),
		FilledSize:    decimal.NewFromInt(filled),
		Status:        status,
	}
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		from    types.OrderStatus
		filled  int64
		ev      Event
		want    types.OrderStatus
		outcome Outcome
	}{
		{"submit", types.StatusNew, 0, Event{Type: EvPlaceSubmitted}, types.StatusPendingPlace, Advance},
		{"ack", types.StatusPendingPlace, 0, Event{Type: EvPlaceAcked, VenueOrderID: "v-1"}, types.StatusLive, Advance},
		{"reject pending", types.StatusPendingPlace, 0, Event{Type: EvPlaceRejected}, types.StatusRejected, Advance},
		{"reject new", types.StatusNew, 0, Event{Type: EvPlaceRejected}, types.StatusRejected, Advance},
		{"partial fill", types.StatusLive, 0, Event{Type: EvFillReceived, FillSize: decimal.NewFromInt(30)}, types.StatusPartial, Advance},
		{"completing fill", types.StatusPartial, 70, Event{Type: EvFillReceived, FillSize: decimal.NewFromInt(30)}, types.StatusFilled, Advance},
		{"fill before ack", types.StatusPendingPlace, 0, Event{Type: EvFillReceived, FillSize: decimal.NewFromInt(10)}, types.StatusPartial, Advance},
		{"cancel live", types.StatusLive, 0, Event{Type: EvCancelRequested}, types.StatusCancelling, Advance},
		{"timeout partial", types.StatusPartial, 30, Event{Type: EvTimeoutElapsed}, types.StatusCancelling, Advance},
		{"cancel acked", types.StatusCancelling, 0, Event{Type: EvCancelAcked}, types.StatusCancelled, Advance},
		{"cancel rejected flat", types.StatusCancelling, 0, Event{Type: EvCancelRejected}, types.StatusLive, Advance},
		{"cancel rejected partial", types.StatusCancelling, 30, Event{Type: EvCancelRejected}, types.StatusPartial, Advance},
		{"fill during cancel", types.StatusCancelling, 0, Event{Type: EvFillReceived, FillSize: decimal.NewFromInt(30)}, types.StatusCancelling, Advance},
		{"fill completes cancel", types.StatusCancelling, 70, Event{Type: EvFillReceived, FillSize: decimal.NewFromInt(30)}, types.StatusFilled, Advance},
		{"expired", types.StatusLive, 0, Event{Type: EvVenueExpired}, types.StatusExpired, Advance},
		{"error anywhere", types.StatusCancelling, 0, Event{Type: EvErrorObserved}, types.StatusErrored, Advance},

		{"late cancel ack after fill", types.StatusFilled, 100, Event{Type: EvCancelAcked}, types.StatusFilled, Absorb},
		{"fill after cancelled", types.StatusCancelled, 0, Event{Type: EvFillReceived, FillSize: decimal.NewFromInt(10)}, types.StatusCancelled, Absorb},

		{"cancel ack while live", types.StatusLive, 0, Event{Type: EvCancelAcked}, types.StatusLive, Illegal},
		{"ack while new", types.StatusNew, 0, Event{Type: EvPlaceAcked}, types.StatusNew, Illegal},
		{"cancel while new", types.StatusNew, 0, Event{Type: EvCancelRequested}, types.StatusNew, Illegal},
	}

	for _, tc := range cases {
		o := fsmOrder(tc.from, tc.filled)
		got, outcome := Transition(o, tc.ev)
		if got != tc.want || outcome != tc.outcome {
			t.Errorf("%s: Transition = (%s, %d), want (%s, %d)", tc.name, got, outcome, tc.want, tc.outcome)
		}
	}
}

func TestMutateClampsOverfill(t *testing.T) {
	t.Parallel()

	o := fsmOrder(types.StatusPartial, 90)
	ev := Event{Type: EvFillReceived, FillSize: decimal.NewFromInt(20)}
	next, outcome := Transition(o, ev)
	if outcome != Advance || next != types.StatusFilled {
		t.Fatalf("Transition = (%s, %d)", next, outcome)
	}
	mutate(o, ev, next)
	if !o.FilledSize.Equal(o.RequestedSize) {
		t.Errorf("FilledSize = %s, want clamped to %s", o.FilledSize, o.RequestedSize)
	}
}

func event(id int64, stage EventType, payload map[string]any) store.OrderEvent {
	raw, _ := json.Marshal(payload)
	return store.OrderEvent{ID: id, ClientOrderID: "ord-1", Stage: string(stage), Payload: raw, Ts: time.Now()}
}

func TestReplayRebuildsOrder(t *testing.T) {
	t.Parallel()

	o := fsmOrder(types.StatusNew, 0)
	events := []store.OrderEvent{
		event(1, EvPlaceSubmitted, nil),
		event(2, EvPlaceAcked, map[string]any{"venue_order_id": "v-9"}),
		event(3, EvFillReceived, map[string]any{"size": "30", "price": "0.42", "fill_id": "f-1"}),
		event(4, EvFillReceived, map[string]any{"size": "70", "price": "0.42", "fill_id": "f-2"}),
		event(5, EvCancelAcked, nil), // late, absorbed during replay too
	}
	if err := Replay(o, events); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if o.Status != types.StatusFilled {
		t.Errorf("Status = %s, want FILLED", o.Status)
	}
	if o.VenueOrderID != "v-9" {
		t.Errorf("VenueOrderID = %s, want v-9", o.VenueOrderID)
	}
	if !o.FilledSize.Equal(decimal.NewFromInt(100)) {
		t.Errorf("FilledSize = %s, want 100", o.FilledSize)
	}
}

func TestReplayPartial(t *testing.T) {
	t.Parallel()

	o := fsmOrder(types.StatusNew, 0)
	events := []store.OrderEvent{
		event(1, EvPlaceSubmitted, nil),
		event(2, EvPlaceAcked, map[string]any{"venue_order_id": "v-1"}),
		event(3, EvFillReceived, map[string]any{"size": "25", "price": "0.40"}),
	}
	if err := Replay(o, events); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if o.Status != types.StatusPartial {
		t.Errorf("Status = %s, want PARTIAL", o.Status)
	}
	if !o.FilledSize.Equal(decimal.NewFromInt(25)) {
		t.Errorf("FilledSize = %s, want 25", o.FilledSize)
	}
}
