package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"hedgerd/internal/config"
	"hedgerd/internal/engine"
	"hedgerd/internal/reconcile"
	"hedgerd/internal/risk"
	"hedgerd/internal/sim"
	"hedgerd/internal/store"
	"hedgerd/internal/strategy"
	"hedgerd/pkg/types"
)

type fakeCore struct {
	pairs     []types.MarketPair
	positions *strategy.Positions
	riskMgr   *risk.Manager
	counters  map[string]reconcile.Counters
}

func (f *fakeCore) Pairs() []types.MarketPair { return f.pairs }
func (f *fakeCore) Uptime() time.Duration     { return 90 * time.Second }
func (f *fakeCore) ReconcilerCounters() map[string]reconcile.Counters {
	return f.counters
}
func (f *fakeCore) Positions() *strategy.Positions { return f.positions }
func (f *fakeCore) Risk() *risk.Manager            { return f.riskMgr }

type fakeHealth struct {
	report sim.Report
}

func (f *fakeHealth) Run(context.Context) sim.Report { return f.report }

type fakeSimulator struct {
	plan    sim.Plan
	err     error
	gotPair string
	gotSize decimal.Decimal
}

func (f *fakeSimulator) Simulate(_ context.Context, pairID string, size decimal.Decimal) (sim.Plan, error) {
	f.gotPair = pairID
	f.gotSize = size
	return f.plan, f.err
}

func apiStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(config.DatabaseConfig{
		Backend: "sqlite",
		DSN:     filepath.Join(t.TempDir(), "api.db"),
	}, slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func testCore() *fakeCore {
	positions := strategy.NewPositions()
	positions.Seed("pair-1", decimal.NewFromInt(40))
	return &fakeCore{
		pairs: []types.MarketPair{{
			PairID:          "pair-1",
			PrimaryVenue:    "polymarket",
			SecondaryVenue:  "opinion",
			PrimaryMarketID: "mkt-1",
			Enabled:         true,
		}},
		positions: positions,
		riskMgr:   risk.NewManager(config.MarketHedgeConfig{}, slog.Default()),
		counters: map[string]reconcile.Counters{
			"polymarket/acc-1": {WSEvents: 12, Emitted: 10, Duplicates: 2},
		},
	}
}

func testHandlers(t *testing.T, core *fakeCore, health *fakeHealth, simulator *fakeSimulator, events EventSource) *Handlers {
	t.Helper()
	if events == nil {
		events = engine.NewHub(slog.Default())
	}
	return NewHandlers(core, apiStore(t), health, simulator, events, slog.Default())
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	core := testCore()
	core.riskMgr.DisablePair("pair-1", "loss limit breached")
	h := testHandlers(t, core, &fakeHealth{}, &fakeSimulator{}, nil)

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PairCount != 1 || len(resp.Pairs) != 1 {
		t.Fatalf("pair count = %d / %d", resp.PairCount, len(resp.Pairs))
	}
	ps := resp.Pairs[0]
	if ps.PairID != "pair-1" || ps.OpenOrders != 0 {
		t.Errorf("pair = %+v", ps)
	}
	if !ps.NetPosition.Equal(decimal.NewFromInt(40)) {
		t.Errorf("net position = %s, want 40", ps.NetPosition)
	}
	if !ps.Disabled || ps.Reason != "loss limit breached" {
		t.Errorf("disabled = %v reason %q", ps.Disabled, ps.Reason)
	}
	if resp.Uptime != "1m30s" {
		t.Errorf("uptime = %s", resp.Uptime)
	}
	if ok, _ := resp.Database["ok"].(bool); !ok {
		t.Errorf("database = %+v", resp.Database)
	}
	if _, ok := resp.Reconcilers["polymarket/acc-1"]; !ok {
		t.Errorf("reconcilers = %+v", resp.Reconcilers)
	}
}

func TestHandleStatusRejectsPost(t *testing.T) {
	t.Parallel()

	h := testHandlers(t, testCore(), &fakeHealth{}, &fakeSimulator{}, nil)
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	health := &fakeHealth{report: sim.Report{
		OK:    true,
		Pairs: []sim.PairReport{{PairID: "pair-1", OK: true}},
	}}
	h := testHandlers(t, testCore(), health, &fakeSimulator{}, nil)

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	health.report = sim.Report{OK: false, Pairs: []sim.PairReport{{PairID: "pair-1", Error: "secondary: timeout"}}}
	rec = httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d, want 503", rec.Code)
	}
	var report sim.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.OK || report.Pairs[0].Error != "secondary: timeout" {
		t.Errorf("report = %+v", report)
	}
}

func TestHandleSimulatePost(t *testing.T) {
	t.Parallel()

	simulator := &fakeSimulator{plan: sim.Plan{
		PairID:      "pair-1",
		Size:        decimal.NewFromInt(100),
		ExpectedPnL: decimal.RequireFromString("6.708"),
	}}
	h := testHandlers(t, testCore(), &fakeHealth{}, simulator, nil)

	body := strings.NewReader(`{"pair":"pair-1","size":"100"}`)
	rec := httptest.NewRecorder()
	h.HandleSimulate(rec, httptest.NewRequest(http.MethodPost, "/simulate", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if simulator.gotPair != "pair-1" || !simulator.gotSize.Equal(decimal.NewFromInt(100)) {
		t.Errorf("simulator called with %q / %s", simulator.gotPair, simulator.gotSize)
	}
	var plan sim.Plan
	if err := json.Unmarshal(rec.Body.Bytes(), &plan); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !plan.ExpectedPnL.Equal(decimal.RequireFromString("6.708")) {
		t.Errorf("pnl = %s", plan.ExpectedPnL)
	}
}

func TestHandleSimulateGetQuery(t *testing.T) {
	t.Parallel()

	simulator := &fakeSimulator{plan: sim.Plan{PairID: "pair-1"}}
	h := testHandlers(t, testCore(), &fakeHealth{}, simulator, nil)

	rec := httptest.NewRecorder()
	h.HandleSimulate(rec, httptest.NewRequest(http.MethodGet, "/simulate?pair=pair-1&size=25", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if simulator.gotPair != "pair-1" || !simulator.gotSize.Equal(decimal.NewFromInt(25)) {
		t.Errorf("simulator called with %q / %s", simulator.gotPair, simulator.gotSize)
	}
}

func TestHandleSimulateRejectsBadInput(t *testing.T) {
	t.Parallel()

	h := testHandlers(t, testCore(), &fakeHealth{}, &fakeSimulator{}, nil)

	for _, target := range []string{
		"/simulate?size=100",          // missing pair
		"/simulate?pair=p&size=0",     // non-positive
		"/simulate?pair=p&size=-5",    // negative
		"/simulate?pair=p&size=large", // not a decimal
	} {
		rec := httptest.NewRecorder()
		h.HandleSimulate(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestHandleSimulateReportsFailure(t *testing.T) {
	t.Parallel()

	simulator := &fakeSimulator{err: errors.New("unknown pair pair-9")}
	h := testHandlers(t, testCore(), &fakeHealth{}, simulator, nil)

	rec := httptest.NewRecorder()
	h.HandleSimulate(rec, httptest.NewRequest(http.MethodGet, "/simulate?pair=pair-9&size=10", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestHandleWSStreamsEvents(t *testing.T) {
	t.Parallel()

	hub := engine.NewHub(slog.Default())
	h := testHandlers(t, testCore(), &fakeHealth{}, &fakeSimulator{}, hub)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	var ev engine.Event
	for {
		hub.Publish(engine.Event{Type: engine.EventTrade, PairID: "pair-1"})
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if err := conn.ReadJSON(&ev); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no event received before deadline")
		}
	}
	if ev.Type != engine.EventTrade || ev.PairID != "pair-1" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Ts.IsZero() {
		t.Error("event ts not set")
	}
}
