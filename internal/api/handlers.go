package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"hedgerd/internal/store"
	"hedgerd/pkg/types"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	core      StatusCore
	st        *store.Store
	health    HealthRunner
	simulator TradeSimulator
	events    EventSource
	logger    *slog.Logger
}

// NewHandlers builds the handler set.
func NewHandlers(
	core StatusCore,
	st *store.Store,
	health HealthRunner,
	simulator TradeSimulator,
	events EventSource,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		core:      core,
		st:        st,
		health:    health,
		simulator: simulator,
		events:    events,
		logger:    logger.With("component", "api-handlers"),
	}
}

// PairStatus is one pair's slice of the status response.
type PairStatus struct {
	PairID      string          `json:"pair_id"`
	OpenOrders  int             `json:"open_orders"`
	LastFillAt  *time.Time      `json:"last_fill_at,omitempty"`
	NetPosition decimal.Decimal `json:"net_position"`
	LastPrice   decimal.Decimal `json:"last_price"`
	Disabled    bool            `json:"disabled"`
	Reason      string          `json:"disabled_reason,omitempty"`
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	Uptime      string           `json:"uptime"`
	PairCount   int              `json:"pair_count"`
	Pairs       []PairStatus     `json:"pairs"`
	Reconcilers map[string]any   `json:"reconcilers"`
	Database    map[string]any   `json:"database"`
	Incidents   []types.Incident `json:"recent_incidents"`
}

// HandleStatus reports the engine's full operational state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	positions := h.core.Positions().Snapshot()
	resp := StatusResponse{
		Uptime:      h.core.Uptime().Truncate(time.Second).String(),
		Reconcilers: make(map[string]any),
		Database:    map[string]any{"backend": h.st.Backend(), "ok": true},
	}
	for key, counters := range h.core.ReconcilerCounters() {
		resp.Reconcilers[key] = counters
	}
	if err := h.st.Ping(ctx); err != nil {
		resp.Database["ok"] = false
		resp.Database["error"] = err.Error()
	}

	for _, pair := range h.core.Pairs() {
		ps := PairStatus{PairID: pair.PairID}

		if n, err := h.st.OpenOrderCount(ctx, pair.PairID); err == nil {
			ps.OpenOrders = n
		}
		if ts, err := h.st.LastFillAt(ctx, pair.PairID); err == nil && !ts.IsZero() {
			ps.LastFillAt = &ts
		}
		if pos, ok := positions[pair.PairID]; ok {
			ps.NetPosition = pos.Net
			ps.LastPrice = pos.LastPrice
		}
		ps.Reason, ps.Disabled = h.core.Risk().PairDisabled(pair.PairID)

		resp.Pairs = append(resp.Pairs, ps)
	}
	resp.PairCount = len(resp.Pairs)

	if incs, err := h.st.RecentIncidents(ctx, 20); err == nil {
		resp.Incidents = incs
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// HandleHealth runs the live connectivity check; any failing pair turns the
// whole response into a 503.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := h.health.Run(r.Context())
	status := http.StatusOK
	if !report.OK {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, report)
}

type simulateRequest struct {
	Pair string `json:"pair"`
	Size string `json:"size"`
}

// HandleSimulate prices a dry run for one pair. Accepts POST with a JSON
// body or GET with ?pair=&size= query parameters.
func (h *Handlers) HandleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	switch r.Method {
	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
	case http.MethodGet:
		req.Pair = r.URL.Query().Get("pair")
		req.Size = r.URL.Query().Get("size")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if req.Pair == "" {
		http.Error(w, "pair is required", http.StatusBadRequest)
		return
	}
	size, err := decimal.NewFromString(req.Size)
	if err != nil || !size.IsPositive() {
		http.Error(w, "size must be a positive decimal", http.StatusBadRequest)
		return
	}

	plan, err := h.simulator.Simulate(r.Context(), req.Pair, size)
	if err != nil {
		h.logger.Warn("simulation failed", "pair", req.Pair, "error", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	h.writeJSON(w, http.StatusOK, plan)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}
