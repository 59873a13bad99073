// Package api is the read-only control surface: status, health, simulation,
// and a websocket event stream. There are no mutation endpoints; every
// trading decision stays inside the engine.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"hedgerd/internal/engine"
	"hedgerd/internal/reconcile"
	"hedgerd/internal/risk"
	"hedgerd/internal/sim"
	"hedgerd/internal/store"
	"hedgerd/internal/strategy"
	"hedgerd/pkg/types"
)

// StatusCore is the slice of the engine the status handler reads.
// Satisfied by *engine.Engine.
type StatusCore interface {
	Pairs() []types.MarketPair
	Uptime() time.Duration
	ReconcilerCounters() map[string]reconcile.Counters
	Positions() *strategy.Positions
	Risk() *risk.Manager
}

// HealthRunner probes pair connectivity. Satisfied by *sim.Healthcheck.
type HealthRunner interface {
	Run(ctx context.Context) sim.Report
}

// TradeSimulator prices dry runs. Satisfied by *sim.Simulator.
type TradeSimulator interface {
	Simulate(ctx context.Context, pairID string, size decimal.Decimal) (sim.Plan, error)
}

// EventSource feeds the websocket stream. Satisfied by *engine.Hub.
type EventSource interface {
	Subscribe(buffer int) (<-chan engine.Event, func())
}

// Server serves the HTTP API.
type Server struct {
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes. addr comes from api.listen_addr.
func NewServer(
	addr string,
	core StatusCore,
	st *store.Store,
	health HealthRunner,
	simulator TradeSimulator,
	events EventSource,
	logger *slog.Logger,
) *Server {
	handlers := NewHandlers(core, st, health, simulator, events, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/status", handlers.HandleStatus)
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/simulate", handlers.HandleSimulate)
	mux.HandleFunc("/ws", handlers.HandleWS)

	return &Server{
		handlers: handlers,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api"),
	}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains connections gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
