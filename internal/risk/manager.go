// Package risk gates order placement against account and pair limits.
//
// Evaluate runs a fixed sequence of checks against a proposed order and
// returns nil (allow) or a DenyError naming the first check that failed:
//
//  1. cool-down:   the account is blocked after a recent incident, or the
//     pair was disabled by a critical incident
//  2. exposure:    projected gross exposure for the pair exceeds the cap
//  3. open orders: the pair already has the maximum open orders
//  4. balance:     order notional exceeds available balance x safety margin
//  5. slippage:    predicted slippage exceeds the configured ceiling
//
// Evaluate never mutates state. Bookkeeping (exposure, open-order counts,
// balances, cool-downs, disabled pairs) is updated by the order manager and
// engine through the mutator methods.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hedgerd/internal/config"
	"hedgerd/pkg/types"
)

// Proposal describes an order about to be placed.
type Proposal struct {
	PairID            string
	AccountID         string
	Venue             types.Venue
	Side              types.Side
	Price             decimal.Decimal
	Size              decimal.Decimal
	PredictedSlippage decimal.Decimal
}

// Notional is size x price.
func (p *Proposal) Notional() decimal.Decimal {
	return p.Size.Mul(p.Price)
}

// DenyError reports which check rejected a proposal.
type DenyError struct {
	Check  string
	Reason string
}

func (e *DenyError) Error() string {
	return fmt.Sprintf("risk: %s: %s", e.Check, e.Reason)
}

// Manager holds the mutable risk state shared by all pair controllers.
type Manager struct {
	cfg    config.MarketHedgeConfig
	logger *slog.Logger

	mu            sync.RWMutex
	cooldownUntil map[string]time.Time       // account id -> blocked until
	disabledPairs map[string]string          // pair id -> reason
	openOrders    map[string]int             // pair id -> open order count
	exposure      map[string]decimal.Decimal // pair id -> gross notional of open orders
	balances      map[string]decimal.Decimal // account id -> last known available balance
}

// NewManager creates a risk manager.
func NewManager(cfg config.MarketHedgeConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:           cfg,
		logger:        logger.With("component", "risk"),
		cooldownUntil: make(map[string]time.Time),
		disabledPairs: make(map[string]string),
		openOrders:    make(map[string]int),
		exposure:      make(map[string]decimal.Decimal),
		balances:      make(map[string]decimal.Decimal),
	}
}

// Evaluate gates a proposal. First failing check wins; nil means allow.
func (rm *Manager) Evaluate(p Proposal) error {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if reason, ok := rm.disabledPairs[p.PairID]; ok {
		return &DenyError{Check: "cool_down", Reason: fmt.Sprintf("pair disabled: %s", reason)}
	}
	if until, ok := rm.cooldownUntil[p.AccountID]; ok && time.Now().Before(until) {
		return &DenyError{Check: "cool_down", Reason: fmt.Sprintf("account blocked until %s", until.Format(time.RFC3339))}
	}

	if rm.cfg.ExposureCap > 0 {
		cap := decimal.NewFromFloat(rm.cfg.ExposureCap)
		projected := rm.exposure[p.PairID].Add(p.Notional())
		if projected.GreaterThan(cap) {
			return &DenyError{Check: "exposure", Reason: fmt.Sprintf("projected %s exceeds cap %s", projected, cap)}
		}
	}

	if rm.cfg.MaxOpenOrders > 0 && rm.openOrders[p.PairID] >= rm.cfg.MaxOpenOrders {
		return &DenyError{Check: "open_orders", Reason: fmt.Sprintf("%d open orders at cap", rm.openOrders[p.PairID])}
	}

	if balance, ok := rm.balances[p.AccountID]; ok {
		margin := decimal.NewFromFloat(rm.cfg.BalanceSafetyMargin)
		usable := balance.Mul(margin)
		if p.Notional().GreaterThan(usable) {
			return &DenyError{Check: "balance", Reason: fmt.Sprintf("notional %s exceeds usable %s", p.Notional(), usable)}
		}
	}

	if rm.cfg.MaxSlippage > 0 {
		ceiling := decimal.NewFromFloat(rm.cfg.MaxSlippage)
		if p.PredictedSlippage.GreaterThan(ceiling) {
			return &DenyError{Check: "slippage", Reason: fmt.Sprintf("predicted %s over ceiling %s", p.PredictedSlippage, ceiling)}
		}
	}

	return nil
}

// TripCooldown blocks an account for the configured cool-down period.
func (rm *Manager) TripCooldown(accountID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	until := time.Now().Add(rm.cfg.CoolDown)
	rm.cooldownUntil[accountID] = until
	rm.logger.Warn("account cool-down tripped", "account", accountID, "until", until)
}

// DisablePair blocks a pair permanently (until restart). Used for critical
// incidents; the pair surfaces as disabled in /status.
func (rm *Manager) DisablePair(pairID, reason string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, already := rm.disabledPairs[pairID]; already {
		return
	}
	rm.disabledPairs[pairID] = reason
	rm.logger.Error("pair disabled", "pair", pairID, "reason", reason)
}

// PairDisabled reports whether a pair was disabled, with its reason.
func (rm *Manager) PairDisabled(pairID string) (string, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	reason, ok := rm.disabledPairs[pairID]
	return reason, ok
}

// OrderOpened records a newly live order for open-order and exposure caps.
func (rm *Manager) OrderOpened(pairID string, notional decimal.Decimal) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.openOrders[pairID]++
	rm.exposure[pairID] = rm.exposure[pairID].Add(notional)
}

// OrderClosed releases the open-order slot and exposure of a finished order.
func (rm *Manager) OrderClosed(pairID string, notional decimal.Decimal) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.openOrders[pairID] > 0 {
		rm.openOrders[pairID]--
	}
	left := rm.exposure[pairID].Sub(notional)
	if left.IsNegative() {
		left = decimal.Zero
	}
	rm.exposure[pairID] = left
}

// SetBalance records the last known available balance for an account.
// Unknown accounts are not balance-gated.
func (rm *Manager) SetBalance(accountID string, available decimal.Decimal) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.balances[accountID] = available
}

// PairState is the per-pair slice of risk state exposed on /status.
type PairState struct {
	OpenOrders int
	Exposure   decimal.Decimal
	Disabled   bool
	Reason     string
}

// PairSnapshot returns the current risk state for one pair.
func (rm *Manager) PairSnapshot(pairID string) PairState {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	reason, disabled := rm.disabledPairs[pairID]
	return PairState{
		OpenOrders: rm.openOrders[pairID],
		Exposure:   rm.exposure[pairID],
		Disabled:   disabled,
		Reason:     reason,
	}
}
