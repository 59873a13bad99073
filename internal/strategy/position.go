package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hedgerd/pkg/types"
)

// PairPosition is the tracked exposure of one pair.
type PairPosition struct {
	Net       decimal.Decimal `json:"net"`
	LastPrice decimal.Decimal `json:"last_price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Positions tracks live net exposure per pair, fed by canonical fills from
// both venues. The durable copy lives in the positions table; this mirror
// serves the risk exposure checks and /status without a store round trip.
type Positions struct {
	mu    sync.RWMutex
	pairs map[string]PairPosition
}

// NewPositions creates an empty tracker.
func NewPositions() *Positions {
	return &Positions{pairs: make(map[string]PairPosition)}
}

// Seed installs a persisted net position at startup.
func (p *Positions) Seed(pairID string, net decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pairs[pairID] = PairPosition{Net: net, UpdatedAt: time.Now()}
}

// Apply folds one fill into the pair's net: buys add, sells subtract.
func (p *Positions) Apply(pairID string, side types.Side, size, price decimal.Decimal) {
	delta := size
	if side == types.SELL {
		delta = delta.Neg()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pos := p.pairs[pairID]
	pos.Net = pos.Net.Add(delta)
	pos.LastPrice = price
	pos.UpdatedAt = time.Now()
	p.pairs[pairID] = pos
}

// Net returns the pair's tracked net position, zero when unknown.
func (p *Positions) Net(pairID string) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pairs[pairID].Net
}

// Snapshot copies all tracked positions for the status surface.
func (p *Positions) Snapshot() map[string]PairPosition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]PairPosition, len(p.pairs))
	for k, v := range p.pairs {
		out[k] = v
	}
	return out
}
