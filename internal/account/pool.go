// Package account manages venue credential sets and their rate budgets.
//
// Each account carries a token-bucket limiter per request category
// (order/cancel/book) so one hot path cannot starve another. Selection is
// round-robin per venue over healthy accounts; pairs may also pin explicit
// account ids.
package account

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"hedgerd/internal/config"
	"hedgerd/pkg/types"
)

var (
	// ErrNoAccount means the venue has no configured account at all.
	ErrNoAccount = errors.New("account: no account for venue")
	// ErrAllUnhealthy means every account for the venue is marked down.
	ErrAllUnhealthy = errors.New("account: all accounts unhealthy")
	// ErrUnknownAccount means the referenced account id does not exist.
	ErrUnknownAccount = errors.New("account: unknown account id")
)

// Limits is the per-account limiter triplet. Book reads get triple the
// order budget since they dominate request volume and are cheap venue-side.
type Limits struct {
	Order  *rate.Limiter
	Cancel *rate.Limiter
	Book   *rate.Limiter
}

type entry struct {
	acct    types.Account
	limits  *Limits
	healthy bool
}

// Pool holds all configured accounts keyed by venue and id.
type Pool struct {
	mu      sync.Mutex
	byVenue map[types.Venue][]*entry
	byID    map[string]*entry
	cursor  map[types.Venue]int
	logger  *slog.Logger
}

// NewPool builds the pool from config. The venue rate limit applies unless
// the account overrides it with its own rate/burst.
func NewPool(cfg *config.Config, logger *slog.Logger) (*Pool, error) {
	p := &Pool{
		byVenue: make(map[types.Venue][]*entry),
		byID:    make(map[string]*entry),
		cursor:  make(map[types.Venue]int),
		logger:  logger.With("component", "account_pool"),
	}

	for _, ac := range cfg.Accounts {
		if _, dup := p.byID[ac.ID]; dup {
			return nil, fmt.Errorf("account: duplicate id %q", ac.ID)
		}

		rl := cfg.VenueRateLimit(ac.Venue)
		r, burst := rl.Rate, rl.Burst
		if ac.Rate > 0 {
			r = ac.Rate
		}
		if ac.Burst > 0 {
			burst = ac.Burst
		}

		e := &entry{
			acct: types.Account{
				ID:            ac.ID,
				Venue:         types.Venue(ac.Venue),
				APIKey:        ac.APIKey,
				APISecret:     ac.APISecret,
				Passphrase:    ac.Passphrase,
				PrivateKey:    ac.PrivateKey,
				FunderAddress: ac.FunderAddress,
				Proxy:         ac.Proxy,
				Rate:          r,
				Burst:         burst,
			},
			limits: &Limits{
				Order:  rate.NewLimiter(rate.Limit(r), burst),
				Cancel: rate.NewLimiter(rate.Limit(r), burst),
				Book:   rate.NewLimiter(rate.Limit(r*3), burst*3),
			},
			healthy: true,
		}
		p.byID[ac.ID] = e
		p.byVenue[e.acct.Venue] = append(p.byVenue[e.acct.Venue], e)
	}

	return p, nil
}

// Count returns the number of accounts configured for a venue.
func (p *Pool) Count(venue types.Venue) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byVenue[venue])
}

// Next returns the next healthy account for a venue, round-robin.
func (p *Pool) Next(venue types.Venue) (types.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.byVenue[venue]
	if len(entries) == 0 {
		return types.Account{}, fmt.Errorf("%w: %s", ErrNoAccount, venue)
	}

	start := p.cursor[venue]
	for i := range entries {
		e := entries[(start+i)%len(entries)]
		if !e.healthy {
			continue
		}
		p.cursor[venue] = (start + i + 1) % len(entries)
		return e.acct, nil
	}
	return types.Account{}, fmt.Errorf("%w: %s", ErrAllUnhealthy, venue)
}

// ByID looks up a specific account.
func (p *Pool) ByID(id string) (types.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[id]
	if !ok {
		return types.Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return e.acct, nil
}

// ForPair resolves the primary and secondary accounts for a pair. Explicit
// account ids win; otherwise the venue's round-robin picks.
func (p *Pool) ForPair(pair types.MarketPair) (primary, secondary types.Account, err error) {
	if pair.PrimaryAccountID != "" {
		primary, err = p.ByID(pair.PrimaryAccountID)
	} else {
		primary, err = p.Next(pair.PrimaryVenue)
	}
	if err != nil {
		return types.Account{}, types.Account{}, fmt.Errorf("pair %s primary: %w", pair.PairID, err)
	}

	if pair.SecondaryAccountID != "" {
		secondary, err = p.ByID(pair.SecondaryAccountID)
	} else {
		secondary, err = p.Next(pair.SecondaryVenue)
	}
	if err != nil {
		return types.Account{}, types.Account{}, fmt.Errorf("pair %s secondary: %w", pair.PairID, err)
	}
	return primary, secondary, nil
}

// Limits returns the limiter triplet for an account id, or nil when the
// account is unknown.
func (p *Pool) Limits(id string) *Limits {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.byID[id]; ok {
		return e.limits
	}
	return nil
}

// MarkUnhealthy removes an account from rotation until MarkHealthy.
func (p *Pool) MarkUnhealthy(id string) {
	p.setHealth(id, false)
}

// MarkHealthy returns an account to rotation.
func (p *Pool) MarkHealthy(id string) {
	p.setHealth(id, true)
}

func (p *Pool) setHealth(id string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[id]
	if !ok || e.healthy == healthy {
		return
	}
	e.healthy = healthy
	p.logger.Warn("account health changed", "account", id, "healthy", healthy)
}
