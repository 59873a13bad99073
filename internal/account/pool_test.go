package account

import (
	"errors"
	"log/slog"
	"testing"

	"hedgerd/internal/config"
	"hedgerd/pkg/types"
)

func testPool(t *testing.T) *Pool {
	t.Helper()

	cfg := &config.Config{
		Accounts: []config.AccountConfig{
			{ID: "pm-1", Venue: "polymarket", APIKey: "k1"},
			{ID: "pm-2", Venue: "polymarket", APIKey: "k2"},
			{ID: "op-1", Venue: "opinion", APIKey: "k3", Rate: 2, Burst: 4},
		},
	}
	p, err := NewPool(cfg, slog.Default())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p
}

func TestNextRoundRobin(t *testing.T) {
	t.Parallel()

	p := testPool(t)
	var seen []string
	for i := 0; i < 4; i++ {
		a, err := p.Next("polymarket")
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		seen = append(seen, a.ID)
	}
	want := []string{"pm-1", "pm-2", "pm-1", "pm-2"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", seen, want)
		}
	}
}

func TestNextSkipsUnhealthy(t *testing.T) {
	t.Parallel()

	p := testPool(t)
	p.MarkUnhealthy("pm-1")

	for i := 0; i < 3; i++ {
		a, err := p.Next("polymarket")
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if a.ID != "pm-2" {
			t.Errorf("Next = %s, want pm-2", a.ID)
		}
	}

	p.MarkUnhealthy("pm-2")
	if _, err := p.Next("polymarket"); !errors.Is(err, ErrAllUnhealthy) {
		t.Errorf("err = %v, want ErrAllUnhealthy", err)
	}

	p.MarkHealthy("pm-1")
	if _, err := p.Next("polymarket"); err != nil {
		t.Errorf("Next after recovery: %v", err)
	}
}

func TestNextUnknownVenue(t *testing.T) {
	t.Parallel()

	p := testPool(t)
	if _, err := p.Next("kalshi"); !errors.Is(err, ErrNoAccount) {
		t.Errorf("err = %v, want ErrNoAccount", err)
	}
}

func TestForPairHonorsExplicitIDs(t *testing.T) {
	t.Parallel()

	p := testPool(t)
	pair := types.MarketPair{
		PairID:           "pair-1",
		PrimaryVenue:     "polymarket",
		SecondaryVenue:   "opinion",
		PrimaryAccountID: "pm-2",
	}

	primary, secondary, err := p.ForPair(pair)
	if err != nil {
		t.Fatalf("ForPair: %v", err)
	}
	if primary.ID != "pm-2" {
		t.Errorf("primary = %s, want pm-2", primary.ID)
	}
	if secondary.ID != "op-1" {
		t.Errorf("secondary = %s, want op-1", secondary.ID)
	}
}

func TestForPairMissingAccount(t *testing.T) {
	t.Parallel()

	p := testPool(t)
	_, _, err := p.ForPair(types.MarketPair{
		PairID:           "pair-x",
		PrimaryVenue:     "polymarket",
		SecondaryVenue:   "opinion",
		PrimaryAccountID: "nope",
	})
	if !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("err = %v, want ErrUnknownAccount", err)
	}
}

func TestLimitsOverride(t *testing.T) {
	t.Parallel()

	p := testPool(t)
	l := p.Limits("op-1")
	if l == nil {
		t.Fatal("Limits(op-1) = nil")
	}
	if got := float64(l.Order.Limit()); got != 2 {
		t.Errorf("order rate = %v, want 2", got)
	}
	if got := l.Order.Burst(); got != 4 {
		t.Errorf("order burst = %v, want 4", got)
	}
	if p.Limits("nope") != nil {
		t.Error("Limits(nope) should be nil")
	}
}

func TestDuplicateAccountID(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Accounts: []config.AccountConfig{
			{ID: "a", Venue: "polymarket"},
			{ID: "a", Venue: "opinion"},
		},
	}
	if _, err := NewPool(cfg, slog.Default()); err == nil {
		t.Fatal("expected duplicate id error")
	}
}
