// Package store defines the persistence interface for the house engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/optn/house-engine/internal/model"
	"github.com/optn/house-engine/internal/vault"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: version conflict")
)

// Mutation is everything one engine operation writes. Apply commits all of
// it or none of it.
//
// House, Market and Bet replace existing records and are compared on
// Version: the stored version must equal the one carried, and on success
// the store bumps it in both the stored record and the pointer passed in.
// NewBet is inserted with version 1. DeleteBet removes a bet whose stored
// version still matches. Transfers move funds between balances and are
// authorized by their signer.
type Mutation struct {
	House     *model.House
	Market    *model.Market
	Bet       *model.Bet
	NewBet    *model.Bet
	DeleteBet *model.Bet
	Transfers []vault.Transfer
}

type uncachedKey struct{}

// Uncached marks ctx so caching stores read straight from the primary. The
// engine reads this way while it holds a House lock: an unlocked reader
// racing a commit can leave an old version in the cache until its TTL, and
// a locked writer must never start from it.
func Uncached(ctx context.Context) context.Context {
	return context.WithValue(ctx, uncachedKey{}, true)
}

// IsUncached reports whether ctx was marked by Uncached.
func IsUncached(ctx context.Context) bool {
	v, _ := ctx.Value(uncachedKey{}).(bool)
	return v
}

// ExpiredBetsQuery selects Pending bets with expires_at <= Now, ordered by
// (expires_at, id).
type ExpiredBetsQuery struct {
	Now int64

	// Admin keeps only bets of Houses administered by this address. The
	// zero address matches every House.
	Admin common.Address

	// AfterExpiresAt and AfterID resume a listing: only bets ordered
	// strictly after this position are returned.
	AfterExpiresAt int64
	AfterID        string

	Limit int
}

// after reports whether b sorts strictly after the query's resume position.
func (q ExpiredBetsQuery) after(b *model.Bet) bool {
	if b.ExpiresAt != q.AfterExpiresAt {
		return b.ExpiresAt > q.AfterExpiresAt
	}
	return b.ID > q.AfterID
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Houses ---

	// CreateHouse persists a new house with version 1.
	CreateHouse(ctx context.Context, h *model.House) error

	// GetHouse retrieves a house by its ID.
	GetHouse(ctx context.Context, id string) (*model.House, error)

	// ListHouses returns all houses, oldest first.
	ListHouses(ctx context.Context) ([]model.House, error)

	// --- Markets ---

	// CreateMarket persists a new market with version 1.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns the markets of a house, or all markets when
	// houseID is empty.
	ListMarkets(ctx context.Context, houseID string) ([]model.Market, error)

	// --- Bets ---

	// GetBet retrieves a bet by its ID. Closed bets are gone.
	GetBet(ctx context.Context, id string) (*model.Bet, error)

	// ListBetsByAuthority returns the open bets of one wallet, newest first.
	ListBetsByAuthority(ctx context.Context, authority common.Address) ([]model.Bet, error)

	// ListExpiredPendingBets returns up to q.Limit bets matching q,
	// earliest expiry first.
	ListExpiredPendingBets(ctx context.Context, q ExpiredBetsQuery) ([]model.Bet, error)

	// --- Balances ---

	// Balance returns the funds held by owner, zero if none.
	Balance(ctx context.Context, owner common.Address) (uint64, error)

	// Credit mints amount into owner's balance (devnet faucet).
	Credit(ctx context.Context, owner common.Address, amount uint64) error

	// --- Atomic writes ---

	// Apply commits m atomically.
	Apply(ctx context.Context, m *Mutation) error
}
