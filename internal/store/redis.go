package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/optn/house-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Every Apply drops the keys it touched whether or not it succeeded. An
// unlocked read that misses the cache, loses a race with a commit and then
// fills the cache can still leave the previous version there until the TTL
// expires. Only plain reads see it; reads under a House lock carry an
// Uncached context and go to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateHouse(ctx context.Context, h *model.House) error {
	if err := s.primary.CreateHouse(ctx, h); err != nil {
		return err
	}
	s.cache(ctx, houseKey(h.ID), h)
	return nil
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cache(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) Credit(ctx context.Context, owner common.Address, amount uint64) error {
	return s.primary.Credit(ctx, owner, amount)
}

func (s *CachedStore) Apply(ctx context.Context, m *Mutation) error {
	var keys []string
	if m.House != nil {
		keys = append(keys, houseKey(m.House.ID))
	}
	if m.Market != nil {
		keys = append(keys, marketKey(m.Market.ID))
	}
	for _, b := range []*model.Bet{m.Bet, m.NewBet, m.DeleteBet} {
		if b != nil {
			keys = append(keys, betKey(b.ID))
		}
	}

	err := s.primary.Apply(ctx, m)
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetHouse(ctx context.Context, id string) (*model.House, error) {
	if IsUncached(ctx) {
		return s.primary.GetHouse(ctx, id)
	}
	var h model.House
	if s.lookup(ctx, houseKey(id), &h) {
		return &h, nil
	}
	got, err := s.primary.GetHouse(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, houseKey(id), got)
	return got, nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	if IsUncached(ctx) {
		return s.primary.GetMarket(ctx, id)
	}
	var m model.Market
	if s.lookup(ctx, marketKey(id), &m) {
		return &m, nil
	}
	got, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketKey(id), got)
	return got, nil
}

func (s *CachedStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	if IsUncached(ctx) {
		return s.primary.GetBet(ctx, id)
	}
	var b model.Bet
	if s.lookup(ctx, betKey(id), &b) {
		return &b, nil
	}
	got, err := s.primary.GetBet(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, betKey(id), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListHouses(ctx context.Context) ([]model.House, error) {
	return s.primary.ListHouses(ctx)
}

func (s *CachedStore) ListMarkets(ctx context.Context, houseID string) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, houseID)
}

func (s *CachedStore) ListBetsByAuthority(ctx context.Context, authority common.Address) ([]model.Bet, error) {
	return s.primary.ListBetsByAuthority(ctx, authority)
}

func (s *CachedStore) ListExpiredPendingBets(ctx context.Context, q ExpiredBetsQuery) ([]model.Bet, error) {
	return s.primary.ListExpiredPendingBets(ctx, q)
}

func (s *CachedStore) Balance(ctx context.Context, owner common.Address) (uint64, error) {
	return s.primary.Balance(ctx, owner)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func houseKey(id string) string  { return fmt.Sprintf("house:%s", id) }
func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func betKey(id string) string    { return fmt.Sprintf("bet:%s", id) }
