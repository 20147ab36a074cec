package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/optn/house-engine/internal/model"
	"github.com/optn/house-engine/internal/vault"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	houses   map[string]*model.House
	markets  map[string]*model.Market
	bets     map[string]*model.Bet
	balances vault.Balances
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		houses:   make(map[string]*model.House),
		markets:  make(map[string]*model.Market),
		bets:     make(map[string]*model.Bet),
		balances: make(vault.Balances),
	}
}

func (s *MemoryStore) CreateHouse(_ context.Context, h *model.House) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.houses[h.ID]; ok {
		return fmt.Errorf("house %s already exists: %w", h.ID, ErrConflict)
	}
	h.Version = 1
	// Store a copy to avoid external mutation.
	copy := *h
	s.houses[h.ID] = &copy
	return nil
}

func (s *MemoryStore) GetHouse(_ context.Context, id string) (*model.House, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.houses[id]
	if !ok {
		return nil, fmt.Errorf("house %s: %w", id, ErrNotFound)
	}
	copy := *h
	return &copy, nil
}

func (s *MemoryStore) ListHouses(_ context.Context) ([]model.House, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	houses := make([]model.House, 0, len(s.houses))
	for _, h := range s.houses {
		houses = append(houses, *h)
	}
	sort.Slice(houses, func(i, j int) bool {
		if houses[i].CreatedAt != houses[j].CreatedAt {
			return houses[i].CreatedAt < houses[j].CreatedAt
		}
		return houses[i].ID < houses[j].ID
	})
	return houses, nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists: %w", m.ID, ErrConflict)
	}
	if _, ok := s.houses[m.HouseID]; !ok {
		return fmt.Errorf("house %s: %w", m.HouseID, ErrNotFound)
	}
	m.Version = 1
	copy := *m
	s.markets[m.ID] = &copy
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, houseID string) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if houseID == "" || m.HouseID == houseID {
			markets = append(markets, *m)
		}
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt != markets[j].CreatedAt {
			return markets[i].CreatedAt < markets[j].CreatedAt
		}
		return markets[i].ID < markets[j].ID
	})
	return markets, nil
}

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	return copyBet(b), nil
}

func (s *MemoryStore) ListBetsByAuthority(_ context.Context, authority common.Address) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bets []model.Bet
	for _, b := range s.bets {
		if b.Authority == authority {
			bets = append(bets, *copyBet(b))
		}
	}
	sort.Slice(bets, func(i, j int) bool {
		if bets[i].CreatedAt != bets[j].CreatedAt {
			return bets[i].CreatedAt > bets[j].CreatedAt
		}
		return bets[i].ID < bets[j].ID
	})
	return bets, nil
}

func (s *MemoryStore) ListExpiredPendingBets(_ context.Context, q ExpiredBetsQuery) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bets []model.Bet
	for _, b := range s.bets {
		if b.Status != model.Pending || b.ExpiresAt > q.Now || !q.after(b) {
			continue
		}
		if q.Admin != (common.Address{}) && s.adminOf(b.MarketID) != q.Admin {
			continue
		}
		bets = append(bets, *copyBet(b))
	}
	sort.Slice(bets, func(i, j int) bool {
		if bets[i].ExpiresAt != bets[j].ExpiresAt {
			return bets[i].ExpiresAt < bets[j].ExpiresAt
		}
		return bets[i].ID < bets[j].ID
	})
	if q.Limit > 0 && len(bets) > q.Limit {
		bets = bets[:q.Limit]
	}
	return bets, nil
}

// adminOf returns the admin of the House owning marketID. Callers hold s.mu.
func (s *MemoryStore) adminOf(marketID string) common.Address {
	m, ok := s.markets[marketID]
	if !ok {
		return common.Address{}
	}
	h, ok := s.houses[m.HouseID]
	if !ok {
		return common.Address{}
	}
	return h.Admin
}

func (s *MemoryStore) Balance(_ context.Context, owner common.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[owner], nil
}

func (s *MemoryStore) Credit(_ context.Context, owner common.Address, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.balances[owner]
	if cur+amount < cur {
		return fmt.Errorf("credit %s: balance overflow", owner.Hex())
	}
	s.balances[owner] = cur + amount
	return nil
}

// Apply checks every version and every transfer before writing anything.
func (s *MemoryStore) Apply(_ context.Context, m *Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h := m.House; h != nil {
		cur, ok := s.houses[h.ID]
		if !ok {
			return fmt.Errorf("house %s: %w", h.ID, ErrNotFound)
		}
		if cur.Version != h.Version {
			return fmt.Errorf("house %s at version %d, have %d: %w", h.ID, cur.Version, h.Version, ErrConflict)
		}
	}
	if mk := m.Market; mk != nil {
		cur, ok := s.markets[mk.ID]
		if !ok {
			return fmt.Errorf("market %s: %w", mk.ID, ErrNotFound)
		}
		if cur.Version != mk.Version {
			return fmt.Errorf("market %s at version %d, have %d: %w", mk.ID, cur.Version, mk.Version, ErrConflict)
		}
	}
	for _, b := range []*model.Bet{m.Bet, m.DeleteBet} {
		if b == nil {
			continue
		}
		cur, ok := s.bets[b.ID]
		if !ok {
			return fmt.Errorf("bet %s: %w", b.ID, ErrNotFound)
		}
		if cur.Version != b.Version {
			return fmt.Errorf("bet %s at version %d, have %d: %w", b.ID, cur.Version, b.Version, ErrConflict)
		}
	}
	if b := m.NewBet; b != nil {
		if _, ok := s.bets[b.ID]; ok {
			return fmt.Errorf("bet %s already exists: %w", b.ID, ErrConflict)
		}
	}

	if err := vault.Apply(s.balances, m.Transfers); err != nil {
		return err
	}

	if h := m.House; h != nil {
		h.Version++
		copy := *h
		s.houses[h.ID] = &copy
	}
	if mk := m.Market; mk != nil {
		mk.Version++
		copy := *mk
		s.markets[mk.ID] = &copy
	}
	if b := m.Bet; b != nil {
		b.Version++
		s.bets[b.ID] = copyBet(b)
	}
	if b := m.NewBet; b != nil {
		b.Version = 1
		s.bets[b.ID] = copyBet(b)
	}
	if b := m.DeleteBet; b != nil {
		delete(s.bets, b.ID)
	}
	return nil
}

// copyBet deep-copies b, including SettledAt.
func copyBet(b *model.Bet) *model.Bet {
	c := *b
	if b.SettledAt != nil {
		at := *b.SettledAt
		c.SettledAt = &at
	}
	return &c
}
