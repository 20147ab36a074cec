package oracle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/optn/house-engine/internal/feed"
)

// MemorySource is an in-process price source. Prices are pushed with Set;
// every pushed price is kept so historical lookups work. Used for tests and
// devnet.
type MemorySource struct {
	mu      sync.RWMutex
	history map[string][]Price // sorted by PublishTime
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{history: make(map[string][]Price)}
}

// Set records a published price for feedID.
func (s *MemorySource) Set(feedID string, p Price) error {
	id, err := feed.Canonical(feedID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.history[id]
	h := make([]Price, len(old), len(old)+1)
	copy(h, old)
	h = append(h, p)
	sort.SliceStable(h, func(i, j int) bool { return h[i].PublishTime < h[j].PublishTime })
	s.history[id] = h
	return nil
}

func (s *MemorySource) GetPriceNoOlderThan(_ context.Context, feedID string, now time.Time, maxAge time.Duration) (Price, error) {
	id, err := feed.Canonical(feedID)
	if err != nil {
		return Price{}, err
	}
	s.mu.RLock()
	h := s.history[id]
	s.mu.RUnlock()
	if len(h) == 0 {
		return Price{}, fmt.Errorf("%w: %s", ErrFeedNotFound, id)
	}
	p := h[len(h)-1]
	if err := CheckAge(p, now, maxAge); err != nil {
		return Price{}, err
	}
	return p, nil
}

// GetPriceAt returns the first price published at or after ts, matching
// the Hermes historical endpoint.
func (s *MemorySource) GetPriceAt(_ context.Context, feedID string, ts time.Time) (Price, error) {
	id, err := feed.Canonical(feedID)
	if err != nil {
		return Price{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[id]
	i := sort.Search(len(h), func(i int) bool { return h[i].PublishTime >= ts.Unix() })
	if i == len(h) {
		return Price{}, fmt.Errorf("%w: %s at %d", ErrFeedNotFound, id, ts.Unix())
	}
	return h[i], nil
}
