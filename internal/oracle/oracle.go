// Package oracle reads asset prices from external price feeds.
//
// The engine never computes prices itself. It asks a named source for the
// latest price of a feed, bounded by a maximum age, and treats anything
// older as unusable.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optn/house-engine/internal/feed"
)

var (
	ErrPriceTooOld     = errors.New("oracle: price is too old")
	ErrFeedNotFound    = errors.New("oracle: feed not found")
	ErrNegativePrice   = errors.New("oracle: negative price")
	ErrInvalidExponent = errors.New("oracle: exponent out of range")
	ErrUnknownSource   = errors.New("oracle: unknown price source")
	ErrNoHistory       = errors.New("oracle: source has no historical prices")
)

// Price is one published price: Price * 10^Exponent, published at the unix
// second PublishTime.
type Price struct {
	Price       int64 `json:"price"`
	Exponent    int32 `json:"expo"`
	PublishTime int64 `json:"publish_time"`
}

// Value is the human-readable decimal price.
func (p Price) Value() decimal.Decimal {
	return feed.ScaleExpo(p.Price, p.Exponent)
}

// Unsigned returns the raw price as stored on a bet. Negative prices cannot
// be wagered on.
func (p Price) Unsigned() (uint64, error) {
	if p.Price < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativePrice, p.Price)
	}
	return uint64(p.Price), nil
}

// Decimals is |Exponent| as stored on a market.
func (p Price) Decimals() (uint8, error) {
	e := int64(p.Exponent)
	if e < 0 {
		e = -e
	}
	if e > 255 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidExponent, p.Exponent)
	}
	return uint8(e), nil
}

// CheckAge fails with ErrPriceTooOld when publish_time + maxAge < now.
func CheckAge(p Price, now time.Time, maxAge time.Duration) error {
	if p.PublishTime+int64(maxAge/time.Second) < now.Unix() {
		return fmt.Errorf("%w: published %d, now %d, max age %s", ErrPriceTooOld, p.PublishTime, now.Unix(), maxAge)
	}
	return nil
}

// Client returns the latest price of a feed.
type Client interface {
	GetPriceNoOlderThan(ctx context.Context, feedID string, now time.Time, maxAge time.Duration) (Price, error)
}

// HistoricalClient returns the price of a feed as of a past instant.
type HistoricalClient interface {
	GetPriceAt(ctx context.Context, feedID string, ts time.Time) (Price, error)
}

// Registry resolves a market's price source name to a Client.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Client)}
}

// Register adds or replaces the source called name.
func (r *Registry) Register(name string, c Client) error {
	if err := feed.ValidateSource(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = c
	return nil
}

// Get returns the source called name.
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return c, nil
}

// Historical returns the source called name if it can look up past prices.
func (r *Registry) Historical(name string) (HistoricalClient, error) {
	c, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	h, ok := c.(HistoricalClient)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoHistory, name)
	}
	return h, nil
}

// Names lists the registered sources in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
