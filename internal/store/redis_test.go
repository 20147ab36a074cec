package store_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/optn/house-engine/internal/model"
	"github.com/optn/house-engine/internal/store"
)

// offlineRedis returns a client whose every connection attempt fails, and
// the number of attempts made so far.
func offlineRedis(t *testing.T) (*redis.Client, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	rdb := redis.NewClient(&redis.Options{
		Addr:       "cache.invalid:6379",
		MaxRetries: -1,
		Dialer: func(context.Context, string, string) (net.Conn, error) {
			dials.Add(1)
			return nil, errors.New("offline")
		},
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb, &dials
}

func TestCachedStore_UncachedReadsSkipRedis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bet := &model.Bet{ID: "bet-1", MarketID: f.market.ID, ExpiresAt: 60}
	if err := f.st.Apply(ctx, &store.Mutation{NewBet: bet}); err != nil {
		t.Fatal(err)
	}

	rdb, dials := offlineRedis(t)
	cs := store.NewCachedStore(f.st, rdb, time.Minute)

	locked := store.Uncached(ctx)
	if h, err := cs.GetHouse(locked, f.house.ID); err != nil || h.ID != f.house.ID {
		t.Fatalf("GetHouse: %+v, %v", h, err)
	}
	if m, err := cs.GetMarket(locked, f.market.ID); err != nil || m.ID != f.market.ID {
		t.Fatalf("GetMarket: %+v, %v", m, err)
	}
	if b, err := cs.GetBet(locked, bet.ID); err != nil || b.ID != bet.ID {
		t.Fatalf("GetBet: %+v, %v", b, err)
	}
	if n := dials.Load(); n != 0 {
		t.Fatalf("uncached reads should not touch redis, saw %d dials", n)
	}

	// Plain reads go through the cache and fall back when it is down.
	if _, err := cs.GetHouse(ctx, f.house.ID); err != nil {
		t.Fatalf("cached GetHouse: %v", err)
	}
	if dials.Load() == 0 {
		t.Error("plain reads should consult redis")
	}
}
