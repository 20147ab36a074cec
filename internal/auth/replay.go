package auth

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ReplayGuard records accepted requests. Remember returns false when key
// was already recorded and has not yet expired.
type ReplayGuard interface {
	Remember(ctx context.Context, key string, ttl time.Duration) (fresh bool, err error)
}

func replayKey(signer common.Address, msg []byte) string {
	return signer.Hex() + ":" + hex.EncodeToString(ethcrypto.Keccak256(msg))
}

// MemoryReplayGuard is a ReplayGuard for a single process.
type MemoryReplayGuard struct {
	mu        sync.Mutex
	seen      map[string]time.Time // key -> expiry
	now       func() time.Time
	nextPurge time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[string]time.Time), now: time.Now}
}

// WithClock replaces the time source used for expiry.
func (g *MemoryReplayGuard) WithClock(now func() time.Time) *MemoryReplayGuard {
	g.now = now
	return g
}

func (g *MemoryReplayGuard) Remember(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !now.Before(g.nextPurge) {
		for k, exp := range g.seen {
			if !now.Before(exp) {
				delete(g.seen, k)
			}
		}
		g.nextPurge = now.Add(ttl)
	}

	if exp, ok := g.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	g.seen[key] = now.Add(ttl)
	return true, nil
}

var _ ReplayGuard = (*MemoryReplayGuard)(nil)
