package wager_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/optn/house-engine/internal/archive"
	"github.com/optn/house-engine/internal/ledger"
	"github.com/optn/house-engine/internal/lock"
	"github.com/optn/house-engine/internal/model"
	"github.com/optn/house-engine/internal/notify"
	"github.com/optn/house-engine/internal/oracle"
	"github.com/optn/house-engine/internal/store"
	"github.com/optn/house-engine/internal/wager"
)

const feedID = "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bettor   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

// scenarioParams are the 2.0x House limits used throughout.
var scenarioParams = ledger.HouseParams{
	MinWager:      100,
	MaxWager:      10_000,
	MinExpiration: 60,
	MaxExpiration: 3_600,
	Multiplier:    2_000_000_000,
}

// tb is the part of testing.TB that *rapid.T also implements.
type tb interface {
	Helper()
	Fatal(args ...any)
	Fatalf(format string, args ...any)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	svc    *wager.Service
	st     *store.MemoryStore
	prices *oracle.MemorySource
	sink   *notify.MemorySink
	arch   *archive.Memory
	clock  *clock
	logger *slog.Logger
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t tb) *env {
	t.Helper()
	e := &env{
		st:     store.NewMemoryStore(),
		prices: oracle.NewMemorySource(),
		sink:   &notify.MemorySink{},
		arch:   archive.NewMemory(),
		clock:  &clock{t: time.Unix(1_700_000_000, 0)},
		logger: discardLogger(),
	}
	reg := oracle.NewRegistry()
	if err := reg.Register("memory", e.prices); err != nil {
		t.Fatal(err)
	}
	e.svc = wager.NewService(e.st, reg, lock.NewLocal(),
		notify.NewFanout([]notify.Sink{e.sink}, e.logger), e.arch,
		wager.Options{MaxPriceAge: 5 * time.Second, DefaultSource: "memory"},
		e.logger,
	).WithClock(e.clock.Now)
	return e
}

// setPrice publishes price at the current clock time.
func (e *env) setPrice(t tb, price int64) {
	t.Helper()
	if err := e.prices.Set(feedID, oracle.Price{Price: price, Exponent: -8, PublishTime: e.clock.Now().Unix()}); err != nil {
		t.Fatal(err)
	}
}

func (e *env) credit(t tb, addr common.Address, amount uint64) {
	t.Helper()
	if err := e.st.Credit(context.Background(), addr, amount); err != nil {
		t.Fatal(err)
	}
}

func (e *env) balance(t tb, addr common.Address) uint64 {
	t.Helper()
	b, err := e.st.Balance(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func (e *env) house(t tb, id string) *model.House {
	t.Helper()
	h, err := e.svc.GetHouse(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// setup creates the scenario House with 10_000 liquidity and one market
// priced at 100.
func (e *env) setup(t tb) (*model.House, *model.Market) {
	t.Helper()
	ctx := context.Background()

	e.credit(t, admin, 100_000)
	e.credit(t, bettor, 5_000)
	e.setPrice(t, 100)

	h, err := e.svc.CreateHouse(ctx, admin, wager.CreateHouseRequest{HouseParams: scenarioParams})
	if err != nil {
		t.Fatalf("CreateHouse: %v", err)
	}
	if h, err = e.svc.DepositLiquidity(ctx, admin, h.ID, 10_000); err != nil {
		t.Fatalf("DepositLiquidity: %v", err)
	}
	m, err := e.svc.CreateMarket(ctx, admin, h.ID, wager.CreateMarketRequest{FeedID: feedID})
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return h, m
}

func (e *env) bet(t tb, marketID string, dir model.Direction, stake uint64) *model.Bet {
	t.Helper()
	b, err := e.svc.CreateBet(context.Background(), bettor, marketID, wager.CreateBetRequest{
		Direction: dir,
		Stake:     stake,
		Duration:  60,
	})
	if err != nil {
		t.Fatalf("CreateBet: %v", err)
	}
	return b
}
