package wager_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/optn/house-engine/internal/archive"
	"github.com/optn/house-engine/internal/ledger"
	"github.com/optn/house-engine/internal/model"
	"github.com/optn/house-engine/internal/notify"
	"github.com/optn/house-engine/internal/oracle"
	"github.com/optn/house-engine/internal/store"
	"github.com/optn/house-engine/internal/vault"
	"github.com/optn/house-engine/internal/wager"
)

func TestCreateHouse_DerivesVaultAuthority(t *testing.T) {
	e := newEnv(t)
	h, err := e.svc.CreateHouse(context.Background(), admin, wager.CreateHouseRequest{HouseParams: scenarioParams})
	if err != nil {
		t.Fatalf("CreateHouse: %v", err)
	}
	if h.Admin != admin || h.Beneficiary != admin {
		t.Errorf("caller should be admin and default beneficiary, got %s/%s", h.Admin.Hex(), h.Beneficiary.Hex())
	}
	want, err := vault.CreateAuthority(h.ID, h.AuthorityBump)
	if err != nil || want != h.Authority {
		t.Errorf("authority %s does not match derivation (%v)", h.Authority.Hex(), err)
	}
	if h.Liquidity != 0 || h.ActiveBets != 0 || h.Version != 1 {
		t.Errorf("new house should start empty at version 1: %+v", h)
	}
}

func TestCreateHouse_InvalidLimits(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ledger.HouseParams)
		want   error
	}{
		{"zero min wager", func(p *ledger.HouseParams) { p.MinWager = 0 }, ledger.ErrInvalidWagerLimits},
		{"max equals min", func(p *ledger.HouseParams) { p.MaxWager = p.MinWager }, ledger.ErrInvalidWagerLimits},
		{"zero min expiration", func(p *ledger.HouseParams) { p.MinExpiration = 0 }, ledger.ErrInvalidExpirationLimits},
		{"max expiration below min", func(p *ledger.HouseParams) { p.MaxExpiration = 10 }, ledger.ErrInvalidExpirationLimits},
		{"zero multiplier", func(p *ledger.HouseParams) { p.Multiplier = 0 }, ledger.ErrInvalidMultiplier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			p := scenarioParams
			tt.mutate(&p)
			_, err := e.svc.CreateHouse(context.Background(), admin, wager.CreateHouseRequest{HouseParams: p})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestScenario_WinPaysStakePlusProfit(t *testing.T) {
	e := newEnv(t)
	h, m := e.setup(t)
	ctx := context.Background()

	b := e.bet(t, m.ID, model.Buy, 1_000)
	if b.ProfitAmount != 2_000 || b.EntryPrice != 100 || b.Status != model.Pending {
		t.Fatalf("unexpected bet %+v", b)
	}
	if b.ExpiresAt != b.CreatedAt+60 {
		t.Errorf("expires_at should be created_at + duration, got %d", b.ExpiresAt)
	}
	if got := e.house(t, h.ID); got.ReservedLiquidity != 2_000 || got.Liquidity != 10_000 || got.TotalWagered != 1_000 {
		t.Errorf("unexpected house after bet: %+v", got)
	}
	if got := e.balance(t, bettor); got != 4_000 {
		t.Errorf("bettor should be debited 1_000, balance %d", got)
	}
	if got := e.balance(t, h.Authority); got != 11_000 {
		t.Errorf("vault should hold 11_000, got %d", got)
	}

	e.clock.Advance(60 * time.Second)
	settled, err := e.svc.SettleBet(ctx, admin, b.ID, 110)
	if err != nil {
		t.Fatalf("SettleBet: %v", err)
	}
	if settled.Status != model.Won || settled.FinalPayout != 3_000 || settled.SettledPrice != 110 {
		t.Fatalf("unexpected settlement %+v", settled)
	}
	if settled.SettledAt == nil || *settled.SettledAt != e.clock.Now().Unix() {
		t.Errorf("settled_at should be now, got %v", settled.SettledAt)
	}
	got := e.house(t, h.ID)
	if got.Liquidity != 8_000 || got.ReservedLiquidity != 0 || got.ActiveBets != 0 || got.SettledBets != 1 || got.TotalWagered != 0 {
		t.Errorf("unexpected house after win: %+v", got)
	}
	mk, _ := e.svc.GetMarket(ctx, m.ID)
	if mk.ReservedLiquidity != 0 || mk.ActiveBets != 0 || mk.SettledBets != 1 {
		t.Errorf("unexpected market after win: %+v", mk)
	}

	closed, err := e.svc.CloseBet(ctx, bettor, b.ID)
	if err != nil {
		t.Fatalf("CloseBet: %v", err)
	}
	if closed.FinalPayout != 3_000 {
		t.Errorf("closed snapshot should carry the payout, got %d", closed.FinalPayout)
	}
	if got := e.balance(t, bettor); got != 7_000 {
		t.Errorf("bettor should receive 3_000, balance %d", got)
	}
	if got := e.balance(t, h.Authority); got != 8_000 {
		t.Errorf("vault should hold 8_000 after payout, got %d", got)
	}
	if _, err := e.svc.GetBet(ctx, b.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("closed bet should be gone, got %v", err)
	}
	rec, ok := e.arch.Get(archive.Key(archive.Record{HouseID: h.ID, Bet: *closed}))
	if !ok || rec.Bet.Status != model.Won {
		t.Errorf("closed bet should be archived, got %+v", rec)
	}
}

func TestScenario_LoseCreditsStake(t *testing.T) {
	for _, settledPrice := range []uint64{100, 90} {
		e := newEnv(t)
		h, m := e.setup(t)
		ctx := context.Background()

		b := e.bet(t, m.ID, model.Buy, 1_000)
		e.clock.Advance(60 * time.Second)
		settled, err := e.svc.SettleBet(ctx, admin, b.ID, settledPrice)
		if err != nil {
			t.Fatalf("SettleBet(%d): %v", settledPrice, err)
		}
		if settled.Status != model.Lose || settled.FinalPayout != 0 {
			t.Fatalf("price %d: expected lose with no payout, got %+v", settledPrice, settled)
		}
		if got := e.house(t, h.ID); got.Liquidity != 11_000 || got.ReservedLiquidity != 0 {
			t.Errorf("price %d: unexpected house after loss: %+v", settledPrice, got)
		}

		if _, err := e.svc.CloseBet(ctx, bettor, b.ID); err != nil {
			t.Fatalf("CloseBet: %v", err)
		}
		if got := e.balance(t, bettor); got != 4_000 {
			t.Errorf("losing close should pay nothing, balance %d", got)
		}
		if got := e.balance(t, h.Authority); got != 11_000 {
			t.Errorf("vault should keep the stake, got %d", got)
		}
	}
}

func TestSettle_TieLosesForBothDirections(t *testing.T) {
	for _, dir := range []model.Direction{model.Buy, model.Sell} {
		e := newEnv(t)
		_, m := e.setup(t)
		b := e.bet(t, m.ID, dir, 1_000)
		e.clock.Advance(time.Minute)
		settled, err := e.svc.SettleBet(context.Background(), admin, b.ID, b.EntryPrice)
		if err != nil {
			t.Fatal(err)
		}
		if settled.Status != model.Lose {
			t.Errorf("%s tie should lose, got %s", dir, settled.Status)
		}
	}
}

func TestSettle_SellWinsBelowEntry(t *testing.T) {
	e := newEnv(t)
	_, m := e.setup(t)
	b := e.bet(t, m.ID, model.Sell, 500)
	e.clock.Advance(time.Minute)
	settled, err := e.svc.SettleBet(context.Background(), admin, b.ID, 99)
	if err != nil {
		t.Fatal(err)
	}
	if settled.Status != model.Won || settled.FinalPayout != 1_500 {
		t.Errorf("expected sell win paying 1_500, got %+v", settled)
	}
}

func TestSettle_ExpiryBoundary(t *testing.T) {
	e := newEnv(t)
	_, m := e.setup(t)
	b := e.bet(t, m.ID, model.Buy, 1_000)
	ctx := context.Background()

	e.clock.Advance(59 * time.Second)
	if _, err := e.svc.SettleBet(ctx, admin, b.ID, 110); !errors.Is(err, ledger.ErrBetNotExpired) {
		t.Fatalf("one second early should fail BetNotExpired, got %v", err)
	}
	e.clock.Advance(time.Second)
	if _, err := e.svc.SettleBet(ctx, admin, b.ID, 110); err != nil {
		t.Fatalf("settling at exactly expires_at should succeed: %v", err)
	}
}

func TestSettle_TwiceIsRejectedWithoutEffect(t *testing.T) {
	e := newEnv(t)
	h, m := e.setup(t)
	b := e.bet(t, m.ID, model.Buy, 1_000)
	ctx := context.Background()
	e.clock.Advance(time.Minute)

	if _, err := e.svc.SettleBet(ctx, admin, b.ID, 110); err != nil {
		t.Fatal(err)
	}
	before := e.house(t, h.ID)
	if _, err := e.svc.SettleBet(ctx, admin, b.ID, 90); !errors.Is(err, ledger.ErrBetSettled) {
		t.Fatalf("expected BetSettled, got %v", err)
	}
	after := e.house(t, h.ID)
	if *before != *after {
		t.Errorf("second settlement changed the house:\n%+v\n%+v", before, after)
	}
	got, _ := e.svc.GetBet(ctx, b.ID)
	if got.Status != model.Won || got.SettledPrice != 110 {
		t.Errorf("second settlement changed the bet: %+v", got)
	}
}

func TestCreateBet_WagerBoundaries(t *testing.T) {
	tests := []struct {
		name     string
		stake    uint64
		duration int64
		want     error
	}{
		{"min stake", 100, 60, nil},
		{"max stake", 5_000, 60, nil},
		{"below min stake", 99, 60, ledger.ErrMinWager},
		{"above max stake", 10_001, 60, ledger.ErrMaxWager},
		{"below min expiration", 100, 59, ledger.ErrMinExpiration},
		{"above max expiration", 100, 3_601, ledger.ErrMaxExpiration},
		{"max expiration", 100, 3_600, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			_, m := e.setup(t)
			e.credit(t, bettor, 10_000)
			_, err := e.svc.CreateBet(context.Background(), bettor, m.ID, wager.CreateBetRequest{
				Direction: model.Buy, Stake: tt.stake, Duration: tt.duration,
			})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCreateBet_MaxWagerBoundary(t *testing.T) {
	e := newEnv(t)
	h, m := e.setup(t)
	ctx := context.Background()
	e.credit(t, bettor, 20_000)
	if _, err := e.svc.DepositLiquidity(ctx, admin, h.ID, 20_000); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.CreateBet(ctx, bettor, m.ID, wager.CreateBetRequest{Direction: model.Buy, Stake: 10_000, Duration: 60}); err != nil {
		t.Errorf("stake == max_wager should succeed: %v", err)
	}
}

func TestCreateBet_ExhaustedLiquidity(t *testing.T) {
	e := newEnv(t)
	h, m := e.setup(t)

	e.bet(t, m.ID, model.Buy, 5_000)
	got := e.house(t, h.ID)
	if got.ReservedLiquidity != got.Liquidity {
		t.Fatalf("reservation should exactly exhaust liquidity: %+v", got)
	}

	e.credit(t, bettor, 1_000)
	_, err := e.svc.CreateBet(context.Background(), bettor, m.ID, wager.CreateBetRequest{Direction: model.Sell, Stake: 100, Duration: 60})
	if !errors.Is(err, ledger.ErrInsufficientLiquidity) {
		t.Fatalf("expected InsufficientLiquidity, got %v", err)
	}
	if after := e.house(t, h.ID); *after != *got {
		t.Errorf("rejected bet changed the house")
	}
}

func TestCreateBet_UnfundedCallerLeavesNoTrace(t *testing.T) {
	e := newEnv(t)
	h, m := e.setup(t)
	before := e.house(t, h.ID)

	_, err := e.svc.CreateBet(context.Background(), stranger, m.ID, wager.CreateBetRequest{Direction: model.Buy, Stake: 1_000, Duration: 60})
	if !errors.Is(err, vault.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if after := e.house(t, h.ID); *after != *before {
		t.Errorf("failed transfer must not change the house")
	}
	bets, _ := e.svc.ListBets(context.Background(), stranger)
	if len(bets) != 0 {
		t.Errorf("failed transfer must not create a bet")
	}
}

func TestCreateBet_OracleFailures(t *testing.T) {
	t.Run("stale price", func(t *testing.T) {
		e := newEnv(t)
		_, m := e.setup(t)
		e.clock.Advance(6 * time.Second)
		_, err := e.svc.CreateBet(context.Background(), bettor, m.ID, wager.CreateBetRequest{Direction: model.Buy, Stake: 100, Duration: 60})
		if !errors.Is(err, oracle.ErrPriceTooOld) {
			t.Errorf("expected ErrPriceTooOld, got %v", err)
		}
	})
	t.Run("negative price", func(t *testing.T) {
		e := newEnv(t)
		_, m := e.setup(t)
		e.setPrice(t, -5)
		_, err := e.svc.CreateBet(context.Background(), bettor, m.ID, wager.CreateBetRequest{Direction: model.Buy, Stake: 100, Duration: 60})
		if !errors.Is(err, oracle.ErrNegativePrice) {
			t.Errorf("expected ErrNegativePrice, got %v", err)
		}
	})
}

func TestCreateBet_PolicyCheckedBeforeOracle(t *testing.T) {
	tests := []struct {
		name     string
		stake    uint64
		duration int64
		want     error
	}{
		{"below min stake", 99, 60, ledger.ErrMinWager},
		{"above max stake", 10_001, 60, ledger.ErrMaxWager},
		{"below min expiration", 100, 59, ledger.ErrMinExpiration},
		{"above max expiration", 100, 3_601, ledger.ErrMaxExpiration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			_, m := e.setup(t)
			e.clock.Advance(time.Hour)
			_, err := e.svc.CreateBet(context.Background(), bettor, m.ID, wager.CreateBetRequest{
				Direction: model.Sell, Stake: tt.stake, Duration: tt.duration,
			})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v with a stale price, got %v", tt.want, err)
			}
		})
	}
}

func TestCreateBet_MissingDirection(t *testing.T) {
	e := newEnv(t)
	h, m := e.setup(t)
	before := e.house(t, h.ID)
	_, err := e.svc.CreateBet(context.Background(), bettor, m.ID, wager.CreateBetRequest{Stake: 1_000, Duration: 60})
	if !errors.Is(err, wager.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if after := e.house(t, h.ID); *after != *before {
		t.Errorf("rejected bet changed the house")
	}
}

func TestCreateMarket(t *testing.T) {
	e := newEnv(t)
	h, m := e.setup(t)
	if m.HouseID != h.ID || m.Decimals != 8 || m.PriceUpdate != "memory" || m.FeedID != feedID {
		t.Errorf("unexpected market %+v", m)
	}
	ctx := context.Background()

	if _, err := e.svc.CreateMarket(ctx, stranger, h.ID, wager.CreateMarketRequest{FeedID: feedID}); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Errorf("non-admin should be rejected, got %v", err)
	}
	if _, err := e.svc.CreateMarket(ctx, admin, h.ID, wager.CreateMarketRequest{FeedID: "0x1234"}); err == nil {
		t.Error("invalid feed id should be rejected")
	}
	if _, err := e.svc.CreateMarket(ctx, admin, h.ID, wager.CreateMarketRequest{PriceUpdate: "nope", FeedID: feedID}); !errors.Is(err, oracle.ErrUnknownSource) {
		t.Errorf("unknown source should be rejected, got %v", err)
	}
	other := "0x" + "11" + feedID[4:]
	if _, err := e.svc.CreateMarket(ctx, admin, h.ID, wager.CreateMarketRequest{FeedID: other}); !errors.Is(err, oracle.ErrFeedNotFound) {
		t.Errorf("missing feed should be rejected, got %v", err)
	}

	markets, err := e.svc.ListMarkets(ctx, h.ID)
	if err != nil || len(markets) != 1 {
		t.Errorf("expected one market, got %d (%v)", len(markets), err)
	}
}

func TestAuthorization(t *testing.T) {
	e := newEnv(t)
	h, m := e.setup(t)
	b := e.bet(t, m.ID, model.Buy, 1_000)
	ctx := context.Background()
	e.clock.Advance(time.Minute)

	if _, err := e.svc.CloseBet(ctx, bettor, b.ID); !errors.Is(err, ledger.ErrBetPending) {
		t.Errorf("closing a pending bet should fail BetPending, got %v", err)
	}
	if _, err := e.svc.SettleBet(ctx, bettor, b.ID, 110); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Errorf("non-admin settle should fail, got %v", err)
	}
	if _, err := e.svc.UpdateWagerLimits(ctx, stranger, h.ID, 1, 2); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Errorf("non-admin limit update should fail, got %v", err)
	}
	if _, err := e.svc.WithdrawLiquidity(ctx, stranger, h.ID, 1); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Errorf("non-beneficiary withdraw should fail, got %v", err)
	}
	if _, _, err := e.svc.ClaimProfit(ctx, stranger, h.ID); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Errorf("non-beneficiary claim should fail, got %v", err)
	}

	if _, err := e.svc.SettleBet(ctx, admin, b.ID, 110); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.CloseBet(ctx, stranger, b.ID); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Errorf("closing someone else's bet should fail, got %v", err)
	}
}

func TestWithdraw_Boundary(t *testing.T) {
	e := newEnv(t)
	h, m := e.setup(t)
	ctx := context.Background()
	e.bet(t, m.ID, model.Buy, 1_000)

	cur := e.house(t, h.ID)
	available := cur.Liquidity - cur.ReservedLiquidity
	if _, err := e.svc.WithdrawLiquidity(ctx, admin, h.ID, available+1); !errors.Is(err, ledger.ErrInsufficientLiquidity) {
		t.Fatalf("withdrawing available+1 should fail, got %v", err)
	}

	before := e.balance(t, admin)
	got, err := e.svc.WithdrawLiquidity(ctx, admin, h.ID, available)
	if err != nil {
		t.Fatalf("withdrawing exactly available should succeed: %v", err)
	}
	if got.Liquidity != got.ReservedLiquidity || got.TotalWithdrawals != available {
		t.Errorf("unexpected house after withdraw: %+v", got)
	}
	if e.balance(t, admin) != before+available {
		t.Errorf("beneficiary should receive %d", available)
	}
}

func TestLiquidity_ZeroAmountsRefusedByVault(t *testing.T) {
	e := newEnv(t)
	h, _ := e.setup(t)
	ctx := context.Background()
	before := e.balance(t, admin)
	if _, err := e.svc.DepositLiquidity(ctx, admin, h.ID, 0); !errors.Is(err, vault.ErrZeroAmount) {
		t.Errorf("zero deposit: got %v", err)
	}
	if _, err := e.svc.WithdrawLiquidity(ctx, admin, h.ID, 0); !errors.Is(err, vault.ErrZeroAmount) {
		t.Errorf("zero withdraw: got %v", err)
	}

	got, err := e.svc.GetHouse(ctx, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Liquidity != h.Liquidity || got.TotalDeposits != h.TotalDeposits || got.TotalWithdrawals != h.TotalWithdrawals {
		t.Errorf("refused transfers must not commit: %+v", got)
	}
	if e.balance(t, admin) != before {
		t.Errorf("admin balance moved")
	}
}

func TestClaimProfit_NothingAccrued(t *testing.T) {
	e := newEnv(t)
	h, m := e.setup(t)
	b := e.bet(t, m.ID, model.Buy, 1_000)
	e.clock.Advance(time.Minute)
	if _, err := e.svc.SettleBet(context.Background(), admin, b.ID, 90); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.svc.ClaimProfit(context.Background(), admin, h.ID); !errors.Is(err, ledger.ErrNoProfit) {
		t.Errorf("expected NoProfit, got %v", err)
	}
}

func TestUpdateWagerLimits_NotRetroactive(t *testing.T) {
	e := newEnv(t)
	h, m := e.setup(t)
	b := e.bet(t, m.ID, model.Buy, 1_000)
	ctx := context.Background()

	got, err := e.svc.UpdateWagerLimits(ctx, admin, h.ID, 2_000, 3_000)
	if err != nil {
		t.Fatal(err)
	}
	if got.MinWager != 2_000 || got.MaxWager != 3_000 {
		t.Errorf("limits not updated: %+v", got)
	}
	if _, err := e.svc.UpdateWagerLimits(ctx, admin, h.ID, 3_000, 3_000); !errors.Is(err, ledger.ErrInvalidWagerLimits) {
		t.Errorf("expected InvalidWagerLimits, got %v", err)
	}
	if _, err := e.svc.GetBet(ctx, b.ID); err != nil {
		t.Errorf("existing bet should survive: %v", err)
	}
	e.clock.Advance(time.Minute)
	if _, err := e.svc.SettleBet(ctx, admin, b.ID, 110); err != nil {
		t.Errorf("existing bet should still settle: %v", err)
	}
}

func TestCreateBet_EmitsEventsInOrder(t *testing.T) {
	e := newEnv(t)
	h, m := e.setup(t)
	e.sink.Reset()

	b := e.bet(t, m.ID, model.Buy, 1_000)
	events := e.sink.Events()
	want := []struct {
		kind notify.Kind
		id   string
	}{
		{notify.BetCreated, b.ID},
		{notify.MarketUpdated, m.ID},
		{notify.HouseUpdated, h.ID},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, w := range want {
		if events[i].Kind != w.kind || events[i].ID != w.id {
			t.Errorf("event %d: expected %s %s, got %s %s", i, w.kind, w.id, events[i].Kind, events[i].ID)
		}
	}
	hd := events[2].Data.(notify.HouseData)
	if hd.ReservedLiquidity != 2_000 || hd.ActiveBets != 1 {
		t.Errorf("house event carries stale data: %+v", hd)
	}
}

func TestRejectedOperation_EmitsNothing(t *testing.T) {
	e := newEnv(t)
	_, m := e.setup(t)
	e.sink.Reset()
	_, err := e.svc.CreateBet(context.Background(), bettor, m.ID, wager.CreateBetRequest{Direction: model.Buy, Stake: 1, Duration: 60})
	if !errors.Is(err, ledger.ErrMinWager) {
		t.Fatal(err)
	}
	if n := len(e.sink.Events()); n != 0 {
		t.Errorf("rejected operation emitted %d events", n)
	}
}

func TestCreateBet_ConcurrentReservationsStayConsistent(t *testing.T) {
	e := newEnv(t)
	h, m := e.setup(t)
	e.credit(t, bettor, 100_000)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.CreateBet(context.Background(), bettor, m.ID, wager.CreateBetRequest{Direction: model.Buy, Stake: 250, Duration: 60})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	placed := 0
	for err := range errs {
		switch {
		case err == nil:
			placed++
		case errors.Is(err, ledger.ErrInsufficientLiquidity):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	// 10_000 liquidity backs exactly 20 profits of 500.
	if placed != n {
		t.Errorf("expected %d bets, got %d", n, placed)
	}
	got := e.house(t, h.ID)
	if got.ReservedLiquidity != uint64(placed)*500 || got.ActiveBets != uint32(placed) {
		t.Errorf("aggregates out of sync: %+v", got)
	}
	if got.Liquidity < got.ReservedLiquidity {
		t.Errorf("liquidity below reserved: %+v", got)
	}
}

func TestFaucet(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	bal, err := e.svc.Faucet(ctx, stranger, 500)
	if err != nil || bal != 500 {
		t.Fatalf("Faucet: %d, %v", bal, err)
	}
	if _, err := e.svc.Faucet(ctx, stranger, 0); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("zero faucet: got %v", err)
	}
}
