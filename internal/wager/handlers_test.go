package wager_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"

	"github.com/optn/house-engine/internal/auth"
	"github.com/optn/house-engine/internal/model"
	"github.com/optn/house-engine/internal/wager"
)

type wallet struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return wallet{key: key, addr: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

type api struct {
	*env
	router chi.Router
}

func newAPI(t *testing.T) *api {
	t.Helper()
	e := newEnv(t)
	verifier := auth.NewVerifier(5 * time.Minute).WithClock(e.clock.Now)
	h := wager.NewHandler(e.svc, nil, true)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		h.Routes(r, verifier)
	})
	return &api{env: e, router: r}
}

// do sends a request, signed by w when w is not nil.
func (a *api) do(t *testing.T, w *wallet, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if w != nil {
		if err := auth.SignRequest(req, w.key, a.clock.Now().Unix(), raw); err != nil {
			t.Fatal(err)
		}
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rec, status)
	if got := decodeBody[wager.ErrorResponse](t, rec); got.Code != code {
		t.Errorf("expected code %s, got %s (%s)", code, got.Code, got.Error)
	}
}

func TestAPI_FullFlow(t *testing.T) {
	a := newAPI(t)
	op, user := newWallet(t), newWallet(t)
	a.setPrice(t, 6_500_000_000_000)

	for _, w := range []wallet{op, user} {
		rec := a.do(t, nil, "POST", "/api/v1/faucet", wager.FaucetRequest{Address: w.addr, Amount: 50_000})
		expectStatus(t, rec, http.StatusOK)
	}

	rec := a.do(t, &op, "POST", "/api/v1/houses", map[string]any{
		"min_wager": 100, "max_wager": 10_000,
		"min_expiration": 60, "max_expiration": 3_600,
		"multiplier": 2_000_000_000,
	})
	expectStatus(t, rec, http.StatusCreated)
	house := decodeBody[model.House](t, rec)
	if house.Admin != op.addr {
		t.Fatalf("signer should become admin, got %s", house.Admin.Hex())
	}

	rec = a.do(t, &op, "POST", "/api/v1/houses/"+house.ID+"/deposit", wager.AmountRequest{Amount: 10_000})
	expectStatus(t, rec, http.StatusOK)

	rec = a.do(t, &op, "POST", "/api/v1/houses/"+house.ID+"/markets", wager.CreateMarketRequest{FeedID: feedID})
	expectStatus(t, rec, http.StatusCreated)
	market := decodeBody[model.Market](t, rec)

	rec = a.do(t, &user, "POST", "/api/v1/markets/"+market.ID+"/bets", map[string]any{
		"direction": "buy", "stake": 1_000, "duration": 60,
	})
	expectStatus(t, rec, http.StatusCreated)
	bet := decodeBody[wager.BetView](t, rec)
	if bet.ProfitAmount != 2_000 || bet.Authority != user.addr || bet.Direction != model.Buy {
		t.Fatalf("unexpected bet %+v", bet)
	}
	if bet.EntryValue.String() != "65000" {
		t.Errorf("entry value should be scaled by 8 decimals, got %s", bet.EntryValue)
	}

	rec = a.do(t, nil, "GET", "/api/v1/accounts/"+user.addr.Hex()+"/bets", nil)
	expectStatus(t, rec, http.StatusOK)
	if bets := decodeBody[[]wager.BetView](t, rec); len(bets) != 1 || bets[0].ID != bet.ID {
		t.Errorf("unexpected bets %+v", bets)
	}

	a.clock.Advance(time.Minute)
	rec = a.do(t, &op, "POST", "/api/v1/bets/"+bet.ID+"/settle", wager.SettleRequest{SettledPrice: 6_600_000_000_000})
	expectStatus(t, rec, http.StatusOK)
	settled := decodeBody[wager.BetView](t, rec)
	if settled.Status != model.Won || settled.FinalPayout != 3_000 || settled.SettledValue == nil {
		t.Fatalf("unexpected settlement %+v", settled)
	}

	rec = a.do(t, &user, "POST", "/api/v1/bets/"+bet.ID+"/close", nil)
	expectStatus(t, rec, http.StatusOK)

	rec = a.do(t, nil, "GET", "/api/v1/accounts/"+user.addr.Hex()+"/balance", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[wager.BalanceResponse](t, rec); got.Balance != 52_000 {
		t.Errorf("expected balance 52_000 after winning, got %d", got.Balance)
	}

	rec = a.do(t, nil, "GET", "/api/v1/bets/"+bet.ID, nil)
	expectError(t, rec, http.StatusNotFound, "NotFound")

	rec = a.do(t, nil, "GET", "/api/v1/houses/"+house.ID, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[model.House](t, rec); got.Liquidity != 8_000 || got.SettledBets != 1 {
		t.Errorf("unexpected house %+v", got)
	}

	rec = a.do(t, nil, "GET", "/api/v1/houses/"+house.ID+"/markets", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[[]model.Market](t, rec); len(got) != 1 {
		t.Errorf("expected one market, got %d", len(got))
	}
}

func TestAPI_ErrorMapping(t *testing.T) {
	a := newAPI(t)
	h, m := a.setup(t)
	op := newWallet(t)
	ctx := context.Background()
	a.credit(t, op.addr, 10_000)

	own, err := a.svc.CreateHouse(ctx, op.addr, wager.CreateHouseRequest{HouseParams: scenarioParams})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.svc.DepositLiquidity(ctx, op.addr, own.ID, 1_000); err != nil {
		t.Fatal(err)
	}
	ownMarket, err := a.svc.CreateMarket(ctx, op.addr, own.ID, wager.CreateMarketRequest{FeedID: feedID})
	if err != nil {
		t.Fatal(err)
	}
	ownBet, err := a.svc.CreateBet(ctx, op.addr, ownMarket.ID, wager.CreateBetRequest{Direction: model.Buy, Stake: 100, Duration: 60})
	if err != nil {
		t.Fatal(err)
	}
	b := a.bet(t, m.ID, model.Buy, 1_000)

	t.Run("unsigned mutation", func(t *testing.T) {
		rec := a.do(t, nil, "POST", "/api/v1/houses/"+h.ID+"/deposit", wager.AmountRequest{Amount: 1})
		expectError(t, rec, http.StatusUnauthorized, "BadSignature")
	})
	t.Run("not the admin", func(t *testing.T) {
		rec := a.do(t, &op, "POST", "/api/v1/bets/"+b.ID+"/settle", wager.SettleRequest{SettledPrice: 1})
		expectError(t, rec, http.StatusForbidden, "Unauthorized")
	})
	t.Run("stake below minimum", func(t *testing.T) {
		rec := a.do(t, &op, "POST", "/api/v1/markets/"+m.ID+"/bets", map[string]any{
			"direction": "sell", "stake": 99, "duration": 60,
		})
		expectError(t, rec, http.StatusBadRequest, "MinWager")
	})
	t.Run("unknown direction", func(t *testing.T) {
		rec := a.do(t, &op, "POST", "/api/v1/markets/"+m.ID+"/bets", map[string]any{
			"direction": "sideways", "stake": 100, "duration": 60,
		})
		expectError(t, rec, http.StatusBadRequest, "InvalidRequest")
	})
	t.Run("settle before expiry", func(t *testing.T) {
		rec := a.do(t, &op, "POST", "/api/v1/bets/"+ownBet.ID+"/settle", wager.SettleRequest{SettledPrice: 1})
		expectError(t, rec, http.StatusConflict, "BetNotExpired")
	})
	t.Run("close while pending", func(t *testing.T) {
		rec := a.do(t, &op, "POST", "/api/v1/bets/"+ownBet.ID+"/close", nil)
		expectError(t, rec, http.StatusConflict, "BetPending")
	})
	t.Run("withdraw beyond available", func(t *testing.T) {
		rec := a.do(t, &op, "POST", "/api/v1/houses/"+own.ID+"/withdraw", wager.AmountRequest{Amount: 801})
		expectError(t, rec, http.StatusConflict, "InsufficientLiquidity")
	})
	t.Run("claim with no profit", func(t *testing.T) {
		rec := a.do(t, &op, "POST", "/api/v1/houses/"+own.ID+"/claim-profit", nil)
		expectError(t, rec, http.StatusConflict, "NoProfit")
	})
	t.Run("invalid feed id", func(t *testing.T) {
		rec := a.do(t, &op, "POST", "/api/v1/houses/"+own.ID+"/markets", wager.CreateMarketRequest{FeedID: "0xabc"})
		expectError(t, rec, http.StatusBadRequest, "InvalidFeedID")
	})
	t.Run("unknown house", func(t *testing.T) {
		rec := a.do(t, nil, "GET", "/api/v1/houses/missing", nil)
		expectError(t, rec, http.StatusNotFound, "NotFound")
	})
	t.Run("bad address", func(t *testing.T) {
		rec := a.do(t, nil, "GET", "/api/v1/accounts/not-an-address/balance", nil)
		expectError(t, rec, http.StatusBadRequest, "InvalidAddress")
	})
	t.Run("stale price", func(t *testing.T) {
		a.clock.Advance(10 * time.Second)
		rec := a.do(t, &op, "POST", "/api/v1/markets/"+m.ID+"/bets", map[string]any{
			"direction": "buy", "stake": 100, "duration": 60,
		})
		expectError(t, rec, http.StatusFailedDependency, "PriceTooOld")
	})
}

func TestAPI_ReplayedBetRejected(t *testing.T) {
	a := newAPI(t)
	h, m := a.setup(t)
	user := newWallet(t)
	a.credit(t, user.addr, 5_000)

	path := "/api/v1/markets/" + m.ID + "/bets"
	raw := []byte(`{"direction":"buy","stake":1000,"duration":60}`)
	signed := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	if err := auth.SignRequest(signed, user.key, a.clock.Now().Unix(), raw); err != nil {
		t.Fatal(err)
	}
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
		req.Header = signed.Header.Clone()
		rec := httptest.NewRecorder()
		a.router.ServeHTTP(rec, req)
		return rec
	}

	expectStatus(t, send(), http.StatusCreated)
	expectError(t, send(), http.StatusUnauthorized, "BadSignature")

	if got := a.balance(t, user.addr); got != 4_000 {
		t.Errorf("only one stake should leave the wallet, balance %d", got)
	}
	if got := a.house(t, h.ID); got.ActiveBets != 1 {
		t.Errorf("expected one active bet, got %d", got.ActiveBets)
	}

	// A fresh signature over the same payload is a new request.
	a.clock.Advance(time.Second)
	rec := a.do(t, &user, "POST", path, map[string]any{"direction": "buy", "stake": 1000, "duration": 60})
	expectStatus(t, rec, http.StatusCreated)
}

func TestAPI_BetWithoutDirection(t *testing.T) {
	a := newAPI(t)
	_, m := a.setup(t)
	user := newWallet(t)
	a.credit(t, user.addr, 5_000)

	rec := a.do(t, &user, "POST", "/api/v1/markets/"+m.ID+"/bets", map[string]any{"stake": 1000, "duration": 60})
	expectError(t, rec, http.StatusBadRequest, "InvalidRequest")
	if got := a.balance(t, user.addr); got != 5_000 {
		t.Errorf("rejected bet moved funds, balance %d", got)
	}
}
