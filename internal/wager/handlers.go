package wager

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/optn/house-engine/internal/auth"
	"github.com/optn/house-engine/internal/feed"
	"github.com/optn/house-engine/internal/ledger"
	"github.com/optn/house-engine/internal/lock"
	"github.com/optn/house-engine/internal/model"
	"github.com/optn/house-engine/internal/oracle"
	"github.com/optn/house-engine/internal/store"
	"github.com/optn/house-engine/internal/vault"
)

// Handler exposes a Service over HTTP.
type Handler struct {
	svc    *Service
	hub    *WSHub
	devnet bool
}

// NewHandler creates a Handler. hub may be nil; the faucet route exists
// only when devnet is set.
func NewHandler(svc *Service, hub *WSHub, devnet bool) *Handler {
	return &Handler{svc: svc, hub: hub, devnet: devnet}
}

// Routes mounts the API on r. Mutating routes go through verifier.
func (h *Handler) Routes(r chi.Router, verifier *auth.Verifier) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Get("/houses", h.ListHouses)
	r.Get("/houses/{houseID}", h.GetHouse)
	r.Get("/houses/{houseID}/markets", h.ListMarkets)
	r.Get("/markets/{marketID}", h.GetMarket)
	r.Get("/bets/{betID}", h.GetBet)
	r.Get("/accounts/{address}/bets", h.ListBets)
	r.Get("/accounts/{address}/balance", h.GetBalance)

	if h.devnet {
		r.Post("/faucet", h.Faucet)
	}

	r.Group(func(r chi.Router) {
		r.Use(verifier.Middleware)
		r.Post("/houses", h.CreateHouse)
		r.Put("/houses/{houseID}/wager-limits", h.UpdateWagerLimits)
		r.Post("/houses/{houseID}/markets", h.CreateMarket)
		r.Post("/houses/{houseID}/deposit", h.Deposit)
		r.Post("/houses/{houseID}/withdraw", h.Withdraw)
		r.Post("/houses/{houseID}/claim-profit", h.ClaimProfit)
		r.Post("/markets/{marketID}/bets", h.CreateBet)
		r.Post("/bets/{betID}/settle", h.SettleBet)
		r.Post("/bets/{betID}/close", h.CloseBet)
	})
}

// --- Request/Response types ---

// WagerLimitsRequest is the JSON body of PUT /houses/{houseID}/wager-limits.
type WagerLimitsRequest struct {
	MinWager uint64 `json:"min_wager"`
	MaxWager uint64 `json:"max_wager"`
}

// SettleRequest is the JSON body of POST /bets/{betID}/settle.
type SettleRequest struct {
	SettledPrice uint64 `json:"settled_price"`
}

// AmountRequest is the JSON body of deposit and withdraw.
type AmountRequest struct {
	Amount uint64 `json:"amount"`
}

// FaucetRequest is the JSON body of POST /faucet.
type FaucetRequest struct {
	Address common.Address `json:"address"`
	Amount  uint64         `json:"amount"`
}

// BalanceResponse reports the funds held by an address.
type BalanceResponse struct {
	Address common.Address `json:"address"`
	Balance uint64         `json:"balance"`
}

// ClaimResponse is returned from POST /houses/{houseID}/claim-profit.
type ClaimResponse struct {
	House   *model.House `json:"house"`
	Claimed uint64       `json:"claimed"`
}

// BetView is a bet with its prices scaled by the market decimals.
type BetView struct {
	model.Bet
	EntryValue   decimal.Decimal  `json:"entry_value"`
	SettledValue *decimal.Decimal `json:"settled_value,omitempty"`
}

func newBetView(b *model.Bet, decimals uint8) BetView {
	v := BetView{Bet: *b, EntryValue: feed.Scale(b.EntryPrice, decimals)}
	if b.Status != model.Pending {
		settled := feed.Scale(b.SettledPrice, decimals)
		v.SettledValue = &settled
	}
	return v
}

// --- HTTP Handlers ---

// CreateHouse handles POST /api/v1/houses
func (h *Handler) CreateHouse(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req CreateHouseRequest
	if !decode(w, r, &req) {
		return
	}
	house, err := h.svc.CreateHouse(r.Context(), caller, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, house)
}

// UpdateWagerLimits handles PUT /api/v1/houses/{houseID}/wager-limits
func (h *Handler) UpdateWagerLimits(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req WagerLimitsRequest
	if !decode(w, r, &req) {
		return
	}
	house, err := h.svc.UpdateWagerLimits(r.Context(), caller, chi.URLParam(r, "houseID"), req.MinWager, req.MaxWager)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, house)
}

// CreateMarket handles POST /api/v1/houses/{houseID}/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}
	market, err := h.svc.CreateMarket(r.Context(), caller, chi.URLParam(r, "houseID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, market)
}

// Deposit handles POST /api/v1/houses/{houseID}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	house, err := h.svc.DepositLiquidity(r.Context(), caller, chi.URLParam(r, "houseID"), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, house)
}

// Withdraw handles POST /api/v1/houses/{houseID}/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	house, err := h.svc.WithdrawLiquidity(r.Context(), caller, chi.URLParam(r, "houseID"), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, house)
}

// ClaimProfit handles POST /api/v1/houses/{houseID}/claim-profit
func (h *Handler) ClaimProfit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	house, claimed, err := h.svc.ClaimProfit(r.Context(), caller, chi.URLParam(r, "houseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{House: house, Claimed: claimed})
}

// CreateBet handles POST /api/v1/markets/{marketID}/bets
func (h *Handler) CreateBet(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req CreateBetRequest
	if !decode(w, r, &req) {
		return
	}
	bet, err := h.svc.CreateBet(r.Context(), caller, chi.URLParam(r, "marketID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeBet(w, r, http.StatusCreated, bet)
}

// SettleBet handles POST /api/v1/bets/{betID}/settle
func (h *Handler) SettleBet(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req SettleRequest
	if !decode(w, r, &req) {
		return
	}
	bet, err := h.svc.SettleBet(r.Context(), caller, chi.URLParam(r, "betID"), req.SettledPrice)
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeBet(w, r, http.StatusOK, bet)
}

// CloseBet handles POST /api/v1/bets/{betID}/close
func (h *Handler) CloseBet(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	bet, err := h.svc.CloseBet(r.Context(), caller, chi.URLParam(r, "betID"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeBet(w, r, http.StatusOK, bet)
}

// Faucet handles POST /api/v1/faucet (devnet only).
func (h *Handler) Faucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if !decode(w, r, &req) {
		return
	}
	balance, err := h.svc.Faucet(r.Context(), req.Address, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Address: req.Address, Balance: balance})
}

// ListHouses handles GET /api/v1/houses
func (h *Handler) ListHouses(w http.ResponseWriter, r *http.Request) {
	houses, err := h.svc.ListHouses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if houses == nil {
		houses = []model.House{}
	}
	writeJSON(w, http.StatusOK, houses)
}

// GetHouse handles GET /api/v1/houses/{houseID}
func (h *Handler) GetHouse(w http.ResponseWriter, r *http.Request) {
	house, err := h.svc.GetHouse(r.Context(), chi.URLParam(r, "houseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, house)
}

// ListMarkets handles GET /api/v1/houses/{houseID}/markets
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.svc.ListMarkets(r.Context(), chi.URLParam(r, "houseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := h.svc.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// GetBet handles GET /api/v1/bets/{betID}
func (h *Handler) GetBet(w http.ResponseWriter, r *http.Request) {
	bet, err := h.svc.GetBet(r.Context(), chi.URLParam(r, "betID"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeBet(w, r, http.StatusOK, bet)
}

// ListBets handles GET /api/v1/accounts/{address}/bets
func (h *Handler) ListBets(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	bets, err := h.svc.ListBets(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}

	decimals := make(map[string]uint8)
	views := make([]BetView, 0, len(bets))
	for i := range bets {
		d, seen := decimals[bets[i].MarketID]
		if !seen {
			if m, err := h.svc.GetMarket(r.Context(), bets[i].MarketID); err == nil {
				d = m.Decimals
			}
			decimals[bets[i].MarketID] = d
		}
		views = append(views, newBetView(&bets[i], d))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetBalance handles GET /api/v1/accounts/{address}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	balance, err := h.svc.Balance(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Address: addr, Balance: balance})
}

// writeBet writes b with its prices scaled by the decimals of its market.
func (h *Handler) writeBet(w http.ResponseWriter, r *http.Request, status int, b *model.Bet) {
	var decimals uint8
	if m, err := h.svc.GetMarket(r.Context(), b.MarketID); err == nil {
		decimals = m.Decimals
	}
	writeJSON(w, status, newBetView(b, decimals))
}

// --- helpers ---

func callerOf(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, ok := auth.CallerFrom(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated request", "BadSignature")
		return common.Address{}, false
	}
	return caller, true
}

func addressParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeJSONError(w, http.StatusBadRequest, "invalid address", "InvalidAddress")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body", "InvalidRequest")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// badRequestCodes are the ledger rejections caused by the request itself
// rather than the state of the House.
var badRequestCodes = map[string]bool{
	ledger.ErrMinWager.Code:                true,
	ledger.ErrMaxWager.Code:                true,
	ledger.ErrMinExpiration.Code:           true,
	ledger.ErrMaxExpiration.Code:           true,
	ledger.ErrInvalidWagerLimits.Code:      true,
	ledger.ErrInvalidExpirationLimits.Code: true,
	ledger.ErrInvalidMultiplier.Code:       true,
	ledger.ErrInvalidAmount.Code:           true,
}

// writeError maps an engine error to a status code and a stable code.
func writeError(w http.ResponseWriter, err error) {
	var le *ledger.Error
	switch {
	case errors.As(err, &le):
		status := http.StatusConflict
		switch {
		case le == ledger.ErrUnauthorized:
			status = http.StatusForbidden
		case badRequestCodes[le.Code]:
			status = http.StatusBadRequest
		}
		writeJSONError(w, status, le.Message, le.Code)
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error(), "NotFound")
	case errors.Is(err, store.ErrConflict):
		writeJSONError(w, http.StatusConflict, err.Error(), "Conflict")
	case errors.Is(err, vault.ErrZeroAmount):
		writeJSONError(w, http.StatusBadRequest, err.Error(), "InvalidAmount")
	case errors.Is(err, vault.ErrInsufficientFunds):
		writeJSONError(w, http.StatusConflict, err.Error(), "InsufficientFunds")
	case errors.Is(err, vault.ErrUnauthorized):
		writeJSONError(w, http.StatusForbidden, err.Error(), "Unauthorized")
	case errors.Is(err, feed.ErrInvalidFeedID):
		writeJSONError(w, http.StatusBadRequest, err.Error(), "InvalidFeedID")
	case errors.Is(err, feed.ErrInvalidSource), errors.Is(err, oracle.ErrUnknownSource):
		writeJSONError(w, http.StatusBadRequest, err.Error(), "UnknownSource")
	case errors.Is(err, ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, err.Error(), "InvalidRequest")
	case errors.Is(err, oracle.ErrPriceTooOld):
		writeJSONError(w, http.StatusFailedDependency, err.Error(), "PriceTooOld")
	case errors.Is(err, oracle.ErrFeedNotFound):
		writeJSONError(w, http.StatusFailedDependency, err.Error(), "FeedNotFound")
	case errors.Is(err, oracle.ErrNegativePrice), errors.Is(err, oracle.ErrInvalidExponent):
		writeJSONError(w, http.StatusFailedDependency, err.Error(), "InvalidPrice")
	case errors.Is(err, lock.ErrTimeout):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error(), "Busy")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal error", "Internal")
	}
}
