// Package notify publishes ledger change events to external observers.
//
// Events are a side channel: they are emitted after a mutation commits and
// a failed delivery is logged and counted, never reported to the caller.
package notify

import (
	"github.com/optn/house-engine/internal/model"
)

// Kind names an event type.
type Kind string

const (
	HouseUpdated  Kind = "house_updated"
	MarketUpdated Kind = "market_updated"
	BetCreated    Kind = "bet_created"
	BetUpdated    Kind = "bet_updated"
)

// Event is one notification. ID is the house, market or bet it concerns.
type Event struct {
	Kind Kind   `json:"type"`
	ID   string `json:"id"`
	Data any    `json:"data"`
}

type HouseData struct {
	Liquidity         uint64 `json:"liquidity"`
	ReservedLiquidity uint64 `json:"reserved_liquidity"`
	TotalWagered      uint64 `json:"total_wagered"`
	ActiveBets        uint32 `json:"active_bets"`
	SettledBets       uint32 `json:"settled_bets"`
	CanceledBets      uint32 `json:"canceled_bets"`
}

type MarketData struct {
	ReservedLiquidity uint64 `json:"reserved_liquidity"`
	TotalWagered      uint64 `json:"total_wagered"`
	ActiveBets        uint32 `json:"active_bets"`
	SettledBets       uint32 `json:"settled_bets"`
	CanceledBets      uint32 `json:"canceled_bets"`
}

type BetCreatedData struct {
	Bet model.Bet `json:"bet"`
}

type BetUpdatedData struct {
	FinalPayout  uint64       `json:"final_payout"`
	SettledPrice uint64       `json:"settled_price"`
	Status       model.Status `json:"status"`
	SettledAt    *int64       `json:"settled_at"`
}

func HouseUpdatedEvent(h *model.House) Event {
	return Event{Kind: HouseUpdated, ID: h.ID, Data: HouseData{
		Liquidity:         h.Liquidity,
		ReservedLiquidity: h.ReservedLiquidity,
		TotalWagered:      h.TotalWagered,
		ActiveBets:        h.ActiveBets,
		SettledBets:       h.SettledBets,
		CanceledBets:      h.CanceledBets,
	}}
}

func MarketUpdatedEvent(m *model.Market) Event {
	return Event{Kind: MarketUpdated, ID: m.ID, Data: MarketData{
		ReservedLiquidity: m.ReservedLiquidity,
		TotalWagered:      m.TotalWagered,
		ActiveBets:        m.ActiveBets,
		SettledBets:       m.SettledBets,
		CanceledBets:      m.CanceledBets,
	}}
}

func BetCreatedEvent(b *model.Bet) Event {
	return Event{Kind: BetCreated, ID: b.ID, Data: BetCreatedData{Bet: *b}}
}

func BetUpdatedEvent(b *model.Bet) Event {
	return Event{Kind: BetUpdated, ID: b.ID, Data: BetUpdatedData{
		FinalPayout:  b.FinalPayout,
		SettledPrice: b.SettledPrice,
		Status:       b.Status,
		SettledAt:    b.SettledAt,
	}}
}
