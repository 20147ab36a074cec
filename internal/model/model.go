// Package model defines the core domain types shared across the house engine.
// All monetary values are uint64 base units and all prices are raw oracle
// integers; floating point is never used for money.
package model

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// House is the pooled-liquidity ledger that backs every bet placed on its
// markets. One House per operator pool; never deleted.
type House struct {
	ID            string         `json:"id" db:"id"`
	Admin         common.Address `json:"admin" db:"admin"`
	Beneficiary   common.Address `json:"beneficiary" db:"beneficiary"`
	Authority     common.Address `json:"authority" db:"authority"` // derived vault address
	AuthorityBump uint8          `json:"authority_bump" db:"authority_bump"`

	TotalDeposits    uint64 `json:"total_deposits" db:"total_deposits"`
	TotalWithdrawals uint64 `json:"total_withdrawals" db:"total_withdrawals"`

	// Liquidity backs payouts; ReservedLiquidity is the part of it locked
	// as potential profit of Pending bets.
	Liquidity         uint64 `json:"liquidity" db:"liquidity"`
	ReservedLiquidity uint64 `json:"reserved_liquidity" db:"reserved_liquidity"`
	TotalWagered      uint64 `json:"total_wagered" db:"total_wagered"`

	// Nothing accrues into TotalProfit yet; settlement credits Liquidity.
	TotalProfit    uint64 `json:"total_profit" db:"total_profit"`
	ClaimedProfits uint64 `json:"claimed_profits" db:"claimed_profits"`

	ActiveBets   uint32 `json:"active_bets" db:"active_bets"`
	SettledBets  uint32 `json:"settled_bets" db:"settled_bets"`
	CanceledBets uint32 `json:"canceled_bets" db:"canceled_bets"`

	MinWager      uint64 `json:"min_wager" db:"min_wager"`
	MaxWager      uint64 `json:"max_wager" db:"max_wager"`
	MinExpiration int64  `json:"min_expiration" db:"min_expiration"` // seconds
	MaxExpiration int64  `json:"max_expiration" db:"max_expiration"` // seconds

	Multiplier     uint64 `json:"multiplier" db:"multiplier"` // 9 decimal places
	FeeBasisPoints uint16 `json:"fee_basis_points" db:"fee_basis_points"`

	Version   int64 `json:"version" db:"version"`
	CreatedAt int64 `json:"created_at" db:"created_at"`
}

// AvailableLiquidity is the liquidity not reserved by Pending bets.
func (h *House) AvailableLiquidity() uint64 {
	if h.ReservedLiquidity > h.Liquidity {
		return 0
	}
	return h.Liquidity - h.ReservedLiquidity
}

// Market binds one price feed to a House and mirrors the House's per-bet
// aggregates for that feed.
type Market struct {
	ID          string `json:"id" db:"id"`
	HouseID     string `json:"house_id" db:"house_id"`
	PriceUpdate string `json:"price_update" db:"price_update"` // oracle source name
	FeedID      string `json:"feed_id" db:"feed_id"`
	Decimals    uint8  `json:"decimals" db:"decimals"`

	ReservedLiquidity uint64 `json:"reserved_liquidity" db:"reserved_liquidity"`
	TotalWagered      uint64 `json:"total_wagered" db:"total_wagered"`

	ActiveBets   uint32 `json:"active_bets" db:"active_bets"`
	SettledBets  uint32 `json:"settled_bets" db:"settled_bets"`
	CanceledBets uint32 `json:"canceled_bets" db:"canceled_bets"`

	Version   int64 `json:"version" db:"version"`
	CreatedAt int64 `json:"created_at" db:"created_at"`
}

// Bet is one wager and its full lifecycle state.
type Bet struct {
	ID        string         `json:"id" db:"id"`
	MarketID  string         `json:"market_id" db:"market_id"`
	Authority common.Address `json:"authority" db:"authority"`

	WageredAmount uint64 `json:"wagered_amount" db:"wagered_amount"`
	ProfitAmount  uint64 `json:"profit_amount" db:"profit_amount"`
	FinalPayout   uint64 `json:"final_payout" db:"final_payout"`

	EntryPrice   uint64    `json:"entry_price" db:"entry_price"`
	SettledPrice uint64    `json:"settled_price" db:"settled_price"`
	Direction    Direction `json:"direction" db:"direction"`
	Status       Status    `json:"status" db:"status"`

	CreatedAt int64  `json:"created_at" db:"created_at"`
	ExpiresAt int64  `json:"expires_at" db:"expires_at"`
	SettledAt *int64 `json:"settled_at" db:"settled_at"`

	Version int64 `json:"version" db:"version"`
}

// Direction is the side of a bet. The zero value is not a direction, so a
// request that omits it is rejected rather than read as a buy.
type Direction uint8

const (
	Buy  Direction = 1 // long (call): wins if the price ends above entry
	Sell Direction = 2 // short (put): wins if the price ends below entry
)

func (d Direction) String() string {
	switch d {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// ParseDirection accepts "buy"/"sell" in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, fmt.Errorf("model: unknown direction %q", s)
}

func (d Direction) MarshalText() ([]byte, error) {
	if d != Buy && d != Sell {
		return nil, fmt.Errorf("model: invalid direction %d", uint8(d))
	}
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Status is the state of a bet.
type Status uint8

const (
	Pending  Status = 0
	Won      Status = 1
	Lose     Status = 2
	Canceled Status = 3 // declared for settlement without a price; never entered
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Won:
		return "won"
	case Lose:
		return "lose"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return Pending, nil
	case "won":
		return Won, nil
	case "lose":
		return Lose, nil
	case "canceled":
		return Canceled, nil
	}
	return 0, fmt.Errorf("model: unknown status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	if s > Canceled {
		return nil, fmt.Errorf("model: invalid status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
