// Package ledger implements the house accounting rules: policy validation,
// liquidity reservation, settlement and liquidity management.
//
// Every function is pure. It takes records by value and returns the
// records as they must be persisted, or an *Error and nothing. Callers
// commit the returned records atomically; a rejected operation has no
// effect because nothing was mutated in place.
package ledger

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/optn/house-engine/internal/model"
)

// HouseParams are the policy limits of a House.
type HouseParams struct {
	MinWager       uint64 `json:"min_wager"`
	MaxWager       uint64 `json:"max_wager"`
	MinExpiration  int64  `json:"min_expiration"`
	MaxExpiration  int64  `json:"max_expiration"`
	Multiplier     uint64 `json:"multiplier"`
	FeeBasisPoints uint16 `json:"fee_basis_points"`
}

// ValidateWagerLimits requires 0 < min < max.
func ValidateWagerLimits(minWager, maxWager uint64) error {
	if minWager == 0 || maxWager <= minWager {
		return ErrInvalidWagerLimits
	}
	return nil
}

// ValidateHouseParams checks every policy limit of a new House.
func ValidateHouseParams(p HouseParams) error {
	if err := ValidateWagerLimits(p.MinWager, p.MaxWager); err != nil {
		return err
	}
	if p.MinExpiration <= 0 || p.MaxExpiration <= p.MinExpiration {
		return ErrInvalidExpirationLimits
	}
	if p.Multiplier == 0 {
		return ErrInvalidMultiplier
	}
	return nil
}

// NewHouse builds a House with zeroed balances and counters.
func NewHouse(id string, admin, beneficiary, authority common.Address, bump uint8, p HouseParams, now int64) (model.House, error) {
	if err := ValidateHouseParams(p); err != nil {
		return model.House{}, err
	}
	return model.House{
		ID:             id,
		Admin:          admin,
		Beneficiary:    beneficiary,
		Authority:      authority,
		AuthorityBump:  bump,
		MinWager:       p.MinWager,
		MaxWager:       p.MaxWager,
		MinExpiration:  p.MinExpiration,
		MaxExpiration:  p.MaxExpiration,
		Multiplier:     p.Multiplier,
		FeeBasisPoints: p.FeeBasisPoints,
		CreatedAt:      now,
	}, nil
}

// UpdateWagerLimits replaces the stake bounds. Existing bets are unaffected.
func UpdateWagerLimits(h model.House, minWager, maxWager uint64) (model.House, error) {
	if err := ValidateWagerLimits(minWager, maxWager); err != nil {
		return model.House{}, err
	}
	h.MinWager = minWager
	h.MaxWager = maxWager
	return h, nil
}

// ValidateWager checks a stake and a requested duration against the House
// policy, in the order MinWager, MaxWager, MinExpiration, MaxExpiration.
func ValidateWager(h *model.House, stake uint64, duration int64) error {
	if stake < h.MinWager {
		return ErrMinWager
	}
	if stake > h.MaxWager {
		return ErrMaxWager
	}
	if duration < h.MinExpiration {
		return ErrMinExpiration
	}
	if duration > h.MaxExpiration {
		return ErrMaxExpiration
	}
	return nil
}

// Reservation is the outcome of reserving a bet's potential profit.
type Reservation struct {
	House  model.House
	Market model.Market
	Profit uint64
}

// Reserve validates a stake against the House policy and liquidity and
// returns House and Market with the profit reserved and the stake counted.
//
// The liquidity check is made against the post-reservation total, so a
// House may end up with liquidity exactly equal to its reserved liquidity.
func Reserve(h model.House, m model.Market, stake uint64, duration int64) (Reservation, error) {
	if err := ValidateWager(&h, stake, duration); err != nil {
		return Reservation{}, err
	}
	profit, err := ProfitAmount(stake, h.Multiplier)
	if err != nil {
		return Reservation{}, err
	}
	reserved, err := add64(h.ReservedLiquidity, profit)
	if err != nil {
		return Reservation{}, err
	}
	if h.Liquidity < reserved {
		return Reservation{}, ErrInsufficientLiquidity
	}

	if h.TotalWagered, err = add64(h.TotalWagered, stake); err != nil {
		return Reservation{}, err
	}
	if h.ActiveBets, err = inc32(h.ActiveBets); err != nil {
		return Reservation{}, err
	}
	h.ReservedLiquidity = reserved

	if m.ReservedLiquidity, err = add64(m.ReservedLiquidity, profit); err != nil {
		return Reservation{}, err
	}
	if m.TotalWagered, err = add64(m.TotalWagered, stake); err != nil {
		return Reservation{}, err
	}
	if m.ActiveBets, err = inc32(m.ActiveBets); err != nil {
		return Reservation{}, err
	}

	return Reservation{House: h, Market: m, Profit: profit}, nil
}

// NewBet builds the Pending bet for a reservation.
func NewBet(id, marketID string, authority common.Address, dir model.Direction, stake, profit, entryPrice uint64, duration, now int64) (model.Bet, error) {
	expiresAt, err := addExpiry(now, duration)
	if err != nil {
		return model.Bet{}, err
	}
	return model.Bet{
		ID:            id,
		MarketID:      marketID,
		Authority:     authority,
		WageredAmount: stake,
		ProfitAmount:  profit,
		EntryPrice:    entryPrice,
		Direction:     dir,
		Status:        model.Pending,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
	}, nil
}

// Wins reports whether a bet in direction dir wins. Ties never win.
func Wins(dir model.Direction, entryPrice, settledPrice uint64) bool {
	switch dir {
	case model.Buy:
		return settledPrice > entryPrice
	case model.Sell:
		return entryPrice > settledPrice
	}
	return false
}

// Settlement is the result of resolving a bet.
type Settlement struct {
	House  model.House
	Market model.Market
	Bet    model.Bet
	Won    bool
}

// Settle resolves a Pending, expired bet at settledPrice.
//
// A win pays the reserved profit out of House liquidity; a loss credits the
// stake to it. Either way the reservation is released and the bet moves
// from active to settled on both House and Market.
func Settle(h model.House, m model.Market, b model.Bet, settledPrice uint64, now int64) (Settlement, error) {
	if b.Status != model.Pending {
		return Settlement{}, ErrBetSettled
	}
	if now < b.ExpiresAt {
		return Settlement{}, ErrBetNotExpired
	}

	var err error
	won := Wins(b.Direction, b.EntryPrice, settledPrice)
	if won {
		if b.FinalPayout, err = add64(b.WageredAmount, b.ProfitAmount); err != nil {
			return Settlement{}, err
		}
		b.Status = model.Won
		if h.Liquidity, err = sub64(h.Liquidity, b.ProfitAmount); err != nil {
			return Settlement{}, err
		}
	} else {
		// TODO: cut FeeBasisPoints of the stake into TotalProfit once fees are priced.
		b.Status = model.Lose
		if h.Liquidity, err = add64(h.Liquidity, b.WageredAmount); err != nil {
			return Settlement{}, err
		}
	}

	if h.ActiveBets, err = dec32(h.ActiveBets); err != nil {
		return Settlement{}, err
	}
	if h.SettledBets, err = inc32(h.SettledBets); err != nil {
		return Settlement{}, err
	}
	if h.TotalWagered, err = sub64(h.TotalWagered, b.WageredAmount); err != nil {
		return Settlement{}, err
	}
	if h.ReservedLiquidity, err = sub64(h.ReservedLiquidity, b.ProfitAmount); err != nil {
		return Settlement{}, err
	}

	if m.ActiveBets, err = dec32(m.ActiveBets); err != nil {
		return Settlement{}, err
	}
	if m.SettledBets, err = inc32(m.SettledBets); err != nil {
		return Settlement{}, err
	}
	if m.TotalWagered, err = sub64(m.TotalWagered, b.WageredAmount); err != nil {
		return Settlement{}, err
	}
	if m.ReservedLiquidity, err = sub64(m.ReservedLiquidity, b.ProfitAmount); err != nil {
		return Settlement{}, err
	}

	settledAt := now
	b.SettledPrice = settledPrice
	b.SettledAt = &settledAt

	return Settlement{House: h, Market: m, Bet: b, Won: won}, nil
}

// CheckClose allows closing only resolved bets.
func CheckClose(b *model.Bet) error {
	if b.Status == model.Pending {
		return ErrBetPending
	}
	return nil
}

// Deposit adds amount to the House liquidity. A zero amount is left to the
// vault transfer to refuse.
func Deposit(h model.House, amount uint64) (model.House, error) {
	var err error
	if h.Liquidity, err = add64(h.Liquidity, amount); err != nil {
		return model.House{}, err
	}
	if h.TotalDeposits, err = add64(h.TotalDeposits, amount); err != nil {
		return model.House{}, err
	}
	return h, nil
}

// Withdraw removes amount from the unreserved part of the House liquidity.
func Withdraw(h model.House, amount uint64) (model.House, error) {
	if h.AvailableLiquidity() < amount {
		return model.House{}, ErrInsufficientLiquidity
	}
	h.Liquidity -= amount
	var err error
	if h.TotalWithdrawals, err = add64(h.TotalWithdrawals, amount); err != nil {
		return model.House{}, err
	}
	return h, nil
}

// ClaimProfit moves all of TotalProfit into ClaimedProfits and returns the
// amount to pay out.
func ClaimProfit(h model.House) (model.House, uint64, error) {
	if h.TotalProfit == 0 {
		return model.House{}, 0, ErrNoProfit
	}
	claimed := h.TotalProfit
	var err error
	if h.ClaimedProfits, err = add64(h.ClaimedProfits, claimed); err != nil {
		return model.House{}, 0, err
	}
	h.TotalProfit = 0
	return h, claimed, nil
}

// CheckSolvency verifies liquidity >= reserved liquidity.
func CheckSolvency(h *model.House) error {
	if h.Liquidity < h.ReservedLiquidity {
		return ErrInsufficientLiquidity
	}
	return nil
}
