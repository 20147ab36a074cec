// Package wager is the operation surface of the house engine: the engine
// that runs every House, Market and Bet operation, and the HTTP handlers
// that expose it.
//
// Every mutating operation takes the House lock, reads the current records,
// computes the new ones with the pure ledger functions and commits them in a
// single store mutation together with the vault transfers. Events go out
// after the lock is released.
package wager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/optn/house-engine/internal/archive"
	"github.com/optn/house-engine/internal/feed"
	"github.com/optn/house-engine/internal/ledger"
	"github.com/optn/house-engine/internal/lock"
	"github.com/optn/house-engine/internal/metrics"
	"github.com/optn/house-engine/internal/model"
	"github.com/optn/house-engine/internal/notify"
	"github.com/optn/house-engine/internal/oracle"
	"github.com/optn/house-engine/internal/store"
	"github.com/optn/house-engine/internal/vault"
)

// ErrInvalidRequest is returned for malformed operation inputs that the
// ledger has no code for.
var ErrInvalidRequest = errors.New("wager: invalid request")

// Options tune a Service.
type Options struct {
	// MaxPriceAge bounds how old an oracle price may be.
	MaxPriceAge time.Duration
	// DefaultSource is used when a market is created without a source.
	DefaultSource string
}

// Service runs the engine operations.
type Service struct {
	store    store.Store
	oracles  *oracle.Registry
	locker   lock.Locker
	events   notify.Publisher
	archiver archive.Archiver
	opts     Options
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

// NewService creates a Service. A nil events publisher or archiver disables
// that side channel.
func NewService(st store.Store, oracles *oracle.Registry, locker lock.Locker, events notify.Publisher, archiver archive.Archiver, opts Options, logger *slog.Logger) *Service {
	if events == nil {
		events = notify.Nop{}
	}
	if opts.MaxPriceAge <= 0 {
		opts.MaxPriceAge = 5 * time.Second
	}
	return &Service{
		store:    st,
		oracles:  oracles,
		locker:   locker,
		events:   events,
		archiver: archiver,
		opts:     opts,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		logger:   logger.With(slog.String("component", "wager")),
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDs replaces the id generator.
func (s *Service) WithIDs(newID func() string) *Service {
	s.newID = newID
	return s
}

// observe records latency and, for ledger rejections, the reason code.
func observe(op string, start time.Time, errp *error) {
	metrics.ObserveOp(op, start)
	var le *ledger.Error
	if *errp != nil && errors.As(*errp, &le) {
		metrics.Rejections.WithLabelValues(op, le.Code).Inc()
	}
}

// withHouse runs fn while holding the lock of houseID. fn's context makes
// store reads bypass any cache.
func (s *Service) withHouse(ctx context.Context, houseID string, fn func(ctx context.Context) error) error {
	unlock, err := s.locker.Lock(ctx, lock.HouseKey(houseID))
	if err != nil {
		return fmt.Errorf("lock house %s: %w", houseID, err)
	}
	defer unlock()
	return fn(store.Uncached(ctx))
}

func recordHouse(h *model.House) {
	metrics.HouseLiquidity.WithLabelValues(h.ID).Set(float64(h.Liquidity))
	metrics.HouseReserved.WithLabelValues(h.ID).Set(float64(h.ReservedLiquidity))
}

func (s *Service) loadHouse(ctx context.Context, id string) (*model.House, error) {
	h, err := s.store.GetHouse(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load house %s: %w", id, err)
	}
	return h, nil
}

func (s *Service) loadMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := s.store.GetMarket(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", id, err)
	}
	return m, nil
}

func (s *Service) loadBet(ctx context.Context, id string) (*model.Bet, error) {
	b, err := s.store.GetBet(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load bet %s: %w", id, err)
	}
	return b, nil
}

// houseOfBet resolves the House a bet belongs to, outside the lock. The
// market of a bet never changes, so the answer stays valid.
func (s *Service) houseOfBet(ctx context.Context, betID string) (string, error) {
	b, err := s.loadBet(ctx, betID)
	if err != nil {
		return "", err
	}
	m, err := s.loadMarket(ctx, b.MarketID)
	if err != nil {
		return "", err
	}
	return m.HouseID, nil
}

// CreateHouseRequest holds the parameters of a new House.
type CreateHouseRequest struct {
	Beneficiary common.Address `json:"beneficiary"`
	ledger.HouseParams
}

// CreateHouse creates a House administered by caller. A zero beneficiary
// defaults to the caller.
func (s *Service) CreateHouse(ctx context.Context, caller common.Address, req CreateHouseRequest) (_ *model.House, err error) {
	defer observe("create_house", time.Now(), &err)

	beneficiary := req.Beneficiary
	if beneficiary == (common.Address{}) {
		beneficiary = caller
	}
	id := s.newID()
	authority, bump, err := vault.FindAuthority(id)
	if err != nil {
		return nil, err
	}
	h, err := ledger.NewHouse(id, caller, beneficiary, authority, bump, req.HouseParams, s.now().Unix())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateHouse(ctx, &h); err != nil {
		return nil, fmt.Errorf("create house: %w", err)
	}

	s.logger.InfoContext(ctx, "house created",
		"house", h.ID,
		"admin", h.Admin.Hex(),
		"authority", h.Authority.Hex(),
		"bump", h.AuthorityBump,
	)
	recordHouse(&h)
	s.events.Publish(ctx, notify.HouseUpdatedEvent(&h))
	return &h, nil
}

// UpdateWagerLimits replaces the stake bounds of a House. Admin only.
func (s *Service) UpdateWagerLimits(ctx context.Context, caller common.Address, houseID string, minWager, maxWager uint64) (_ *model.House, err error) {
	defer observe("update_wager_limits", time.Now(), &err)

	var next model.House
	err = s.withHouse(ctx, houseID, func(ctx context.Context) error {
		h, err := s.loadHouse(ctx, houseID)
		if err != nil {
			return err
		}
		if h.Admin != caller {
			return ledger.ErrUnauthorized
		}
		if next, err = ledger.UpdateWagerLimits(*h, minWager, maxWager); err != nil {
			return err
		}
		return s.store.Apply(ctx, &store.Mutation{House: &next})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "wager limits updated", "house", houseID, "min", minWager, "max", maxWager)
	s.events.Publish(ctx, notify.HouseUpdatedEvent(&next))
	return &next, nil
}

// CreateMarketRequest binds a feed of a price source to a House.
type CreateMarketRequest struct {
	PriceUpdate string `json:"price_update"`
	FeedID      string `json:"feed_id"`
}

// CreateMarket creates a market on houseID. Admin only. The feed must have
// a fresh price; its exponent fixes the market decimals.
func (s *Service) CreateMarket(ctx context.Context, caller common.Address, houseID string, req CreateMarketRequest) (_ *model.Market, err error) {
	defer observe("create_market", time.Now(), &err)

	feedID, err := feed.Canonical(req.FeedID)
	if err != nil {
		return nil, err
	}
	source := req.PriceUpdate
	if source == "" {
		source = s.opts.DefaultSource
	}
	client, err := s.oracles.Get(source)
	if err != nil {
		return nil, err
	}

	var m model.Market
	err = s.withHouse(ctx, houseID, func(ctx context.Context) error {
		h, err := s.loadHouse(ctx, houseID)
		if err != nil {
			return err
		}
		if h.Admin != caller {
			return ledger.ErrUnauthorized
		}
		now := s.now()
		price, err := client.GetPriceNoOlderThan(ctx, feedID, now, s.opts.MaxPriceAge)
		if err != nil {
			return fmt.Errorf("read %s from %s: %w", feedID, source, err)
		}
		decimals, err := price.Decimals()
		if err != nil {
			return err
		}
		m = model.Market{
			ID:          s.newID(),
			HouseID:     houseID,
			PriceUpdate: source,
			FeedID:      feedID,
			Decimals:    decimals,
			CreatedAt:   now.Unix(),
		}
		if err := s.store.CreateMarket(ctx, &m); err != nil {
			return fmt.Errorf("create market: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "market created",
		"house", houseID,
		"market", m.ID,
		"source", m.PriceUpdate,
		"feed", m.FeedID,
		"decimals", m.Decimals,
	)
	s.events.Publish(ctx, notify.MarketUpdatedEvent(&m))
	return &m, nil
}

// CreateBetRequest is a wager on a market.
type CreateBetRequest struct {
	Direction model.Direction `json:"direction"`
	Stake     uint64          `json:"stake"`
	Duration  int64           `json:"duration"` // seconds
}

// CreateBet places a bet for caller at the current oracle price. The stake
// moves from the caller's balance into the House vault.
func (s *Service) CreateBet(ctx context.Context, caller common.Address, marketID string, req CreateBetRequest) (_ *model.Bet, err error) {
	defer observe("create_bet", time.Now(), &err)

	if req.Direction != model.Buy && req.Direction != model.Sell {
		return nil, fmt.Errorf("%w: direction %d", ErrInvalidRequest, uint8(req.Direction))
	}
	mk, err := s.loadMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	client, err := s.oracles.Get(mk.PriceUpdate)
	if err != nil {
		return nil, err
	}

	var (
		res ledger.Reservation
		bet model.Bet
	)
	err = s.withHouse(ctx, mk.HouseID, func(ctx context.Context) error {
		h, err := s.loadHouse(ctx, mk.HouseID)
		if err != nil {
			return err
		}
		m, err := s.loadMarket(ctx, marketID)
		if err != nil {
			return err
		}
		// Policy errors take precedence over oracle errors.
		if err := ledger.ValidateWager(h, req.Stake, req.Duration); err != nil {
			return err
		}
		now := s.now()
		price, err := client.GetPriceNoOlderThan(ctx, m.FeedID, now, s.opts.MaxPriceAge)
		if err != nil {
			return fmt.Errorf("read %s from %s: %w", m.FeedID, m.PriceUpdate, err)
		}
		entry, err := price.Unsigned()
		if err != nil {
			return err
		}

		if res, err = ledger.Reserve(*h, *m, req.Stake, req.Duration); err != nil {
			return err
		}
		bet, err = ledger.NewBet(s.newID(), m.ID, caller, req.Direction, req.Stake, res.Profit, entry, req.Duration, now.Unix())
		if err != nil {
			return err
		}
		return s.store.Apply(ctx, &store.Mutation{
			House:  &res.House,
			Market: &res.Market,
			NewBet: &bet,
			Transfers: []vault.Transfer{{
				From:   caller,
				To:     h.Authority,
				Amount: req.Stake,
				Signer: vault.UserSigner(caller),
			}},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "bet created",
		"house", res.House.ID,
		"market", bet.MarketID,
		"bet", bet.ID,
		"authority", bet.Authority.Hex(),
		"direction", bet.Direction.String(),
		"stake", bet.WageredAmount,
		"profit", bet.ProfitAmount,
		"entry", feed.Scale(bet.EntryPrice, res.Market.Decimals).String(),
		"expires_at", bet.ExpiresAt,
	)
	metrics.BetsCreated.WithLabelValues(bet.Direction.String()).Inc()
	recordHouse(&res.House)
	s.events.Publish(ctx,
		notify.BetCreatedEvent(&bet),
		notify.MarketUpdatedEvent(&res.Market),
		notify.HouseUpdatedEvent(&res.House),
	)
	return &bet, nil
}

// SettleBet resolves an expired Pending bet at settledPrice. Admin only.
func (s *Service) SettleBet(ctx context.Context, caller common.Address, betID string, settledPrice uint64) (_ *model.Bet, err error) {
	defer observe("settle_bet", time.Now(), &err)

	houseID, err := s.houseOfBet(ctx, betID)
	if err != nil {
		return nil, err
	}

	var res ledger.Settlement
	err = s.withHouse(ctx, houseID, func(ctx context.Context) error {
		h, err := s.loadHouse(ctx, houseID)
		if err != nil {
			return err
		}
		if h.Admin != caller {
			return ledger.ErrUnauthorized
		}
		b, err := s.loadBet(ctx, betID)
		if err != nil {
			return err
		}
		m, err := s.loadMarket(ctx, b.MarketID)
		if err != nil {
			return err
		}
		if res, err = ledger.Settle(*h, *m, *b, settledPrice, s.now().Unix()); err != nil {
			return err
		}
		return s.store.Apply(ctx, &store.Mutation{
			House:  &res.House,
			Market: &res.Market,
			Bet:    &res.Bet,
		})
	})
	if err != nil {
		return nil, err
	}

	outcome := res.Bet.Status.String()
	s.logger.InfoContext(ctx, "bet settled",
		"house", houseID,
		"bet", betID,
		"outcome", outcome,
		"entry", feed.Scale(res.Bet.EntryPrice, res.Market.Decimals).String(),
		"settled", feed.Scale(settledPrice, res.Market.Decimals).String(),
		"payout", res.Bet.FinalPayout,
	)
	metrics.BetsSettled.WithLabelValues(outcome).Inc()
	recordHouse(&res.House)
	s.events.Publish(ctx,
		notify.BetUpdatedEvent(&res.Bet),
		notify.MarketUpdatedEvent(&res.Market),
		notify.HouseUpdatedEvent(&res.House),
	)
	return &res.Bet, nil
}

// CloseBet pays out a resolved bet to its authority and deletes it. The
// returned bet is the final snapshot.
func (s *Service) CloseBet(ctx context.Context, caller common.Address, betID string) (_ *model.Bet, err error) {
	defer observe("close_bet", time.Now(), &err)

	houseID, err := s.houseOfBet(ctx, betID)
	if err != nil {
		return nil, err
	}

	var closed model.Bet
	err = s.withHouse(ctx, houseID, func(ctx context.Context) error {
		b, err := s.loadBet(ctx, betID)
		if err != nil {
			return err
		}
		if b.Authority != caller {
			return ledger.ErrUnauthorized
		}
		if err := ledger.CheckClose(b); err != nil {
			return err
		}
		mut := &store.Mutation{DeleteBet: b}
		if b.FinalPayout > 0 {
			h, err := s.loadHouse(ctx, houseID)
			if err != nil {
				return err
			}
			signer, err := vault.HouseSigner(h.ID, h.AuthorityBump)
			if err != nil {
				return err
			}
			mut.Transfers = []vault.Transfer{{
				From:   h.Authority,
				To:     b.Authority,
				Amount: b.FinalPayout,
				Signer: signer,
			}}
		}
		if err := s.store.Apply(ctx, mut); err != nil {
			return err
		}
		closed = *b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "bet closed", "house", houseID, "bet", betID, "payout", closed.FinalPayout)
	if s.archiver != nil {
		rec := archive.Record{Bet: closed, HouseID: houseID, ClosedAt: s.now().Unix()}
		if err := s.archiver.Archive(context.WithoutCancel(ctx), rec); err != nil {
			s.logger.ErrorContext(ctx, "archive closed bet failed", "bet", betID, "err", err)
		}
	}
	return &closed, nil
}

// DepositLiquidity moves amount from caller into the House vault.
func (s *Service) DepositLiquidity(ctx context.Context, caller common.Address, houseID string, amount uint64) (_ *model.House, err error) {
	defer observe("deposit", time.Now(), &err)

	var next model.House
	err = s.withHouse(ctx, houseID, func(ctx context.Context) error {
		h, err := s.loadHouse(ctx, houseID)
		if err != nil {
			return err
		}
		if next, err = ledger.Deposit(*h, amount); err != nil {
			return err
		}
		return s.store.Apply(ctx, &store.Mutation{
			House: &next,
			Transfers: []vault.Transfer{{
				From:   caller,
				To:     h.Authority,
				Amount: amount,
				Signer: vault.UserSigner(caller),
			}},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "liquidity deposited", "house", houseID, "from", caller.Hex(), "amount", amount)
	recordHouse(&next)
	s.events.Publish(ctx, notify.HouseUpdatedEvent(&next))
	return &next, nil
}

// WithdrawLiquidity pays unreserved liquidity to the beneficiary. Beneficiary
// only.
func (s *Service) WithdrawLiquidity(ctx context.Context, caller common.Address, houseID string, amount uint64) (_ *model.House, err error) {
	defer observe("withdraw", time.Now(), &err)

	var next model.House
	err = s.withHouse(ctx, houseID, func(ctx context.Context) error {
		h, err := s.loadHouse(ctx, houseID)
		if err != nil {
			return err
		}
		if h.Beneficiary != caller {
			return ledger.ErrUnauthorized
		}
		if next, err = ledger.Withdraw(*h, amount); err != nil {
			return err
		}
		return s.payBeneficiary(ctx, h, &next, amount)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "liquidity withdrawn", "house", houseID, "amount", amount)
	recordHouse(&next)
	s.events.Publish(ctx, notify.HouseUpdatedEvent(&next))
	return &next, nil
}

// ClaimProfit pays the accrued profit to the beneficiary. Beneficiary only.
// It returns the House and the amount paid.
func (s *Service) ClaimProfit(ctx context.Context, caller common.Address, houseID string) (_ *model.House, _ uint64, err error) {
	defer observe("claim_profit", time.Now(), &err)

	var (
		next    model.House
		claimed uint64
	)
	err = s.withHouse(ctx, houseID, func(ctx context.Context) error {
		h, err := s.loadHouse(ctx, houseID)
		if err != nil {
			return err
		}
		if h.Beneficiary != caller {
			return ledger.ErrUnauthorized
		}
		if next, claimed, err = ledger.ClaimProfit(*h); err != nil {
			return err
		}
		return s.payBeneficiary(ctx, h, &next, claimed)
	})
	if err != nil {
		return nil, 0, err
	}

	s.logger.InfoContext(ctx, "profit claimed", "house", houseID, "amount", claimed)
	s.events.Publish(ctx, notify.HouseUpdatedEvent(&next))
	return &next, claimed, nil
}

// payBeneficiary commits next together with a vault payment of amount.
func (s *Service) payBeneficiary(ctx context.Context, cur, next *model.House, amount uint64) error {
	signer, err := vault.HouseSigner(cur.ID, cur.AuthorityBump)
	if err != nil {
		return err
	}
	return s.store.Apply(ctx, &store.Mutation{
		House: next,
		Transfers: []vault.Transfer{{
			From:   cur.Authority,
			To:     cur.Beneficiary,
			Amount: amount,
			Signer: signer,
		}},
	})
}

// Faucet credits amount to addr. Devnet only.
func (s *Service) Faucet(ctx context.Context, addr common.Address, amount uint64) (balance uint64, err error) {
	defer observe("faucet", time.Now(), &err)

	if amount == 0 {
		return 0, ledger.ErrInvalidAmount
	}
	if addr == (common.Address{}) {
		return 0, fmt.Errorf("%w: zero address", ErrInvalidRequest)
	}
	if err := s.store.Credit(ctx, addr, amount); err != nil {
		return 0, fmt.Errorf("faucet: %w", err)
	}
	s.logger.InfoContext(ctx, "faucet credit", "to", addr.Hex(), "amount", amount)
	return s.store.Balance(ctx, addr)
}

// --- Queries ---

func (s *Service) GetHouse(ctx context.Context, id string) (*model.House, error) {
	return s.loadHouse(ctx, id)
}

func (s *Service) ListHouses(ctx context.Context) ([]model.House, error) {
	return s.store.ListHouses(ctx)
}

func (s *Service) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return s.loadMarket(ctx, id)
}

// ListMarkets returns the markets of a House; the House must exist.
func (s *Service) ListMarkets(ctx context.Context, houseID string) ([]model.Market, error) {
	if _, err := s.loadHouse(ctx, houseID); err != nil {
		return nil, err
	}
	return s.store.ListMarkets(ctx, houseID)
}

func (s *Service) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	return s.loadBet(ctx, id)
}

func (s *Service) ListBets(ctx context.Context, authority common.Address) ([]model.Bet, error) {
	return s.store.ListBetsByAuthority(ctx, authority)
}

func (s *Service) Balance(ctx context.Context, owner common.Address) (uint64, error) {
	return s.store.Balance(ctx, owner)
}
