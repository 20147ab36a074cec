// Package sweeper settles expired bets automatically.
//
// On every cron tick the sweeper lists one batch of Pending bets whose expiry
// has passed in Houses the configured operator administers, looks up the
// price each market's source published at the bet's expiry and settles the
// bet as the operator. Successive sweeps page through the backlog and wrap
// around at its end, so bets that keep failing cannot hide the rest.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"github.com/optn/house-engine/internal/ledger"
	"github.com/optn/house-engine/internal/metrics"
	"github.com/optn/house-engine/internal/model"
	"github.com/optn/house-engine/internal/oracle"
	"github.com/optn/house-engine/internal/store"
)

// DefaultSchedule runs a sweep every ten seconds.
const DefaultSchedule = "*/10 * * * * *"

// ErrDisabled is returned by New when no operator address is configured.
var ErrDisabled = errors.New("sweeper: no operator address")

// Settler settles one bet on behalf of caller.
type Settler interface {
	SettleBet(ctx context.Context, caller common.Address, betID string, settledPrice uint64) (*model.Bet, error)
}

// Config controls a Sweeper.
type Config struct {
	Operator  common.Address
	Schedule  string
	BatchSize int
}

// Result summarises one sweep.
type Result struct {
	Settled int
	Skipped int
	Failed  int
}

// Sweeper periodically settles expired bets.
type Sweeper struct {
	cron    *cron.Cron
	store   store.Store
	oracles *oracle.Registry
	settler Settler
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex // serializes sweeps
	cursor store.ExpiredBetsQuery
}

// New creates a Sweeper and registers its job. It returns ErrDisabled when
// cfg.Operator is the zero address.
func New(st store.Store, oracles *oracle.Registry, settler Settler, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Operator == (common.Address{}) {
		return nil, ErrDisabled
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	s := &Sweeper{
		cron:    cron.New(cron.WithSeconds()),
		store:   st,
		oracles: oracles,
		settler: settler,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "sweeper")),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("sweeper: register schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// WithClock replaces the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running sweep to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("sweeper started",
		"operator", s.cfg.Operator.Hex(),
		"schedule", s.cfg.Schedule,
		"batch", s.cfg.BatchSize,
	)
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) tick() {
	res, err := s.Sweep(context.Background())
	if err != nil {
		s.logger.Error("sweep failed", "err", err)
		return
	}
	if res.Settled+res.Skipped+res.Failed > 0 {
		s.logger.Info("sweep finished",
			"settled", res.Settled,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
	}
}

// Sweep settles one batch of expired bets, resuming after the last bet the
// previous sweep listed. Only the listing can fail the sweep; per-bet
// failures are logged and counted.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res Result
	bets, err := s.store.ListExpiredPendingBets(ctx, store.ExpiredBetsQuery{
		Now:            s.now().Unix(),
		Admin:          s.cfg.Operator,
		AfterExpiresAt: s.cursor.AfterExpiresAt,
		AfterID:        s.cursor.AfterID,
		Limit:          s.cfg.BatchSize,
	})
	if err != nil {
		return res, fmt.Errorf("sweeper: list expired bets: %w", err)
	}
	if len(bets) < s.cfg.BatchSize {
		s.cursor = store.ExpiredBetsQuery{}
	} else {
		last := bets[len(bets)-1]
		s.cursor = store.ExpiredBetsQuery{AfterExpiresAt: last.ExpiresAt, AfterID: last.ID}
	}

	markets := make(map[string]*model.Market)
	for i := range bets {
		b := &bets[i]
		err := s.settle(ctx, b, markets)
		switch {
		case errors.Is(err, ledger.ErrBetSettled):
			// settled by someone else since the listing
			res.Skipped++
			metrics.SweeperResults.WithLabelValues("skipped").Inc()
		case err != nil:
			res.Failed++
			metrics.SweeperResults.WithLabelValues("failed").Inc()
			s.logger.Warn("settle expired bet",
				"bet", b.ID,
				"market", b.MarketID,
				"expires_at", b.ExpiresAt,
				"err", err,
			)
		default:
			res.Settled++
			metrics.SweeperResults.WithLabelValues("settled").Inc()
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	return res, nil
}

func (s *Sweeper) settle(ctx context.Context, b *model.Bet, markets map[string]*model.Market) error {
	m, ok := markets[b.MarketID]
	if !ok {
		var err error
		if m, err = s.store.GetMarket(ctx, b.MarketID); err != nil {
			return fmt.Errorf("load market: %w", err)
		}
		markets[b.MarketID] = m
	}

	src, err := s.oracles.Historical(m.PriceUpdate)
	if err != nil {
		return err
	}
	p, err := src.GetPriceAt(ctx, m.FeedID, time.Unix(b.ExpiresAt, 0))
	if err != nil {
		return fmt.Errorf("price at %d: %w", b.ExpiresAt, err)
	}
	price, err := p.Unsigned()
	if err != nil {
		return err
	}
	_, err = s.settler.SettleBet(ctx, s.cfg.Operator, b.ID, price)
	return err
}
