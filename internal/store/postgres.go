package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/optn/house-engine/internal/model"
	"github.com/optn/house-engine/internal/vault"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC(20,0) so the full uint64 range fits;
// they travel as decimal text in both directions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded SQL migrations in lexicographic order and
// records them in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin tx for %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: exec migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (filename) VALUES ($1)",
			entry.Name(),
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: record migration %s: %w", entry.Name(), err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// --- Houses ---

const houseColumns = `id, admin, beneficiary, authority, authority_bump,
	total_deposits::TEXT, total_withdrawals::TEXT,
	liquidity::TEXT, reserved_liquidity::TEXT, total_wagered::TEXT,
	total_profit::TEXT, claimed_profits::TEXT,
	active_bets, settled_bets, canceled_bets,
	min_wager::TEXT, max_wager::TEXT, min_expiration, max_expiration,
	multiplier::TEXT, fee_basis_points, version, created_at`

func (s *PostgresStore) CreateHouse(ctx context.Context, h *model.House) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO houses (id, admin, beneficiary, authority, authority_bump,
		        min_wager, max_wager, min_expiration, max_expiration,
		        multiplier, fee_basis_points, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10::NUMERIC, $11, 1, $12)`,
		h.ID, h.Admin.Hex(), h.Beneficiary.Hex(), h.Authority.Hex(), int16(h.AuthorityBump),
		u64s(h.MinWager), u64s(h.MaxWager), h.MinExpiration, h.MaxExpiration,
		u64s(h.Multiplier), int32(h.FeeBasisPoints), h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create house %s: %w", h.ID, mapPgError(err))
	}
	h.Version = 1
	return nil
}

func (s *PostgresStore) GetHouse(ctx context.Context, id string) (*model.House, error) {
	h, err := scanHouse(s.pool.QueryRow(ctx, `SELECT `+houseColumns+` FROM houses WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get house %s: %w", id, err)
	}
	return h, nil
}

func (s *PostgresStore) ListHouses(ctx context.Context) ([]model.House, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+houseColumns+` FROM houses ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var houses []model.House
	for rows.Next() {
		h, err := scanHouse(rows)
		if err != nil {
			return nil, err
		}
		houses = append(houses, *h)
	}
	return houses, rows.Err()
}

func scanHouse(row rowScanner) (*model.House, error) {
	var h model.House
	var admin, beneficiary, authority string
	var bump int16
	var deposits, withdrawals, liquidity, reserved, wagered, profit, claimed string
	var active, settled, canceled int64
	var minWager, maxWager, multiplier string
	var fee int32

	err := row.Scan(&h.ID, &admin, &beneficiary, &authority, &bump,
		&deposits, &withdrawals,
		&liquidity, &reserved, &wagered,
		&profit, &claimed,
		&active, &settled, &canceled,
		&minWager, &maxWager, &h.MinExpiration, &h.MaxExpiration,
		&multiplier, &fee, &h.Version, &h.CreatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}

	var n numerics
	h.Admin = common.HexToAddress(admin)
	h.Beneficiary = common.HexToAddress(beneficiary)
	h.Authority = common.HexToAddress(authority)
	h.AuthorityBump = uint8(bump)
	h.TotalDeposits = n.u64(deposits)
	h.TotalWithdrawals = n.u64(withdrawals)
	h.Liquidity = n.u64(liquidity)
	h.ReservedLiquidity = n.u64(reserved)
	h.TotalWagered = n.u64(wagered)
	h.TotalProfit = n.u64(profit)
	h.ClaimedProfits = n.u64(claimed)
	h.ActiveBets = uint32(active)
	h.SettledBets = uint32(settled)
	h.CanceledBets = uint32(canceled)
	h.MinWager = n.u64(minWager)
	h.MaxWager = n.u64(maxWager)
	h.Multiplier = n.u64(multiplier)
	h.FeeBasisPoints = uint16(fee)
	if n.err != nil {
		return nil, fmt.Errorf("house %s: %w", h.ID, n.err)
	}
	return &h, nil
}

// --- Markets ---

const marketColumns = `id, house_id, price_update, feed_id, decimals,
	reserved_liquidity::TEXT, total_wagered::TEXT,
	active_bets, settled_bets, canceled_bets, version, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, house_id, price_update, feed_id, decimals, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, 1, $6)`,
		m.ID, m.HouseID, m.PriceUpdate, m.FeedID, int16(m.Decimals), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, mapPgError(err))
	}
	m.Version = 1
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, houseID string) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets
		 WHERE $1 = '' OR house_id = $1
		 ORDER BY created_at, id`, houseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func scanMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	var decimals int16
	var reserved, wagered string
	var active, settled, canceled int64

	err := row.Scan(&m.ID, &m.HouseID, &m.PriceUpdate, &m.FeedID, &decimals,
		&reserved, &wagered,
		&active, &settled, &canceled, &m.Version, &m.CreatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}

	var n numerics
	m.Decimals = uint8(decimals)
	m.ReservedLiquidity = n.u64(reserved)
	m.TotalWagered = n.u64(wagered)
	m.ActiveBets = uint32(active)
	m.SettledBets = uint32(settled)
	m.CanceledBets = uint32(canceled)
	if n.err != nil {
		return nil, fmt.Errorf("market %s: %w", m.ID, n.err)
	}
	return &m, nil
}

// --- Bets ---

const betColumns = `id, market_id, authority,
	wagered_amount::TEXT, profit_amount::TEXT, final_payout::TEXT,
	entry_price::TEXT, settled_price::TEXT, direction, status,
	created_at, expires_at, settled_at, version`

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get bet %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBetsByAuthority(ctx context.Context, authority common.Address) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE authority = $1 ORDER BY created_at DESC, id`,
		authority.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBets(rows)
}

func (s *PostgresStore) ListExpiredPendingBets(ctx context.Context, q ExpiredBetsQuery) ([]model.Bet, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	var admin string
	if q.Admin != (common.Address{}) {
		admin = q.Admin.Hex()
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets
		 WHERE status = $1 AND expires_at <= $2
		   AND ($3::TEXT = '' OR market_id IN (
		         SELECT m.id FROM markets m JOIN houses h ON h.id = m.house_id
		         WHERE h.admin = $3::TEXT))
		   AND (expires_at, id) > ($4::BIGINT, $5::TEXT)
		 ORDER BY expires_at, id LIMIT $6`,
		int16(model.Pending), q.Now, admin, q.AfterExpiresAt, q.AfterID, q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBets(rows)
}

func scanBets(rows pgx.Rows) ([]model.Bet, error) {
	var bets []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func scanBet(row rowScanner) (*model.Bet, error) {
	var b model.Bet
	var authority string
	var wagered, profit, payout, entry, settledPrice string
	var direction, status int16

	err := row.Scan(&b.ID, &b.MarketID, &authority,
		&wagered, &profit, &payout,
		&entry, &settledPrice, &direction, &status,
		&b.CreatedAt, &b.ExpiresAt, &b.SettledAt, &b.Version)
	if err != nil {
		return nil, mapPgError(err)
	}

	var n numerics
	b.Authority = common.HexToAddress(authority)
	b.WageredAmount = n.u64(wagered)
	b.ProfitAmount = n.u64(profit)
	b.FinalPayout = n.u64(payout)
	b.EntryPrice = n.u64(entry)
	b.SettledPrice = n.u64(settledPrice)
	b.Direction = model.Direction(direction)
	b.Status = model.Status(status)
	if n.err != nil {
		return nil, fmt.Errorf("bet %s: %w", b.ID, n.err)
	}
	return &b, nil
}

// --- Balances ---

func (s *PostgresStore) Balance(ctx context.Context, owner common.Address) (uint64, error) {
	var amount string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM balances WHERE owner = $1`, owner.Hex()).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", owner.Hex(), err)
	}
	var n numerics
	v := n.u64(amount)
	return v, n.err
}

func (s *PostgresStore) Credit(ctx context.Context, owner common.Address, amount uint64) error {
	if err := credit(ctx, s.pool, owner, amount); err != nil {
		return fmt.Errorf("credit %s: %w", owner.Hex(), err)
	}
	return nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func credit(ctx context.Context, db execer, owner common.Address, amount uint64) error {
	_, err := db.Exec(ctx,
		`INSERT INTO balances (owner, amount) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (owner) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		owner.Hex(), u64s(amount))
	return mapPgError(err)
}

func debit(ctx context.Context, db execer, owner common.Address, amount uint64) error {
	tag, err := db.Exec(ctx,
		`UPDATE balances SET amount = amount - $2::NUMERIC
		 WHERE owner = $1 AND amount >= $2::NUMERIC`,
		owner.Hex(), u64s(amount))
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return vault.ErrInsufficientFunds
	}
	return nil
}

// --- Atomic writes ---

// Apply runs the whole mutation in one transaction. Every UPDATE and DELETE
// is guarded by the version read by the caller.
func (s *PostgresStore) Apply(ctx context.Context, m *Mutation) error {
	for i, t := range m.Transfers {
		if err := t.Authorize(); err != nil {
			return fmt.Errorf("transfer %d: %w", i, err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if h := m.House; h != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE houses SET
			        total_deposits = $3::NUMERIC, total_withdrawals = $4::NUMERIC,
			        liquidity = $5::NUMERIC, reserved_liquidity = $6::NUMERIC,
			        total_wagered = $7::NUMERIC, total_profit = $8::NUMERIC,
			        claimed_profits = $9::NUMERIC,
			        active_bets = $10, settled_bets = $11, canceled_bets = $12,
			        min_wager = $13::NUMERIC, max_wager = $14::NUMERIC,
			        version = version + 1
			 WHERE id = $1 AND version = $2`,
			h.ID, h.Version,
			u64s(h.TotalDeposits), u64s(h.TotalWithdrawals),
			u64s(h.Liquidity), u64s(h.ReservedLiquidity),
			u64s(h.TotalWagered), u64s(h.TotalProfit),
			u64s(h.ClaimedProfits),
			int64(h.ActiveBets), int64(h.SettledBets), int64(h.CanceledBets),
			u64s(h.MinWager), u64s(h.MaxWager),
		)
		if err := checkUpdate("house", h.ID, tag, err); err != nil {
			return err
		}
	}

	if mk := m.Market; mk != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE markets SET
			        reserved_liquidity = $3::NUMERIC, total_wagered = $4::NUMERIC,
			        active_bets = $5, settled_bets = $6, canceled_bets = $7,
			        version = version + 1
			 WHERE id = $1 AND version = $2`,
			mk.ID, mk.Version,
			u64s(mk.ReservedLiquidity), u64s(mk.TotalWagered),
			int64(mk.ActiveBets), int64(mk.SettledBets), int64(mk.CanceledBets),
		)
		if err := checkUpdate("market", mk.ID, tag, err); err != nil {
			return err
		}
	}

	if b := m.Bet; b != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE bets SET
			        final_payout = $3::NUMERIC, settled_price = $4::NUMERIC,
			        status = $5, settled_at = $6,
			        version = version + 1
			 WHERE id = $1 AND version = $2`,
			b.ID, b.Version,
			u64s(b.FinalPayout), u64s(b.SettledPrice),
			int16(b.Status), b.SettledAt,
		)
		if err := checkUpdate("bet", b.ID, tag, err); err != nil {
			return err
		}
	}

	if b := m.NewBet; b != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO bets (id, market_id, authority,
			        wagered_amount, profit_amount, final_payout,
			        entry_price, settled_price, direction, status,
			        created_at, expires_at, settled_at, version)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
			         $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13, 1)`,
			b.ID, b.MarketID, b.Authority.Hex(),
			u64s(b.WageredAmount), u64s(b.ProfitAmount), u64s(b.FinalPayout),
			u64s(b.EntryPrice), u64s(b.SettledPrice), int16(b.Direction), int16(b.Status),
			b.CreatedAt, b.ExpiresAt, b.SettledAt,
		)
		if err != nil {
			return fmt.Errorf("insert bet %s: %w", b.ID, mapPgError(err))
		}
	}

	if b := m.DeleteBet; b != nil {
		tag, err := tx.Exec(ctx, `DELETE FROM bets WHERE id = $1 AND version = $2`, b.ID, b.Version)
		if err := checkUpdate("bet", b.ID, tag, err); err != nil {
			return err
		}
	}

	for i, t := range m.Transfers {
		if err := debit(ctx, tx, t.From, t.Amount); err != nil {
			return fmt.Errorf("transfer %d from %s: %w", i, t.From.Hex(), err)
		}
		if err := credit(ctx, tx, t.To, t.Amount); err != nil {
			return fmt.Errorf("transfer %d to %s: %w", i, t.To.Hex(), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}

	if m.House != nil {
		m.House.Version++
	}
	if m.Market != nil {
		m.Market.Version++
	}
	if m.Bet != nil {
		m.Bet.Version++
	}
	if m.NewBet != nil {
		m.NewBet.Version = 1
	}
	return nil
}

func checkUpdate(kind, id string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return fmt.Errorf("write %s %s: %w", kind, id, mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrConflict)
	}
	return nil
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

// mapPgError turns the errors callers branch on into store sentinels.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.Detail)
		}
	}
	return err
}

func u64s(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// numerics parses NUMERIC text columns, keeping the first error.
type numerics struct {
	err error
}

func (n *numerics) u64(s string) uint64 {
	if n.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		n.err = fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return v
}
