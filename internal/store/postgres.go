package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agora/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// ApplyTrade runs inside a transaction with the market row locked
// (SELECT ... FOR UPDATE), so concurrent trades on one market serialize at
// the database even across processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// classify maps driver errors onto the store's sentinel taxonomy so callers
// can decide about retries without knowing pgx.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization failure, deadlock
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case "23505": // unique violation
			return fmt.Errorf("%w: %v", ErrUsernameTaken, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.Username, u.Balance.String(), u.CreatedAt,
	)
	return classify(err)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, username, balance::TEXT, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &balance, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get user %s: %w", id, err))
	}

	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (s *PostgresStore) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1`,
		userID, amount.String(),
	)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// --- Markets ---

const marketColumns = `id, question, description, creator_id, oracle_id,
	end_date, closed_at, resolved, outcome,
	q_yes::TEXT, q_no::TEXT, b::TEXT, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var description, oracleID *string
	var qYes, qNo, b string

	err := row.Scan(&m.ID, &m.Question, &description, &m.CreatorID, &oracleID,
		&m.EndDate, &m.ClosedAt, &m.Resolved, &m.Outcome,
		&qYes, &qNo, &b, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	if description != nil {
		m.Description = *description
	}
	if oracleID != nil {
		m.OracleID = *oracleID
	}
	m.QYes, _ = decimal.NewFromString(qYes)
	m.QNo, _ = decimal.NewFromString(qNo)
	m.B, _ = decimal.NewFromString(b)
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	var description, oracleID *string
	if m.Description != "" {
		description = &m.Description
	}
	if m.OracleID != "" {
		oracleID = &m.OracleID
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, question, description, creator_id, oracle_id,
		                      end_date, closed_at, resolved, outcome, q_yes, q_no, b, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13)`,
		m.ID, m.Question, description, m.CreatorID, oracleID,
		m.EndDate, m.ClosedAt, m.Resolved, m.Outcome,
		m.QYes.String(), m.QNo.String(), m.B.String(), m.CreatedAt,
	)
	return classify(err)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get market %s: %w", id, err))
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, classify(err)
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
	return markets, classify(rows.Err())
}

func (s *PostgresStore) CloseMarket(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET closed_at = COALESCE(closed_at, $2) WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMarketNotFound
	}
	return nil
}

// MarkResolved flips the resolved flag with a single-winner guard: the
// WHERE resolved = FALSE condition means exactly one concurrent resolution
// attempt can ever succeed.
func (s *PostgresStore) MarkResolved(ctx context.Context, id string, outcome bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET resolved = TRUE, outcome = $2
		 WHERE id = $1 AND resolved = FALSE`,
		id, outcome,
	)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var resolved bool
	err = s.pool.QueryRow(ctx, `SELECT resolved FROM markets WHERE id = $1`, id).Scan(&resolved)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMarketNotFound
	}
	if err != nil {
		return classify(err)
	}
	return model.ErrAlreadyResolved
}

// --- Positions ---

const positionColumns = `id, user_id, market_id, side,
	shares::TEXT, avg_price::TEXT, created_at, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var side, shares, avgPrice string

	err := row.Scan(&p.ID, &p.UserID, &p.MarketID, &side,
		&shares, &avgPrice, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Side = model.Side(side)
	p.Shares, _ = decimal.NewFromString(shares)
	p.AvgPrice, _ = decimal.NewFromString(avgPrice)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string, side model.Side) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND side = $3`,
		userID, marketID, string(side)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return p, nil
}

func (s *PostgresStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND shares > 0 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

func (s *PostgresStore) GetMarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE market_id = $1 AND shares > 0`, marketID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, classify(rows.Err())
}

// --- Price history ---

const snapshotColumns = `id, market_id,
	yes_probability::TEXT, no_probability::TEXT, q_yes::TEXT, q_no::TEXT, created_at`

func scanSnapshot(row pgx.Row) (*model.PriceSnapshot, error) {
	var ps model.PriceSnapshot
	var yes, no, qYes, qNo string

	err := row.Scan(&ps.ID, &ps.MarketID, &yes, &no, &qYes, &qNo, &ps.CreatedAt)
	if err != nil {
		return nil, err
	}

	ps.YesProbability, _ = decimal.NewFromString(yes)
	ps.NoProbability, _ = decimal.NewFromString(no)
	ps.QYes, _ = decimal.NewFromString(qYes)
	ps.QNo, _ = decimal.NewFromString(qNo)
	return &ps, nil
}

func (s *PostgresStore) GetPriceHistory(ctx context.Context, marketID string, limit int) ([]model.PriceSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM price_snapshots
	          WHERE market_id = $1 ORDER BY created_at ASC`
	args := []any{marketID}
	if limit > 0 {
		// Most recent `limit` snapshots, returned ascending.
		query = `SELECT ` + snapshotColumns + ` FROM (
		           SELECT ` + snapshotColumns + ` FROM price_snapshots
		           WHERE market_id = $1 ORDER BY created_at DESC LIMIT $2
		         ) recent ORDER BY created_at ASC`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var snapshots []model.PriceSnapshot
	for rows.Next() {
		ps, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *ps)
	}
	return snapshots, classify(rows.Err())
}

// --- Trade execution ---

// ApplyTrade commits one trade's mutations in a single transaction. The
// market row is locked first so concurrent trades on the same market cannot
// interleave their read-modify-write of the outstanding share counters.
func (s *PostgresStore) ApplyTrade(ctx context.Context, t *TradeMutation) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT TRUE FROM markets WHERE id = $1 FOR UPDATE`, t.MarketID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMarketNotFound
	}
	if err != nil {
		return classify(err)
	}

	// Conditional balance update: a debit that would go negative affects
	// zero rows and aborts the whole trade.
	tag, err := tx.Exec(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC
		 WHERE id = $1 AND balance + $2::NUMERIC >= 0`,
		t.UserID, t.BalanceDelta.String(),
	)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		var userExists bool
		if err := tx.QueryRow(ctx,
			`SELECT TRUE FROM users WHERE id = $1`, t.UserID).Scan(&userExists); errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx,
		`UPDATE markets SET q_yes = $2::NUMERIC, q_no = $3::NUMERIC WHERE id = $1`,
		t.MarketID, t.NewQYes.String(), t.NewQNo.String(),
	)
	if err != nil {
		return classify(err)
	}

	ps := t.Snapshot
	_, err = tx.Exec(ctx,
		`INSERT INTO price_snapshots (id, market_id, yes_probability, no_probability, q_yes, q_no, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		ps.ID, ps.MarketID,
		ps.YesProbability.String(), ps.NoProbability.String(),
		ps.QYes.String(), ps.QNo.String(), ps.CreatedAt,
	)
	if err != nil {
		return classify(err)
	}

	p := t.Position
	_, err = tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, market_id, side, shares, avg_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (user_id, market_id, side)
		 DO UPDATE SET shares = EXCLUDED.shares,
		               avg_price = EXCLUDED.avg_price,
		               updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.MarketID, string(p.Side),
		p.Shares.String(), p.AvgPrice.String(), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return classify(err)
	}

	return classify(tx.Commit(ctx))
}
