// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agora/market-engine/internal/model"
)

var (
	// ErrMarketNotFound is returned when a market ID does not exist.
	ErrMarketNotFound = errors.New("store: market not found")

	// ErrUserNotFound is returned when a user ID does not exist.
	ErrUserNotFound = errors.New("store: user not found")

	// ErrPositionNotFound is returned when no position exists for a
	// (user, market, side) tuple.
	ErrPositionNotFound = errors.New("store: position not found")

	// ErrUsernameTaken is returned when creating a user with a duplicate name.
	ErrUsernameTaken = errors.New("store: username already exists")

	// ErrInsufficientBalance is returned when a conditional debit would
	// push a balance negative. The debit is not applied.
	ErrInsufficientBalance = errors.New("store: insufficient balance")

	// ErrConflict is returned when a concurrent update to the same record
	// was detected. Callers may retry the whole read-compute-apply cycle.
	ErrConflict = errors.New("store: concurrent update conflict")

	// ErrUnavailable is returned for transient infrastructure failures
	// (timeouts, lost connections). Callers may retry with backoff.
	ErrUnavailable = errors.New("store: temporarily unavailable")
)

// TradeMutation is the full set of state changes produced by one buy or
// sell. ApplyTrade commits all of them in a single transaction — a partial
// commit (balance debited but shares not updated) is a fund-losing bug and
// must be impossible.
type TradeMutation struct {
	MarketID string
	UserID   string

	// BalanceDelta is applied to the user's balance: negative for a buy
	// (debit), positive for a sell (credit). Debits are conditional on the
	// balance staying non-negative.
	BalanceDelta decimal.Decimal

	// NewQYes/NewQNo are the market's post-trade outstanding share counts.
	NewQYes decimal.Decimal
	NewQNo  decimal.Decimal

	// Snapshot is appended to the price history.
	Snapshot model.PriceSnapshot

	// Position is the post-trade state of the user's position, upserted
	// on (user, market, side).
	Position model.Position
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user with its starting balance.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// CreditBalance atomically adds amount to a user's balance. Used by
	// settlement; each credit is its own atomic update.
	CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) error

	// --- Markets ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// CloseMarket sets the explicit close time. Idempotent.
	CloseMarket(ctx context.Context, id string, at time.Time) error

	// MarkResolved flips the resolved flag and records the outcome,
	// conditioned on the market not being resolved yet. Exactly one
	// resolution ever succeeds; a second attempt returns
	// model.ErrAlreadyResolved.
	MarkResolved(ctx context.Context, id string, outcome bool) error

	// --- Positions ---

	// GetPosition retrieves the position for a (user, market, side) tuple,
	// including zero-share positions.
	GetPosition(ctx context.Context, userID, marketID string, side model.Side) (*model.Position, error)

	// GetUserPositions returns a user's holdings (shares > 0 only),
	// most recently updated first.
	GetUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// GetMarketPositions returns all positions with shares > 0 for a
	// market. Used by settlement.
	GetMarketPositions(ctx context.Context, marketID string) ([]model.Position, error)

	// --- Price history ---

	// GetPriceHistory returns snapshots for a market ascending by creation
	// time. limit <= 0 returns the full history; otherwise the most recent
	// limit snapshots (still ascending).
	GetPriceHistory(ctx context.Context, marketID string, limit int) ([]model.PriceSnapshot, error)

	// --- Trade execution ---

	// ApplyTrade commits every mutation of one trade atomically.
	ApplyTrade(ctx context.Context, t *TradeMutation) error
}
