package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrAlreadyResolved is returned when resolving a market twice.
	ErrAlreadyResolved = errors.New("model: market already resolved")

	// ErrNotYetClosed is returned when resolving a market that is still
	// open for trading.
	ErrNotYetClosed = errors.New("model: market is not closed yet")
)

// MarketStatus is the lifecycle state of a market.
// Transitions: Active → Closed (end date passes, or explicit close) →
// Resolved (exactly once, oracle only).
type MarketStatus string

const (
	StatusActive   MarketStatus = "active"
	StatusClosed   MarketStatus = "closed"
	StatusResolved MarketStatus = "resolved"
)

// Market is the state of a binary prediction market priced by LMSR.
// QYes/QNo are the outstanding share counts per side and B is the LMSR
// liquidity parameter; all three stay non-negative (B strictly positive)
// for the market's entire life.
type Market struct {
	ID          string          `json:"id" db:"id"`
	Question    string          `json:"question" db:"question"`
	Description string          `json:"description,omitempty" db:"description"`
	CreatorID   string          `json:"creator_id" db:"creator_id"`
	OracleID    string          `json:"oracle_id,omitempty" db:"oracle_id"` // empty → creator
	EndDate     time.Time       `json:"end_date" db:"end_date"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	Resolved    bool            `json:"resolved" db:"resolved"`
	Outcome     *bool           `json:"outcome,omitempty" db:"outcome"`
	QYes        decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo         decimal.Decimal `json:"q_no" db:"q_no"`
	B           decimal.Decimal `json:"b" db:"b"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// EffectiveOracle returns the user allowed to resolve this market.
// Defaults to the creator when no oracle was designated.
func (m *Market) EffectiveOracle() string {
	if m.OracleID != "" {
		return m.OracleID
	}
	return m.CreatorID
}

// IsClosed reports whether the market has stopped trading, either by an
// explicit close or by its end date passing.
func (m *Market) IsClosed(now time.Time) bool {
	return m.ClosedAt != nil || now.After(m.EndDate)
}

// Status returns the lifecycle state at the given instant.
func (m *Market) Status(now time.Time) MarketStatus {
	switch {
	case m.Resolved:
		return StatusResolved
	case m.IsClosed(now):
		return StatusClosed
	default:
		return StatusActive
	}
}

// CanTrade reports whether buys and sells are accepted.
func (m *Market) CanTrade(now time.Time) bool {
	return m.Status(now) == StatusActive
}

// CanResolveBy reports whether userID may resolve the market: it must be
// closed, not yet resolved, and userID must be the effective oracle.
func (m *Market) CanResolveBy(userID string, now time.Time) bool {
	return !m.Resolved && m.Status(now) == StatusClosed && m.EffectiveOracle() == userID
}

// Close marks the market explicitly closed. Idempotent.
func (m *Market) Close(now time.Time) {
	if m.ClosedAt == nil {
		t := now
		m.ClosedAt = &t
	}
}

// Resolve transitions the market to Resolved with the given outcome.
// The caller must apply this mutation under the store's single-winner
// guarantee; concurrent resolution attempts must not both succeed.
func (m *Market) Resolve(outcome bool, now time.Time) error {
	if m.Resolved {
		return ErrAlreadyResolved
	}
	if m.Status(now) != StatusClosed {
		return ErrNotYetClosed
	}
	m.Resolved = true
	m.Outcome = &outcome
	return nil
}
