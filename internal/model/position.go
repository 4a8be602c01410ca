package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInsufficientShares is returned when removing more shares than held.
var ErrInsufficientShares = errors.New("model: insufficient shares to sell")

// Position is a user's holding on one side of one market. At most one
// position exists per (user, market, side); it is created lazily on the
// first trade and kept around at zero shares to preserve cost-basis history.
type Position struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      Side            `json:"side" db:"side"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"` // cost basis per share, in [0,1]
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// AddShares increases the holding and recomputes the average entry price as
// a weighted mean of the old basis and the new fill price.
func (p *Position) AddShares(shares, price decimal.Decimal, now time.Time) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return
	}
	totalCost := p.Shares.Mul(p.AvgPrice).Add(shares.Mul(price))
	p.Shares = p.Shares.Add(shares)
	if p.Shares.IsPositive() {
		p.AvgPrice = totalCost.Div(p.Shares)
	} else {
		p.AvgPrice = decimal.Zero
	}
	p.UpdatedAt = now
}

// RemoveShares decreases the holding. The average price is untouched: it
// reflects historical cost basis, not realized price. Selling the full
// holding is allowed; shares never go negative.
func (p *Position) RemoveShares(shares decimal.Decimal, now time.Time) error {
	if shares.GreaterThan(p.Shares) {
		return ErrInsufficientShares
	}
	p.Shares = p.Shares.Sub(shares)
	p.UpdatedAt = now
	return nil
}

// PayoutIfWins is the settlement credit if the market resolves in this
// position's favor: $1 per share.
func (p *Position) PayoutIfWins() decimal.Decimal {
	return p.Shares
}

// ValueAtPrice marks the holding to the given per-share price.
func (p *Position) ValueAtPrice(price decimal.Decimal) decimal.Decimal {
	return p.Shares.Mul(price)
}

// ProfitLoss is the unrealized P&L against the average entry price.
func (p *Position) ProfitLoss(price decimal.Decimal) decimal.Decimal {
	return p.Shares.Mul(price.Sub(p.AvgPrice))
}
