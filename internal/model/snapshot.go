package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSnapshot is an immutable record of the implied probability after a
// trade, kept for charting. Once written it is never updated or deleted;
// history queries order by creation time ascending.
type PriceSnapshot struct {
	ID             string          `json:"id" db:"id"`
	MarketID       string          `json:"market_id" db:"market_id"`
	YesProbability decimal.Decimal `json:"yes_probability" db:"yes_probability"`
	NoProbability  decimal.Decimal `json:"no_probability" db:"no_probability"`
	QYes           decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo            decimal.Decimal `json:"q_no" db:"q_no"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
