package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the balance-bearing account record the trading core debits and
// credits. Authentication lives outside this service; the core only needs
// identity and a non-negative cash balance.
type User struct {
	ID        string          `json:"id" db:"id"`
	Username  string          `json:"username" db:"username"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// CanAfford reports whether the balance covers the given debit.
func (u *User) CanAfford(amount decimal.Decimal) bool {
	return u.Balance.GreaterThanOrEqual(amount)
}
