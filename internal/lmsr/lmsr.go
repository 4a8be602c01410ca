// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/agora/market-engine/internal/model"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrInvalidAmount is returned when a trade's share count is not positive.
	ErrInvalidAmount = errors.New("lmsr: shares must be positive")

	// ErrInsufficientSupply is returned when a sell exceeds the market's
	// outstanding shares on that side. This guards the market aggregate
	// only; per-user holdings are the trade coordinator's responsibility.
	ErrInsufficientSupply = errors.New("lmsr: not enough outstanding shares to sell")

	// ErrComputation is returned when the cost function produces a negative
	// delta, which is mathematically impossible for valid inputs and
	// indicates a floating-point anomaly.
	ErrComputation = errors.New("lmsr: calculation produced a negative result")
)

// PriceScale is the number of decimal places for price/cost rounding.
const PriceScale int32 = 8

// MarketMaker implements the LMSR cost function for binary outcome markets.
// It is stateless — outstanding share counts are passed as arguments.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates an LMSR market maker with liquidity parameter b.
// Higher b → more liquidity, lower price impact per trade. Maximum
// market-maker loss is bounded by b * ln(2) for binary markets.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(e^(qYes/b) + e^(qNo/b))
//
// Uses logSumExp internally for numerical stability.
func (m *MarketMaker) Cost(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	qy := qYes.InexactFloat64()
	qn := qNo.InexactFloat64()

	lse := logSumExp([]float64{qy / bf, qn / bf})
	return decimal.NewFromFloat(bf * lse).Round(PriceScale)
}

// BuyCost returns the cost to buy the given number of shares on one side:
// C(after) - C(before), where after adds shares to that side's outstanding
// count. The cost function is strictly increasing in each argument, so the
// result is positive for any valid input.
func (m *MarketMaker) BuyCost(qYes, qNo, shares decimal.Decimal, side model.Side) (decimal.Decimal, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}

	before := m.Cost(qYes, qNo)
	var after decimal.Decimal
	if side == model.SideYes {
		after = m.Cost(qYes.Add(shares), qNo)
	} else {
		after = m.Cost(qYes, qNo.Add(shares))
	}

	cost := after.Sub(before)
	if cost.IsNegative() {
		return decimal.Zero, ErrComputation
	}
	return cost, nil
}

// SellProceeds returns the payout for selling shares back to the market
// maker: C(before) - C(after), where after subtracts shares from that
// side's outstanding count. Fails with ErrInsufficientSupply if the sell
// exceeds the side's outstanding shares, keeping q_yes and q_no
// non-negative.
func (m *MarketMaker) SellProceeds(qYes, qNo, shares decimal.Decimal, side model.Side) (decimal.Decimal, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}

	outstanding := qYes
	if side == model.SideNo {
		outstanding = qNo
	}
	if shares.GreaterThan(outstanding) {
		return decimal.Zero, ErrInsufficientSupply
	}

	before := m.Cost(qYes, qNo)
	var after decimal.Decimal
	if side == model.SideYes {
		after = m.Cost(qYes.Sub(shares), qNo)
	} else {
		after = m.Cost(qYes, qNo.Sub(shares))
	}

	proceeds := before.Sub(after)
	if proceeds.IsNegative() {
		return decimal.Zero, ErrComputation
	}
	return proceeds, nil
}

// ImpliedProbability computes the market's implied probability of YES:
//
//	p_yes = exp(qYes/b) / (exp(qYes/b) + exp(qNo/b))
//
// This is the softmax function; max-subtraction keeps it stable for large
// q/b. Defined even at qYes = qNo = 0, where it returns 0.5.
func (m *MarketMaker) ImpliedProbability(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	yOverB := qYes.InexactFloat64() / bf
	nOverB := qNo.InexactFloat64() / bf
	maxVal := math.Max(yOverB, nOverB)

	expYes := math.Exp(yOverB - maxVal)
	expNo := math.Exp(nOverB - maxVal)

	return decimal.NewFromFloat(expYes / (expYes + expNo)).Round(PriceScale)
}

// InstantaneousPrice is the marginal price for one more share of the given
// side: the implied probability for YES, its complement for NO.
func (m *MarketMaker) InstantaneousPrice(qYes, qNo decimal.Decimal, side model.Side) decimal.Decimal {
	p := m.ImpliedProbability(qYes, qNo)
	if side == model.SideYes {
		return p
	}
	return decimal.NewFromInt(1).Sub(p)
}

// MaxLoss returns the maximum possible loss for the market maker: b * ln(2)
// for binary markets.
func (m *MarketMaker) MaxLoss() decimal.Decimal {
	return decimal.NewFromFloat(m.b.InexactFloat64() * math.Log(2)).Round(PriceScale)
}
