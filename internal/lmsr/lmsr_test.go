package lmsr

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/agora/market-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Constructor tests ---

func TestNewMarketMaker_Valid(t *testing.T) {
	mm, err := NewMarketMaker(d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mm.B().Equal(d(100)) {
		t.Errorf("expected b=100, got %s", mm.B())
	}
}

func TestNewMarketMaker_ZeroB(t *testing.T) {
	_, err := NewMarketMaker(d(0))
	if !errors.Is(err, ErrInvalidLiquidity) {
		t.Errorf("expected ErrInvalidLiquidity for b=0, got %v", err)
	}
}

func TestNewMarketMaker_NegativeB(t *testing.T) {
	_, err := NewMarketMaker(d(-50))
	if !errors.Is(err, ErrInvalidLiquidity) {
		t.Errorf("expected ErrInvalidLiquidity for b=-50, got %v", err)
	}
}

// --- Probability tests ---

func TestImpliedProbability_InitiallyFiftyFifty(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	p := mm.ImpliedProbability(d(0), d(0))
	if !p.Equal(d(0.5)) {
		t.Errorf("expected initial probability 0.5, got %s", p)
	}
}

func TestImpliedProbability_BuyingYesIncreasesIt(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	before := mm.ImpliedProbability(d(0), d(0))
	after := mm.ImpliedProbability(d(10), d(0))
	if after.LessThanOrEqual(before) {
		t.Errorf("buying YES should increase probability: before=%s after=%s",
			before, after)
	}
}

func TestImpliedProbability_BuyingNoDecreasesIt(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	before := mm.ImpliedProbability(d(0), d(0))
	after := mm.ImpliedProbability(d(0), d(10))
	if after.GreaterThanOrEqual(before) {
		t.Errorf("buying NO should decrease YES probability: before=%s after=%s",
			before, after)
	}
}

func TestInstantaneousPrice_SumsToOne(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	one := decimal.NewFromInt(1)
	tolerance := d(0.000000001)

	tests := []struct {
		qYes, qNo float64
	}{
		{0, 0},
		{10, 0},
		{0, 10},
		{30, 10},
		{100, 200},
		{500, 100},
	}
	for _, tt := range tests {
		pYes := mm.InstantaneousPrice(d(tt.qYes), d(tt.qNo), model.SideYes)
		pNo := mm.InstantaneousPrice(d(tt.qYes), d(tt.qNo), model.SideNo)
		sum := pYes.Add(pNo)
		if sum.Sub(one).Abs().GreaterThan(tolerance) {
			t.Errorf("prices should sum to 1: pYes=%s pNo=%s sum=%s (q=%.0f,%.0f)",
				pYes, pNo, sum, tt.qYes, tt.qNo)
		}
	}
}

func TestImpliedProbability_ExtremeQuantities_NoPanic(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))

	tests := []struct {
		name      string
		qYes, qNo float64
	}{
		{"very large YES", 100000, 0},
		{"very large NO", 0, 100000},
		{"both large equal", 100000, 100000},
		{"large asymmetric", 100000, 50000},
		{"overflow-scale values", 1e15, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Should not panic or produce values outside [0, 1].
			p := mm.ImpliedProbability(d(tt.qYes), d(tt.qNo))
			if p.LessThan(decimal.Zero) || p.GreaterThan(decimal.NewFromInt(1)) {
				t.Errorf("probability out of [0,1]: %s", p)
			}
		})
	}
}

// --- Buy cost tests ---

func TestBuyCost_Positive(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	cost, err := mm.BuyCost(d(0), d(0), d(10), model.SideYes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cost.LessThanOrEqual(decimal.Zero) {
		t.Errorf("buying YES should cost a positive amount, got %s", cost)
	}
}

func TestBuyCost_SymmetricAtOrigin(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	// Buying 10 NO from (0,0) costs the same as buying 10 YES from (0,0)
	// because LMSR is symmetric at the origin.
	costYes, _ := mm.BuyCost(d(0), d(0), d(10), model.SideYes)
	costNo, _ := mm.BuyCost(d(0), d(0), d(10), model.SideNo)
	if !costYes.Equal(costNo) {
		t.Errorf("expected symmetric cost at origin: YES=%s NO=%s", costYes, costNo)
	}
}

func TestBuyCost_RejectsNonPositiveShares(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	if _, err := mm.BuyCost(d(0), d(0), d(0), model.SideYes); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero shares, got %v", err)
	}
	if _, err := mm.BuyCost(d(0), d(0), d(-5), model.SideYes); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative shares, got %v", err)
	}
}

func TestBuyCost_PathIndependence(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	tolerance := d(0.0000001)

	// Buy 10, then buy 5 more should cost the same as buying 15 at once.
	cost1, _ := mm.BuyCost(d(0), d(0), d(10), model.SideYes)
	cost2, _ := mm.BuyCost(d(10), d(0), d(5), model.SideYes)
	sequential := cost1.Add(cost2)

	direct, _ := mm.BuyCost(d(0), d(0), d(15), model.SideYes)

	if sequential.Sub(direct).Abs().GreaterThan(tolerance) {
		t.Errorf("LMSR should be path-independent: sequential=%s direct=%s",
			sequential, direct)
	}
}

func TestBuyCost_Convexity(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	// Second 10 shares should cost more than the first 10 (convex cost).
	cost1, _ := mm.BuyCost(d(0), d(0), d(10), model.SideYes)
	cost2, _ := mm.BuyCost(d(10), d(0), d(10), model.SideYes)
	if cost2.LessThanOrEqual(cost1) {
		t.Errorf("second batch should cost more (convexity): first=%s second=%s",
			cost1, cost2)
	}
}

func TestBuyCost_HugeOrderStaysFinite(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	// 1000 shares at b=100 pushes q/b to 10; naive exp math survives this,
	// but the cost must stay finite and positive all the same.
	cost, err := mm.BuyCost(d(0), d(0), d(1000), model.SideYes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cost.LessThanOrEqual(decimal.Zero) {
		t.Errorf("expected positive finite cost, got %s", cost)
	}
	// The cost of N shares can never exceed N (each share pays at most $1).
	if cost.GreaterThan(d(1000)) {
		t.Errorf("cost %s exceeds maximum possible payout 1000", cost)
	}
}

// --- Sell proceeds tests ---

func TestSellProceeds_RoundTrip(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	tolerance := d(0.000001)

	// Buying then selling the same shares returns the same amount.
	cost, _ := mm.BuyCost(d(0), d(0), d(10), model.SideYes)
	proceeds, err := mm.SellProceeds(d(10), d(0), d(10), model.SideYes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cost.Sub(proceeds).Abs().GreaterThan(tolerance) {
		t.Errorf("buy/sell round trip should net zero: cost=%s proceeds=%s",
			cost, proceeds)
	}
}

func TestSellProceeds_SellAllRefundsBothBuys(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	tolerance := d(0.000001)

	cost1, _ := mm.BuyCost(d(0), d(0), d(10), model.SideYes)
	cost2, _ := mm.BuyCost(d(10), d(0), d(10), model.SideYes)
	proceeds, _ := mm.SellProceeds(d(20), d(0), d(20), model.SideYes)

	total := cost1.Add(cost2)
	if proceeds.Sub(total).Abs().GreaterThan(tolerance) {
		t.Errorf("selling all should refund both buys: proceeds=%s total=%s",
			proceeds, total)
	}
}

func TestSellProceeds_ExceedsOutstanding(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	_, err := mm.SellProceeds(d(5), d(0), d(10), model.SideYes)
	if !errors.Is(err, ErrInsufficientSupply) {
		t.Errorf("expected ErrInsufficientSupply, got %v", err)
	}
}

func TestSellProceeds_RejectsNonPositiveShares(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	_, err := mm.SellProceeds(d(10), d(0), d(0), model.SideYes)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero shares, got %v", err)
	}
}

// --- Bounded loss test ---

func TestMaxLoss_Bounded(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	maxLoss := mm.MaxLoss()

	// After traders push qYes very high, the market maker's loss is bounded.
	// Scenario: traders buy 10000 YES shares, YES wins (payout = 10000).
	traderPaid, _ := mm.BuyCost(d(0), d(0), d(10000), model.SideYes)
	mmLoss := decimal.NewFromInt(10000).Sub(traderPaid)

	if mmLoss.GreaterThan(maxLoss) {
		t.Errorf("market maker loss %s exceeds theoretical bound %s", mmLoss, maxLoss)
	}
}

// --- Internal logSumExp tests ---

func TestLogSumExp_NoOverflow(t *testing.T) {
	// Values that would overflow naive exp().
	result := logSumExp([]float64{1000, 1001})
	if math.IsNaN(result) || math.IsInf(result, 1) {
		t.Errorf("logSumExp should not overflow: got %f", result)
	}
	if result < 1000 || result > 1002 {
		t.Errorf("logSumExp(1000,1001) should be in [1000,1002], got %f", result)
	}
}

func TestLogSumExp_Empty(t *testing.T) {
	result := logSumExp(nil)
	if !math.IsInf(result, -1) {
		t.Errorf("expected -Inf for empty input, got %f", result)
	}
}

func TestLogSumExp_SingleValue(t *testing.T) {
	result := logSumExp([]float64{5.0})
	if math.Abs(result-5.0) > 1e-10 {
		t.Errorf("logSumExp([5]) should be 5, got %f", result)
	}
}

func TestLogSumExp_EqualValues(t *testing.T) {
	// ln(n * exp(x)) = x + ln(n)
	result := logSumExp([]float64{3, 3})
	expected := 3.0 + math.Log(2)
	if math.Abs(result-expected) > 1e-10 {
		t.Errorf("logSumExp([3,3]) should be %f, got %f", expected, result)
	}
}
