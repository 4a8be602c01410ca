// Package trade provides the business logic and HTTP handlers for
// creating markets, executing trades, and resolving outcomes.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agora/market-engine/internal/lmsr"
	"github.com/agora/market-engine/internal/metrics"
	"github.com/agora/market-engine/internal/model"
	"github.com/agora/market-engine/internal/store"
)

var (
	// ErrMarketClosed is returned when trading on a closed or resolved market.
	ErrMarketClosed = errors.New("trade: market is not open for trading")

	// ErrUnauthorized is returned when a non-oracle user attempts to resolve
	// a market, or a non-creator attempts to close one.
	ErrUnauthorized = errors.New("trade: user is not authorized for this action")

	// ErrQuestionRequired is returned when creating a market with an empty
	// question.
	ErrQuestionRequired = errors.New("trade: question is required")

	// ErrEndDateInPast is returned when a market's end date is not in the
	// future.
	ErrEndDateInPast = errors.New("trade: end date must be in the future")

	// ErrUsernameRequired is returned when creating a user with an empty
	// username.
	ErrUsernameRequired = errors.New("trade: username is required")
)

// Config holds the service's tunables. Zero values fall back to defaults.
type Config struct {
	DefaultLiquidity decimal.Decimal // LMSR b when market creation omits it
	StartingBalance  decimal.Decimal // balance granted to new users
	MaxRetries       int             // retries on store conflicts
	RetryBackoff     time.Duration   // initial backoff, doubled per retry
}

// Service coordinates market operations. Trades on the same market are
// serialized by a per-market mutex (single-instance); the store's atomic
// ApplyTrade and conditional updates backstop correctness if a second
// instance is ever pointed at the same database.
type Service struct {
	store            store.Store
	locks            *marketLocks
	defaultLiquidity decimal.Decimal
	startingBalance  decimal.Decimal
	maxRetries       int
	retryBackoff     time.Duration
	wsHub            *WSHub // optional WebSocket hub for real-time broadcasts

	now func() time.Time // injectable for tests
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, hub *WSHub, cfg Config) *Service {
	if cfg.DefaultLiquidity.LessThanOrEqual(decimal.Zero) {
		cfg.DefaultLiquidity = decimal.NewFromInt(100)
	}
	if cfg.StartingBalance.LessThanOrEqual(decimal.Zero) {
		cfg.StartingBalance = decimal.NewFromInt(1000)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	return &Service{
		store:            st,
		locks:            newMarketLocks(),
		defaultLiquidity: cfg.DefaultLiquidity,
		startingBalance:  cfg.StartingBalance,
		maxRetries:       cfg.MaxRetries,
		retryBackoff:     cfg.RetryBackoff,
		wsHub:            hub,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// withRetry runs fn, retrying with doubling backoff when the store reports
// a transient conflict or unavailability. Every other error is final.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	backoff := s.retryBackoff
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = fn()
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// --- Users ---

// CreateUser registers a new user with the configured starting balance.
func (s *Service) CreateUser(ctx context.Context, username string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrUsernameRequired
	}

	user := &model.User{
		ID:        uuid.New().String(),
		Username:  username,
		Balance:   s.startingBalance,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	slog.Info("user created", "id", user.ID, "username", username)
	return user, nil
}

// GetUser retrieves a user by ID.
func (s *Service) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.store.GetUser(ctx, id)
}

// --- Markets ---

// CreateMarketParams are the inputs for market creation.
type CreateMarketParams struct {
	Question    string
	Description string
	CreatorID   string
	OracleID    string // empty → creator acts as oracle
	EndDate     time.Time
	Liquidity   decimal.Decimal // zero → default
}

// MarketView is a market plus its derived prices and lifecycle status.
type MarketView struct {
	model.Market
	Status         model.MarketStatus `json:"status"`
	YesProbability decimal.Decimal    `json:"yes_probability"`
	NoProbability  decimal.Decimal    `json:"no_probability"`
}

// CreateMarket creates a new market with zero outstanding shares on both
// sides, so the opening implied probability is exactly 0.5.
func (s *Service) CreateMarket(ctx context.Context, p CreateMarketParams) (*model.Market, error) {
	if strings.TrimSpace(p.Question) == "" {
		return nil, ErrQuestionRequired
	}

	now := s.now()
	if !p.EndDate.After(now) {
		return nil, ErrEndDateInPast
	}

	b := p.Liquidity
	if b.IsZero() {
		b = s.defaultLiquidity
	}
	if _, err := lmsr.NewMarketMaker(b); err != nil {
		return nil, err
	}

	if _, err := s.store.GetUser(ctx, p.CreatorID); err != nil {
		return nil, err
	}
	if p.OracleID != "" && p.OracleID != p.CreatorID {
		if _, err := s.store.GetUser(ctx, p.OracleID); err != nil {
			return nil, err
		}
	}

	market := &model.Market{
		ID:          uuid.New().String(),
		Question:    strings.TrimSpace(p.Question),
		Description: p.Description,
		CreatorID:   p.CreatorID,
		OracleID:    p.OracleID,
		EndDate:     p.EndDate.UTC(),
		QYes:        decimal.Zero,
		QNo:         decimal.Zero,
		B:           b,
		CreatedAt:   now,
	}
	if err := s.store.CreateMarket(ctx, market); err != nil {
		return nil, err
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market created",
		"id", market.ID,
		"question", market.Question,
		"creator", p.CreatorID,
		"end_date", market.EndDate,
		"b", b.String(),
	)
	return market, nil
}

// GetMarketView returns a market with prices and status attached.
func (s *Service) GetMarketView(ctx context.Context, id string) (*MarketView, error) {
	market, err := s.store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	view := s.marketView(*market)
	return &view, nil
}

// ListMarkets returns all markets, newest first, with derived prices.
func (s *Service) ListMarkets(ctx context.Context) ([]MarketView, error) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, s.marketView(m))
	}
	return views, nil
}

func (s *Service) marketView(m model.Market) MarketView {
	view := MarketView{
		Market:         m,
		Status:         m.Status(s.now()),
		YesProbability: decimal.NewFromFloat(0.5),
		NoProbability:  decimal.NewFromFloat(0.5),
	}
	if mm, err := lmsr.NewMarketMaker(m.B); err == nil {
		p := mm.ImpliedProbability(m.QYes, m.QNo)
		view.YesProbability = p
		view.NoProbability = decimal.NewFromInt(1).Sub(p)
	}
	return view
}

// CloseMarket stops trading before the end date. Only the creator may close.
// Closing an already-closed market is a no-op.
func (s *Service) CloseMarket(ctx context.Context, marketID, requesterID string) (*model.Market, error) {
	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if market.Resolved {
		return nil, model.ErrAlreadyResolved
	}
	if market.CreatorID != requesterID {
		return nil, ErrUnauthorized
	}

	now := s.now()
	if err := s.store.CloseMarket(ctx, marketID, now); err != nil {
		return nil, err
	}
	market.Close(now)

	slog.Info("market closed", "id", marketID, "by", requesterID)
	return market, nil
}

// --- Quotes ---

// Quote is a read-only cost preview. It takes no locks and mutates nothing;
// the quoted cost is only guaranteed if no trade lands in between.
type Quote struct {
	MarketID        string          `json:"market_id"`
	Side            model.Side      `json:"side"`
	Shares          decimal.Decimal `json:"shares"`
	Cost            decimal.Decimal `json:"cost"`
	AvgPricePaid    decimal.Decimal `json:"avg_price_paid"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	PotentialProfit decimal.Decimal `json:"potential_profit"`
}

// QuoteBuy prices a prospective buy without executing it.
func (s *Service) QuoteBuy(ctx context.Context, marketID string, shares decimal.Decimal, side model.Side) (*Quote, error) {
	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if !market.CanTrade(s.now()) {
		return nil, ErrMarketClosed
	}

	mm, err := lmsr.NewMarketMaker(market.B)
	if err != nil {
		return nil, err
	}
	cost, err := mm.BuyCost(market.QYes, market.QNo, shares, side)
	if err != nil {
		return nil, err
	}

	// Winning shares pay $1 each at settlement.
	payout := shares
	return &Quote{
		MarketID:        marketID,
		Side:            side,
		Shares:          shares,
		Cost:            cost,
		AvgPricePaid:    cost.Div(shares).Round(lmsr.PriceScale),
		PotentialPayout: payout,
		PotentialProfit: payout.Sub(cost),
	}, nil
}

// --- Trade execution ---

// TradeResult is the outcome of an executed buy or sell.
type TradeResult struct {
	MarketID       string          `json:"market_id"`
	UserID         string          `json:"user_id"`
	Side           model.Side      `json:"side"`
	Shares         decimal.Decimal `json:"shares"`
	Cost           decimal.Decimal `json:"cost,omitempty"`     // buys
	Proceeds       decimal.Decimal `json:"proceeds,omitempty"` // sells
	NewBalance     decimal.Decimal `json:"new_balance"`
	YesProbability decimal.Decimal `json:"yes_probability"`
	NoProbability  decimal.Decimal `json:"no_probability"`
	Position       model.Position  `json:"position"`
}

// ExecuteBuy purchases shares on one side of a market. The user's balance,
// the market's outstanding shares, the price history, and the user's
// position all change in a single atomic store mutation; on any validation
// failure nothing changes.
func (s *Service) ExecuteBuy(ctx context.Context, marketID, userID string, shares decimal.Decimal, side model.Side) (*TradeResult, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil, lmsr.ErrInvalidAmount
	}

	start := time.Now()
	mu := s.locks.get(marketID)
	mu.Lock()
	defer mu.Unlock()

	var result *TradeResult
	err := s.withRetry(ctx, func() error {
		market, err := s.store.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		now := s.now()
		if !market.CanTrade(now) {
			return ErrMarketClosed
		}

		mm, err := lmsr.NewMarketMaker(market.B)
		if err != nil {
			return err
		}
		cost, err := mm.BuyCost(market.QYes, market.QNo, shares, side)
		if err != nil {
			return err
		}

		user, err := s.store.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if !user.CanAfford(cost) {
			return store.ErrInsufficientBalance
		}

		pos, err := s.positionFor(ctx, userID, marketID, side, now)
		if err != nil {
			return err
		}
		pos.AddShares(shares, cost.Div(shares), now)

		newQYes, newQNo := market.QYes, market.QNo
		if side == model.SideYes {
			newQYes = newQYes.Add(shares)
		} else {
			newQNo = newQNo.Add(shares)
		}
		snapshot := s.snapshotFor(mm, marketID, newQYes, newQNo, now)

		if err := s.store.ApplyTrade(ctx, &store.TradeMutation{
			MarketID:     marketID,
			UserID:       userID,
			BalanceDelta: cost.Neg(),
			NewQYes:      newQYes,
			NewQNo:       newQNo,
			Snapshot:     snapshot,
			Position:     *pos,
		}); err != nil {
			return err
		}

		result = &TradeResult{
			MarketID:       marketID,
			UserID:         userID,
			Side:           side,
			Shares:         shares,
			Cost:           cost,
			NewBalance:     user.Balance.Sub(cost),
			YesProbability: snapshot.YesProbability,
			NoProbability:  snapshot.NoProbability,
			Position:       *pos,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(side), "buy").Inc()
	metrics.TradeLatency.WithLabelValues("buy").Observe(time.Since(start).Seconds())
	slog.Info("buy executed",
		"market", marketID,
		"user", userID,
		"side", side,
		"shares", shares.String(),
		"cost", result.Cost.String(),
		"yes_probability", result.YesProbability.String(),
	)
	s.broadcastTrade("trade_executed", result)
	return result, nil
}

// ExecuteSell sells shares back to the market maker. The user must hold at
// least the requested shares on that side; the position's average price is
// untouched by sells.
func (s *Service) ExecuteSell(ctx context.Context, marketID, userID string, shares decimal.Decimal, side model.Side) (*TradeResult, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil, lmsr.ErrInvalidAmount
	}

	start := time.Now()
	mu := s.locks.get(marketID)
	mu.Lock()
	defer mu.Unlock()

	var result *TradeResult
	err := s.withRetry(ctx, func() error {
		market, err := s.store.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		now := s.now()
		if !market.CanTrade(now) {
			return ErrMarketClosed
		}

		pos, err := s.store.GetPosition(ctx, userID, marketID, side)
		if err != nil {
			return err
		}
		if shares.GreaterThan(pos.Shares) {
			return model.ErrInsufficientShares
		}

		mm, err := lmsr.NewMarketMaker(market.B)
		if err != nil {
			return err
		}
		proceeds, err := mm.SellProceeds(market.QYes, market.QNo, shares, side)
		if err != nil {
			return err
		}

		user, err := s.store.GetUser(ctx, userID)
		if err != nil {
			return err
		}

		if err := pos.RemoveShares(shares, now); err != nil {
			return err
		}

		newQYes, newQNo := market.QYes, market.QNo
		if side == model.SideYes {
			newQYes = newQYes.Sub(shares)
		} else {
			newQNo = newQNo.Sub(shares)
		}
		snapshot := s.snapshotFor(mm, marketID, newQYes, newQNo, now)

		if err := s.store.ApplyTrade(ctx, &store.TradeMutation{
			MarketID:     marketID,
			UserID:       userID,
			BalanceDelta: proceeds,
			NewQYes:      newQYes,
			NewQNo:       newQNo,
			Snapshot:     snapshot,
			Position:     *pos,
		}); err != nil {
			return err
		}

		result = &TradeResult{
			MarketID:       marketID,
			UserID:         userID,
			Side:           side,
			Shares:         shares,
			Proceeds:       proceeds,
			NewBalance:     user.Balance.Add(proceeds),
			YesProbability: snapshot.YesProbability,
			NoProbability:  snapshot.NoProbability,
			Position:       *pos,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(side), "sell").Inc()
	metrics.TradeLatency.WithLabelValues("sell").Observe(time.Since(start).Seconds())
	slog.Info("sell executed",
		"market", marketID,
		"user", userID,
		"side", side,
		"shares", shares.String(),
		"proceeds", result.Proceeds.String(),
		"yes_probability", result.YesProbability.String(),
	)
	s.broadcastTrade("trade_executed", result)
	return result, nil
}

// positionFor loads the user's position on (market, side), or returns a
// fresh zero-share position if none exists yet. Positions are created
// lazily on the first buy.
func (s *Service) positionFor(ctx context.Context, userID, marketID string, side model.Side, now time.Time) (*model.Position, error) {
	pos, err := s.store.GetPosition(ctx, userID, marketID, side)
	if errors.Is(err, store.ErrPositionNotFound) {
		return &model.Position{
			ID:        uuid.New().String(),
			UserID:    userID,
			MarketID:  marketID,
			Side:      side,
			Shares:    decimal.Zero,
			AvgPrice:  decimal.Zero,
			CreatedAt: now,
			UpdatedAt: now,
		}, nil
	}
	return pos, err
}

func (s *Service) snapshotFor(mm *lmsr.MarketMaker, marketID string, qYes, qNo decimal.Decimal, now time.Time) model.PriceSnapshot {
	p := mm.ImpliedProbability(qYes, qNo)
	return model.PriceSnapshot{
		ID:             uuid.New().String(),
		MarketID:       marketID,
		YesProbability: p,
		NoProbability:  decimal.NewFromInt(1).Sub(p),
		QYes:           qYes,
		QNo:            qNo,
		CreatedAt:      now,
	}
}

// --- Resolution & settlement ---

// Payout records one settlement credit.
type Payout struct {
	UserID     string          `json:"user_id"`
	PositionID string          `json:"position_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// SettlementFailure records a payout that could not be credited. The
// resolution itself stands; failed credits are retryable by an operator.
type SettlementFailure struct {
	UserID     string          `json:"user_id"`
	PositionID string          `json:"position_id"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
}

// SettlementReport summarizes a market resolution.
type SettlementReport struct {
	MarketID string              `json:"market_id"`
	Outcome  bool                `json:"outcome"`
	Paid     []Payout            `json:"paid"`
	Failures []SettlementFailure `json:"failures,omitempty"`
}

// ResolveMarket declares the market's outcome and settles all positions.
// Only the effective oracle may resolve, only after the market is closed,
// and only once. Winning shares pay $1 each; losing positions keep their
// shares as history and receive nothing. Each payout is credited
// independently so one failure cannot block the others.
func (s *Service) ResolveMarket(ctx context.Context, marketID string, outcome bool, requesterID string) (*SettlementReport, error) {
	mu := s.locks.get(marketID)
	mu.Lock()
	defer mu.Unlock()

	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	// Check order matters: a second resolve reports AlreadyResolved even
	// when the requester is not the oracle.
	if market.Resolved {
		return nil, model.ErrAlreadyResolved
	}
	if market.Status(now) != model.StatusClosed {
		return nil, model.ErrNotYetClosed
	}
	if market.EffectiveOracle() != requesterID {
		return nil, ErrUnauthorized
	}

	// Single-winner guard: the store rejects a second resolution even if
	// two requests pass the checks above on different instances.
	if err := s.store.MarkResolved(ctx, marketID, outcome); err != nil {
		return nil, err
	}

	var positions []model.Position
	if err := s.withRetry(ctx, func() error {
		var err error
		positions, err = s.store.GetMarketPositions(ctx, marketID)
		return err
	}); err != nil {
		// The market is resolved; settlement must be re-run by an operator.
		slog.Error("settlement aborted: cannot list positions",
			"market", marketID, "err", err)
		return nil, err
	}

	report := &SettlementReport{MarketID: marketID, Outcome: outcome}
	for _, p := range positions {
		if !p.Side.Wins(outcome) {
			continue
		}
		payout := p.PayoutIfWins()
		if !payout.IsPositive() {
			continue
		}

		creditErr := s.withRetry(ctx, func() error {
			return s.store.CreditBalance(ctx, p.UserID, payout)
		})
		if creditErr != nil {
			metrics.SettlementFailuresTotal.Inc()
			slog.Error("settlement payout failed",
				"market", marketID,
				"user", p.UserID,
				"amount", payout.String(),
				"err", creditErr,
			)
			report.Failures = append(report.Failures, SettlementFailure{
				UserID:     p.UserID,
				PositionID: p.ID,
				Amount:     payout,
				Reason:     creditErr.Error(),
			})
			continue
		}

		metrics.SettlementPayoutsTotal.Inc()
		report.Paid = append(report.Paid, Payout{
			UserID:     p.UserID,
			PositionID: p.ID,
			Amount:     payout,
		})
	}

	metrics.ActiveMarkets.Dec()
	slog.Info("market resolved",
		"market", marketID,
		"outcome", outcome,
		"paid", len(report.Paid),
		"failures", len(report.Failures),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_resolved",
			MarketID: marketID,
			Outcome:  &outcome,
		})
	}
	return report, nil
}

// --- Price history ---

// PriceHistory returns the market's snapshots ascending by time. limit <= 0
// returns everything.
func (s *Service) PriceHistory(ctx context.Context, marketID string, limit int) ([]model.PriceSnapshot, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	history, err := s.store.GetPriceHistory(ctx, marketID, limit)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []model.PriceSnapshot{}
	}
	return history, nil
}

// --- Positions ---

// PositionView is a position enriched with the market question, current
// market price, and unrealized P&L (or settlement result if resolved).
type PositionView struct {
	model.Position
	Question      string          `json:"question"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	PayoutIfWin   decimal.Decimal `json:"payout_if_win"`
	Resolved      bool            `json:"resolved"`
	Won           *bool           `json:"won,omitempty"`
}

// Positions returns the user's open holdings across all markets.
func (s *Service) Positions(ctx context.Context, userID string) ([]PositionView, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	positions, err := s.store.GetUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		view := PositionView{
			Position:    p,
			PayoutIfWin: p.PayoutIfWins(),
		}

		market, err := s.store.GetMarket(ctx, p.MarketID)
		if err != nil {
			views = append(views, view)
			continue
		}
		view.Question = market.Question
		view.Resolved = market.Resolved

		if market.Resolved && market.Outcome != nil {
			won := p.Side.Wins(*market.Outcome)
			view.Won = &won
			// Settled price is 1 for winners, 0 for losers.
			price := decimal.Zero
			if won {
				price = decimal.NewFromInt(1)
			}
			view.CurrentPrice = price
			view.CurrentValue = p.ValueAtPrice(price)
			view.UnrealizedPnL = p.ProfitLoss(price)
		} else if mm, err := lmsr.NewMarketMaker(market.B); err == nil {
			price := mm.InstantaneousPrice(market.QYes, market.QNo, p.Side)
			view.CurrentPrice = price
			view.CurrentValue = p.ValueAtPrice(price)
			view.UnrealizedPnL = p.ProfitLoss(price)
		}

		views = append(views, view)
	}
	return views, nil
}

// --- Broadcasting ---

func (s *Service) broadcastTrade(msgType string, r *TradeResult) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:           msgType,
		MarketID:       r.MarketID,
		YesProbability: r.YesProbability.String(),
		NoProbability:  r.NoProbability.String(),
		Side:           string(r.Side),
		Shares:         r.Shares.String(),
	})
}
