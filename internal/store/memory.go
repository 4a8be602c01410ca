package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agora/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence). A single lock
// scope per call gives ApplyTrade and MarkResolved the same atomicity the
// PostgreSQL implementation gets from transactions.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	markets   map[string]*model.Market
	positions map[string]*model.Position // keyed by user|market|side
	snapshots map[string][]model.PriceSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		markets:   make(map[string]*model.Market),
		positions: make(map[string]*model.Position),
		snapshots: make(map[string][]model.PriceSnapshot),
	}
}

func positionKey(userID, marketID string, side model.Side) string {
	return userID + "|" + marketID + "|" + string(side)
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Username == u.Username {
			return ErrUsernameTaken
		}
	}

	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) CreditBalance(_ context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Balance = u.Balance.Add(amount)
	return nil
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, ErrMarketNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) CloseMarket(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return ErrMarketNotFound
	}
	m.Close(at)
	return nil
}

func (s *MemoryStore) MarkResolved(_ context.Context, id string, outcome bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return ErrMarketNotFound
	}
	if m.Resolved {
		return model.ErrAlreadyResolved
	}
	m.Resolved = true
	m.Outcome = &outcome
	return nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID string, side model.Side) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey(userID, marketID, side)]
	if !ok {
		return nil, ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Shares.IsPositive() {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (s *MemoryStore) GetMarketPositions(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID && p.Shares.IsPositive() {
			result = append(result, *p)
		}
	}
	return result, nil
}

// --- Price history ---

func (s *MemoryStore) GetPriceHistory(_ context.Context, marketID string, limit int) ([]model.PriceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.snapshots[marketID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	result := make([]model.PriceSnapshot, len(history))
	copy(result, history)
	return result, nil
}

// --- Trade execution ---

// ApplyTrade applies all mutations of one trade under a single lock scope.
// Validation failures leave the store untouched.
func (s *MemoryStore) ApplyTrade(_ context.Context, t *TradeMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[t.MarketID]
	if !ok {
		return ErrMarketNotFound
	}
	u, ok := s.users[t.UserID]
	if !ok {
		return ErrUserNotFound
	}

	newBalance := u.Balance.Add(t.BalanceDelta)
	if newBalance.IsNegative() {
		return ErrInsufficientBalance
	}

	u.Balance = newBalance
	m.QYes = t.NewQYes
	m.QNo = t.NewQNo
	s.snapshots[t.MarketID] = append(s.snapshots[t.MarketID], t.Snapshot)

	pos := t.Position
	s.positions[positionKey(pos.UserID, pos.MarketID, pos.Side)] = &pos
	return nil
}
