package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/agora/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func marketKey(id string) string   { return fmt.Sprintf("market:%s", id) }
func userKey(id string) string     { return fmt.Sprintf("user:%s", id) }
func historyKey(id string) string  { return fmt.Sprintf("history:%s", id) }

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheJSON(ctx, marketKey(id), m)
	return m, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheJSON(ctx, userKey(id), u)
	return u, nil
}

// GetPriceHistory caches the full ascending history only; limited queries
// pass through, so cached and limited reads never disagree on ordering.
func (s *CachedStore) GetPriceHistory(ctx context.Context, marketID string, limit int) ([]model.PriceSnapshot, error) {
	if limit > 0 {
		return s.primary.GetPriceHistory(ctx, marketID, limit)
	}

	data, err := s.rdb.Get(ctx, historyKey(marketID)).Bytes()
	if err == nil {
		var history []model.PriceSnapshot
		if json.Unmarshal(data, &history) == nil {
			return history, nil
		}
	}

	history, err := s.primary.GetPriceHistory(ctx, marketID, 0)
	if err != nil {
		return nil, err
	}

	s.cacheJSON(ctx, historyKey(marketID), history)
	return history, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.cacheJSON(ctx, userKey(u.ID), u)
	return nil
}

func (s *CachedStore) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	if err := s.primary.CreditBalance(ctx, userID, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(userID))
	return nil
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheJSON(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) CloseMarket(ctx context.Context, id string, at time.Time) error {
	if err := s.primary.CloseMarket(ctx, id, at); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) MarkResolved(ctx context.Context, id string, outcome bool) error {
	if err := s.primary.MarkResolved(ctx, id, outcome); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, t *TradeMutation) error {
	if err := s.primary.ApplyTrade(ctx, t); err != nil {
		return err
	}
	// Invalidate everything a trade touches; next read re-populates.
	s.rdb.Del(ctx, marketKey(t.MarketID), userKey(t.UserID), historyKey(t.MarketID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID string, side model.Side) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID, side)
}

func (s *CachedStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.GetUserPositions(ctx, userID)
}

func (s *CachedStore) GetMarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.GetMarketPositions(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}
