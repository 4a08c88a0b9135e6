package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clearex/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot query paths: per-user balance and position snapshots.
// It serves the query surface ONLY. The settlement processor must run on the
// primary store directly: its reads happen under the lock coordinator, and a
// cache entry populated by an unlocked query read can be arbitrarily stale.
// Writes go to the primary store and invalidate the affected cache keys;
// reads check Redis first then fall back to the primary. Orders and trades
// are not cached because query traffic on them is light.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	log     *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, log *slog.Logger) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		log:     log,
	}
}

// --- Writes (commit to primary, invalidate cache) ---

func (s *CachedStore) CreateOrder(ctx context.Context, o model.Order, b model.Balance) error {
	if err := s.primary.CreateOrder(ctx, o, b); err != nil {
		return err
	}
	s.InvalidateUser(ctx, b.UserID)
	return nil
}

func (s *CachedStore) CommitSettlement(ctx context.Context, cs model.SettlementChangeset) error {
	if err := s.primary.CommitSettlement(ctx, cs); err != nil {
		return err
	}
	// Invalidate both parties; next read re-populates from the primary.
	s.InvalidateUser(ctx, cs.Trade.BuyerID)
	s.InvalidateUser(ctx, cs.Trade.SellerID)
	return nil
}

func (s *CachedStore) CommitCancel(ctx context.Context, o model.Order, b model.Balance) error {
	if err := s.primary.CommitCancel(ctx, o, b); err != nil {
		return err
	}
	s.InvalidateUser(ctx, b.UserID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBalance(ctx context.Context, userID, asset string) (*model.Balance, error) {
	data, err := s.rdb.Get(ctx, balanceCacheKey(userID, asset)).Bytes()
	if err == nil {
		var b model.Balance
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBalance(ctx, userID, asset)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, balanceCacheKey(userID, asset), data, s.ttl)
	}
	return b, nil
}

func (s *CachedStore) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	data, err := s.rdb.Get(ctx, balancesCacheKey(userID)).Bytes()
	if err == nil {
		var balances []model.Balance
		if json.Unmarshal(data, &balances) == nil {
			return balances, nil
		}
	}

	balances, err := s.primary.ListBalances(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(balances); err == nil {
		s.rdb.Set(ctx, balancesCacheKey(userID), data, s.ttl)
	}
	return balances, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsCacheKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsCacheKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, orderID)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, baseAsset, quoteAsset string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, baseAsset, quoteAsset)
}

func (s *CachedStore) GetTradeByEventID(ctx context.Context, eventID string) (*model.Trade, error) {
	return s.primary.GetTradeByEventID(ctx, eventID)
}

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListTradesByUser(ctx, userID)
}

// --- Cache helpers ---

// InvalidateUser drops every cached snapshot for a user. Invalidation is
// best-effort on top of a durable primary write; failures are logged rather
// than returned so a Redis hiccup cannot fail a committed write, and the TTL
// bounds how long a missed invalidation can serve stale reads.
func (s *CachedStore) InvalidateUser(ctx context.Context, userID string) {
	keys := []string{balancesCacheKey(userID), positionsCacheKey(userID)}
	iter := s.rdb.Scan(ctx, 0, fmt.Sprintf("balance:%s:*", userID), 64).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.log.Warn("cache key scan failed, invalidating known keys only",
			"user_id", userID, "error", err)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.log.Warn("cache invalidation failed, stale window bounded by TTL",
			"user_id", userID, "error", err)
	}
}

func balanceCacheKey(userID, asset string) string {
	return fmt.Sprintf("balance:%s:%s", userID, strings.ToUpper(asset))
}
func balancesCacheKey(uid string) string  { return fmt.Sprintf("balances:%s", uid) }
func positionsCacheKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
