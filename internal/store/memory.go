package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/clearex/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	balances  map[string]*model.Balance  // userID:ASSET
	orders    map[string]*model.Order    // orderID
	positions map[string]*model.Position // userID:BASE:QUOTE
	trades    []model.Trade
	byEventID map[string]int // eventID -> index into trades
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[string]*model.Balance),
		orders:    make(map[string]*model.Order),
		positions: make(map[string]*model.Position),
		byEventID: make(map[string]int),
	}
}

func balanceKey(userID, asset string) string {
	return userID + ":" + strings.ToUpper(asset)
}

func positionKey(userID, base, quote string) string {
	return userID + ":" + strings.ToUpper(base) + ":" + strings.ToUpper(quote)
}

func (s *MemoryStore) GetBalance(_ context.Context, userID, asset string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.balances[balanceKey(userID, asset)]; ok {
		copy := *b
		return &copy, nil
	}
	return &model.Balance{
		UserID:    userID,
		Asset:     strings.ToUpper(asset),
		Available: decimal.Zero,
		Locked:    decimal.Zero,
	}, nil
}

func (s *MemoryStore) ListBalances(_ context.Context, userID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var balances []model.Balance
	for _, b := range s.balances {
		if b.UserID == userID {
			balances = append(balances, *b)
		}
	}
	return balances, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, baseAsset, quoteAsset string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.positions[positionKey(userID, baseAsset, quoteAsset)]; ok {
		copy := *p
		return &copy, nil
	}
	return &model.Position{
		UserID:     userID,
		BaseAsset:  strings.ToUpper(baseAsset),
		QuoteAsset: strings.ToUpper(quoteAsset),
	}, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			positions = append(positions, *p)
		}
	}
	return positions, nil
}

func (s *MemoryStore) GetTradeByEventID(_ context.Context, eventID string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byEventID[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", ErrTradeNotFound, eventID)
	}
	copy := s.trades[idx]
	return &copy, nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for _, t := range s.trades {
		if t.BuyerID == userID || t.SellerID == userID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o model.Order, b model.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	s.orders[o.ID] = &o
	s.putBalance(b)
	return nil
}

// CommitSettlement applies the whole changeset under one write lock, checking
// event-id uniqueness first so a duplicate writes nothing.
func (s *MemoryStore) CommitSettlement(_ context.Context, cs model.SettlementChangeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEventID[cs.Trade.EventID]; exists {
		return fmt.Errorf("%w: event %s", ErrDuplicateEvent, cs.Trade.EventID)
	}

	for _, o := range cs.Orders {
		o := o
		s.orders[o.ID] = &o
	}
	for _, b := range cs.Balances {
		s.putBalance(b)
	}
	for _, p := range cs.Positions {
		p := p
		s.positions[positionKey(p.UserID, p.BaseAsset, p.QuoteAsset)] = &p
	}

	s.byEventID[cs.Trade.EventID] = len(s.trades)
	s.trades = append(s.trades, cs.Trade)
	return nil
}

func (s *MemoryStore) CommitCancel(_ context.Context, o model.Order, b model.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, o.ID)
	}
	s.orders[o.ID] = &o
	s.putBalance(b)
	return nil
}

// SeedBalance writes a balance row directly, bypassing the settlement path.
// Intended for tests and development fixtures.
func (s *MemoryStore) SeedBalance(b model.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putBalance(b)
}

// SeedOrder writes an order row directly, bypassing the reservation path.
// Intended for tests and development fixtures.
func (s *MemoryStore) SeedOrder(o model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = &o
}

// putBalance stores a copy under the normalized key. Caller holds the lock.
func (s *MemoryStore) putBalance(b model.Balance) {
	b.Asset = strings.ToUpper(b.Asset)
	s.balances[balanceKey(b.UserID, b.Asset)] = &b
}
