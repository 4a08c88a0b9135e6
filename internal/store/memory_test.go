package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearex/settlement-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testChangeset(eventID, tradeID string) model.SettlementChangeset {
	now := time.Now().UTC()
	return model.SettlementChangeset{
		Trade: model.Trade{
			ID:          tradeID,
			EventID:     eventID,
			BuyOrderID:  "o-buy",
			SellOrderID: "o-sell",
			BuyerID:     "alice",
			SellerID:    "bob",
			BaseAsset:   "BTC",
			QuoteAsset:  "USDT",
			Price:       d(100),
			Amount:      d(2),
			CreatedAt:   now,
		},
		Orders: []model.Order{
			{ID: "o-buy", UserID: "alice", Side: model.SideBuy, BaseAsset: "BTC", QuoteAsset: "USDT",
				LimitPrice: d(100), RequestedAmount: d(2), FilledAmount: d(2), FilledQuoteAmount: d(200),
				Status: model.OrderFilled, UpdatedAt: now},
		},
		Balances: []model.Balance{
			{UserID: "alice", Asset: "BTC", Available: d(2), Locked: d(0), UpdatedAt: now},
			{UserID: "alice", Asset: "USDT", Available: d(800), Locked: d(0), UpdatedAt: now},
		},
		Positions: []model.Position{
			{UserID: "alice", BaseAsset: "BTC", QuoteAsset: "USDT", Amount: d(2),
				AvgEntryPrice: d(100), CurrentPrice: d(100), UpdatedAt: now},
		},
	}
}

func TestMemoryStoreZeroRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	b, err := s.GetBalance(ctx, "nobody", "btc")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !b.Available.IsZero() || !b.Locked.IsZero() {
		t.Errorf("expected zero balance, got avail=%s locked=%s", b.Available, b.Locked)
	}
	if b.Asset != "BTC" {
		t.Errorf("expected normalized asset BTC, got %q", b.Asset)
	}

	p, err := s.GetPosition(ctx, "nobody", "btc", "usdt")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if !p.Amount.IsZero() {
		t.Errorf("expected flat position, got %s", p.Amount)
	}

	if _, err := s.GetOrder(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := s.GetTradeByEventID(ctx, "missing"); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("expected ErrTradeNotFound, got %v", err)
	}
}

func TestMemoryStoreCommitSettlement(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CommitSettlement(ctx, testChangeset("evt-1", "trade-1")); err != nil {
		t.Fatalf("CommitSettlement: %v", err)
	}

	got, err := s.GetTradeByEventID(ctx, "evt-1")
	if err != nil {
		t.Fatalf("GetTradeByEventID: %v", err)
	}
	if got.ID != "trade-1" {
		t.Errorf("trade id = %q, want trade-1", got.ID)
	}

	b, _ := s.GetBalance(ctx, "alice", "USDT")
	if !b.Available.Equal(d(800)) {
		t.Errorf("alice USDT available = %s, want 800", b.Available)
	}

	o, err := s.GetOrder(ctx, "o-buy")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if o.Status != model.OrderFilled {
		t.Errorf("order status = %s, want filled", o.Status)
	}
}

func TestMemoryStoreDuplicateEventWritesNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CommitSettlement(ctx, testChangeset("evt-1", "trade-1")); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// Second changeset with the same event id but different state. Nothing
	// from it may land.
	dup := testChangeset("evt-1", "trade-2")
	dup.Balances[1].Available = d(999999)

	err := s.CommitSettlement(ctx, dup)
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	b, _ := s.GetBalance(ctx, "alice", "USDT")
	if !b.Available.Equal(d(800)) {
		t.Errorf("duplicate commit mutated balance: got %s, want 800", b.Available)
	}
	got, _ := s.GetTradeByEventID(ctx, "evt-1")
	if got.ID != "trade-1" {
		t.Errorf("duplicate commit replaced trade: got %q", got.ID)
	}
}

func TestMemoryStoreCopiesOut(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.SeedBalance(model.Balance{UserID: "alice", Asset: "BTC", Available: d(5)})

	b, _ := s.GetBalance(ctx, "alice", "BTC")
	b.Available = d(0)

	again, _ := s.GetBalance(ctx, "alice", "BTC")
	if !again.Available.Equal(d(5)) {
		t.Errorf("caller mutation leaked into store: got %s, want 5", again.Available)
	}
}

func TestMemoryStoreListTradesByUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CommitSettlement(ctx, testChangeset("evt-1", "trade-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitSettlement(ctx, testChangeset("evt-2", "trade-2")); err != nil {
		t.Fatal(err)
	}

	trades, err := s.ListTradesByUser(ctx, "bob")
	if err != nil {
		t.Fatalf("ListTradesByUser: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}
	if trades[0].EventID != "evt-1" || trades[1].EventID != "evt-2" {
		t.Errorf("trades out of order: %s, %s", trades[0].EventID, trades[1].EventID)
	}

	none, _ := s.ListTradesByUser(ctx, "carol")
	if len(none) != 0 {
		t.Errorf("expected no trades for carol, got %d", len(none))
	}
}
