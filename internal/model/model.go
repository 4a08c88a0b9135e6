// Package model defines the core domain types shared across the settlement
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is the lifecycle state of an order. Status is fully determined
// by filledAmount vs requestedAmount, except for the cancelled terminal
// state, which is only reachable from pending/partial.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the status admits no further mutation.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// Balance is the per (user, asset) funds record.
// Invariant: Available >= 0 and Locked >= 0 at all times; Available+Locked is
// the only externally meaningful total.
type Balance struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Asset     string          `json:"asset" db:"asset"`
	Available decimal.Decimal `json:"available" db:"available"`
	Locked    decimal.Decimal `json:"locked" db:"locked"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Total returns Available + Locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// Order is the per-order fill record. Created by an external placement
// collaborator in pending state; fills are applied only by the settlement
// processor, the cancel transition only by the cancellation path.
type Order struct {
	ID                string          `json:"id" db:"id"`
	UserID            string          `json:"user_id" db:"user_id"`
	Side              Side            `json:"side" db:"side"`
	BaseAsset         string          `json:"base_asset" db:"base_asset"`
	QuoteAsset        string          `json:"quote_asset" db:"quote_asset"`
	LimitPrice        decimal.Decimal `json:"price" db:"price"`
	RequestedAmount   decimal.Decimal `json:"requested_amount" db:"requested_amount"`
	FilledAmount      decimal.Decimal `json:"filled_amount" db:"filled_amount"`
	FilledQuoteAmount decimal.Decimal `json:"filled_quote_amount" db:"filled_quote_amount"`
	Status            OrderStatus     `json:"status" db:"status"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Remaining returns the unfilled amount.
func (o Order) Remaining() decimal.Decimal {
	return o.RequestedAmount.Sub(o.FilledAmount)
}

// IsTerminal reports whether the order admits no further mutation.
func (o Order) IsTerminal() bool {
	return o.Status.Terminal()
}

// Position is the per (user, base, quote) net holding.
// Invariant: UnrealizedPnL = (CurrentPrice - AvgEntryPrice) * Amount,
// recomputed on every update. Flat positions remain as zero rows.
type Position struct {
	UserID        string          `json:"user_id" db:"user_id"`
	BaseAsset     string          `json:"base_asset" db:"base_asset"`
	QuoteAsset    string          `json:"quote_asset" db:"quote_asset"`
	Amount        decimal.Decimal `json:"position_amount" db:"position_amount"` // signed: + long, - short
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price" db:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price" db:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable record of one executed trade. Once created, these
// are never modified or deleted; EventID is the idempotency anchor.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	EventID     string          `json:"event_id" db:"event_id"`
	BuyOrderID  string          `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id" db:"sell_order_id"`
	BuyerID     string          `json:"buyer_id" db:"buyer_id"`
	SellerID    string          `json:"seller_id" db:"seller_id"`
	BaseAsset   string          `json:"base_asset" db:"base_asset"`
	QuoteAsset  string          `json:"quote_asset" db:"quote_asset"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Matches reports whether the trade was produced by the given event, field by
// field. Used to distinguish a clean redelivery from a corrupted one.
func (t Trade) Matches(e TradeExecuted) bool {
	return t.BuyOrderID == e.BuyOrderID &&
		t.SellOrderID == e.SellOrderID &&
		t.BuyerID == e.BuyerID &&
		t.SellerID == e.SellerID &&
		t.BaseAsset == e.BaseAsset &&
		t.QuoteAsset == e.QuoteAsset &&
		t.Price.Equal(e.Price) &&
		t.Amount.Equal(e.Amount)
}

// TradeExecuted is the inbound trade-execution event, delivered at-least-once
// from the external matching engine. Settlement must be idempotent per EventID.
type TradeExecuted struct {
	EventID     string          `json:"event_id"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	BaseAsset   string          `json:"base_asset"`
	QuoteAsset  string          `json:"quote_asset"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// Validate checks the structural fields of the event before any locking or
// storage work happens.
func (e TradeExecuted) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("event_id is required")
	case e.BuyOrderID == "":
		return fmt.Errorf("buy_order_id is required")
	case e.SellOrderID == "":
		return fmt.Errorf("sell_order_id is required")
	case e.BuyerID == "":
		return fmt.Errorf("buyer_id is required")
	case e.SellerID == "":
		return fmt.Errorf("seller_id is required")
	case e.BaseAsset == "" || e.QuoteAsset == "":
		return fmt.Errorf("base_asset and quote_asset are required")
	case !e.Price.IsPositive():
		return fmt.Errorf("price must be positive")
	case !e.Amount.IsPositive():
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// Notional returns Price * Amount, the quote-asset value of the execution.
func (e TradeExecuted) Notional() decimal.Decimal {
	return e.Price.Mul(e.Amount)
}

// SettlementChangeset is the full set of rows one settlement unit of work
// produces. A store commits it atomically or not at all.
type SettlementChangeset struct {
	Trade     Trade
	Orders    []Order
	Balances  []Balance
	Positions []Position
}
