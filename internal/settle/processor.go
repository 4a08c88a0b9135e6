// Package settle implements the settlement unit of work: applying one
// TradeExecuted event to orders, balances, and positions atomically, exactly
// once per event id, under the lock coordinator's serialization.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearex/settlement-engine/internal/ledger"
	"github.com/clearex/settlement-engine/internal/lockring"
	"github.com/clearex/settlement-engine/internal/metrics"
	"github.com/clearex/settlement-engine/internal/model"
	"github.com/clearex/settlement-engine/internal/order"
	"github.com/clearex/settlement-engine/internal/position"
	"github.com/clearex/settlement-engine/internal/store"
)

var (
	// ErrRejected marks a structurally malformed event: missing ids,
	// non-positive price or amount. Retrying cannot help.
	ErrRejected = errors.New("settle: event rejected")

	// ErrInvariantViolation marks an upstream contract breach: execution
	// exceeding an order's remainder, fills against terminal orders,
	// order state contradicting the event, funds that cannot cover the
	// notional, or a redelivered event id whose payload differs from the
	// settled trade. Fatal, never retried, needs operator attention.
	ErrInvariantViolation = errors.New("settle: settlement invariant violation")

	// ErrRetriesExhausted is returned when every attempt failed on a
	// transient error (lock timeout, write conflict).
	ErrRetriesExhausted = errors.New("settle: retries exhausted")
)

const (
	defaultMaxAttempts = 5
	defaultRetryBase   = 25 * time.Millisecond
)

// Outcome is the terminal result of processing one event.
type Outcome string

const (
	OutcomeSettled   Outcome = "settled"
	OutcomeDuplicate Outcome = "duplicate"
)

// Result describes a successfully concluded settlement attempt. For a
// duplicate delivery Trade is the previously settled trade.
type Result struct {
	Outcome Outcome
	Trade   model.Trade
}

// Processor runs settlement units of work. It owns no state of its own;
// serialization comes from the lock coordinator and durability from the
// store's atomic commits.
type Processor struct {
	store store.Store
	locks *lockring.Coordinator
	log   *slog.Logger

	maxAttempts int
	retryBase   time.Duration

	// onSettled, when set, is invoked after a trade commits. Used to fan
	// out to WebSocket subscribers.
	onSettled func(model.Trade)
}

// Option configures a Processor.
type Option func(*Processor)

// WithRetry overrides the transient-failure retry budget.
func WithRetry(maxAttempts int, base time.Duration) Option {
	return func(p *Processor) {
		p.maxAttempts = maxAttempts
		p.retryBase = base
	}
}

// WithOnSettled registers a callback invoked once per committed trade.
func WithOnSettled(fn func(model.Trade)) Option {
	return func(p *Processor) { p.onSettled = fn }
}

// NewProcessor creates a settlement processor.
func NewProcessor(st store.Store, locks *lockring.Coordinator, log *slog.Logger, opts ...Option) *Processor {
	p := &Processor{
		store:       st,
		locks:       locks,
		log:         log,
		maxAttempts: defaultMaxAttempts,
		retryBase:   defaultRetryBase,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Settle processes one TradeExecuted event to a terminal outcome. It is safe
// to call with the same event any number of times: the first delivery settles,
// every later delivery with an identical payload is a no-op duplicate, and a
// later delivery with a differing payload fails with ErrInvariantViolation.
func (p *Processor) Settle(ctx context.Context, event model.TradeExecuted) (Result, error) {
	start := time.Now()

	if err := event.Validate(); err != nil {
		metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
		return Result{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	// Cheap duplicate pre-check before any locking. The commit path
	// re-checks under the event-id uniqueness constraint, so a miss here
	// is never a correctness problem.
	if res, done, err := p.checkDuplicate(ctx, event); done {
		return res, err
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		res, err := p.attempt(ctx, event)
		switch {
		case err == nil:
			metrics.SettlementsTotal.WithLabelValues(string(res.Outcome)).Inc()
			metrics.SettlementDuration.Observe(time.Since(start).Seconds())
			if res.Outcome == OutcomeSettled {
				p.log.Info("trade settled",
					"event_id", event.EventID,
					"trade_id", res.Trade.ID,
					"pair", event.BaseAsset+"/"+event.QuoteAsset,
					"price", event.Price.String(),
					"amount", event.Amount.String(),
					"attempt", attempt)
				if p.onSettled != nil {
					p.onSettled(res.Trade)
				}
			}
			return res, nil

		case errors.Is(err, lockring.ErrTimeout) || errors.Is(err, store.ErrWriteConflict):
			lastErr = err
			metrics.SettlementRetries.Inc()
			p.log.Warn("settlement attempt failed, retrying",
				"event_id", event.EventID, "attempt", attempt, "error", err)
			if attempt < p.maxAttempts {
				if serr := sleepBackoff(ctx, p.retryBase, attempt); serr != nil {
					metrics.SettlementsTotal.WithLabelValues("failed").Inc()
					return Result{}, serr
				}
			}

		case errors.Is(err, store.ErrDuplicateEvent):
			// Lost a commit race with another delivery of the same
			// event. Resolve against the winner's trade row.
			if res, done, derr := p.checkDuplicate(ctx, event); done {
				return res, derr
			}
			// The winner's row vanished between the commit rejection
			// and the re-read; treat as transient.
			lastErr = err

		default:
			metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
			p.log.Error("settlement rejected",
				"event_id", event.EventID, "error", err)
			return Result{}, err
		}
	}

	metrics.SettlementsTotal.WithLabelValues("failed").Inc()
	p.log.Error("settlement retries exhausted",
		"event_id", event.EventID, "attempts", p.maxAttempts, "error", lastErr)
	return Result{}, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, p.maxAttempts, lastErr)
}

// checkDuplicate resolves an already-settled event id. done is true when the
// event reached a terminal outcome here.
func (p *Processor) checkDuplicate(ctx context.Context, event model.TradeExecuted) (Result, bool, error) {
	existing, err := p.store.GetTradeByEventID(ctx, event.EventID)
	if errors.Is(err, store.ErrTradeNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		// Not terminal: the commit path's uniqueness constraint still
		// catches the duplicate. Surface the read failure so a store
		// outage is distinguishable from a clean miss when the
		// commit-race branch keeps landing here.
		p.log.Warn("duplicate check read failed",
			"event_id", event.EventID, "error", err)
		return Result{}, false, nil
	}

	if !existing.Matches(event) {
		metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
		p.log.Error("redelivered event payload conflicts with settled trade",
			"event_id", event.EventID, "trade_id", existing.ID)
		return Result{}, true, fmt.Errorf("%w: event %s, trade %s", ErrInvariantViolation, event.EventID, existing.ID)
	}

	metrics.SettlementsTotal.WithLabelValues(string(OutcomeDuplicate)).Inc()
	p.log.Info("duplicate event ignored", "event_id", event.EventID, "trade_id", existing.ID)
	return Result{Outcome: OutcomeDuplicate, Trade: *existing}, true, nil
}

// attempt runs one full settlement pass under the resource locks.
func (p *Processor) attempt(ctx context.Context, event model.TradeExecuted) (Result, error) {
	keys := []string{
		lockring.OrderKey(event.BuyOrderID),
		lockring.OrderKey(event.SellOrderID),
		lockring.BalanceKey(event.BuyerID, event.BaseAsset),
		lockring.BalanceKey(event.BuyerID, event.QuoteAsset),
		lockring.BalanceKey(event.SellerID, event.BaseAsset),
		lockring.BalanceKey(event.SellerID, event.QuoteAsset),
	}

	var res Result
	lockStart := time.Now()
	err := p.locks.WithLocks(ctx, keys, func() error {
		metrics.LockWaitDuration.Observe(time.Since(lockStart).Seconds())

		cs, err := p.buildChangeset(ctx, event)
		if err != nil {
			return err
		}
		if err := p.store.CommitSettlement(ctx, *cs); err != nil {
			return err
		}
		res = Result{Outcome: OutcomeSettled, Trade: cs.Trade}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// buildChangeset loads current state and computes the post-settlement rows.
// Caller holds the locks for both orders and all four balances.
func (p *Processor) buildChangeset(ctx context.Context, event model.TradeExecuted) (*model.SettlementChangeset, error) {
	now := time.Now().UTC()

	buyOrder, err := p.store.GetOrder(ctx, event.BuyOrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: buy order: %v", ErrInvariantViolation, err)
	}
	sellOrder, err := p.store.GetOrder(ctx, event.SellOrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: sell order: %v", ErrInvariantViolation, err)
	}

	if err := checkOrderAgainstEvent(buyOrder, model.SideBuy, event); err != nil {
		return nil, err
	}
	if err := checkOrderAgainstEvent(sellOrder, model.SideSell, event); err != nil {
		return nil, err
	}

	if err := order.Fill(buyOrder, event.Amount, event.Price, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	if err := order.Fill(sellOrder, event.Amount, event.Price, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}

	notional := event.Notional()

	// When a user's own orders cross, both legs touch the same two balance
	// rows and the same position row. Aliasing the seller pointers to the
	// buyer's keeps every debit and credit on one instance, so the changeset
	// carries each row exactly once.
	selfTrade := event.BuyerID == event.SellerID

	buyerQuote, err := p.store.GetBalance(ctx, event.BuyerID, event.QuoteAsset)
	if err != nil {
		return nil, err
	}
	buyerBase, err := p.store.GetBalance(ctx, event.BuyerID, event.BaseAsset)
	if err != nil {
		return nil, err
	}
	sellerBase, sellerQuote := buyerBase, buyerQuote
	if !selfTrade {
		sellerBase, err = p.store.GetBalance(ctx, event.SellerID, event.BaseAsset)
		if err != nil {
			return nil, err
		}
		sellerQuote, err = p.store.GetBalance(ctx, event.SellerID, event.QuoteAsset)
		if err != nil {
			return nil, err
		}
	}

	// Buyer pays quote from the reservation, receives base. Seller pays
	// base from the reservation, receives quote.
	if err := ledger.DebitLocked(buyerQuote, notional, now); err != nil {
		return nil, fmt.Errorf("%w: buyer funds: %v", ErrInvariantViolation, err)
	}
	if err := ledger.CreditAvailable(buyerBase, event.Amount, now); err != nil {
		return nil, fmt.Errorf("%w: buyer credit: %v", ErrInvariantViolation, err)
	}
	if err := ledger.DebitLocked(sellerBase, event.Amount, now); err != nil {
		return nil, fmt.Errorf("%w: seller funds: %v", ErrInvariantViolation, err)
	}
	if err := ledger.CreditAvailable(sellerQuote, notional, now); err != nil {
		return nil, fmt.Errorf("%w: seller credit: %v", ErrInvariantViolation, err)
	}

	// A buy order that fills below its limit ends with part of the quote
	// reservation unconsumed, and once the order is terminal the cancel path
	// can never release it. Return the surplus to available here, capped at
	// what is actually locked (fills above the limit spill into available and
	// leave less than the pro-rata share locked).
	if buyOrder.Status == model.OrderFilled {
		surplus := buyOrder.LimitPrice.Mul(buyOrder.RequestedAmount).Sub(buyOrder.FilledQuoteAmount)
		if surplus.GreaterThan(buyerQuote.Locked) {
			surplus = buyerQuote.Locked
		}
		if surplus.IsPositive() {
			if err := ledger.MoveLockedToAvailable(buyerQuote, surplus, now); err != nil {
				return nil, fmt.Errorf("%w: reservation release: %v", ErrInvariantViolation, err)
			}
		}
	}

	buyerPos, err := p.store.GetPosition(ctx, event.BuyerID, event.BaseAsset, event.QuoteAsset)
	if err != nil {
		return nil, err
	}
	balances := []model.Balance{*buyerQuote, *buyerBase}
	var positions []model.Position
	if selfTrade {
		mid, _ := position.ApplyTrade(*buyerPos, model.SideBuy, event.Amount, event.Price, now)
		flat, _ := position.ApplyTrade(mid, model.SideSell, event.Amount, event.Price, now)
		positions = []model.Position{flat}
	} else {
		sellerPos, err := p.store.GetPosition(ctx, event.SellerID, event.BaseAsset, event.QuoteAsset)
		if err != nil {
			return nil, err
		}
		newBuyerPos, _ := position.ApplyTrade(*buyerPos, model.SideBuy, event.Amount, event.Price, now)
		newSellerPos, _ := position.ApplyTrade(*sellerPos, model.SideSell, event.Amount, event.Price, now)
		balances = append(balances, *sellerBase, *sellerQuote)
		positions = []model.Position{newBuyerPos, newSellerPos}
	}

	return &model.SettlementChangeset{
		Trade: model.Trade{
			ID:          uuid.NewString(),
			EventID:     event.EventID,
			BuyOrderID:  event.BuyOrderID,
			SellOrderID: event.SellOrderID,
			BuyerID:     event.BuyerID,
			SellerID:    event.SellerID,
			BaseAsset:   event.BaseAsset,
			QuoteAsset:  event.QuoteAsset,
			Price:       event.Price,
			Amount:      event.Amount,
			CreatedAt:   now,
		},
		Orders:    []model.Order{*buyOrder, *sellOrder},
		Balances:  balances,
		Positions: positions,
	}, nil
}

// checkOrderAgainstEvent verifies the stored order is consistent with the
// event before any mutation.
func checkOrderAgainstEvent(o *model.Order, side model.Side, event model.TradeExecuted) error {
	userID := event.BuyerID
	if side == model.SideSell {
		userID = event.SellerID
	}
	switch {
	case o.Side != side:
		return fmt.Errorf("%w: order %s side is %s, event needs %s", ErrInvariantViolation, o.ID, o.Side, side)
	case o.UserID != userID:
		return fmt.Errorf("%w: order %s belongs to %s, event names %s", ErrInvariantViolation, o.ID, o.UserID, userID)
	case o.BaseAsset != event.BaseAsset || o.QuoteAsset != event.QuoteAsset:
		return fmt.Errorf("%w: order %s pair %s/%s, event pair %s/%s",
			ErrInvariantViolation, o.ID, o.BaseAsset, o.QuoteAsset, event.BaseAsset, event.QuoteAsset)
	case o.IsTerminal():
		return fmt.Errorf("%w: order %s is already %s", ErrInvariantViolation, o.ID, o.Status)
	case o.Remaining().LessThan(event.Amount):
		return fmt.Errorf("%w: order %s remaining %s < execution %s",
			ErrInvariantViolation, o.ID, o.Remaining(), event.Amount)
	}
	// The matching engine is authoritative on price; executions outside the
	// stored limit are settled as delivered, with the ledger spilling any
	// shortfall past the reservation into available funds.
	return nil
}

// ReserveForOrder accepts a new order, moving its reservation from available
// to locked and persisting both atomically. Buy orders reserve
// limitPrice*requestedAmount of the quote asset; sell orders reserve
// requestedAmount of the base asset.
func (p *Processor) ReserveForOrder(ctx context.Context, o model.Order) error {
	if !o.Side.Valid() {
		return fmt.Errorf("%w: invalid side %q", ErrRejected, o.Side)
	}
	if !o.RequestedAmount.IsPositive() || !o.LimitPrice.IsPositive() {
		return fmt.Errorf("%w: amount and price must be positive", ErrRejected)
	}

	asset, amount := reservation(o)
	keys := []string{
		lockring.OrderKey(o.ID),
		lockring.BalanceKey(o.UserID, asset),
	}
	return p.locks.WithLocks(ctx, keys, func() error {
		now := time.Now().UTC()
		b, err := p.store.GetBalance(ctx, o.UserID, asset)
		if err != nil {
			return err
		}
		if err := ledger.MoveAvailableToLocked(b, amount, now); err != nil {
			return err
		}
		o.Status = model.OrderPending
		o.FilledAmount = decimal.Zero
		o.FilledQuoteAmount = decimal.Zero
		o.UpdatedAt = now
		if err := p.store.CreateOrder(ctx, o, *b); err != nil {
			return err
		}
		p.log.Info("order accepted",
			"order_id", o.ID, "user_id", o.UserID, "side", o.Side,
			"pair", o.BaseAsset+"/"+o.QuoteAsset,
			"reserved", amount.String(), "asset", asset)
		return nil
	})
}

// CancelOrder transitions a non-terminal order to cancelled and releases its
// unconsumed reservation back to available.
func (p *Processor) CancelOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var cancelled *model.Order

	// The balance key depends on the order's side, which needs a read; take
	// the order lock first, then re-lock with the full key set. The order
	// lock alone does not protect the balance, so the second acquisition
	// re-reads the order.
	o, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	asset, _ := reservation(*o)

	keys := []string{
		lockring.OrderKey(orderID),
		lockring.BalanceKey(o.UserID, asset),
	}
	err = p.locks.WithLocks(ctx, keys, func() error {
		now := time.Now().UTC()
		o, err := p.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		remaining := o.Remaining()
		if err := order.Cancel(o, now); err != nil {
			return err
		}

		b, err := p.store.GetBalance(ctx, o.UserID, asset)
		if err != nil {
			return err
		}
		release := remaining
		if o.Side == model.SideBuy {
			release = o.LimitPrice.Mul(remaining)
		}
		// Settlement may have consumed part of the reservation beyond
		// the pro-rata share when fills priced under the limit spill
		// into available, so cap the release at what is still locked.
		if release.GreaterThan(b.Locked) {
			release = b.Locked
		}
		if release.IsPositive() {
			if err := ledger.MoveLockedToAvailable(b, release, now); err != nil {
				return err
			}
		}
		if err := p.store.CommitCancel(ctx, *o, *b); err != nil {
			return err
		}
		p.log.Info("order cancelled",
			"order_id", o.ID, "user_id", o.UserID,
			"released", release.String(), "asset", asset)
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// reservation returns the asset and amount an order reserves at acceptance.
func reservation(o model.Order) (string, decimal.Decimal) {
	if o.Side == model.SideBuy {
		return o.QuoteAsset, o.LimitPrice.Mul(o.RequestedAmount)
	}
	return o.BaseAsset, o.RequestedAmount
}

// sleepBackoff waits the jittered exponential backoff for the given attempt,
// aborting early if ctx is done.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	d := base << (attempt - 1)
	// Jitter to half-to-full of the nominal delay so colliding workers
	// spread out.
	d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
