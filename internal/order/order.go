// Package order implements the fill state machine for orders:
//
//	pending --(partial fill)--> partial --(full fill)--> filled
//	pending|partial --(cancel)--> cancelled
//
// filled and cancelled are terminal. Fill application is a pure function of
// (filled, requested, additional) so it can be tested without the rest of
// the order record.
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearex/settlement-engine/internal/model"
)

var (
	// ErrAlreadyTerminal is returned on any mutation attempt against a
	// filled or cancelled order.
	ErrAlreadyTerminal = errors.New("order: already terminal")

	// ErrOverFill is returned when a fill would push filledAmount past
	// requestedAmount. It indicates an upstream matching-engine contract
	// breach and is never retried.
	ErrOverFill = errors.New("order: fill exceeds remaining amount")

	// ErrNonPositiveFill is returned for zero or negative fill amounts.
	ErrNonPositiveFill = errors.New("order: fill amount must be positive")
)

// ApplyFill computes the next fill state. filledAmount is monotonically
// non-decreasing and never exceeds requested; status is fully determined by
// the comparison of the two.
func ApplyFill(filled, requested, additional decimal.Decimal) (decimal.Decimal, model.OrderStatus, error) {
	if !additional.IsPositive() {
		return filled, "", ErrNonPositiveFill
	}
	newFilled := filled.Add(additional)
	if newFilled.GreaterThan(requested) {
		return filled, "", fmt.Errorf("%w: filled %s + %s > requested %s", ErrOverFill, filled, additional, requested)
	}
	if newFilled.Equal(requested) {
		return newFilled, model.OrderFilled, nil
	}
	return newFilled, model.OrderPartial, nil
}

// Fill applies an executed amount at the given price to the order record.
// The order must be pending or partial.
func Fill(o *model.Order, amount, price decimal.Decimal, now time.Time) error {
	if o.IsTerminal() {
		return fmt.Errorf("%w: order %s is %s", ErrAlreadyTerminal, o.ID, o.Status)
	}
	newFilled, status, err := ApplyFill(o.FilledAmount, o.RequestedAmount, amount)
	if err != nil {
		return err
	}
	o.FilledAmount = newFilled
	o.FilledQuoteAmount = o.FilledQuoteAmount.Add(amount.Mul(price))
	o.Status = status
	o.UpdatedAt = now
	return nil
}

// Cancel performs the terminal transition from pending/partial to cancelled.
func Cancel(o *model.Order, now time.Time) error {
	if o.IsTerminal() {
		return fmt.Errorf("%w: order %s is %s", ErrAlreadyTerminal, o.ID, o.Status)
	}
	o.Status = model.OrderCancelled
	o.UpdatedAt = now
	return nil
}
