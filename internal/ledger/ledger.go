// Package ledger implements the balance mutation operations of the
// settlement engine. Every operation enforces the non-negativity invariant
// (available >= 0 and locked >= 0) at the boundary and leaves the record
// untouched on failure.
//
// Callers must already hold exclusive access to the balance row, acquired
// through the lock coordinator; the ledger itself does no locking.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearex/settlement-engine/internal/model"
)

var (
	// ErrInsufficientBalance is returned when an operation would drive
	// available or locked funds below zero. This is a caller logic error
	// and is never retried.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrNonPositiveAmount is returned when an operation is invoked with a
	// zero or negative amount.
	ErrNonPositiveAmount = errors.New("ledger: amount must be positive")
)

// DebitLocked removes amount from the balance, consuming locked funds first.
// When the reservation does not fully cover the debit (a fill at a worse
// price than was reserved), the remainder comes out of available funds.
// Fails with ErrInsufficientBalance if locked+available cannot cover amount.
func DebitLocked(b *model.Balance, amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	remaining := amount
	fromLocked := b.Locked
	if fromLocked.GreaterThan(remaining) {
		fromLocked = remaining
	}
	remaining = remaining.Sub(fromLocked)
	if b.Available.LessThan(remaining) {
		return fmt.Errorf("%w: user %s asset %s debit %s", ErrInsufficientBalance, b.UserID, b.Asset, amount)
	}
	b.Locked = b.Locked.Sub(fromLocked)
	b.Available = b.Available.Sub(remaining)
	b.UpdatedAt = now
	return nil
}

// CreditAvailable adds amount to available funds.
func CreditAvailable(b *model.Balance, amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	b.Available = b.Available.Add(amount)
	b.UpdatedAt = now
	return nil
}

// MoveAvailableToLocked reserves amount against an open order. Used by the
// order-placement path; settlement never calls it.
func MoveAvailableToLocked(b *model.Balance, amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%w: user %s asset %s reserve %s", ErrInsufficientBalance, b.UserID, b.Asset, amount)
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	b.UpdatedAt = now
	return nil
}

// MoveLockedToAvailable releases a reservation back to available funds. Used
// by the cancellation path.
func MoveLockedToAvailable(b *model.Balance, amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if b.Locked.LessThan(amount) {
		return fmt.Errorf("%w: user %s asset %s release %s", ErrInsufficientBalance, b.UserID, b.Asset, amount)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Available = b.Available.Add(amount)
	b.UpdatedAt = now
	return nil
}
