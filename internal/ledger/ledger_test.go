package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearex/settlement-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func balance(available, locked float64) *model.Balance {
	return &model.Balance{
		UserID:    "u1",
		Asset:     "USDT",
		Available: d(available),
		Locked:    d(locked),
	}
}

// checkInvariant fails the test if available or locked went negative.
func checkInvariant(t *testing.T, b *model.Balance) {
	t.Helper()
	if b.Available.IsNegative() {
		t.Errorf("available went negative: %s", b.Available)
	}
	if b.Locked.IsNegative() {
		t.Errorf("locked went negative: %s", b.Locked)
	}
}

func TestDebitLocked_FromLockedOnly(t *testing.T) {
	b := balance(100, 400)
	if err := DebitLocked(b, d(400), time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Locked.Equal(d(0)) || !b.Available.Equal(d(100)) {
		t.Errorf("got available=%s locked=%s", b.Available, b.Locked)
	}
	checkInvariant(t, b)
}

func TestDebitLocked_SpillsIntoAvailable(t *testing.T) {
	// Fill cost exceeds the reservation: 600 locked + 60 available.
	b := balance(100, 600)
	if err := DebitLocked(b, d(660), time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Locked.Equal(d(0)) || !b.Available.Equal(d(40)) {
		t.Errorf("got available=%s locked=%s", b.Available, b.Locked)
	}
	checkInvariant(t, b)
}

func TestDebitLocked_InsufficientTotal(t *testing.T) {
	b := balance(10, 50)
	err := DebitLocked(b, d(100), time.Now())
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	// Failed operation must not mutate the record.
	if !b.Available.Equal(d(10)) || !b.Locked.Equal(d(50)) {
		t.Errorf("balance mutated on failure: available=%s locked=%s", b.Available, b.Locked)
	}
}

func TestDebitLocked_NonPositiveAmount(t *testing.T) {
	b := balance(10, 10)
	if err := DebitLocked(b, d(0), time.Now()); !errors.Is(err, ErrNonPositiveAmount) {
		t.Errorf("expected ErrNonPositiveAmount for zero, got %v", err)
	}
	if err := DebitLocked(b, d(-5), time.Now()); !errors.Is(err, ErrNonPositiveAmount) {
		t.Errorf("expected ErrNonPositiveAmount for negative, got %v", err)
	}
}

func TestCreditAvailable(t *testing.T) {
	b := balance(5, 0)
	if err := CreditAvailable(b, d(4), time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Available.Equal(d(9)) {
		t.Errorf("expected available=9, got %s", b.Available)
	}
	checkInvariant(t, b)
}

func TestMoveAvailableToLocked(t *testing.T) {
	b := balance(1000, 0)
	if err := MoveAvailableToLocked(b, d(1000), time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Available.Equal(d(0)) || !b.Locked.Equal(d(1000)) {
		t.Errorf("got available=%s locked=%s", b.Available, b.Locked)
	}
	if !b.Total().Equal(d(1000)) {
		t.Errorf("total changed by reservation: %s", b.Total())
	}
	checkInvariant(t, b)
}

func TestMoveAvailableToLocked_Insufficient(t *testing.T) {
	b := balance(10, 0)
	if err := MoveAvailableToLocked(b, d(11), time.Now()); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestMoveLockedToAvailable(t *testing.T) {
	b := balance(0, 600)
	if err := MoveLockedToAvailable(b, d(600), time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Available.Equal(d(600)) || !b.Locked.Equal(d(0)) {
		t.Errorf("got available=%s locked=%s", b.Available, b.Locked)
	}
	checkInvariant(t, b)
}

func TestMoveLockedToAvailable_Insufficient(t *testing.T) {
	b := balance(100, 5)
	if err := MoveLockedToAvailable(b, d(6), time.Now()); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestUpdatedAtStamped(t *testing.T) {
	b := balance(100, 0)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := CreditAvailable(b, d(1), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.UpdatedAt.Equal(now) {
		t.Errorf("expected UpdatedAt=%v, got %v", now, b.UpdatedAt)
	}
}
