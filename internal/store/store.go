// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for the query surface), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/clearex/settlement-engine/internal/model"
)

var (
	// ErrOrderNotFound is returned when an order id has no row.
	ErrOrderNotFound = errors.New("store: order not found")

	// ErrTradeNotFound is returned when no trade exists for an event id.
	ErrTradeNotFound = errors.New("store: trade not found")

	// ErrDuplicateEvent is returned by CommitSettlement when a trade row
	// already exists for the changeset's event id. The unit of work wrote
	// nothing.
	ErrDuplicateEvent = errors.New("store: event already settled")

	// ErrDuplicateOrder is returned when creating an order whose id exists.
	ErrDuplicateOrder = errors.New("store: order already exists")

	// ErrWriteConflict signals a transient commit conflict (e.g. a
	// serialization failure). Retryable by the caller.
	ErrWriteConflict = errors.New("store: write conflict")
)

// Store is the persistence interface. Reads are point-in-time snapshots;
// writes that belong to one unit of work are applied atomically or not at
// all. Serialization of settlement-owned rows is the lock coordinator's job,
// not the store's.
type Store interface {
	// --- Balance reads ---

	// GetBalance returns the (user, asset) balance, or a zero row if the
	// pair has never been funded.
	GetBalance(ctx context.Context, userID, asset string) (*model.Balance, error)

	// ListBalances returns all balances held by a user.
	ListBalances(ctx context.Context, userID string) ([]model.Balance, error)

	// --- Order reads ---

	// GetOrder retrieves an order by id.
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)

	// --- Position reads ---

	// GetPosition returns the (user, base, quote) position, or a zero row
	// if the user never traded the pair.
	GetPosition(ctx context.Context, userID, baseAsset, quoteAsset string) (*model.Position, error)

	// ListPositions returns all positions held by a user, flat rows included.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Trade journal reads ---

	// GetTradeByEventID returns the trade settled for an event id, or
	// ErrTradeNotFound.
	GetTradeByEventID(ctx context.Context, eventID string) (*model.Trade, error)

	// ListTradesByUser returns the trades a user participated in, oldest
	// first.
	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// --- Writes ---

	// CreateOrder persists a new pending order together with the balance
	// carrying its reservation, atomically.
	CreateOrder(ctx context.Context, o model.Order, b model.Balance) error

	// CommitSettlement applies one settlement changeset atomically: the
	// immutable trade row plus the updated orders, balances, and
	// positions. Uniqueness of the trade's event id is enforced here;
	// a duplicate commits nothing and returns ErrDuplicateEvent.
	CommitSettlement(ctx context.Context, cs model.SettlementChangeset) error

	// CommitCancel applies an order's terminal cancel transition together
	// with the release of its unconsumed reservation, atomically.
	CommitCancel(ctx context.Context, o model.Order, b model.Balance) error
}
