package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clearex/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Expected tables:
//
//	balances(user_id, asset, available, locked, updated_at, PRIMARY KEY(user_id, asset))
//	orders(id PRIMARY KEY, user_id, side, base_asset, quote_asset, price,
//	       requested_amount, filled_amount, filled_quote_amount, status, updated_at)
//	positions(user_id, base_asset, quote_asset, position_amount, avg_entry_price,
//	          current_price, unrealized_pnl, realized_pnl, updated_at,
//	          PRIMARY KEY(user_id, base_asset, quote_asset))
//	trades(id PRIMARY KEY, event_id UNIQUE, buy_order_id, sell_order_id,
//	       buyer_id, seller_id, base_asset, quote_asset, price, amount, created_at)
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID, asset string) (*model.Balance, error) {
	var b model.Balance
	var available, locked string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, asset, available::TEXT, locked::TEXT, updated_at
		 FROM balances WHERE user_id = $1 AND asset = UPPER($2)`, userID, asset).
		Scan(&b.UserID, &b.Asset, &available, &locked, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Balance{
			UserID:    userID,
			Asset:     asset,
			Available: decimal.Zero,
			Locked:    decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s/%s: %w", userID, asset, err)
	}

	if b.Available, err = decimal.NewFromString(available); err != nil {
		return nil, fmt.Errorf("parse available: %w", err)
	}
	if b.Locked, err = decimal.NewFromString(locked); err != nil {
		return nil, fmt.Errorf("parse locked: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, asset, available::TEXT, locked::TEXT, updated_at
		 FROM balances WHERE user_id = $1 ORDER BY asset`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []model.Balance
	for rows.Next() {
		var b model.Balance
		var available, locked string
		if err := rows.Scan(&b.UserID, &b.Asset, &available, &locked, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if b.Available, err = decimal.NewFromString(available); err != nil {
			return nil, fmt.Errorf("parse available: %w", err)
		}
		if b.Locked, err = decimal.NewFromString(locked); err != nil {
			return nil, fmt.Errorf("parse locked: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT id, user_id, side, base_asset, quote_asset,
		        price::TEXT, requested_amount::TEXT, filled_amount::TEXT, filled_quote_amount::TEXT,
		        status, updated_at
		 FROM orders WHERE id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return o, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, baseAsset, quoteAsset string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT user_id, base_asset, quote_asset,
		        position_amount::TEXT, avg_entry_price::TEXT, current_price::TEXT,
		        unrealized_pnl::TEXT, realized_pnl::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND base_asset = UPPER($2) AND quote_asset = UPPER($3)`,
		userID, baseAsset, quoteAsset))
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Position{UserID: userID, BaseAsset: baseAsset, QuoteAsset: quoteAsset}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s %s/%s: %w", userID, baseAsset, quoteAsset, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, base_asset, quote_asset,
		        position_amount::TEXT, avg_entry_price::TEXT, current_price::TEXT,
		        unrealized_pnl::TEXT, realized_pnl::TEXT, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY base_asset, quote_asset`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetTradeByEventID(ctx context.Context, eventID string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`SELECT id, event_id, buy_order_id, sell_order_id, buyer_id, seller_id,
		        base_asset, quote_asset, price::TEXT, amount::TEXT, created_at
		 FROM trades WHERE event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %s", ErrTradeNotFound, eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade by event %s: %w", eventID, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, buy_order_id, sell_order_id, buyer_id, seller_id,
		        base_asset, quote_asset, price::TEXT, amount::TEXT, created_at
		 FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o model.Order, b model.Balance) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO orders (id, user_id, side, base_asset, quote_asset, price,
			                     requested_amount, filled_amount, filled_quote_amount, status, updated_at)
			 VALUES ($1, $2, $3, UPPER($4), UPPER($5), $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
			o.ID, o.UserID, o.Side, o.BaseAsset, o.QuoteAsset, o.LimitPrice.String(),
			o.RequestedAmount.String(), o.FilledAmount.String(), o.FilledQuoteAmount.String(),
			o.Status, o.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
		}
		if err != nil {
			return err
		}
		return upsertBalance(ctx, tx, b)
	})
}

// CommitSettlement writes the whole changeset in a single transaction. The
// trade row goes in first so the UNIQUE(event_id) constraint aborts a
// duplicate before anything else is written.
func (s *PostgresStore) CommitSettlement(ctx context.Context, cs model.SettlementChangeset) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		t := cs.Trade
		_, err := tx.Exec(ctx,
			`INSERT INTO trades (id, event_id, buy_order_id, sell_order_id, buyer_id, seller_id,
			                     base_asset, quote_asset, price, amount, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, UPPER($7), UPPER($8), $9::NUMERIC, $10::NUMERIC, $11)`,
			t.ID, t.EventID, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID,
			t.BaseAsset, t.QuoteAsset, t.Price.String(), t.Amount.String(), t.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: event %s", ErrDuplicateEvent, t.EventID)
		}
		if err != nil {
			return err
		}

		for _, o := range cs.Orders {
			if _, err := tx.Exec(ctx,
				`UPDATE orders
				 SET filled_amount = $2::NUMERIC, filled_quote_amount = $3::NUMERIC,
				     status = $4, updated_at = $5
				 WHERE id = $1`,
				o.ID, o.FilledAmount.String(), o.FilledQuoteAmount.String(), o.Status, o.UpdatedAt); err != nil {
				return err
			}
		}
		for _, b := range cs.Balances {
			if err := upsertBalance(ctx, tx, b); err != nil {
				return err
			}
		}
		for _, p := range cs.Positions {
			if _, err := tx.Exec(ctx,
				`INSERT INTO positions (user_id, base_asset, quote_asset, position_amount,
				                        avg_entry_price, current_price, unrealized_pnl, realized_pnl, updated_at)
				 VALUES ($1, UPPER($2), UPPER($3), $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
				 ON CONFLICT (user_id, base_asset, quote_asset) DO UPDATE
				 SET position_amount = EXCLUDED.position_amount,
				     avg_entry_price = EXCLUDED.avg_entry_price,
				     current_price = EXCLUDED.current_price,
				     unrealized_pnl = EXCLUDED.unrealized_pnl,
				     realized_pnl = EXCLUDED.realized_pnl,
				     updated_at = EXCLUDED.updated_at`,
				p.UserID, p.BaseAsset, p.QuoteAsset, p.Amount.String(),
				p.AvgEntryPrice.String(), p.CurrentPrice.String(),
				p.UnrealizedPnL.String(), p.RealizedPnL.String(), p.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) CommitCancel(ctx context.Context, o model.Order, b model.Balance) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`,
			o.ID, o.Status, o.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, o.ID)
		}
		return upsertBalance(ctx, tx, b)
	})
}

// inTx runs fn inside one transaction, mapping serialization failures to the
// retryable ErrWriteConflict.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		if isSerializationFailure(err) {
			return fmt.Errorf("%w: %v", ErrWriteConflict, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return fmt.Errorf("%w: %v", ErrWriteConflict, err)
		}
		return err
	}
	committed = true
	return nil
}

func upsertBalance(ctx context.Context, tx pgx.Tx, b model.Balance) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO balances (user_id, asset, available, locked, updated_at)
		 VALUES ($1, UPPER($2), $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (user_id, asset) DO UPDATE
		 SET available = EXCLUDED.available,
		     locked = EXCLUDED.locked,
		     updated_at = EXCLUDED.updated_at`,
		b.UserID, b.Asset, b.Available.String(), b.Locked.String(), b.UpdatedAt)
	return err
}

// pgxRow is the scan surface shared by QueryRow results and Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row pgxRow) (*model.Order, error) {
	var o model.Order
	var price, requested, filled, filledQuote string
	if err := row.Scan(&o.ID, &o.UserID, &o.Side, &o.BaseAsset, &o.QuoteAsset,
		&price, &requested, &filled, &filledQuote,
		&o.Status, &o.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if o.LimitPrice, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if o.RequestedAmount, err = decimal.NewFromString(requested); err != nil {
		return nil, fmt.Errorf("parse requested_amount: %w", err)
	}
	if o.FilledAmount, err = decimal.NewFromString(filled); err != nil {
		return nil, fmt.Errorf("parse filled_amount: %w", err)
	}
	if o.FilledQuoteAmount, err = decimal.NewFromString(filledQuote); err != nil {
		return nil, fmt.Errorf("parse filled_quote_amount: %w", err)
	}
	return &o, nil
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var amount, entry, current, unrealized, realized string
	if err := row.Scan(&p.UserID, &p.BaseAsset, &p.QuoteAsset,
		&amount, &entry, &current, &unrealized, &realized, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse position_amount: %w", err)
	}
	if p.AvgEntryPrice, err = decimal.NewFromString(entry); err != nil {
		return nil, fmt.Errorf("parse avg_entry_price: %w", err)
	}
	if p.CurrentPrice, err = decimal.NewFromString(current); err != nil {
		return nil, fmt.Errorf("parse current_price: %w", err)
	}
	if p.UnrealizedPnL, err = decimal.NewFromString(unrealized); err != nil {
		return nil, fmt.Errorf("parse unrealized_pnl: %w", err)
	}
	if p.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
		return nil, fmt.Errorf("parse realized_pnl: %w", err)
	}
	return &p, nil
}

func scanTrade(row pgxRow) (*model.Trade, error) {
	var t model.Trade
	var price, amount string
	if err := row.Scan(&t.ID, &t.EventID, &t.BuyOrderID, &t.SellOrderID,
		&t.BuyerID, &t.SellerID, &t.BaseAsset, &t.QuoteAsset,
		&price, &amount, &t.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
