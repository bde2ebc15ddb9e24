package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vitos/futures_ladder/internal/domain"
)

const orderColumns = `id, exchange_order_id, user_id, token_id, strategy_id, symbol, side, entry_price, quantity, budget, fee,
	leverage, status, target_id, stop_order_id, mark_price, net_profit, close_reason, created_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o      domain.Order
		stop   sql.NullString
		closed sql.NullTime
	)
	err := row.Scan(&o.ID, &o.ExchangeOrderID, &o.UserID, &o.TokenID, &o.StrategyID, &o.Symbol, &o.Side,
		&o.EntryPrice, &o.Quantity, &o.Budget, &o.Fee, &o.Leverage, &o.Status, &o.TargetID, &stop,
		&o.MarkPrice, &o.NetProfit, &o.CloseReason, &o.CreatedAt, &closed)
	if err != nil {
		return nil, err
	}
	o.StopOrderID = stop.String
	if closed.Valid {
		t := closed.Time
		o.ClosedAt = &t
	}
	return &o, nil
}

func (s *SQLiteStore) CreateOrder(ctx context.Context, o *domain.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.Status == "" {
		o.Status = domain.OrderActive
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO orders (exchange_order_id, user_id, token_id, strategy_id, symbol, side,
		entry_price, quantity, budget, fee, leverage, status, target_id, stop_order_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ExchangeOrderID, o.UserID, o.TokenID, o.StrategyID, o.Symbol, o.Side, o.EntryPrice, o.Quantity,
		o.Budget, o.Fee, o.Leverage, o.Status, o.TargetID, nullString(o.StopOrderID), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	o.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return o, nil
}

// FindOrderByExchangeID returns the order booked for a user's exchange fill.
func (s *SQLiteStore) FindOrderByExchangeID(ctx context.Context, userID int64, exchangeOrderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = ? AND exchange_order_id = ?`,
		userID, exchangeOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order for exchange id %s: %w", exchangeOrderID, domain.ErrNotFound)
	}
	return o, err
}

func (s *SQLiteStore) UpdateOrderTarget(ctx context.Context, id, targetID int64) error {
	return s.execOne(ctx, id, `UPDATE orders SET target_id = ? WHERE id = ? AND status = 'ACTIVE'`, targetID, id)
}

func (s *SQLiteStore) UpdateOrderStop(ctx context.Context, id int64, stopOrderID string) error {
	return s.execOne(ctx, id, `UPDATE orders SET stop_order_id = ? WHERE id = ?`, nullString(stopOrderID), id)
}

func (s *SQLiteStore) FinishOrder(ctx context.Context, id int64, status domain.OrderStatus, reason domain.CloseReason, markPrice, netProfit float64) error {
	return s.execOne(ctx, id, `UPDATE orders SET status = ?, close_reason = ?, mark_price = ?, net_profit = ?,
		stop_order_id = NULL, closed_at = ? WHERE id = ? AND status = 'ACTIVE'`,
		status, reason, markPrice, netProfit, time.Now().UTC(), id)
}

func (s *SQLiteStore) execOne(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order %d: %w", id, domain.ErrOrderNotActive)
	}
	return nil
}

func (s *SQLiteStore) listOrders(ctx context.Context, query string, args ...any) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *SQLiteStore) ListActiveOrders(ctx context.Context) ([]*domain.Order, error) {
	return s.listOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE status = 'ACTIVE' ORDER BY id`)
}

func (s *SQLiteStore) ListActiveOrdersByToken(ctx context.Context, tokenID int64) ([]*domain.Order, error) {
	return s.listOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE status = 'ACTIVE' AND token_id = ? ORDER BY id`, tokenID)
}

// ListRecentOrders returns the newest orders of any status.
func (s *SQLiteStore) ListRecentOrders(ctx context.Context, limit int) ([]*domain.Order, error) {
	return s.listOrders(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY id DESC LIMIT ?`, limit)
}
