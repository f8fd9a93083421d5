package db

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/isucon/isucon8-final/internal/models"
)

const orderColumns = "id, type, user_id, amount, price, closed_at, trade_id, created_at"

func scanOrder(r rowScanner) (*models.Order, error) {
	var o models.Order
	var tradeID sql.NullInt64
	if err := r.Scan(&o.ID, &o.Type, &o.UserID, &o.Amount, &o.Price, &o.ClosedAt, &tradeID, &o.CreatedAt); err != nil {
		return nil, err
	}
	if tradeID.Valid {
		o.TradeID = tradeID.Int64
	}
	return &o, nil
}

func queryOrders(ctx context.Context, q Queryer, query string, args ...any) ([]*models.Order, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "query orders: %s", query)
	}
	defer rows.Close()
	orders := []*models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate orders")
	}
	return orders, nil
}

// GetOrdersByUserID returns the user's open orders plus every order that
// closed by trading. Orders canceled without a trade are omitted.
func (db *DB) GetOrdersByUserID(ctx context.Context, q Queryer, userID int64) ([]*models.Order, error) {
	return queryOrders(ctx, q,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 AND (closed_at IS NULL OR trade_id IS NOT NULL) ORDER BY created_at ASC",
		userID)
}

// GetOrdersByUserIDAndLastTradeID returns the user's orders closed by trades
// newer than tradeID.
func (db *DB) GetOrdersByUserIDAndLastTradeID(ctx context.Context, q Queryer, userID, tradeID int64) ([]*models.Order, error) {
	return queryOrders(ctx, q,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 AND trade_id IS NOT NULL AND trade_id > $2 ORDER BY created_at ASC",
		userID, tradeID)
}

func (db *DB) GetOrderByID(ctx context.Context, q Queryer, id int64) (*models.Order, error) {
	order, err := scanOrder(q.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (db *DB) getOrderByIDWithLock(ctx context.Context, tx pgx.Tx, id int64) (*models.Order, error) {
	return scanOrder(tx.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id))
}

// GetOpenOrderByID locks the order row and its owner for the duration of tx.
// Returns ErrOrderAlreadyClosed if the order is no longer open.
func (db *DB) GetOpenOrderByID(ctx context.Context, tx pgx.Tx, id int64) (*models.Order, error) {
	order, err := db.getOrderByIDWithLock(ctx, tx, id)
	if err != nil {
		return nil, errors.Wrap(err, "lock order")
	}
	if order.ClosedAt != nil {
		return nil, models.ErrOrderAlreadyClosed
	}
	order.User, err = db.GetUserByIDWithLock(ctx, tx, order.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "lock order owner")
	}
	return order, nil
}

// GetLowestSellOrder returns the best open sell: lowest price, then earliest.
// Propagates pgx.ErrNoRows on an empty side.
func (db *DB) GetLowestSellOrder(ctx context.Context, q Queryer) (*models.Order, error) {
	return scanOrder(q.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE type = $1 AND closed_at IS NULL ORDER BY price ASC, created_at ASC LIMIT 1",
		models.OrderTypeSell))
}

// GetHighestBuyOrder returns the best open buy: highest price, then earliest.
func (db *DB) GetHighestBuyOrder(ctx context.Context, q Queryer) (*models.Order, error) {
	return scanOrder(q.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE type = $1 AND closed_at IS NULL ORDER BY price DESC, created_at ASC LIMIT 1",
		models.OrderTypeBuy))
}

// GetCounterOrders returns the open orders on the opposite side whose price
// crosses the given order's, in match priority: best price first, then
// creation order. The created_at ASC tie-break applies on both sides.
func (db *DB) GetCounterOrders(ctx context.Context, q Queryer, order *models.Order) ([]*models.Order, error) {
	switch order.Type {
	case models.OrderTypeBuy:
		return queryOrders(ctx, q,
			"SELECT "+orderColumns+" FROM orders WHERE type = $1 AND closed_at IS NULL AND price <= $2 ORDER BY price ASC, created_at ASC, id ASC",
			models.OrderTypeSell, order.Price)
	case models.OrderTypeSell:
		return queryOrders(ctx, q,
			"SELECT "+orderColumns+" FROM orders WHERE type = $1 AND closed_at IS NULL AND price >= $2 ORDER BY price DESC, created_at ASC, id ASC",
			models.OrderTypeBuy, order.Price)
	}
	return nil, models.ErrParameterInvalid
}

// FetchOrderRelation loads the owner and, if the order traded, the trade.
func (db *DB) FetchOrderRelation(ctx context.Context, q Queryer, order *models.Order) error {
	var err error
	order.User, err = db.GetUserByID(ctx, q, order.UserID)
	if err != nil {
		return errors.Wrapf(err, "fetch order user. id:%d", order.UserID)
	}
	if order.TradeID > 0 {
		order.Trade, err = db.GetTradeByID(ctx, q, order.TradeID)
		if err != nil {
			return errors.Wrapf(err, "fetch order trade. id:%d", order.TradeID)
		}
	}
	return nil
}

// AddOrder validates and inserts a new order. Buy orders pre-check the
// buyer's balance against the bank before the row is created.
func (db *DB) AddOrder(ctx context.Context, tx pgx.Tx, ot string, userID, amount, price int64) (*models.Order, error) {
	if amount <= 0 || price <= 0 {
		return nil, models.ErrParameterInvalid
	}
	user, err := db.GetUserByIDWithLock(ctx, tx, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "lock user for order. id:%d", userID)
	}
	switch ot {
	case models.OrderTypeBuy:
		totalPrice := price * amount
		if err := db.Bank.Check(ctx, user.BankID, totalPrice); err != nil {
			db.Audit.Record(ctx, "buy.error", map[string]interface{}{
				"error":   err.Error(),
				"user_id": user.ID,
				"amount":  amount,
				"price":   price,
			})
			if errors.Cause(err) == models.ErrCreditInsufficient {
				return nil, models.ErrCreditInsufficient
			}
			return nil, errors.Wrap(err, "bank check")
		}
	case models.OrderTypeSell:
		// the sell side holds the instrument itself, nothing to pre-check
	default:
		return nil, models.ErrParameterInvalid
	}
	order, err := scanOrder(tx.QueryRow(ctx,
		"INSERT INTO orders (type, user_id, amount, price) VALUES ($1, $2, $3, $4) RETURNING "+orderColumns,
		ot, user.ID, amount, price))
	if err != nil {
		return nil, errors.Wrap(err, "insert order")
	}
	db.Audit.Record(ctx, ot+".order", map[string]interface{}{
		"order_id": order.ID,
		"user_id":  user.ID,
		"amount":   amount,
		"price":    price,
	})
	return order, nil
}

// DeleteOrder cancels the caller's open order. The order row is locked so a
// concurrent match observes the closed state.
func (db *DB) DeleteOrder(ctx context.Context, tx pgx.Tx, userID, orderID int64, reason string) error {
	user, err := db.GetUserByIDWithLock(ctx, tx, userID)
	if err != nil {
		return errors.Wrapf(err, "lock user for cancel. id:%d", userID)
	}
	order, err := db.getOrderByIDWithLock(ctx, tx, orderID)
	switch {
	case err == pgx.ErrNoRows:
		return models.ErrOrderNotFound
	case err != nil:
		return errors.Wrapf(err, "lock order for cancel. id:%d", orderID)
	case order.UserID != user.ID:
		return models.ErrOrderNotFound
	case order.ClosedAt != nil:
		return models.ErrOrderAlreadyClosed
	}
	return db.CancelOrder(ctx, tx, order, reason)
}

// CancelOrder closes an order without a trade and emits the audit event.
func (db *DB) CancelOrder(ctx context.Context, q Queryer, order *models.Order, reason string) error {
	if _, err := q.Exec(ctx, "UPDATE orders SET closed_at = now() WHERE id = $1", order.ID); err != nil {
		return errors.Wrap(err, "update order for cancel")
	}
	db.Audit.Record(ctx, order.Type+".delete", map[string]interface{}{
		"order_id": order.ID,
		"user_id":  order.UserID,
		"reason":   reason,
	})
	return nil
}
