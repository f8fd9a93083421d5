package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/isucon/isucon8-final/internal/models"
)

const tradeColumns = "id, amount, price, created_at"

func scanTrade(r rowScanner) (*models.Trade, error) {
	var t models.Trade
	if err := r.Scan(&t.ID, &t.Amount, &t.Price, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// AddTrade appends one trade record. Trade rows are never updated or deleted.
func (db *DB) AddTrade(ctx context.Context, tx pgx.Tx, amount, price int64) (*models.Trade, error) {
	trade, err := scanTrade(tx.QueryRow(ctx,
		"INSERT INTO trades (amount, price) VALUES ($1, $2) RETURNING "+tradeColumns,
		amount, price))
	if err != nil {
		return nil, errors.Wrap(err, "insert trade")
	}
	db.Audit.Record(ctx, "trade", map[string]interface{}{
		"trade_id": trade.ID,
		"price":    trade.Price,
		"amount":   trade.Amount,
	})
	return trade, nil
}

// CloseOrderIntoTrade marks the order closed by the given trade and emits the
// per-order audit event at the clearing price.
func (db *DB) CloseOrderIntoTrade(ctx context.Context, tx pgx.Tx, trade *models.Trade, order *models.Order) error {
	if _, err := tx.Exec(ctx,
		"UPDATE orders SET trade_id = $1, closed_at = now() WHERE id = $2",
		trade.ID, order.ID); err != nil {
		return errors.Wrap(err, "update order for trade")
	}
	db.Audit.Record(ctx, order.Type+".trade", map[string]interface{}{
		"order_id": order.ID,
		"price":    trade.Price,
		"amount":   order.Amount,
		"user_id":  order.UserID,
		"trade_id": trade.ID,
	})
	return nil
}

func (db *DB) GetTradeByID(ctx context.Context, q Queryer, id int64) (*models.Trade, error) {
	return scanTrade(q.QueryRow(ctx, "SELECT "+tradeColumns+" FROM trades WHERE id = $1", id))
}

// GetLatestTrade propagates pgx.ErrNoRows when nothing has traded yet.
func (db *DB) GetLatestTrade(ctx context.Context, q Queryer) (*models.Trade, error) {
	return scanTrade(q.QueryRow(ctx, "SELECT "+tradeColumns+" FROM trades ORDER BY id DESC LIMIT 1"))
}

// GetCandlestickData aggregates trades since mt into one OHLC point per
// date_trunc bucket (unit is "second", "minute" or "hour"): open and close
// come from the earliest and latest trade in the bucket, high and low from
// the price extremes.
func (db *DB) GetCandlestickData(ctx context.Context, q Queryer, unit string, mt time.Time) ([]*models.Candlestick, error) {
	rows, err := q.Query(ctx, `
		SELECT m.t, a.price, b.price, m.h, m.l
		FROM (
			SELECT
				date_trunc($1, created_at) AS t,
				MIN(id) AS min_id,
				MAX(id) AS max_id,
				MAX(price) AS h,
				MIN(price) AS l
			FROM trades
			WHERE created_at >= $2
			GROUP BY t
		) m
		JOIN trades a ON a.id = m.min_id
		JOIN trades b ON b.id = m.max_id
		ORDER BY m.t
	`, unit, mt)
	if err != nil {
		return nil, errors.Wrap(err, "query candlestick data")
	}
	defer rows.Close()
	data := []*models.Candlestick{}
	for rows.Next() {
		var c models.Candlestick
		if err := rows.Scan(&c.Time, &c.Open, &c.Close, &c.High, &c.Low); err != nil {
			return nil, errors.Wrap(err, "scan candlestick")
		}
		data = append(data, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate candlesticks")
	}
	return data, nil
}
