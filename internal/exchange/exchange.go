// Package exchange implements the order-matching engine and the settlement
// loop that drives it.
//
// All book state lives in the relational store; a match attempt coordinates
// with concurrent attempts purely through row locks held for the duration of
// its transaction. Funds move through a two-phase reserve/commit protocol
// against the bank ledger, and every reservation taken during an attempt is
// resolved before the transaction ends.
package exchange

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/isucon/isucon8-final/internal/db"
	"github.com/isucon/isucon8-final/internal/models"
)

// Engine matches orders against the shared book. Collaborators are injected
// once at construction; Engine itself holds no book state.
type Engine struct {
	db *db.DB
}

func NewEngine(database *db.DB) *Engine {
	return &Engine{db: database}
}

// HasTradeChance reports whether the given order could plausibly match given
// the current spread. Advisory: it reads without locks and may be stale by
// the time a match is attempted.
func (e *Engine) HasTradeChance(ctx context.Context, orderID int64) (bool, error) {
	order, err := e.db.GetOrderByID(ctx, e.db.Pool, orderID)
	if err != nil {
		return false, errors.Wrap(err, "get order")
	}

	lowest, err := e.db.GetLowestSellOrder(ctx, e.db.Pool)
	switch {
	case err == pgx.ErrNoRows:
		return false, nil
	case err != nil:
		return false, errors.Wrap(err, "get lowest sell order")
	}

	highest, err := e.db.GetHighestBuyOrder(ctx, e.db.Pool)
	switch {
	case err == pgx.ErrNoRows:
		return false, nil
	case err != nil:
		return false, errors.Wrap(err, "get highest buy order")
	}

	switch order.Type {
	case models.OrderTypeBuy:
		return lowest.Price <= order.Price, nil
	case models.OrderTypeSell:
		return order.Price <= highest.Price, nil
	}
	return false, errors.Errorf("unknown order type [%s]", order.Type)
}

// reserveOrder places a signed hold for the order's full amount at price:
// negative for a buy (the buyer must be able to pay), positive for a sell.
// An insufficient-credit rejection cancels the order with reason
// reserve_failed before the error is returned.
func (e *Engine) reserveOrder(ctx context.Context, tx pgx.Tx, order *models.Order, price int64) (int64, error) {
	p := order.Amount * price
	if order.Type == models.OrderTypeBuy {
		p = -p
	}

	id, err := e.db.Bank.Reserve(ctx, order.User.BankID, p)
	if err != nil {
		if errors.Cause(err) == models.ErrCreditInsufficient {
			if derr := e.db.CancelOrder(ctx, tx, order, "reserve_failed"); derr != nil {
				return 0, derr
			}
			e.db.Audit.Record(ctx, order.Type+".error", map[string]interface{}{
				"error":   err.Error(),
				"user_id": order.UserID,
				"amount":  order.Amount,
				"price":   price,
			})
			return 0, models.ErrCreditInsufficient
		}
		return 0, errors.Wrap(err, "bank reserve")
	}
	return id, nil
}

// commitTrade records the trade at the aggressor's amount and price, closes
// the aggressor and every filled counter-order into it, and finalizes the
// held reservations.
func (e *Engine) commitTrade(ctx context.Context, tx pgx.Tx, order *models.Order, targets []*models.Order, reserves []int64) error {
	trade, err := e.db.AddTrade(ctx, tx, order.Amount, order.Price)
	if err != nil {
		return err
	}
	for _, o := range append(targets, order) {
		if err := e.db.CloseOrderIntoTrade(ctx, tx, trade, o); err != nil {
			return err
		}
	}
	if err := e.db.Bank.Commit(ctx, reserves); err != nil {
		return errors.Wrap(err, "bank commit")
	}
	return nil
}

// TryMatch attempts to fully fill one candidate order inside tx.
//
// Counter-orders are scanned without locks in price-time priority, then the
// candidate and scanned counters are locked in ascending id order so that
// concurrent attempts touching overlapping orders always acquire row locks in
// one global order. The greedy walk over the locked counters skips any order
// larger than the unfilled remainder: an order fills for its whole amount or
// not at all.
func (e *Engine) TryMatch(ctx context.Context, tx pgx.Tx, orderID int64) error {
	order, err := e.db.GetOrderByID(ctx, tx, orderID)
	if err != nil {
		return errors.Wrap(err, "get candidate order")
	}
	if order.ClosedAt != nil {
		return models.ErrOrderAlreadyClosed
	}

	counters, err := e.db.GetCounterOrders(ctx, tx, order)
	if err != nil {
		return errors.Wrap(err, "find counter orders")
	}
	if len(counters) == 0 {
		return models.ErrNoCounterOrder
	}

	ids := make([]int64, 0, len(counters)+1)
	ids = append(ids, order.ID)
	for _, o := range counters {
		ids = append(ids, o.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	locked := make(map[int64]*models.Order, len(ids))
	for _, id := range ids {
		o, err := e.db.GetOpenOrderByID(ctx, tx, id)
		if err != nil {
			if errors.Cause(err) == models.ErrOrderAlreadyClosed {
				if id == order.ID {
					return models.ErrOrderAlreadyClosed
				}
				continue
			}
			return err
		}
		locked[id] = o
	}
	order = locked[order.ID]

	restAmount := order.Amount
	unitPrice := order.Price
	reserves := make([]int64, 0, len(counters)+1)
	targets := make([]*models.Order, 0, len(counters))

	defer func() {
		// reservations must never outlive the attempt
		if len(reserves) > 0 {
			if err := e.db.Bank.Cancel(ctx, reserves); err != nil {
				logrus.WithError(err).Warn("cancel bank reservations failed")
			}
		}
	}()

	rid, err := e.reserveOrder(ctx, tx, order, unitPrice)
	if err != nil {
		return err
	}
	reserves = append(reserves, rid)

	for _, c := range counters {
		to, ok := locked[c.ID]
		if !ok {
			// closed between the scan and the lock pass
			continue
		}
		if to.Amount > restAmount {
			continue
		}
		rid, err := e.reserveOrder(ctx, tx, to, unitPrice)
		if err != nil {
			if errors.Cause(err) == models.ErrCreditInsufficient {
				continue
			}
			return err
		}
		reserves = append(reserves, rid)
		targets = append(targets, to)
		restAmount -= to.Amount
		if restAmount == 0 {
			break
		}
	}
	if restAmount > 0 {
		return models.ErrNoCounterOrder
	}
	if err := e.commitTrade(ctx, tx, order, targets, reserves); err != nil {
		return err
	}
	reserves = reserves[:0]
	return nil
}

// Settle drives match attempts until the book cannot clear further.
//
// Each pass reads the best open orders on both sides; if the spread crosses,
// the side with the larger amount is tried first. A successful match restarts
// the pass because the book changed. The loop is bounded by the finite set of
// open orders: every successful match closes at least two of them.
func (e *Engine) Settle(ctx context.Context) error {
	for {
		lowestSell, err := e.db.GetLowestSellOrder(ctx, e.db.Pool)
		switch {
		case err == pgx.ErrNoRows:
			return nil
		case err != nil:
			return errors.Wrap(err, "get lowest sell order")
		}

		highestBuy, err := e.db.GetHighestBuyOrder(ctx, e.db.Pool)
		switch {
		case err == pgx.ErrNoRows:
			return nil
		case err != nil:
			return errors.Wrap(err, "get highest buy order")
		}

		if lowestSell.Price > highestBuy.Price {
			return nil
		}

		candidates := make([]int64, 0, 2)
		if lowestSell.Amount > highestBuy.Amount {
			candidates = append(candidates, lowestSell.ID, highestBuy.ID)
		} else {
			candidates = append(candidates, highestBuy.ID, lowestSell.ID)
		}

		matched := false
		for _, orderID := range candidates {
			var terr error
			err := e.db.TxScope(ctx, func(tx pgx.Tx) error {
				terr = e.TryMatch(ctx, tx, orderID)
				switch errors.Cause(terr) {
				case nil, models.ErrNoCounterOrder, models.ErrOrderAlreadyClosed, models.ErrCreditInsufficient:
					// commit: skip-induced cancellations must persist and
					// locks must be released
					return nil
				default:
					return terr
				}
			})
			if err != nil {
				return err
			}
			switch errors.Cause(terr) {
			case nil:
				logrus.WithField("order_id", orderID).Debug("trade settled")
				matched = true
			case models.ErrNoCounterOrder, models.ErrOrderAlreadyClosed:
				// try the smaller side
				continue
			case models.ErrCreditInsufficient:
				return terr
			}
			if matched {
				break
			}
		}
		if !matched {
			// not enough crossing volume; not an error
			return nil
		}
	}
}
