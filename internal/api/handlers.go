package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/isucon/isucon8-final/internal/auth"
	"github.com/isucon/isucon8-final/internal/db"
	"github.com/isucon/isucon8-final/internal/exchange"
	"github.com/isucon/isucon8-final/internal/models"
)

type ctxKey string

const ctxUserID ctxKey = "user_id"

// Handler maps the core API surface to HTTP. baseTime anchors the chart
// look-back windows and is captured at construction.
type Handler struct {
	db       *db.DB
	engine   *exchange.Engine
	auth     *auth.Service
	hub      *Hub
	baseTime time.Time
}

func NewHandler(database *db.DB, engine *exchange.Engine, authService *auth.Service, hub *Hub) *Handler {
	return &Handler{
		db:       database,
		engine:   engine,
		auth:     authService,
		hub:      hub,
		baseTime: time.Now(),
	}
}

// Signup registers a user after validating the bank account.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		BankID   string `json:"bank_id"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, errors.New("invalid request body"), http.StatusBadRequest)
		return
	}
	user, err := h.auth.Signup(r.Context(), req.Name, req.BankID, req.Password)
	switch errors.Cause(err) {
	case nil:
		h.handleSuccess(w, map[string]interface{}{
			"id":   user.ID,
			"name": user.Name,
		})
	case models.ErrParameterInvalid:
		h.handleError(w, err, http.StatusBadRequest)
	case models.ErrBankAccountNotFound:
		h.handleError(w, err, http.StatusNotFound)
	case models.ErrBankAccountConflict:
		h.handleError(w, err, http.StatusConflict)
	default:
		h.handleError(w, err, http.StatusInternalServerError)
	}
}

// Signin verifies credentials and returns a bearer token.
func (h *Handler) Signin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BankID   string `json:"bank_id"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, errors.New("invalid request body"), http.StatusBadRequest)
		return
	}
	user, token, err := h.auth.Signin(r.Context(), req.BankID, req.Password)
	switch errors.Cause(err) {
	case nil:
		h.handleSuccess(w, map[string]interface{}{
			"token": token,
			"user":  user,
		})
	case models.ErrParameterInvalid:
		h.handleError(w, err, http.StatusBadRequest)
	case models.ErrUserNotFound:
		h.handleError(w, err, http.StatusNotFound)
	default:
		h.handleError(w, err, http.StatusInternalServerError)
	}
}

// AuthMiddleware requires a valid bearer token and stores the user id in the
// request context.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.userIDFromHeader(r)
		if err != nil {
			h.handleError(w, errors.New("not authenticated"), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalAuthMiddleware stores the user id when a valid token is present and
// passes the request through either way.
func (h *Handler) OptionalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID, err := h.userIDFromHeader(r); err == nil {
			r = r.WithContext(context.WithValue(r.Context(), ctxUserID, userID))
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) userIDFromHeader(r *http.Request) (int64, error) {
	token := r.Header.Get("Authorization")
	if token == "" {
		return 0, models.ErrUserNotFound
	}
	token = strings.TrimPrefix(token, "Bearer ")
	return h.auth.UserFromToken(token)
}

func (h *Handler) userByRequest(r *http.Request) (*models.User, error) {
	if id, ok := r.Context().Value(ctxUserID).(int64); ok {
		return h.db.GetUserByID(r.Context(), h.db.Pool, id)
	}
	return nil, models.ErrUserNotFound
}

// PlaceOrder creates an order and, when the spread allows, triggers a
// settlement pass. Settlement failure is never surfaced to the placing
// caller: the order stands, the pass is retried by later activity.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	user, err := h.userByRequest(r)
	if err != nil {
		h.handleError(w, err, http.StatusUnauthorized)
		return
	}
	var req struct {
		Type   string `json:"type"`
		Amount int64  `json:"amount"`
		Price  int64  `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, errors.New("invalid request body"), http.StatusBadRequest)
		return
	}

	var order *models.Order
	err = h.db.TxScope(r.Context(), func(tx pgx.Tx) (err error) {
		order, err = h.db.AddOrder(r.Context(), tx, req.Type, user.ID, req.Amount, req.Price)
		return
	})
	switch errors.Cause(err) {
	case nil:
	case models.ErrParameterInvalid, models.ErrCreditInsufficient:
		h.handleError(w, err, http.StatusBadRequest)
		return
	default:
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}

	tradeChance, err := h.engine.HasTradeChance(r.Context(), order.ID)
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}
	if tradeChance {
		if err := h.engine.Settle(r.Context()); err != nil {
			logrus.WithError(err).Warn("settle after order placement failed")
		}
		h.broadcastQuote(r.Context())
	}
	h.handleSuccess(w, map[string]interface{}{
		"id": order.ID,
	})
}

// GetOrders lists the caller's open and traded orders with relations.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	user, err := h.userByRequest(r)
	if err != nil {
		h.handleError(w, err, http.StatusUnauthorized)
		return
	}
	orders, err := h.db.GetOrdersByUserID(r.Context(), h.db.Pool, user.ID)
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}
	for _, order := range orders {
		if err := h.db.FetchOrderRelation(r.Context(), h.db.Pool, order); err != nil {
			h.handleError(w, err, http.StatusInternalServerError)
			return
		}
	}
	h.handleSuccess(w, orders)
}

// CancelOrder closes the caller's open order. OrderNotFound and AlreadyClosed
// map to 404 so a client can tell "nothing to cancel" from "too late".
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	user, err := h.userByRequest(r)
	if err != nil {
		h.handleError(w, err, http.StatusUnauthorized)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.handleError(w, errors.New("invalid order id"), http.StatusBadRequest)
		return
	}
	err = h.db.TxScope(r.Context(), func(tx pgx.Tx) error {
		return h.db.DeleteOrder(r.Context(), tx, user.ID, id, "canceled")
	})
	switch errors.Cause(err) {
	case nil:
		h.handleSuccess(w, map[string]interface{}{
			"id": id,
		})
	case models.ErrOrderNotFound, models.ErrOrderAlreadyClosed:
		h.handleError(w, err, http.StatusNotFound)
	default:
		h.handleError(w, err, http.StatusInternalServerError)
	}
}

// Info returns the market view: latest trade cursor, the caller's orders
// traded since the cursor, three chart granularities and the top of book.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := make(map[string]interface{}, 10)

	var lastTradeID int64
	lt := time.Unix(0, 0)
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		if lastTradeID, _ = strconv.ParseInt(cursor, 10, 64); lastTradeID > 0 {
			trade, err := h.db.GetTradeByID(ctx, h.db.Pool, lastTradeID)
			if err != nil && err != pgx.ErrNoRows {
				h.handleError(w, errors.Wrap(err, "get cursor trade"), http.StatusInternalServerError)
				return
			}
			if trade != nil {
				lt = trade.CreatedAt
			}
		}
	}

	latestTrade, err := h.db.GetLatestTrade(ctx, h.db.Pool)
	switch {
	case err == pgx.ErrNoRows:
		res["cursor"] = 0
	case err != nil:
		h.handleError(w, errors.Wrap(err, "get latest trade"), http.StatusInternalServerError)
		return
	default:
		res["cursor"] = latestTrade.ID
	}

	if user, err := h.userByRequest(r); err == nil {
		orders, err := h.db.GetOrdersByUserIDAndLastTradeID(ctx, h.db.Pool, user.ID, lastTradeID)
		if err != nil {
			h.handleError(w, err, http.StatusInternalServerError)
			return
		}
		for _, order := range orders {
			if err := h.db.FetchOrderRelation(ctx, h.db.Pool, order); err != nil {
				h.handleError(w, err, http.StatusInternalServerError)
				return
			}
		}
		res["traded_orders"] = orders
	}

	charts := []struct {
		key      string
		unit     string
		lookback time.Duration
		truncate func(time.Time) time.Time
	}{
		{"chart_by_sec", "second", 300 * time.Second, func(t time.Time) time.Time {
			return t.Truncate(time.Second)
		}},
		{"chart_by_min", "minute", 300 * time.Minute, func(t time.Time) time.Time {
			return t.Truncate(time.Minute)
		}},
		{"chart_by_hour", "hour", 48 * time.Hour, func(t time.Time) time.Time {
			return t.Truncate(time.Hour)
		}},
	}
	for _, c := range charts {
		from := h.baseTime.Add(-c.lookback)
		if lt.After(from) {
			from = c.truncate(lt)
		}
		res[c.key], err = h.db.GetCandlestickData(ctx, h.db.Pool, c.unit, from)
		if err != nil {
			h.handleError(w, errors.Wrapf(err, "get candlestick data by %s", c.unit), http.StatusInternalServerError)
			return
		}
	}

	lowestSell, err := h.db.GetLowestSellOrder(ctx, h.db.Pool)
	switch {
	case err == pgx.ErrNoRows:
	case err != nil:
		h.handleError(w, errors.Wrap(err, "get lowest sell order"), http.StatusInternalServerError)
		return
	default:
		res["lowest_sell_price"] = lowestSell.Price
	}

	highestBuy, err := h.db.GetHighestBuyOrder(ctx, h.db.Pool)
	switch {
	case err == pgx.ErrNoRows:
	case err != nil:
		h.handleError(w, errors.Wrap(err, "get highest buy order"), http.StatusInternalServerError)
		return
	default:
		res["highest_buy_price"] = highestBuy.Price
	}

	h.handleSuccess(w, res)
}

// broadcastQuote pushes the current top of book and latest trade to
// websocket subscribers. Best effort.
func (h *Handler) broadcastQuote(ctx context.Context) {
	if h.hub == nil {
		return
	}
	var q Quote
	if sell, err := h.db.GetLowestSellOrder(ctx, h.db.Pool); err == nil {
		q.LowestSellPrice = sell.Price
	}
	if buy, err := h.db.GetHighestBuyOrder(ctx, h.db.Pool); err == nil {
		q.HighestBuyPrice = buy.Price
	}
	if trade, err := h.db.GetLatestTrade(ctx, h.db.Pool); err == nil {
		q.LastTrade = trade
	}
	h.hub.Broadcast(q)
}

func (h *Handler) handleSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Warn("write response json failed")
	}
}

func (h *Handler) handleError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	logrus.WithError(err).WithField("code", code).Warn("request failed")
	data := map[string]interface{}{
		"code": code,
		"err":  err.Error(),
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Warn("write error response json failed")
	}
}
