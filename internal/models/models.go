package models

import "time"

const (
	OrderTypeBuy  = "buy"
	OrderTypeSell = "sell"
)

// User represents a registered user. BankID references the user's account at
// the external bank and is never serialized.
type User struct {
	ID        int64     `json:"id"`
	BankID    string    `json:"-"`
	Name      string    `json:"name"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"-"`
}

// Order is a buy or sell order. An order is open while ClosedAt is nil; a
// non-zero TradeID means it closed by matching rather than cancellation.
// Amount and Price are immutable after creation.
type Order struct {
	ID        int64      `json:"id"`
	Type      string     `json:"type"`
	UserID    int64      `json:"user_id"`
	Amount    int64      `json:"amount"`
	Price     int64      `json:"price"`
	ClosedAt  *time.Time `json:"closed_at"`
	TradeID   int64      `json:"trade_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	User      *User      `json:"user,omitempty"`
	Trade     *Trade     `json:"trade,omitempty"`
}

// Trade is one successful match event. Price is the clearing price, the price
// of the order that initiated the match.
type Trade struct {
	ID        int64     `json:"id"`
	Amount    int64     `json:"amount"`
	Price     int64     `json:"price"`
	CreatedAt time.Time `json:"created_at"`
}

// Candlestick is one OHLC point derived from trade history.
type Candlestick struct {
	Time  time.Time `json:"time"`
	Open  int64     `json:"open"`
	Close int64     `json:"close"`
	High  int64     `json:"high"`
	Low   int64     `json:"low"`
}
