package domain

import "time"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) IsLong() bool {
	return s == SideBuy
}

type OrderStatus string

const (
	OrderActive   OrderStatus = "ACTIVE"
	OrderFinished OrderStatus = "FINISHED"
	OrderExpired  OrderStatus = "EXPIRED"
)

type CloseReason string

const (
	CloseTakeProfit  CloseReason = "TAKE_PROFIT"
	CloseStoploss    CloseReason = "STOPLOSS"
	CloseManual      CloseReason = "MANUAL"
	CloseExpired     CloseReason = "EXPIRED"
	CloseUnprotected CloseReason = "UNPROTECTED"
)

// Order is an opened position owned by one user.
type Order struct {
	ID              int64
	ExchangeOrderID string
	UserID          int64
	TokenID         int64
	StrategyID      int64
	Symbol          string
	Side            Side
	EntryPrice      float64
	Quantity        float64
	Budget          float64
	Fee             float64
	Leverage        int
	Status          OrderStatus
	TargetID        int64
	StopOrderID     string // empty when no stop is outstanding
	MarkPrice       float64
	NetProfit       float64
	CloseReason     CloseReason
	CreatedAt       time.Time
	ClosedAt        *time.Time
}

// Fill is a confirmed exchange execution.
type Fill struct {
	OrderID   string
	Symbol    string
	Side      Side
	Price     float64
	Quantity  float64
	Timestamp time.Time
}

// ExecutionEvent is a filled reduce-only order reported by the push stream
// or the poll fallback.
type ExecutionEvent struct {
	UserID        int64
	Symbol        string
	OrderID       string
	ClientOrderID string
	Side          Side
	OrderType     string
	AvgPrice      float64
	Quantity      float64
	Time          time.Time
}

// Position is the live exchange position of one symbol.
type Position struct {
	Symbol     string
	Side       Side
	Size       float64
	EntryPrice float64
	MarkPrice  float64
	Leverage   int
}
