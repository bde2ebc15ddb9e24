package domain

import (
	"context"
	"time"
)

// Exchange is the per-account capability surface of a futures exchange.
type Exchange interface {
	OpenMarketOrder(ctx context.Context, symbol string, side Side, qty float64) (*Fill, error)
	// ClosePosition closes qty of a position opened on side.
	ClosePosition(ctx context.Context, symbol string, side Side, qty float64) (*Fill, error)
	// PlaceStop protects a position opened on side.
	PlaceStop(ctx context.Context, symbol string, side Side, stopPrice, qty float64) (string, error)
	CancelStops(ctx context.Context, symbol string, stopOrderIDs []string) error
	VerifyOrder(ctx context.Context, symbol, orderID string) (*Fill, error)
	RecentFilledOrder(ctx context.Context, symbol string, side Side) (*Fill, error)
	HasOpenPosition(ctx context.Context, symbol string) (bool, error)
	WalletBalance(ctx context.Context) (float64, error)
	Price(ctx context.Context, symbol string) (float64, error)
	DailyCandles(ctx context.Context, symbol string, days int) ([]Candle, error)
	RecentStopFills(ctx context.Context, symbol string, limit int) ([]ExecutionEvent, error)
	PrepareSymbol(ctx context.Context, symbol string, leverage int) error
}

// MarketData serves public history for the backtest.
type MarketData interface {
	Candles(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, error)
}

// PriceSource is the public price feed used by the price watch.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// ExecutionHandler receives execution events from the push stream.
type ExecutionHandler interface {
	HandleStopExecuted(ctx context.Context, ev ExecutionEvent)
	HandleManualClose(ctx context.Context, ev ExecutionEvent)
}

// OrderRepository is the durable order store.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id int64) (*Order, error)
	FindOrderByExchangeID(ctx context.Context, userID int64, exchangeOrderID string) (*Order, error)
	UpdateOrderTarget(ctx context.Context, id, targetID int64) error
	UpdateOrderStop(ctx context.Context, id int64, stopOrderID string) error
	FinishOrder(ctx context.Context, id int64, status OrderStatus, reason CloseReason, markPrice, netProfit float64) error
	ListActiveOrders(ctx context.Context) ([]*Order, error)
	ListActiveOrdersByToken(ctx context.Context, tokenID int64) ([]*Order, error)
}

// StrategyRepository reads tokens, strategies and ladders.
type StrategyRepository interface {
	GetToken(ctx context.Context, id int64) (*Token, error)
	ListActiveTokens(ctx context.Context) ([]*Token, error)
	GetStrategy(ctx context.Context, id int64) (*Strategy, error)
	ListRootStrategies(ctx context.Context) ([]*Strategy, error)
	ListChildStrategies(ctx context.Context, parentID int64) ([]*Strategy, error)
	GetTarget(ctx context.Context, id int64) (*Target, error)
	// ListTargets returns the ladder ordered by ascending TargetPercent.
	ListTargets(ctx context.Context, tokenID, strategyID int64) ([]*Target, error)
	// NextTarget returns the first rung above percent, or nil for the final rung.
	NextTarget(ctx context.Context, tokenID, strategyID int64, percent float64) (*Target, error)
}

// UserRepository reads accounts and their subscriptions.
type UserRepository interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	ListActiveUsers(ctx context.Context) ([]*User, error)
	ListEligibleUsers(ctx context.Context, tokenID, strategyID int64) ([]*User, error)
	CountUserStrategies(ctx context.Context, userID, tokenID int64) (int, error)
}

type NotificationKind string

const (
	NotifyOpened      NotificationKind = "opened"
	NotifyTargetMoved NotificationKind = "target_moved"
	NotifyStopHit     NotificationKind = "stop_hit"
	NotifyClosed      NotificationKind = "closed"
	NotifyAnomaly     NotificationKind = "anomaly"
)

type Notification struct {
	Kind    NotificationKind
	UserID  int64
	OrderID int64
	Symbol  string
	Text    string
}

// Notifier delivers fire-and-forget messages; delivery errors stay inside.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}
