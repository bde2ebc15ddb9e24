package domain

import "time"

// Token is a tradable futures contract.
type Token struct {
	ID         int64
	Symbol     string // base symbol, e.g. "BTC"
	QuoteAsset string // e.g. "USDT"
	MinQty     float64
	Leverage   int
	Active     bool
}

// Pair returns the exchange symbol, e.g. "BTCUSDT".
func (t *Token) Pair() string {
	return t.Symbol + t.QuoteAsset
}

type Direction string

const (
	DirectionSame     Direction = "SAME"
	DirectionOpposite Direction = "OPPOSITE"
)

// TriggerRule is the candle pattern a child strategy requires before it is chained.
type TriggerRule string

const (
	TriggerAlways    TriggerRule = ""
	TriggerFiveGreen TriggerRule = "FIVE_GREEN"
	TriggerFiveRed   TriggerRule = "FIVE_RED"
	TriggerFiveSame  TriggerRule = "FIVE_SAME"
)

// Strategy is a root strategy (ParentID == nil) opened on schedule, or a
// trigger strategy opened only when its parent's order closes.
type Strategy struct {
	ID                   int64
	Description          string
	Contribution         float64 // percent of the user's trade balance per order
	Active               bool
	CloseBeforeNewCandle bool
	Direction            Direction
	Timeframe            string // "1h", "4h" or "1d"
	ParentID             *int64
	TriggerRule          TriggerRule
}

func (s *Strategy) IsRoot() bool {
	return s.ParentID == nil
}

// Target is one rung of a (token, strategy) ladder.
type Target struct {
	ID              int64
	TokenID         int64
	StrategyID      int64
	TargetPercent   float64
	StoplossPercent float64
}

// User is an account trading on its own exchange credentials.
type User struct {
	ID           int64
	Name         string
	Active       bool
	APIKey       string
	APISecret    string
	TradeBalance float64
	ChatID       int64
	CreatedAt    time.Time
}
