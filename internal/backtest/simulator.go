package backtest

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/futures_ladder/internal/domain"
	"github.com/vitos/futures_ladder/internal/usecase"
)

// Input is everything one replay needs. Candles are ascending at source
// resolution and must be finer than or equal to the strategy timeframe.
type Input struct {
	Candles       []domain.Candle
	Strategy      *domain.Strategy
	Ladder        []*domain.Target
	// Triggers are the active child strategies in selection order.
	Triggers []TriggerStrategy
	Budget   float64
	Leverage int
	FeeRate  float64
	// NewID labels synthetic orders; it never affects which trades happen.
	NewID func() string
}

// TriggerStrategy is a child strategy with its ladder for the token.
type TriggerStrategy struct {
	Strategy *domain.Strategy
	Ladder   []*domain.Target
}

// OpenMark is a synthetic open shown on the chart.
type OpenMark struct {
	ID      string      `json:"id"`
	Side    domain.Side `json:"side"`
	Price   float64     `json:"price"`
	Trigger bool        `json:"trigger"`
}

// Trade is a closed synthetic order.
type Trade struct {
	ID         string             `json:"id"`
	Side       domain.Side        `json:"side"`
	EntryTime  int64              `json:"entryTime"`
	EntryPrice float64            `json:"entryPrice"`
	ExitTime   int64              `json:"exitTime"`
	ExitPrice  float64            `json:"exitPrice"`
	Quantity   float64            `json:"quantity"`
	Profit     float64            `json:"profit"`
	Reason     domain.CloseReason `json:"reason"`
	StrategyID int64              `json:"strategyId"`
	Trigger    bool               `json:"trigger"`
	Rung       int                `json:"rung"`
}

// ChartPoint is one evaluation bucket with what happened inside it.
type ChartPoint struct {
	Time   int64         `json:"time"`
	Candle domain.Candle `json:"candle"`
	Opened []OpenMark    `json:"opened,omitempty"`
	Closed []Trade       `json:"closed,omitempty"`
}

// Result is the raw output of a replay.
type Result struct {
	Chart  []ChartPoint `json:"chart"`
	Trades []Trade      `json:"trades"`
}

type simOrder struct {
	id         string
	strategyID int64
	side       domain.Side
	entry      float64
	qty        float64
	opened     int64
	rung       int
	trigger    bool
	ladder     []*domain.Target
}

type simulator struct {
	in     Input
	width  time.Duration
	open   []*simOrder
	trades []Trade
	chart  []ChartPoint
	daily  []domain.Candle
}

// Simulate replays the ladder rules over in.Candles. It reads no clock and
// does no I/O; equal inputs give equal trades.
func Simulate(in Input) (*Result, error) {
	if in.Strategy == nil {
		return nil, fmt.Errorf("strategy required")
	}
	if len(in.Ladder) == 0 {
		return nil, fmt.Errorf("strategy %d: %w", in.Strategy.ID, domain.ErrTargetNotFound)
	}
	width, err := domain.TimeframeDuration(in.Strategy.Timeframe)
	if err != nil {
		return nil, err
	}
	if in.NewID == nil {
		in.NewID = uuid.NewString
	}
	if in.Leverage < 1 {
		in.Leverage = 1
	}

	s := &simulator{in: in, width: width}
	for _, c := range in.Candles {
		s.step(c)
	}
	return &Result{Chart: s.chart, Trades: s.trades}, nil
}

func (s *simulator) step(c domain.Candle) {
	start := bucketStart(c.Time, s.width)
	n := len(s.chart)
	newBucket := n == 0 || s.chart[n-1].Time != start

	var prev *domain.Candle
	if newBucket {
		if n > 0 {
			last := s.chart[n-1].Candle
			prev = &last
		}
		bucket := c
		bucket.Time = start
		s.chart = append(s.chart, ChartPoint{Time: start, Candle: bucket})
	} else {
		s.chart[n-1].Candle = merge(s.chart[n-1].Candle, c)
	}
	s.trackDaily(c)

	s.check(c)

	if prev == nil {
		return
	}
	side := usecase.CandleSide(*prev, s.in.Strategy.Direction)
	switch {
	case len(s.open) == 0:
		s.openOrder(c, side, c.Open)
	case s.in.Strategy.CloseBeforeNewCandle:
		for _, o := range s.open {
			s.closeOrder(o, c, c.Open, domain.CloseExpired)
		}
		s.open = nil
		s.openOrder(c, side, c.Open)
		// catch an intra-candle hit on the fresh position
		s.check(c)
	}
}

// check runs stoploss then target-hit for every open order against c.
func (s *simulator) check(c domain.Candle) {
	var keep []*simOrder
	var chained []*simOrder
	for _, o := range s.open {
		rung := o.ladder[o.rung]
		stop := usecase.StopPrice(o.side, o.entry, rung.StoplossPercent)
		if usecase.StopHit(o.side, adverse(o.side, c), stop) {
			s.closeOrder(o, c, stop, domain.CloseStoploss)
			continue
		}

		trigger := usecase.TriggerPrice(o.side, o.entry, rung.TargetPercent)
		if !usecase.TargetHit(o.side, favorable(o.side, c), trigger) {
			keep = append(keep, o)
			continue
		}
		if o.rung < len(o.ladder)-1 {
			o.rung++
			keep = append(keep, o)
			continue
		}
		s.closeOrder(o, c, trigger, domain.CloseTakeProfit)
		if !o.trigger {
			if next := s.chain(o, c, trigger); next != nil {
				chained = append(chained, next)
			}
		}
	}
	s.open = append(keep, chained...)
}

// chain opens the first child whose rule matches the closed daily candles,
// the same choice the live engine makes when a root order closes.
func (s *simulator) chain(parent *simOrder, c domain.Candle, price float64) *simOrder {
	if len(s.in.Triggers) == 0 {
		return nil
	}
	children := make([]*domain.Strategy, len(s.in.Triggers))
	for i, t := range s.in.Triggers {
		children[i] = t.Strategy
	}
	child := usecase.SelectTrigger(children, s.closedDays())
	if child == nil {
		return nil
	}
	var ladder []*domain.Target
	for _, t := range s.in.Triggers {
		if t.Strategy == child {
			ladder = t.Ladder
			break
		}
	}
	// a matched child without targets opens nothing live either
	if len(ladder) == 0 {
		return nil
	}
	o := s.newOrder(c, usecase.ChildSide(parent.side, child), price, child.ID, ladder, true)
	s.markOpen(o)
	return o
}

func (s *simulator) openOrder(c domain.Candle, side domain.Side, price float64) {
	o := s.newOrder(c, side, price, s.in.Strategy.ID, s.in.Ladder, false)
	s.open = append(s.open, o)
	s.markOpen(o)
}

func (s *simulator) newOrder(c domain.Candle, side domain.Side, price float64, strategyID int64, ladder []*domain.Target, trigger bool) *simOrder {
	return &simOrder{
		id:         s.in.NewID(),
		strategyID: strategyID,
		side:       side,
		entry:      price,
		qty:        s.in.Budget * float64(s.in.Leverage) / price,
		opened:     c.Time,
		trigger:    trigger,
		ladder:     ladder,
	}
}

func (s *simulator) markOpen(o *simOrder) {
	p := s.point()
	p.Opened = append(p.Opened, OpenMark{ID: o.id, Side: o.side, Price: o.entry, Trigger: o.trigger})
}

func (s *simulator) closeOrder(o *simOrder, c domain.Candle, exit float64, reason domain.CloseReason) {
	profit := usecase.GrossProfit(o.side, o.entry, exit, o.qty)
	if s.in.FeeRate > 0 {
		profit -= usecase.Fee(o.entry, o.qty, s.in.FeeRate) + usecase.Fee(exit, o.qty, s.in.FeeRate)
	}
	t := Trade{
		ID:         o.id,
		Side:       o.side,
		EntryTime:  o.opened,
		EntryPrice: o.entry,
		ExitTime:   c.Time,
		ExitPrice:  exit,
		Quantity:   o.qty,
		Profit:     profit,
		Reason:     reason,
		StrategyID: o.strategyID,
		Trigger:    o.trigger,
		Rung:       o.rung,
	}
	s.trades = append(s.trades, t)
	p := s.point()
	p.Closed = append(p.Closed, t)
}

// point is the chart bucket of the candle being stepped.
func (s *simulator) point() *ChartPoint {
	return &s.chart[len(s.chart)-1]
}

func (s *simulator) trackDaily(c domain.Candle) {
	start := bucketStart(c.Time, 24*time.Hour)
	if n := len(s.daily); n > 0 && s.daily[n-1].Time == start {
		s.daily[n-1] = merge(s.daily[n-1], c)
		return
	}
	c.Time = start
	s.daily = append(s.daily, c)
}

// closedDays drops the day still forming.
func (s *simulator) closedDays() []domain.Candle {
	if len(s.daily) == 0 {
		return nil
	}
	return s.daily[:len(s.daily)-1]
}

// adverse is the candle extreme that moves against side.
func adverse(side domain.Side, c domain.Candle) float64 {
	if side.IsLong() {
		return c.Low
	}
	return c.High
}

func favorable(side domain.Side, c domain.Candle) float64 {
	if side.IsLong() {
		return c.High
	}
	return c.Low
}
