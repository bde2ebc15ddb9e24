package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vitos/futures_ladder/internal/domain"
	"go.uber.org/zap"
)

var ErrInvalidRequest = errors.New("invalid backtest request")

// sourceInterval is the candle resolution the replay steps through.
const sourceInterval = "1h"

// Request is the backtest boundary input.
type Request struct {
	TokenID    int64   `json:"token" binding:"required"`
	Year       int     `json:"year" binding:"required"`
	StrategyID int64   `json:"strategyId" binding:"required"`
	Budget     float64 `json:"budget" binding:"required,gt=0"`
	// Display is the chart resolution, "1d" when empty.
	Display string `json:"display"`
}

// Service loads history and configuration for Simulate.
type Service struct {
	market     domain.MarketData
	strategies domain.StrategyRepository
	feeRate    float64
	logger     *zap.Logger
}

func NewService(market domain.MarketData, strategies domain.StrategyRepository, feeRate float64, logger *zap.Logger) *Service {
	return &Service{market: market, strategies: strategies, feeRate: feeRate, logger: logger}
}

func (s *Service) Run(ctx context.Context, req Request) (*Report, error) {
	if req.Year < 2017 || req.Budget <= 0 {
		return nil, fmt.Errorf("%w: year %d budget %v", ErrInvalidRequest, req.Year, req.Budget)
	}
	display := 24 * time.Hour
	if req.Display != "" {
		d, err := displayWidth(req.Display)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		display = d
	}

	token, err := s.strategies.GetToken(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}
	strategy, err := s.strategies.GetStrategy(ctx, req.StrategyID)
	if err != nil {
		return nil, err
	}
	if !strategy.IsRoot() {
		return nil, fmt.Errorf("%w: strategy %d is a trigger strategy", ErrInvalidRequest, strategy.ID)
	}
	ladder, err := s.strategies.ListTargets(ctx, token.ID, strategy.ID)
	if err != nil {
		return nil, err
	}

	in := Input{
		Strategy: strategy,
		Ladder:   ladder,
		Budget:   req.Budget,
		Leverage: token.Leverage,
		FeeRate:  s.feeRate,
	}
	children, err := s.strategies.ListChildStrategies(ctx, strategy.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		tl, err := s.strategies.ListTargets(ctx, token.ID, child.ID)
		if err != nil {
			return nil, err
		}
		in.Triggers = append(in.Triggers, TriggerStrategy{Strategy: child, Ladder: tl})
	}

	start := time.Date(req.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0).Add(-time.Millisecond)
	in.Candles, err = s.market.Candles(ctx, token.Pair(), sourceInterval, start, end)
	if err != nil {
		return nil, fmt.Errorf("candles: %w", err)
	}

	res, err := Simulate(in)
	if err != nil {
		return nil, err
	}
	report := BuildReport(res, req.Budget, display)
	report.Symbol = token.Pair()
	report.Year = req.Year
	report.StrategyID = strategy.ID

	s.logger.Info("Backtest finished", zap.String("symbol", token.Pair()), zap.Int("year", req.Year),
		zap.Int64("strategy_id", strategy.ID), zap.Int("candles", len(in.Candles)),
		zap.Int("trades", report.Summary.Trades), zap.Float64("net_profit", report.Summary.NetProfit))
	return report, nil
}

func displayWidth(s string) (time.Duration, error) {
	if s == "1w" {
		return 7 * 24 * time.Hour, nil
	}
	return domain.TimeframeDuration(s)
}
