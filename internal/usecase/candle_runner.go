package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/vitos/futures_ladder/internal/domain"
	"go.uber.org/zap"
)

// candleSettle lets the exchange publish the closed candle before it is read.
const candleSettle = 3 * time.Second

// CandleRunner opens root strategies at every boundary of their timeframe.
type CandleRunner struct {
	svc    *OrderService
	market domain.MarketData
	logger *zap.Logger
	now    func() time.Time
}

func NewCandleRunner(svc *OrderService, market domain.MarketData, logger *zap.Logger) *CandleRunner {
	return &CandleRunner{svc: svc, market: market, logger: logger, now: time.Now}
}

func (c *CandleRunner) Run(ctx context.Context) {
	for {
		now := c.now().UTC()
		// every timeframe boundary is also an hour boundary
		next := domain.AlignDown(now, time.Hour).Add(time.Hour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now) + candleSettle):
		}
		c.RunBoundary(ctx, next)
	}
}

// RunBoundary runs every active root strategy whose timeframe starts a new
// bucket at boundary.
func (c *CandleRunner) RunBoundary(ctx context.Context, boundary time.Time) {
	roots, err := c.svc.strategies.ListRootStrategies(ctx)
	if err != nil {
		c.logger.Error("Candle runner: strategies", zap.Error(err))
		return
	}
	tokens, err := c.svc.strategies.ListActiveTokens(ctx)
	if err != nil {
		c.logger.Error("Candle runner: tokens", zap.Error(err))
		return
	}

	for _, st := range roots {
		width, err := domain.TimeframeDuration(st.Timeframe)
		if err != nil {
			c.logger.Warn("Candle runner: strategy skipped", zap.Int64("strategy_id", st.ID), zap.Error(err))
			continue
		}
		if !domain.AlignDown(boundary, width).Equal(boundary.UTC()) {
			continue
		}
		for _, token := range tokens {
			if err := c.runPair(ctx, token, st, boundary, width); err != nil {
				c.logger.Error("Candle runner failed", zap.String("symbol", token.Pair()),
					zap.Int64("strategy_id", st.ID), zap.Error(err))
			}
		}
	}
}

func (c *CandleRunner) runPair(ctx context.Context, token *domain.Token, st *domain.Strategy, boundary time.Time, width time.Duration) error {
	ladder, err := c.svc.strategies.ListTargets(ctx, token.ID, st.ID)
	if err != nil {
		return err
	}
	if len(ladder) == 0 {
		return nil
	}

	candles, err := c.market.Candles(ctx, token.Pair(), st.Timeframe, boundary.Add(-width), boundary.Add(-time.Millisecond))
	if err != nil {
		return fmt.Errorf("previous candle: %w", err)
	}
	if len(candles) == 0 {
		return fmt.Errorf("no closed %s candle before %s", st.Timeframe, boundary.Format(time.RFC3339))
	}
	side := CandleSide(candles[len(candles)-1], st.Direction)

	if st.CloseBeforeNewCandle {
		n, err := c.svc.ExpireStrategy(ctx, token.ID, st.ID)
		if err != nil {
			c.logger.Warn("Candle runner: expire incomplete", zap.String("symbol", token.Pair()), zap.Error(err))
		}
		if n > 0 {
			c.logger.Info("Orders expired at candle boundary", zap.String("symbol", token.Pair()), zap.Int("count", n))
		}
	}

	opened, err := c.svc.OpenStrategy(ctx, token.ID, st.ID, side)
	if opened > 0 {
		c.logger.Info("Strategy opened", zap.String("symbol", token.Pair()), zap.Int64("strategy_id", st.ID),
			zap.String("side", string(side)), zap.Int("orders", opened))
	}
	return err
}
