package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/futures_ladder/internal/domain"
	"github.com/vitos/futures_ladder/internal/infrastructure/storage"
	"go.uber.org/zap"
)

type fakeMarket struct {
	candles  []domain.Candle
	interval string
	start    time.Time
	end      time.Time
}

func (m *fakeMarket) Candles(ctx context.Context, symbol, interval string, start, end time.Time) ([]domain.Candle, error) {
	m.interval, m.start, m.end = interval, start, end
	return m.candles, nil
}

func TestService_Run(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	token := &domain.Token{Symbol: "ETH", QuoteAsset: "USDT", MinQty: 0.01, Leverage: 2, Active: true}
	require.NoError(t, store.SaveToken(ctx, token))
	root := &domain.Strategy{Contribution: 10, Active: true, Timeframe: "1d"}
	require.NoError(t, store.SaveStrategy(ctx, root))
	require.NoError(t, store.SaveTarget(ctx, &domain.Target{TokenID: token.ID, StrategyID: root.ID, TargetPercent: 1, StoplossPercent: 2}))

	var hourly []domain.Candle
	for i := 0; i < 72; i++ {
		p := 2000 + float64(i%7)*10
		hourly = append(hourly, hour(i, p, p+25, p-5, p+5))
	}
	market := &fakeMarket{candles: hourly}
	svc := NewService(market, store, 0, zap.NewNop())

	report, err := svc.Run(ctx, Request{TokenID: token.ID, Year: 2024, StrategyID: root.ID, Budget: 500})
	require.NoError(t, err)

	assert.Equal(t, "ETHUSDT", report.Symbol)
	assert.Equal(t, "1h", market.interval)
	assert.Equal(t, t0, market.start)
	assert.Len(t, report.Chart, 3)
	assert.NotEmpty(t, report.Trades)
	assert.Len(t, report.EquityCurve, len(report.Trades)+1)

	child := &domain.Strategy{Contribution: 10, Active: true, ParentID: &root.ID}
	require.NoError(t, store.SaveStrategy(ctx, child))
	_, err = svc.Run(ctx, Request{TokenID: token.ID, Year: 2024, StrategyID: child.ID, Budget: 500})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Run(ctx, Request{TokenID: token.ID, Year: 2024, StrategyID: root.ID, Budget: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
