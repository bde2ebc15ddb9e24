package usecase_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/futures_ladder/internal/domain"
	"github.com/vitos/futures_ladder/internal/usecase"
	"go.uber.org/zap"
)

func TestSizeOrder_TruncatesToMinQtyPrecision(t *testing.T) {
	token := &domain.Token{Symbol: "BTC", QuoteAsset: "USDT", MinQty: 0.001, Leverage: 3}

	s, err := usecase.SizeOrder(15000, 10, 1, 45000, token)
	require.NoError(t, err)
	assert.InDelta(t, 1500, s.Budget, 1e-9)
	assert.Equal(t, 0.099, s.Quantity)

	// two strategies on the token halve the allocation
	s, err = usecase.SizeOrder(15000, 10, 2, 45000, token)
	require.NoError(t, err)
	assert.Equal(t, 0.048, s.Quantity)

	_, err = usecase.SizeOrder(300, 10, 1, 45000, token)
	assert.ErrorIs(t, err, domain.ErrBelowMinQty)
	assert.True(t, domain.IsSizingError(err))

	_, err = usecase.SizeOrder(0, 10, 1, 45000, token)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestQtyPrecision(t *testing.T) {
	cases := map[float64]int32{1: 0, 10: 0, 0.1: 1, 0.001: 3, 0.0001: 4, 0.005: 3}
	for minQty, want := range cases {
		assert.Equal(t, want, usecase.QtyPrecision(minQty), "minQty %v", minQty)
	}
}

func TestLadderPrices(t *testing.T) {
	assert.Equal(t, 105.0, usecase.TriggerPrice(domain.SideBuy, 100, 5))
	assert.Equal(t, 95.0, usecase.TriggerPrice(domain.SideSell, 100, 5))
	assert.Equal(t, 98.0, usecase.StopPrice(domain.SideBuy, 100, 2))
	assert.Equal(t, 102.0, usecase.StopPrice(domain.SideSell, 100, 2))
	assert.Equal(t, 103.0, usecase.StopPrice(domain.SideBuy, 100, -3))

	assert.True(t, usecase.TargetHit(domain.SideBuy, 105.01, 105))
	assert.False(t, usecase.TargetHit(domain.SideBuy, 105, 105))
	assert.True(t, usecase.TargetHit(domain.SideSell, 94.99, 95))
	assert.False(t, usecase.TargetHit(domain.SideSell, 95, 95))

	assert.Equal(t, 12.0, usecase.GrossProfit(domain.SideBuy, 100, 106, 2))
	assert.Equal(t, -12.0, usecase.GrossProfit(domain.SideSell, 100, 106, 2))
}

func candles(colors string) []domain.Candle {
	out := make([]domain.Candle, 0, len(colors))
	for _, c := range colors {
		if c == 'g' {
			out = append(out, domain.Candle{Open: 1, Close: 2})
		} else {
			out = append(out, domain.Candle{Open: 2, Close: 1})
		}
	}
	return out
}

func TestSelectTrigger_FirstMatchWins(t *testing.T) {
	green := &domain.Strategy{ID: 2, Active: true, TriggerRule: domain.TriggerFiveGreen}
	red := &domain.Strategy{ID: 3, Active: true, TriggerRule: domain.TriggerFiveRed}
	same := &domain.Strategy{ID: 4, Active: true, TriggerRule: domain.TriggerFiveSame}
	always := &domain.Strategy{ID: 5, Active: true}

	tests := []struct {
		name     string
		children []*domain.Strategy
		colors   string
		want     *domain.Strategy
	}{
		{"five green", []*domain.Strategy{red, green, same}, "rgggggg", green},
		{"five red prefers earlier same", []*domain.Strategy{same, red}, "rrrrr", same},
		{"mixed falls to always", []*domain.Strategy{green, red, same, always}, "ggrgg", always},
		{"mixed without always", []*domain.Strategy{green, red, same}, "ggrgg", nil},
		{"too few candles", []*domain.Strategy{green}, "gggg", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, usecase.SelectTrigger(tt.children, candles(tt.colors)))
		})
	}
}

func TestCandleSide(t *testing.T) {
	g := domain.Candle{Open: 1, Close: 2}
	r := domain.Candle{Open: 2, Close: 1}
	assert.Equal(t, domain.SideBuy, usecase.CandleSide(g, domain.DirectionSame))
	assert.Equal(t, domain.SideSell, usecase.CandleSide(g, domain.DirectionOpposite))
	assert.Equal(t, domain.SideSell, usecase.CandleSide(r, domain.DirectionSame))
	assert.Equal(t, domain.SideBuy, usecase.CandleSide(domain.Candle{Open: 1, Close: 1}, domain.DirectionSame))
}

func TestRecentSet_EvictsOldest(t *testing.T) {
	s := usecase.NewRecentSet(3)
	for i := 0; i < 3; i++ {
		assert.True(t, s.Add(fmt.Sprint(i)))
	}
	assert.False(t, s.Add("1"))
	assert.True(t, s.Add("3"))
	assert.False(t, s.Contains("0"))
	assert.True(t, s.Contains("1"))

	s.Remove("2")
	assert.True(t, s.Add("2"))
}

func TestInFlight(t *testing.T) {
	g := usecase.NewInFlight()
	assert.True(t, g.TryAcquire(7))
	assert.False(t, g.TryAcquire(7))
	assert.True(t, g.Busy(7))
	g.Release(7)
	assert.True(t, g.TryAcquire(7))
}

func TestTargetIndex(t *testing.T) {
	x := usecase.NewTargetIndex()
	x.Put(usecase.IndexEntry{TokenID: 1, OrderID: 20, StopOrderID: "a", TriggerPrice: 105})
	x.Put(usecase.IndexEntry{TokenID: 1, OrderID: 10, StopOrderID: "b"})
	x.Put(usecase.IndexEntry{TokenID: 2, OrderID: 30, StopOrderID: "c"})
	assert.Equal(t, 3, x.Len())

	entries := x.ForToken(1)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(10), entries[0].OrderID)

	e, ok := x.FindByStop("c")
	require.True(t, ok)
	assert.Equal(t, int64(30), e.OrderID)

	assert.True(t, x.Update(1, 20, func(e *usecase.IndexEntry) { e.TriggerPrice = 110 }))
	e, _ = x.Get(1, 20)
	assert.Equal(t, 110.0, e.TriggerPrice)
	assert.False(t, x.Update(1, 99, func(e *usecase.IndexEntry) {}))

	assert.Equal(t, 1, x.Remove(1, 20))
	assert.Equal(t, 0, x.Remove(1, 10))
	assert.Equal(t, []int64{2}, x.Tokens())
	assert.Len(t, x.All(), 1)
}

func TestPriceWatcher_KeepsWatchWhileTokenHasEntries(t *testing.T) {
	index := usecase.NewTargetIndex()
	w := usecase.NewPriceWatcher(NewMockExchange(100), index, usecase.NewInFlight(),
		func(context.Context, usecase.IndexEntry, float64) {}, time.Hour, zap.NewNop())
	t.Cleanup(w.StopAll)

	index.Put(usecase.IndexEntry{TokenID: 1, OrderID: 10})
	w.Ensure(1, "BTCUSDT")
	require.Equal(t, 0, index.Remove(1, 10))

	// an open for the same token lands between the removal and the teardown
	index.Put(usecase.IndexEntry{TokenID: 1, OrderID: 11})
	w.Ensure(1, "BTCUSDT")
	assert.False(t, w.RemoveIfIdle(1))
	assert.True(t, w.Watching(1))

	require.Equal(t, 0, index.Remove(1, 11))
	assert.True(t, w.RemoveIfIdle(1))
	assert.False(t, w.Watching(1))
	assert.False(t, w.RemoveIfIdle(1))
}
