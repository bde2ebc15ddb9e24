package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/futures_ladder/internal/domain"
)

func TestBuildReport_EquityAndSummary(t *testing.T) {
	res := &Result{
		Chart: []ChartPoint{{Time: t0.UnixMilli()}},
		Trades: []Trade{
			{Side: domain.SideBuy, Profit: 100, ExitTime: 1},
			{Side: domain.SideSell, Profit: -50, ExitTime: 2},
			{Side: domain.SideBuy, Profit: 30, ExitTime: 3},
		},
	}
	r := BuildReport(res, 1000, 24*time.Hour)

	require.Len(t, r.EquityCurve, 4)
	assert.Equal(t, 1000.0, r.EquityCurve[0].Equity)
	assert.Equal(t, 1080.0, r.EquityCurve[3].Equity)
	assert.Equal(t, 3, r.Summary.Trades)
	assert.Equal(t, 2, r.Summary.Wins)
	assert.Equal(t, 1, r.Summary.Losses)
	assert.Equal(t, 2, r.Summary.Longs)
	assert.InDelta(t, 66.666, r.Summary.WinRate, 0.01)
	assert.Equal(t, 80.0, r.Summary.NetProfit)
	assert.Equal(t, 50.0, r.Summary.MaxDrawdown)
	assert.Equal(t, 8.0, r.Summary.ReturnPct)
}

func TestDisplay_MergesBuckets(t *testing.T) {
	points := []ChartPoint{
		{Time: hour(0, 0, 0, 0, 0).Time, Candle: hour(0, 10, 12, 9, 11), Opened: []OpenMark{{ID: "a", Side: domain.SideBuy}}},
		{Time: hour(1, 0, 0, 0, 0).Time, Candle: hour(1, 11, 13, 8, 12), Closed: []Trade{{ID: "a"}}},
		{Time: hour(24, 0, 0, 0, 0).Time, Candle: hour(24, 12, 12, 12, 12)},
	}
	out := Display(points, 24*time.Hour)
	require.Len(t, out, 2)
	assert.Equal(t, 13.0, out[0].Candle.High)
	assert.Equal(t, 8.0, out[0].Candle.Low)
	assert.Equal(t, 12.0, out[0].Candle.Close)
	assert.Len(t, out[0].Opened, 1)
	assert.Len(t, out[0].Closed, 1)
	assert.Empty(t, points[0].Closed, "input must not be mutated")
}
