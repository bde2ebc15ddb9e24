package backtest

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/futures_ladder/internal/domain"
)

type EquityPoint struct {
	Time   int64   `json:"time"`
	Equity float64 `json:"equity"`
}

type Summary struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	Longs       int     `json:"longs"`
	Shorts      int     `json:"shorts"`
	WinRate     float64 `json:"winRate"`
	NetProfit   float64 `json:"netProfit"`
	MaxDrawdown float64 `json:"maxDrawdown"`
	ReturnPct   float64 `json:"returnPct"`
}

// Report is the response of the backtest boundary.
type Report struct {
	Symbol      string        `json:"symbol"`
	Year        int           `json:"year"`
	StrategyID  int64         `json:"strategyId"`
	Chart       []ChartPoint  `json:"chart"`
	Trades      []Trade       `json:"trades"`
	EquityCurve []EquityPoint `json:"equityCurve"`
	Summary     Summary       `json:"summary"`
}

// BuildReport derives the equity curve and summary from a replay and
// re-aggregates the chart to the display width.
func BuildReport(res *Result, budget float64, display time.Duration) *Report {
	equity := decimal.NewFromFloat(budget)
	peak := equity
	maxDD := decimal.Zero
	net := decimal.Zero

	r := &Report{Trades: res.Trades, Chart: Display(res.Chart, display)}
	r.EquityCurve = append(r.EquityCurve, EquityPoint{Time: firstTime(res), Equity: budget})

	for _, t := range res.Trades {
		p := decimal.NewFromFloat(t.Profit)
		net = net.Add(p)
		equity = equity.Add(p)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if dd := peak.Sub(equity); dd.GreaterThan(maxDD) {
			maxDD = dd
		}
		if t.Side == domain.SideBuy {
			r.Summary.Longs++
		} else {
			r.Summary.Shorts++
		}
		if t.Profit > 0 {
			r.Summary.Wins++
		} else {
			r.Summary.Losses++
		}
		r.EquityCurve = append(r.EquityCurve, EquityPoint{Time: t.ExitTime, Equity: equity.InexactFloat64()})
	}

	r.Summary.Trades = len(res.Trades)
	if r.Summary.Trades > 0 {
		r.Summary.WinRate = float64(r.Summary.Wins) / float64(r.Summary.Trades) * 100
	}
	r.Summary.NetProfit = net.InexactFloat64()
	r.Summary.MaxDrawdown = maxDD.InexactFloat64()
	if budget > 0 {
		r.Summary.ReturnPct = net.Div(decimal.NewFromFloat(budget)).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return r
}

func firstTime(res *Result) int64 {
	if len(res.Chart) == 0 {
		return 0
	}
	return res.Chart[0].Time
}

// Display merges chart points into buckets of width d, concatenating their
// opens and closes.
func Display(points []ChartPoint, d time.Duration) []ChartPoint {
	if d <= 0 {
		return points
	}
	var out []ChartPoint
	for _, p := range points {
		start := bucketStart(p.Time, d)
		if n := len(out); n > 0 && out[n-1].Time == start {
			last := &out[n-1]
			last.Candle = merge(last.Candle, p.Candle)
			last.Opened = append(last.Opened, p.Opened...)
			last.Closed = append(last.Closed, p.Closed...)
			continue
		}
		c := p.Candle
		c.Time = start
		out = append(out, ChartPoint{
			Time:   start,
			Candle: c,
			Opened: append([]OpenMark(nil), p.Opened...),
			Closed: append([]Trade(nil), p.Closed...),
		})
	}
	return out
}
