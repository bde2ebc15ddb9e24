package backtest

import (
	"time"

	"github.com/vitos/futures_ladder/internal/domain"
)

// bucketStart returns the start (ms) of the bucket of width d holding ts.
func bucketStart(ts int64, d time.Duration) int64 {
	return domain.AlignDown(time.UnixMilli(ts), d).UnixMilli()
}

// Aggregate merges ascending candles into buckets of width d: first Open,
// max High, min Low, last Close, summed Volume.
func Aggregate(candles []domain.Candle, d time.Duration) []domain.Candle {
	var out []domain.Candle
	for _, c := range candles {
		start := bucketStart(c.Time, d)
		if n := len(out); n > 0 && out[n-1].Time == start {
			out[n-1] = merge(out[n-1], c)
			continue
		}
		c.Time = start
		out = append(out, c)
	}
	return out
}

func merge(acc, c domain.Candle) domain.Candle {
	if c.High > acc.High {
		acc.High = c.High
	}
	if c.Low < acc.Low {
		acc.Low = c.Low
	}
	acc.Close = c.Close
	acc.Volume += c.Volume
	return acc
}
