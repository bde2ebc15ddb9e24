package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/vitos/futures_ladder/internal/domain"
)

const maxKlineLimit = 1500

func (b *BinanceFutures) Price(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := b.public(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return 0, err
	}
	var res struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	price := parseFloat(res.MarkPrice)
	if price <= 0 {
		return 0, fmt.Errorf("no mark price for %s", symbol)
	}
	return price, nil
}

func (b *BinanceFutures) klines(ctx context.Context, params url.Values) ([]domain.Candle, error) {
	body, err := b.public(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			continue
		}
		var fields [5]string
		ok := true
		for i := 1; i <= 5; i++ {
			if err := json.Unmarshal(row[i], &fields[i-1]); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		candles = append(candles, domain.Candle{
			Time:   openTime,
			Open:   parseFloat(fields[0]),
			High:   parseFloat(fields[1]),
			Low:    parseFloat(fields[2]),
			Close:  parseFloat(fields[3]),
			Volume: parseFloat(fields[4]),
		})
	}
	return candles, nil
}

// DailyCandles returns the last days closed daily candles, oldest first.
func (b *BinanceFutures) DailyCandles(ctx context.Context, symbol string, days int) ([]domain.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", "1d")
	params.Set("limit", strconv.Itoa(days+1))
	candles, err := b.klines(ctx, params)
	if err != nil {
		return nil, err
	}
	// the newest bar is still forming
	if len(candles) > 0 {
		candles = candles[:len(candles)-1]
	}
	if len(candles) > days {
		candles = candles[len(candles)-days:]
	}
	return candles, nil
}

// Candles pages through klines between start and end, oldest first.
func (b *BinanceFutures) Candles(ctx context.Context, symbol, interval string, start, end time.Time) ([]domain.Candle, error) {
	var out []domain.Candle
	cursor := start.UnixMilli()
	endMs := end.UnixMilli()
	for cursor < endMs {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("interval", interval)
		params.Set("startTime", strconv.FormatInt(cursor, 10))
		params.Set("endTime", strconv.FormatInt(endMs, 10))
		params.Set("limit", strconv.Itoa(maxKlineLimit))

		page, err := b.klines(ctx, params)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, c := range page {
			if c.Time >= endMs {
				break
			}
			if len(out) > 0 && c.Time <= out[len(out)-1].Time {
				continue
			}
			out = append(out, c)
		}
		next := page[len(page)-1].Time + 1
		if next <= cursor {
			break
		}
		cursor = next
		if len(page) < maxKlineLimit {
			break
		}
	}
	return out, nil
}
