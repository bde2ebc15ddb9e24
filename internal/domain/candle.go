package domain

// Candle is one OHLCV bar; Time is the open time in milliseconds.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

func (c Candle) IsGreen() bool {
	return c.Close >= c.Open
}
