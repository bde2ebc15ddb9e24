package usecase

import (
	"math"

	"github.com/shopspring/decimal"
	"github.com/vitos/futures_ladder/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// TriggerPrice is the price that completes a rung: entry moved by
// targetPercent in the position's favor.
func TriggerPrice(side domain.Side, entry, targetPercent float64) float64 {
	return offset(side, entry, targetPercent, true)
}

// StopPrice is the protective price of a rung, stoplossPercent against the
// position. A negative stoplossPercent trails the stop into profit.
func StopPrice(side domain.Side, entry, stoplossPercent float64) float64 {
	return offset(side, entry, stoplossPercent, false)
}

func offset(side domain.Side, entry, percent float64, favorable bool) float64 {
	e := decimal.NewFromFloat(entry)
	delta := e.Mul(decimal.NewFromFloat(percent)).Div(hundred)
	if side.IsLong() != favorable {
		delta = delta.Neg()
	}
	return e.Add(delta).InexactFloat64()
}

// TargetHit reports whether price has crossed trigger in the side's favor.
func TargetHit(side domain.Side, price, trigger float64) bool {
	if side.IsLong() {
		return price > trigger
	}
	return price < trigger
}

// StopHit reports whether price has breached stop against the side.
func StopHit(side domain.Side, price, stop float64) bool {
	if side.IsLong() {
		return price <= stop
	}
	return price >= stop
}

// GrossProfit is (exit-entry)*qty for longs and (entry-exit)*qty for shorts.
func GrossProfit(side domain.Side, entry, exit, qty float64) float64 {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	if !side.IsLong() {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromFloat(qty)).InexactFloat64()
}

// Fee is notional*rate.
func Fee(price, qty, rate float64) float64 {
	return decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(qty)).Mul(decimal.NewFromFloat(rate)).InexactFloat64()
}

// QtyPrecision is the number of decimals in minQty (0.001 -> 3).
func QtyPrecision(minQty float64) int32 {
	if minQty <= 0 || math.IsNaN(minQty) {
		return 0
	}
	exp := decimal.NewFromFloat(minQty).Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}
