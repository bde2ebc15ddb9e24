package usecase

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vitos/futures_ladder/internal/domain"
)

// Sizing is the per-user allocation of one order.
type Sizing struct {
	Budget   float64
	Quantity float64
}

// SizeOrder computes budget = tradeBalance*(contribution/strategyCount)/100 and
// qty = truncate(budget/price, precision(minQty)) * leverage.
func SizeOrder(tradeBalance, contribution float64, strategyCount int, price float64, token *domain.Token) (Sizing, error) {
	if strategyCount < 1 {
		strategyCount = 1
	}
	if tradeBalance <= 0 {
		return Sizing{}, fmt.Errorf("trade balance %.2f: %w", tradeBalance, domain.ErrInsufficientBalance)
	}
	if price <= 0 {
		return Sizing{}, fmt.Errorf("invalid price %v", price)
	}

	budget := decimal.NewFromFloat(tradeBalance).
		Mul(decimal.NewFromFloat(contribution).Div(decimal.NewFromInt(int64(strategyCount)))).
		Div(hundred)

	leverage := token.Leverage
	if leverage < 1 {
		leverage = 1
	}
	qty := budget.Div(decimal.NewFromFloat(price)).
		Truncate(QtyPrecision(token.MinQty)).
		Mul(decimal.NewFromInt(int64(leverage)))

	s := Sizing{Budget: budget.InexactFloat64(), Quantity: qty.InexactFloat64()}
	if qty.LessThan(decimal.NewFromFloat(token.MinQty)) {
		return s, fmt.Errorf("%s qty %s < %v: %w", token.Pair(), qty.String(), token.MinQty, domain.ErrBelowMinQty)
	}
	return s, nil
}
