package usecase

import "github.com/vitos/futures_ladder/internal/domain"

// triggerWindow is the number of closed daily candles a trigger rule inspects.
const triggerWindow = 5

// SelectTrigger returns the first child, in the given order, whose rule
// matches the color run of the last five candles, or nil.
func SelectTrigger(children []*domain.Strategy, candles []domain.Candle) *domain.Strategy {
	allGreen, allRed := colorRun(candles)
	for _, child := range children {
		if !child.Active {
			continue
		}
		switch child.TriggerRule {
		case domain.TriggerAlways:
			return child
		case domain.TriggerFiveGreen:
			if allGreen {
				return child
			}
		case domain.TriggerFiveRed:
			if allRed {
				return child
			}
		case domain.TriggerFiveSame:
			if allGreen || allRed {
				return child
			}
		}
	}
	return nil
}

func colorRun(candles []domain.Candle) (allGreen, allRed bool) {
	if len(candles) < triggerWindow {
		return false, false
	}
	allGreen, allRed = true, true
	for _, c := range candles[len(candles)-triggerWindow:] {
		if c.IsGreen() {
			allRed = false
		} else {
			allGreen = false
		}
	}
	return allGreen, allRed
}

// ChildSide is the side a chained child opens with.
func ChildSide(parent domain.Side, child *domain.Strategy) domain.Side {
	if child.Direction == domain.DirectionOpposite {
		return parent.Opposite()
	}
	return parent
}

// CandleSide derives a root strategy's side from the previous candle's color.
func CandleSide(prev domain.Candle, direction domain.Direction) domain.Side {
	side := domain.SideSell
	if prev.IsGreen() {
		side = domain.SideBuy
	}
	if direction == domain.DirectionOpposite {
		return side.Opposite()
	}
	return side
}
